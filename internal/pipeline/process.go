package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"cvtrack/internal/analysiscache"
	"cvtrack/internal/analyzer"
	"cvtrack/internal/cvstore"
	"cvtrack/internal/logging"
	"cvtrack/internal/services"
)

const (
	stageExtract = "extract"
	stageAnalyze = "analyze"
	stageFinish  = "finish"
)

// process runs extract and analyze for one job and records the outcome.
// It never returns an error: failures become the record's error state.
func (p *Pipeline) process(ctx context.Context, j job) {
	ctx = services.WithOwner(ctx, j.owner)
	ctx = services.WithRecordID(ctx, j.id)
	logger := logging.WithContext(ctx, p.logger)

	rec, err := p.repo.Update(j.owner, j.id, func(rec *cvstore.Record) error {
		if rec.Status != cvstore.StatusProcessing || rec.Attempt != j.attempt {
			return errStale
		}
		rec.MarkStarted(p.now())
		return nil
	})
	switch {
	case errors.Is(err, errStale), errors.Is(err, services.ErrNotFound):
		logger.Debug("skipping superseded job",
			logging.Int("job_attempt", j.attempt),
			logging.Error(err))
		p.release(j)
		return
	case err != nil:
		p.setLastError(err)
		logging.WarnWithContext(logger, "failed to claim queued record", "cv_claim_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check data directory permissions and free space"),
			logging.String(logging.FieldImpact, "record stays in processing until reconciliation"))
		p.release(j)
		return
	}

	result, err := p.run(ctx, rec, j)
	if ctx.Err() != nil {
		p.requeue(j, "interrupted by shutdown")
		return
	}
	if err != nil {
		result = analyzer.Failure(p.analyzer.Name(), failureMessage(err))
	}
	p.finish(ctx, logger, j, result)
	p.release(j)
}

// run executes the extract and analyze stages.
func (p *Pipeline) run(ctx context.Context, rec cvstore.Record, j job) (analyzer.Result, error) {
	path := p.resolvePath(rec)

	text, err := p.extractor.Extract(services.WithStage(ctx, stageExtract), path, rec.FileType)
	if err != nil {
		return analyzer.Result{}, err
	}

	digest := rec.DigestValue()
	id, cacheable := p.cacheIdentity(ctx, rec.Owner, digest)
	if cacheable && !j.bypassCache {
		if cached, ok := p.lookupCache(ctx, rec.Owner, digest, id); ok {
			return cached, nil
		}
	}

	result := p.analyzer.Analyze(services.WithStage(ctx, stageAnalyze), text, rec.Owner)
	if cacheable && result.Success {
		p.storeCache(ctx, rec.Owner, digest, id, result)
	}
	return result, nil
}

// cacheIdentity reports the owner's current analyzer identity, or false when
// results for this record must not be cached.
func (p *Pipeline) cacheIdentity(ctx context.Context, owner, digest string) (analyzer.Identity, bool) {
	if p.cache == nil || digest == "" {
		return analyzer.Identity{}, false
	}
	id, err := p.analyzer.Identify(owner)
	if err != nil {
		logging.WithContext(ctx, p.logger).Debug("analysis cache skipped", logging.Error(err))
		return analyzer.Identity{}, false
	}
	return id, true
}

func (p *Pipeline) lookupCache(ctx context.Context, owner, digest string, id analyzer.Identity) (analyzer.Result, bool) {
	entry, ok, err := p.cache.Lookup(ctx, owner, digest, id.Key)
	if err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, p.logger), "analysis cache lookup failed", "analysis_cache_lookup_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the analysis cache database"),
			logging.String(logging.FieldImpact, "analyzer is called without cache"))
		return analyzer.Result{}, false
	}
	if !ok {
		return analyzer.Result{}, false
	}
	logging.WithContext(ctx, p.logger).Debug("analysis cache hit", logging.Int("hits", entry.Hits))
	return analyzer.Normalize(id.Producer, analyzer.Result{
		Success:    true,
		Data:       entry.Data,
		Confidence: entry.Confidence,
		Analyzer:   entry.ProducedBy,
	}, nil), true
}

// storeCache keeps result only when it came from the analyzer id describes
// and the owner's settings did not change while the call was in flight.
func (p *Pipeline) storeCache(ctx context.Context, owner, digest string, id analyzer.Identity, result analyzer.Result) {
	if result.Analyzer != id.Producer {
		return
	}
	if after, err := p.analyzer.Identify(owner); err != nil || after.Key != id.Key {
		return
	}
	err := p.cache.Put(ctx, analysiscache.Entry{
		Owner:      owner,
		Digest:     digest,
		Analyzer:   id.Key,
		ProducedBy: result.Analyzer,
		Data:       result.Data,
		Confidence: result.Confidence,
		CreatedAt:  p.now(),
	})
	if err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, p.logger), "analysis cache write failed", "analysis_cache_write_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the analysis cache database"),
			logging.String(logging.FieldImpact, "next sweep of identical content calls the analyzer again"))
	}
}

// finish writes the terminal state under the owner lock, provided the record
// is still processing this attempt.
func (p *Pipeline) finish(ctx context.Context, logger *slog.Logger, j job, result analyzer.Result) {
	_, err := p.repo.Update(j.owner, j.id, func(rec *cvstore.Record) error {
		if rec.Status != cvstore.StatusProcessing || rec.Attempt != j.attempt {
			return errStale
		}
		if result.Success {
			rec.MarkProcessed(result.Data, result.Confidence, result.Analyzer, p.now())
		} else {
			rec.MarkFailed(result.Error)
		}
		return nil
	})
	switch {
	case err == nil && result.Success:
		p.processed.Add(1)
		logger.Info("cv processed",
			logging.String(logging.FieldEventType, "cv_processed"),
			logging.String("analyzer", result.Analyzer))
	case err == nil:
		p.failed.Add(1)
		logging.WarnWithContext(logger, "cv processing failed", "cv_failed",
			logging.String("error_message", result.Error),
			logging.String(logging.FieldStage, stageFinish),
			logging.String(logging.FieldErrorHint, "inspect the record error and reprocess"),
			logging.String(logging.FieldImpact, "record marked error"))
	case errors.Is(err, errStale), errors.Is(err, services.ErrNotFound):
		logger.Debug("discarding result of superseded attempt", logging.Error(err))
	default:
		p.setLastError(err)
		logging.ErrorWithContext(logger, "failed to persist processing result", "cv_finish_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check data directory permissions and free space"))
	}
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, services.ErrUnsupported):
		return fmt.Sprintf("unsupported file type: %s", trimMarker(err))
	case errors.Is(err, services.ErrIO):
		return fmt.Sprintf("file unavailable: %s", trimMarker(err))
	case errors.Is(err, services.ErrValidation):
		return fmt.Sprintf("extraction failed: %s", trimMarker(err))
	default:
		return strings.TrimSpace(err.Error())
	}
}

// trimMarker drops the leading "marker: " prefix added by services.Wrap.
func trimMarker(err error) string {
	msg := err.Error()
	for _, marker := range []error{services.ErrUnsupported, services.ErrIO, services.ErrValidation} {
		msg = strings.TrimPrefix(msg, marker.Error()+": ")
	}
	return msg
}
