package pipeline

import (
	"context"
	"time"

	"cvtrack/internal/cvstore"
	"cvtrack/internal/fileutil"
	"cvtrack/internal/logging"
	"cvtrack/internal/services"
)

// Reconcile returns records left in processing for longer than staleAfter
// to uploaded, across all owners. Records queued on or running in this
// pipeline's pool are skipped. A zero staleAfter resets every other
// processing record.
func (p *Pipeline) Reconcile(ctx context.Context, staleAfter time.Duration) (map[string][]string, error) {
	owners, err := p.repo.Owners()
	if err != nil {
		return nil, err
	}
	cutoff := p.now().Add(-staleAfter)
	reset := make(map[string][]string)
	for _, owner := range owners {
		if err := ctx.Err(); err != nil {
			return reset, err
		}
		ids, err := p.repo.ResetStuckProcessing(owner, cutoff, func(id string) bool {
			return p.isActive(owner, id)
		})
		if err != nil {
			logging.WarnWithContext(logging.WithContext(services.WithOwner(ctx, owner), p.logger),
				"reconciliation failed for owner", "cv_reconcile_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check data directory permissions"),
				logging.String(logging.FieldImpact, "records may stay in processing"))
			continue
		}
		if len(ids) == 0 {
			continue
		}
		reset[owner] = ids
		logging.WarnWithContext(logging.WithContext(services.WithOwner(ctx, owner), p.logger),
			"stale processing records returned to uploaded", "cv_reconciled",
			logging.Int("count", len(ids)),
			logging.String(logging.FieldErrorHint, "queue pending records to process them again"),
			logging.String(logging.FieldImpact, "previous processing attempt discarded"))
	}
	return reset, nil
}

// BackfillDigests computes digests for owner records that have none. Files
// are hashed outside the owner lock; results are applied in one write.
// It returns how many records were updated.
func (p *Pipeline) BackfillDigests(ctx context.Context, owner string) (int, error) {
	records, err := p.repo.Load(owner)
	if err != nil {
		return 0, err
	}
	logger := logging.WithContext(services.WithOwner(ctx, owner), p.logger)
	digests := make(map[string]string)
	for _, rec := range records {
		if rec.Digest != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		digest, err := fileutil.HashFile(p.resolvePath(rec))
		if err != nil {
			logger.Debug("digest backfill skipped record",
				logging.String(logging.FieldRecordID, rec.ID),
				logging.Error(err))
			continue
		}
		digests[rec.ID] = digest
	}
	if len(digests) == 0 {
		return 0, nil
	}

	updated := 0
	err = p.repo.WithLock(owner, func() error {
		current, err := p.repo.Load(owner)
		if err != nil {
			return err
		}
		for i := range current {
			digest, ok := digests[current[i].ID]
			if !ok || current[i].Digest != nil {
				continue
			}
			current[i].Digest = &digest
			updated++
		}
		if updated == 0 {
			return nil
		}
		return p.repo.Save(owner, current)
	})
	if err != nil {
		return 0, err
	}
	logger.Info("digests backfilled",
		logging.String(logging.FieldEventType, "cv_digest_backfill"),
		logging.Int("updated", updated))
	return updated, nil
}

// Status summarizes worker pool state.
type Status struct {
	Running   bool   `json:"running"`
	Workers   int    `json:"workers"`
	Queued    int    `json:"queued"`
	Processed int64  `json:"processed"`
	Failed    int64  `json:"failed"`
	LastError string `json:"lastError,omitempty"`
}

// Status reports worker pool counters since start.
func (p *Pipeline) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st := Status{
		Running:   p.running,
		Workers:   p.workers,
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
	}
	if p.jobs != nil {
		st.Queued = len(p.jobs)
	}
	st.LastError = p.lastError()
	return st
}

// OwnerSummary combines per-status counts for one owner.
func (p *Pipeline) OwnerSummary(owner string) (map[cvstore.Status]int, int, error) {
	counts, err := p.repo.Stats(owner)
	if err != nil {
		return nil, 0, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return counts, total, nil
}
