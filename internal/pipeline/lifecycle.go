package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/google/uuid"

	"cvtrack/internal/cvstore"
	"cvtrack/internal/fileutil"
	"cvtrack/internal/logging"
	"cvtrack/internal/services"
)

// DuplicatePolicy decides what CreateFromUploads does with content already
// stored for the owner.
type DuplicatePolicy string

const (
	// DuplicatesAccept stores duplicates as new records.
	DuplicatesAccept DuplicatePolicy = "accept"
	// DuplicatesReject skips files whose digest matches an existing record.
	DuplicatesReject DuplicatePolicy = "reject"
)

// ParseDuplicatePolicy maps "", "accept" and "reject".
func ParseDuplicatePolicy(value string) (DuplicatePolicy, error) {
	switch DuplicatePolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "", DuplicatesAccept:
		return DuplicatesAccept, nil
	case DuplicatesReject:
		return DuplicatesReject, nil
	}
	return "", services.Wrap(services.ErrValidation, "pipeline", "create", fmt.Sprintf("unknown duplicate policy %q", value), nil)
}

// Upload describes one stored file handed over by an upload collaborator.
type Upload struct {
	OriginalName string `json:"originalName"`
	StoredName   string `json:"storedName"`
	StoragePath  string `json:"storagePath"`
	Size         int64  `json:"size"`
	FileType     string `json:"fileType"`
}

// Rejected is an upload that did not become a record.
type Rejected struct {
	Upload      Upload `json:"upload"`
	Error       string `json:"error"`
	DuplicateOf string `json:"duplicateOf,omitempty"`
}

// BatchResult reports the outcome of CreateFromUploads.
type BatchResult struct {
	Created  []cvstore.Record `json:"created"`
	Rejected []Rejected       `json:"rejected"`
}

// CreateFromUploads creates one uploaded record per valid upload. Invalid
// uploads are reported in Rejected without affecting the rest of the batch.
// A file that cannot be hashed is still created with a null digest.
func (p *Pipeline) CreateFromUploads(ctx context.Context, owner string, uploads []Upload, policy DuplicatePolicy) (BatchResult, error) {
	logger := logging.WithContext(services.WithOwner(ctx, owner), p.logger)
	result := BatchResult{Created: []cvstore.Record{}, Rejected: []Rejected{}}

	candidates := make([]cvstore.Record, 0, len(uploads))
	sources := make([]Upload, 0, len(uploads))
	for _, up := range uploads {
		rec, err := p.newRecord(owner, up)
		if err != nil {
			result.Rejected = append(result.Rejected, Rejected{Upload: up, Error: trimMarker(err)})
			continue
		}
		digest, err := fileutil.HashFile(p.resolvePath(rec))
		if err != nil {
			logging.WarnWithContext(logger, "could not hash upload; digest left for backfill", "cv_hash_failed",
				logging.String(logging.FieldRecordID, rec.ID),
				logging.String("storage_path", rec.StoragePath),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "run cv backfill once the file is readable"),
				logging.String(logging.FieldImpact, "duplicate detection skips this record"))
		} else {
			rec.Digest = &digest
		}
		candidates = append(candidates, rec)
		sources = append(sources, up)
	}

	err := p.repo.WithLock(owner, func() error {
		existing, err := p.repo.Load(owner)
		if err != nil {
			return err
		}
		accepted := make([]cvstore.Record, 0, len(candidates))
		for i, rec := range candidates {
			if policy == DuplicatesReject && rec.Digest != nil {
				dup, ok := cvstore.MatchDigest(existing, *rec.Digest, "")
				if !ok {
					dup, ok = cvstore.MatchDigest(accepted, *rec.Digest, "")
				}
				if ok {
					result.Rejected = append(result.Rejected, Rejected{
						Upload:      sources[i],
						Error:       "duplicate content",
						DuplicateOf: dup.ID,
					})
					continue
				}
			}
			accepted = append(accepted, rec)
		}
		if len(accepted) == 0 {
			return nil
		}
		// Newest first: the last upload of the batch ends up on top.
		merged := make([]cvstore.Record, 0, len(accepted)+len(existing))
		for i := len(accepted) - 1; i >= 0; i-- {
			merged = append(merged, accepted[i])
		}
		merged = append(merged, existing...)
		if err := p.repo.Save(owner, merged); err != nil {
			return err
		}
		result.Created = accepted
		return nil
	})
	if err != nil {
		return BatchResult{}, err
	}

	logger.Info("cv uploads recorded",
		logging.String(logging.FieldEventType, "cv_created"),
		logging.Int("created", len(result.Created)),
		logging.Int("rejected", len(result.Rejected)))
	return result, nil
}

func (p *Pipeline) newRecord(owner string, up Upload) (cvstore.Record, error) {
	fileType, ok := cvstore.ParseFileType(up.FileType)
	if !ok {
		if ft, okName := cvstore.ParseFileType(up.OriginalName); okName && strings.TrimSpace(up.FileType) == "" {
			fileType, ok = ft, true
		}
	}
	if !ok {
		return cvstore.Record{}, services.Wrap(services.ErrValidation, "pipeline", "create",
			fmt.Sprintf("unsupported file type %q for %q", up.FileType, up.OriginalName), nil)
	}
	if strings.TrimSpace(up.OriginalName) == "" {
		return cvstore.Record{}, services.Wrap(services.ErrValidation, "pipeline", "create", "original name is required", nil)
	}
	if strings.TrimSpace(up.StoragePath) == "" {
		return cvstore.Record{}, services.Wrap(services.ErrValidation, "pipeline", "create", "storage path is required", nil)
	}
	if up.Size < 0 {
		return cvstore.Record{}, services.Wrap(services.ErrValidation, "pipeline", "create", "size must not be negative", nil)
	}
	stored := up.StoredName
	if strings.TrimSpace(stored) == "" {
		stored = up.OriginalName
	}
	rec := cvstore.Record{
		ID:           uuid.NewString(),
		Owner:        owner,
		OriginalName: up.OriginalName,
		StoredName:   stored,
		StoragePath:  up.StoragePath,
		Size:         up.Size,
		FileType:     fileType,
		Status:       cvstore.StatusUploaded,
		UploadedAt:   p.now().UTC(),
	}
	return rec, rec.Validate()
}

// CheckDuplicate returns an existing record whose digest equals digest.
func (p *Pipeline) CheckDuplicate(owner, digest string) (cvstore.Record, bool, error) {
	return p.repo.FindByDigest(owner, digest, "")
}

// CheckDuplicateFile hashes path and looks for an existing record with the same content.
func (p *Pipeline) CheckDuplicateFile(owner, path string) (cvstore.Record, bool, error) {
	digest, err := fileutil.HashFile(path)
	if err != nil {
		return cvstore.Record{}, false, err
	}
	return p.repo.FindByDigest(owner, digest, "")
}

// QueueAllPending moves every uploaded record of owner to processing and
// submits one job each. Records created after the snapshot are not included.
// It returns the ids queued.
func (p *Pipeline) QueueAllPending(ctx context.Context, owner string) ([]string, error) {
	if !p.Running() {
		return nil, ErrNotRunning
	}
	var jobs []job
	err := p.repo.WithLock(owner, func() error {
		records, err := p.repo.Load(owner)
		if err != nil {
			return err
		}
		now := p.now()
		for i := range records {
			if records[i].Status != cvstore.StatusUploaded {
				continue
			}
			records[i].MarkProcessing(now)
			jobs = append(jobs, job{owner: owner, id: records[i].ID, attempt: records[i].Attempt})
		}
		if len(jobs) == 0 {
			return nil
		}
		return p.repo.Save(owner, records)
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(jobs))
	var submitErr error
	for _, j := range jobs {
		if err := p.submit(ctx, j); err != nil {
			submitErr = err
			continue
		}
		ids = append(ids, j.id)
	}
	logging.WithContext(services.WithOwner(ctx, owner), p.logger).Info("queued pending records",
		logging.String(logging.FieldEventType, "cv_sweep"),
		logging.Int("queued", len(ids)))
	return ids, submitErr
}

// Reprocess clears a record's output and error, returns it to uploaded, and
// queues it again. The analysis cache is bypassed and refreshed.
func (p *Pipeline) Reprocess(ctx context.Context, owner, id string) (cvstore.Record, error) {
	if !p.Running() {
		return cvstore.Record{}, ErrNotRunning
	}
	var j job
	rec, err := p.repo.Update(owner, id, func(rec *cvstore.Record) error {
		rec.ResetToUploaded()
		rec.MarkProcessing(p.now())
		j = job{owner: owner, id: id, attempt: rec.Attempt, bypassCache: true}
		return nil
	})
	if err != nil {
		return cvstore.Record{}, err
	}
	if err := p.submit(ctx, j); err != nil {
		return cvstore.Record{}, err
	}
	return rec, nil
}

// Delete removes the record, then best-effort removes its file. A file that
// cannot be removed is logged as orphaned and does not fail the call.
func (p *Pipeline) Delete(ctx context.Context, owner, id string) (cvstore.Record, error) {
	rec, err := p.repo.Delete(owner, id)
	if err != nil {
		return cvstore.Record{}, err
	}
	path := p.resolvePath(rec)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logging.WarnWithContext(logging.WithContext(services.WithRecordID(services.WithOwner(ctx, owner), id), p.logger),
			"cv file left orphaned after delete", "cv_file_orphaned",
			logging.String("path", path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "remove the file manually"),
			logging.String(logging.FieldImpact, "disk space is not reclaimed"))
	}
	return rec, nil
}

// List returns a page of owner records.
func (p *Pipeline) List(owner string, q cvstore.Query) (cvstore.Page, error) {
	return p.repo.List(owner, q)
}

// Get returns one record.
func (p *Pipeline) Get(owner, id string) (cvstore.Record, error) {
	return p.repo.Get(owner, id)
}

// Stats counts owner records per status.
func (p *Pipeline) Stats(owner string) (map[cvstore.Status]int, error) {
	return p.repo.Stats(owner)
}
