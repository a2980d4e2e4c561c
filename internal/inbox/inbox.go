// Package inbox watches a drop folder and feeds new CV files into the
// pipeline. Files placed under <inbox>/<owner>/ are copied into the upload
// directory, recorded for that owner, and removed from the inbox.
package inbox

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"cvtrack/internal/cvstore"
	"cvtrack/internal/docstore"
	"cvtrack/internal/logging"
	"cvtrack/internal/pipeline"
	"cvtrack/internal/services"
)

// RejectedSuffix marks inbox files that were not recorded.
const RejectedSuffix = ".rejected"

// Creator records uploaded files for an owner.
type Creator interface {
	CreateFromUploads(ctx context.Context, owner string, uploads []pipeline.Upload, policy pipeline.DuplicatePolicy) (pipeline.BatchResult, error)
}

// Watcher ingests files from the inbox directory.
type Watcher struct {
	root      string
	uploadDir string
	creator   Creator
	policy    pipeline.DuplicatePolicy
	settle    time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]time.Time
}

// New constructs a Watcher. settle is how long a file must stay unchanged
// before it is ingested.
func New(root, uploadDir string, creator Creator, policy pipeline.DuplicatePolicy, settle time.Duration, logger *slog.Logger) *Watcher {
	if settle <= 0 {
		settle = 2 * time.Second
	}
	return &Watcher{
		root:      root,
		uploadDir: uploadDir,
		creator:   creator,
		policy:    policy,
		settle:    settle,
		logger:    logging.NewComponentLogger(logger, "inbox"),
		pending:   make(map[string]time.Time),
	}
}

// Run watches until ctx is cancelled. Files already present are ingested first.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return services.Wrap(services.ErrIO, "inbox", "init", "create inbox directory", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return services.Wrap(services.ErrIO, "inbox", "init", "create watcher", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.root); err != nil {
		return services.Wrap(services.ErrIO, "inbox", "init", "watch "+w.root, err)
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return services.Wrap(services.ErrIO, "inbox", "init", "list "+w.root, err)
	}
	for _, entry := range entries {
		if entry.IsDir() && !isHidden(entry.Name()) {
			w.watchOwner(watcher, filepath.Join(w.root, entry.Name()))
		}
	}
	w.logger.Info("inbox watcher started", logging.String("path", w.root))

	ticker := time.NewTicker(w.settle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("inbox watcher stopped")
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.WarnWithContext(w.logger, "inbox watcher error", "inbox_watch_error",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check the inbox directory"),
				logging.String(logging.FieldImpact, "some dropped files may need a daemon restart to be picked up"))
		case <-ticker.C:
			w.Flush(ctx, false)
		}
	}
}

// watchOwner adds an owner directory and queues the files already inside.
func (w *Watcher) watchOwner(watcher *fsnotify.Watcher, dir string) {
	if err := docstore.ValidateKey(filepath.Base(dir)); err != nil {
		return
	}
	if err := watcher.Add(dir); err != nil {
		logging.WarnWithContext(w.logger, "cannot watch owner inbox", "inbox_watch_failed",
			logging.String("path", dir),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check directory permissions"),
			logging.String(logging.FieldImpact, "files dropped for this owner are ignored"))
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			w.Track(filepath.Join(dir, entry.Name()))
		}
	}
}

func (w *Watcher) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if filepath.Dir(event.Name) == filepath.Clean(w.root) && !isHidden(filepath.Base(event.Name)) {
			w.watchOwner(watcher, event.Name)
		}
		return
	}
	w.Track(event.Name)
}

// Track records a candidate file. Files outside an owner directory, hidden
// files and unsupported types are ignored.
func (w *Watcher) Track(path string) {
	if _, ok := w.ownerOf(path); !ok {
		return
	}
	name := filepath.Base(path)
	if isHidden(name) {
		return
	}
	if _, ok := cvstore.ParseFileType(name); !ok {
		if !strings.HasSuffix(name, RejectedSuffix) {
			w.logger.Debug("ignoring unsupported inbox file", logging.String("path", path))
		}
		return
	}
	w.mu.Lock()
	w.pending[path] = time.Now()
	w.mu.Unlock()
}

// Flush ingests tracked files that have settled. With force, every tracked
// file is ingested regardless of age.
func (w *Watcher) Flush(ctx context.Context, force bool) int {
	now := time.Now()
	byOwner := make(map[string][]string)
	w.mu.Lock()
	for path, seen := range w.pending {
		if !force && now.Sub(seen) < w.settle {
			continue
		}
		delete(w.pending, path)
		owner, _ := w.ownerOf(path)
		byOwner[owner] = append(byOwner[owner], path)
	}
	w.mu.Unlock()

	ingested := 0
	for owner, paths := range byOwner {
		ingested += w.ingest(ctx, owner, paths)
	}
	return ingested
}

func (w *Watcher) ownerOf(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 || parts[0] == ".." {
		return "", false
	}
	if docstore.ValidateKey(parts[0]) != nil {
		return "", false
	}
	return parts[0], true
}

// ingest copies files into the upload directory and records them in one batch.
func (w *Watcher) ingest(ctx context.Context, owner string, paths []string) int {
	logger := logging.WithContext(services.WithOwner(ctx, owner), w.logger)
	uploads := make([]pipeline.Upload, 0, len(paths))
	sources := make(map[string]string, len(paths))
	for _, src := range paths {
		up, err := pipeline.StageCopy(w.uploadDir, owner, src)
		if err != nil {
			logging.WarnWithContext(logger, "inbox file could not be staged", "inbox_stage_failed",
				logging.String("path", src),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check upload directory permissions and free space"),
				logging.String(logging.FieldImpact, "file stays in the inbox"))
			continue
		}
		uploads = append(uploads, up)
		sources[up.StoragePath] = src
	}
	if len(uploads) == 0 {
		return 0
	}

	result, err := w.creator.CreateFromUploads(ctx, owner, uploads, w.policy)
	if err != nil {
		pipeline.DiscardStaged(w.uploadDir, uploads...)
		logging.ErrorWithContext(logger, "inbox batch could not be recorded", "inbox_create_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the data directory; files stay in the inbox"))
		return 0
	}
	for _, rec := range result.Created {
		if src, ok := sources[rec.StoragePath]; ok {
			if err := os.Remove(src); err != nil {
				logger.Warn("recorded inbox file could not be removed",
					logging.String("path", src), logging.Error(err))
			}
		}
	}
	for _, rej := range result.Rejected {
		pipeline.DiscardStaged(w.uploadDir, rej.Upload)
		if src, ok := sources[rej.Upload.StoragePath]; ok {
			_ = os.Rename(src, src+RejectedSuffix)
		}
		logging.WarnWithContext(logger, "inbox file rejected", "inbox_file_rejected",
			logging.String("file", rej.Upload.OriginalName),
			logging.String("reason", rej.Error),
			logging.String("duplicate_of", rej.DuplicateOf),
			logging.String(logging.FieldErrorHint, "remove the "+RejectedSuffix+" file or upload it with duplicates accepted"),
			logging.String(logging.FieldImpact, "file was not recorded"))
	}
	logger.Info("inbox files ingested",
		logging.String(logging.FieldEventType, "inbox_ingested"),
		logging.Int("created", len(result.Created)),
		logging.Int("rejected", len(result.Rejected)))
	return len(result.Created)
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~$")
}
