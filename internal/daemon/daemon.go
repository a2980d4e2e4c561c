package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"cvtrack/internal/analysiscache"
	"cvtrack/internal/analyzer"
	"cvtrack/internal/config"
	"cvtrack/internal/cvstore"
	"cvtrack/internal/docstore"
	"cvtrack/internal/extract"
	"cvtrack/internal/inbox"
	"cvtrack/internal/llmconfig"
	"cvtrack/internal/logging"
	"cvtrack/internal/pipeline"
	"cvtrack/internal/prompts"
	"cvtrack/internal/taxonomy"
	"cvtrack/internal/tender"
)

// Daemon owns the services of one data directory.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *docstore.Store
	cache      *analysiscache.Store
	pipeline   *pipeline.Pipeline
	llmConfigs *llmconfig.Service
	tenders    *tender.Service
	prompts    *prompts.Service
	taxonomy   *taxonomy.Service
	inbox      *inbox.Watcher
	api        *apiServer

	lockPath string
	lock     *flock.Flock

	running   atomic.Bool
	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool            `json:"running"`
	PID          int             `json:"pid"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	DataDir      string          `json:"dataDir"`
	LockFilePath string          `json:"lockFilePath"`
	APIAddress   string          `json:"apiAddress,omitempty"`
	Analyzer     string          `json:"analyzer"`
	CachePath    string          `json:"cachePath,omitempty"`
	InboxDir     string          `json:"inboxDir,omitempty"`
	Pipeline     pipeline.Status `json:"pipeline"`
}

// New constructs a daemon with initialized dependencies. Nothing runs until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires config")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	store, err := docstore.New(cfg.Paths.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}

	d := &Daemon{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "daemon"),
		store:      store,
		llmConfigs: llmconfig.New(store, logger),
		tenders:    tender.New(store, logger),
		prompts:    prompts.New(store, logger),
		taxonomy:   taxonomy.New(store, logger),
		lockPath:   cfg.LockPath(),
		lock:       flock.New(cfg.LockPath()),
	}

	textAnalyzer, err := analyzer.FromConfig(cfg, analyzer.Deps{
		Skills:  d.taxonomy,
		Configs: d.llmConfigs,
		Prompts: d.prompts,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	opts := []pipeline.Option{
		pipeline.WithUploadDir(cfg.Paths.UploadDir),
		pipeline.WithWorkers(cfg.Workflow.WorkerCount, cfg.Workflow.QueueSize),
		pipeline.WithLogger(logger),
	}
	if cfg.AnalysisCache.Enabled {
		cache, err := analysiscache.Open(cfg.AnalysisCachePath())
		if err != nil {
			logging.WarnWithContext(d.logger, "analysis cache unavailable; continuing without it", "analysis_cache_unavailable",
				logging.String("path", cfg.AnalysisCachePath()),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check analysis_cache.path permissions or disable the cache"),
				logging.String(logging.FieldImpact, "identical CVs are analyzed again"))
		} else {
			d.cache = cache
			opts = append(opts, pipeline.WithCache(cache))
		}
	}
	d.pipeline = pipeline.New(cvstore.NewRepository(store), extract.New(extract.DefaultOptions(), logger), textAnalyzer, opts...)

	if cfg.Inbox.Enabled {
		policy, err := pipeline.ParseDuplicatePolicy(cfg.Inbox.Duplicates)
		if err != nil {
			return nil, err
		}
		settle := time.Duration(cfg.Inbox.SettleSeconds) * time.Second
		d.inbox = inbox.New(cfg.Paths.InboxDir, cfg.Paths.UploadDir, d.pipeline, policy, settle, logger)
	}
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Pipeline exposes the processing pipeline.
func (d *Daemon) Pipeline() *pipeline.Pipeline {
	return d.pipeline
}

// Start acquires the daemon lock, reconciles orphaned records and launches
// the workers, the inbox watcher and the API server.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another cvtrackd instance is already using %s", d.cfg.Paths.DataDir)
	}

	runCtx, cancel := context.WithCancel(ctx)
	// Holding the lock means no other process is working on these records,
	// so every processing record is an orphan regardless of age.
	if d.cfg.Workflow.ReconcileOnStart {
		if _, err := d.pipeline.Reconcile(runCtx, 0); err != nil {
			d.logger.Warn("startup reconciliation incomplete", logging.Error(err))
		}
	}
	if err := d.pipeline.Start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return fmt.Errorf("start pipeline: %w", err)
	}
	if err := d.api.start(runCtx); err != nil {
		cancel()
		d.pipeline.Stop()
		_ = d.lock.Unlock()
		return err
	}

	d.cancel = cancel
	d.startedAt = time.Now().UTC()
	d.running.Store(true)

	if d.inbox != nil {
		d.goRun(func() {
			if err := d.inbox.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				logging.ErrorWithContext(d.logger, "inbox watcher stopped", "inbox_failed",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check inbox_dir exists and is readable"),
					logging.String(logging.FieldImpact, "dropped files are not ingested"))
			}
		})
	}
	if stale := d.staleAfter(); stale > 0 {
		d.goRun(func() { d.sweep(runCtx, stale) })
	}

	d.logger.Info("cvtrack daemon started",
		logging.String("lock", d.lockPath),
		logging.String("analyzer", d.cfg.Analyzer.Provider),
		logging.Bool("inbox", d.inbox != nil))
	return nil
}

func (d *Daemon) goRun(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

func (d *Daemon) staleAfter() time.Duration {
	return time.Duration(d.cfg.Workflow.StaleProcessingMinutes) * time.Minute
}

// sweep returns records stuck in processing past stale to uploaded.
func (d *Daemon) sweep(ctx context.Context, stale time.Duration) {
	ticker := time.NewTicker(stale / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.pipeline.Reconcile(ctx, stale); err != nil && ctx.Err() == nil {
				d.logger.Warn("stale record sweep failed", logging.Error(err))
			}
		}
	}
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	d.api.stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.wg.Wait()
	d.pipeline.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("cvtrack daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.cache != nil {
		return d.cache.Close()
	}
	return nil
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	st := Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		DataDir:      d.cfg.Paths.DataDir,
		LockFilePath: d.lockPath,
		APIAddress:   d.api.address(),
		Analyzer:     strings.TrimSpace(d.cfg.Analyzer.Provider),
		Pipeline:     d.pipeline.Status(),
	}
	if st.Running {
		started := d.startedAt
		st.StartedAt = &started
	}
	if d.cache != nil {
		st.CachePath = d.cache.Path()
	}
	if d.inbox != nil {
		st.InboxDir = d.cfg.Paths.InboxDir
	}
	return st
}
