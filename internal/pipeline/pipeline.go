package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"cvtrack/internal/analysiscache"
	"cvtrack/internal/analyzer"
	"cvtrack/internal/cvstore"
	"cvtrack/internal/extract"
	"cvtrack/internal/logging"
)

// ErrNotRunning is returned when work is queued while the worker pool is stopped.
var ErrNotRunning = errors.New("pipeline workers not running")

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
)

// Pipeline owns CV lifecycle operations and the worker pool.
type Pipeline struct {
	repo      *cvstore.Repository
	extractor extract.Extractor
	analyzer  *analyzer.Safe
	cache     *analysiscache.Store
	uploadDir string
	logger    *slog.Logger
	now       func() time.Time

	workers   int
	queueSize int

	mu      sync.RWMutex
	running bool
	jobs    chan job
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	pending sync.WaitGroup

	// active maps owner/id to the attempt currently held by the pool, queued
	// or running. Reconcile leaves those records alone.
	activeMu sync.Mutex
	active   map[string]int

	// errMu is separate from mu: workers record errors while submit may
	// hold mu's read lock waiting on a full queue.
	errMu   sync.Mutex
	lastErr error

	processed atomic.Int64
	failed    atomic.Int64
}

// Option configures optional Pipeline behavior.
type Option func(*Pipeline)

// WithCache enables analysis result reuse by content digest.
func WithCache(cache *analysiscache.Store) Option {
	return func(p *Pipeline) { p.cache = cache }
}

// WithUploadDir resolves relative storage paths against dir.
func WithUploadDir(dir string) Option {
	return func(p *Pipeline) { p.uploadDir = dir }
}

// WithWorkers sets the pool size and job buffer.
func WithWorkers(workers, queueSize int) Option {
	return func(p *Pipeline) {
		p.workers = workers
		p.queueSize = queueSize
	}
}

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New constructs a pipeline. The analyzer is wrapped in analyzer.Safe.
func New(repo *cvstore.Repository, extractor extract.Extractor, textAnalyzer analyzer.TextAnalyzer, opts ...Option) *Pipeline {
	p := &Pipeline{
		repo:      repo,
		extractor: extractor,
		now:       time.Now,
		workers:   defaultWorkers,
		queueSize: defaultQueueSize,
		active:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.workers <= 0 {
		p.workers = defaultWorkers
	}
	if p.queueSize <= 0 {
		p.queueSize = defaultQueueSize
	}
	p.logger = logging.NewComponentLogger(p.logger, "pipeline")
	p.analyzer = analyzer.NewSafe(textAnalyzer, p.logger)
	return p
}

// Repository exposes the record repository.
func (p *Pipeline) Repository() *cvstore.Repository {
	return p.repo
}

func (p *Pipeline) resolvePath(rec cvstore.Record) string {
	path := rec.StoragePath
	if !filepath.IsAbs(path) && p.uploadDir != "" {
		path = filepath.Join(p.uploadDir, path)
	}
	return filepath.Clean(path)
}

func (p *Pipeline) setLastError(err error) {
	p.errMu.Lock()
	p.lastErr = err
	p.errMu.Unlock()
}

func (p *Pipeline) lastError() string {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	if p.lastErr == nil {
		return ""
	}
	return p.lastErr.Error()
}
