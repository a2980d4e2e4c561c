package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"cvtrack/internal/analysiscache"
	"cvtrack/internal/analyzer"
	"cvtrack/internal/config"
	"cvtrack/internal/cvstore"
	"cvtrack/internal/docstore"
	"cvtrack/internal/extract"
	"cvtrack/internal/llmconfig"
	"cvtrack/internal/logging"
	"cvtrack/internal/pipeline"
	"cvtrack/internal/prompts"
	"cvtrack/internal/taxonomy"
	"cvtrack/internal/tender"
)

type commandContext struct {
	configFlag *string
	verbose    *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string, verbose *bool) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		verbose:    verbose,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) logger() *slog.Logger {
	if c.verbose == nil || !*c.verbose {
		return logging.NewNop()
	}
	logger, err := logging.New(logging.Options{
		Level:   "debug",
		Format:  "console",
		Outputs: []string{"stderr"},
	})
	if err != nil {
		return logging.NewNop()
	}
	return logger
}

// workspace gives commands direct access to the data directory.
type workspace struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *docstore.Store
	taxonomy *taxonomy.Service
	llm      *llmconfig.Service
	tenders  *tender.Service
	prompts  *prompts.Service

	lock  *flock.Flock
	cache *analysiscache.Store
	pipe  *pipeline.Pipeline
}

// errDaemonRunning is returned when a mutating command finds the daemon lock held.
var errDaemonRunning = errors.New("cvtrackd is running against this data directory; stop it or use the HTTP API")

// open prepares a workspace. Mutating commands take the daemon lock so the
// CLI and a running daemon never write the same store.
func (c *commandContext) open(mutating bool) (*workspace, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger := c.logger()
	store, err := docstore.New(cfg.Paths.DataDir, logger)
	if err != nil {
		return nil, err
	}
	ws := &workspace{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		taxonomy: taxonomy.New(store, logger),
		llm:      llmconfig.New(store, logger),
		tenders:  tender.New(store, logger),
		prompts:  prompts.New(store, logger),
	}
	if mutating {
		lock := flock.New(cfg.LockPath())
		ok, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquire lock: %w", err)
		}
		if !ok {
			return nil, errDaemonRunning
		}
		ws.lock = lock
	}
	return ws, nil
}

// withWorkspace runs fn against an opened workspace and releases it afterwards.
func (c *commandContext) withWorkspace(mutating bool, fn func(*workspace) error) error {
	ws, err := c.open(mutating)
	if err != nil {
		return err
	}
	defer ws.close()
	return fn(ws)
}

// pipeline builds the processing pipeline on first use.
func (w *workspace) pipeline() (*pipeline.Pipeline, error) {
	if w.pipe != nil {
		return w.pipe, nil
	}
	textAnalyzer, err := analyzer.FromConfig(w.cfg, analyzer.Deps{
		Skills:  w.taxonomy,
		Configs: w.llm,
		Prompts: w.prompts,
		Logger:  w.logger,
	})
	if err != nil {
		return nil, err
	}
	opts := []pipeline.Option{
		pipeline.WithUploadDir(w.cfg.Paths.UploadDir),
		pipeline.WithWorkers(w.cfg.Workflow.WorkerCount, w.cfg.Workflow.QueueSize),
		pipeline.WithLogger(w.logger),
	}
	if w.cfg.AnalysisCache.Enabled && w.lock != nil {
		if cache, err := analysiscache.Open(w.cfg.AnalysisCachePath()); err == nil {
			w.cache = cache
			opts = append(opts, pipeline.WithCache(cache))
		} else {
			w.logger.Warn("analysis cache unavailable", logging.Error(err))
		}
	}
	w.pipe = pipeline.New(cvstore.NewRepository(w.store), extract.New(extract.DefaultOptions(), w.logger), textAnalyzer, opts...)
	return w.pipe, nil
}

func (w *workspace) close() {
	if w.pipe != nil {
		w.pipe.Stop()
	}
	if w.cache != nil {
		_ = w.cache.Close()
	}
	if w.lock != nil {
		_ = w.lock.Unlock()
	}
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
