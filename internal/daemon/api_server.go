package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"cvtrack/internal/api"
	"cvtrack/internal/config"
	"cvtrack/internal/logging"
)

type apiServer struct {
	bind    string
	logger  *slog.Logger
	handler http.Handler

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

// newAPIServer returns nil when no bind address is configured.
func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil
	}
	srv := api.NewServer(api.Deps{
		Pipeline:   d.pipeline,
		LLMConfigs: d.llmConfigs,
		Tenders:    d.tenders,
		Prompts:    d.prompts,
		Taxonomy:   d.taxonomy,
		UploadDir:  cfg.Paths.UploadDir,
		Token:      cfg.Paths.APIToken,
		Status:     func(ctx context.Context) any { return d.Status(ctx) },
		Logger:     logger,
	})
	return &apiServer{
		bind:    bind,
		logger:  logging.NewComponentLogger(logger, "api"),
		handler: srv.Handler(),
	}
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	server := api.NewHTTPServer(s.handler)
	server.BaseContext = func(net.Listener) context.Context { return ctx }

	s.mu.Lock()
	s.listener = listener
	s.server = server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()
	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

func (s *apiServer) address() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
