package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"cvtrack/internal/llmconfig"
	"cvtrack/internal/logging"
	"cvtrack/internal/pipeline"
	"cvtrack/internal/prompts"
	"cvtrack/internal/services"
	"cvtrack/internal/taxonomy"
	"cvtrack/internal/tender"
)

const (
	maxJSONBody   = 4 << 20
	maxUploadBody = 64 << 20
)

// Deps are the services the API exposes. Nil services leave their routes
// unregistered.
type Deps struct {
	Pipeline   *pipeline.Pipeline
	LLMConfigs *llmconfig.Service
	Tenders    *tender.Service
	Prompts    *prompts.Service
	Taxonomy   *taxonomy.Service
	// UploadDir receives multipart uploads as <owner>/<uuid><ext>.
	UploadDir string
	// Token enables bearer authentication when non-empty.
	Token string
	// Status reports daemon state for GET /api/status.
	Status func(context.Context) any
	Logger *slog.Logger
}

// Server routes HTTP requests to the services.
type Server struct {
	deps   Deps
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewServer registers every route for the configured services.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		logger: logging.NewComponentLogger(deps.Logger, "api"),
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	if deps.Pipeline != nil {
		s.registerCVRoutes()
	}
	if deps.LLMConfigs != nil {
		mountRegistry(s, "llm-configs", deps.LLMConfigs.Registry, func(c llmconfig.Config) any { return c.Masked() })
	}
	if deps.Tenders != nil {
		mountRegistry(s, "tenders", deps.Tenders.Registry, func(t tender.Search) any { return t })
	}
	if deps.Prompts != nil {
		s.registerPromptRoutes()
	}
	if deps.Taxonomy != nil {
		s.registerTaxonomyRoutes()
	}
	return s
}

// Handler returns the root handler with request ids and authentication applied.
func (s *Server) Handler() http.Handler {
	return s.withRequestID(authMiddleware(s.deps.Token, s.mux.ServeHTTP))
}

// NewHTTPServer wraps handler with the timeouts used by the daemon.
func NewHTTPServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (s *Server) withRequestID(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := services.WithRequestID(r.Context(), id)
		next(w, r.WithContext(ctx))
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{}
	if s.deps.Pipeline != nil {
		payload["pipeline"] = s.deps.Pipeline.Status()
	}
	if s.deps.Status != nil {
		payload["daemon"] = s.deps.Status(r.Context())
	}
	s.writeJSON(w, http.StatusOK, payload)
}
