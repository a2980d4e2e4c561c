package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"cvtrack/internal/logging"
	"cvtrack/internal/pipeline"
	"cvtrack/internal/services"
)

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithContext(logging.WithContext(r.Context(), s.logger), "request failed", "api_request_failed",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "see the error for the failing component"))
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}

func (s *Server) badRequest(w http.ResponseWriter, message string) {
	s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: message, Kind: string(services.KindValidation)})
}

// statusFor maps error markers to HTTP status codes.
func statusFor(err error) (int, string) {
	if errors.Is(err, pipeline.ErrNotRunning) {
		return http.StatusServiceUnavailable, "unavailable"
	}
	kind := services.Classify(err)
	switch kind {
	case services.KindConflict:
		return http.StatusConflict, string(kind)
	case services.KindValidation, services.KindUnsupported:
		return http.StatusBadRequest, string(kind)
	case services.KindNotFound:
		return http.StatusNotFound, string(kind)
	case services.KindExternal:
		return http.StatusBadGateway, string(kind)
	default:
		return http.StatusInternalServerError, string(kind)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return services.Wrap(services.ErrValidation, "api", "decode", "request body is empty", nil)
		}
		return services.Wrap(services.ErrValidation, "api", "decode", "invalid JSON body", err)
	}
	return nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, services.Wrap(services.ErrValidation, "api", "query", fmt.Sprintf("%s must be an integer", key), nil)
	}
	return n, nil
}
