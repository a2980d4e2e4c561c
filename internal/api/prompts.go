package api

import (
	"net/http"

	"cvtrack/internal/prompts"
)

func (s *Server) registerPromptRoutes() {
	const base = "/api/owners/{owner}/prompts"
	svc := s.deps.Prompts

	s.mux.HandleFunc("GET "+base, func(w http.ResponseWriter, r *http.Request) {
		list, err := svc.List(r.PathValue("owner"), r.URL.Query().Get("purpose"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"records": list})
	})
	s.mux.HandleFunc("POST "+base, func(w http.ResponseWriter, r *http.Request) {
		var p prompts.Prompt
		if err := decodeJSON(w, r, &p); err != nil {
			s.writeError(w, r, err)
			return
		}
		created, err := svc.Create(r.PathValue("owner"), p)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, created)
	})
	s.mux.HandleFunc("GET "+base+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		p, err := svc.Get(r.PathValue("owner"), r.PathValue("id"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, p)
	})
	s.mux.HandleFunc("PUT "+base+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		var p prompts.Prompt
		if err := decodeJSON(w, r, &p); err != nil {
			s.writeError(w, r, err)
			return
		}
		updated, err := svc.Update(r.PathValue("owner"), r.PathValue("id"), p)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, updated)
	})
	s.mux.HandleFunc("POST "+base+"/{id}/activate", func(w http.ResponseWriter, r *http.Request) {
		p, err := svc.SetActive(r.PathValue("owner"), r.PathValue("id"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, p)
	})
	s.mux.HandleFunc("DELETE "+base+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		p, err := svc.Delete(r.PathValue("owner"), r.PathValue("id"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, p)
	})
}
