package api

import (
	"net/http"

	"cvtrack/internal/taxonomy"
)

// resolveRequest carries either one token list or several.
type resolveRequest struct {
	Tokens  []string   `json:"tokens,omitempty"`
	Batches [][]string `json:"batches,omitempty"`
}

func (s *Server) registerTaxonomyRoutes() {
	svc := s.deps.Taxonomy

	s.mux.HandleFunc("GET /api/taxonomy", func(w http.ResponseWriter, r *http.Request) {
		doc, err := svc.Export()
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, doc)
	})
	s.mux.HandleFunc("PUT /api/taxonomy", func(w http.ResponseWriter, r *http.Request) {
		var doc taxonomy.Document
		if err := decodeJSON(w, r, &doc); err != nil {
			s.writeError(w, r, err)
			return
		}
		saved, err := svc.ReplaceAll(doc.Entries)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, saved)
	})
	s.mux.HandleFunc("GET /api/taxonomy/search", func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryInt(r, "limit")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		q := r.URL.Query()
		entries, err := svc.Search(q.Get("q"), q.Get("category"), limit)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
	})
	s.mux.HandleFunc("POST /api/taxonomy/resolve", func(w http.ResponseWriter, r *http.Request) {
		var req resolveRequest
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		if req.Batches != nil {
			out, err := svc.ResolveBatch(req.Batches)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			s.writeJSON(w, http.StatusOK, map[string]any{"batches": out})
			return
		}
		keys, err := svc.Resolve(req.Tokens)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
	})
	s.mux.HandleFunc("POST /api/taxonomy/entries", func(w http.ResponseWriter, r *http.Request) {
		var e taxonomy.Entry
		if err := decodeJSON(w, r, &e); err != nil {
			s.writeError(w, r, err)
			return
		}
		created, err := svc.Create(e)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, created)
	})
	s.mux.HandleFunc("GET /api/taxonomy/entries/{key}", func(w http.ResponseWriter, r *http.Request) {
		e, err := svc.Get(r.PathValue("key"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, e)
	})
	s.mux.HandleFunc("PUT /api/taxonomy/entries/{key}", func(w http.ResponseWriter, r *http.Request) {
		var e taxonomy.Entry
		if err := decodeJSON(w, r, &e); err != nil {
			s.writeError(w, r, err)
			return
		}
		updated, err := svc.Update(r.PathValue("key"), e)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, updated)
	})
	s.mux.HandleFunc("DELETE /api/taxonomy/entries/{key}", func(w http.ResponseWriter, r *http.Request) {
		e, err := svc.Remove(r.PathValue("key"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, e)
	})
}
