package api

import (
	"net/http"

	"cvtrack/internal/registry"
)

// mountRegistry exposes create/list/get-active/set-active/delete for a
// mnemonic-keyed collection under /api/owners/{owner}/<name>.
func mountRegistry[T any, P registry.Item[T]](s *Server, name string, reg *registry.Registry[T, P], present func(T) any) {
	base := "/api/owners/{owner}/" + name

	s.mux.HandleFunc("GET "+base, func(w http.ResponseWriter, r *http.Request) {
		records, err := reg.List(r.PathValue("owner"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out := make([]any, 0, len(records))
		for _, rec := range records {
			out = append(out, present(rec))
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"records": out})
	})

	s.mux.HandleFunc("POST "+base, func(w http.ResponseWriter, r *http.Request) {
		var rec T
		if err := decodeJSON(w, r, &rec); err != nil {
			s.writeError(w, r, err)
			return
		}
		created, err := reg.Create(r.PathValue("owner"), rec)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, present(created))
	})

	s.mux.HandleFunc("GET "+base+"/active", func(w http.ResponseWriter, r *http.Request) {
		rec, ok, err := reg.Active(r.PathValue("owner"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !ok {
			s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "no active record", Kind: "not_found"})
			return
		}
		s.writeJSON(w, http.StatusOK, present(rec))
	})

	s.mux.HandleFunc("GET "+base+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		rec, err := reg.Get(r.PathValue("owner"), r.PathValue("id"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, present(rec))
	})

	s.mux.HandleFunc("POST "+base+"/{id}/activate", func(w http.ResponseWriter, r *http.Request) {
		rec, err := reg.SetActive(r.PathValue("owner"), r.PathValue("id"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, present(rec))
	})

	s.mux.HandleFunc("POST "+base+"/{id}/rename", func(w http.ResponseWriter, r *http.Request) {
		rec, err := reg.Rename(r.PathValue("owner"), r.PathValue("id"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, present(rec))
	})

	s.mux.HandleFunc("DELETE "+base+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		rec, err := reg.Delete(r.PathValue("owner"), r.PathValue("id"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, present(rec))
	})
}
