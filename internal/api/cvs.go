package api

import (
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"cvtrack/internal/cvstore"
	"cvtrack/internal/docstore"
	"cvtrack/internal/pipeline"
	"cvtrack/internal/services"
)

func (s *Server) registerCVRoutes() {
	const base = "/api/owners/{owner}/cvs"
	s.mux.HandleFunc("GET "+base, s.handleListCVs)
	s.mux.HandleFunc("POST "+base, s.handleUploadCVs)
	s.mux.HandleFunc("GET "+base+"/stats", s.handleCVStats)
	s.mux.HandleFunc("GET "+base+"/duplicates", s.handleCheckDuplicate)
	s.mux.HandleFunc("POST "+base+"/process", s.handleProcessPending)
	s.mux.HandleFunc("POST "+base+"/backfill", s.handleBackfill)
	s.mux.HandleFunc("GET "+base+"/{id}", s.handleGetCV)
	s.mux.HandleFunc("DELETE "+base+"/{id}", s.handleDeleteCV)
	s.mux.HandleFunc("POST "+base+"/{id}/reprocess", s.handleReprocessCV)
}

func (s *Server) handleListCVs(w http.ResponseWriter, r *http.Request) {
	q := cvstore.Query{}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		q.Status = cvstore.Status(strings.ToLower(raw))
	}
	var err error
	if q.Offset, err = queryInt(r, "offset"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if q.Limit, err = queryInt(r, "limit"); err != nil {
		s.writeError(w, r, err)
		return
	}
	page, err := s.deps.Pipeline.List(r.PathValue("owner"), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetCV(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Pipeline.Get(r.PathValue("owner"), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteCV(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Pipeline.Delete(r.Context(), r.PathValue("owner"), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleReprocessCV(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Pipeline.Reprocess(r.Context(), r.PathValue("owner"), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleProcessPending(w http.ResponseWriter, r *http.Request) {
	ids, err := s.deps.Pipeline.QueueAllPending(r.Context(), r.PathValue("owner"))
	if err != nil && len(ids) == 0 {
		s.writeError(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"queued": ids})
}

func (s *Server) handleCVStats(w http.ResponseWriter, r *http.Request) {
	counts, total, err := s.deps.Pipeline.OwnerSummary(r.PathValue("owner"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"counts": counts, "total": total})
}

func (s *Server) handleCheckDuplicate(w http.ResponseWriter, r *http.Request) {
	digest := strings.TrimSpace(r.URL.Query().Get("digest"))
	if digest == "" {
		s.badRequest(w, "digest query parameter is required")
		return
	}
	rec, found, err := s.deps.Pipeline.CheckDuplicate(r.PathValue("owner"), digest)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := map[string]any{"duplicate": found}
	if found {
		resp["record"] = rec
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Pipeline.BackfillDigests(r.Context(), r.PathValue("owner"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

// handleUploadCVs stores every "files" part of a multipart form and creates
// one record per file. Parts that cannot be stored are reported as rejected.
func (s *Server) handleUploadCVs(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner")
	if err := docstore.ValidateKey(owner); err != nil {
		s.writeError(w, r, err)
		return
	}
	policy, err := pipeline.ParseDuplicatePolicy(r.URL.Query().Get("duplicates"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(s.deps.UploadDir) == "" {
		s.writeError(w, r, services.Wrap(services.ErrUnsupported, "api", "upload", "uploads are not configured", nil))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		s.badRequest(w, fmt.Sprintf("invalid multipart form: %v", err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()
	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		s.badRequest(w, `no "files" parts in form`)
		return
	}

	uploads := make([]pipeline.Upload, 0, len(files))
	var stageFailures []pipeline.Rejected
	for _, fh := range files {
		up, err := s.storeUpload(owner, fh)
		if err != nil {
			stageFailures = append(stageFailures, pipeline.Rejected{
				Upload: pipeline.Upload{OriginalName: fh.Filename, Size: fh.Size},
				Error:  err.Error(),
			})
			continue
		}
		uploads = append(uploads, up)
	}

	result, err := s.deps.Pipeline.CreateFromUploads(r.Context(), owner, uploads, policy)
	if err != nil {
		pipeline.DiscardStaged(s.deps.UploadDir, uploads...)
		s.writeError(w, r, err)
		return
	}
	for _, rej := range result.Rejected {
		pipeline.DiscardStaged(s.deps.UploadDir, rej.Upload)
	}
	result.Rejected = append(result.Rejected, stageFailures...)
	s.writeJSON(w, http.StatusCreated, result)
}

func (s *Server) storeUpload(owner string, fh *multipart.FileHeader) (pipeline.Upload, error) {
	src, err := fh.Open()
	if err != nil {
		return pipeline.Upload{}, err
	}
	defer src.Close()
	return pipeline.StageReader(s.deps.UploadDir, owner, fh.Filename, src)
}
