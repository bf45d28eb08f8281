// Package api exposes document upload, parse runs and diffs over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"invoicerecon/internal"
	"invoicerecon/internal/catalog"
	"invoicerecon/internal/ingest"
	"invoicerecon/internal/pipeline"
	"invoicerecon/internal/storage"
	"invoicerecon/internal/workflow"
)

const maxUploadBytes = 32 << 20

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Runner interface {
	StartRun(ctx context.Context, documentID string) (internal.ParseRun, error)
	Run(ctx context.Context, parseRunID string) (pipeline.FinalizeResult, error)
}

type Server struct {
	db       *storage.DB
	ingest   *ingest.Service
	runner   Runner
	minScore float64
	logger   *slog.Logger

	baseCtx context.Context
	wg      sync.WaitGroup
}

// NewServer builds the handler set. Runs started over HTTP execute on
// baseCtx so they outlive the request.
func NewServer(baseCtx context.Context, db *storage.DB, ing *ingest.Service, runner Runner, minScore float64, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{db: db, ingest: ing, runner: runner, minScore: minScore, logger: logger, baseCtx: baseCtx}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/documents", func(r chi.Router) {
		r.Post("/", s.uploadDocument)
		r.Delete("/{documentId}", s.deleteDocument)
		r.Post("/{documentId}/parse-runs", s.startRun)
	})
	r.Route("/parse-runs/{parseRunId}", func(r chi.Router) {
		r.Get("/", s.getRun)
		r.Get("/diff", s.getDiff)
		r.Get("/diff.xlsx", s.getDiffXLSX)
	})
	return r
}

// Wait blocks until runs started by this server have returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) uploadDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reg, err := s.ingest.Register(r.Context(), ingest.Upload{Filename: header.Filename, Content: content, Source: "upload"})
	if errors.Is(err, ingest.ErrEmptyUpload) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	status := http.StatusCreated
	if reg.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, reg)
}

func (s *Server) deleteDocument(w http.ResponseWriter, r *http.Request) {
	err := s.ingest.SoftDelete(r.Context(), chi.URLParam(r, "documentId"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runner.StartRun(r.Context(), chi.URLParam(r, "documentId"))
	switch {
	case errors.Is(err, workflow.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, "document not found")
		return
	case errors.Is(err, workflow.ErrDocumentDeleted):
		writeError(w, http.StatusGone, "document deleted")
		return
	case errors.Is(err, workflow.ErrDocumentBusy):
		writeError(w, http.StatusConflict, "document is already parsing")
		return
	case err != nil:
		s.internalError(w, r, err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.runner.Run(s.baseCtx, run.ID); err != nil {
			s.logger.Error("Background parse run failed.", "parseRunId", run.ID, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) (*internal.ParseRun, bool) {
	run, err := s.db.GetParseRun(r.Context(), chi.URLParam(r, "parseRunId"))
	if err != nil {
		s.internalError(w, r, err)
		return nil, false
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "parse run not found")
		return nil, false
	}
	return run, true
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if run, ok := s.loadRun(w, r); ok {
		writeJSON(w, http.StatusOK, run)
	}
}

func (s *Server) getDiff(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	items, err := s.db.ListDiffItems(r.Context(), run.ID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if items == nil {
		items = []internal.DiffItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"parseRunId": run.ID, "status": run.Status, "items": items})
}

func (s *Server) getDiffXLSX(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	rows, err := s.db.GetDiffExportRows(r.Context(), run.ID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	index, err := catalog.LoadIndex(r.Context(), s.db)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+run.ID+`.xlsx"`)
	if err := pipeline.WriteDiffXLSX(w, rows, index, s.minScore); err != nil {
		s.logger.Error("Diff export failed.", "parseRunId", run.ID, "error", err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("Request failed.", "path", r.URL.Path, "requestId", chimiddleware.GetReqID(r.Context()), "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
