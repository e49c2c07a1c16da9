// Package api exposes question answering and ingestion over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/fabfab/campusqa/chat"
	"github.com/fabfab/campusqa/embeddings"
	"github.com/fabfab/campusqa/ingestion"
	"github.com/fabfab/campusqa/knowledge"
	"github.com/fabfab/campusqa/logging"
	"github.com/fabfab/campusqa/retrieval"
	"github.com/fabfab/campusqa/vectorindex"
)

// Asker answers one question.
type Asker interface {
	Ask(ctx context.Context, req chat.Request) (chat.Response, error)
}

// Ingester runs ingestion into an output directory.
type Ingester interface {
	Ingest(ctx context.Context, inputPath, outputPath string) (ingestion.Summary, error)
	Reset(outputPath string) error
}

// SnapshotLoader swaps in the snapshot an ingestion run published.
type SnapshotLoader interface {
	Reload() (*retrieval.Snapshot, error)
	Current() (*retrieval.Snapshot, error)
}

// Purger removes mirrored data outside the index directory.
type Purger interface {
	Purge(ctx context.Context) error
}

// Deps are the collaborators a Server routes to. Ingester, Snapshots, Catalog and
// Purgers are optional; the matching routes answer 503 when they are missing.
type Deps struct {
	Asker     Asker
	Ingester  Ingester
	Snapshots SnapshotLoader
	Catalog   func(ctx context.Context) ([]knowledge.Offering, error)
	Purgers   []Purger
	Gatherer  prometheus.Gatherer
	DataDir   string
	IndexDir  string
	Logger    *zerolog.Logger
}

// Server exposes HTTP handlers for the campusqa workflows.
type Server struct {
	deps    Deps
	logger  *zerolog.Logger
	handler http.Handler

	// ingestMu serializes ingestion runs; the staging area has a single writer.
	ingestMu sync.Mutex
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Snapshot string `json:"snapshot,omitempty"`
	Chunks   int    `json:"chunks"`
}

type askRequest struct {
	Question string `json:"question"`
	Semester string `json:"semester"`
	Course   string `json:"course"`
	K        int    `json:"k"`
}

type ingestRequest struct {
	Dir     string `json:"dir"`
	Rebuild bool   `json:"rebuild"`
}

type clearRequest struct {
	Confirm bool `json:"confirm"`
}

// New constructs a Server. deps.Asker is required.
func New(deps Deps) (*Server, error) {
	if deps.Asker == nil {
		return nil, fmt.Errorf("answer service is not configured")
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{deps: deps, logger: logging.Component(deps.Logger, "api")}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/v1/ask", s.handleAsk)
	mux.HandleFunc("/v1/ingest", s.handleIngest)
	mux.HandleFunc("/v1/courses", s.handleCourses)
	mux.HandleFunc("/v1/clear", s.handleClear)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	resp := healthResponse{Status: "ok"}
	if s.deps.Snapshots != nil {
		if snap, err := s.deps.Snapshots.Current(); err == nil {
			resp.Snapshot = snap.Dir
			resp.Chunks = snap.Len()
		} else {
			resp.Status = "no snapshot"
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	var req askRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("question is required"))
		return
	}
	if req.K < 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("k must not be negative"))
		return
	}

	resp, err := s.deps.Asker.Ask(r.Context(), chat.Request{
		Question: req.Question,
		Semester: req.Semester,
		Course:   req.Course,
		K:        req.K,
	})
	if err != nil {
		s.writeError(w, statusFor(err), fmt.Errorf("ask failed: %w", err))
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	if s.deps.Ingester == nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("ingestion is not configured"))
		return
	}

	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	dir := strings.TrimSpace(req.Dir)
	if dir == "" {
		dir = s.deps.DataDir
	}

	if !s.ingestMu.TryLock() {
		s.writeError(w, http.StatusConflict, fmt.Errorf("an ingestion run is already in progress"))
		return
	}
	defer s.ingestMu.Unlock()

	if req.Rebuild {
		if err := s.deps.Ingester.Reset(s.deps.IndexDir); err != nil {
			s.writeError(w, http.StatusInternalServerError, fmt.Errorf("reset staging: %w", err))
			return
		}
	}

	s.logger.Info().Str("dir", dir).Bool("rebuild", req.Rebuild).Msg("ingesting course documents")
	summary, err := s.deps.Ingester.Ingest(r.Context(), dir, s.deps.IndexDir)
	if err != nil {
		s.writeError(w, statusFor(err), fmt.Errorf("ingestion failed: %w", err))
		return
	}

	if summary.Published && s.deps.Snapshots != nil {
		if _, err := s.deps.Snapshots.Reload(); err != nil {
			s.writeError(w, statusFor(err), fmt.Errorf("load published snapshot: %w", err))
			return
		}
	}

	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleCourses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.deps.Catalog == nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("course catalog is not configured"))
		return
	}

	offerings, err := s.deps.Catalog(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("course catalog: %w", err))
		return
	}
	s.writeJSON(w, http.StatusOK, offerings)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	var req clearRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if !req.Confirm {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("confirm must be true to clear data"))
		return
	}

	if !s.ingestMu.TryLock() {
		s.writeError(w, http.StatusConflict, fmt.Errorf("an ingestion run is in progress"))
		return
	}
	defer s.ingestMu.Unlock()

	if s.deps.Ingester != nil {
		if err := s.deps.Ingester.Reset(s.deps.IndexDir); err != nil {
			s.writeError(w, http.StatusInternalServerError, fmt.Errorf("reset staging: %w", err))
			return
		}
	}
	for _, p := range s.deps.Purgers {
		if err := p.Purge(r.Context()); err != nil {
			s.writeError(w, http.StatusInternalServerError, fmt.Errorf("purge mirrored data: %w", err))
			return
		}
	}

	s.logger.Info().Msg("staged progress and mirrored data cleared")
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "ingestion state cleared"})
}

// statusFor maps pipeline errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, vectorindex.ErrIndexCorruption),
		errors.Is(err, vectorindex.ErrDimensionMismatch):
		return http.StatusInternalServerError
	case errors.Is(err, chat.ErrGenerationUnavailable),
		errors.Is(err, embeddings.ErrEmbeddingUnavailable),
		errors.Is(err, retrieval.ErrNoSnapshot):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed, use %s", allowed))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	event := s.logger.Warn()
	if status >= http.StatusInternalServerError {
		event = s.logger.Error()
	}
	event.Err(err).Int("status", status).Msg("api error")
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}
