package blob

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/blobmesh/internal/httpx"
	"github.com/tunnelmesh/blobmesh/internal/metrics"
)

// classifyStatus converts an HTTP status and store error to a metric status string.
func classifyStatus(httpStatus int, err error) string {
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case httpStatus >= 200 && httpStatus < 300:
		return "success"
	default:
		return "error"
	}
}

// Server exposes a Store over HTTP.
type Server struct {
	store   *Store
	metrics *Metrics
	router  chi.Router
}

// NewServer creates the storage node HTTP handler. m and gatherer may be
// nil; a non-nil gatherer is served on /metrics.
func NewServer(store *Store, m *Metrics, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		store:   store,
		metrics: m,
		router:  chi.NewRouter(),
	}
	if m != nil {
		store.SetMetrics(m)
	}

	s.router.Use(httpx.RequestID, httpx.AccessLog("node"), middleware.Recoverer)
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/internal/stats", s.handleStats)
	s.router.Post("/blobs/{id}", s.handleUpload)
	s.router.Get("/blobs/{id}", s.handleDownload)
	s.router.Delete("/blobs/{id}", s.handleDelete)
	if gatherer != nil {
		s.router.Handle("/metrics", metrics.Handler(gatherer))
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.store.Stats())
}

func (s *Server) record(operation string, start time.Time, status int, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordRequest(operation, classifyStatus(status, err), time.Since(start).Seconds())
}

// handleUpload handles POST /blobs/{id}.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := chi.URLParam(r, "id")

	declared := int64(-1)
	if v := r.Header.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			declared = n
		}
	} else if r.ContentLength >= 0 {
		declared = r.ContentLength
	}

	err := s.store.Put(id, r.Header, r.Body, declared)
	status := uploadStatus(err)
	s.record("upload", start, status, err)

	if err != nil {
		ev := log.Warn()
		if status >= http.StatusInternalServerError {
			ev = log.Error()
		}
		ev.Err(err).Str("id", id).Int64("declared", declared).Msg("upload failed")

		msg := err.Error()
		if status >= http.StatusInternalServerError {
			msg = "Error writing blob"
		}
		httpx.WriteError(w, status, msg)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordUpload(declared)
	}
	w.WriteHeader(http.StatusCreated)
}

func uploadStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusCreated
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrTooLarge), errors.Is(err, ErrQuotaExceeded):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// handleDownload handles GET /blobs/{id}.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := chi.URLParam(r, "id")

	obj, err := s.store.Open(id)
	if err != nil {
		var status int
		switch {
		case errors.Is(err, ErrInvalidRequest):
			status = http.StatusBadRequest
		case errors.Is(err, ErrNotFound):
			status = http.StatusNotFound
		default:
			status = http.StatusInternalServerError
			log.Error().Err(err).Str("id", id).Msg("download failed")
		}
		s.record("download", start, status, err)
		httpx.WriteError(w, status, err.Error())
		return
	}
	defer func() { _ = obj.Close() }()

	for name, value := range obj.Metadata {
		w.Header().Set(name, value)
	}
	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.WriteHeader(http.StatusOK)

	n, err := httpx.CopyChunked(w, obj, obj.Size, s.store.opts.ChunkSize)
	if err != nil {
		log.Error().Err(err).Str("id", id).Int64("sent", n).Msg("failed to stream blob")
	}
	s.record("download", start, http.StatusOK, nil)
	if s.metrics != nil && n > 0 {
		s.metrics.RecordDownload(n)
	}
}

// handleDelete handles DELETE /blobs/{id}. Absent blobs still yield 204.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := chi.URLParam(r, "id")

	err := s.store.Delete(id)
	switch {
	case err == nil:
		s.record("delete", start, http.StatusNoContent, nil)
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrInvalidRequest):
		s.record("delete", start, http.StatusBadRequest, err)
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Str("id", id).Msg("delete failed")
		s.record("delete", start, http.StatusInternalServerError, err)
		httpx.WriteError(w, http.StatusInternalServerError, "Error deleting blob")
	}
}
