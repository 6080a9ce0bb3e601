// Package tracing keeps a rolling runtime trace in memory so a slow upload
// or a stalled proxy can be inspected after the fact with `go tool trace`.
package tracing

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"runtime/trace"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultBufferSize is the default size of the trace ring buffer (10MB).
const DefaultBufferSize = 10 * 1024 * 1024

// DefaultMinAge is how much recent history the recorder tries to retain.
const DefaultMinAge = 30 * time.Second

// ErrNotRunning is returned by Snapshot once the recorder has been stopped.
var ErrNotRunning = errors.New("trace recorder not running")

// Recorder wraps a runtime/trace flight recorder. Only one may run per
// process.
type Recorder struct {
	mu sync.Mutex
	fr *trace.FlightRecorder
}

// Start begins recording into a ring buffer of at most maxBytes.
func Start(maxBytes int, minAge time.Duration) (*Recorder, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultBufferSize
	}
	if minAge <= 0 {
		minAge = DefaultMinAge
	}

	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   minAge,
		MaxBytes: uint64(maxBytes),
	})
	if err := fr.Start(); err != nil {
		return nil, err
	}
	return &Recorder{fr: fr}, nil
}

// Snapshot writes the buffered trace to w.
func (r *Recorder) Snapshot(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fr == nil {
		return ErrNotRunning
	}
	_, err := r.fr.WriteTo(w)
	return err
}

// Stop ends recording. It is safe to call more than once.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fr != nil {
		r.fr.Stop()
		r.fr = nil
	}
}

// ServeHTTP returns a snapshot as a downloadable trace file.
func (r *Recorder) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	var buf bytes.Buffer
	if err := r.Snapshot(&buf); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrNotRunning) {
			status = http.StatusServiceUnavailable
		}
		log.Warn().Err(err).Msg("trace snapshot failed")
		http.Error(w, err.Error(), status)
		return
	}

	name := "blobmesh-" + time.Now().UTC().Format("20060102T150405") + ".trace"
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename="+name)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	_, _ = buf.WriteTo(w)
}

// Wrap serves the recorder on /debug/trace and everything else from h.
// A nil recorder returns h unchanged.
func (r *Recorder) Wrap(h http.Handler) http.Handler {
	if r == nil {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/debug/trace" && req.Method == http.MethodGet {
			r.ServeHTTP(w, req)
			return
		}
		h.ServeHTTP(w, req)
	})
}
