// Package httpx holds the HTTP plumbing shared by storage nodes and the
// balancer: access logging, request ids, JSON replies and bounded-memory
// streaming.
package httpx

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/blobmesh/pkg/proto"
)

// DefaultChunkSize is the streaming buffer size used when none is configured.
const DefaultChunkSize = 8 * 1024

// RequestIDHeader carries the per-request id on responses.
const RequestIDHeader = "X-Request-Id"

type ctxKey struct{}

// statusRecorder wraps http.ResponseWriter to capture the HTTP status code.
// Note: Not thread-safe. Must only be used within a single request handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	written     int64
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(p)
	r.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// getStatus returns the recorded status, defaulting to 200 if WriteHeader was never called.
func (r *statusRecorder) getStatus() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// RequestID assigns every request a fresh id, exposed on the response and
// through RequestIDFrom.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

// RequestIDFrom returns the id assigned by RequestID, or "" outside it.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// AccessLog logs one line per request once the handler returns.
func AccessLog(component string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			status := rec.getStatus()
			ev := log.Info()
			if status >= http.StatusInternalServerError {
				ev = log.Warn()
			}
			ev.
				Str("component", component).
				Str("request_id", RequestIDFrom(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int64("bytes", rec.written).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// WriteError writes a short JSON error body.
func WriteError(w http.ResponseWriter, code int, message string) {
	WriteJSON(w, code, proto.ErrorResponse{
		Error:        http.StatusText(code),
		Code:         code,
		ErrorMessage: message,
	})
}

// CopyChunked copies from src to dst through a single buffer of chunkSize
// bytes, so memory stays bounded regardless of the stream length.
//
// With n >= 0 exactly n bytes are expected: copying stops after n bytes and
// a source that ends early yields io.ErrUnexpectedEOF. With n < 0 the copy
// runs until src returns io.EOF.
func CopyChunked(dst io.Writer, src io.Reader, n int64, chunkSize int) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	buf := make([]byte, chunkSize)

	var written int64
	for n < 0 || written < n {
		want := len(buf)
		if n >= 0 && n-written < int64(want) {
			want = int(n - written)
		}

		nr, rerr := src.Read(buf[:want])
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}

		if rerr == io.EOF {
			if n >= 0 && written < n {
				return written, io.ErrUnexpectedEOF
			}
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
	return written, nil
}
