package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/blobmesh/pkg/proto"
)

// countingWriter records the size of every Write call.
type countingWriter struct {
	bytes.Buffer
	writes []int
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.writes = append(w.writes, len(p))
	return w.Buffer.Write(p)
}

func TestCopyChunkedExactLength(t *testing.T) {
	src := strings.NewReader("hello world, this is a stream")
	dst := &countingWriter{}

	n, err := CopyChunked(dst, src, 11, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)
	assert.Equal(t, "hello world", dst.String())
	for _, size := range dst.writes {
		assert.LessOrEqual(t, size, 4)
	}
}

func TestCopyChunkedShortSource(t *testing.T) {
	src := strings.NewReader("abc")
	var dst bytes.Buffer

	n, err := CopyChunked(&dst, src, 6, 4)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, int64(3), n)
}

func TestCopyChunkedUntilEOF(t *testing.T) {
	payload := strings.Repeat("x", 10000)
	var dst bytes.Buffer

	n, err := CopyChunked(&dst, strings.NewReader(payload), -1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, dst.String())
}

func TestCopyChunkedZeroLength(t *testing.T) {
	var dst bytes.Buffer
	n, err := CopyChunked(&dst, strings.NewReader("ignored"), 0, 8)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.Empty(t, dst.String())
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestCopyChunkedReadError(t *testing.T) {
	var dst bytes.Buffer
	_, err := CopyChunked(&dst, failingReader{}, 10, 8)
	assert.EqualError(t, err, "connection reset")
}

func TestRequestIDAndAccessLog(t *testing.T) {
	var seen string
	h := RequestID(AccessLog("test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
		w.WriteHeader(http.StatusTeapot)
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusForbidden, "registration period is over")

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp proto.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "Forbidden", resp.Error)
	assert.Equal(t, http.StatusForbidden, resp.Code)
	assert.Equal(t, "registration period is over", resp.ErrorMessage)
}
