package blob

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/blobmesh/pkg/proto"
)

func newTestServer(t *testing.T, mutate ...func(*Options)) (*Server, *Store, *Metrics) {
	t.Helper()
	store := newTestStore(t, mutate...)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	return NewServer(store, metrics, reg), store, metrics
}

func do(srv http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) proto.ErrorResponse {
	t.Helper()
	var resp proto.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestServerUploadDownloadRoundTrip(t *testing.T) {
	srv, _, metrics := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/blobs/abc123", strings.NewReader("abc123"))
	req.Header.Set("X-Tag", "v1")
	rec := do(srv, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = do(srv, httptest.NewRequest(http.MethodGet, "/blobs/abc123", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc123", rec.Body.String())
	assert.Equal(t, "v1", rec.Header().Get("X-Tag"))
	assert.Equal(t, "6", rec.Header().Get("Content-Length"))
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))

	assert.Equal(t, float64(1), promtest.ToFloat64(metrics.RequestsTotal.WithLabelValues("upload", "success")))
	assert.Equal(t, float64(1), promtest.ToFloat64(metrics.RequestsTotal.WithLabelValues("download", "success")))
	assert.Equal(t, float64(6), promtest.ToFloat64(metrics.BytesUploaded))
	assert.Equal(t, float64(6), promtest.ToFloat64(metrics.BytesDownloaded))
	assert.Equal(t, float64(6), promtest.ToFloat64(metrics.StorageBytes))
}

func TestServerDoesNotEchoUnlistedHeaders(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/blobs/page.html", strings.NewReader("<p>hi</p>"))
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("Content-Type", "text/html")
	require.Equal(t, http.StatusCreated, do(srv, req).Code)

	rec := do(srv, httptest.NewRequest(http.MethodGet, "/blobs/page.html", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Authorization"))
	assert.Equal(t, "text/html", rec.Header().Get("Content-Type"))
}

func TestServerUploadErrors(t *testing.T) {
	tests := []struct {
		name   string
		id     string
		body   io.Reader
		length int64
		header map[string]string
		status int
	}{
		{
			name:   "invalid id",
			id:     "bad%20id",
			body:   strings.NewReader("x"),
			length: 1,
			status: http.StatusBadRequest,
		},
		{
			name:   "missing length",
			id:     "ok",
			body:   io.MultiReader(strings.NewReader("x")),
			length: -1,
			status: http.StatusBadRequest,
		},
		{
			name:   "too many headers",
			id:     "ok",
			body:   strings.NewReader("x"),
			length: 1,
			header: map[string]string{"X-A": "1", "X-B": "2", "X-C": "3"},
			status: http.StatusBadRequest,
		},
		{
			name:   "too large",
			id:     "ok",
			body:   strings.NewReader(strings.Repeat("z", 65)),
			length: 65,
			status: http.StatusRequestEntityTooLarge,
		},
		{
			name:   "quota exceeded",
			id:     "ok",
			body:   strings.NewReader(strings.Repeat("z", 40)),
			length: 40,
			status: http.StatusRequestEntityTooLarge,
		},
		{
			name:   "incomplete body",
			id:     "ok",
			body:   strings.NewReader("abc"),
			length: 10,
			status: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, store, _ := newTestServer(t, func(o *Options) {
				o.MaxHeaderCount = 2
				o.MaxObjectSize = 64
				o.DiskQuota = 32
			})

			req := httptest.NewRequest(http.MethodPost, "/blobs/"+tt.id, tt.body)
			req.ContentLength = tt.length
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := do(srv, req)

			assert.Equal(t, tt.status, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, tt.status, resp.Code)
			assert.NotEmpty(t, resp.ErrorMessage)
			assert.Equal(t, int64(0), store.UsedBytes())
		})
	}
}

func TestServerIncompleteUploadMessage(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/blobs/cut", strings.NewReader("abc"))
	req.ContentLength = 6
	rec := do(srv, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Error writing blob", decodeError(t, rec).ErrorMessage)

	rec = do(srv, httptest.NewRequest(http.MethodGet, "/blobs/cut", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerDownloadErrors(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := do(srv, httptest.NewRequest(http.MethodGet, "/blobs/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, http.StatusNotFound, decodeError(t, rec).Code)

	rec = do(srv, httptest.NewRequest(http.MethodGet, "/blobs/bad%24id", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerDelete(t *testing.T) {
	srv, store, metrics := newTestServer(t)

	require.Equal(t, http.StatusCreated,
		do(srv, httptest.NewRequest(http.MethodPost, "/blobs/doomed", strings.NewReader("12345"))).Code)
	assert.Equal(t, int64(5), store.UsedBytes())

	rec := do(srv, httptest.NewRequest(http.MethodDelete, "/blobs/doomed", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int64(0), store.UsedBytes())
	assert.Equal(t, float64(0), promtest.ToFloat64(metrics.ObjectsTotal))

	// Second delete is a no-op
	rec = do(srv, httptest.NewRequest(http.MethodDelete, "/blobs/doomed", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(srv, httptest.NewRequest(http.MethodGet, "/blobs/doomed", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerStatsHealthMetrics(t *testing.T) {
	srv, _, _ := newTestServer(t, func(o *Options) { o.DiskQuota = 100 })

	require.Equal(t, http.StatusCreated,
		do(srv, httptest.NewRequest(http.MethodPost, "/blobs/a", strings.NewReader("1234"))).Code)

	rec := do(srv, httptest.NewRequest(http.MethodGet, "/internal/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var stats proto.UsageStats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, int64(4), stats.UsedBytes)
	assert.Equal(t, int64(100), stats.QuotaBytes)
	assert.Equal(t, int64(96), stats.AvailableBytes)
	assert.Equal(t, int64(1), stats.Objects)

	rec = do(srv, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(srv, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "blobmesh_node_storage_bytes 4")
}

func TestServerUnknownRoute(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := do(srv, httptest.NewRequest(http.MethodPut, "/blobs/a", strings.NewReader("x")))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(srv, httptest.NewRequest(http.MethodGet, "/elsewhere", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, "quota_exceeded", classifyStatus(413, ErrQuotaExceeded))
	assert.Equal(t, "too_large", classifyStatus(413, ErrTooLarge))
	assert.Equal(t, "invalid", classifyStatus(400, ErrInvalidID))
	assert.Equal(t, "not_found", classifyStatus(404, ErrNotFound))
	assert.Equal(t, "success", classifyStatus(201, nil))
	assert.Equal(t, "error", classifyStatus(500, ErrIncompleteUpload))
}

func TestStoreCollectMetrics(t *testing.T) {
	_, store, metrics := newTestServer(t)
	require.NoError(t, put(t, store, "a", "12345", nil))

	store.CollectMetrics()
	assert.Equal(t, float64(1), promtest.ToFloat64(metrics.ObjectsTotal))
	assert.Positive(t, promtest.ToFloat64(metrics.VolumeTotal))
}
