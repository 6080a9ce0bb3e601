package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry("node", "1.2.3")

	mfs, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	assert.True(t, names["blobmesh_build_info"])
	assert.True(t, names["go_goroutines"])
}

func TestHandler(t *testing.T) {
	reg := NewRegistry("balancer", "dev")
	promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "blobmesh_test_total",
		Help: "test counter",
	}).Add(7)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	resp := rec.Result()
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "blobmesh_test_total 7")
	assert.Contains(t, string(body), `blobmesh_build_info{component="balancer",version="dev"} 1`)
}

func TestHandler_OpenMetricsFormat(t *testing.T) {
	reg := NewRegistry("node", "dev")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", "application/openmetrics-text; version=1.0.0")
	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, req)

	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "application/openmetrics-text"))
	assert.Contains(t, rec.Body.String(), "# EOF")
}
