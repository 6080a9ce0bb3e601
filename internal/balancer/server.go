package balancer

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/blobmesh/internal/httpx"
	"github.com/tunnelmesh/blobmesh/internal/metrics"
	"github.com/tunnelmesh/blobmesh/pkg/proto"
)

const maxRegisterBody = 64 * 1024

// ServerOptions configures the proxy side of the balancer.
type ServerOptions struct {
	// UpstreamTimeout bounds both dialing a node and waiting for its
	// response headers. Bodies are not bounded.
	UpstreamTimeout time.Duration
	ChunkSize       int
}

// DefaultServerOptions returns a 5s upstream timeout and the default chunk size.
func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		UpstreamTimeout: 5 * time.Second,
		ChunkSize:       httpx.DefaultChunkSize,
	}
}

// Server is the balancer's HTTP front: node registration plus the blob proxy.
type Server struct {
	registry *Registry
	opts     ServerOptions
	client   *http.Client
	metrics  *Metrics
	router   chi.Router
}

// NewServer creates the balancer HTTP handler. m and gatherer may be
// nil; a non-nil gatherer is served on /metrics.
func NewServer(registry *Registry, opts ServerOptions, m *Metrics, gatherer prometheus.Gatherer) *Server {
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = DefaultServerOptions().UpstreamTimeout
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = httpx.DefaultChunkSize
	}

	s := &Server{
		registry: registry,
		opts:     opts,
		client:   newUpstreamClient(opts.UpstreamTimeout),
		metrics:  m,
		router:   chi.NewRouter(),
	}

	s.router.Use(httpx.RequestID, httpx.AccessLog("balancer"), middleware.Recoverer)
	s.router.Get("/health", s.handleHealth)
	s.router.Post("/internal/nodes", s.handleRegister)
	s.router.Get("/internal/nodes", s.handleListNodes)
	s.router.Get("/blobs/{id}", s.handleProxy)
	s.router.Post("/blobs/{id}", s.handleProxy)
	s.router.Delete("/blobs/{id}", s.handleProxy)
	if gatherer != nil {
		s.router.Handle("/metrics", metrics.Handler(gatherer))
	}
	s.CollectMetrics()
	return s
}

func newUpstreamClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: timeout,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		// Node responses go back to the caller untouched.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Registry returns the node registry behind the server.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Close releases idle upstream connections.
func (s *Server) Close() {
	s.client.CloseIdleConnections()
}

// CollectMetrics refreshes the node count gauges. Burns expire lazily, so
// this also runs periodically outside the request path.
func (s *Server) CollectMetrics() {
	if s.metrics == nil {
		return
	}
	s.metrics.UpdateNodeGauges(s.registry.LiveCount(), s.registry.Len())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"registration_open": s.registry.RegistrationOpen(),
		"live_nodes":        s.registry.LiveCount(),
	})
}

// handleRegister handles POST /internal/nodes.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req proto.RegisterRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegisterBody)).Decode(&req); err != nil {
		s.recordRegistration("invalid")
		httpx.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Destination == nil {
		s.recordRegistration("invalid")
		httpx.WriteError(w, http.StatusBadRequest, "missing destination")
		return
	}

	id, err := s.registry.Register(req.Destination.Host, req.Destination.Port, req.Name)
	switch {
	case err == nil:
		s.recordRegistration("success")
		s.CollectMetrics()
		httpx.WriteJSON(w, http.StatusOK, proto.RegisterResponse{ID: id})
	case errors.Is(err, ErrRegistrationClosed):
		s.recordRegistration("closed")
		log.Warn().
			Str("host", req.Destination.Host).
			Int("port", req.Destination.Port).
			Msg("registration attempt after window closed")
		httpx.WriteError(w, http.StatusForbidden, ErrRegistrationClosed.Error())
	case errors.Is(err, ErrInvalidNode):
		s.recordRegistration("invalid")
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		s.recordRegistration("error")
		log.Error().Err(err).Msg("registration failed")
		httpx.WriteError(w, http.StatusInternalServerError, "registration failed")
	}
}

func (s *Server) recordRegistration(result string) {
	if s.metrics != nil {
		s.metrics.Registrations.WithLabelValues(result).Inc()
	}
}

// handleListNodes handles GET /internal/nodes.
func (s *Server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := s.registry.List()
	resp := proto.NodeListResponse{Data: make([]proto.NodeInfo, 0, len(nodes))}
	for _, n := range nodes {
		resp.Data = append(resp.Data, n.Info())
	}
	s.CollectMetrics()
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) reject(w http.ResponseWriter, status int, reason string, err error) {
	if s.metrics != nil {
		s.metrics.RejectedTotal.WithLabelValues(reason).Inc()
	}
	httpx.WriteError(w, status, err.Error())
}

// handleProxy forwards GET, POST and DELETE /blobs/{id} to one live node.
// There is no retry: a transport failure counts against the node and the
// caller gets a 503.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if s.registry.RegistrationOpen() {
		s.reject(w, http.StatusForbidden, "registration_open", ErrRegistrationOpen)
		return
	}

	node, ok := s.registry.Select()
	if !ok {
		s.reject(w, http.StatusServiceUnavailable, "no_live_node", ErrNoLiveNode)
		return
	}

	target := "http://" + node.Address() + r.URL.EscapedPath()
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	body := r.Body
	if r.ContentLength == 0 {
		body = http.NoBody
	}
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		log.Error().Err(err).Str("target", target).Msg("failed to build upstream request")
		httpx.WriteError(w, http.StatusInternalServerError, "failed to build upstream request")
		return
	}
	out.ContentLength = r.ContentLength
	for name, values := range r.Header {
		if name == "Host" {
			continue
		}
		out.Header[name] = append([]string(nil), values...)
	}

	start := time.Now()
	resp, err := s.client.Do(out)
	if err != nil {
		s.upstreamFailed(r, node, err)
		s.reject(w, http.StatusServiceUnavailable, "upstream_failure", fmt.Errorf("backend node %s failed", node.ID))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if s.metrics != nil {
		s.metrics.ProxiedTotal.WithLabelValues(node.ID, r.Method, strconv.Itoa(resp.StatusCode)).Inc()
		s.metrics.ProxyDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	}

	for name, values := range resp.Header {
		w.Header()[name] = append([]string(nil), values...)
	}
	w.WriteHeader(resp.StatusCode)

	n, err := httpx.CopyChunked(w, resp.Body, -1, s.opts.ChunkSize)
	if err != nil {
		log.Warn().
			Err(err).
			Str("node", node.ID).
			Str("request_id", httpx.RequestIDFrom(r.Context())).
			Int64("bytes", n).
			Msg("response stream interrupted")
	}
}

// upstreamFailed counts a transport error against node unless the caller
// went away first, in which case the node is not at fault.
func (s *Server) upstreamFailed(r *http.Request, node Node, err error) {
	logger := log.With().
		Str("node", node.ID).
		Str("address", node.Address()).
		Str("request_id", httpx.RequestIDFrom(r.Context())).
		Logger()

	if r.Context().Err() != nil {
		logger.Debug().Err(err).Msg("client went away before upstream answered")
		return
	}

	updated, ok := s.registry.RecordFailure(node.ID)
	if s.metrics != nil {
		s.metrics.NodeFailures.WithLabelValues(node.ID).Inc()
		if ok && updated.State == StateBurned {
			s.metrics.NodeBurns.WithLabelValues(node.ID).Inc()
		}
	}
	s.CollectMetrics()

	logger.Warn().
		Err(fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)).
		Int("failures", updated.Failures).
		Str("state", updated.State.String()).
		Msg("upstream request failed")
}
