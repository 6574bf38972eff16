// Package httpserver exposes the error log, group diagnostics and metrics
// over HTTP.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tinytelemetry/faultline/internal/capture"
	"github.com/tinytelemetry/faultline/internal/grouping"
	"github.com/tinytelemetry/faultline/internal/metrics"
	"github.com/tinytelemetry/faultline/internal/model"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = "127.0.0.1:3000"

// Server provides an HTTP API over the error log.
type Server struct {
	addr      string
	store     model.ErrorLog
	registry  *grouping.Registry
	pipeline  *capture.Pipeline
	metrics   *metrics.Metrics
	otlp      http.Handler
	app       string
	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
	logger    zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithRegistry enables the group endpoints.
func WithRegistry(r *grouping.Registry) Option {
	return func(s *Server) { s.registry = r }
}

// WithPipeline routes POSTed errors and the API's own failures through p.
func WithPipeline(p *capture.Pipeline) Option {
	return func(s *Server) { s.pipeline = p }
}

// WithMetrics serves m on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithOTLPHandler mounts h at the OTLP/HTTP logs path.
func WithOTLPHandler(h http.Handler) Option {
	return func(s *Server) { s.otlp = h }
}

// WithApplication names the application recorded for the API's own errors.
func WithApplication(app string) Option {
	return func(s *Server) { s.app = app }
}

// NewServer creates a new HTTP API server.
func NewServer(addr string, store model.ErrorLog, opts ...Option) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:      addr,
		store:     store,
		app:       "faultline",
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
		logger:    log.With().Str("component", "httpserver").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	// Group keys contain slashes and arrive percent-encoded.
	r.UseRawPath = true
	r.UnescapePathValues = true

	if s.pipeline != nil {
		r.Use(capture.Middleware(s.pipeline, s.app))
	} else {
		r.Use(gin.Recovery())
	}

	api := r.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/errors", s.handleList)
	api.POST("/errors", s.handlePost)
	api.GET("/errors/export.csv", s.handleExport)
	api.GET("/errors/:id", s.handleGet)
	api.GET("/stats/types", s.handleTopTypes)
	api.GET("/stats/apps", s.handleTopApps)
	api.GET("/groups", s.handleGroups)
	api.POST("/groups/flush", s.handleFlushAll)
	api.POST("/groups/:key/flush", s.handleFlushGroup)
	api.GET("/schema", s.handleSchema)
	api.POST("/query", s.handleQuery)

	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	if s.otlp != nil {
		r.POST("/v1/logs", gin.WrapH(s.otlp))
	}
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.startTime = time.Now()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("serve")
		}
	}()
	s.logger.Info().Str("addr", listener.Addr().String()).Msg("listening")
	return nil
}

// Addr returns the listen address, resolved once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// abort maps err to a status: ErrNotFound is 404, anything else 500.
func abort(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, model.ErrNotFound) {
		status = http.StatusNotFound
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, format string, args ...interface{}) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf(format, args...)})
}

// intQuery reads an optional integer query parameter.
func intQuery(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		badRequest(c, "invalid %s %q", name, raw)
		return 0, false
	}
	return n, true
}

func (s *Server) handleHealth(c *gin.Context) {
	count, err := s.store.Count(c.Request.Context(), model.QueryOpts{})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read health metrics"})
		return
	}

	body := gin.H{
		"status":      "ok",
		"uptime":      time.Since(s.startTime).Round(time.Second).String(),
		"store":       s.store.Name(),
		"error_count": count,
	}
	if s.registry != nil {
		body["groups"] = s.registry.Len()
		body["pending_groups"] = s.registry.Pending()
	}
	c.JSON(http.StatusOK, body)
}
