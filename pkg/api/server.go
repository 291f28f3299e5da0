package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/cache"
	"github.com/cuemby/foreman/pkg/errors"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/manager"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/scheduler"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = ":8080"

	// DefaultRateLimitWindow is the fixed rate-limit window.
	DefaultRateLimitWindow = 60 * time.Second

	// DefaultRateLimitMax is the request budget per principal per window.
	DefaultRateLimitMax = 100
)

// Config carries the HTTP server settings.
type Config struct {
	// Addr is the listen address, defaulting to DefaultAddr.
	Addr string

	// RateLimitWindow is the fixed window for request counting.
	RateLimitWindow time.Duration

	// RateLimitMax caps requests per principal per window. Zero takes
	// the default; a negative value disables rate limiting.
	RateLimitMax int

	// AllowedOrigins is the CORS allow-list. Empty leaves cross-origin
	// requests unanswered, which suits non-browser clients.
	AllowedOrigins []string
}

// Server exposes the dispatcher protocol over HTTP. Handlers stay
// thin: decode the request, call the manager, encode the response.
// Worker-protocol routes sit behind token auth, and every route is
// rate limited per principal.
type Server struct {
	manager   *manager.Manager
	scheduler *scheduler.Scheduler
	cache     cache.Cache
	cfg       Config
	engine    *gin.Engine
	http      *http.Server
	logger    zerolog.Logger
}

// NewServer wires the router and middleware. Zero config fields take
// defaults.
func NewServer(mgr *manager.Manager, sched *scheduler.Scheduler, cacheTier cache.Cache, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = DefaultRateLimitWindow
	}
	if cfg.RateLimitMax == 0 {
		cfg.RateLimitMax = DefaultRateLimitMax
	}

	s := &Server{
		manager:   mgr,
		scheduler: sched,
		cache:     cacheTier,
		cfg:       cfg,
		engine:    gin.New(),
		logger:    log.WithComponent("api"),
	}

	s.engine.Use(s.requestLogger(), gin.Recovery(), httpMetrics())
	if len(cfg.AllowedOrigins) > 0 {
		s.engine.Use(s.corsHeaders())
	}
	s.engine.NoRoute(func(c *gin.Context) {
		renderError(c, errors.NotFound.Newf("no route for %s %s", c.Request.Method, c.Request.URL.Path))
	})
	s.routes()

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	auth := s.workerAuth(false)
	optAuth := s.workerAuth(true)
	limit := s.rateLimit()

	workers := s.engine.Group("/workers")
	{
		workers.POST("/register", limit, handle(s.registerWorker))
		workers.POST("/heartbeat", auth, limit, handle(s.heartbeat))
		workers.GET("/list", limit, handle(s.listWorkers))
		workers.DELETE("/:workerId", limit, handle(s.removeWorker))
	}

	jobs := s.engine.Group("/jobs")
	{
		jobs.POST("/create", limit, handle(s.createJob))
		jobs.GET("/get-job", auth, limit, handle(s.pollJob))
		jobs.POST("/stream-output", auth, limit, handle(s.streamOutput))
		jobs.POST("/submit-result", auth, limit, handle(s.submitResult))
		jobs.PUT("/submit-result", auth, limit, handle(s.reportFailure))
		jobs.GET("/status", limit, handle(s.jobStatus))
		jobs.POST("/cancel", limit, handle(s.cancelJob))
		jobs.GET("/check-cancel", auth, limit, handle(s.checkCancel))
		jobs.GET("/list", limit, handle(s.listJobs))
	}

	// Bundles are uploaded by users and fetched by workers, results the
	// other way around, so the token is checked only when presented.
	blobs := s.engine.Group("/blobs")
	{
		blobs.POST("", optAuth, limit, handle(s.uploadBlob))
		blobs.GET("", optAuth, limit, handle(s.listBlobs))
		blobs.GET("/:ref", optAuth, limit, handle(s.downloadBlob))
		blobs.DELETE("/:ref", optAuth, limit, handle(s.deleteBlob))
	}

	s.engine.GET("/healthz", gin.WrapF(metrics.HealthHandler()))
	s.engine.GET("/readyz", gin.WrapF(metrics.ReadyHandler()))
	s.engine.GET("/metrics", gin.WrapH(metrics.Handler()))
}

// Handler returns the underlying router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("API server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Internal.Wrapf(err, "serve on %s", s.cfg.Addr)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("API server shutting down")
	return s.http.Shutdown(ctx)
}
