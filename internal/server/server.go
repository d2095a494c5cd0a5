// Package server exposes the access layer over HTTP: a call gateway, cache
// invalidation, service stats and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/finchworks/egress/internal/adapters/httpfetch"
	"github.com/finchworks/egress/internal/breaker"
	"github.com/finchworks/egress/internal/config"
	"github.com/finchworks/egress/internal/egress"
	"github.com/finchworks/egress/internal/fallback"
	"github.com/finchworks/egress/internal/logging"
	"github.com/finchworks/egress/internal/observability"
	"github.com/finchworks/egress/internal/pool"
	"github.com/finchworks/egress/internal/throttle"
)

// Server wraps the HTTP gateway and its dependencies.
type Server struct {
	router   *gin.Engine
	httpSrv  *http.Server
	facade   *egress.Facade
	remotes  map[string]*httpfetch.Remote
	services map[string]config.ServiceConfig
	sink     *observability.LogSink
	logger   *logging.Logger
}

// New assembles the façade and gateway from configuration.
func New(cfg *config.Config, services map[string]config.ServiceConfig, logger *logging.Logger) (*Server, error) {
	store, err := fallback.New(cfg.Storage.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open fallback store: %w", err)
	}

	metrics := observability.NewMetrics()
	sink := observability.NewLogSink(logger.Named("events"), 512)

	remotes := make(map[string]*httpfetch.Remote, len(services))
	settings := make(map[string]egress.ServiceSettings, len(services))
	for name, svc := range services {
		remote := httpfetch.NewRemote(name, svc.BaseURL, svc.HealthPath, svc.Timeout(),
			httpfetch.WithSmoothing(svc.SmoothingRPS))
		remotes[name] = remote
		settings[name] = serviceSettings(svc, remote)
	}

	facade, err := egress.New(egress.Options{
		Services: settings,
		Store:    store,
		Sink:     sink,
		Metrics:  metrics,
		Logger:   logger.Named("egress"),
	})
	if err != nil {
		return nil, err
	}

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:   router,
		facade:   facade,
		remotes:  remotes,
		services: services,
		sink:     sink,
		logger:   logger,
	}

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))
	router.GET("/services", s.handleServices)
	router.POST("/call/:service/:operation", s.handleCall)
	router.POST("/services/:service/invalidate", s.handleInvalidate)

	return s, nil
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run(addr string) error {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.router}
	s.logger.Info("gateway listening", zap.String("addr", addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close shuts the gateway down gracefully.
func (s *Server) Close(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	s.facade.Close()
	s.sink.Close()
	return err
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleServices reports per-service breaker, pool and cache state.
func (s *Server) handleServices(c *gin.Context) {
	stats := s.facade.Stats()
	out := make(map[string]gin.H, len(stats))
	for name, st := range stats {
		out[name] = gin.H{
			"circuit_state": st.Breaker.State.String(),
			"failure_count": st.Breaker.FailureCount,
			"pool": gin.H{
				"idle":        st.Pool.Idle,
				"checked_out": st.Pool.CheckedOut,
				"max_total":   st.Pool.MaxTotal,
			},
		}
	}
	cacheStats := s.facade.CacheStats()
	c.JSON(http.StatusOK, gin.H{
		"services": out,
		"cache": gin.H{
			"entries": cacheStats.Entries,
			"hits":    cacheStats.Hits,
			"misses":  cacheStats.Misses,
		},
	})
}

// callRequest is the gateway call body.
type callRequest struct {
	Method string                 `json:"method"`
	Path   string                 `json:"path"`
	Args   map[string]interface{} `json:"args"`
}

// handleCall forwards one operation through the façade.
func (s *Server) handleCall(c *gin.Context) {
	service := c.Param("service")
	operation := c.Param("operation")

	var req callRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Path == "" {
		req.Path = "/" + operation
	}

	remote, ok := s.remotes[service]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown service"})
		return
	}
	svc := s.services[service]

	// The call deadline is supplied here; the façade adds no timeout layer.
	ctx, cancel := context.WithTimeout(c.Request.Context(), svc.Timeout())
	defer cancel()

	fetch := remote.Operation(req.Method, req.Path)(req.Args)
	value, meta, err := s.facade.Call(ctx, service, operation, req.Args, fetch, nil)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, egress.ErrInvalidArgs):
			status = http.StatusBadRequest
		case errors.Is(err, egress.ErrUnknownService):
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{
			"error":         err.Error(),
			"circuit_state": meta.CircuitState.String(),
		})
		return
	}

	metaOut := gin.H{
		"used_fallback": meta.UsedFallback,
		"circuit_state": meta.CircuitState.String(),
		"stale":         meta.Stale,
		"failure_count": meta.FailureCount,
	}
	if meta.CacheAge != nil {
		metaOut["cache_age_seconds"] = meta.CacheAge.Seconds()
	}
	c.JSON(http.StatusOK, gin.H{"data": value, "meta": metaOut})
}

// handleInvalidate drops cached results when data changed out-of-band.
func (s *Server) handleInvalidate(c *gin.Context) {
	service := c.Param("service")
	if _, ok := s.remotes[service]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown service"})
		return
	}

	if op := c.Query("operation"); op != "" {
		s.facade.Invalidate(service, op)
	} else {
		s.facade.Invalidate(service)
	}
	c.JSON(http.StatusOK, gin.H{"invalidated": true})
}

// serviceSettings maps a validated service config onto façade settings.
func serviceSettings(svc config.ServiceConfig, remote *httpfetch.Remote) egress.ServiceSettings {
	return egress.ServiceSettings{
		Breaker: breaker.Config{
			FailureThreshold: svc.FailureThreshold,
			RecoveryTimeout:  svc.RecoveryTimeout(),
			HalfOpenMaxCalls: svc.HalfOpenMaxCalls,
			SuccessThreshold: svc.SuccessThreshold,
		},
		Pool: pool.Config{
			MinIdle:             svc.MinIdle,
			MaxTotal:            svc.MaxTotal,
			MaxIdle:             svc.MaxIdle(),
			HealthCheckInterval: svc.HealthCheckInterval(),
		},
		PoolFactory: remote.Factory(),
		Throttle: throttle.Config{
			MaxPerSecond:  svc.MaxPerSecond,
			MaxPerMinute:  svc.MaxPerMinute,
			MaxConcurrent: svc.MaxConcurrent,
		},
		ResultCacheTTL: svc.ResultCacheTTL(),
		FallbackTTL:    svc.FallbackTTL(),
	}
}
