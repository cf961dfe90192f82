// Package main is the entry point for the Serpius analytics service, an
// HTTP API serving performance, composition and accounting views of the
// Serpius index across its deployed chains.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/serpius-project/analytics/internal/cache"
	"github.com/serpius-project/analytics/internal/config"
	"github.com/serpius-project/analytics/internal/fetch"
	"github.com/serpius-project/analytics/internal/otel"
	"github.com/serpius-project/analytics/internal/treasury"
	"github.com/serpius-project/analytics/internal/types"
)

// startTime records when the service was initialized for uptime reporting
var startTime = time.Now()

// ServerConfig holds the HTTP-layer configuration
type ServerConfig struct {
	// HTTP port to listen on
	Port string

	// Per-request timeout for handlers
	Timeout time.Duration

	// Whether to expose Prometheus metrics
	EnableMetrics bool

	// Whether to rate-limit API requests
	EnableRateLimit bool
}

// Server represents the analytics API server instance
type Server struct {
	config ServerConfig
	cfg    config.Config

	server *http.Server

	cache      *cache.Cache
	feeds      *fetch.Client
	accounting *treasury.Service

	metrics   *serverMetrics
	rateLimit *rate.Limiter
}

// serverMetrics holds Prometheus metrics for the server
type serverMetrics struct {
	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	upstreamErrors  *prometheus.CounterVec
	excludedRows    prometheus.Counter
	cacheEntries    prometheus.Gauge
}

// registerMetrics sets up Prometheus metrics collection
func registerMetrics() *serverMetrics {
	m := &serverMetrics{
		requestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "serpius_requests_total",
				Help: "Total number of API requests processed",
			},
			[]string{"path", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "serpius_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path"},
		),
		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "serpius_upstream_errors_total",
				Help: "Total number of upstream feed and RPC failures",
			},
			[]string{"source"},
		),
		excludedRows: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "serpius_excluded_rows_total",
				Help: "Composition rows excluded for missing price matches",
			},
		),
		cacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "serpius_cache_entries",
				Help: "Number of entries in the TTL cache",
			},
		),
	}

	prometheus.MustRegister(
		m.requestCounter,
		m.requestDuration,
		m.upstreamErrors,
		m.excludedRows,
		m.cacheEntries,
	)

	return m
}

// main is the entry point for the application
func main() {
	setupLogging()

	cfg := config.Load()
	shutdown := otel.InitTracer(cfg)
	defer shutdown()

	server := NewServer(loadServerConfig(cfg), cfg)
	server.Start()
}

// setupLogging configures the logging for the application
func setupLogging() {
	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))

	switch logFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch logLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	logrus.Info("Logging configured")
}

// loadServerConfig derives the HTTP-layer configuration
func loadServerConfig(cfg config.Config) ServerConfig {
	return ServerConfig{
		Port:            cfg.Port,
		Timeout:         getDurationOrDefault("TIMEOUT", cfg.RequestTimeout),
		EnableMetrics:   getEnvBool("ENABLE_METRICS", true),
		EnableRateLimit: getEnvBool("ENABLE_RATE_LIMIT", true),
	}
}

// NewServer creates a new server instance with its collaborators wired
func NewServer(serverCfg ServerConfig, cfg config.Config) *Server {
	c := cache.New()
	feeds := fetch.NewClient(cfg, c)

	s := &Server{
		config:     serverCfg,
		cfg:        cfg,
		cache:      c,
		feeds:      feeds,
		accounting: treasury.NewService(cfg, feeds, c),
	}

	if serverCfg.EnableMetrics {
		s.metrics = registerMetrics()
	}
	if serverCfg.EnableRateLimit {
		s.rateLimit = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
		logrus.Infof("Rate limiting initialized: %v req/s, burst: %d", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	logrus.WithFields(logrus.Fields{
		"port":       serverCfg.Port,
		"timeout":    serverCfg.Timeout,
		"metrics":    serverCfg.EnableMetrics,
		"rate_limit": serverCfg.EnableRateLimit,
		"chains":     len(types.AllChains()),
		"data_host":  cfg.DataBaseURL,
	}).Info("Server initialized")

	return s
}

// Start begins the HTTP server and sets up graceful shutdown
func (s *Server) Start() {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/performance", s.wrap(s.handlePerformance))
	mux.HandleFunc("/api/performance/metrics", s.wrap(s.handleRiskMetrics))
	mux.HandleFunc("/api/performance/drawdown", s.wrap(s.handleDrawdown))
	mux.HandleFunc("/api/composition", s.wrap(s.handleComposition))
	mux.HandleFunc("/api/composition/snapshot", s.wrap(s.handleSnapshot))
	mux.HandleFunc("/api/composition/token", s.wrap(s.handleToken))
	mux.HandleFunc("/api/stats", s.wrap(s.handleStats))
	mux.HandleFunc("/api/accounting", s.wrap(s.handleAccounting))
	mux.HandleFunc("/api/refresh", s.wrap(s.handleRefresh))

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)

	s.server = &http.Server{
		Addr:         ":" + s.config.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("Server starting on port %s", s.config.Port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Error starting server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		logrus.Fatalf("Server shutdown failed: %v", err)
	}

	logrus.Info("Server stopped")
}

// wrap applies rate limiting, the request timeout and metrics accounting
// around an API handler.
func (s *Server) wrap(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if s.rateLimit != nil && !s.rateLimit.Allow() {
			s.errorResponse(w, r, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.config.Timeout)
		defer cancel()

		ctx, span := otel.Tracer().Start(ctx, r.URL.Path)
		defer span.End()

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(recorder, r.WithContext(ctx))

		if s.metrics != nil {
			s.metrics.requestCounter.WithLabelValues(r.URL.Path, http.StatusText(recorder.status)).Inc()
			s.metrics.requestDuration.WithLabelValues(r.URL.Path).Observe(time.Since(start).Seconds())
			s.metrics.cacheEntries.Set(float64(s.cache.Len()))
		}
	}
}

// statusRecorder captures the response status for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// handleHealth is a simple health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "OK",
		"version":   "1.0.0",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleMetrics exposes Prometheus metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.config.EnableMetrics {
		http.Error(w, "Metrics disabled", http.StatusServiceUnavailable)
		return
	}

	promhttp.Handler().ServeHTTP(w, r)
}

// handleStatus provides detailed service status information
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":  "operational",
		"uptime":  time.Since(startTime).String(),
		"version": "1.0.0",
		"chains":  types.AllChains(),
		"configuration": map[string]interface{}{
			"data_host":       s.cfg.DataBaseURL,
			"rate_limit":      s.config.EnableRateLimit,
			"metrics":         s.config.EnableMetrics,
			"price_feed_ttl":  s.cfg.PriceFeedTTL.String(),
			"balance_ttl":     s.cfg.BalanceTTL.String(),
			"rpc_configured":  s.cfg.InfuraKey != "",
		},
		"cache_entries": s.cache.Len(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// handleRefresh invalidates every cached feed and RPC response
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	dropped := s.cache.Len()
	s.cache.InvalidateAll()
	logrus.Infof("Cache invalidated: %d entries dropped", dropped)

	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":  "refreshed",
		"dropped": dropped,
	})
}
