package olympus

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tartarus-sandbox/persephone/pkg/hermes"
	"github.com/tartarus-sandbox/persephone/pkg/persephone"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 500
)

// ServerConfig wires the results API to its backends
type ServerConfig struct {
	Runs    persephone.RunStore
	Metrics *hermes.PrometheusMetrics // Serves /metrics when set
	Logger  hermes.Logger

	// APIKey enables bearer authentication on /runs. Empty allows all requests.
	APIKey string
}

// Server is the read-only HTTP API over the backtest run history
type Server struct {
	engine  *gin.Engine
	runs    persephone.RunStore
	metrics *hermes.PrometheusMetrics
	logger  hermes.Logger
}

// NewServer builds the router
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Runs == nil {
		return nil, errors.New("run store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = hermes.NewNopLogger()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		engine:  engine,
		runs:    cfg.Runs,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}

	engine.Use(gin.Recovery(), s.requestLogger())

	engine.GET("/health", s.health)
	if cfg.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	if cfg.APIKey == "" {
		cfg.Logger.Warn(context.Background(), "running in insecure mode, no api key configured", nil)
	}
	runs := engine.Group("/runs", bearerAuth(cfg.APIKey))
	{
		runs.GET("", s.listRuns)
		runs.GET("/latest", s.latestRun)
	}

	return s, nil
}

// Handler exposes the router for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "results api listening", map[string]any{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info(context.Background(), "shutting down results api", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "persephone",
	})
}

func (s *Server) listRuns(c *gin.Context) {
	limit := defaultRunLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxRunLimit)
	}

	runs, err := s.runs.Recent(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error(c.Request.Context(), "failed to list runs", map[string]any{"error": err.Error()})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count": len(runs),
		"runs":  runs,
	})
}

func (s *Server) latestRun(c *gin.Context) {
	runs, err := s.runs.Recent(c.Request.Context(), 1)
	if err != nil {
		s.logger.Error(c.Request.Context(), "failed to load latest run", map[string]any{"error": err.Error()})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load latest run"})
		return
	}
	if len(runs) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no backtest runs recorded"})
		return
	}
	c.JSON(http.StatusOK, runs[0])
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		elapsed := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		if s.metrics != nil {
			s.metrics.ObserveHistogram("persephone_http_request_duration_seconds", elapsed.Seconds(),
				hermes.Label{Key: "route", Value: route},
				hermes.Label{Key: "status", Value: strconv.Itoa(status)},
			)
		}
		s.logger.Info(c.Request.Context(), "request", map[string]any{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   status,
			"duration": elapsed.String(),
		})
	}
}

// bearerAuth requires "Authorization: Bearer <key>" when key is set
func bearerAuth(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing Authorization header"})
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid Authorization header format"})
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}

		c.Next()
	}
}
