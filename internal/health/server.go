// Package health exposes the daemon's HTTP surface: liveness, Prometheus
// metrics, and a status summary of the ingest pipeline.
package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflectd/internal/freshness"
)

// Status is the GET /status response body.
type Status struct {
	Provider    string             `json:"provider"`
	Dim         int                `json:"dim"`
	Files       int                `json:"files"`
	Chunks      int64              `json:"chunks"`
	Corrupt     int64              `json:"corrupt_lines"`
	Queue       freshness.Metrics  `json:"queue"`
	Collections []CollectionStatus `json:"collections,omitempty"`
	MemoryLevel string             `json:"memory_level"`
	MemoryRSSMB uint64             `json:"memory_rss_mb"`
}

// CollectionStatus is one collection's point count.
type CollectionStatus struct {
	Name   string `json:"name"`
	Points uint64 `json:"points"`
}

// StatusProvider assembles the live Status. Implemented by the watch command
// wiring, which holds the state store, queue, and vector store handles.
type StatusProvider interface {
	Status(ctx context.Context) (*Status, error)
}

// Config holds the HTTP listener address.
type Config struct {
	Host string
	Port int
}

// Server is the daemon's HTTP endpoint set.
type Server struct {
	echo   *echo.Echo
	status StatusProvider
	logger *zap.Logger
	config Config
}

// NewServer builds the HTTP server. The status provider may be nil, in which
// case /status reports 503.
func NewServer(status StatusProvider, logger *zap.Logger, cfg Config) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 9877
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Debug("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:   e,
		status: status,
		logger: logger,
		config: cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/status", s.handleStatus)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// HealthResponse is the GET /health response body.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	if s.status == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "status not available")
	}
	st, err := s.status.Status(c.Request().Context())
	if err != nil {
		s.logger.Warn("status query failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
