// Package http exposes the field readings REST API.
package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/septivank/field-readings/internal/config"
	"github.com/septivank/field-readings/internal/db"
	"github.com/septivank/field-readings/internal/logging"
	"github.com/septivank/field-readings/internal/metrics"
	"github.com/septivank/field-readings/internal/service"
)

const (
	apiPrefix       = "/api/field"
	requestIDHeader = "X-Request-ID"
	sessionKey      = "fieldSession"
)

// ReadingSaver runs the ingestion pipeline
type ReadingSaver interface {
	SaveBatch(ctx context.Context, batch service.Batch) (*service.BatchResult, error)
}

// MeterLister builds a community's meter list
type MeterLister interface {
	ListMeters(ctx context.Context, communityID int64) ([]service.MeterView, error)
}

// SortSaver persists meter ordering
type SortSaver interface {
	SaveSortOrder(ctx context.Context, communityID int64, items []service.SortItem) (*service.SortResult, error)
}

// Authenticator checks credentials and resolves sessions
type Authenticator interface {
	Login(ctx context.Context, login, pwd string) (*service.Session, error)
	Session(ctx context.Context, sessionID string) (*service.Session, error)
}

// CommunityLister lists communities for the picker
type CommunityLister interface {
	ListCommunities(ctx context.Context) ([]db.Community, error)
}

// Services are the use cases behind the routes
type Services struct {
	Readings    ReadingSaver
	Meters      MeterLister
	Sort        SortSaver
	Auth        Authenticator
	Communities CommunityLister
}

// Server bundles router and dependencies for the REST API.
type Server struct {
	cfg      *config.Config
	services Services
	metrics  *metrics.Metrics
	logger   *zap.Logger
	engine   *gin.Engine
}

// New constructs a server with routes and middleware.
func New(cfg *config.Config, services Services, m *metrics.Metrics, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	server := &Server{cfg: cfg, services: services, metrics: m, logger: logger, engine: engine}
	engine.Use(server.requestMiddleware())
	engine.Use(corsMiddleware(cfg.HTTP.AllowedOrigins))
	server.registerRoutes()
	return server
}

// Engine exposes the underlying gin engine (for tests).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.logger.Info("http server listening", zap.String("addr", srv.Addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	api := s.engine.Group(apiPrefix)

	auth := api.Group("/auth")
	auth.POST("/login", s.handleLogin)
	auth.POST("/logout", s.handleLogout)
	auth.GET("/session", s.handleSession)

	data := api.Group("")
	if s.cfg.Auth.RequireSession {
		data.Use(s.sessionMiddleware())
	}
	data.GET("/communities", s.handleListCommunities)
	data.GET("/meters", s.handleListMeters)
	data.GET("/meters/export", s.handleExportMeters)
	data.POST("/meters/sort", s.handleSaveSortOrder)
	data.POST("/readings", s.handleSaveReadings)
}

// requestMiddleware tags every request with an id, stores a request-scoped
// logger in the context and records latency.
func (s *Server) requestMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)

		reqLogger := logging.WithRequestID(s.logger, requestID)
		c.Request = c.Request.WithContext(logging.IntoContext(c.Request.Context(), reqLogger))

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)
		s.metrics.HTTPDuration.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())

		reqLogger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", elapsed),
		)
	}
}

// sessionMiddleware rejects requests without a valid session cookie
func (s *Server) sessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID, _ := c.Cookie(s.cfg.Auth.CookieName)
		session, err := s.services.Auth.Session(c.Request.Context(), sessionID)
		if err != nil {
			s.writeError(c, err)
			c.Abort()
			return
		}
		c.Set(sessionKey, session)
		c.Next()
	}
}

func corsMiddleware(allowed []string) gin.HandlerFunc {
	wildcard := false
	origins := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			wildcard = true
		}
		origins[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case wildcard:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "" && origins[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, "+requestIDHeader)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
