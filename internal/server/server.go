// Package server provides the relay's HTTP surface, built on Echo v4: the
// downstream com.atproto.sync.subscribeRepos firehose, the requestCrawl
// admin endpoint, a small host-management API, and the Prometheus
// /metrics endpoint.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/primal-host/relay/internal/auth"
	"github.com/primal-host/relay/internal/config"
	"github.com/primal-host/relay/internal/crawler"
	"github.com/primal-host/relay/internal/firehose"
	"github.com/primal-host/relay/internal/hosts"
	"github.com/primal-host/relay/internal/publisher"
)

// Server wraps the Echo instance and application dependencies.
type Server struct {
	echo *echo.Echo
	cfg  *config.Config

	log        *firehose.Log
	pub        *publisher.Manager
	crawlerMgr *crawler.Manager
	hostStore  *hosts.Store
	jwt        *auth.JWTManager

	registry *prometheus.Registry
}

// New creates a configured Echo server with all routes registered.
func New(cfg *config.Config, log *firehose.Log, pub *publisher.Manager, crawlerMgr *crawler.Manager, hostStore *hosts.Store, jwtMgr *auth.JWTManager, registry *prometheus.Registry) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	s := &Server{
		echo:       e,
		cfg:        cfg,
		log:        log,
		pub:        pub,
		crawlerMgr: crawlerMgr,
		hostStore:  hostStore,
		jwt:        jwtMgr,
		registry:   registry,
	}

	s.registerRoutes()
	return s
}

// Start begins listening for HTTP requests. It blocks until ctx is
// cancelled, then performs a graceful shutdown allowing in-flight HTTP
// requests to drain. Shutdown does not wait for upgraded subscribeRepos
// WebSocket connections; the publisher workers close those on ctx
// cancellation.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Default().Info("listening", "addr", s.cfg.ListenAddr)
		if err := s.echo.Start(s.cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Default().Info("shutting down http server")
		return s.echo.Shutdown(context.Background())
	}
}

// adminAuth validates the Authorization header against either the static
// admin key or a signed admin JWT. Management API endpoints are protected
// by this middleware.
func (s *Server) adminAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := extractBearer(c)
		if token == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "AuthRequired",
				"message": "Authorization header with Bearer token is required",
			})
		}
		if auth.CheckAdminKey(s.cfg.AdminKey, token) == nil {
			return next(c)
		}
		if _, err := s.jwt.ValidateAdminToken(token); err != nil {
			return c.JSON(http.StatusForbidden, map[string]string{
				"error":   "Forbidden",
				"message": "Invalid admin credentials",
			})
		}
		return next(c)
	}
}

func extractBearer(c echo.Context) string {
	h := c.Request().Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/xrpc/com.atproto.sync.subscribeRepos", s.handleSubscribeRepos)
	s.echo.POST("/xrpc/com.atproto.sync.requestCrawl", s.handleRequestCrawl)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	admin := s.echo.Group("/admin", s.adminAuth)
	admin.GET("/hosts", s.handleListHosts)
	admin.POST("/hosts/:hostname/ban", s.handleBanHost)
	admin.POST("/hosts/:hostname/unban", s.handleUnbanHost)
}

func (s *Server) handleHealth(c echo.Context) error {
	latest, _ := s.log.Latest()
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"seq":    latest,
	})
}

// handleSubscribeRepos upgrades to WebSocket and hands the connection to
// the publisher pool. GET /xrpc/com.atproto.sync.subscribeRepos?cursor=...
func (s *Server) handleSubscribeRepos(c echo.Context) error {
	var cursor int64
	var hasCursor bool
	if cursorStr := c.QueryParam("cursor"); cursorStr != "" {
		n, err := strconv.ParseInt(cursorStr, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error":   "InvalidRequest",
				"message": "cursor must be an integer",
			})
		}
		cursor, hasCursor = n, true
	}

	if err := s.pub.Accept(c.Request().Context(), c.Response(), c.Request(), cursor, hasCursor); err != nil {
		slog.Default().Warn("subscribeRepos upgrade failed", "error", err)
	}
	return nil
}

// handleRequestCrawl registers hostname for crawling.
// POST /xrpc/com.atproto.sync.requestCrawl
func (s *Server) handleRequestCrawl(c echo.Context) error {
	var req struct {
		Hostname string `json:"hostname"`
	}
	if err := c.Bind(&req); err != nil || req.Hostname == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "hostname is required",
		})
	}

	ctx := c.Request().Context()
	existing, err := s.hostStore.Get(ctx, req.Hostname)
	if err == nil && existing.State == hosts.StateBanned {
		return c.JSON(http.StatusForbidden, map[string]string{
			"error":   "Forbidden",
			"message": "host is banned",
		})
	}

	if _, err := s.hostStore.Register(ctx, req.Hostname); err != nil && !errors.Is(err, hosts.ErrAlreadyKnown) {
		slog.Default().Error("register host failed", "host", req.Hostname, "error", err)
	}

	cursor := int64(0)
	if existing != nil {
		cursor = existing.LastCursor
	}
	s.crawlerMgr.Connect(req.Hostname, cursor)

	return c.NoContent(http.StatusOK)
}

func (s *Server) handleListHosts(c echo.Context) error {
	list, err := s.hostStore.List(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "InternalError"})
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleBanHost(c echo.Context) error {
	hostname := c.Param("hostname")
	if err := s.hostStore.SetState(c.Request().Context(), hostname, hosts.StateBanned); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "NotFound"})
	}
	s.crawlerMgr.Disconnect(hostname)
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleUnbanHost(c echo.Context) error {
	hostname := c.Param("hostname")
	if err := s.hostStore.SetState(c.Request().Context(), hostname, hosts.StateIdle); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "NotFound"})
	}
	return c.NoContent(http.StatusOK)
}
