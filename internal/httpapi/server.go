// Package httpapi is the hub's REST surface: auth, rooms, patchbay and
// user administration as JSON over TLS. The layer is stateless beyond
// the shared stores; every handler maps component errors to status codes
// and a short JSON error body.
package httpapi

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"jackdaw/hub/internal/auth"
	"jackdaw/hub/internal/jack"
	"jackdaw/hub/internal/rooms"
	"jackdaw/hub/internal/store"
	"jackdaw/hub/internal/ws"
)

// shutdownTimeout bounds the drain on graceful stop.
const shutdownTimeout = 5 * time.Second

// Context keys for the bearer middleware.
const (
	ctxUser  = "hub.user"
	ctxToken = "hub.token"
)

// GraphAccess is the slice of the jack adapter the REST layer needs.
type GraphAccess interface {
	Snapshot(ctx context.Context) (jack.Graph, error)
	Connect(ctx context.Context, source, dest string) error
	Disconnect(ctx context.Context, source, dest string) error
}

// Server wires the Echo application.
type Server struct {
	echo     *echo.Echo
	store    *store.Store
	registry *rooms.Registry
	graph    GraphAccess
	broker   *ws.Broker
	kernel   auth.Kernel
	hubHost  string
	version  string
}

// New constructs the Echo app and registers all routes.
func New(st *store.Store, registry *rooms.Registry, graph GraphAccess, broker *ws.Broker, kernel auth.Kernel, hubHost, version string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			slog.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = errorHandler

	s := &Server{
		echo:     e,
		store:    st,
		registry: registry,
		graph:    graph,
		broker:   broker,
		kernel:   kernel,
		hubHost:  hubHost,
		version:  version,
	}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.POST("/auth/register", s.handleRegister)
	s.echo.POST("/auth/login", s.handleLogin)

	if s.broker != nil {
		// The broker authenticates itself via the token query parameter.
		s.broker.Register(s.echo)
	}

	// Route-level middleware rather than a prefixless Group: a Group
	// with an empty prefix registers a catch-all that shadows the
	// router's 404 for unknown paths.
	bearer := s.bearerMiddleware
	s.echo.POST("/auth/logout", s.handleLogout, bearer)
	s.echo.GET("/rooms", s.handleListRooms, bearer)
	s.echo.POST("/rooms", s.handleCreateRoom, bearer)
	s.echo.GET("/rooms/:id", s.handleGetRoom, bearer)
	s.echo.POST("/rooms/:id/join", s.handleJoinRoom, bearer)
	s.echo.POST("/rooms/:id/leave", s.handleLeaveRoom, bearer)
	s.echo.DELETE("/rooms/:id", s.handleDeleteRoom, bearer)
	s.echo.GET("/jack/graph", s.handleGraph, bearer)
	s.echo.POST("/jack/connect", s.handleConnect, bearer)
	s.echo.POST("/jack/disconnect", s.handleDisconnect, bearer)
	s.echo.GET("/users", s.handleListUsers, bearer)
	s.echo.POST("/users/:id/permissions", s.handleSetPermissions, bearer)
}

// bearerMiddleware resolves the Authorization header to a user and
// stashes it in the request context. 401 on anything missing or unknown.
func (s *Server) bearerMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid Authorization header")
		}
		user, err := s.store.Resolve(c.Request().Context(), token)
		if err != nil {
			if errors.Is(err, store.ErrUnknownToken) {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			return err
		}
		c.Set(ctxUser, user)
		c.Set(ctxToken, token)
		return next(c)
	}
}

// currentUser returns the authenticated user set by bearerMiddleware.
func currentUser(c echo.Context) store.User {
	u, _ := c.Get(ctxUser).(store.User)
	return u
}

// Run serves HTTPS (or plain HTTP when tlsCfg is nil, used by tests)
// until ctx is cancelled, then drains gracefully.
func (s *Server) Run(ctx context.Context, addr string, tlsCfg *tls.Config) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tlsCfg != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("http shutdown", "err", err)
		_ = srv.Close()
	}
	return <-errCh
}
