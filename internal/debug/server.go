// Package debug exposes the local observability endpoints: Prometheus
// metrics and a health snapshot of the running session.
package debug

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SessionStatus is the session state the health endpoint reports.
type SessionStatus interface {
	SessionID() string
	SubscriptionCount() int
}

type Server struct {
	echo      *echo.Echo
	addr      string
	session   SessionStatus
	startTime time.Time
}

func NewServer(addr string, session SessionStatus) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:      e,
		addr:      addr,
		session:   session,
		startTime: time.Now(),
	}

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/healthz", s.handleHealthz)

	return s
}

func (s *Server) Start() error {
	return s.echo.Start(s.addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealthz(c echo.Context) error {
	sessionID := s.session.SessionID()
	status := "ok"
	if sessionID == "" {
		// dialled but no welcome yet
		status = "connecting"
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":        status,
		"uptime":        time.Since(s.startTime).Seconds(),
		"session_id":    sessionID,
		"subscriptions": s.session.SubscriptionCount(),
	})
}
