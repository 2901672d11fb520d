// Package httpserver exposes the voice console over HTTP: the session
// websocket, system health, intent classification and metrics.
package httpserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/chadiek/voice-console/internal/backend"
)

// Backend is the part of the backend API served directly over HTTP.
type Backend interface {
	Health(ctx context.Context) (backend.Health, error)
	MCPStatus(ctx context.Context) (backend.MCPStatus, error)
	ClassifyIntent(ctx context.Context, text string) (backend.Intent, error)
}

type Deps struct {
	Backend Backend
	// Relay serves GET /ws.
	Relay http.Handler
	// Metrics serves GET /metrics; nil leaves the route out.
	Metrics http.Handler
	// AuthToken guards /ws and /api when set.
	AuthToken string
	Logger    zerolog.Logger
}

// Server bundles the router and its dependencies.
type Server struct {
	Echo *echo.Echo
	deps Deps
}

// SystemHealth is the aggregated report behind GET /api/system/health.
type SystemHealth struct {
	Status  string             `json:"status"`
	Backend *backend.Health    `json:"backend,omitempty"`
	MCP     *backend.MCPStatus `json:"mcp,omitempty"`
	Error   string             `json:"error,omitempty"`
}

func New(d Deps) *Server {
	s := &Server{Echo: NewRouter(d.Logger), deps: d}
	e := s.Echo

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if d.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(d.Metrics))
	}

	guard := tokenAuth(d.AuthToken)
	if d.Relay != nil {
		e.GET("/ws", echo.WrapHandler(d.Relay), guard)
	}
	api := e.Group("/api", guard)
	api.GET("/system/health", s.systemHealth)
	api.POST("/intent", s.classifyIntent)
	return s
}

// ServeHTTP lets the server be mounted as a plain handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.Echo.ServeHTTP(w, r) }

// CheckHealth aggregates backend liveness and tool server status. The error
// is non-nil only when the backend cannot be reached.
func CheckHealth(ctx context.Context, be Backend) (SystemHealth, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	h, err := be.Health(ctx)
	if err != nil {
		return SystemHealth{Status: "unreachable", Error: err.Error()}, err
	}
	out := SystemHealth{Status: "degraded", Backend: &h}
	if h.OK() {
		out.Status = "ok"
	}
	mcp, err := be.MCPStatus(ctx)
	if err != nil {
		out.Status = "degraded"
		out.Error = err.Error()
		return out, nil
	}
	out.MCP = &mcp
	if mcp.Summary.Running < mcp.Summary.Total {
		out.Status = "degraded"
	}
	return out, nil
}

func (s *Server) systemHealth(c echo.Context) error {
	report, err := CheckHealth(c.Request().Context(), s.deps.Backend)
	if err != nil {
		s.deps.Logger.Warn().Err(err).Msg("backend health check failed")
		return c.JSON(http.StatusBadGateway, report)
	}
	return c.JSON(http.StatusOK, report)
}

type intentRequest struct {
	Text string `json:"text"`
}

func (s *Server) classifyIntent(c echo.Context) error {
	var req intentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}
	in, err := s.deps.Backend.ClassifyIntent(c.Request().Context(), req.Text)
	if err != nil {
		s.deps.Logger.Warn().Err(err).Msg("intent classification failed")
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, in)
}

// tokenAuth accepts the token as ?token=, an Authorization bearer or
// X-Auth-Token. An empty token disables the check.
func tokenAuth(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !authorized(c.Request(), token) {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			return next(c)
		}
	}
}

func authorized(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	if r == nil {
		return false
	}
	if q := r.URL.Query().Get("token"); q != "" && q == token {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if strings.TrimSpace(ah[len("Bearer "):]) == token {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == token {
		return true
	}
	return false
}
