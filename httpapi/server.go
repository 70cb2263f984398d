// Package httpapi exposes the engine's Submission API (§6) as JSON-over-HTTP
// endpoints on an Echo server, plus a websocket control channel for
// streaming the engine's emitted events to a connected dashboard without
// polling.
package httpapi

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	httputil "eve.evalgo.org/http"
)

// Config bounds the server's middleware stack and auth requirements.
type Config struct {
	httputil.ServerConfig
	APIKey       string // non-empty enables authMiddleware's X-API-Key check as the fallback auth scheme
	JWTEnabled   bool
	JWTSecret    string
	JWKSUrl      string // non-empty enables jwx-verified bearer tokens via a fetched JWKS
	OIDCIssuer   string // non-empty enables OIDC-verified bearer tokens, taking precedence over JWKSUrl
	OIDCClientID string
}

// DefaultConfig mirrors the teacher's DefaultServerConfig with the engine's
// own sane auth defaults layered on top.
func DefaultConfig() Config {
	return Config{
		ServerConfig: httputil.ServerConfig{
			Port:            8090,
			BodyLimit:       "2M",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
			RateLimit:       50,
		},
	}
}

// NewServer builds an Echo instance with the standard middleware stack and
// registers every Submission API route plus the control-channel websocket.
func NewServer(cfg Config, h *Handlers, log logrus.FieldLogger) *echo.Echo {
	if log == nil {
		log = logrus.StandardLogger()
	}

	e := httputil.NewEchoServer(cfg.ServerConfig)
	e.HTTPErrorHandler = httputil.CustomHTTPErrorHandler
	e.Use(httputil.SecurityHeadersMiddleware())

	e.GET("/healthz", httputil.HealthCheckHandlerWithDetails("workflow-engine", "v1", func() map[string]interface{} {
		return map[string]interface{}{"time": time.Now().UTC()}
	}))

	api := e.Group("/v1/instances")
	api.Use(authMiddleware(cfg, log))

	api.POST("", h.CreateInstance)
	api.POST("/:id/start", h.StartInstance)
	api.POST("/:id/pause", h.PauseInstance)
	api.POST("/:id/resume", h.ResumeInstance)
	api.POST("/:id/cancel", h.CancelInstance)
	api.GET("/:id", h.GetInstance)
	api.GET("", h.ListInstances)

	e.GET("/v1/ws", h.ControlChannel, authMiddleware(cfg, log))

	return e
}
