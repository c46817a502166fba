package server

import (
	"net/http"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/primal-host/skytry/internal/oauth"
)

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	s.echo.GET("/_health", s.handleHealth)
	s.echo.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{
		Gatherer: prometheus.Gatherers{prometheus.DefaultGatherer, s.registry},
	}))

	// --- OAuth client ---
	s.echo.GET(oauth.ClientMetadataPath, s.handleClientMetadata)
	s.echo.GET("/oauth/login", s.handleLogin)
	s.echo.GET(oauth.CallbackPath, s.handleCallback)
	s.echo.POST("/oauth/logout", s.handleLogout)

	// --- Browser API ---
	s.echo.GET("/api/session", s.handleSession)
	s.echo.GET("/api/timeline", s.handleTimeline)
	s.echo.GET("/api/sites/documents", s.handleSiteDocuments)
	s.echo.GET("/api/identity/pds", s.handleIdentityPDS)
}

// handleHealth returns basic server health information.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"version": "0.1.0",
	})
}

// handleClientMetadata serves the document the authorization server
// fetches from the client_id URL.
func (s *Server) handleClientMetadata(c echo.Context) error {
	return c.JSON(http.StatusOK, s.flow.Client.Metadata())
}
