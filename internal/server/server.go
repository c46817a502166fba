// Package server provides the HTTP surface for skytry, built on Echo v4.
// It hosts the OAuth client endpoints (metadata, login, callback, logout)
// and the small JSON API the browser UI talks to.
package server

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	slogecho "github.com/samber/slog-echo"
	"golang.org/x/crypto/hkdf"

	"github.com/primal-host/skytry/internal/config"
	"github.com/primal-host/skytry/internal/oauth"
	"github.com/primal-host/skytry/internal/publication"
)

const (
	deviceCookieName = "skytry-device"
	deviceIDKey      = "device_id"
	cookieKeyInfo    = "skytry device cookie v1"
)

// IdentityResolver is the part of identity.Resolver the handlers use.
type IdentityResolver interface {
	ResolvePDS(ctx context.Context, did string) (string, error)
	ResolveHandle(ctx context.Context, raw string) (syntax.DID, error)
}

// PublicationLister is the part of publication.Resolver the handlers use.
type PublicationLister interface {
	ListDocuments(ctx context.Context, origin string) (*publication.Listing, error)
}

// Deps are the application services the server routes to.
type Deps struct {
	Flow         *oauth.Flow
	Manager      *oauth.Manager
	Identity     IdentityResolver
	Publications PublicationLister
	Logger       *slog.Logger
}

// Server wraps the Echo instance and application dependencies.
type Server struct {
	echo     *echo.Echo
	cfg      *config.Config
	flow     *oauth.Flow
	manager  *oauth.Manager
	identity IdentityResolver
	pubs     PublicationLister
	cookies  *sessions.CookieStore
	registry *prometheus.Registry
	logger   *slog.Logger
}

// New creates a configured Echo server with all routes registered.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cookies, err := newCookieStore(cfg)
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true // We log the listen address ourselves.

	registry := prometheus.NewRegistry()
	e.Use(middleware.Recover())
	e.Use(slogecho.New(logger))
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "skytry",
		Registerer: registry,
	}))

	s := &Server{
		echo:     e,
		cfg:      cfg,
		flow:     deps.Flow,
		manager:  deps.Manager,
		identity: deps.Identity,
		pubs:     deps.Publications,
		cookies:  cookies,
		registry: registry,
		logger:   logger,
	}

	s.registerRoutes()
	return s, nil
}

// ServeHTTP lets the server be driven directly, e.g. by httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start begins listening for HTTP requests. It blocks until the context
// is cancelled, then performs a graceful shutdown allowing in-flight
// requests to complete.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.cfg.ListenAddr)
		if err := s.echo.Start(s.cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		return s.echo.Shutdown(context.Background())
	}
}

// newCookieStore derives the cookie signing and encryption keys from the
// configured secret.
func newCookieStore(cfg *config.Config) (*sessions.CookieStore, error) {
	keys := make([]byte, 64)
	kdf := hkdf.New(sha256.New, []byte(cfg.SessionSecret), nil, []byte(cookieKeyInfo))
	if _, err := io.ReadFull(kdf, keys); err != nil {
		return nil, fmt.Errorf("server: derive cookie keys: %w", err)
	}

	store := sessions.NewCookieStore(keys[:32], keys[32:])
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   30 * 24 * 60 * 60,
		HttpOnly: true,
		Secure:   strings.HasPrefix(cfg.PublicURL, "https://"),
		SameSite: http.SameSiteLaxMode,
	}
	return store, nil
}

// deviceID returns the device id from the cookie, or "" if the browser
// has none.
func (s *Server) deviceID(c echo.Context) string {
	sess, err := s.cookies.Get(c.Request(), deviceCookieName)
	if err != nil {
		return ""
	}
	id, _ := sess.Values[deviceIDKey].(string)
	return id
}

// ensureDeviceID returns the device id, issuing a new cookie if needed.
func (s *Server) ensureDeviceID(c echo.Context) (string, error) {
	if id := s.deviceID(c); id != "" {
		return id, nil
	}
	// A cookie that fails to decode (rotated secret) is replaced.
	sess, _ := s.cookies.Get(c.Request(), deviceCookieName)
	id := uuid.NewString()
	sess.Values[deviceIDKey] = id
	if err := sess.Save(c.Request(), c.Response()); err != nil {
		return "", fmt.Errorf("server: save device cookie: %w", err)
	}
	return id, nil
}

// jsonError writes the standard error body.
func jsonError(c echo.Context, status int, code, message string) error {
	return c.JSON(status, map[string]string{
		"error":   code,
		"message": message,
	})
}
