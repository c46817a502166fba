package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/primal-host/skytry/internal/oauth"
)

// handleLogin starts a sign-in and redirects the browser to the
// authorization server.
// GET /oauth/login?pds=<url>&handle=<handle>
//
// With only a handle, the account's PDS is found through its DID document.
// With neither, the configured default PDS is used.
func (s *Server) handleLogin(c echo.Context) error {
	ctx := c.Request().Context()
	pds := strings.TrimSpace(c.QueryParam("pds"))
	handle := strings.TrimPrefix(strings.TrimSpace(c.QueryParam("handle")), "@")

	deviceID, err := s.ensureDeviceID(c)
	if err != nil {
		s.logger.Error("device cookie", "err", err)
		return jsonError(c, http.StatusInternalServerError, "InternalError", "Failed to start sign-in")
	}

	if pds == "" && handle != "" {
		did, err := s.identity.ResolveHandle(ctx, handle)
		if err != nil {
			s.logger.Info("handle resolution failed", "handle", handle, "err", err)
			return jsonError(c, http.StatusBadGateway, "HandleNotFound", "Could not find an account for "+handle)
		}
		pds, err = s.identity.ResolvePDS(ctx, did.String())
		if err != nil || pds == "" {
			s.logger.Info("pds resolution failed", "did", did, "err", err)
			return jsonError(c, http.StatusBadGateway, "PDSNotFound", "Could not find the server hosting "+handle)
		}
	}
	if pds == "" {
		pds = s.cfg.DefaultPDS
	}

	redirect, err := s.flow.StartAuth(ctx, oauth.StartParams{
		PDSURL:    pds,
		LoginHint: handle,
		DeviceID:  deviceID,
	})
	if err != nil {
		s.logger.Warn("sign-in start failed", "pds", pds, "err", err)
		return jsonError(c, http.StatusBadGateway, "AuthorizationFailed", oauth.UserMessage(err))
	}
	return c.Redirect(http.StatusFound, redirect)
}

// handleCallback completes a sign-in. The browser always lands back on
// the app root with the query stripped; a rejected callback simply leaves
// the device signed out.
// GET /oauth/callback?code=&state=&iss=
func (s *Server) handleCallback(c echo.Context) error {
	deviceID := s.deviceID(c)
	if deviceID == "" {
		s.logger.Debug("callback without device cookie")
		return c.Redirect(http.StatusSeeOther, "/")
	}

	_, err := s.flow.HandleCallback(c.Request().Context(), oauth.CallbackParams{
		DeviceID: deviceID,
		State:    c.QueryParam("state"),
		Code:     c.QueryParam("code"),
		Issuer:   c.QueryParam("iss"),
		Error:    c.QueryParam("error"),
	})
	switch {
	case errors.Is(err, oauth.ErrCallbackValidation):
		s.logger.Debug("callback rejected", "deviceID", deviceID, "err", err)
	case err != nil:
		s.logger.Warn("sign-in failed", "deviceID", deviceID, "err", err)
	}
	return c.Redirect(http.StatusSeeOther, "/")
}

// handleLogout forgets the device's session.
// POST /oauth/logout
func (s *Server) handleLogout(c echo.Context) error {
	if deviceID := s.deviceID(c); deviceID != "" {
		if err := s.manager.Logout(c.Request().Context(), deviceID); err != nil {
			s.logger.Error("logout failed", "deviceID", deviceID, "err", err)
			return jsonError(c, http.StatusInternalServerError, "InternalError", "Failed to sign out")
		}
	}
	return c.JSON(http.StatusOK, map[string]bool{
		"signedIn": false,
	})
}
