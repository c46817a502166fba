package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/labstack/echo/v4"

	"github.com/primal-host/skytry/internal/dpop"
	"github.com/primal-host/skytry/internal/oauth"
	"github.com/primal-host/skytry/internal/publication"
	"github.com/primal-host/skytry/internal/xrpc"
)

// handleSession returns the signed-in account, resolving its handle on
// first use.
// GET /api/session
func (s *Server) handleSession(c echo.Context) error {
	ctx := c.Request().Context()
	sess, err := s.currentSession(c)
	if err != nil {
		return s.sessionError(c, err)
	}
	sess = s.manager.ResolveHandle(ctx, sess)
	return c.JSON(http.StatusOK, sess.Snapshot())
}

// handleTimeline proxies app.bsky.feed.getTimeline through the device's
// DPoP-bound session.
// GET /api/timeline?cursor=<cursor>
func (s *Server) handleTimeline(c echo.Context) error {
	sess, err := s.currentSession(c)
	if err != nil {
		return s.sessionError(c, err)
	}

	auth := s.manager.AuthClient(sess.DeviceID)
	client := xrpc.NewClient(sess.PDSURL, auth.HTTP, auth)
	timeline, err := client.GetTimeline(c.Request().Context(), c.QueryParam("cursor"), 0)
	if err != nil {
		switch aerr := xrpc.AsAPIError(err); {
		case errors.Is(err, oauth.ErrNoSession), isRefreshError(err):
			return s.sessionError(c, err)
		case aerr != nil:
			s.logger.Info("timeline request failed", "did", sess.DID, "statusCode", aerr.StatusCode, "error", aerr.Name)
			return jsonError(c, http.StatusBadGateway, "UpstreamError", aerr.Error())
		}
		s.logger.Warn("timeline request failed", "did", sess.DID, "err", err)
		return jsonError(c, http.StatusBadGateway, "UpstreamError", "Could not load the timeline")
	}
	return c.JSON(http.StatusOK, timeline)
}

// handleSiteDocuments lists a site's publication documents.
// GET /api/sites/documents?origin=<site>
func (s *Server) handleSiteDocuments(c echo.Context) error {
	origin, err := publication.NormalizeOrigin(c.QueryParam("origin"))
	if err != nil {
		return jsonError(c, http.StatusBadRequest, "InvalidRequest", "origin must be a site address")
	}

	listing, err := s.pubs.ListDocuments(c.Request().Context(), origin)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, listing)
	case errors.Is(err, publication.ErrNotAPublication):
		return jsonError(c, http.StatusNotFound, "NotAPublication", origin+" does not declare a publication")
	case errors.Is(err, publication.ErrPDSNotFound):
		return jsonError(c, http.StatusNotFound, "PDSNotFound", "The publication's account has no data server")
	case errors.Is(err, publication.ErrInvalidATURI):
		return jsonError(c, http.StatusUnprocessableEntity, "InvalidPublication", origin+" declares an invalid publication URI")
	}
	s.logger.Warn("site listing failed", "origin", origin, "err", err)
	return jsonError(c, http.StatusBadGateway, "UpstreamError", "Could not load the site's documents")
}

// handleIdentityPDS resolves a DID to its PDS endpoint.
// GET /api/identity/pds?did=<did>
func (s *Server) handleIdentityPDS(c echo.Context) error {
	raw := strings.TrimSpace(c.QueryParam("did"))
	if _, err := syntax.ParseDID(raw); err != nil {
		return jsonError(c, http.StatusBadRequest, "InvalidRequest", "did must be a valid DID")
	}

	pds, err := s.identity.ResolvePDS(c.Request().Context(), raw)
	if err != nil {
		s.logger.Warn("pds lookup failed", "did", raw, "err", err)
		return jsonError(c, http.StatusBadGateway, "UpstreamError", "Could not resolve "+raw)
	}
	if pds == "" {
		return jsonError(c, http.StatusNotFound, "PDSNotFound", "No PDS is declared for "+raw)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"did": raw,
		"pds": pds,
	})
}

// currentSession loads the device's session, or oauth.ErrNoSession.
func (s *Server) currentSession(c echo.Context) (*oauth.Session, error) {
	deviceID := s.deviceID(c)
	if deviceID == "" {
		return nil, oauth.ErrNoSession
	}
	return s.manager.Session(c.Request().Context(), deviceID)
}

// sessionError maps a missing or expired session to 401 and anything else
// to 500.
func (s *Server) sessionError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, oauth.ErrNoSession):
		return jsonError(c, http.StatusUnauthorized, "AuthRequired", oauth.UserMessage(oauth.ErrNoSession))
	case isRefreshError(err):
		return jsonError(c, http.StatusUnauthorized, "SessionExpired", oauth.UserMessage(err))
	}
	s.logger.Error("session load failed", "err", err)
	return jsonError(c, http.StatusInternalServerError, "InternalError", "Failed to load session")
}

// isRefreshError reports whether err ended the session during a refresh.
func isRefreshError(err error) bool {
	var rerr *oauth.RefreshError
	return errors.As(err, &rerr) || errors.Is(err, dpop.ErrConfiguration)
}
