package api

import (
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsAuthFailure is the close code for a failed handshake authentication.
const wsAuthFailure websocket.StatusCode = 4401

// wsHandler handles GET /ws/metrics. The token arrives as ?token= because
// the browser WebSocket handshake cannot inject an Authorization header.
// Unauthenticated sockets are accepted then immediately closed with 4401 so
// the client sees a deliberate auth failure rather than a dropped upgrade.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.hub == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "WebSocket not available")
	}

	identity, authenticated := s.auth.authenticate(c.QueryParam("token"))

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: s.cfg.Server.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	if !authenticated {
		_ = conn.Close(wsAuthFailure, "authentication required")
		return nil
	}

	// HandleConnection blocks until the socket closes.
	s.hub.HandleConnection(c.Request().Context(), conn, identity.UserID, identity.Role)
	return nil
}
