package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// listIntegrationsHandler handles GET /api/v1/integrations.
func (s *Server) listIntegrationsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.integrations.Configs())
}

// startIntegrationHandler handles POST /api/v1/integrations/:id/start.
func (s *Server) startIntegrationHandler(c *echo.Context) error {
	if err := s.integrations.StartIntegration(c.Request().Context(), c.Param("id")); err != nil {
		return mapServiceError(c, err)
	}
	cfg, err := s.integrations.GetConfig(c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, cfg)
}

// stopIntegrationHandler handles POST /api/v1/integrations/:id/stop.
func (s *Server) stopIntegrationHandler(c *echo.Context) error {
	if err := s.integrations.StopIntegration(c.Request().Context(), c.Param("id")); err != nil {
		return mapServiceError(c, err)
	}
	cfg, err := s.integrations.GetConfig(c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, cfg)
}

// testIntegrationHandler handles POST /api/v1/integrations/:id/test.
func (s *Server) testIntegrationHandler(c *echo.Context) error {
	result, err := s.integrations.TestConnection(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// sendIntegrationMessageHandler handles POST /api/v1/integrations/:id/messages.
func (s *Server) sendIntegrationMessageHandler(c *echo.Context) error {
	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ChatID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "chatId is required")
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}

	platformMsgID, err := s.integrations.SendMessage(c.Request().Context(),
		c.Param("id"), req.ChatID, req.Text, req.Metadata)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"platformMessageId": platformMsgID})
}
