package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/auth"
)

type OAuthFlow interface {
	Start(ctx context.Context, req auth.StartRequest) (string, error)
	Callback(ctx context.Context, req auth.CallbackRequest) (string, error)
}

// AuthHandler serves the browser facing OAuth redirects
type AuthHandler struct {
	flow OAuthFlow
}

func NewAuthHandler(flow OAuthFlow) *AuthHandler {
	return &AuthHandler{flow: flow}
}

func (h *AuthHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/auth/:provider")
	g.GET("/start", h.Start)
	g.GET("/callback", h.Callback)
}

func origin(c echo.Context) auth.RequestOrigin {
	req := c.Request()
	return auth.RequestOrigin{
		ForwardedProto: req.Header.Get(echo.HeaderXForwardedProto),
		ForwardedHost:  req.Header.Get("X-Forwarded-Host"),
		Scheme:         c.Scheme(),
		Host:           req.Host,
	}
}

// Start handles GET /auth/:provider/start?connectorId&tenantId&returnTo
func (h *AuthHandler) Start(c echo.Context) error {
	connectorID, err := QueryUUID(c, "connectorId")
	if err != nil {
		return err
	}

	req := auth.StartRequest{
		Provider:    c.Param("provider"),
		ConnectorID: connectorID,
		ReturnTo:    c.QueryParam("returnTo"),
		Origin:      origin(c),
	}
	if raw := c.QueryParam("tenantId"); raw != "" {
		tenantID, err := uuid.Parse(raw)
		if err != nil {
			return BadRequest("invalid tenantId: must be a valid UUID")
		}
		req.TenantID = &tenantID
	}

	redirectURL, err := h.flow.Start(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.Redirect(http.StatusFound, redirectURL)
}

// Callback handles GET /auth/:provider/callback
func (h *AuthHandler) Callback(c echo.Context) error {
	returnTo, err := h.flow.Callback(c.Request().Context(), auth.CallbackRequest{
		Provider:         c.Param("provider"),
		Code:             c.QueryParam("code"),
		State:            c.QueryParam("state"),
		Error:            c.QueryParam("error"),
		ErrorDescription: c.QueryParam("error_description"),
		Origin:           origin(c),
	})
	if err != nil {
		return err
	}
	return c.Redirect(http.StatusFound, returnTo)
}
