package handlers

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/apperrors"
	"github.com/Ramsey-B/clover/pkg/connectors"
	"github.com/Ramsey-B/clover/pkg/credentials"
	"github.com/Ramsey-B/clover/pkg/models"
)

type ConnectorService interface {
	Create(ctx context.Context, req connectors.CreateRequest) (uuid.UUID, error)
	GetForTenant(ctx context.Context, tenantID, id uuid.UUID) (*models.Connector, error)
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]models.Connector, error)
	Disconnect(ctx context.Context, id uuid.UUID) error
	ListLogs(ctx context.Context, id uuid.UUID, limit int) ([]models.ConnectorLog, error)
	StoreProviderConfig(ctx context.Context, id uuid.UUID, cfg credentials.KintoneConfig) error
}

// ConnectorHandler handles connector API requests
type ConnectorHandler struct {
	connectors ConnectorService
}

func NewConnectorHandler(connectors ConnectorService) *ConnectorHandler {
	return &ConnectorHandler{connectors: connectors}
}

type CreateConnectorRequest struct {
	Provider string         `json:"provider" validate:"required,oneof=kintone hubspot"`
	Config   map[string]any `json:"config"`
	Scopes   []string       `json:"scopes"`
}

type ProviderConfigRequest struct {
	ClientID     string `json:"client_id" validate:"required"`
	ClientSecret string `json:"client_secret" validate:"required"`
	Subdomain    string `json:"subdomain" validate:"required_without=Domain"`
	Domain       string `json:"domain" validate:"omitempty,hostname|url"`
}

type DisconnectRequest struct {
	TenantID    string `json:"tenantId" validate:"required,uuid"`
	ConnectorID string `json:"connectorId" validate:"omitempty,uuid"`
}

type DisconnectResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// RegisterRoutes registers the tenant scoped connector routes
func (h *ConnectorHandler) RegisterRoutes(g *echo.Group) {
	c := g.Group("/connectors")
	c.POST("", h.Create)
	c.GET("", h.List)
	c.GET("/:id", h.Get)
	c.GET("/:id/logs", h.Logs)
	c.PUT("/:id/provider-config", h.PutProviderConfig)
}

// RegisterDisconnect registers POST /connectors/:id/disconnect
func (h *ConnectorHandler) RegisterDisconnect(e *echo.Echo) {
	e.POST("/connectors/:id/disconnect", h.Disconnect)
}

// Create handles POST /connectors
func (h *ConnectorHandler) Create(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}

	req, err := BindRequest[CreateConnectorRequest](c)
	if err != nil {
		return err
	}

	id, err := h.connectors.Create(ctx, connectors.CreateRequest{
		TenantID: tenantID,
		Provider: models.Provider(req.Provider),
		Config:   req.Config,
		Scopes:   req.Scopes,
	})
	if err != nil {
		return err
	}

	connector, err := h.connectors.GetForTenant(ctx, tenantID, id)
	if err != nil {
		return err
	}
	return CreatedResponse(c, connector)
}

// List handles GET /connectors
func (h *ConnectorHandler) List(c echo.Context) error {
	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}

	list, err := h.connectors.ListByTenant(c.Request().Context(), tenantID)
	if err != nil {
		return err
	}
	return SuccessResponse(c, list)
}

func (h *ConnectorHandler) owned(c echo.Context) (*models.Connector, error) {
	tenantID, err := GetTenantID(c)
	if err != nil {
		return nil, err
	}
	id, err := ParseUUID(c, "id")
	if err != nil {
		return nil, err
	}
	return h.connectors.GetForTenant(c.Request().Context(), tenantID, id)
}

// Get handles GET /connectors/:id
func (h *ConnectorHandler) Get(c echo.Context) error {
	connector, err := h.owned(c)
	if err != nil {
		return err
	}
	return SuccessResponse(c, connector)
}

// Logs handles GET /connectors/:id/logs?limit
func (h *ConnectorHandler) Logs(c echo.Context) error {
	connector, err := h.owned(c)
	if err != nil {
		return err
	}

	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > 1000 {
			return BadRequest("limit must be between 1 and 1000")
		}
	}

	logs, err := h.connectors.ListLogs(c.Request().Context(), connector.ID, limit)
	if err != nil {
		return err
	}
	return SuccessResponse(c, logs)
}

// PutProviderConfig handles PUT /connectors/:id/provider-config
func (h *ConnectorHandler) PutProviderConfig(c echo.Context) error {
	connector, err := h.owned(c)
	if err != nil {
		return err
	}

	req, err := BindRequest[ProviderConfigRequest](c)
	if err != nil {
		return err
	}

	err = h.connectors.StoreProviderConfig(c.Request().Context(), connector.ID, credentials.KintoneConfig{
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		Subdomain:    req.Subdomain,
		Domain:       req.Domain,
	})
	if err != nil {
		return err
	}
	return SuccessResponse(c, map[string]any{"ok": true})
}

// Disconnect handles POST /connectors/:id/disconnect. The body names the
// tenant that owns the connector.
func (h *ConnectorHandler) Disconnect(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	req, err := BindRequest[DisconnectRequest](c)
	if err != nil {
		return err
	}
	if req.ConnectorID != "" && req.ConnectorID != id.String() {
		return apperrors.Validation("connectorId does not match the path")
	}

	tenantID := uuid.MustParse(req.TenantID)
	if _, err := h.connectors.GetForTenant(ctx, tenantID, id); err != nil {
		return err
	}

	if err := h.connectors.Disconnect(ctx, id); err != nil {
		return err
	}
	return SuccessResponse(c, DisconnectResponse{Success: true, Message: "connector disconnected"})
}
