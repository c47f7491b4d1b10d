package handlers

import (
	"context"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/apperrors"
	"github.com/Ramsey-B/clover/pkg/models"
)

type SchemaSyncer interface {
	SyncApps(ctx context.Context, connectorID uuid.UUID) (int, error)
	SyncFields(ctx context.Context, connectorID uuid.UUID, appID string) (int, error)
}

type ConnectorOwner interface {
	GetForTenant(ctx context.Context, tenantID, id uuid.UUID) (*models.Connector, error)
}

// IntegrationHandler triggers schema syncs of a connector
type IntegrationHandler struct {
	connectors ConnectorOwner
	schema     SchemaSyncer
}

func NewIntegrationHandler(connectors ConnectorOwner, schema SchemaSyncer) *IntegrationHandler {
	return &IntegrationHandler{connectors: connectors, schema: schema}
}

type SyncResponse struct {
	OK       bool `json:"ok"`
	Upserted int  `json:"upserted"`
}

// RegisterRoutes registers the schema sync routes behind the given tenant
// authentication middleware
func (h *IntegrationHandler) RegisterRoutes(e *echo.Echo, m ...echo.MiddlewareFunc) {
	apps := e.Group("/integrations/:provider/apps", m...)
	apps.POST("/sync", h.SyncApps)
	apps.POST("/:appId/fields/sync", h.SyncFields)
}

func (h *IntegrationHandler) connector(c echo.Context) (*models.Connector, error) {
	if models.Provider(c.Param("provider")) != models.ProviderKintone {
		return nil, apperrors.Validation("schema sync is not supported for provider %q", c.Param("provider"))
	}
	tenantID, err := GetTenantID(c)
	if err != nil {
		return nil, err
	}
	connectorID, err := QueryUUID(c, "connectorId")
	if err != nil {
		return nil, err
	}
	return h.connectors.GetForTenant(c.Request().Context(), tenantID, connectorID)
}

// SyncApps handles POST /integrations/:provider/apps/sync?connectorId
func (h *IntegrationHandler) SyncApps(c echo.Context) error {
	connector, err := h.connector(c)
	if err != nil {
		return err
	}

	n, err := h.schema.SyncApps(c.Request().Context(), connector.ID)
	if err != nil {
		return err
	}
	return SuccessResponse(c, SyncResponse{OK: true, Upserted: n})
}

// SyncFields handles POST /integrations/:provider/apps/:appId/fields/sync?connectorId
func (h *IntegrationHandler) SyncFields(c echo.Context) error {
	connector, err := h.connector(c)
	if err != nil {
		return err
	}

	n, err := h.schema.SyncFields(c.Request().Context(), connector.ID, c.Param("appId"))
	if err != nil {
		return err
	}
	return SuccessResponse(c, SyncResponse{OK: true, Upserted: n})
}
