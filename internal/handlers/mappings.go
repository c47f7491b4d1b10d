package handlers

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/apperrors"
	"github.com/Ramsey-B/clover/pkg/kintone"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/targets"
)

// MappingHandler manages app and field mappings of a tenant's connectors
type MappingHandler struct {
	connectors ConnectorOwner
	apps       repositories.AppMappingRepo
	fields     repositories.FieldMappingRepo
	catalog    *targets.Catalog
}

func NewMappingHandler(
	connectors ConnectorOwner,
	apps repositories.AppMappingRepo,
	fields repositories.FieldMappingRepo,
	catalog *targets.Catalog,
) *MappingHandler {
	return &MappingHandler{
		connectors: connectors,
		apps:       apps,
		fields:     fields,
		catalog:    catalog,
	}
}

type CreateAppMappingRequest struct {
	ConnectorID          string  `json:"connector_id" validate:"required,uuid"`
	SourceAppID          string  `json:"source_app_id" validate:"required,numeric"`
	SourceAppName        string  `json:"source_app_name"`
	TargetAppType        string  `json:"target_app_type" validate:"required"`
	SkipIfNoUpdateTarget bool    `json:"skip_if_no_update_target"`
	RecordFilter         *string `json:"record_filter"`
}

type FieldMappingRequest struct {
	SourceFieldCode string  `json:"source_field_code" validate:"required"`
	SourceFieldName string  `json:"source_field_name"`
	SourceFieldType string  `json:"source_field_type"`
	TargetFieldID   *string `json:"target_field_id"`
	TargetFieldCode string  `json:"target_field_code" validate:"required"`
	IsRequired      bool    `json:"is_required"`
	IsUpdateKey     bool    `json:"is_update_key"`
}

type ReplaceFieldMappingsRequest struct {
	Fields []FieldMappingRequest `json:"fields" validate:"dive"`
}

func (h *MappingHandler) RegisterRoutes(g *echo.Group) {
	m := g.Group("/app-mappings")
	m.POST("", h.Create)
	m.GET("/:id", h.Get)
	m.POST("/:id/activate", h.Activate)
	m.GET("/:id/fields", h.ListFields)
	m.PUT("/:id/fields", h.ReplaceFields)
}

// Create handles POST /app-mappings. New mappings start inactive.
func (h *MappingHandler) Create(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}

	req, err := BindRequest[CreateAppMappingRequest](c)
	if err != nil {
		return err
	}

	if _, ok := h.catalog.Lookup(req.TargetAppType); !ok {
		return apperrors.Validation("unknown target_app_type %q", req.TargetAppType).With("allowed", h.catalog.Types())
	}

	if req.RecordFilter != nil {
		if err := kintone.ValidateRecordFilter(*req.RecordFilter); err != nil {
			return err
		}
	}

	connector, err := h.connectors.GetForTenant(ctx, tenantID, uuid.MustParse(req.ConnectorID))
	if err != nil {
		return err
	}
	if connector.Provider != models.ProviderKintone {
		return apperrors.Validation("app mappings require a kintone connector")
	}

	mapping := &models.AppMapping{
		ConnectorID:          connector.ID,
		SourceAppID:          req.SourceAppID,
		SourceAppName:        req.SourceAppName,
		TargetAppType:        req.TargetAppType,
		SkipIfNoUpdateTarget: req.SkipIfNoUpdateTarget,
		RecordFilter:         req.RecordFilter,
	}
	if err := h.apps.Create(ctx, mapping); err != nil {
		return err
	}
	return CreatedResponse(c, mapping)
}

func (h *MappingHandler) owned(c echo.Context) (*models.AppMapping, error) {
	ctx := c.Request().Context()

	tenantID, err := GetTenantID(c)
	if err != nil {
		return nil, err
	}
	id, err := ParseUUID(c, "id")
	if err != nil {
		return nil, err
	}

	mapping, err := h.apps.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	// mappings of another tenant's connector read as missing
	if _, err := h.connectors.GetForTenant(ctx, tenantID, mapping.ConnectorID); err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.NotFound("app mapping %s does not exist", id)
		}
		return nil, err
	}
	return mapping, nil
}

// Get handles GET /app-mappings/:id
func (h *MappingHandler) Get(c echo.Context) error {
	mapping, err := h.owned(c)
	if err != nil {
		return err
	}
	return SuccessResponse(c, mapping)
}

// Activate handles POST /app-mappings/:id/activate
func (h *MappingHandler) Activate(c echo.Context) error {
	mapping, err := h.owned(c)
	if err != nil {
		return err
	}

	activated, err := h.apps.Activate(c.Request().Context(), mapping.ID)
	if err != nil {
		return err
	}
	return SuccessResponse(c, activated)
}

// ListFields handles GET /app-mappings/:id/fields
func (h *MappingHandler) ListFields(c echo.Context) error {
	mapping, err := h.owned(c)
	if err != nil {
		return err
	}

	fields, err := h.fields.ListActive(c.Request().Context(), mapping.ID)
	if err != nil {
		return err
	}
	return SuccessResponse(c, fields)
}

// ReplaceFields handles PUT /app-mappings/:id/fields
func (h *MappingHandler) ReplaceFields(c echo.Context) error {
	mapping, err := h.owned(c)
	if err != nil {
		return err
	}

	req, err := BindRequest[ReplaceFieldMappingsRequest](c)
	if err != nil {
		return err
	}

	table, ok := h.catalog.Lookup(mapping.TargetAppType)
	if !ok {
		return apperrors.Validation("unknown target_app_type %q", mapping.TargetAppType)
	}

	seen := map[string]bool{}
	fields := make([]models.FieldMapping, 0, len(req.Fields))
	for i, f := range req.Fields {
		if !table.Allows(f.TargetFieldCode) {
			return apperrors.Validation("column %q is not writable on %s", f.TargetFieldCode, table.Name).
				With("allowed", table.ColumnNames())
		}
		if seen[f.TargetFieldCode] {
			return apperrors.Validation("column %q is mapped twice", f.TargetFieldCode)
		}
		seen[f.TargetFieldCode] = true

		fields = append(fields, models.FieldMapping{
			SourceFieldCode: f.SourceFieldCode,
			SourceFieldName: f.SourceFieldName,
			SourceFieldType: f.SourceFieldType,
			TargetFieldID:   f.TargetFieldID,
			TargetFieldCode: f.TargetFieldCode,
			TargetFieldType: string(table.Columns[f.TargetFieldCode]),
			IsRequired:      f.IsRequired,
			IsUpdateKey:     f.IsUpdateKey,
			IsActive:        true,
			SortOrder:       i,
		})
	}

	if err := h.fields.Replace(c.Request().Context(), mapping.ID, fields); err != nil {
		return err
	}
	return SuccessResponse(c, fields)
}
