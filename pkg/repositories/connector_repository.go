package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const connectorsTable = "connectors"

var connectorStruct = database.NewStruct(new(models.Connector))

// ConnectorRepository handles database operations for connectors
type ConnectorRepository struct {
	*Repository
}

// NewConnectorRepository creates a new connector repository
func NewConnectorRepository(db database.DB, logger ectologger.Logger) *ConnectorRepository {
	return &ConnectorRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create inserts a new connector
func (r *ConnectorRepository) Create(ctx context.Context, connector *models.Connector) error {
	ctx, span := tracing.StartSpan(ctx, "ConnectorRepository.Create")
	defer span.End()

	if connector.ID == uuid.Nil {
		connector.ID = uuid.New()
	}
	if connector.Status == "" {
		connector.Status = models.ConnectorStatusDisconnected
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(connectorsTable).
		Cols("id", "tenant_id", "provider", "provider_config", "scopes", "status", "error_message", "created_at", "updated_at").
		Values(connector.ID, connector.TenantID, connector.Provider, connector.ProviderConfig, connector.Scopes,
			connector.Status, connector.ErrorMessage, sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()")).
		Returning("created_at", "updated_at")

	query, args := ib.Build()
	err := r.Exec(ctx).QueryRowContext(ctx, query, args...).Scan(&connector.CreatedAt, &connector.UpdatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connector_id": connector.ID,
			"tenant_id":    connector.TenantID,
		}).Error("failed to create connector")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create connector")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"connector_id": connector.ID,
		"provider":     connector.Provider,
	}).Debugf("Created %s", connectorsTable)
	return nil
}

// GetByID retrieves a connector by ID. Ownership checks are the caller's job.
func (r *ConnectorRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Connector, error) {
	ctx, span := tracing.StartSpan(ctx, "ConnectorRepository.GetByID")
	defer span.End()

	sb := connectorStruct.SelectFrom(connectorsTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var connector models.Connector
	err := r.Exec(ctx).GetContext(ctx, &connector, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "connector %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connector_id": id,
		}).Error("failed to get connector by ID")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get connector by ID")
	}

	return &connector, nil
}

// ListByTenant lists the tenant's connectors, newest first
func (r *ConnectorRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]models.Connector, error) {
	ctx, span := tracing.StartSpan(ctx, "ConnectorRepository.ListByTenant")
	defer span.End()

	sb := connectorStruct.SelectFrom(connectorsTable)
	sb.Where(sb.Equal("tenant_id", tenantID))
	sb.OrderBy("created_at").Desc()

	query, args := sb.Build()
	connectors := []models.Connector{}
	if err := r.Exec(ctx).SelectContext(ctx, &connectors, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
		}).Error("failed to list connectors")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list connectors")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":       tenantID,
		"connector_count": len(connectors),
	}).Debugf("Listed %s", connectorsTable)
	return connectors, nil
}

// FindEquivalent returns a connector of the tenant with the same provider and
// provider config, or nil when there is none.
func (r *ConnectorRepository) FindEquivalent(ctx context.Context, tenantID uuid.UUID, provider models.Provider, config map[string]any) (*models.Connector, error) {
	ctx, span := tracing.StartSpan(ctx, "ConnectorRepository.FindEquivalent")
	defer span.End()

	configJSON, err := json.Marshal(config)
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "invalid provider config")
	}

	sb := connectorStruct.SelectFrom(connectorsTable)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("provider", provider),
		"provider_config = "+sb.Var(string(configJSON))+"::jsonb",
	)
	sb.Limit(1)

	query, args := sb.Build()
	var connector models.Connector
	err = r.Exec(ctx).GetContext(ctx, &connector, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
			"provider":  provider,
		}).Error("failed to look up equivalent connector")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to look up connector")
	}
	return &connector, nil
}

// ListByProviderStatus lists connectors across all tenants. Used by the
// scheduled sync, which runs outside any tenant context.
func (r *ConnectorRepository) ListByProviderStatus(ctx context.Context, provider models.Provider, status models.ConnectorStatus) ([]models.Connector, error) {
	ctx, span := tracing.StartSpan(ctx, "ConnectorRepository.ListByProviderStatus")
	defer span.End()

	sb := connectorStruct.SelectFrom(connectorsTable)
	sb.Where(sb.Equal("provider", provider), sb.Equal("status", status))
	sb.OrderBy("tenant_id", "created_at")

	query, args := sb.Build()
	connectors := []models.Connector{}
	if err := r.Exec(ctx).SelectContext(ctx, &connectors, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"provider": provider,
			"status":   status,
		}).Error("failed to list connectors by status")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list connectors")
	}
	return connectors, nil
}

// UpdateStatus sets the status and error message of a connector
func (r *ConnectorRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.ConnectorStatus, errorMessage *string) error {
	ctx, span := tracing.StartSpan(ctx, "ConnectorRepository.UpdateStatus")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(connectorsTable).
		Set(
			ub.Assign("status", status),
			ub.Assign("error_message", errorMessage),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", id))

	query, args := ub.Build()
	result, err := r.Exec(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connector_id": id,
			"status":       status,
		}).Error("failed to update connector status")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update connector status")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "connector %s does not exist", id)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"connector_id": id,
		"status":       status,
	}).Debugf("Updated %s status", connectorsTable)
	return nil
}

// UpdateProviderConfig replaces the non-secret provider settings
func (r *ConnectorRepository) UpdateProviderConfig(ctx context.Context, id uuid.UUID, config map[string]any) error {
	ctx, span := tracing.StartSpan(ctx, "ConnectorRepository.UpdateProviderConfig")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(connectorsTable).
		Set(
			ub.Assign("provider_config", database.NewJSONB(config)),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", id))

	query, args := ub.Build()
	result, err := r.Exec(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connector_id": id,
		}).Error("failed to update connector provider config")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update connector")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "connector %s does not exist", id)
	}
	return nil
}
