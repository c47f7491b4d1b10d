// Package connectors owns the lifecycle of tenant connectors: creation with
// duplicate detection, status transitions, disconnection and the audit log.
package connectors

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/apperrors"
	"github.com/Ramsey-B/clover/pkg/credentials"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const (
	EventCreated               = "connector.created"
	EventStatusChanged         = "connector.status_changed"
	EventDisconnected          = "connector.disconnected"
	EventProviderConfigUpdated = "connector.provider_config_updated"
)

// CredentialStore is the credential access the manager needs
type CredentialStore interface {
	Store(ctx context.Context, connectorID uuid.UUID, credType models.CredentialType, v any) error
	Delete(ctx context.Context, connectorID uuid.UUID, types ...models.CredentialType) (int64, error)
}

// EventPublisher publishes connector events for downstream consumers
type EventPublisher interface {
	PublishConnectorEvent(ctx context.Context, evt *kafka.ConnectorEvent) error
}

type CreateRequest struct {
	TenantID uuid.UUID
	Provider models.Provider
	Config   map[string]any
	Scopes   []string
}

// Manager implements the connector lifecycle
type Manager struct {
	connectors  repositories.ConnectorRepo
	logs        repositories.ConnectorLogRepo
	credentials CredentialStore
	events      EventPublisher
	logger      ectologger.Logger
}

// NewManager creates a manager. events may be nil when publishing is disabled.
func NewManager(
	connectors repositories.ConnectorRepo,
	logs repositories.ConnectorLogRepo,
	credentials CredentialStore,
	events EventPublisher,
	logger ectologger.Logger,
) *Manager {
	return &Manager{
		connectors:  connectors,
		logs:        logs,
		credentials: credentials,
		events:      events,
		logger:      logger,
	}
}

// Create registers a new connector. An equivalent connector of the same
// tenant is a conflict, never merged.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (uuid.UUID, error) {
	ctx, span := tracing.StartSpan(ctx, "ConnectorManager.Create")
	defer span.End()

	if !req.Provider.Valid() {
		return uuid.Nil, apperrors.Validation("unsupported provider %q", req.Provider)
	}
	if req.Config == nil {
		req.Config = map[string]any{}
	}
	if req.Scopes == nil {
		req.Scopes = []string{}
	}

	existing, err := m.connectors.FindEquivalent(ctx, req.TenantID, req.Provider, req.Config)
	if err != nil {
		tracing.RecordError(span, err)
		return uuid.Nil, err
	}
	if existing != nil {
		return uuid.Nil, apperrors.Conflict("a %s connector with the same configuration already exists", req.Provider).
			With("connector_id", existing.ID.String())
	}

	connector := &models.Connector{
		TenantID:       req.TenantID,
		Provider:       req.Provider,
		ProviderConfig: database.NewJSONB(req.Config),
		Scopes:         database.NewJSONB(req.Scopes),
		Status:         models.ConnectorStatusDisconnected,
	}
	if err := m.connectors.Create(ctx, connector); err != nil {
		tracing.RecordError(span, err)
		return uuid.Nil, err
	}

	m.audit(ctx, connector.ID, models.LogLevelInfo, EventCreated, map[string]any{"provider": string(req.Provider)})
	m.publish(ctx, connector, EventCreated, nil)

	m.logger.WithContext(ctx).Infof("Created %s connector %s", connector.Provider, connector.ID)
	return connector.ID, nil
}

func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*models.Connector, error) {
	ctx, span := tracing.StartSpan(ctx, "ConnectorManager.Get")
	defer span.End()

	return m.connectors.GetByID(ctx, id)
}

// GetForTenant loads a connector and checks that tenantID owns it.
func (m *Manager) GetForTenant(ctx context.Context, tenantID, id uuid.UUID) (*models.Connector, error) {
	connector, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if connector.TenantID != tenantID {
		return nil, apperrors.Forbidden("connector %s does not belong to this tenant", id)
	}
	return connector, nil
}

func (m *Manager) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]models.Connector, error) {
	ctx, span := tracing.StartSpan(ctx, "ConnectorManager.ListByTenant")
	defer span.End()

	return m.connectors.ListByTenant(ctx, tenantID)
}

// SetStatus transitions the connector. errorMessage is cleared unless given.
func (m *Manager) SetStatus(ctx context.Context, id uuid.UUID, status models.ConnectorStatus, errorMessage *string) error {
	ctx, span := tracing.StartSpan(ctx, "ConnectorManager.SetStatus")
	defer span.End()

	switch status {
	case models.ConnectorStatusConnected, models.ConnectorStatusDisconnected, models.ConnectorStatusError:
	default:
		return apperrors.Validation("invalid connector status %q", status)
	}

	if err := m.connectors.UpdateStatus(ctx, id, status, errorMessage); err != nil {
		tracing.RecordError(span, err)
		return err
	}

	detail := map[string]any{}
	if errorMessage != nil {
		detail["error_message"] = *errorMessage
	}
	if connector, err := m.connectors.GetByID(ctx, id); err == nil {
		m.publish(ctx, connector, EventStatusChanged, detail)
	}
	return nil
}

// Disconnect removes the OAuth token and marks the connector disconnected.
// Disconnecting a disconnected connector succeeds without changes.
func (m *Manager) Disconnect(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "ConnectorManager.Disconnect")
	defer span.End()

	connector, err := m.connectors.GetByID(ctx, id)
	if err != nil {
		return err
	}

	removed, err := m.credentials.Delete(ctx, id, models.CredentialTypeOAuthToken)
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}

	if connector.Status == models.ConnectorStatusDisconnected && removed == 0 {
		return nil
	}

	if err := m.connectors.UpdateStatus(ctx, id, models.ConnectorStatusDisconnected, nil); err != nil {
		tracing.RecordError(span, err)
		return err
	}

	m.audit(ctx, id, models.LogLevelInfo, EventDisconnected, map[string]any{"credentials_removed": removed})
	connector.Status = models.ConnectorStatusDisconnected
	m.publish(ctx, connector, EventDisconnected, nil)
	return nil
}

// AppendLog adds an audit entry
func (m *Manager) AppendLog(ctx context.Context, id uuid.UUID, level models.LogLevel, event string, detail map[string]any) error {
	ctx, span := tracing.StartSpan(ctx, "ConnectorManager.AppendLog")
	defer span.End()

	if detail == nil {
		detail = map[string]any{}
	}
	return m.logs.Append(ctx, &models.ConnectorLog{
		ConnectorID: id,
		Level:       level,
		Event:       event,
		Detail:      database.NewJSONB(detail),
	})
}

func (m *Manager) ListLogs(ctx context.Context, id uuid.UUID, limit int) ([]models.ConnectorLog, error) {
	ctx, span := tracing.StartSpan(ctx, "ConnectorManager.ListLogs")
	defer span.End()

	return m.logs.ListByConnector(ctx, id, limit)
}

// StoreProviderConfig saves the kintone client registration as a sealed
// credential and mirrors the non-secret domain into the provider config.
func (m *Manager) StoreProviderConfig(ctx context.Context, id uuid.UUID, cfg credentials.KintoneConfig) error {
	ctx, span := tracing.StartSpan(ctx, "ConnectorManager.StoreProviderConfig")
	defer span.End()

	connector, err := m.connectors.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if connector.Provider != models.ProviderKintone {
		return apperrors.Validation("connector %s is not a kintone connector", id)
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return apperrors.Validation("client_id and client_secret are required")
	}

	if err := m.credentials.Store(ctx, id, models.CredentialTypeKintoneConfig, cfg); err != nil {
		tracing.RecordError(span, err)
		return err
	}

	providerConfig := map[string]any{}
	for k, v := range connector.ProviderConfig.Data {
		providerConfig[k] = v
	}
	if cfg.Subdomain != "" {
		providerConfig["subdomain"] = cfg.Subdomain
	}
	if cfg.Domain != "" {
		providerConfig["domain"] = cfg.Domain
	}
	if err := m.connectors.UpdateProviderConfig(ctx, id, providerConfig); err != nil {
		tracing.RecordError(span, err)
		return err
	}

	m.audit(ctx, id, models.LogLevelInfo, EventProviderConfigUpdated, nil)
	return nil
}

// audit appends a log entry; failures are logged and never fail the caller.
func (m *Manager) audit(ctx context.Context, id uuid.UUID, level models.LogLevel, event string, detail map[string]any) {
	if err := m.AppendLog(ctx, id, level, event, detail); err != nil {
		m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connector_id": id,
			"event":        event,
		}).Warn("failed to append connector log")
	}
}

func (m *Manager) publish(ctx context.Context, connector *models.Connector, eventType string, detail map[string]any) {
	if m.events == nil {
		return
	}
	err := m.events.PublishConnectorEvent(ctx, &kafka.ConnectorEvent{
		Type:        eventType,
		TenantID:    connector.TenantID.String(),
		ConnectorID: connector.ID.String(),
		Provider:    string(connector.Provider),
		Status:      string(connector.Status),
		Detail:      detail,
	})
	if err != nil {
		m.logger.WithContext(ctx).WithError(err).WithField("connector_id", connector.ID).Warn("failed to publish connector event")
	}
}
