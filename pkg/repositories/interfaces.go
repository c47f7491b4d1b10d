package repositories

import (
	"context"

	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/models"
)

// ConnectorRepo defines the interface for connector repository operations
type ConnectorRepo interface {
	Create(ctx context.Context, connector *models.Connector) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Connector, error)
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]models.Connector, error)
	FindEquivalent(ctx context.Context, tenantID uuid.UUID, provider models.Provider, config map[string]any) (*models.Connector, error)
	ListByProviderStatus(ctx context.Context, provider models.Provider, status models.ConnectorStatus) ([]models.Connector, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.ConnectorStatus, errorMessage *string) error
	UpdateProviderConfig(ctx context.Context, id uuid.UUID, config map[string]any) error
}

// CredentialRepo defines the interface for credential repository operations
type CredentialRepo interface {
	Get(ctx context.Context, connectorID uuid.UUID, credType models.CredentialType) (*models.Credential, error)
	Upsert(ctx context.Context, connectorID uuid.UUID, credType models.CredentialType, payload string) error
	Delete(ctx context.Context, connectorID uuid.UUID, types ...models.CredentialType) (int64, error)
}

// ConnectorLogRepo defines the interface for connector log repository operations
type ConnectorLogRepo interface {
	Append(ctx context.Context, entry *models.ConnectorLog) error
	ListByConnector(ctx context.Context, connectorID uuid.UUID, limit int) ([]models.ConnectorLog, error)
}

// AppMappingRepo defines the interface for app mapping repository operations
type AppMappingRepo interface {
	Create(ctx context.Context, mapping *models.AppMapping) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.AppMapping, error)
	ListActive(ctx context.Context, connectorID uuid.UUID) ([]models.AppMapping, error)
	Activate(ctx context.Context, id uuid.UUID) (*models.AppMapping, error)
}

// FieldMappingRepo defines the interface for field mapping repository operations
type FieldMappingRepo interface {
	ListActive(ctx context.Context, appMappingID uuid.UUID) ([]models.FieldMapping, error)
	Replace(ctx context.Context, appMappingID uuid.UUID, mappings []models.FieldMapping) error
}

// KintoneSchemaRepo defines the interface for mirrored kintone schema operations
type KintoneSchemaRepo interface {
	UpsertApps(ctx context.Context, connectorID uuid.UUID, apps []models.KintoneApp) (int, error)
	UpsertFields(ctx context.Context, connectorID uuid.UUID, appID string, fields []models.KintoneField) (int, error)
	ListApps(ctx context.Context, connectorID uuid.UUID) ([]models.KintoneApp, error)
	ListFields(ctx context.Context, connectorID uuid.UUID, appID string) ([]models.KintoneField, error)
}

// RecordRepo defines the interface for target table writes
type RecordRepo interface {
	Upsert(ctx context.Context, upsert RecordUpsert) (UpsertOutcome, error)
}

var (
	_ ConnectorRepo     = (*ConnectorRepository)(nil)
	_ CredentialRepo    = (*CredentialRepository)(nil)
	_ ConnectorLogRepo  = (*ConnectorLogRepository)(nil)
	_ AppMappingRepo    = (*AppMappingRepository)(nil)
	_ FieldMappingRepo  = (*FieldMappingRepository)(nil)
	_ KintoneSchemaRepo = (*KintoneSchemaRepository)(nil)
	_ RecordRepo        = (*RecordRepository)(nil)
)
