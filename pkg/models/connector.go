package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/database"
)

type Provider string

const (
	ProviderKintone Provider = "kintone"
	ProviderHubSpot Provider = "hubspot"
)

func (p Provider) Valid() bool {
	switch p {
	case ProviderKintone, ProviderHubSpot:
		return true
	}
	return false
}

type ConnectorStatus string

const (
	ConnectorStatusConnected    ConnectorStatus = "connected"
	ConnectorStatusDisconnected ConnectorStatus = "disconnected"
	ConnectorStatusError        ConnectorStatus = "error"
)

// Connector binds one tenant to one external provider account
type Connector struct {
	ID       uuid.UUID `db:"id" json:"id"`
	TenantID uuid.UUID `db:"tenant_id" json:"tenant_id"`
	Provider Provider  `db:"provider" json:"provider"`
	// ProviderConfig holds non-secret settings such as the kintone subdomain
	ProviderConfig database.JSONB[map[string]any] `db:"provider_config" json:"provider_config"`
	Scopes         database.JSONB[[]string]       `db:"scopes" json:"scopes"`
	Status         ConnectorStatus                `db:"status" json:"status"`
	ErrorMessage   *string                        `db:"error_message" json:"error_message,omitempty"`
	CreatedAt      time.Time                      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time                      `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (Connector) TableName() string {
	return "connectors"
}

type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// ConnectorLog is an append-only audit entry
type ConnectorLog struct {
	ID          uuid.UUID                      `db:"id" json:"id"`
	ConnectorID uuid.UUID                      `db:"connector_id" json:"connector_id"`
	Level       LogLevel                       `db:"level" json:"level"`
	Event       string                         `db:"event" json:"event"`
	Detail      database.JSONB[map[string]any] `db:"detail" json:"detail"`
	CreatedAt   time.Time                      `db:"created_at" json:"created_at"`
}

// TableName returns the database table name
func (ConnectorLog) TableName() string {
	return "connector_logs"
}
