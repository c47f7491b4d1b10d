package models

import (
	"time"

	"github.com/google/uuid"
)

type CredentialType string

const (
	// CredentialTypeKintoneConfig holds the OAuth client registration
	CredentialTypeKintoneConfig CredentialType = "kintone_config"
	// CredentialTypeKintoneToken is the legacy API token credential
	CredentialTypeKintoneToken CredentialType = "kintone_token"
	CredentialTypeOAuthToken   CredentialType = "oauth_token"
	// CredentialTypeHubSpotConfig holds the HubSpot OAuth client registration
	CredentialTypeHubSpotConfig CredentialType = "hubspot_config"
)

// Credential is the stored row. Payload carries text encodings (legacy
// plaintext, base64 JSON, or base64 of a sealed blob) and PayloadEncrypted
// carries raw sealed bytes written by older releases.
type Credential struct {
	ID               uuid.UUID      `db:"id" json:"id"`
	ConnectorID      uuid.UUID      `db:"connector_id" json:"connector_id"`
	Type             CredentialType `db:"type" json:"type"`
	Payload          *string        `db:"payload" json:"-"`
	PayloadEncrypted []byte         `db:"payload_encrypted" json:"-"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (Credential) TableName() string {
	return "connector_credentials"
}
