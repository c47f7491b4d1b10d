package models

import (
	"time"

	"github.com/google/uuid"
)

// PendingAuthorization correlates an OAuth start with its callback. It is
// stored outside the database with a TTL and consumed exactly once.
type PendingAuthorization struct {
	ID           string    `json:"id"`
	TenantID     uuid.UUID `json:"tenant_id"`
	ConnectorID  uuid.UUID `json:"connector_id"`
	Provider     Provider  `json:"provider"`
	ReturnTo     string    `json:"return_to,omitempty"`
	RedirectURI  string    `json:"redirect_uri"`
	CodeVerifier string    `json:"code_verifier"`
	CreatedAt    time.Time `json:"created_at"`
}

// Expired reports whether the authorization is older than ttl at now.
func (p PendingAuthorization) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(p.CreatedAt) > ttl
}
