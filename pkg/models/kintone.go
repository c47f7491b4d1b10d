package models

import (
	"time"

	"github.com/google/uuid"
)

// KintoneApp mirrors a remote app definition
type KintoneApp struct {
	ID          uuid.UUID `db:"id" json:"id"`
	ConnectorID uuid.UUID `db:"connector_id" json:"connector_id"`
	AppID       string    `db:"app_id" json:"app_id"`
	Code        string    `db:"code" json:"code"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	SpaceID     *string   `db:"space_id" json:"space_id,omitempty"`
	Revision    string    `db:"revision" json:"revision"`
	SyncedAt    time.Time `db:"synced_at" json:"synced_at"`
}

// TableName returns the database table name
func (KintoneApp) TableName() string {
	return "kintone_apps"
}

// KintoneField mirrors a remote field definition of one app
type KintoneField struct {
	ID          uuid.UUID `db:"id" json:"id"`
	ConnectorID uuid.UUID `db:"connector_id" json:"connector_id"`
	AppID       string    `db:"app_id" json:"app_id"`
	FieldCode   string    `db:"field_code" json:"field_code"`
	Label       string    `db:"label" json:"label"`
	FieldType   string    `db:"field_type" json:"field_type"`
	Required    bool      `db:"required" json:"required"`
	SyncedAt    time.Time `db:"synced_at" json:"synced_at"`
}

// TableName returns the database table name
func (KintoneField) TableName() string {
	return "kintone_fields"
}
