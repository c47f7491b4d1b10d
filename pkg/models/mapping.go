package models

import (
	"time"

	"github.com/google/uuid"
)

// AppMapping binds a remote kintone app to a local target domain type
type AppMapping struct {
	ID                   uuid.UUID `db:"id" json:"id"`
	ConnectorID          uuid.UUID `db:"connector_id" json:"connector_id"`
	SourceAppID          string    `db:"source_app_id" json:"source_app_id"`
	SourceAppName        string    `db:"source_app_name" json:"source_app_name"`
	TargetAppType        string    `db:"target_app_type" json:"target_app_type"`
	IsActive             bool      `db:"is_active" json:"is_active"`
	SkipIfNoUpdateTarget bool      `db:"skip_if_no_update_target" json:"skip_if_no_update_target"`
	// RecordFilter is a kintone query applied when fetching records
	RecordFilter *string   `db:"record_filter" json:"record_filter,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (AppMapping) TableName() string {
	return "app_mappings"
}

// FieldMapping binds one remote field to one local column
type FieldMapping struct {
	ID              uuid.UUID `db:"id" json:"id"`
	AppMappingID    uuid.UUID `db:"app_mapping_id" json:"app_mapping_id"`
	SourceFieldCode string    `db:"source_field_code" json:"source_field_code"`
	SourceFieldName string    `db:"source_field_name" json:"source_field_name"`
	SourceFieldType string    `db:"source_field_type" json:"source_field_type"`
	TargetFieldID   *string   `db:"target_field_id" json:"target_field_id,omitempty"`
	TargetFieldCode string    `db:"target_field_code" json:"target_field_code"`
	TargetFieldType string    `db:"target_field_type" json:"target_field_type"`
	IsRequired      bool      `db:"is_required" json:"is_required"`
	IsUpdateKey     bool      `db:"is_update_key" json:"is_update_key"`
	IsActive        bool      `db:"is_active" json:"is_active"`
	SortOrder       int       `db:"sort_order" json:"sort_order"`
}

// TableName returns the database table name
func (FieldMapping) TableName() string {
	return "field_mappings"
}
