package repositories

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const fieldMappingsTable = "field_mappings"

var fieldMappingStruct = database.NewStruct(new(models.FieldMapping))

// FieldMappingRepository handles database operations for field mappings
type FieldMappingRepository struct {
	*Repository
}

// NewFieldMappingRepository creates a new field mapping repository
func NewFieldMappingRepository(db database.DB, logger ectologger.Logger) *FieldMappingRepository {
	return &FieldMappingRepository{
		Repository: NewRepository(db, logger),
	}
}

// ListActive returns the active field mappings of an app mapping in sort order
func (r *FieldMappingRepository) ListActive(ctx context.Context, appMappingID uuid.UUID) ([]models.FieldMapping, error) {
	ctx, span := tracing.StartSpan(ctx, "FieldMappingRepository.ListActive")
	defer span.End()

	sb := fieldMappingStruct.SelectFrom(fieldMappingsTable)
	sb.Where(sb.Equal("app_mapping_id", appMappingID), sb.Equal("is_active", true))
	sb.OrderBy("sort_order", "source_field_code")

	query, args := sb.Build()
	mappings := []models.FieldMapping{}
	if err := r.Exec(ctx).SelectContext(ctx, &mappings, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"app_mapping_id": appMappingID,
		}).Error("failed to list field mappings")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list field mappings")
	}
	return mappings, nil
}

// Replace swaps the field mappings of an app mapping in one transaction
func (r *FieldMappingRepository) Replace(ctx context.Context, appMappingID uuid.UUID, mappings []models.FieldMapping) error {
	ctx, span := tracing.StartSpan(ctx, "FieldMappingRepository.Replace")
	defer span.End()

	ctx, tx, err := r.DB().GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to replace field mappings")
	}
	defer tx.Rollback(ctx)

	db := database.NewDeleteBuilder()
	db.DeleteFrom(fieldMappingsTable).Where(db.Equal("app_mapping_id", appMappingID))
	query, args := db.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"app_mapping_id": appMappingID,
		}).Error("failed to clear field mappings")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to replace field mappings")
	}

	if len(mappings) > 0 {
		ib := database.NewInsertBuilder()
		ib.InsertInto(fieldMappingsTable).
			Cols("id", "app_mapping_id", "source_field_code", "source_field_name", "source_field_type",
				"target_field_id", "target_field_code", "target_field_type", "is_required", "is_update_key", "is_active", "sort_order")
		for i := range mappings {
			m := &mappings[i]
			if m.ID == uuid.Nil {
				m.ID = uuid.New()
			}
			m.AppMappingID = appMappingID
			ib.Values(m.ID, appMappingID, m.SourceFieldCode, m.SourceFieldName, m.SourceFieldType,
				m.TargetFieldID, m.TargetFieldCode, m.TargetFieldType, m.IsRequired, m.IsUpdateKey, m.IsActive, m.SortOrder)
		}
		query, args = ib.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"app_mapping_id": appMappingID,
			}).Error("failed to insert field mappings")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to replace field mappings")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to replace field mappings")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"app_mapping_id": appMappingID,
		"count":          len(mappings),
	}).Debugf("Replaced %s", fieldMappingsTable)
	return nil
}
