package repositories

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const (
	kintoneAppsTable   = "kintone_apps"
	kintoneFieldsTable = "kintone_fields"
)

var (
	kintoneAppStruct   = database.NewStruct(new(models.KintoneApp))
	kintoneFieldStruct = database.NewStruct(new(models.KintoneField))
)

// KintoneSchemaRepository mirrors remote app and field definitions
type KintoneSchemaRepository struct {
	*Repository
}

// NewKintoneSchemaRepository creates a new kintone schema repository
func NewKintoneSchemaRepository(db database.DB, logger ectologger.Logger) *KintoneSchemaRepository {
	return &KintoneSchemaRepository{
		Repository: NewRepository(db, logger),
	}
}

// UpsertApps writes one page of apps keyed by (connector_id, app_id)
func (r *KintoneSchemaRepository) UpsertApps(ctx context.Context, connectorID uuid.UUID, apps []models.KintoneApp) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "KintoneSchemaRepository.UpsertApps")
	defer span.End()

	if len(apps) == 0 {
		return 0, nil
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(kintoneAppsTable).
		Cols("id", "connector_id", "app_id", "code", "name", "description", "space_id", "revision", "synced_at")
	for _, app := range apps {
		ib.Values(uuid.New(), connectorID, app.AppID, app.Code, app.Name, app.Description, app.SpaceID, app.Revision, sqlbuilder.Raw("NOW()"))
	}
	ub := ib.OnConflict("connector_id", "app_id")
	ub.Set(
		ub.Assign("code", database.Excluded("code")),
		ub.Assign("name", database.Excluded("name")),
		ub.Assign("description", database.Excluded("description")),
		ub.Assign("space_id", database.Excluded("space_id")),
		ub.Assign("revision", database.Excluded("revision")),
		ub.Assign("synced_at", database.Excluded("synced_at")),
	)

	query, args := ib.Build()
	result, err := r.Exec(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connector_id": connectorID,
			"app_count":    len(apps),
		}).Error("failed to upsert kintone apps")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert kintone apps")
	}

	rows, _ := result.RowsAffected()
	r.logger.WithContext(ctx).WithFields(map[string]any{
		"connector_id": connectorID,
		"count":        rows,
	}).Debugf("Upserted %s", kintoneAppsTable)
	return int(rows), nil
}

// UpsertFields writes an app's fields keyed by (connector_id, app_id, field_code)
func (r *KintoneSchemaRepository) UpsertFields(ctx context.Context, connectorID uuid.UUID, appID string, fields []models.KintoneField) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "KintoneSchemaRepository.UpsertFields")
	defer span.End()

	if len(fields) == 0 {
		return 0, nil
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(kintoneFieldsTable).
		Cols("id", "connector_id", "app_id", "field_code", "label", "field_type", "required", "synced_at")
	for _, field := range fields {
		ib.Values(uuid.New(), connectorID, appID, field.FieldCode, field.Label, field.FieldType, field.Required, sqlbuilder.Raw("NOW()"))
	}
	ub := ib.OnConflict("connector_id", "app_id", "field_code")
	ub.Set(
		ub.Assign("label", database.Excluded("label")),
		ub.Assign("field_type", database.Excluded("field_type")),
		ub.Assign("required", database.Excluded("required")),
		ub.Assign("synced_at", database.Excluded("synced_at")),
	)

	query, args := ib.Build()
	result, err := r.Exec(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connector_id": connectorID,
			"app_id":       appID,
		}).Error("failed to upsert kintone fields")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert kintone fields")
	}

	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// ListApps returns the mirrored apps of a connector
func (r *KintoneSchemaRepository) ListApps(ctx context.Context, connectorID uuid.UUID) ([]models.KintoneApp, error) {
	ctx, span := tracing.StartSpan(ctx, "KintoneSchemaRepository.ListApps")
	defer span.End()

	sb := kintoneAppStruct.SelectFrom(kintoneAppsTable)
	sb.Where(sb.Equal("connector_id", connectorID))
	sb.OrderBy("name")

	query, args := sb.Build()
	apps := []models.KintoneApp{}
	if err := r.Exec(ctx).SelectContext(ctx, &apps, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connector_id": connectorID,
		}).Error("failed to list kintone apps")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list kintone apps")
	}
	return apps, nil
}

// ListFields returns the mirrored fields of one app
func (r *KintoneSchemaRepository) ListFields(ctx context.Context, connectorID uuid.UUID, appID string) ([]models.KintoneField, error) {
	ctx, span := tracing.StartSpan(ctx, "KintoneSchemaRepository.ListFields")
	defer span.End()

	sb := kintoneFieldStruct.SelectFrom(kintoneFieldsTable)
	sb.Where(sb.Equal("connector_id", connectorID), sb.Equal("app_id", appID))
	sb.OrderBy("field_code")

	query, args := sb.Build()
	fields := []models.KintoneField{}
	if err := r.Exec(ctx).SelectContext(ctx, &fields, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connector_id": connectorID,
			"app_id":       appID,
		}).Error("failed to list kintone fields")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list kintone fields")
	}
	return fields, nil
}
