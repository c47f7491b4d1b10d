package repositories

import (
	"context"
	"database/sql"
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

const appMappingsTable = "app_mappings"

var appMappingStruct = database.NewStruct(new(models.AppMapping))

// AppMappingRepository handles database operations for app mappings
type AppMappingRepository struct {
	*Repository
}

// NewAppMappingRepository creates a new app mapping repository
func NewAppMappingRepository(db database.DB, logger ectologger.Logger) *AppMappingRepository {
	return &AppMappingRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create inserts an inactive mapping. Use Activate to make it live.
func (r *AppMappingRepository) Create(ctx context.Context, mapping *models.AppMapping) error {
	ctx, span := tracing.StartSpan(ctx, "AppMappingRepository.Create")
	defer span.End()

	if mapping.ID == uuid.Nil {
		mapping.ID = uuid.New()
	}
	mapping.IsActive = false

	ib := database.NewInsertBuilder()
	ib.InsertInto(appMappingsTable).
		Cols("id", "connector_id", "source_app_id", "source_app_name", "target_app_type", "is_active",
			"skip_if_no_update_target", "record_filter", "created_at", "updated_at").
		Values(mapping.ID, mapping.ConnectorID, mapping.SourceAppID, mapping.SourceAppName, mapping.TargetAppType, false,
			mapping.SkipIfNoUpdateTarget, mapping.RecordFilter, sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()")).
		Returning("created_at", "updated_at")

	query, args := ib.Build()
	if err := r.Exec(ctx).QueryRowContext(ctx, query, args...).Scan(&mapping.CreatedAt, &mapping.UpdatedAt); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connector_id":  mapping.ConnectorID,
			"source_app_id": mapping.SourceAppID,
		}).Error("failed to create app mapping")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create app mapping")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"app_mapping_id": mapping.ID,
	}).Debugf("Created %s", appMappingsTable)
	return nil
}

// GetByID retrieves an app mapping by ID
func (r *AppMappingRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AppMapping, error) {
	ctx, span := tracing.StartSpan(ctx, "AppMappingRepository.GetByID")
	defer span.End()

	sb := appMappingStruct.SelectFrom(appMappingsTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var mapping models.AppMapping
	err := r.Exec(ctx).GetContext(ctx, &mapping, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "app mapping %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"app_mapping_id": id,
		}).Error("failed to get app mapping")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get app mapping")
	}
	return &mapping, nil
}

// ListActive returns the connector's active mappings
func (r *AppMappingRepository) ListActive(ctx context.Context, connectorID uuid.UUID) ([]models.AppMapping, error) {
	ctx, span := tracing.StartSpan(ctx, "AppMappingRepository.ListActive")
	defer span.End()

	sb := appMappingStruct.SelectFrom(appMappingsTable)
	sb.Where(sb.Equal("connector_id", connectorID), sb.Equal("is_active", true))
	sb.OrderBy("source_app_id")

	query, args := sb.Build()
	mappings := []models.AppMapping{}
	if err := r.Exec(ctx).SelectContext(ctx, &mappings, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connector_id": connectorID,
		}).Error("failed to list active app mappings")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list app mappings")
	}
	return mappings, nil
}

// Activate makes id the single active mapping for its (connector, source app)
// pair. The previous active mapping is deactivated in the same transaction.
func (r *AppMappingRepository) Activate(ctx context.Context, id uuid.UUID) (*models.AppMapping, error) {
	ctx, span := tracing.StartSpan(ctx, "AppMappingRepository.Activate")
	defer span.End()

	ctx, tx, err := r.DB().GetTx(ctx, nil)
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to activate app mapping")
	}
	defer tx.Rollback(ctx)

	// lock the target row so concurrent activations for the pair serialize
	sb := appMappingStruct.SelectFrom(appMappingsTable)
	sb.Where(sb.Equal("id", id))
	sb.ForUpdate()
	query, args := sb.Build()

	var mapping models.AppMapping
	err = tx.GetContext(ctx, &mapping, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "app mapping %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"app_mapping_id": id,
		}).Error("failed to load app mapping for activation")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to activate app mapping")
	}

	lock := "SELECT pg_advisory_xact_lock(hashtext($1))"
	if _, err := tx.ExecContext(ctx, lock, mapping.ConnectorID.String()+":"+mapping.SourceAppID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to lock app mapping pair")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to activate app mapping")
	}

	deactivate := database.NewUpdateBuilder()
	deactivate.Update(appMappingsTable).
		Set(
			deactivate.Assign("is_active", false),
			deactivate.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(
			deactivate.Equal("connector_id", mapping.ConnectorID),
			deactivate.Equal("source_app_id", mapping.SourceAppID),
			deactivate.Equal("is_active", true),
			deactivate.NotEqual("id", id),
		)
	query, args = deactivate.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"app_mapping_id": id,
		}).Error("failed to deactivate previous app mapping")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to activate app mapping")
	}

	activate := database.NewUpdateBuilder()
	activate.Update(appMappingsTable).
		Set(
			activate.Assign("is_active", true),
			activate.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(activate.Equal("id", id))
	activate.SQL("RETURNING updated_at")
	query, args = activate.Build()
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&mapping.UpdatedAt); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"app_mapping_id": id,
		}).Error("failed to activate app mapping")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to activate app mapping")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to activate app mapping")
	}

	mapping.IsActive = true
	r.logger.WithContext(ctx).WithFields(map[string]any{
		"app_mapping_id": id,
		"connector_id":   mapping.ConnectorID,
		"source_app_id":  mapping.SourceAppID,
	}).Info("Activated app mapping")
	return &mapping, nil
}
