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

const connectorLogsTable = "connector_logs"

var connectorLogStruct = database.NewStruct(new(models.ConnectorLog))

// ConnectorLogRepository appends and reads connector audit entries
type ConnectorLogRepository struct {
	*Repository
}

// NewConnectorLogRepository creates a new connector log repository
func NewConnectorLogRepository(db database.DB, logger ectologger.Logger) *ConnectorLogRepository {
	return &ConnectorLogRepository{
		Repository: NewRepository(db, logger),
	}
}

// Append inserts one entry
func (r *ConnectorLogRepository) Append(ctx context.Context, entry *models.ConnectorLog) error {
	ctx, span := tracing.StartSpan(ctx, "ConnectorLogRepository.Append")
	defer span.End()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Detail.Data == nil {
		entry.Detail.Data = map[string]any{}
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(connectorLogsTable).
		Cols("id", "connector_id", "level", "event", "detail", "created_at").
		Values(entry.ID, entry.ConnectorID, entry.Level, entry.Event, entry.Detail, sqlbuilder.Raw("NOW()")).
		Returning("created_at")

	query, args := ib.Build()
	if err := r.Exec(ctx).QueryRowContext(ctx, query, args...).Scan(&entry.CreatedAt); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connector_id": entry.ConnectorID,
			"event":        entry.Event,
		}).Error("failed to append connector log")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to append connector log")
	}
	return nil
}

// ListByConnector returns the newest entries first
func (r *ConnectorLogRepository) ListByConnector(ctx context.Context, connectorID uuid.UUID, limit int) ([]models.ConnectorLog, error) {
	ctx, span := tracing.StartSpan(ctx, "ConnectorLogRepository.ListByConnector")
	defer span.End()

	if limit <= 0 || limit > 500 {
		limit = 100
	}

	sb := connectorLogStruct.SelectFrom(connectorLogsTable)
	sb.Where(sb.Equal("connector_id", connectorID))
	sb.OrderBy("created_at").Desc()
	sb.Limit(limit)

	query, args := sb.Build()
	entries := []models.ConnectorLog{}
	if err := r.Exec(ctx).SelectContext(ctx, &entries, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connector_id": connectorID,
		}).Error("failed to list connector logs")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list connector logs")
	}
	return entries, nil
}
