// Package schemasync mirrors the remote kintone app and field definitions of a
// connector into local tables. Both syncs are idempotent upserts.
package schemasync

import (
	"context"
	"sort"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/kintone"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

type APIOpener interface {
	Open(ctx context.Context, connectorID uuid.UUID) (*kintone.API, *models.Connector, error)
}

type Engine struct {
	opener APIOpener
	schema repositories.KintoneSchemaRepo
	logger ectologger.Logger
}

func NewEngine(opener APIOpener, schema repositories.KintoneSchemaRepo, logger ectologger.Logger) *Engine {
	return &Engine{
		opener: opener,
		schema: schema,
		logger: logger,
	}
}

// SyncApps pages through the remote app list and upserts every page keyed by
// (connector_id, app_id). It returns the number of apps upserted.
func (e *Engine) SyncApps(ctx context.Context, connectorID uuid.UUID) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "SchemaSync.SyncApps")
	defer span.End()

	api, _, err := e.opener.Open(ctx, connectorID)
	if err != nil {
		tracing.RecordError(span, err)
		return 0, err
	}

	total := 0
	for offset := 0; ; offset += kintone.MaxAppsLimit {
		apps, err := api.ListApps(ctx, kintone.MaxAppsLimit, offset)
		if err != nil {
			tracing.RecordError(span, err)
			return total, err
		}

		rows := toAppRows(apps)
		n, err := e.schema.UpsertApps(ctx, connectorID, rows)
		if err != nil {
			tracing.RecordError(span, err)
			return total, err
		}
		total += n

		if len(apps) < kintone.MaxAppsLimit {
			break
		}
	}

	metrics.RecordSchemaSync("apps", total)
	e.logger.WithContext(ctx).WithFields(map[string]any{
		"connector_id": connectorID,
		"upserted":     total,
	}).Info("Synced kintone apps")
	return total, nil
}

// SyncFields upserts the form fields of one app keyed by
// (connector_id, app_id, field_code)
func (e *Engine) SyncFields(ctx context.Context, connectorID uuid.UUID, appID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "SchemaSync.SyncFields")
	defer span.End()

	api, _, err := e.opener.Open(ctx, connectorID)
	if err != nil {
		tracing.RecordError(span, err)
		return 0, err
	}

	form, err := api.GetFormFields(ctx, appID)
	if err != nil {
		tracing.RecordError(span, err)
		return 0, err
	}

	n, err := e.schema.UpsertFields(ctx, connectorID, appID, toFieldRows(appID, form))
	if err != nil {
		tracing.RecordError(span, err)
		return 0, err
	}

	metrics.RecordSchemaSync("fields", n)
	e.logger.WithContext(ctx).WithFields(map[string]any{
		"connector_id": connectorID,
		"app_id":       appID,
		"upserted":     n,
	}).Info("Synced kintone fields")
	return n, nil
}

// toAppRows drops repeated app ids; a single upsert statement cannot touch
// the same conflict key twice.
func toAppRows(apps []kintone.App) []models.KintoneApp {
	seen := make(map[string]bool, len(apps))
	rows := make([]models.KintoneApp, 0, len(apps))
	for _, app := range apps {
		if app.AppID == "" || seen[app.AppID] {
			continue
		}
		seen[app.AppID] = true
		rows = append(rows, models.KintoneApp{
			AppID:       app.AppID,
			Code:        app.Code,
			Name:        app.Name,
			Description: app.Description,
			SpaceID:     app.SpaceID,
			Revision:    app.Revision,
		})
	}
	return rows
}

func toFieldRows(appID string, form *kintone.Form) []models.KintoneField {
	codes := make([]string, 0, len(form.Properties))
	for code := range form.Properties {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	rows := make([]models.KintoneField, 0, len(codes))
	for _, key := range codes {
		field := form.Properties[key]
		code := field.Code
		if code == "" {
			code = key
		}
		rows = append(rows, models.KintoneField{
			AppID:     appID,
			FieldCode: code,
			Label:     field.Label,
			FieldType: field.Type,
			Required:  field.Required,
		})
	}
	return rows
}
