// Package recordsync copies kintone records into tenant scoped target tables
// according to the active app and field mappings of a connector.
package recordsync

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/expressions"
	"github.com/Ramsey-B/clover/pkg/kintone"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/targets"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// RecordIDField is the kintone record number used as the default update key
const RecordIDField = "$id"

type APIOpener interface {
	Open(ctx context.Context, connectorID uuid.UUID) (*kintone.API, *models.Connector, error)
}

// SyncError is one failed app or record. RecordID is empty for app level failures.
type SyncError struct {
	AppMappingID uuid.UUID `json:"app_mapping_id"`
	SourceAppID  string    `json:"source_app_id"`
	RecordID     string    `json:"record_id,omitempty"`
	Message      string    `json:"message"`
}

// Result aggregates one SyncAll call. Errors is the authoritative failure signal.
type Result struct {
	ConnectorID uuid.UUID      `json:"connector_id"`
	Synced      map[string]int `json:"synced"`
	Skipped     map[string]int `json:"skipped"`
	Errors      []SyncError    `json:"errors"`
	Duration    time.Duration  `json:"duration"`
}

// TotalSynced is the number of rows inserted or updated across all targets
func (r *Result) TotalSynced() int {
	total := 0
	for _, n := range r.Synced {
		total += n
	}
	return total
}

type Config struct {
	// PageSize is the number of records fetched per query
	PageSize int
}

type Engine struct {
	opener        APIOpener
	appMappings   repositories.AppMappingRepo
	fieldMappings repositories.FieldMappingRepo
	records       repositories.RecordRepo
	catalog       *targets.Catalog
	evaluator     *expressions.Evaluator
	cfg           Config
	logger        ectologger.Logger
}

func NewEngine(
	opener APIOpener,
	appMappings repositories.AppMappingRepo,
	fieldMappings repositories.FieldMappingRepo,
	records repositories.RecordRepo,
	catalog *targets.Catalog,
	cfg Config,
	logger ectologger.Logger,
) *Engine {
	if cfg.PageSize <= 0 || cfg.PageSize > kintone.MaxRecordsLimit {
		cfg.PageSize = kintone.MaxRecordsLimit
	}
	return &Engine{
		opener:        opener,
		appMappings:   appMappings,
		fieldMappings: fieldMappings,
		records:       records,
		catalog:       catalog,
		evaluator:     expressions.NewEvaluator(),
		cfg:           cfg,
		logger:        logger,
	}
}

// SyncAll syncs every active app mapping of the connector. A failing app or
// record is collected in Result.Errors and never aborts its siblings; only a
// connector level failure is returned as an error.
func (e *Engine) SyncAll(ctx context.Context, connectorID uuid.UUID) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "RecordSync.SyncAll")
	defer span.End()

	started := time.Now()
	result := &Result{
		ConnectorID: connectorID,
		Synced:      map[string]int{},
		Skipped:     map[string]int{},
		Errors:      []SyncError{},
	}

	api, connector, err := e.opener.Open(ctx, connectorID)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	mappings, err := e.appMappings.ListActive(ctx, connectorID)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	for _, mapping := range mappings {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.syncApp(ctx, api, connector, mapping, result)
	}

	result.Duration = time.Since(started)
	metrics.RecordSyncDuration.Observe(result.Duration.Seconds())
	e.logger.WithContext(ctx).WithFields(map[string]any{
		"connector_id": connectorID,
		"mappings":     len(mappings),
		"synced":       result.TotalSynced(),
		"errors":       len(result.Errors),
		"duration_ms":  result.Duration.Milliseconds(),
	}).Info("Record sync finished")
	return result, nil
}

// plan is the resolved write plan of one app mapping
type plan struct {
	table   targets.Table
	fields  []models.FieldMapping
	keys    []models.FieldMapping
	columns []string
}

func (e *Engine) syncApp(ctx context.Context, api *kintone.API, connector *models.Connector, mapping models.AppMapping, result *Result) {
	ctx, span := tracing.StartSpan(ctx, "RecordSync.syncApp")
	defer span.End()

	appErr := func(err error) {
		tracing.RecordError(span, err)
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connector_id":   connector.ID,
			"app_mapping_id": mapping.ID,
			"source_app_id":  mapping.SourceAppID,
		}).Warn("app sync failed")
		result.Errors = append(result.Errors, SyncError{
			AppMappingID: mapping.ID,
			SourceAppID:  mapping.SourceAppID,
			Message:      err.Error(),
		})
	}

	p, err := e.plan(ctx, mapping)
	if err != nil {
		appErr(err)
		return
	}

	filter := ""
	if mapping.RecordFilter != nil {
		filter = *mapping.RecordFilter
	}
	pager := api.Records(mapping.SourceAppID, filter, p.columns).WithPageSize(e.cfg.PageSize)

	synced, skipped := 0, 0
	defer func() {
		result.Synced[p.table.Name] += synced
		result.Skipped[p.table.Name] += skipped
		metrics.RecordRecordSync(p.table.Name, "synced", synced)
		metrics.RecordRecordSync(p.table.Name, "skipped", skipped)
	}()

	for {
		page, err := pager.Next(ctx)
		if err != nil {
			appErr(fmt.Errorf("failed to fetch records of app %s: %w", mapping.SourceAppID, err))
			return
		}
		if page == nil {
			return
		}

		for _, record := range page {
			outcome, err := e.syncRecord(ctx, connector, mapping, p, record)
			if err != nil {
				metrics.RecordRecordSync(p.table.Name, "error", 1)
				result.Errors = append(result.Errors, SyncError{
					AppMappingID: mapping.ID,
					SourceAppID:  mapping.SourceAppID,
					RecordID:     record.ID(),
					Message:      err.Error(),
				})
				continue
			}
			if outcome == repositories.UpsertSkipped {
				skipped++
			} else {
				synced++
			}
		}
	}
}

func (e *Engine) plan(ctx context.Context, mapping models.AppMapping) (*plan, error) {
	table, ok := e.catalog.Lookup(mapping.TargetAppType)
	if !ok {
		return nil, fmt.Errorf("unknown target app type %q", mapping.TargetAppType)
	}

	fields, err := e.fieldMappings.ListActive(ctx, mapping.ID)
	if err != nil {
		return nil, err
	}

	p := &plan{table: table, fields: fields}
	for _, f := range fields {
		if !table.Allows(f.TargetFieldCode) {
			return nil, fmt.Errorf("column %q is not writable on %s", f.TargetFieldCode, table.Name)
		}
		if err := e.evaluator.Validate(expressions.FieldValue(f.SourceFieldCode)); err != nil {
			return nil, fmt.Errorf("invalid source field %q: %w", f.SourceFieldCode, err)
		}
		p.columns = append(p.columns, f.SourceFieldCode)
		if f.IsUpdateKey {
			p.keys = append(p.keys, f)
		}
	}

	if len(p.keys) == 0 {
		p.keys = []models.FieldMapping{{
			SourceFieldCode: RecordIDField,
			TargetFieldCode: targets.KeyColumn,
			IsUpdateKey:     true,
		}}
	}
	return p, nil
}

func (e *Engine) syncRecord(ctx context.Context, connector *models.Connector, mapping models.AppMapping, p *plan, record kintone.Record) (repositories.UpsertOutcome, error) {
	values := map[string]any{
		targets.KeyColumn: record.ID(),
	}
	for _, f := range p.fields {
		value, err := e.value(record, f, p.table)
		if err != nil {
			return "", err
		}
		if value == nil && f.IsRequired {
			return "", fmt.Errorf("required field %q is empty", f.SourceFieldCode)
		}
		values[f.TargetFieldCode] = value
	}

	condition := map[string]any{}
	for _, key := range p.keys {
		value, err := e.value(record, key, p.table)
		if err != nil {
			return "", err
		}
		if value == nil || value == "" {
			return "", fmt.Errorf("update key %q is empty", key.SourceFieldCode)
		}
		condition[key.TargetFieldCode] = value
	}
	// set last so no mapped key can target another tenant's rows
	condition["tenant_id"] = connector.TenantID

	return e.records.Upsert(ctx, repositories.RecordUpsert{
		Table:           p.table.Name,
		Condition:       condition,
		Values:          values,
		InsertIfMissing: !mapping.SkipIfNoUpdateTarget,
	})
}

func (e *Engine) value(record kintone.Record, f models.FieldMapping, table targets.Table) (any, error) {
	raw, err := e.evaluator.Field(record, f.SourceFieldCode)
	if err != nil {
		return nil, err
	}
	value, err := targets.Coerce(raw, table.Columns[f.TargetFieldCode])
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", f.SourceFieldCode, err)
	}
	return value, nil
}
