package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

type UpsertOutcome string

const (
	UpsertInserted UpsertOutcome = "inserted"
	UpsertUpdated  UpsertOutcome = "updated"
	// UpsertSkipped means no row matched and inserting was not allowed
	UpsertSkipped UpsertOutcome = "skipped"
)

// RecordUpsert describes one row write into a target table. Table and column
// names must come from a trusted catalog; values are always bound.
type RecordUpsert struct {
	Table string
	// Condition identifies the row. It always contains tenant_id.
	Condition map[string]any
	Values    map[string]any
	// InsertIfMissing is false when only existing rows may be updated
	InsertIfMissing bool
}

// RecordRepository writes synced records into target domain tables
type RecordRepository struct {
	*Repository
}

// NewRecordRepository creates a new record repository
func NewRecordRepository(db database.DB, logger ectologger.Logger) *RecordRepository {
	return &RecordRepository{
		Repository: NewRepository(db, logger),
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func conditionKey(table string, cond map[string]any) string {
	parts := []string{table}
	for _, k := range sortedKeys(cond) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, cond[k]))
	}
	return strings.Join(parts, "|")
}

// Upsert updates the row matching Condition or inserts a new one
func (r *RecordRepository) Upsert(ctx context.Context, upsert RecordUpsert) (UpsertOutcome, error) {
	ctx, span := tracing.StartSpan(ctx, "RecordRepository.Upsert")
	defer span.End()

	if _, ok := upsert.Condition["tenant_id"]; !ok {
		return "", httperror.NewHTTPError(http.StatusBadRequest, "record condition must include tenant_id")
	}

	ctx, tx, err := r.DB().GetTx(ctx, nil)
	if err != nil {
		return "", httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert record")
	}
	defer tx.Rollback(ctx)

	// serialize writers of the same logical row so two syncs cannot both insert
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", conditionKey(upsert.Table, upsert.Condition)); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to lock record key")
		return "", httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert record")
	}

	sb := database.NewSelectBuilder()
	sb.Select("id").From(upsert.Table)
	for _, k := range sortedKeys(upsert.Condition) {
		sb.Where(sb.Equal(k, upsert.Condition[k]))
	}
	sb.Limit(1)
	sb.ForUpdate()

	query, args := sb.Build()
	var id uuid.UUID
	err = tx.GetContext(ctx, &id, query, args...)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if !upsert.InsertIfMissing {
			return UpsertSkipped, nil
		}
		if err := r.insert(ctx, tx, upsert); err != nil {
			return "", err
		}
		if err := tx.Commit(ctx); err != nil {
			return "", httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert record")
		}
		return UpsertInserted, nil
	case err != nil:
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"table": upsert.Table,
		}).Error("failed to look up record")
		return "", httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert record")
	}

	if err := r.update(ctx, tx, upsert.Table, id, upsert.Values); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert record")
	}
	return UpsertUpdated, nil
}

func (r *RecordRepository) insert(ctx context.Context, tx database.Tx, upsert RecordUpsert) error {
	row := map[string]any{}
	for k, v := range upsert.Values {
		row[k] = v
	}
	// the condition wins so a mapped value can never move a row to another tenant
	for k, v := range upsert.Condition {
		row[k] = v
	}

	cols := []string{"id"}
	values := []any{uuid.New()}
	for _, k := range sortedKeys(row) {
		if k == "id" {
			continue
		}
		cols = append(cols, k)
		values = append(values, row[k])
	}
	cols = append(cols, "created_at", "updated_at")
	values = append(values, sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()"))

	ib := database.NewInsertBuilder()
	ib.InsertInto(upsert.Table).Cols(cols...).Values(values...)

	query, args := ib.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"table": upsert.Table,
		}).Error("failed to insert record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert record")
	}
	return nil
}

func (r *RecordRepository) update(ctx context.Context, tx database.Tx, table string, id uuid.UUID, values map[string]any) error {
	ub := database.NewUpdateBuilder()
	ub.Update(table)
	assignments := []string{}
	for _, k := range sortedKeys(values) {
		if k == "id" || k == "tenant_id" {
			continue
		}
		assignments = append(assignments, ub.Assign(k, values[k]))
	}
	assignments = append(assignments, ub.Assign("updated_at", sqlbuilder.Raw("NOW()")))
	ub.Set(assignments...)
	ub.Where(ub.Equal("id", id))

	query, args := ub.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"table":     table,
			"record_id": id,
		}).Error("failed to update record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update record")
	}
	return nil
}
