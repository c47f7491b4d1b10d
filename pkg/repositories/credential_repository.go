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

const credentialsTable = "connector_credentials"

var credentialStruct = database.NewStruct(new(models.Credential))

// CredentialRepository stores credential rows. Payloads are opaque here;
// sealing and parsing happen in the credentials package.
type CredentialRepository struct {
	*Repository
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(db database.DB, logger ectologger.Logger) *CredentialRepository {
	return &CredentialRepository{
		Repository: NewRepository(db, logger),
	}
}

// Get returns the live row for (connectorID, credType)
func (r *CredentialRepository) Get(ctx context.Context, connectorID uuid.UUID, credType models.CredentialType) (*models.Credential, error) {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.Get")
	defer span.End()

	sb := credentialStruct.SelectFrom(credentialsTable)
	sb.Where(sb.Equal("connector_id", connectorID), sb.Equal("type", credType))
	sb.OrderBy("updated_at").Desc()
	sb.Limit(1)

	query, args := sb.Build()
	var credential models.Credential
	err := r.Exec(ctx).GetContext(ctx, &credential, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "credential %s for connector %s does not exist", credType, connectorID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connector_id": connectorID,
			"type":         credType,
		}).Error("failed to get credential")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get credential")
	}

	return &credential, nil
}

// Upsert writes the text payload and clears any legacy binary payload
func (r *CredentialRepository) Upsert(ctx context.Context, connectorID uuid.UUID, credType models.CredentialType, payload string) error {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.Upsert")
	defer span.End()

	ib := database.NewInsertBuilder()
	ib.InsertInto(credentialsTable).
		Cols("id", "connector_id", "type", "payload", "payload_encrypted", "created_at", "updated_at").
		Values(uuid.New(), connectorID, credType, payload, nil, sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()"))
	ub := ib.OnConflict("connector_id", "type")
	ub.Set(
		ub.Assign("payload", database.Excluded("payload")),
		ub.Assign("payload_encrypted", sqlbuilder.Raw("NULL")),
		ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
	)

	query, args := ib.Build()
	if _, err := r.Exec(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connector_id": connectorID,
			"type":         credType,
		}).Error("failed to store credential")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to store credential")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"connector_id": connectorID,
		"type":         credType,
	}).Debugf("Stored %s", credentialsTable)
	return nil
}

// Delete removes the connector's credentials of the given types. Deleting
// nothing is not an error.
func (r *CredentialRepository) Delete(ctx context.Context, connectorID uuid.UUID, types ...models.CredentialType) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.Delete")
	defer span.End()

	if len(types) == 0 {
		return 0, nil
	}
	values := make([]any, 0, len(types))
	for _, t := range types {
		values = append(values, t)
	}

	db := database.NewDeleteBuilder()
	db.DeleteFrom(credentialsTable).
		Where(db.Equal("connector_id", connectorID), db.In("type", values...))

	query, args := db.Build()
	result, err := r.Exec(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connector_id": connectorID,
		}).Error("failed to delete credentials")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete credentials")
	}

	rows, _ := result.RowsAffected()
	r.logger.WithContext(ctx).WithFields(map[string]any{
		"connector_id": connectorID,
		"count":        rows,
	}).Debugf("Deleted %s", credentialsTable)
	return rows, nil
}
