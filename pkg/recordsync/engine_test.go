package recordsync_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/apperrors"
	"github.com/Ramsey-B/clover/pkg/kintone/kintonetest"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/recordsync"
	"github.com/Ramsey-B/clover/pkg/repositories/repotest"
	"github.com/Ramsey-B/clover/pkg/targets"
)

type fixture struct {
	t          *testing.T
	server     *kintonetest.Server
	store      *repotest.Store
	connectors kintonetest.Connectors
	tenantID   uuid.UUID
	connector  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		t:          t,
		server:     kintonetest.NewServer(t),
		store:      repotest.NewStore(),
		connectors: kintonetest.Connectors{},
	}
	f.tenantID, f.connector = f.addConnector()
	return f
}

func (f *fixture) addConnector() (uuid.UUID, uuid.UUID) {
	tenantID, id := uuid.New(), uuid.New()
	f.connectors[id] = &models.Connector{ID: id, TenantID: tenantID, Provider: models.ProviderKintone, Status: models.ConnectorStatusConnected}
	return tenantID, id
}

func (f *fixture) engine(pageSize int) *recordsync.Engine {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return recordsync.NewEngine(
		f.server.Opener(f.connectors, kintonetest.Tokens{}),
		repotest.AppMappingRepo{Store: f.store},
		repotest.FieldMappingRepo{Store: f.store},
		repotest.RecordRepo{Store: f.store},
		targets.DefaultCatalog(),
		recordsync.Config{PageSize: pageSize},
		logger,
	)
}

func (f *fixture) mapApp(connectorID uuid.UUID, appID, target string, fields ...models.FieldMapping) *models.AppMapping {
	ctx := context.Background()
	mapping := &models.AppMapping{ConnectorID: connectorID, SourceAppID: appID, TargetAppType: target}
	require.NoError(f.t, repotest.AppMappingRepo{Store: f.store}.Create(ctx, mapping))
	for i := range fields {
		fields[i].IsActive = true
		fields[i].SortOrder = i
	}
	require.NoError(f.t, repotest.FieldMappingRepo{Store: f.store}.Replace(ctx, mapping.ID, fields))
	activated, err := repotest.AppMappingRepo{Store: f.store}.Activate(ctx, mapping.ID)
	require.NoError(f.t, err)
	return activated
}

func field(source, target string) models.FieldMapping {
	return models.FieldMapping{SourceFieldCode: source, TargetFieldCode: target}
}

func key(source, target string) models.FieldMapping {
	return models.FieldMapping{SourceFieldCode: source, TargetFieldCode: target, IsUpdateKey: true}
}

func rowsFor(rows []map[string]any, tenantID uuid.UUID) []map[string]any {
	out := []map[string]any{}
	for _, row := range rows {
		if row["tenant_id"] == tenantID {
			out = append(out, row)
		}
	}
	return out
}

func TestSyncAll_DefaultKeyIsRecordID(t *testing.T) {
	f := newFixture(t)
	f.mapApp(f.connector, "10", "person", field("name", "full_name"), field("mail", "email"))
	for i := 1; i <= 3; i++ {
		f.server.AddRecord("10", i, map[string]any{"name": "person", "mail": "p@example.com"})
	}
	engine := f.engine(0)

	result, err := engine.SyncAll(context.Background(), f.connector)
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 3, result.Synced["people"])
	assert.Equal(t, 3, result.TotalSynced())

	result, err = engine.SyncAll(context.Background(), f.connector)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Synced["people"])

	rows := f.store.Rows("people")
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.Equal(t, f.tenantID, row["tenant_id"])
		assert.NotEmpty(t, row[targets.KeyColumn])
		assert.Equal(t, "person", row["full_name"])
	}
}

func TestSyncAll_ConditionAlwaysCarriesTenant(t *testing.T) {
	f := newFixture(t)
	otherTenant, otherConnector := f.addConnector()
	f.mapApp(f.connector, "10", "company", key("reg", "registration_number"), field("name", "name"))
	f.mapApp(otherConnector, "10", "company", key("reg", "registration_number"), field("name", "name"))
	f.server.AddRecord("10", 1, map[string]any{"reg": "REG-1", "name": "Acme"})
	engine := f.engine(0)

	_, err := engine.SyncAll(context.Background(), otherConnector)
	require.NoError(t, err)
	_, err = engine.SyncAll(context.Background(), f.connector)
	require.NoError(t, err)

	rows := f.store.Rows("companies")
	require.Len(t, rows, 2)
	assert.Len(t, rowsFor(rows, f.tenantID), 1)
	assert.Len(t, rowsFor(rows, otherTenant), 1)
}

func TestSyncAll_UpdatesByMappedKey(t *testing.T) {
	f := newFixture(t)
	f.store.Tables["people"] = []map[string]any{
		{"id": uuid.New(), "tenant_id": f.tenantID, "email": "ann@example.com", "full_name": "Old"},
	}
	f.mapApp(f.connector, "10", "person", key("mail", "email"), field("name", "full_name"))
	f.server.AddRecord("10", 1, map[string]any{"mail": "ann@example.com", "name": "Ann"})
	f.server.AddRecord("10", 2, map[string]any{"mail": "bob@example.com", "name": "Bob"})

	result, err := f.engine(0).SyncAll(context.Background(), f.connector)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Synced["people"])

	rows := f.store.Rows("people")
	require.Len(t, rows, 2)
	assert.Equal(t, "Ann", rows[0]["full_name"])
	assert.Equal(t, "1", rows[0][targets.KeyColumn])
}

func TestSyncAll_SkipIfNoUpdateTarget(t *testing.T) {
	f := newFixture(t)
	mapping := f.mapApp(f.connector, "10", "person", field("name", "full_name"))
	f.store.AppMappings[mapping.ID].SkipIfNoUpdateTarget = true
	f.server.AddRecord("10", 1, map[string]any{"name": "Ann"})

	result, err := f.engine(0).SyncAll(context.Background(), f.connector)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Synced["people"])
	assert.Equal(t, 1, result.Skipped["people"])
	assert.Empty(t, f.store.Rows("people"))
}

func TestSyncAll_FailingAppDoesNotAbortSiblings(t *testing.T) {
	f := newFixture(t)
	f.mapApp(f.connector, "10", "person", field("name", "full_name"))
	f.mapApp(f.connector, "20", "visa_case", field("case", "case_number"))
	f.server.AddRecord("10", 1, map[string]any{"name": "Ann"})
	f.server.FailRecords("20", http.StatusInternalServerError)

	result, err := f.engine(0).SyncAll(context.Background(), f.connector)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced["people"])
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "20", result.Errors[0].SourceAppID)
	assert.Empty(t, result.Errors[0].RecordID)
}

func TestSyncAll_RecordErrorsAreCollected(t *testing.T) {
	f := newFixture(t)
	required := field("name", "full_name")
	required.IsRequired = true
	f.mapApp(f.connector, "10", "person", required)
	f.server.AddRecord("10", 1, map[string]any{"name": "Ann"})
	f.server.AddRecord("10", 2, map[string]any{"name": nil})
	f.server.AddRecord("10", 3, map[string]any{"name": "Cy"})

	result, err := f.engine(0).SyncAll(context.Background(), f.connector)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Synced["people"])
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "2", result.Errors[0].RecordID)
	assert.Contains(t, result.Errors[0].Message, "required")
}

func TestSyncAll_InvalidMappingsAreAppErrors(t *testing.T) {
	f := newFixture(t)
	f.mapApp(f.connector, "10", "invoice", field("name", "name"))
	f.mapApp(f.connector, "20", "person", field("name", "tenant_id"))
	f.server.AddRecord("10", 1, map[string]any{"name": "x"})
	f.server.AddRecord("20", 1, map[string]any{"name": "x"})

	result, err := f.engine(0).SyncAll(context.Background(), f.connector)
	require.NoError(t, err)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0].Message, "unknown target app type")
	assert.Contains(t, result.Errors[1].Message, "not writable")
	assert.Empty(t, f.store.Rows("people"))
	assert.Empty(t, f.server.Queries())
}

func TestSyncAll_PagesAndFilters(t *testing.T) {
	f := newFixture(t)
	mapping := f.mapApp(f.connector, "10", "person", field("name", "full_name"))
	filter := `status in ("active")`
	f.store.AppMappings[mapping.ID].RecordFilter = &filter
	for i := 1; i <= 5; i++ {
		f.server.AddRecord("10", i, map[string]any{"name": "p"})
	}

	result, err := f.engine(2).SyncAll(context.Background(), f.connector)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Synced["people"])

	queries := f.server.Queries()
	require.Len(t, queries, 3)
	assert.Equal(t, `(status in ("active")) and $id > 0 order by $id asc limit 2`, queries[0])
}

func TestSyncAll_ConnectorFailure(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine(0).SyncAll(context.Background(), uuid.New())
	assert.True(t, apperrors.IsNotFound(err))
}
