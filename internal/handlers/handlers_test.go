package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/internal/handlers"
	"github.com/Ramsey-B/clover/pkg/apperrors"
	"github.com/Ramsey-B/clover/pkg/auth"
	"github.com/Ramsey-B/clover/pkg/connectors"
	"github.com/Ramsey-B/clover/pkg/credentials"
	"github.com/Ramsey-B/clover/pkg/middleware"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/repositories/repotest"
	"github.com/Ramsey-B/clover/pkg/scheduler"
	"github.com/Ramsey-B/clover/pkg/secretstore"
	"github.com/Ramsey-B/clover/pkg/targets"
)

const cronSecret = "cron-secret"

type fakeFlow struct {
	start    auth.StartRequest
	callback auth.CallbackRequest
	err      error
}

func (f *fakeFlow) Start(_ context.Context, req auth.StartRequest) (string, error) {
	f.start = req
	if f.err != nil {
		return "", f.err
	}
	return "https://acme.kintone.com/oauth2/authorization?state=s", nil
}

func (f *fakeFlow) Callback(_ context.Context, req auth.CallbackRequest) (string, error) {
	f.callback = req
	if f.err != nil {
		return "", f.err
	}
	return "https://app.example.com/connectors", nil
}

type fakeSchema struct {
	appsCalls  int
	fieldsApp  string
	upserted   int
	connectors []uuid.UUID
}

func (f *fakeSchema) SyncApps(_ context.Context, connectorID uuid.UUID) (int, error) {
	f.appsCalls++
	f.connectors = append(f.connectors, connectorID)
	return f.upserted, nil
}

func (f *fakeSchema) SyncFields(_ context.Context, connectorID uuid.UUID, appID string) (int, error) {
	f.fieldsApp = appID
	f.connectors = append(f.connectors, connectorID)
	return f.upserted, nil
}

type fakeRunner struct {
	summary *scheduler.RunSummary
	err     error
}

func (f *fakeRunner) RunOnce(_ context.Context) (*scheduler.RunSummary, error) {
	return f.summary, f.err
}

type fixture struct {
	echo    *echo.Echo
	db      *repotest.Store
	manager *connectors.Manager
	flow    *fakeFlow
	schema  *fakeSchema
	runner  *fakeRunner
}

func setup(t *testing.T) *fixture {
	t.Helper()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	sealer, err := secretstore.New("handlers-secret")
	require.NoError(t, err)

	db := repotest.NewStore()
	creds := credentials.NewStore(repotest.CredentialRepo{Store: db}, sealer, logger)
	manager := connectors.NewManager(repotest.ConnectorRepo{Store: db}, repotest.ConnectorLogRepo{Store: db}, creds, nil, logger)

	f := &fixture{
		echo:    echo.New(),
		db:      db,
		manager: manager,
		flow:    &fakeFlow{},
		schema:  &fakeSchema{upserted: 3},
		runner:  &fakeRunner{summary: &scheduler.RunSummary{Success: true, Results: []scheduler.ConnectorResult{}}},
	}
	f.echo.HTTPErrorHandler = middleware.Error(logger)
	f.echo.Use(middleware.Context(true))

	handlers.NewAuthHandler(f.flow).RegisterRoutes(f.echo)
	handlers.NewIntegrationHandler(manager, f.schema).RegisterRoutes(f.echo)
	connectorHandler := handlers.NewConnectorHandler(manager)
	connectorHandler.RegisterDisconnect(f.echo)
	handlers.NewCronHandler(f.runner).RegisterRoutes(f.echo, middleware.CronAuth(cronSecret))

	api := f.echo.Group("/api/v1")
	connectorHandler.RegisterRoutes(api)
	handlers.NewMappingHandler(manager, repotest.AppMappingRepo{Store: db}, repotest.FieldMappingRepo{Store: db}, targets.DefaultCatalog()).
		RegisterRoutes(api)
	return f
}

func (f *fixture) do(method, path string, tenantID uuid.UUID, body any) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = strings.NewReader(string(raw))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if tenantID != uuid.Nil {
		req.Header.Set(middleware.HeaderTenantID, tenantID.String())
	}
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) connector(t *testing.T, tenantID uuid.UUID, provider models.Provider) uuid.UUID {
	t.Helper()
	id, err := f.manager.Create(context.Background(), connectors.CreateRequest{
		TenantID: tenantID,
		Provider: provider,
		Config:   map[string]any{"subdomain": uuid.NewString()},
	})
	require.NoError(t, err)
	return id
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body middleware.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Code
}

func TestAuth_StartRedirects(t *testing.T) {
	f := setup(t)
	connectorID := uuid.New()
	tenantID := uuid.New()

	path := "/auth/kintone/start?connectorId=" + connectorID.String() + "&tenantId=" + tenantID.String() + "&returnTo=/done"
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-Host", "api.example.com")
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "acme.kintone.com/oauth2/authorization")
	assert.Equal(t, "kintone", f.flow.start.Provider)
	assert.Equal(t, connectorID, f.flow.start.ConnectorID)
	require.NotNil(t, f.flow.start.TenantID)
	assert.Equal(t, tenantID, *f.flow.start.TenantID)
	assert.Equal(t, "/done", f.flow.start.ReturnTo)
	assert.Equal(t, "https", f.flow.start.Origin.ForwardedProto)
	assert.Equal(t, "api.example.com", f.flow.start.Origin.ForwardedHost)
}

func TestAuth_StartRejectsBadConnectorID(t *testing.T) {
	f := setup(t)

	rec := f.do(http.MethodGet, "/auth/kintone/start?connectorId=nope", uuid.Nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/auth/kintone/start", uuid.Nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuth_Callback(t *testing.T) {
	f := setup(t)

	rec := f.do(http.MethodGet, "/auth/kintone/callback?code=abc&state=xyz", uuid.Nil, nil)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://app.example.com/connectors", rec.Header().Get("Location"))
	assert.Equal(t, "abc", f.flow.callback.Code)
	assert.Equal(t, "xyz", f.flow.callback.State)

	f.flow.err = apperrors.New(apperrors.KindAuthorization, "invalid state")
	rec = f.do(http.MethodGet, "/auth/kintone/callback?error=access_denied&state=xyz", uuid.Nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "access_denied", f.flow.callback.Error)
}

func TestConnectors_CreateAndList(t *testing.T) {
	f := setup(t)
	tenantID := uuid.New()

	rec := f.do(http.MethodPost, "/api/v1/connectors", tenantID, map[string]any{
		"provider": "kintone",
		"config":   map[string]any{"subdomain": "acme"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created models.Connector
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, tenantID, created.TenantID)
	assert.Equal(t, models.ConnectorStatusDisconnected, created.Status)

	rec = f.do(http.MethodPost, "/api/v1/connectors", tenantID, map[string]any{
		"provider": "kintone",
		"config":   map[string]any{"subdomain": "acme"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/connectors", tenantID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.Connector
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = f.do(http.MethodGet, "/api/v1/connectors", uuid.New(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list)
}

func TestConnectors_Validation(t *testing.T) {
	f := setup(t)

	rec := f.do(http.MethodPost, "/api/v1/connectors", uuid.New(), map[string]any{"provider": "salesforce"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/connectors", uuid.Nil, map[string]any{"provider": "kintone"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestConnectors_TenantIsolation(t *testing.T) {
	f := setup(t)
	owner := uuid.New()
	id := f.connector(t, owner, models.ProviderKintone)

	rec := f.do(http.MethodGet, "/api/v1/connectors/"+id.String(), owner, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/connectors/"+id.String(), uuid.New(), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/connectors/"+uuid.NewString(), owner, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConnectors_ProviderConfigAndLogs(t *testing.T) {
	f := setup(t)
	tenantID := uuid.New()
	id := f.connector(t, tenantID, models.ProviderKintone)

	rec := f.do(http.MethodPut, "/api/v1/connectors/"+id.String()+"/provider-config", tenantID, map[string]any{
		"client_id":     "abc",
		"client_secret": "xyz",
		"subdomain":     "acme",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "xyz")
	assert.True(t, f.db.HasCredential(id, models.CredentialTypeKintoneConfig))

	rec = f.do(http.MethodPut, "/api/v1/connectors/"+id.String()+"/provider-config", tenantID, map[string]any{
		"client_id": "abc",
		"subdomain": "acme",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/connectors/"+id.String()+"/logs?limit=10", tenantID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var logs []models.ConnectorLog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	assert.NotEmpty(t, logs)

	rec = f.do(http.MethodGet, "/api/v1/connectors/"+id.String()+"/logs?limit=0", tenantID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConnectors_Disconnect(t *testing.T) {
	f := setup(t)
	tenantID := uuid.New()
	id := f.connector(t, tenantID, models.ProviderKintone)
	require.NoError(t, f.manager.SetStatus(context.Background(), id, models.ConnectorStatusConnected, nil))

	rec := f.do(http.MethodPost, "/connectors/"+id.String()+"/disconnect", uuid.Nil, map[string]any{
		"tenantId": uuid.NewString(),
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, "/connectors/"+id.String()+"/disconnect", uuid.Nil, map[string]any{
		"tenantId":    tenantID.String(),
		"connectorId": uuid.NewString(),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/connectors/"+id.String()+"/disconnect", uuid.Nil, map[string]any{
		"tenantId":    tenantID.String(),
		"connectorId": id.String(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp handlers.DisconnectResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)

	connector, err := f.manager.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.ConnectorStatusDisconnected, connector.Status)

	rec = f.do(http.MethodPost, "/connectors/"+id.String()+"/disconnect", uuid.Nil, map[string]any{
		"tenantId": tenantID.String(),
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIntegrations_Sync(t *testing.T) {
	f := setup(t)
	tenantID := uuid.New()
	id := f.connector(t, tenantID, models.ProviderKintone)

	rec := f.do(http.MethodPost, "/integrations/kintone/apps/sync?connectorId="+id.String(), tenantID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp handlers.SyncResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, handlers.SyncResponse{OK: true, Upserted: 3}, resp)

	rec = f.do(http.MethodPost, "/integrations/kintone/apps/42/fields/sync?connectorId="+id.String(), tenantID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "42", f.schema.fieldsApp)
	assert.Equal(t, []uuid.UUID{id, id}, f.schema.connectors)
}

func TestIntegrations_Rejects(t *testing.T) {
	f := setup(t)
	tenantID := uuid.New()
	id := f.connector(t, tenantID, models.ProviderKintone)

	rec := f.do(http.MethodPost, "/integrations/hubspot/apps/sync?connectorId="+id.String(), tenantID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/integrations/kintone/apps/sync?connectorId="+id.String(), uuid.New(), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, "/integrations/kintone/apps/sync", tenantID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Zero(t, f.schema.appsCalls)
}

func TestMappings_Lifecycle(t *testing.T) {
	f := setup(t)
	tenantID := uuid.New()
	id := f.connector(t, tenantID, models.ProviderKintone)

	create := func() models.AppMapping {
		rec := f.do(http.MethodPost, "/api/v1/app-mappings", tenantID, map[string]any{
			"connector_id":    id.String(),
			"source_app_id":   "7",
			"target_app_type": "person",
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var m models.AppMapping
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
		assert.False(t, m.IsActive)
		return m
	}
	first := create()
	second := create()

	rec := f.do(http.MethodPost, "/api/v1/app-mappings/"+first.ID.String()+"/activate", tenantID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(http.MethodPost, "/api/v1/app-mappings/"+second.ID.String()+"/activate", tenantID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	active, err := repotest.AppMappingRepo{Store: f.db}.ListActive(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)

	rec = f.do(http.MethodPut, "/api/v1/app-mappings/"+second.ID.String()+"/fields", tenantID, map[string]any{
		"fields": []map[string]any{
			{"source_field_code": "email", "target_field_code": "email", "is_update_key": true},
			{"source_field_code": "name", "target_field_code": "full_name", "is_required": true},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(http.MethodGet, "/api/v1/app-mappings/"+second.ID.String()+"/fields", tenantID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var fields []models.FieldMapping
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fields))
	require.Len(t, fields, 2)
	assert.Equal(t, "email", fields[0].TargetFieldCode)
	assert.Equal(t, "text", fields[0].TargetFieldType)
	assert.True(t, fields[0].IsUpdateKey)
	assert.Equal(t, 1, fields[1].SortOrder)
}

func TestMappings_Validation(t *testing.T) {
	f := setup(t)
	tenantID := uuid.New()
	id := f.connector(t, tenantID, models.ProviderKintone)
	hubspot := f.connector(t, tenantID, models.ProviderHubSpot)

	rec := f.do(http.MethodPost, "/api/v1/app-mappings", tenantID, map[string]any{
		"connector_id": id.String(), "source_app_id": "7", "target_app_type": "spaceship",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(apperrors.KindValidation), errorCode(t, rec))

	rec = f.do(http.MethodPost, "/api/v1/app-mappings", tenantID, map[string]any{
		"connector_id": hubspot.String(), "source_app_id": "7", "target_app_type": "person",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/app-mappings", uuid.New(), map[string]any{
		"connector_id": id.String(), "source_app_id": "7", "target_app_type": "person",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/app-mappings", tenantID, map[string]any{
		"connector_id": id.String(), "source_app_id": "7", "target_app_type": "person",
		"record_filter": `status = "active" order by $id desc limit 5`,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(apperrors.KindValidation), errorCode(t, rec))

	rec = f.do(http.MethodPost, "/api/v1/app-mappings", tenantID, map[string]any{
		"connector_id": id.String(), "source_app_id": "7", "target_app_type": "person",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var m models.AppMapping
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))

	fields := "/api/v1/app-mappings/" + m.ID.String() + "/fields"
	rec = f.do(http.MethodPut, fields, tenantID, map[string]any{
		"fields": []map[string]any{{"source_field_code": "x", "target_field_code": "tenant_id"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPut, fields, tenantID, map[string]any{
		"fields": []map[string]any{
			{"source_field_code": "a", "target_field_code": "email"},
			{"source_field_code": "b", "target_field_code": "email"},
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPut, fields, tenantID, map[string]any{
		"fields": []map[string]any{{"target_field_code": "email"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/app-mappings/"+m.ID.String()+"/activate", uuid.New(), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCron_Sync(t *testing.T) {
	f := setup(t)

	rec := f.do(http.MethodPost, "/cron/sync", uuid.Nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/cron/sync", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+cronSecret)
	rec = httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary scheduler.RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.True(t, summary.Success)

	f.runner.err = apperrors.Conflict("a sync run is already in progress")
	rec = httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
