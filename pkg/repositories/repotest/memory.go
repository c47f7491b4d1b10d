// Package repotest provides in-memory repositories for service tests.
package repotest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/repositories"
)

type credentialKey struct {
	connectorID uuid.UUID
	credType    models.CredentialType
}

// Store is a single in-memory database shared by all fakes.
type Store struct {
	mu            sync.Mutex
	Connectors    map[uuid.UUID]*models.Connector
	Credentials   map[credentialKey]*models.Credential
	Logs          []models.ConnectorLog
	AppMappings   map[uuid.UUID]*models.AppMapping
	FieldMappings map[uuid.UUID][]models.FieldMapping
	Apps          map[string]models.KintoneApp
	Fields        map[string]models.KintoneField
	// Tables holds target rows by table name
	Tables map[string][]map[string]any
	// StatusUpdates counts connector status writes
	StatusUpdates int
}

func NewStore() *Store {
	return &Store{
		Connectors:    map[uuid.UUID]*models.Connector{},
		Credentials:   map[credentialKey]*models.Credential{},
		AppMappings:   map[uuid.UUID]*models.AppMapping{},
		FieldMappings: map[uuid.UUID][]models.FieldMapping{},
		Apps:          map[string]models.KintoneApp{},
		Fields:        map[string]models.KintoneField{},
		Tables:        map[string][]map[string]any{},
	}
}

func notFound(format string, args ...any) error {
	return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf(format, args...))
}

// Connectors

type ConnectorRepo struct{ *Store }

func (s ConnectorRepo) Create(_ context.Context, c *models.Connector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = models.ConnectorStatusDisconnected
	}
	c.CreatedAt, c.UpdatedAt = time.Now(), time.Now()
	copied := *c
	s.Connectors[c.ID] = &copied
	return nil
}

func (s ConnectorRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Connector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.Connectors[id]
	if !ok {
		return nil, notFound("connector %s does not exist", id)
	}
	copied := *c
	return &copied, nil
}

func (s ConnectorRepo) ListByTenant(_ context.Context, tenantID uuid.UUID) ([]models.Connector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Connector{}
	for _, c := range s.Connectors {
		if c.TenantID == tenantID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s ConnectorRepo) FindEquivalent(_ context.Context, tenantID uuid.UUID, provider models.Provider, config map[string]any) (*models.Connector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want, _ := json.Marshal(config)
	for _, c := range s.Connectors {
		got, _ := json.Marshal(c.ProviderConfig.Data)
		if c.TenantID == tenantID && c.Provider == provider && reflect.DeepEqual(normalize(got), normalize(want)) {
			copied := *c
			return &copied, nil
		}
	}
	return nil, nil
}

func normalize(data []byte) any {
	var v any
	_ = json.Unmarshal(data, &v)
	return v
}

func (s ConnectorRepo) ListByProviderStatus(_ context.Context, provider models.Provider, status models.ConnectorStatus) ([]models.Connector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Connector{}
	for _, c := range s.Connectors {
		if c.Provider == provider && c.Status == status {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (s ConnectorRepo) UpdateStatus(_ context.Context, id uuid.UUID, status models.ConnectorStatus, errorMessage *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.Connectors[id]
	if !ok {
		return notFound("connector %s does not exist", id)
	}
	c.Status = status
	c.ErrorMessage = errorMessage
	c.UpdatedAt = time.Now()
	s.StatusUpdates++
	return nil
}

func (s ConnectorRepo) UpdateProviderConfig(_ context.Context, id uuid.UUID, config map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.Connectors[id]
	if !ok {
		return notFound("connector %s does not exist", id)
	}
	c.ProviderConfig.Data = config
	return nil
}

// Credentials

type CredentialRepo struct{ *Store }

func (s CredentialRepo) Get(_ context.Context, connectorID uuid.UUID, credType models.CredentialType) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.Credentials[credentialKey{connectorID, credType}]
	if !ok {
		return nil, notFound("credential %s for connector %s does not exist", credType, connectorID)
	}
	copied := *c
	return &copied, nil
}

func (s CredentialRepo) Upsert(_ context.Context, connectorID uuid.UUID, credType models.CredentialType, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := payload
	key := credentialKey{connectorID, credType}
	existing, ok := s.Credentials[key]
	if !ok {
		existing = &models.Credential{ID: uuid.New(), ConnectorID: connectorID, Type: credType, CreatedAt: time.Now()}
		s.Credentials[key] = existing
	}
	existing.Payload = &p
	existing.PayloadEncrypted = nil
	existing.UpdatedAt = time.Now()
	return nil
}

func (s CredentialRepo) Delete(_ context.Context, connectorID uuid.UUID, types ...models.CredentialType) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range types {
		key := credentialKey{connectorID, t}
		if _, ok := s.Credentials[key]; ok {
			delete(s.Credentials, key)
			n++
		}
	}
	return n, nil
}

// PutRaw stores a credential row as-is, for legacy encodings.
func (s *Store) PutRaw(connectorID uuid.UUID, credType models.CredentialType, payload *string, encrypted []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Credentials[credentialKey{connectorID, credType}] = &models.Credential{
		ID: uuid.New(), ConnectorID: connectorID, Type: credType,
		Payload: payload, PayloadEncrypted: encrypted,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
}

// HasCredential reports whether a row exists for (connectorID, credType).
func (s *Store) HasCredential(connectorID uuid.UUID, credType models.CredentialType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.Credentials[credentialKey{connectorID, credType}]
	return ok
}

// Logs

type ConnectorLogRepo struct{ *Store }

func (s ConnectorLogRepo) Append(_ context.Context, entry *models.ConnectorLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = time.Now()
	s.Logs = append(s.Logs, *entry)
	return nil
}

func (s ConnectorLogRepo) ListByConnector(_ context.Context, connectorID uuid.UUID, limit int) ([]models.ConnectorLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.ConnectorLog{}
	for i := len(s.Logs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.Logs[i].ConnectorID == connectorID {
			out = append(out, s.Logs[i])
		}
	}
	return out, nil
}

// Events returns the logged event names of a connector in order.
func (s *Store) Events(connectorID uuid.UUID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, l := range s.Logs {
		if l.ConnectorID == connectorID {
			out = append(out, l.Event)
		}
	}
	return out
}

// Mappings

type AppMappingRepo struct{ *Store }

func (s AppMappingRepo) Create(_ context.Context, m *models.AppMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.IsActive = false
	copied := *m
	s.AppMappings[m.ID] = &copied
	return nil
}

func (s AppMappingRepo) GetByID(_ context.Context, id uuid.UUID) (*models.AppMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.AppMappings[id]
	if !ok {
		return nil, notFound("app mapping %s does not exist", id)
	}
	copied := *m
	return &copied, nil
}

func (s AppMappingRepo) ListActive(_ context.Context, connectorID uuid.UUID) ([]models.AppMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.AppMapping{}
	for _, m := range s.AppMappings {
		if m.ConnectorID == connectorID && m.IsActive {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceAppID < out[j].SourceAppID })
	return out, nil
}

func (s AppMappingRepo) Activate(_ context.Context, id uuid.UUID) (*models.AppMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.AppMappings[id]
	if !ok {
		return nil, notFound("app mapping %s does not exist", id)
	}
	for _, m := range s.AppMappings {
		if m.ConnectorID == target.ConnectorID && m.SourceAppID == target.SourceAppID {
			m.IsActive = false
		}
	}
	target.IsActive = true
	copied := *target
	return &copied, nil
}

type FieldMappingRepo struct{ *Store }

func (s FieldMappingRepo) ListActive(_ context.Context, appMappingID uuid.UUID) ([]models.FieldMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.FieldMapping{}
	for _, m := range s.FieldMappings[appMappingID] {
		if m.IsActive {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out, nil
}

func (s FieldMappingRepo) Replace(_ context.Context, appMappingID uuid.UUID, mappings []models.FieldMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range mappings {
		if mappings[i].ID == uuid.Nil {
			mappings[i].ID = uuid.New()
		}
		mappings[i].AppMappingID = appMappingID
	}
	s.FieldMappings[appMappingID] = append([]models.FieldMapping(nil), mappings...)
	return nil
}

// Kintone schema

type KintoneSchemaRepo struct{ *Store }

func (s KintoneSchemaRepo) UpsertApps(_ context.Context, connectorID uuid.UUID, apps []models.KintoneApp) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, app := range apps {
		key := connectorID.String() + "/" + app.AppID
		existing, ok := s.Apps[key]
		if ok {
			app.ID = existing.ID
		} else {
			app.ID = uuid.New()
		}
		app.ConnectorID = connectorID
		app.SyncedAt = time.Now()
		s.Apps[key] = app
	}
	return len(apps), nil
}

func (s KintoneSchemaRepo) UpsertFields(_ context.Context, connectorID uuid.UUID, appID string, fields []models.KintoneField) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, field := range fields {
		key := connectorID.String() + "/" + appID + "/" + field.FieldCode
		existing, ok := s.Fields[key]
		if ok {
			field.ID = existing.ID
		} else {
			field.ID = uuid.New()
		}
		field.ConnectorID = connectorID
		field.AppID = appID
		s.Fields[key] = field
	}
	return len(fields), nil
}

func (s KintoneSchemaRepo) ListApps(_ context.Context, connectorID uuid.UUID) ([]models.KintoneApp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.KintoneApp{}
	for _, app := range s.Apps {
		if app.ConnectorID == connectorID {
			out = append(out, app)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppID < out[j].AppID })
	return out, nil
}

func (s KintoneSchemaRepo) ListFields(_ context.Context, connectorID uuid.UUID, appID string) ([]models.KintoneField, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.KintoneField{}
	for _, f := range s.Fields {
		if f.ConnectorID == connectorID && f.AppID == appID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FieldCode < out[j].FieldCode })
	return out, nil
}

// Target records

type RecordRepo struct{ *Store }

func (s RecordRepo) Upsert(_ context.Context, upsert repositories.RecordUpsert) (repositories.UpsertOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := upsert.Condition["tenant_id"]; !ok {
		return "", httperror.NewHTTPError(http.StatusBadRequest, "record condition must include tenant_id")
	}
	rows := s.Tables[upsert.Table]
	for _, row := range rows {
		if matches(row, upsert.Condition) {
			for k, v := range upsert.Values {
				if k != "tenant_id" && k != "id" {
					row[k] = v
				}
			}
			return repositories.UpsertUpdated, nil
		}
	}
	if !upsert.InsertIfMissing {
		return repositories.UpsertSkipped, nil
	}
	row := map[string]any{"id": uuid.New()}
	for k, v := range upsert.Values {
		row[k] = v
	}
	for k, v := range upsert.Condition {
		row[k] = v
	}
	s.Tables[upsert.Table] = append(rows, row)
	return repositories.UpsertInserted, nil
}

func matches(row, cond map[string]any) bool {
	for k, v := range cond {
		if fmt.Sprint(row[k]) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

// Rows returns a copy of the rows of a target table.
func (s *Store) Rows(table string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.Tables[table]...)
}

var (
	_ repositories.ConnectorRepo     = ConnectorRepo{}
	_ repositories.CredentialRepo    = CredentialRepo{}
	_ repositories.ConnectorLogRepo  = ConnectorLogRepo{}
	_ repositories.AppMappingRepo    = AppMappingRepo{}
	_ repositories.FieldMappingRepo  = FieldMappingRepo{}
	_ repositories.KintoneSchemaRepo = KintoneSchemaRepo{}
	_ repositories.RecordRepo        = RecordRepo{}
)
