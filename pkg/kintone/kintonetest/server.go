// Package kintonetest serves a fake kintone REST API for service tests.
package kintonetest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"sync"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/apperrors"
	"github.com/Ramsey-B/clover/pkg/credentials"
	"github.com/Ramsey-B/clover/pkg/kintone"
	"github.com/Ramsey-B/clover/pkg/models"
)

const Token = "kintone-test-token"

var (
	cursorPattern = regexp.MustCompile(`\$id > (\d+)`)
	limitPattern  = regexp.MustCompile(`limit (\d+)`)
)

// Server is an in-memory kintone environment
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	apps     []kintone.App
	forms    map[string]kintone.Form
	records  map[string][]kintone.Record
	failApps map[string]int
	requests map[string]int
	queries  []string
}

func NewServer(t *testing.T) *Server {
	s := &Server{
		forms:    map[string]kintone.Form{},
		records:  map[string][]kintone.Record{},
		failApps: map[string]int{},
		requests: map[string]int{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/k/v1/apps.json", s.handleApps)
	mux.HandleFunc("/k/v1/app/form/fields.json", s.handleFields)
	mux.HandleFunc("/k/v1/records.json", s.handleRecords)
	s.Server = httptest.NewServer(s.authorize(mux))
	t.Cleanup(s.Close)
	return s
}

func (s *Server) SetApps(apps ...kintone.App) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apps = apps
}

func (s *Server) SetForm(appID string, fields ...kintone.Field) {
	s.mu.Lock()
	defer s.mu.Unlock()
	props := map[string]kintone.Field{}
	for _, f := range fields {
		props[f.Code] = f
	}
	s.forms[appID] = kintone.Form{Properties: props, Revision: "1"}
}

// AddRecord appends a record; values maps field codes to plain values.
func (s *Server) AddRecord(appID string, id int, values map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := kintone.Record{"$id": map[string]any{"type": "__ID__", "value": strconv.Itoa(id)}}
	for code, value := range values {
		record[code] = map[string]any{"type": "SINGLE_LINE_TEXT", "value": value}
	}
	s.records[appID] = append(s.records[appID], record)
}

// FailRecords makes record queries of appID answer with status
func (s *Server) FailRecords(appID string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failApps[appID] = status
}

// Requests counts calls per path
func (s *Server) Requests(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[path]
}

// Queries returns the record queries received so far
func (s *Server) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[r.URL.Path]++
		s.mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer "+Token {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"code": "CB_WA01", "message": "invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleApps(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	s.mu.Lock()
	defer s.mu.Unlock()
	page := []kintone.App{}
	for i := offset; i < len(s.apps) && i < offset+limit; i++ {
		page = append(page, s.apps[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"apps": page})
}

func (s *Server) handleFields(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	form, ok := s.forms[r.URL.Query().Get("app")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"code": "GAIA_AP01", "message": "app not found"})
		return
	}
	writeJSON(w, http.StatusOK, form)
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	appID := r.URL.Query().Get("app")
	query := r.URL.Query().Get("query")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, query)
	if status, ok := s.failApps[appID]; ok {
		writeJSON(w, status, map[string]any{"code": "GAIA_IQ11", "message": "query failed"})
		return
	}

	var after, limit int64 = 0, kintone.MaxRecordsLimit
	if m := cursorPattern.FindStringSubmatch(query); m != nil {
		after, _ = strconv.ParseInt(m[1], 10, 64)
	}
	if m := limitPattern.FindStringSubmatch(query); m != nil {
		limit, _ = strconv.ParseInt(m[1], 10, 64)
	}

	page := []kintone.Record{}
	for _, record := range s.records[appID] {
		id, _ := strconv.ParseInt(record.ID(), 10, 64)
		if id > after && int64(len(page)) < limit {
			page = append(page, record)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": page})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Connectors is a read-only connector lookup
type Connectors map[uuid.UUID]*models.Connector

func (c Connectors) Get(_ context.Context, id uuid.UUID) (*models.Connector, error) {
	connector, ok := c[id]
	if !ok {
		return nil, apperrors.NotFound("connector %s does not exist", id)
	}
	return connector, nil
}

// Configs serves kintone_config credentials
type Configs map[uuid.UUID]credentials.KintoneConfig

func (c Configs) GetInto(_ context.Context, connectorID uuid.UUID, credType models.CredentialType, out any) (bool, error) {
	cfg, ok := c[connectorID]
	if !ok || credType != models.CredentialTypeKintoneConfig {
		return false, nil
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(b, out)
}

// Tokens returns Token, or Err when set
type Tokens struct {
	Err error
}

func (t Tokens) AccessToken(_ context.Context, _ uuid.UUID) (string, error) {
	if t.Err != nil {
		return "", t.Err
	}
	return Token, nil
}

// Opener returns an opener whose configured connectors point at this server
func (s *Server) Opener(connectors Connectors, tokens Tokens) *kintone.Opener {
	configs := Configs{}
	for id := range connectors {
		configs[id] = credentials.KintoneConfig{ClientID: "cid", ClientSecret: "secret", Domain: s.URL}
	}
	return s.OpenerWith(connectors, configs, tokens)
}

func (s *Server) OpenerWith(connectors Connectors, configs Configs, tokens Tokens) *kintone.Opener {
	client := kintone.NewClient(s.Client(), ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
	return kintone.NewOpener(connectors, configs, tokens, client)
}
