package auth_test

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/apperrors"
	"github.com/Ramsey-B/clover/pkg/auth"
	"github.com/Ramsey-B/clover/pkg/connectors"
	"github.com/Ramsey-B/clover/pkg/credentials"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/providers"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/repositories/repotest"
	"github.com/Ramsey-B/clover/pkg/secretstore"
)

const baseURL = "https://app.example.com"

var origin = auth.RequestOrigin{ForwardedProto: "https", ForwardedHost: "app.example.com"}

type memorySessions struct {
	mu       sync.Mutex
	sessions map[string]models.PendingAuthorization
}

func (s *memorySessions) Save(_ context.Context, p *models.PendingAuthorization, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[p.ID] = *p
	return nil
}

func (s *memorySessions) Take(_ context.Context, id string) (*models.PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.sessions[id]
	if !ok {
		return nil, redis.ErrSessionNotFound
	}
	delete(s.sessions, id)
	return &p, nil
}

func (s *memorySessions) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

type memoryLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *memoryLocker) WithLock(ctx context.Context, key string, _, _ time.Duration, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[key] = lock
	}
	l.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn(ctx)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// tokenServer is a kintone token endpoint
type tokenServer struct {
	*httptest.Server
	challenge atomic.Value
	exchanges atomic.Int32
	refreshes atomic.Int32
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func newTokenServer(t *testing.T) *tokenServer {
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth2/token" || r.ParseForm() != nil {
			http.NotFound(w, r)
			return
		}
		if r.Form.Get("client_id") != "abc" || r.Form.Get("client_secret") != "xyz" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_client"})
			return
		}

		switch r.Form.Get("grant_type") {
		case "authorization_code":
			ts.exchanges.Add(1)
			sum := sha256.Sum256([]byte(r.Form.Get("code_verifier")))
			if r.Form.Get("code") == "bad-code" || base64.RawURLEncoding.EncodeToString(sum[:]) != ts.challenge.Load() {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
				return
			}
			if r.Form.Get("redirect_uri") != baseURL+"/auth/kintone/callback" {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"access_token":  "access-1",
				"refresh_token": "refresh-1",
				"token_type":    "Bearer",
				"expires_in":    3600,
				"scope":         "k:app_record:read",
			})
		case "refresh_token":
			ts.refreshes.Add(1)
			time.Sleep(20 * time.Millisecond)
			if r.Form.Get("refresh_token") == "revoked" {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"access_token": "access-2",
				"token_type":   "Bearer",
				"expires_in":   3600,
			})
		default:
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unsupported_grant_type"})
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

type fixture struct {
	engine    *auth.Engine
	manager   *connectors.Manager
	creds     *credentials.Store
	db        *repotest.Store
	sessions  *memorySessions
	clock     *clock
	server    *tokenServer
	tenantID  uuid.UUID
	connector uuid.UUID
}

func setup(t *testing.T, devBypass bool) *fixture {
	t.Helper()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	sealer, err := secretstore.New("auth-secret")
	require.NoError(t, err)

	db := repotest.NewStore()
	creds := credentials.NewStore(repotest.CredentialRepo{Store: db}, sealer, logger)
	manager := connectors.NewManager(repotest.ConnectorRepo{Store: db}, repotest.ConnectorLogRepo{Store: db}, creds, nil, logger)
	server := newTokenServer(t)

	tenantID := uuid.New()
	connectorID, err := manager.Create(context.Background(), connectors.CreateRequest{
		TenantID: tenantID,
		Provider: models.ProviderKintone,
		Config:   map[string]any{"subdomain": "acme"},
	})
	require.NoError(t, err)
	require.NoError(t, creds.Store(context.Background(), connectorID, models.CredentialTypeKintoneConfig,
		credentials.KintoneConfig{ClientID: "abc", ClientSecret: "xyz", Domain: server.URL}))

	sessions := &memorySessions{sessions: map[string]models.PendingAuthorization{}}
	clk := &clock{now: time.Now()}
	engine := auth.NewEngine(manager, creds, providers.NewResolver(creds, providers.Defaults{}), sessions,
		&memoryLocker{locks: map[string]*sync.Mutex{}},
		auth.Config{
			StateSecret: "state-secret",
			BaseURL:     baseURL,
			SessionTTL:  10 * time.Minute,
			DevBypass:   devBypass,
			HTTPClient:  server.Client(),
			Now:         clk.Now,
		}, logger)

	return &fixture{
		engine:    engine,
		manager:   manager,
		creds:     creds,
		db:        db,
		sessions:  sessions,
		clock:     clk,
		server:    server,
		tenantID:  tenantID,
		connector: connectorID,
	}
}

func (f *fixture) start(t *testing.T, returnTo string) *url.URL {
	t.Helper()
	redirect, err := f.engine.Start(context.Background(), auth.StartRequest{
		Provider:    "kintone",
		ConnectorID: f.connector,
		TenantID:    &f.tenantID,
		ReturnTo:    returnTo,
		Origin:      origin,
	})
	require.NoError(t, err)
	u, err := url.Parse(redirect)
	require.NoError(t, err)
	f.server.challenge.Store(u.Query().Get("code_challenge"))
	return u
}

func (f *fixture) callback(code, state string) (string, error) {
	return f.engine.Callback(context.Background(), auth.CallbackRequest{
		Provider: "kintone",
		Code:     code,
		State:    state,
		Origin:   origin,
	})
}

func TestStart_BuildsAuthorizationURL(t *testing.T) {
	f := setup(t, false)
	u := f.start(t, "/settings/integrations")

	assert.Equal(t, f.server.URL+"/oauth2/authorization", u.Scheme+"://"+u.Host+u.Path)
	q := u.Query()
	assert.Equal(t, "abc", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, baseURL+"/auth/kintone/callback", q.Get("redirect_uri"))
	assert.Equal(t, strings.Join(providers.DefaultKintoneScopes, " "), q.Get("scope"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.NotEmpty(t, q.Get("state"))
	assert.Equal(t, 1, f.sessions.count())
}

func TestStart_Rejections(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()
	otherTenant := uuid.New()

	_, err := f.engine.Start(ctx, auth.StartRequest{Provider: "kintone", ConnectorID: f.connector, TenantID: &otherTenant, Origin: origin})
	assert.Equal(t, apperrors.KindForbidden, apperrors.KindOf(err))

	_, err = f.engine.Start(ctx, auth.StartRequest{Provider: "hubspot", ConnectorID: f.connector, Origin: origin})
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))

	_, err = f.engine.Start(ctx, auth.StartRequest{Provider: "kintone", ConnectorID: uuid.New(), Origin: origin})
	assert.True(t, apperrors.IsNotFound(err))

	_, err = f.engine.Start(ctx, auth.StartRequest{Provider: "kintone", ConnectorID: f.connector, ReturnTo: "https://evil.example.net/", Origin: origin})
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))

	_, err = f.engine.Start(ctx, auth.StartRequest{Provider: "dropbox", ConnectorID: f.connector, Origin: origin})
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))

	assert.Zero(t, f.sessions.count())
}

func TestStart_MissingProviderCredentials(t *testing.T) {
	f := setup(t, false)
	id, err := f.manager.Create(context.Background(), connectors.CreateRequest{TenantID: f.tenantID, Provider: models.ProviderKintone})
	require.NoError(t, err)

	_, err = f.engine.Start(context.Background(), auth.StartRequest{Provider: "kintone", ConnectorID: id, Origin: origin})
	assert.Equal(t, apperrors.KindConfiguration, apperrors.KindOf(err))
}

func TestCallback_Success(t *testing.T) {
	f := setup(t, false)
	u := f.start(t, "/settings/integrations")
	state := u.Query().Get("state")

	returnTo, err := f.callback("good-code", state)
	require.NoError(t, err)
	assert.Equal(t, "/settings/integrations", returnTo)

	var token credentials.OAuthToken
	found, err := f.creds.GetInto(context.Background(), f.connector, models.CredentialTypeOAuthToken, &token)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "access-1", token.AccessToken)
	assert.Equal(t, "refresh-1", token.RefreshToken)
	assert.Equal(t, "k:app_record:read", token.Scope)
	assert.Greater(t, token.ExpiresAt, time.Now().UnixMilli())

	connector, err := f.manager.Get(context.Background(), f.connector)
	require.NoError(t, err)
	assert.Equal(t, models.ConnectorStatusConnected, connector.Status)
	assert.Contains(t, f.db.Events(f.connector), auth.EventAuthorized)

	// the state is one-shot
	_, err = f.callback("good-code", state)
	assert.Equal(t, apperrors.KindAuthorization, apperrors.KindOf(err))
	assert.Equal(t, int32(1), f.server.exchanges.Load())
}

func TestCallback_Rejections(t *testing.T) {
	f := setup(t, false)
	u := f.start(t, "")
	state := u.Query().Get("state")

	_, err := f.engine.Callback(context.Background(), auth.CallbackRequest{Provider: "kintone", Error: "access_denied", ErrorDescription: "user denied"})
	assert.Equal(t, apperrors.KindAuthorization, apperrors.KindOf(err))

	_, err = f.callback("", state)
	assert.Equal(t, apperrors.KindAuthorization, apperrors.KindOf(err))

	_, err = f.callback("code", "")
	assert.Equal(t, apperrors.KindAuthorization, apperrors.KindOf(err))

	_, err = f.callback("code", state+"tampered")
	assert.Equal(t, apperrors.KindAuthorization, apperrors.KindOf(err))

	assert.Equal(t, 1, f.sessions.count())
	assert.Zero(t, f.server.exchanges.Load())
}

func TestCallback_ExpiredSession(t *testing.T) {
	f := setup(t, false)
	state := f.start(t, "").Query().Get("state")

	f.clock.Advance(11 * time.Minute)
	_, err := f.callback("good-code", state)
	assert.Equal(t, apperrors.KindAuthorization, apperrors.KindOf(err))
	assert.Zero(t, f.server.exchanges.Load())
}

func TestCallback_RedirectURIMismatch(t *testing.T) {
	f := setup(t, false)
	state := f.start(t, "").Query().Get("state")

	_, err := f.engine.Callback(context.Background(), auth.CallbackRequest{
		Provider: "kintone",
		Code:     "good-code",
		State:    state,
		Origin:   auth.RequestOrigin{Scheme: "http", Host: "internal:3000"},
	})
	assert.Equal(t, apperrors.KindAuthorization, apperrors.KindOf(err))
}

func TestCallback_ExchangeFailure(t *testing.T) {
	f := setup(t, false)
	state := f.start(t, "").Query().Get("state")

	_, err := f.callback("bad-code", state)
	assert.Equal(t, apperrors.KindTokenExchange, apperrors.KindOf(err))
	assert.Contains(t, f.db.Events(f.connector), auth.EventExchangeFailed)
	assert.False(t, f.db.HasCredential(f.connector, models.CredentialTypeOAuthToken))
}

func TestDevBypass(t *testing.T) {
	f := setup(t, true)
	u := f.start(t, "/done")

	assert.Equal(t, baseURL+"/auth/kintone/callback", u.Scheme+"://"+u.Host+u.Path)
	code := u.Query().Get("code")
	assert.True(t, strings.HasPrefix(code, auth.DevBypassCodePrefix))

	returnTo, err := f.callback(code, u.Query().Get("state"))
	require.NoError(t, err)
	assert.Equal(t, "/done", returnTo)
	assert.Zero(t, f.server.exchanges.Load())

	token, err := f.engine.AccessToken(context.Background(), f.connector)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "dev-"))
}

func TestDevBypass_StartWithoutProviderCredentials(t *testing.T) {
	f := setup(t, true)
	id, err := f.manager.Create(context.Background(), connectors.CreateRequest{TenantID: f.tenantID, Provider: models.ProviderKintone})
	require.NoError(t, err)

	redirect, err := f.engine.Start(context.Background(), auth.StartRequest{Provider: "kintone", ConnectorID: id, Origin: origin})
	require.NoError(t, err)
	u, err := url.Parse(redirect)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u.Query().Get("code"), auth.DevBypassCodePrefix))

	_, err = f.callback(u.Query().Get("code"), u.Query().Get("state"))
	require.NoError(t, err)
	assert.True(t, f.db.HasCredential(id, models.CredentialTypeOAuthToken))
}

func TestDevBypass_CodeRejectedWhenDisabled(t *testing.T) {
	f := setup(t, false)
	state := f.start(t, "").Query().Get("state")

	_, err := f.callback(auth.DevBypassCodePrefix+"abcd", state)
	assert.Equal(t, apperrors.KindAuthorization, apperrors.KindOf(err))
	assert.False(t, f.db.HasCredential(f.connector, models.CredentialTypeOAuthToken))
}

func (f *fixture) storeToken(t *testing.T, token credentials.OAuthToken) {
	t.Helper()
	require.NoError(t, f.creds.Store(context.Background(), f.connector, models.CredentialTypeOAuthToken, token))
}

func TestAccessToken_Valid(t *testing.T) {
	f := setup(t, false)
	f.storeToken(t, credentials.OAuthToken{AccessToken: "live", RefreshToken: "refresh-1", ExpiresAt: time.Now().Add(time.Hour).UnixMilli()})

	token, err := f.engine.AccessToken(context.Background(), f.connector)
	require.NoError(t, err)
	assert.Equal(t, "live", token)
	assert.Zero(t, f.server.refreshes.Load())
}

func TestAccessToken_RefreshesExpired(t *testing.T) {
	f := setup(t, false)
	require.NoError(t, f.manager.SetStatus(context.Background(), f.connector, models.ConnectorStatusError, nil))
	f.storeToken(t, credentials.OAuthToken{AccessToken: "stale", RefreshToken: "refresh-1", ExpiresAt: time.Now().Add(-time.Minute).UnixMilli()})

	token, err := f.engine.AccessToken(context.Background(), f.connector)
	require.NoError(t, err)
	assert.Equal(t, "access-2", token)

	var stored credentials.OAuthToken
	_, err = f.creds.GetInto(context.Background(), f.connector, models.CredentialTypeOAuthToken, &stored)
	require.NoError(t, err)
	assert.Equal(t, "access-2", stored.AccessToken)
	assert.Equal(t, "refresh-1", stored.RefreshToken)

	connector, err := f.manager.Get(context.Background(), f.connector)
	require.NoError(t, err)
	assert.Equal(t, models.ConnectorStatusConnected, connector.Status)
}

func TestAccessToken_ConcurrentRefreshHappensOnce(t *testing.T) {
	f := setup(t, false)
	f.storeToken(t, credentials.OAuthToken{AccessToken: "stale", RefreshToken: "refresh-1", ExpiresAt: time.Now().Add(-time.Minute).UnixMilli()})

	var wg sync.WaitGroup
	tokens := make([]string, 5)
	errs := make([]error, 5)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = f.engine.AccessToken(context.Background(), f.connector)
		}(i)
	}
	wg.Wait()

	for i := range tokens {
		require.NoError(t, errs[i])
		assert.Equal(t, "access-2", tokens[i])
	}
	assert.Equal(t, int32(1), f.server.refreshes.Load())
}

func TestAccessToken_RefreshFailureMarksError(t *testing.T) {
	f := setup(t, false)
	f.storeToken(t, credentials.OAuthToken{AccessToken: "stale", RefreshToken: "revoked", ExpiresAt: time.Now().Add(-time.Minute).UnixMilli()})

	_, err := f.engine.AccessToken(context.Background(), f.connector)
	assert.Equal(t, apperrors.KindTokenRefresh, apperrors.KindOf(err))

	connector, err := f.manager.Get(context.Background(), f.connector)
	require.NoError(t, err)
	assert.Equal(t, models.ConnectorStatusError, connector.Status)
	require.NotNil(t, connector.ErrorMessage)
	assert.Contains(t, *connector.ErrorMessage, "invalid_grant")
	assert.Contains(t, f.db.Events(f.connector), auth.EventRefreshFailed)
}

func TestAccessToken_NoRefreshToken(t *testing.T) {
	f := setup(t, false)
	f.storeToken(t, credentials.OAuthToken{AccessToken: "stale", ExpiresAt: time.Now().Add(-time.Minute).UnixMilli()})

	_, err := f.engine.AccessToken(context.Background(), f.connector)
	assert.Equal(t, apperrors.KindTokenRefresh, apperrors.KindOf(err))
	assert.Zero(t, f.server.refreshes.Load())
}

func TestAccessToken_NotAuthorized(t *testing.T) {
	f := setup(t, false)

	_, err := f.engine.AccessToken(context.Background(), f.connector)
	assert.Equal(t, apperrors.KindConfiguration, apperrors.KindOf(err))
}
