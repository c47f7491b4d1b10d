package providers_test

import (
	"context"
	"net/url"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/apperrors"
	"github.com/Ramsey-B/clover/pkg/credentials"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/providers"
	"github.com/Ramsey-B/clover/pkg/repositories/repotest"
	"github.com/Ramsey-B/clover/pkg/secretstore"
)

func newStore(t *testing.T) *credentials.Store {
	t.Helper()
	sealer, err := secretstore.New("providers-secret")
	require.NoError(t, err)
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return credentials.NewStore(repotest.CredentialRepo{Store: repotest.NewStore()}, sealer, logger)
}

func kintoneConnector(config map[string]any) *models.Connector {
	return &models.Connector{
		ID:             uuid.New(),
		TenantID:       uuid.New(),
		Provider:       models.ProviderKintone,
		ProviderConfig: database.NewJSONB(config),
	}
}

func TestResolve_KintoneFromStoredConfig(t *testing.T) {
	store := newStore(t)
	connector := kintoneConnector(nil)
	require.NoError(t, store.Store(context.Background(), connector.ID, models.CredentialTypeKintoneConfig,
		credentials.KintoneConfig{ClientID: "abc", ClientSecret: "xyz", Subdomain: "acme"}))

	provider, err := providers.NewResolver(store, providers.Defaults{}).Resolve(context.Background(), connector)
	require.NoError(t, err)

	kintone, ok := provider.(*providers.Kintone)
	require.True(t, ok)
	assert.Equal(t, "acme.cybozu.com", kintone.Domain)
	assert.Equal(t, providers.DefaultKintoneScopes, kintone.Scopes)

	cfg := kintone.OAuth2Config("https://app.example.com/auth/kintone/callback")
	assert.Equal(t, "https://acme.cybozu.com/oauth2/authorization", cfg.Endpoint.AuthURL)
	assert.Equal(t, "https://acme.cybozu.com/oauth2/token", cfg.Endpoint.TokenURL)
	assert.Equal(t, "abc", cfg.ClientID)

	authURL, err := url.Parse(cfg.AuthCodeURL("state-1"))
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/auth/kintone/callback", authURL.Query().Get("redirect_uri"))
	assert.Equal(t, "k:app_record:read k:app_record:write k:app_settings:read", authURL.Query().Get("scope"))
}

func TestResolve_KintoneFallsBackToDefaults(t *testing.T) {
	store := newStore(t)
	connector := kintoneConnector(map[string]any{"subdomain": "globex"})

	provider, err := providers.NewResolver(store, providers.Defaults{
		KintoneClientID:     "default-id",
		KintoneClientSecret: "default-secret",
	}).Resolve(context.Background(), connector)
	require.NoError(t, err)

	kintone := provider.(*providers.Kintone)
	assert.Equal(t, "default-id", kintone.ClientID)
	assert.Equal(t, "globex.cybozu.com", kintone.Domain)
}

func TestResolve_MissingCredentialsIsConfigurationError(t *testing.T) {
	store := newStore(t)

	_, err := providers.NewResolver(store, providers.Defaults{}).Resolve(context.Background(), kintoneConnector(map[string]any{"subdomain": "acme"}))
	require.Error(t, err)
	assert.Equal(t, apperrors.KindConfiguration, apperrors.KindOf(err))
}

func TestResolve_MissingDomainIsConfigurationError(t *testing.T) {
	store := newStore(t)

	_, err := providers.NewResolver(store, providers.Defaults{
		KintoneClientID:     "id",
		KintoneClientSecret: "secret",
	}).Resolve(context.Background(), kintoneConnector(nil))
	assert.Equal(t, apperrors.KindConfiguration, apperrors.KindOf(err))
}

func TestResolve_HubSpot(t *testing.T) {
	store := newStore(t)
	connector := &models.Connector{ID: uuid.New(), Provider: models.ProviderHubSpot, Scopes: database.NewJSONB([]string{"crm.objects.deals.read"})}

	_, err := providers.NewResolver(store, providers.Defaults{}).Resolve(context.Background(), connector)
	assert.Equal(t, apperrors.KindConfiguration, apperrors.KindOf(err))

	require.NoError(t, store.Store(context.Background(), connector.ID, models.CredentialTypeHubSpotConfig,
		map[string]string{"client_id": "hs", "client_secret": "hs-secret"}))
	provider, err := providers.NewResolver(store, providers.Defaults{}).Resolve(context.Background(), connector)
	require.NoError(t, err)

	cfg := provider.OAuth2Config("https://app.example.com/auth/hubspot/callback")
	assert.Equal(t, "https://app.hubspot.com/oauth/authorize", cfg.Endpoint.AuthURL)
	assert.Equal(t, []string{"crm.objects.deals.read"}, cfg.Scopes)
}

func TestKintone_BaseURLKeepsScheme(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8080", providers.Kintone{Domain: "http://127.0.0.1:8080/"}.BaseURL())
	assert.Equal(t, "https://acme.kintone.com", providers.Kintone{Domain: "acme.kintone.com"}.BaseURL())
}

func TestKintoneDomain(t *testing.T) {
	assert.Equal(t, "custom.example.com", providers.KintoneDomain(credentials.KintoneConfig{Domain: "custom.example.com", Subdomain: "x"}, nil))
	assert.Equal(t, "from-config.cybozu.com", providers.KintoneDomain(credentials.KintoneConfig{}, map[string]any{"subdomain": "from-config"}))
	assert.Equal(t, "", providers.KintoneDomain(credentials.KintoneConfig{}, map[string]any{}))
}
