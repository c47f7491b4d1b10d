// Package providers resolves the OAuth provider configuration of a connector.
//
// Each provider is its own strongly typed struct. Resolve selects the variant
// from Connector.Provider and fills it from the stored client registration,
// falling back to the service-wide defaults.
package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/Ramsey-B/clover/pkg/apperrors"
	"github.com/Ramsey-B/clover/pkg/credentials"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// DefaultKintoneScopes are requested when the connector does not list any
var DefaultKintoneScopes = []string{"k:app_record:read", "k:app_record:write", "k:app_settings:read"}

var DefaultHubSpotScopes = []string{"crm.objects.contacts.read", "crm.objects.companies.read"}

// Provider is one OAuth provider variant
type Provider interface {
	Name() models.Provider
	// OAuth2Config builds the client configuration for the given redirect URI.
	OAuth2Config(redirectURI string) *oauth2.Config
}

// Kintone is a kintone (cybozu.com) tenant domain with its client registration
type Kintone struct {
	ClientID     string
	ClientSecret string
	// Domain is the host of the kintone environment, e.g. acme.cybozu.com.
	// A value with a scheme is used verbatim.
	Domain string
	Scopes []string
}

func (Kintone) Name() models.Provider {
	return models.ProviderKintone
}

// BaseURL is the origin of both the OAuth and REST endpoints.
func (k Kintone) BaseURL() string {
	if strings.HasPrefix(k.Domain, "http://") || strings.HasPrefix(k.Domain, "https://") {
		return strings.TrimSuffix(k.Domain, "/")
	}
	return "https://" + k.Domain
}

func (k Kintone) OAuth2Config(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     k.ClientID,
		ClientSecret: k.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   k.BaseURL() + "/oauth2/authorization",
			TokenURL:  k.BaseURL() + "/oauth2/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: redirectURI,
		Scopes:      k.Scopes,
	}
}

// HubSpot is the HubSpot public app registration
type HubSpot struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
	// AuthURL and TokenURL override the public endpoints when set
	AuthURL  string
	TokenURL string
}

func (HubSpot) Name() models.Provider {
	return models.ProviderHubSpot
}

func (h HubSpot) OAuth2Config(redirectURI string) *oauth2.Config {
	authURL := h.AuthURL
	if authURL == "" {
		authURL = "https://app.hubspot.com/oauth/authorize"
	}
	tokenURL := h.TokenURL
	if tokenURL == "" {
		tokenURL = "https://api.hubapi.com/oauth/v1/token"
	}
	return &oauth2.Config{
		ClientID:     h.ClientID,
		ClientSecret: h.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   authURL,
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: redirectURI,
		Scopes:      h.Scopes,
	}
}

// CredentialReader loads a decoded credential into out
type CredentialReader interface {
	GetInto(ctx context.Context, connectorID uuid.UUID, credType models.CredentialType, out any) (bool, error)
}

// Defaults is the service-wide client registration
type Defaults struct {
	KintoneClientID     string
	KintoneClientSecret string
}

// Resolver builds the provider of a connector
type Resolver struct {
	credentials CredentialReader
	defaults    Defaults
}

func NewResolver(reader CredentialReader, defaults Defaults) *Resolver {
	return &Resolver{credentials: reader, defaults: defaults}
}

// Resolve returns the provider of connector. A missing or incomplete client
// registration is a configuration error.
func (r *Resolver) Resolve(ctx context.Context, connector *models.Connector) (Provider, error) {
	ctx, span := tracing.StartSpan(ctx, "ProviderResolver.Resolve")
	defer span.End()

	switch connector.Provider {
	case models.ProviderKintone:
		return r.kintone(ctx, connector)
	case models.ProviderHubSpot:
		return r.hubspot(ctx, connector)
	}
	return nil, apperrors.Configuration("unsupported provider %q", connector.Provider)
}

func (r *Resolver) kintone(ctx context.Context, connector *models.Connector) (*Kintone, error) {
	var cfg credentials.KintoneConfig
	if _, err := r.credentials.GetInto(ctx, connector.ID, models.CredentialTypeKintoneConfig, &cfg); err != nil {
		return nil, err
	}

	clientID, clientSecret := cfg.ClientID, cfg.ClientSecret
	if clientID == "" || clientSecret == "" {
		clientID, clientSecret = r.defaults.KintoneClientID, r.defaults.KintoneClientSecret
	}
	if clientID == "" || clientSecret == "" {
		return nil, apperrors.Configuration("kintone client credentials are not configured for connector %s", connector.ID)
	}

	domain := KintoneDomain(cfg, connector.ProviderConfig.Data)
	if domain == "" {
		return nil, apperrors.Configuration("kintone domain is not configured for connector %s", connector.ID)
	}

	return &Kintone{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Domain:       domain,
		Scopes:       scopesOr(connector.Scopes.Data, DefaultKintoneScopes),
	}, nil
}

func (r *Resolver) hubspot(ctx context.Context, connector *models.Connector) (*HubSpot, error) {
	var cfg struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	found, err := r.credentials.GetInto(ctx, connector.ID, models.CredentialTypeHubSpotConfig, &cfg)
	if err != nil {
		return nil, err
	}
	if !found || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, apperrors.Configuration("hubspot client credentials are not configured for connector %s", connector.ID)
	}
	return &HubSpot{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       scopesOr(connector.Scopes.Data, DefaultHubSpotScopes),
	}, nil
}

// KintoneDomain picks the domain from the stored registration first and the
// connector's provider config second. A bare subdomain maps to cybozu.com.
func KintoneDomain(cfg credentials.KintoneConfig, providerConfig map[string]any) string {
	if cfg.Domain != "" {
		return cfg.Domain
	}
	if cfg.Subdomain != "" {
		return fmt.Sprintf("%s.cybozu.com", cfg.Subdomain)
	}
	if domain, ok := providerConfig["domain"].(string); ok && domain != "" {
		return domain
	}
	if subdomain, ok := providerConfig["subdomain"].(string); ok && subdomain != "" {
		return fmt.Sprintf("%s.cybozu.com", subdomain)
	}
	return ""
}

func scopesOr(scopes, fallback []string) []string {
	if len(scopes) > 0 {
		return scopes
	}
	return append([]string(nil), fallback...)
}
