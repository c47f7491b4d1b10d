// Package auth drives the OAuth authorization-code flow of connectors and
// hands out valid access tokens, refreshing them when they expire.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/Ramsey-B/clover/pkg/apperrors"
	"github.com/Ramsey-B/clover/pkg/credentials"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/providers"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const (
	// DevBypassCodePrefix marks authorization codes minted by the development bypass
	DevBypassCodePrefix = "dev-bypass-"

	DefaultSessionTTL      = 10 * time.Minute
	DefaultRefreshSkew     = 60 * time.Second
	DefaultRefreshLockTTL  = 30 * time.Second
	DefaultRefreshLockWait = 10 * time.Second

	EventAuthorized     = "oauth.authorized"
	EventExchangeFailed = "oauth.exchange_failed"
	EventRefreshed      = "oauth.token_refreshed"
	EventRefreshFailed  = "oauth.refresh_failed"
)

// Connectors is the connector lifecycle as seen by the flow
type Connectors interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Connector, error)
	SetStatus(ctx context.Context, id uuid.UUID, status models.ConnectorStatus, errorMessage *string) error
	AppendLog(ctx context.Context, id uuid.UUID, level models.LogLevel, event string, detail map[string]any) error
}

// CredentialStore persists tokens
type CredentialStore interface {
	Store(ctx context.Context, connectorID uuid.UUID, credType models.CredentialType, v any) error
	GetInto(ctx context.Context, connectorID uuid.UUID, credType models.CredentialType, out any) (bool, error)
}

// ProviderResolver selects the provider configuration of a connector
type ProviderResolver interface {
	Resolve(ctx context.Context, connector *models.Connector) (providers.Provider, error)
}

// SessionStore keeps pending authorizations. Take must delete what it returns.
type SessionStore interface {
	Save(ctx context.Context, p *models.PendingAuthorization, ttl time.Duration) error
	Take(ctx context.Context, id string) (*models.PendingAuthorization, error)
}

// Locker serializes work across processes
type Locker interface {
	WithLock(ctx context.Context, key string, ttl, wait time.Duration, fn func(ctx context.Context) error) error
}

type Config struct {
	StateSecret string
	BaseURL     string
	SessionTTL  time.Duration
	// DevBypass skips the provider round trip. Callers enable it only in development.
	DevBypass       bool
	RefreshSkew     time.Duration
	RefreshLockTTL  time.Duration
	RefreshLockWait time.Duration
	// HTTPClient is used for token requests when set
	HTTPClient *http.Client
	Now        func() time.Time
}

// Engine implements Start, Callback and AccessToken
type Engine struct {
	connectors  Connectors
	credentials CredentialStore
	providers   ProviderResolver
	sessions    SessionStore
	locker      Locker
	state       *StateSigner
	cfg         Config
	logger      ectologger.Logger
}

func NewEngine(
	connectors Connectors,
	credentials CredentialStore,
	providers ProviderResolver,
	sessions SessionStore,
	locker Locker,
	cfg Config,
	logger ectologger.Logger,
) *Engine {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.RefreshSkew <= 0 {
		cfg.RefreshSkew = DefaultRefreshSkew
	}
	if cfg.RefreshLockTTL <= 0 {
		cfg.RefreshLockTTL = DefaultRefreshLockTTL
	}
	if cfg.RefreshLockWait <= 0 {
		cfg.RefreshLockWait = DefaultRefreshLockWait
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Engine{
		connectors:  connectors,
		credentials: credentials,
		providers:   providers,
		sessions:    sessions,
		locker:      locker,
		state:       NewStateSigner(cfg.StateSecret, cfg.Now),
		cfg:         cfg,
		logger:      logger,
	}
}

type StartRequest struct {
	Provider    string
	ConnectorID uuid.UUID
	// TenantID is checked against the connector owner when set
	TenantID *uuid.UUID
	ReturnTo string
	Origin   RequestOrigin
}

type CallbackRequest struct {
	Provider         string
	Code             string
	State            string
	Error            string
	ErrorDescription string
	Origin           RequestOrigin
}

func (e *Engine) oauthContext(ctx context.Context) context.Context {
	if e.cfg.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, e.cfg.HTTPClient)
	}
	return ctx
}

// Start validates the request, records a pending authorization and returns
// the URL the user agent is redirected to.
func (e *Engine) Start(ctx context.Context, req StartRequest) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "AuthEngine.Start")
	defer span.End()

	redirectURL, err := e.start(ctx, req)
	if err != nil {
		tracing.RecordError(span, err)
		metrics.RecordOAuthFlow(req.Provider, "start", string(apperrors.KindOf(err)))
		return "", err
	}
	metrics.RecordOAuthFlow(req.Provider, "start", "success")
	return redirectURL, nil
}

func (e *Engine) start(ctx context.Context, req StartRequest) (string, error) {
	provider := models.Provider(req.Provider)
	if !provider.Valid() {
		return "", apperrors.Validation("unsupported provider %q", req.Provider)
	}
	if req.ConnectorID == uuid.Nil {
		return "", apperrors.Validation("connectorId is required")
	}

	connector, err := e.connectors.Get(ctx, req.ConnectorID)
	if err != nil {
		return "", err
	}
	if req.TenantID != nil && *req.TenantID != connector.TenantID {
		return "", apperrors.Forbidden("connector %s does not belong to this tenant", connector.ID)
	}
	if connector.Provider != provider {
		return "", apperrors.Validation("connector %s is a %s connector", connector.ID, connector.Provider)
	}

	returnTo, err := ValidateReturnTo(e.cfg.BaseURL, req.ReturnTo)
	if err != nil {
		return "", err
	}

	// The development bypass never contacts the provider.
	var resolved providers.Provider
	if !e.cfg.DevBypass {
		if resolved, err = e.providers.Resolve(ctx, connector); err != nil {
			return "", err
		}
	}

	redirectURI := RedirectURI(e.cfg.BaseURL, provider, req.Origin)
	verifier := oauth2.GenerateVerifier()

	state, stateID, err := e.state.Sign(StateClaims{
		TenantID:    connector.TenantID.String(),
		ConnectorID: connector.ID.String(),
		Provider:    string(provider),
		ReturnTo:    returnTo,
	}, e.cfg.SessionTTL)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, err, "failed to sign oauth state")
	}

	pending := &models.PendingAuthorization{
		ID:           stateID,
		TenantID:     connector.TenantID,
		ConnectorID:  connector.ID,
		Provider:     provider,
		ReturnTo:     returnTo,
		RedirectURI:  redirectURI,
		CodeVerifier: verifier,
		CreatedAt:    e.cfg.Now(),
	}
	if err := e.sessions.Save(ctx, pending, e.cfg.SessionTTL); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("failed to save pending authorization")
		return "", apperrors.Wrap(apperrors.KindInternal, err, "failed to start authorization")
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"connector_id": connector.ID,
		"provider":     provider,
	}).Info("Starting OAuth authorization")

	if e.cfg.DevBypass {
		return devBypassURL(redirectURI, state)
	}
	return resolved.OAuth2Config(redirectURI).AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), nil
}

func devBypassURL(redirectURI, state string) (string, error) {
	code, err := randomHex(16)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, err, "failed to start authorization")
	}
	query := url.Values{}
	query.Set("code", DevBypassCodePrefix+code)
	query.Set("state", state)
	return redirectURI + "?" + query.Encode(), nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Callback completes an authorization and returns the validated returnTo.
// The pending authorization is consumed whatever the outcome.
func (e *Engine) Callback(ctx context.Context, req CallbackRequest) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "AuthEngine.Callback")
	defer span.End()

	returnTo, err := e.callback(ctx, req)
	if err != nil {
		tracing.RecordError(span, err)
		metrics.RecordOAuthFlow(req.Provider, "callback", string(apperrors.KindOf(err)))
		return "", err
	}
	metrics.RecordOAuthFlow(req.Provider, "callback", "success")
	return returnTo, nil
}

func (e *Engine) callback(ctx context.Context, req CallbackRequest) (string, error) {
	if req.Error != "" {
		err := apperrors.Authorization("authorization was denied by the provider: %s", req.Error)
		if req.ErrorDescription != "" {
			err = err.With("error_description", req.ErrorDescription)
		}
		return "", err
	}
	if req.Code == "" || req.State == "" {
		return "", apperrors.Authorization("code and state are required")
	}

	claims, err := e.state.Verify(req.State)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindAuthorization, err, "invalid or expired state")
	}

	pending, err := e.sessions.Take(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, redis.ErrSessionNotFound) {
			return "", apperrors.Wrap(apperrors.KindAuthorization, err, "authorization session is missing or expired")
		}
		return "", apperrors.Wrap(apperrors.KindInternal, err, "failed to load authorization session")
	}

	if pending.ConnectorID.String() != claims.ConnectorID ||
		pending.TenantID.String() != claims.TenantID ||
		string(pending.Provider) != claims.Provider ||
		claims.Provider != req.Provider {
		return "", apperrors.Authorization("state does not match the authorization session")
	}
	if pending.Expired(e.cfg.Now(), e.cfg.SessionTTL) {
		return "", apperrors.Authorization("authorization session is missing or expired")
	}

	redirectURI := RedirectURI(e.cfg.BaseURL, pending.Provider, req.Origin)
	if redirectURI != pending.RedirectURI {
		e.logger.WithContext(ctx).WithFields(map[string]any{
			"expected": pending.RedirectURI,
			"actual":   redirectURI,
		}).Warn("redirect uri changed between start and callback")
		return "", apperrors.Authorization("redirect uri does not match the authorization request")
	}

	connector, err := e.connectors.Get(ctx, pending.ConnectorID)
	if err != nil {
		return "", err
	}

	token, err := e.exchange(ctx, connector, pending, req.Code)
	if err != nil {
		return "", err
	}

	if err := e.credentials.Store(ctx, connector.ID, models.CredentialTypeOAuthToken, token); err != nil {
		return "", err
	}
	if err := e.connectors.SetStatus(ctx, connector.ID, models.ConnectorStatusConnected, nil); err != nil {
		return "", err
	}
	e.audit(ctx, connector.ID, models.LogLevelInfo, EventAuthorized, map[string]any{"scope": token.Scope})

	e.logger.WithContext(ctx).WithField("connector_id", connector.ID).Info("OAuth authorization completed")
	return pending.ReturnTo, nil
}

func (e *Engine) exchange(ctx context.Context, connector *models.Connector, pending *models.PendingAuthorization, code string) (credentials.OAuthToken, error) {
	if strings.HasPrefix(code, DevBypassCodePrefix) {
		if !e.cfg.DevBypass {
			return credentials.OAuthToken{}, apperrors.Authorization("development authorization codes are not accepted")
		}
		return e.devToken()
	}

	resolved, err := e.providers.Resolve(ctx, connector)
	if err != nil {
		return credentials.OAuthToken{}, err
	}

	oauthToken, err := resolved.OAuth2Config(pending.RedirectURI).Exchange(
		e.oauthContext(ctx), code, oauth2.VerifierOption(pending.CodeVerifier))
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("connector_id", connector.ID).Error("token exchange failed")
		e.audit(ctx, connector.ID, models.LogLevelError, EventExchangeFailed, map[string]any{"reason": exchangeReason(err)})
		return credentials.OAuthToken{}, apperrors.TokenExchange(err, "failed to exchange the authorization code")
	}
	return credentials.TokenFromOAuth2(oauthToken, nil), nil
}

func (e *Engine) devToken() (credentials.OAuthToken, error) {
	access, err := randomHex(16)
	if err != nil {
		return credentials.OAuthToken{}, apperrors.Wrap(apperrors.KindInternal, err, "failed to create development token")
	}
	return credentials.OAuthToken{
		AccessToken:  "dev-" + access,
		RefreshToken: "dev-refresh-" + access,
		TokenType:    "Bearer",
		ExpiresAt:    e.cfg.Now().Add(time.Hour).UnixMilli(),
	}, nil
}

// exchangeReason returns the provider error code without echoing the body.
func exchangeReason(err error) string {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode != "" {
			return retrieveErr.ErrorCode
		}
		if retrieveErr.Response != nil {
			return retrieveErr.Response.Status
		}
	}
	return "request_failed"
}

func (e *Engine) audit(ctx context.Context, id uuid.UUID, level models.LogLevel, event string, detail map[string]any) {
	if err := e.connectors.AppendLog(ctx, id, level, event, detail); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("event", event).Warn("failed to append connector log")
	}
}
