package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/Ramsey-B/clover/pkg/apperrors"
	"github.com/Ramsey-B/clover/pkg/credentials"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// AccessToken returns a usable access token for the connector. An expired
// token is refreshed under a per-connector lock; concurrent callers wait and
// then reuse the token the holder stored.
func (e *Engine) AccessToken(ctx context.Context, connectorID uuid.UUID) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "AuthEngine.AccessToken")
	defer span.End()

	token, err := e.loadToken(ctx, connectorID)
	if err != nil {
		tracing.RecordError(span, err)
		return "", err
	}
	if !token.Expired(e.cfg.Now(), e.cfg.RefreshSkew) {
		return token.AccessToken, nil
	}

	var accessToken string
	err = e.locker.WithLock(ctx, refreshLockKey(connectorID), e.cfg.RefreshLockTTL, e.cfg.RefreshLockWait, func(ctx context.Context) error {
		current, err := e.loadToken(ctx, connectorID)
		if err != nil {
			return err
		}
		if !current.Expired(e.cfg.Now(), e.cfg.RefreshSkew) {
			accessToken = current.AccessToken
			return nil
		}
		refreshed, err := e.refresh(ctx, connectorID, current)
		if err != nil {
			return err
		}
		accessToken = refreshed.AccessToken
		return nil
	})
	if errors.Is(err, redis.ErrLockNotAcquired) {
		// the holder may still have finished; take its token if so
		if current, loadErr := e.loadToken(ctx, connectorID); loadErr == nil && !current.Expired(e.cfg.Now(), e.cfg.RefreshSkew) {
			return current.AccessToken, nil
		}
		err = apperrors.TokenRefresh(err, "token refresh is already in progress")
	}
	if err != nil {
		tracing.RecordError(span, err)
		return "", err
	}
	return accessToken, nil
}

func refreshLockKey(connectorID uuid.UUID) string {
	return "oauth:refresh:" + connectorID.String()
}

func (e *Engine) loadToken(ctx context.Context, connectorID uuid.UUID) (*credentials.OAuthToken, error) {
	var token credentials.OAuthToken
	found, err := e.credentials.GetInto(ctx, connectorID, models.CredentialTypeOAuthToken, &token)
	if err != nil {
		return nil, err
	}
	if !found || token.AccessToken == "" {
		return nil, apperrors.Configuration("connector %s is not authorized", connectorID)
	}
	return &token, nil
}

func (e *Engine) refresh(ctx context.Context, connectorID uuid.UUID, current *credentials.OAuthToken) (*credentials.OAuthToken, error) {
	ctx, span := tracing.StartSpan(ctx, "AuthEngine.refresh")
	defer span.End()

	connector, err := e.connectors.Get(ctx, connectorID)
	if err != nil {
		return nil, err
	}

	if current.RefreshToken == "" {
		return nil, e.refreshFailed(ctx, connector, errors.New("no refresh token"), "access token expired and no refresh token is stored")
	}

	resolved, err := e.providers.Resolve(ctx, connector)
	if err != nil {
		return nil, e.refreshFailed(ctx, connector, err, "provider configuration is incomplete")
	}

	source := resolved.OAuth2Config("").TokenSource(e.oauthContext(ctx), &oauth2.Token{
		RefreshToken: current.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})
	oauthToken, err := source.Token()
	if err != nil {
		return nil, e.refreshFailed(ctx, connector, err, fmt.Sprintf("token refresh failed: %s", exchangeReason(err)))
	}

	refreshed := credentials.TokenFromOAuth2(oauthToken, current)
	if err := e.credentials.Store(ctx, connectorID, models.CredentialTypeOAuthToken, refreshed); err != nil {
		return nil, err
	}
	if connector.Status != models.ConnectorStatusConnected {
		if err := e.connectors.SetStatus(ctx, connectorID, models.ConnectorStatusConnected, nil); err != nil {
			return nil, err
		}
	}

	metrics.RecordTokenRefresh(string(connector.Provider), "success")
	e.audit(ctx, connectorID, models.LogLevelInfo, EventRefreshed, nil)
	e.logger.WithContext(ctx).WithField("connector_id", connectorID).Info("Refreshed access token")
	return &refreshed, nil
}

// refreshFailed marks the connector errored and returns the refresh error.
func (e *Engine) refreshFailed(ctx context.Context, connector *models.Connector, cause error, message string) error {
	metrics.RecordTokenRefresh(string(connector.Provider), "failed")
	e.logger.WithContext(ctx).WithError(cause).WithField("connector_id", connector.ID).Error("token refresh failed")

	if err := e.connectors.SetStatus(ctx, connector.ID, models.ConnectorStatusError, &message); err != nil {
		e.logger.WithContext(ctx).WithError(err).Warn("failed to mark connector as errored")
	}
	e.audit(ctx, connector.ID, models.LogLevelError, EventRefreshFailed, map[string]any{"reason": message})
	return apperrors.TokenRefresh(cause, "%s", message)
}
