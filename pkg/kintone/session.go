package kintone

import (
	"context"

	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/apperrors"
	"github.com/Ramsey-B/clover/pkg/credentials"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/providers"
)

type ConnectorReader interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Connector, error)
}

type CredentialReader interface {
	GetInto(ctx context.Context, connectorID uuid.UUID, credType models.CredentialType, out any) (bool, error)
}

// TokenSource hands out a valid access token, refreshing it when needed
type TokenSource interface {
	AccessToken(ctx context.Context, connectorID uuid.UUID) (string, error)
}

// Opener resolves the domain and access token of a kintone connector
type Opener struct {
	connectors  ConnectorReader
	credentials CredentialReader
	tokens      TokenSource
	client      *Client
}

func NewOpener(connectors ConnectorReader, creds CredentialReader, tokens TokenSource, client *Client) *Opener {
	return &Opener{
		connectors:  connectors,
		credentials: creds,
		tokens:      tokens,
		client:      client,
	}
}

// Open returns an API handle for the connector. A missing kintone_config, a
// missing domain or a missing token is a configuration error.
func (o *Opener) Open(ctx context.Context, connectorID uuid.UUID) (*API, *models.Connector, error) {
	connector, err := o.connectors.Get(ctx, connectorID)
	if err != nil {
		return nil, nil, err
	}
	if connector.Provider != models.ProviderKintone {
		return nil, nil, apperrors.Validation("connector %s is not a kintone connector", connectorID)
	}

	var cfg credentials.KintoneConfig
	found, err := o.credentials.GetInto(ctx, connectorID, models.CredentialTypeKintoneConfig, &cfg)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, apperrors.Configuration("kintone config is missing for connector %s", connectorID)
	}

	domain := providers.KintoneDomain(cfg, connector.ProviderConfig.Data)
	if domain == "" {
		return nil, nil, apperrors.Configuration("kintone domain is not configured for connector %s", connectorID)
	}

	token, err := o.tokens.AccessToken(ctx, connectorID)
	if err != nil {
		return nil, nil, err
	}

	return o.client.For(providers.Kintone{Domain: domain}.BaseURL(), token), connector, nil
}
