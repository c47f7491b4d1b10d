package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/Ramsey-B/clover/pkg/apperrors"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// ErrCredentialUnparseable is returned when a stored row exists but none of
// the known encodings recovers it.
var ErrCredentialUnparseable = errors.New("stored credential could not be parsed")

// Sealer is the secret store as seen by the credential store.
type Sealer interface {
	Decrypter
	EncryptString(v any) (string, error)
	DecryptString(text string, out any) error
}

// KintoneConfig is the OAuth client registration of a kintone connector
type KintoneConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Subdomain    string `json:"subdomain,omitempty"`
	Domain       string `json:"domain,omitempty"`
}

// OAuthToken is the persisted token set. ExpiresAt is in unix milliseconds.
type OAuthToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Expired reports whether the token is unusable at now. A token that expires
// within skew counts as expired. Tokens without an expiry never expire.
func (t OAuthToken) Expired(now time.Time, skew time.Duration) bool {
	if t.ExpiresAt == 0 {
		return false
	}
	return now.Add(skew).UnixMilli() >= t.ExpiresAt
}

func (t OAuthToken) ToOAuth2() *oauth2.Token {
	token := &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
	}
	if t.ExpiresAt > 0 {
		token.Expiry = time.UnixMilli(t.ExpiresAt)
	}
	return token
}

// TokenFromOAuth2 converts an exchanged token. The refresh token of previous
// is kept when the provider does not rotate it.
func TokenFromOAuth2(token *oauth2.Token, previous *OAuthToken) OAuthToken {
	out := OAuthToken{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
	}
	if !token.Expiry.IsZero() {
		out.ExpiresAt = token.Expiry.UnixMilli()
	}
	if scope, ok := token.Extra("scope").(string); ok {
		out.Scope = scope
	}
	if previous != nil {
		if out.RefreshToken == "" {
			out.RefreshToken = previous.RefreshToken
		}
		if out.Scope == "" {
			out.Scope = previous.Scope
		}
	}
	return out
}

// Store reads and writes connector credentials. Writes are always sealed;
// reads accept every encoding older releases produced.
type Store struct {
	repo   repositories.CredentialRepo
	sealer Sealer
	parser *Parser
	logger ectologger.Logger
}

func NewStore(repo repositories.CredentialRepo, sealer Sealer, logger ectologger.Logger) *Store {
	return &Store{
		repo:   repo,
		sealer: sealer,
		parser: NewParser(sealer),
		logger: logger,
	}
}

// Store seals v and upserts it as the credential of the given type.
func (s *Store) Store(ctx context.Context, connectorID uuid.UUID, credType models.CredentialType, v any) error {
	ctx, span := tracing.StartSpan(ctx, "CredentialStore.Store")
	defer span.End()

	payload, err := s.sealer.EncryptString(v)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("type", credType).Error("failed to seal credential")
		return apperrors.Wrap(apperrors.KindInternal, err, "failed to store credential")
	}
	if err := s.repo.Upsert(ctx, connectorID, credType, payload); err != nil {
		tracing.RecordError(span, err)
		return err
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"connector_id": connectorID,
		"type":         credType,
	}).Debug("Stored credential")
	return nil
}

// Update replaces the credential; it is Store under another name for callers
// that know the row exists.
func (s *Store) Update(ctx context.Context, connectorID uuid.UUID, credType models.CredentialType, v any) error {
	return s.Store(ctx, connectorID, credType, v)
}

// Get returns the decoded credential, or nil when no row exists.
func (s *Store) Get(ctx context.Context, connectorID uuid.UUID, credType models.CredentialType) (map[string]any, error) {
	ctx, span := tracing.StartSpan(ctx, "CredentialStore.Get")
	defer span.End()

	row, err := s.repo.Get(ctx, connectorID, credType)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, nil
		}
		tracing.RecordError(span, err)
		return nil, err
	}

	value, err := s.decode(row)
	if err != nil {
		s.logger.WithContext(ctx).WithFields(map[string]any{
			"connector_id": connectorID,
			"type":         credType,
		}).Warn("stored credential could not be parsed")
		return nil, apperrors.Wrap(apperrors.KindConfiguration, err, "stored %s credential could not be read", credType)
	}
	return value, nil
}

// GetInto decodes the credential into out. found is false when no row exists.
func (s *Store) GetInto(ctx context.Context, connectorID uuid.UUID, credType models.CredentialType, out any) (bool, error) {
	value, err := s.Get(ctx, connectorID, credType)
	if err != nil || value == nil {
		return false, err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrCredentialUnparseable, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, apperrors.Wrap(apperrors.KindConfiguration, err, "stored %s credential has an unexpected shape", credType)
	}
	return true, nil
}

// Delete removes the credentials of the given types and returns how many
// rows were removed.
func (s *Store) Delete(ctx context.Context, connectorID uuid.UUID, types ...models.CredentialType) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "CredentialStore.Delete")
	defer span.End()

	return s.repo.Delete(ctx, connectorID, types...)
}

func (s *Store) decode(row *models.Credential) (map[string]any, error) {
	if row.Payload != nil && *row.Payload != "" {
		var value map[string]any
		if err := s.sealer.DecryptString(*row.Payload, &value); err == nil && value != nil {
			return value, nil
		}
	}
	if len(row.PayloadEncrypted) > 0 {
		var value map[string]any
		if err := s.sealer.Decrypt(row.PayloadEncrypted, &value); err == nil && value != nil {
			return value, nil
		}
	}
	if row.Payload != nil {
		if value, ok := decodeBase64JSON(*row.Payload); ok {
			return value, nil
		}
	}

	var raw any
	if row.Payload != nil {
		raw = *row.Payload
	}
	value, err := s.parser.Parse(raw, row.PayloadEncrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentialUnparseable, err)
	}
	return value, nil
}
