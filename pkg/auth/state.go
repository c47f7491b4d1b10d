package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidState is returned for a state token that is malformed, expired or
// signed with another key.
var ErrInvalidState = errors.New("invalid oauth state")

// StateClaims is the signed content of the OAuth state parameter. The token ID
// keys the pending authorization.
type StateClaims struct {
	TenantID    string `json:"tenant_id"`
	ConnectorID string `json:"connector_id"`
	Provider    string `json:"provider"`
	ReturnTo    string `json:"return_to,omitempty"`
	jwt.RegisteredClaims
}

// StateSigner issues and verifies HS256 state tokens
type StateSigner struct {
	secret []byte
	now    func() time.Time
}

func NewStateSigner(secret string, now func() time.Time) *StateSigner {
	if now == nil {
		now = time.Now
	}
	return &StateSigner{secret: []byte(secret), now: now}
}

// Sign returns a state token valid for ttl and the token ID it carries.
func (s *StateSigner) Sign(claims StateClaims, ttl time.Duration) (string, string, error) {
	issuedAt := s.now()
	claims.ID = uuid.NewString()
	claims.IssuedAt = jwt.NewNumericDate(issuedAt)
	claims.ExpiresAt = jwt.NewNumericDate(issuedAt.Add(ttl))

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", "", err
	}
	return token, claims.ID, nil
}

// Verify checks signature and expiry and returns the claims.
func (s *StateSigner) Verify(state string) (*StateClaims, error) {
	claims := &StateClaims{}
	_, err := jwt.ParseWithClaims(state, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || claims.ID == "" {
		return nil, ErrInvalidState
	}
	return claims, nil
}
