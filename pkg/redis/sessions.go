package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Ramsey-B/clover/pkg/models"
)

// ErrSessionNotFound is returned when a pending authorization is absent or expired
var ErrSessionNotFound = errors.New("pending authorization not found")

const pendingAuthorizationPrefix = "oauth:pending:"

// PendingAuthorizationStore keeps one-shot OAuth authorizations with a TTL
type PendingAuthorizationStore struct {
	client *Client
}

func NewPendingAuthorizationStore(client *Client) *PendingAuthorizationStore {
	return &PendingAuthorizationStore{client: client}
}

// Save stores p under its ID for ttl
func (s *PendingAuthorizationStore) Save(ctx context.Context, p *models.PendingAuthorization, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pending authorization: %w", err)
	}
	return s.client.Set(ctx, pendingAuthorizationPrefix+p.ID, data, ttl)
}

// Take returns the authorization and deletes it in the same round trip, so
// a state can be redeemed at most once.
func (s *PendingAuthorizationStore) Take(ctx context.Context, id string) (*models.PendingAuthorization, error) {
	data, err := s.client.GetDel(ctx, pendingAuthorizationPrefix+id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	var p models.PendingAuthorization
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending authorization: %w", err)
	}
	return &p, nil
}
