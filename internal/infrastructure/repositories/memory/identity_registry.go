package memory

import (
	"context"
	"fmt"
	"sync"

	"yahtzee/internal/core/domain"
	"yahtzee/internal/core/ports"
)

// IdentityRegistry keeps identity claims in process memory. Suitable for a
// single broker instance.
type IdentityRegistry struct {
	owners map[domain.PeerID]string
	mu     sync.RWMutex
}

func NewIdentityRegistry() ports.IdentityRegistry {
	return &IdentityRegistry{
		owners: make(map[domain.PeerID]string),
	}
}

func (r *IdentityRegistry) Claim(ctx context.Context, id domain.PeerID, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.owners[id]; exists {
		return fmt.Errorf("claim %s: %w", id, domain.ErrIdentityTaken)
	}

	r.owners[id] = owner
	return nil
}

func (r *IdentityRegistry) Refresh(ctx context.Context, id domain.PeerID, owner string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if current, exists := r.owners[id]; !exists || current != owner {
		return fmt.Errorf("refresh %s: %w", id, domain.ErrIdentityTaken)
	}
	return nil
}

// Release drops the claim if owner still holds it. Releasing an unknown id
// is a no-op.
func (r *IdentityRegistry) Release(ctx context.Context, id domain.PeerID, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.owners[id] == owner {
		delete(r.owners, id)
	}
	return nil
}

func (r *IdentityRegistry) Owner(ctx context.Context, id domain.PeerID) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owner, exists := r.owners[id]
	if !exists {
		return "", domain.ErrPeerUnavailable
	}
	return owner, nil
}

func (r *IdentityRegistry) Count(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners), nil
}
