package ports

import (
	"context"

	"yahtzee/internal/core/domain"
)

// IdentityRegistry tracks which broker instance owns a peer identity.
type IdentityRegistry interface {
	Claim(ctx context.Context, id domain.PeerID, owner string) error
	Refresh(ctx context.Context, id domain.PeerID, owner string) error
	Release(ctx context.Context, id domain.PeerID, owner string) error
	Owner(ctx context.Context, id domain.PeerID) (string, error)
	Count(ctx context.Context) (int, error)
}
