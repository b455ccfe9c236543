package services

import (
	"context"
	"encoding/json"
	"fmt"

	"yahtzee/internal/core/domain"

	"github.com/cespare/xxhash/v2"
)

// SnapshotHash digests the replicated part of the state, ignoring Seq.
// encoding/json sorts map keys, so equal states always hash equal.
func SnapshotHash(state *domain.GameState) (uint64, error) {
	content := *state
	content.Seq = 0
	d := xxhash.New()
	if err := json.NewEncoder(d).Encode(&content); err != nil {
		return 0, fmt.Errorf("failed to hash snapshot: %w", err)
	}
	return d.Sum64(), nil
}

// RollEvent is raised on both sides of a roll animation.
type RollEvent struct {
	Started   bool
	PlayerID  domain.PeerID
	Dice      []int
	RollsLeft int
}

// SessionLink is the part of Session the synchronizers drive.
type SessionLink interface {
	CreateRoom(ctx context.Context, roomID domain.RoomID) (*domain.Room, error)
	JoinRoom(ctx context.Context, roomID domain.RoomID) (*domain.Room, error)
	Disconnect()
	AnnounceLeave()
	Room() (domain.Room, bool)
	MyPeerID() domain.PeerID
	Broadcast(kind domain.MessageKind, payload any) error
	SendTo(peerID domain.PeerID, kind domain.MessageKind, payload any) error
	Evict(peerID domain.PeerID, cause domain.LossCause)
	OnMessage(fn func(domain.GameMessage)) Subscription
	OnDisconnection(fn func(domain.DisconnectEvent)) Subscription
	OnStatusChange(fn func(domain.StatusEvent)) Subscription
}
