package ports

import (
	"time"

	"yahtzee/internal/core/domain"
)

// RuleEngine validates and applies actions to the authoritative state. It is
// only ever called by the host synchronizer, under its lock.
type RuleEngine interface {
	Start(state *domain.GameState) error
	// Roll rerolls unheld dice. proposed, when non-nil, carries the values a
	// client rolled; the engine validates them instead of rolling itself.
	Roll(state *domain.GameState, player domain.PeerID, proposed []int) error
	ToggleHold(state *domain.GameState, player domain.PeerID, dieID int) error
	Score(state *domain.GameState, player domain.PeerID, category domain.Category) error
	RemovePlayer(state *domain.GameState, player domain.PeerID) error
}

type SessionMetrics interface {
	PeerConnected(role domain.PeerRole)
	PeerDisconnected(role domain.PeerRole, reason domain.DisconnectReason)
	StatusChanged(status domain.ConnectionStatus)
	ObserveRTT(rtt time.Duration)
	MessageSent(kind domain.MessageKind)
	MessageReceived(kind domain.MessageKind)
	ProtocolViolation(kind domain.MessageKind)
	SyncBroadcast()
}

type BrokerMetrics interface {
	ClientConnected()
	ClientDisconnected()
	SignalRelayed(kind string, remote bool)
	SignalRejected(code string)
}
