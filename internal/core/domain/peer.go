package domain

import "time"

type PeerID string

// PeerRole is fixed when a channel is accepted or opened and never
// re-derived from the identity string.
type PeerRole string

const (
	RoleHost   PeerRole = "host"
	RoleClient PeerRole = "client"
)

type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusUnstable     ConnectionStatus = "unstable"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// PeerConnection is the liveness record kept for every remote peer.
type PeerConnection struct {
	PeerID            PeerID
	Role              PeerRole
	Status            ConnectionStatus
	OpenedAt          time.Time
	LastHeartbeatAt   time.Time
	PendingPingSentAt *time.Time
	RTT               *time.Duration
	MissedIntervals   int
	ReconnectAttempts int
	// GraceDeadline is set while Reconnecting.
	GraceDeadline time.Time
}

func NewPeerConnection(id PeerID, role PeerRole, now time.Time) *PeerConnection {
	return &PeerConnection{
		PeerID:          id,
		Role:            role,
		Status:          StatusConnected,
		OpenedAt:        now,
		LastHeartbeatAt: now,
	}
}

// Alive reports whether the record still takes part in the session.
func (p *PeerConnection) Alive() bool {
	return p.Status != StatusDisconnected
}

func (p *PeerConnection) Snapshot() PeerConnection {
	cp := *p
	if p.PendingPingSentAt != nil {
		t := *p.PendingPingSentAt
		cp.PendingPingSentAt = &t
	}
	if p.RTT != nil {
		d := *p.RTT
		cp.RTT = &d
	}
	return cp
}
