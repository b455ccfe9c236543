package services

import (
	"fmt"
	"time"

	"yahtzee/internal/core/domain"
)

// LivenessPolicy holds the tunable thresholds of the heartbeat protocol.
type LivenessPolicy struct {
	HeartbeatInterval    time.Duration
	CheckInterval        time.Duration
	WarningThreshold     time.Duration
	HardTimeout          time.Duration
	MaxReconnectAttempts int
	ReconnectGrace       time.Duration
}

func DefaultLivenessPolicy() LivenessPolicy {
	return LivenessPolicy{
		HeartbeatInterval:    2 * time.Second,
		CheckInterval:        1 * time.Second,
		WarningThreshold:     5 * time.Second,
		HardTimeout:          15 * time.Second,
		MaxReconnectAttempts: 3,
		ReconnectGrace:       2 * time.Second,
	}
}

func (p LivenessPolicy) Validate() error {
	if p.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be > 0")
	}
	if p.CheckInterval <= 0 {
		return fmt.Errorf("check interval must be > 0")
	}
	if p.WarningThreshold <= 0 {
		return fmt.Errorf("warning threshold must be > 0")
	}
	if p.HardTimeout < p.WarningThreshold {
		return fmt.Errorf("hard timeout must be >= warning threshold")
	}
	if p.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("max reconnect attempts must be > 0")
	}
	if p.ReconnectGrace < 0 {
		return fmt.Errorf("reconnect grace must be >= 0")
	}
	return nil
}

// Transition describes what one liveness step did to a peer record.
type Transition struct {
	PeerID domain.PeerID
	From   domain.ConnectionStatus
	To     domain.ConnectionStatus
	// Probe asks the caller to send a ping right away.
	Probe bool
	// Redial asks the caller to try to re-open the channel.
	Redial bool
	// Cause is set when To is StatusDisconnected.
	Cause domain.LossCause
}

func (t Transition) Changed() bool {
	return t.From != t.To
}

func (t Transition) Terminal() bool {
	return t.Changed() && t.To == domain.StatusDisconnected
}

// LivenessMonitor runs the per-peer status machine. It holds no state of
// its own: records belong to the session, which calls the monitor under its
// lock on every heartbeat tick, check tick and inbound frame.
type LivenessMonitor struct {
	policy LivenessPolicy
}

func NewLivenessMonitor(policy LivenessPolicy) *LivenessMonitor {
	return &LivenessMonitor{policy: policy}
}

func (m *LivenessMonitor) Policy() LivenessPolicy {
	return m.policy
}

// Ping reports whether a heartbeat ping should go out to p on this send
// tick and records when it was sent.
func (m *LivenessMonitor) Ping(p *domain.PeerConnection, now time.Time) bool {
	if p.Status != domain.StatusConnected && p.Status != domain.StatusUnstable {
		return false
	}
	if p.PendingPingSentAt != nil {
		p.MissedIntervals++
	}
	sent := now
	p.PendingPingSentAt = &sent
	return true
}

// Observe records inbound traffic of any kind. Traffic from an unstable
// peer brings it back to Connected.
func (m *LivenessMonitor) Observe(p *domain.PeerConnection, now time.Time) Transition {
	t := Transition{PeerID: p.PeerID, From: p.Status, To: p.Status}
	if p.Status == domain.StatusDisconnected {
		return t
	}
	p.LastHeartbeatAt = now
	if p.Status == domain.StatusUnstable {
		m.reset(p)
		t.To = p.Status
	}
	return t
}

// Pong completes an outstanding ping and returns the measured round trip.
func (m *LivenessMonitor) Pong(p *domain.PeerConnection, now time.Time) (time.Duration, bool) {
	if p.PendingPingSentAt == nil {
		return 0, false
	}
	rtt := now.Sub(*p.PendingPingSentAt)
	if rtt < 0 {
		rtt = 0
	}
	p.RTT = &rtt
	p.PendingPingSentAt = nil
	p.MissedIntervals = 0
	return rtt, true
}

// Check advances p on a check tick.
func (m *LivenessMonitor) Check(p *domain.PeerConnection, now time.Time) Transition {
	t := Transition{PeerID: p.PeerID, From: p.Status, To: p.Status}
	silent := now.Sub(p.LastHeartbeatAt)

	switch p.Status {
	case domain.StatusConnected:
		if silent > m.policy.WarningThreshold {
			p.Status = domain.StatusUnstable
			p.ReconnectAttempts = 1
			t.Probe = true
		}
	case domain.StatusUnstable:
		if silent > m.policy.HardTimeout || p.ReconnectAttempts >= m.policy.MaxReconnectAttempts {
			p.Status = domain.StatusDisconnected
			t.Cause = domain.CauseTimeout
		} else {
			p.ReconnectAttempts++
			t.Probe = true
		}
	case domain.StatusReconnecting:
		if !now.Before(p.GraceDeadline) {
			p.Status = domain.StatusDisconnected
			t.Cause = domain.CauseChannelClosed
		} else if p.ReconnectAttempts < m.policy.MaxReconnectAttempts {
			p.ReconnectAttempts++
			t.Redial = true
		}
	}
	t.To = p.Status
	return t
}

// ChannelClosed handles a transport close. A peer heard from within the
// warning threshold gets a grace window; a stale one is finished.
func (m *LivenessMonitor) ChannelClosed(p *domain.PeerConnection, now time.Time) Transition {
	t := Transition{PeerID: p.PeerID, From: p.Status, To: p.Status}
	switch p.Status {
	case domain.StatusDisconnected, domain.StatusReconnecting:
		return t
	}
	p.PendingPingSentAt = nil
	if now.Sub(p.LastHeartbeatAt) <= m.policy.WarningThreshold {
		p.Status = domain.StatusReconnecting
		p.GraceDeadline = now.Add(m.policy.ReconnectGrace)
	} else {
		p.Status = domain.StatusDisconnected
		t.Cause = domain.CauseChannelClosedStale
	}
	t.To = p.Status
	return t
}

// Restore puts p back to Connected after its channel was re-established.
func (m *LivenessMonitor) Restore(p *domain.PeerConnection, now time.Time) Transition {
	t := Transition{PeerID: p.PeerID, From: p.Status, To: p.Status}
	if p.Status == domain.StatusDisconnected {
		return t
	}
	p.LastHeartbeatAt = now
	p.PendingPingSentAt = nil
	m.reset(p)
	t.To = p.Status
	return t
}

// Finish ends p for an explicit protocol reason, bypassing the timers.
func (m *LivenessMonitor) Finish(p *domain.PeerConnection, cause domain.LossCause) Transition {
	t := Transition{PeerID: p.PeerID, From: p.Status, To: domain.StatusDisconnected}
	if p.Status == domain.StatusDisconnected {
		t.To = p.Status
		return t
	}
	p.Status = domain.StatusDisconnected
	t.Cause = cause
	return t
}

func (m *LivenessMonitor) reset(p *domain.PeerConnection) {
	p.Status = domain.StatusConnected
	p.MissedIntervals = 0
	p.ReconnectAttempts = 0
	p.GraceDeadline = time.Time{}
}
