package services

import (
	"testing"
	"time"

	"yahtzee/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) time.Time { return t0.Add(d) }

func TestLivenessPolicyValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*LivenessPolicy)
		ok     bool
	}{
		{"defaults", func(*LivenessPolicy) {}, true},
		{"zero heartbeat", func(p *LivenessPolicy) { p.HeartbeatInterval = 0 }, false},
		{"zero check", func(p *LivenessPolicy) { p.CheckInterval = 0 }, false},
		{"hard below warning", func(p *LivenessPolicy) { p.HardTimeout = time.Second }, false},
		{"no attempts", func(p *LivenessPolicy) { p.MaxReconnectAttempts = 0 }, false},
		{"negative grace", func(p *LivenessPolicy) { p.ReconnectGrace = -time.Second }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultLivenessPolicy()
			tt.mutate(&p)
			if tt.ok {
				assert.NoError(t, p.Validate())
			} else {
				assert.Error(t, p.Validate())
			}
		})
	}
}

func TestPingPongMeasuresRTT(t *testing.T) {
	m := NewLivenessMonitor(DefaultLivenessPolicy())
	p := domain.NewPeerConnection("peer", domain.RoleClient, t0)

	_, ok := m.Pong(p, at(time.Second))
	assert.False(t, ok, "pong without a ping is ignored")

	require.True(t, m.Ping(p, at(2*time.Second)))
	rtt, ok := m.Pong(p, at(2*time.Second+150*time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, 150*time.Millisecond, rtt)
	assert.Equal(t, 150*time.Millisecond, *p.RTT)
	assert.Nil(t, p.PendingPingSentAt)
}

func TestPingCountsMissedIntervals(t *testing.T) {
	m := NewLivenessMonitor(DefaultLivenessPolicy())
	p := domain.NewPeerConnection("peer", domain.RoleClient, t0)

	m.Ping(p, at(2*time.Second))
	m.Ping(p, at(4*time.Second))
	m.Ping(p, at(6*time.Second))
	assert.Equal(t, 2, p.MissedIntervals)

	p.Status = domain.StatusReconnecting
	assert.False(t, m.Ping(p, at(8*time.Second)))
}

func TestCheckEscalatesSilentPeer(t *testing.T) {
	m := NewLivenessMonitor(DefaultLivenessPolicy())
	p := domain.NewPeerConnection("peer", domain.RoleClient, t0)

	tr := m.Check(p, at(5*time.Second))
	assert.False(t, tr.Changed(), "exactly at the warning threshold is still fine")

	tr = m.Check(p, at(6*time.Second))
	assert.Equal(t, domain.StatusUnstable, tr.To)
	assert.True(t, tr.Probe)
	assert.Equal(t, 1, p.ReconnectAttempts)

	tr = m.Check(p, at(7*time.Second))
	assert.False(t, tr.Changed())
	assert.True(t, tr.Probe)

	m.Check(p, at(8*time.Second))
	tr = m.Check(p, at(9*time.Second))
	assert.True(t, tr.Terminal())
	assert.Equal(t, domain.CauseTimeout, tr.Cause)
}

func TestCheckHardTimeout(t *testing.T) {
	policy := DefaultLivenessPolicy()
	policy.MaxReconnectAttempts = 100
	m := NewLivenessMonitor(policy)
	p := domain.NewPeerConnection("peer", domain.RoleClient, t0)

	m.Check(p, at(6*time.Second))
	require.Equal(t, domain.StatusUnstable, p.Status)

	tr := m.Check(p, at(16*time.Second))
	assert.True(t, tr.Terminal())
	assert.Equal(t, domain.CauseTimeout, tr.Cause)
}

func TestTrafficRecoversUnstablePeer(t *testing.T) {
	m := NewLivenessMonitor(DefaultLivenessPolicy())
	p := domain.NewPeerConnection("peer", domain.RoleClient, t0)
	m.Check(p, at(6*time.Second))
	m.Check(p, at(7*time.Second))

	tr := m.Observe(p, at(7500*time.Millisecond))
	assert.Equal(t, domain.StatusUnstable, tr.From)
	assert.Equal(t, domain.StatusConnected, tr.To)
	assert.Equal(t, 0, p.ReconnectAttempts)
	assert.Equal(t, 0, p.MissedIntervals)
	assert.Equal(t, at(7500*time.Millisecond), p.LastHeartbeatAt)
}

func TestChannelClosed(t *testing.T) {
	tests := []struct {
		name      string
		closedAt  time.Duration
		want      domain.ConnectionStatus
		wantCause domain.LossCause
	}{
		{"fresh heartbeat gets grace", 3 * time.Second, domain.StatusReconnecting, ""},
		{"stale heartbeat is final", 6 * time.Second, domain.StatusDisconnected, domain.CauseChannelClosedStale},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewLivenessMonitor(DefaultLivenessPolicy())
			p := domain.NewPeerConnection("peer", domain.RoleClient, t0)

			tr := m.ChannelClosed(p, at(tt.closedAt))
			assert.Equal(t, tt.want, tr.To)
			assert.Equal(t, tt.wantCause, tr.Cause)
		})
	}
}

func TestReconnectGrace(t *testing.T) {
	m := NewLivenessMonitor(DefaultLivenessPolicy())
	p := domain.NewPeerConnection("peer", domain.RoleHost, t0)
	m.ChannelClosed(p, at(time.Second))
	require.Equal(t, at(3*time.Second), p.GraceDeadline)

	tr := m.Check(p, at(2*time.Second))
	assert.True(t, tr.Redial)
	assert.False(t, tr.Changed())

	tr = m.Check(p, at(3*time.Second))
	assert.True(t, tr.Terminal())
	assert.Equal(t, domain.CauseChannelClosed, tr.Cause)
}

func TestRestoreAfterReconnect(t *testing.T) {
	m := NewLivenessMonitor(DefaultLivenessPolicy())
	p := domain.NewPeerConnection("peer", domain.RoleHost, t0)
	m.ChannelClosed(p, at(time.Second))

	tr := m.Restore(p, at(2*time.Second))
	assert.Equal(t, domain.StatusConnected, tr.To)
	assert.True(t, p.GraceDeadline.IsZero())

	m.Finish(p, domain.CauseKicked)
	tr = m.Restore(p, at(3*time.Second))
	assert.False(t, tr.Changed(), "disconnected is terminal")
}

func TestFinishIsTerminalOnce(t *testing.T) {
	m := NewLivenessMonitor(DefaultLivenessPolicy())
	p := domain.NewPeerConnection("peer", domain.RoleClient, t0)

	tr := m.Finish(p, domain.CauseRoomFull)
	assert.True(t, tr.Terminal())
	assert.Equal(t, domain.CauseRoomFull, tr.Cause)

	tr = m.Finish(p, domain.CauseKicked)
	assert.False(t, tr.Terminal())
	assert.False(t, m.Check(p, at(time.Hour)).Changed())
}
