package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"yahtzee/internal/core/domain"
	"yahtzee/internal/infrastructure/repositories/memory"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewSessionCollector(reg)

	c.PeerConnected(domain.RoleClient)
	c.PeerConnected(domain.RoleClient)
	c.PeerDisconnected(domain.RoleClient, domain.ReasonPeerLeft)
	c.StatusChanged(domain.StatusUnstable)
	c.MessageSent(domain.KindSync)
	c.MessageSent(domain.KindSync)
	c.MessageReceived(domain.KindJoin)
	c.ProtocolViolation(domain.KindActionRoll)
	c.SyncBroadcast()
	c.ObserveRTT(20 * time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.peersConnected.WithLabelValues("client")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.disconnects.WithLabelValues("client", "peer_left")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.statusChanges.WithLabelValues("unstable")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.messagesSent.WithLabelValues("sync")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesRecv.WithLabelValues("join")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.violations.WithLabelValues("action-roll")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.syncBroadcasts))
	assert.Equal(t, 1, testutil.CollectAndCount(c.rtt))
}

func TestBrokerCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewBrokerCollector(reg)

	c.ClientConnected()
	c.ClientConnected()
	c.ClientDisconnected()
	c.SignalRelayed("offer", false)
	c.SignalRelayed("answer", true)
	c.SignalRejected("PEER_UNAVAILABLE")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.clientsConnected))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.connectionsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.relayed.WithLabelValues("offer", "local")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.relayed.WithLabelValues("answer", "remote")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rejected.WithLabelValues("PEER_UNAVAILABLE")))
}

func TestCollectorsShareRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewSessionCollector(reg)
	NewBrokerCollector(reg)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddRegistryCheck(memory.NewIdentityRegistry(), 0, time.Second)
	assert.True(t, h.IsReady(context.Background()))

	h.AddCheck("broken", func(ctx context.Context) error {
		return errors.New("down")
	}, 0, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Checks["identity_registry"])
	assert.Equal(t, "down", status.Checks["broken"])
}

func TestHealthCheckTimeout(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 0, 10*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Contains(t, status.Checks["slow"], "deadline")
}

func TestBackgroundChecksRun(t *testing.T) {
	h := NewHealthChecker(nil)
	calls := make(chan struct{}, 10)
	h.AddCheck("tick", func(ctx context.Context) error {
		select {
		case calls <- struct{}{}:
		default:
		}
		return nil
	}, 5*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.StartBackgroundChecks(ctx)

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("background check never ran")
	}
}
