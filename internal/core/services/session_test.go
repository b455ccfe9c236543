package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"yahtzee/internal/core/domain"
	"yahtzee/internal/core/ports"
	"yahtzee/internal/infrastructure/memory"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRoom = domain.RoomID("ABC234")

type pairFixture struct {
	net       *memory.Network
	host      *Session
	client    *Session
	hostClk   *clock.Mock
	clientClk *clock.Mock
	room      domain.Room
}

func connectPair(t *testing.T) *pairFixture {
	t.Helper()
	f := &pairFixture{
		net:       memory.NewNetwork(nil),
		hostClk:   clock.NewMock(),
		clientClk: clock.NewMock(),
	}
	f.host = newTestSession(t, f.net, f.hostClk)
	f.client = newTestSession(t, f.net, f.clientClk)

	_, err := f.host.CreateRoom(context.Background(), testRoom)
	require.NoError(t, err)
	room, err := f.client.JoinRoom(context.Background(), testRoom)
	require.NoError(t, err)
	f.room = *room

	require.Eventually(t, func() bool { return f.host.ConnectionCount() == 1 }, eventually, poll)
	return f
}

func TestCreateAndJoinRoom(t *testing.T) {
	f := connectPair(t)

	assert.Equal(t, domain.PeerID("yahtzee-room-ABC234"), f.host.MyPeerID())
	assert.True(t, f.host.IsHost())
	assert.False(t, f.client.IsHost())
	assert.Equal(t, f.host.MyPeerID(), f.room.HostPeerID)
	assert.Equal(t, testRoom, f.room.ID)
	assert.Equal(t, 1, f.client.ConnectionCount())

	clientSide, ok := f.host.Peer(f.client.MyPeerID())
	require.True(t, ok)
	assert.Equal(t, domain.RoleClient, clientSide.Role)
	assert.Equal(t, domain.StatusConnected, clientSide.Status)

	hostSide, ok := f.client.Peer(f.room.HostPeerID)
	require.True(t, ok)
	assert.Equal(t, domain.RoleHost, hostSide.Role)
}

func TestCreateRoomIdentityTaken(t *testing.T) {
	net := memory.NewNetwork(nil)
	first := newTestSession(t, net, clock.NewMock())
	second := newTestSession(t, net, clock.NewMock())

	_, err := first.CreateRoom(context.Background(), testRoom)
	require.NoError(t, err)

	_, err = second.CreateRoom(context.Background(), testRoom)
	require.Error(t, err)
	kind, ok := domain.ConnectErrorKindOf(err)
	require.True(t, ok)
	assert.Equal(t, domain.ConnectRejected, kind)
	assert.ErrorIs(t, err, domain.ErrIdentityTaken)
	assert.Empty(t, second.MyPeerID())

	_, err = first.CreateRoom(context.Background(), "XYZ789")
	assert.ErrorIs(t, err, domain.ErrSessionActive)
}

func TestJoinFailures(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(net *memory.Network)
		timeout  time.Duration
		wantKind domain.ConnectErrorKind
		wantErr  error
	}{
		{
			name:     "unknown room",
			setup:    func(*memory.Network) {},
			timeout:  5 * time.Second,
			wantKind: domain.ConnectRoomNotFound,
			wantErr:  domain.ErrPeerUnavailable,
		},
		{
			name: "host never answers",
			setup: func(net *memory.Network) {
				net.Blackhole(domain.HostIdentity(DefaultSessionConfig().HostPrefix, testRoom))
			},
			timeout:  50 * time.Millisecond,
			wantKind: domain.ConnectTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			net := memory.NewNetwork(nil)
			tt.setup(net)
			s := newTestSession(t, net, clock.New(), func(cfg *SessionConfig) {
				cfg.JoinTimeout = tt.timeout
			})

			start := time.Now()
			room, err := s.JoinRoom(context.Background(), testRoom)
			require.Error(t, err)
			assert.Nil(t, room)
			assert.Less(t, time.Since(start), 2*time.Second)

			kind, ok := domain.ConnectErrorKindOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.wantKind, kind)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}

			assert.Empty(t, s.MyPeerID())
			assert.Equal(t, 0, s.ConnectionCount())
			_, inRoom := s.Room()
			assert.False(t, inRoom)
		})
	}
}

func TestJoinRespectsContext(t *testing.T) {
	net := memory.NewNetwork(nil)
	net.Blackhole(domain.HostIdentity(DefaultSessionConfig().HostPrefix, testRoom))
	s := newTestSession(t, net, clock.NewMock())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := s.JoinRoom(ctx, testRoom)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	kind, _ := domain.ConnectErrorKindOf(err)
	assert.Equal(t, domain.ConnectRejected, kind)
}

func TestSessionCanRejoinAfterFailure(t *testing.T) {
	net := memory.NewNetwork(nil)
	host := newTestSession(t, net, clock.NewMock())
	client := newTestSession(t, net, clock.NewMock())

	_, err := client.JoinRoom(context.Background(), testRoom)
	require.Error(t, err)

	_, err = host.CreateRoom(context.Background(), testRoom)
	require.NoError(t, err)
	_, err = client.JoinRoom(context.Background(), testRoom)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return host.ConnectionCount() == 1 }, eventually, poll)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	f := connectPair(t)

	f.host.Disconnect()
	f.host.Disconnect()

	assert.Empty(t, f.host.MyPeerID())
	assert.Equal(t, 0, f.host.ConnectionCount())
	assert.False(t, f.net.Registered(domain.HostIdentity("yahtzee-room-", testRoom)))

	_, err := f.host.CreateRoom(context.Background(), testRoom)
	assert.NoError(t, err, "identity is free again after disconnect")
}

func TestMessagesRouteBetweenRoles(t *testing.T) {
	f := connectPair(t)
	hostLog := watch(f.host)
	clientLog := watch(f.client)

	require.NoError(t, f.host.Broadcast(domain.KindGameStart, nil))
	require.NoError(t, f.client.SendTo(f.room.HostPeerID, domain.KindActionHold, domain.HoldPayload{DiceID: 2}))

	assert.Eventually(t, func() bool { return len(clientLog.Messages()) == 1 }, eventually, poll)
	assert.Eventually(t, func() bool { return len(hostLog.Messages()) == 1 }, eventually, poll)

	start := clientLog.Messages()[0]
	assert.Equal(t, domain.KindGameStart, start.Type)
	assert.Equal(t, f.room.HostPeerID, start.PlayerID)

	hold := hostLog.Messages()[0]
	assert.Equal(t, f.client.MyPeerID(), hold.PlayerID)
	var payload domain.HoldPayload
	require.NoError(t, hold.DecodePayload(&payload))
	assert.Equal(t, 2, payload.DiceID)
}

func TestMessagesFromTheWrongRoleAreDropped(t *testing.T) {
	f := connectPair(t)
	hostLog := watch(f.host)
	clientLog := watch(f.client)

	require.NoError(t, f.client.Broadcast(domain.KindKicked, nil))
	require.NoError(t, f.host.Broadcast(domain.KindActionRoll, domain.RollPayload{}))
	require.NoError(t, f.client.Broadcast(domain.KindGameStart, nil))

	assert.Never(t, func() bool {
		return len(hostLog.Messages()) > 0 || len(clientLog.Messages()) > 0
	}, 100*time.Millisecond, poll)
	assert.Equal(t, 1, f.host.ConnectionCount())
	assert.Equal(t, 1, f.client.ConnectionCount())
}

func TestRoundTripTimeAndLatencyFanOut(t *testing.T) {
	f := connectPair(t)
	clientLog := watch(f.client)
	clientID := f.client.MyPeerID()

	f.net.Pause(f.host.MyPeerID())
	f.hostClk.Add(2 * time.Second)
	require.Eventually(t, func() bool { return f.net.Pending(f.host.MyPeerID()) == 1 }, eventually, poll)

	f.hostClk.Add(150 * time.Millisecond)
	f.net.Resume(f.host.MyPeerID())

	require.Eventually(t, func() bool {
		p, ok := f.host.Peer(clientID)
		return ok && p.RTT != nil && *p.RTT == 150*time.Millisecond
	}, eventually, poll)

	f.hostClk.Add(2 * time.Second)
	assert.Eventually(t, func() bool {
		for _, ev := range clientLog.Latencies() {
			if ev.Latencies[clientID] == 150 {
				return true
			}
		}
		return false
	}, eventually, poll)
}

func TestSilentClientTimesOutOnce(t *testing.T) {
	f := connectPair(t)
	hostLog := watch(f.host)
	clientID := f.client.MyPeerID()

	f.net.Cut(f.host.MyPeerID(), clientID)
	step(f.hostClk, 20)

	require.Eventually(t, func() bool { return len(hostLog.Disconnects()) == 1 }, eventually, poll)
	step(f.hostClk, 5)
	disconnects := hostLog.Disconnects()
	require.Len(t, disconnects, 1)
	assert.Equal(t, clientID, disconnects[0].PeerID)
	assert.Equal(t, domain.ReasonPeerNetwork, disconnects[0].Reason)
	assert.Equal(t, 0, f.host.ConnectionCount())

	var sawUnstable bool
	for _, ev := range hostLog.Statuses() {
		if ev.PeerID == clientID && ev.Status == domain.StatusUnstable {
			sawUnstable = true
		}
	}
	assert.True(t, sawUnstable, "client goes unstable before it is dropped")
}

func TestSilentHostIsHostNetwork(t *testing.T) {
	f := connectPair(t)
	clientLog := watch(f.client)

	f.net.Cut(f.host.MyPeerID(), f.client.MyPeerID())
	step(f.clientClk, 20)

	require.Eventually(t, func() bool { return len(clientLog.Disconnects()) == 1 }, eventually, poll)
	assert.Equal(t, domain.ReasonHostNetwork, clientLog.Disconnects()[0].Reason)
	assert.Eventually(t, func() bool { return f.client.MyPeerID() == "" }, eventually, poll)
}

func TestLeaveNoticeIsPeerLeft(t *testing.T) {
	f := connectPair(t)
	hostLog := watch(f.host)

	f.client.AnnounceLeave()

	require.Eventually(t, func() bool { return len(hostLog.Disconnects()) == 1 }, eventually, poll)
	ev := hostLog.Disconnects()[0]
	assert.Equal(t, f.client.MyPeerID(), ev.PeerID)
	assert.Equal(t, domain.ReasonPeerLeft, ev.Reason)
}

func TestCleanCloseWaitsOutGrace(t *testing.T) {
	f := connectPair(t)
	hostLog := watch(f.host)
	clientID := f.client.MyPeerID()

	f.client.Disconnect()

	require.Eventually(t, func() bool {
		p, ok := f.host.Peer(clientID)
		return ok && p.Status == domain.StatusReconnecting
	}, eventually, poll)
	assert.Empty(t, hostLog.Disconnects())

	step(f.hostClk, 4)
	require.Eventually(t, func() bool { return len(hostLog.Disconnects()) == 1 }, eventually, poll)
	assert.Equal(t, domain.ReasonPeerLeft, hostLog.Disconnects()[0].Reason)
}

func TestHostShutdownIsHostLeft(t *testing.T) {
	f := connectPair(t)
	clientLog := watch(f.client)

	f.host.Disconnect()
	require.Eventually(t, func() bool {
		p, ok := f.client.Peer(f.room.HostPeerID)
		return ok && p.Status == domain.StatusReconnecting
	}, eventually, poll)
	step(f.clientClk, 4)

	require.Eventually(t, func() bool { return len(clientLog.Disconnects()) == 1 }, eventually, poll)
	assert.Equal(t, domain.ReasonHostLeft, clientLog.Disconnects()[0].Reason)
	assert.Eventually(t, func() bool { return f.client.MyPeerID() == "" }, eventually, poll)
}

func TestRoomClosedEndsClientAtOnce(t *testing.T) {
	f := connectPair(t)
	clientLog := watch(f.client)

	require.NoError(t, f.host.Broadcast(domain.KindRoomClosed, nil))

	require.Eventually(t, func() bool { return len(clientLog.Disconnects()) == 1 }, eventually, poll)
	assert.Equal(t, domain.ReasonHostLeft, clientLog.Disconnects()[0].Reason)
	assert.Equal(t, []domain.MessageKind{domain.KindRoomClosed}, clientLog.Kinds())
}

func TestGameOverTearsDownClient(t *testing.T) {
	f := connectPair(t)
	clientLog := watch(f.client)

	require.NoError(t, f.host.Broadcast(domain.KindGameOver, domain.GameOverPayload{}))

	require.Eventually(t, func() bool { return f.client.MyPeerID() == "" }, eventually, poll)
	assert.Equal(t, []domain.MessageKind{domain.KindGameOver}, clientLog.Kinds())
	assert.Empty(t, clientLog.Disconnects(), "game-over is the last event the client sees")
}

func TestEndpointLossIsSelfNetwork(t *testing.T) {
	f := connectPair(t)
	clientLog := watch(f.client)

	f.net.Disconnect(f.client.MyPeerID())

	require.Eventually(t, func() bool { return len(clientLog.Disconnects()) == 1 }, eventually, poll)
	assert.Equal(t, domain.ReasonSelfNetwork, clientLog.Disconnects()[0].Reason)
}

func TestEvictKeepsChannelForGrace(t *testing.T) {
	f := connectPair(t)
	clientLog := watch(f.client)
	clientID := f.client.MyPeerID()

	require.NoError(t, f.host.SendTo(clientID, domain.KindKicked, nil))
	f.host.Evict(clientID, domain.CauseKicked)

	_, tracked := f.host.Peer(clientID)
	assert.False(t, tracked)
	require.Eventually(t, func() bool { return len(clientLog.Disconnects()) == 1 }, eventually, poll)
	assert.Equal(t, domain.ReasonKicked, clientLog.Disconnects()[0].Reason)

	assert.NoError(t, f.host.SendTo(clientID, domain.KindSync, nil), "sending to an evicted peer is a no-op")
}

// closeCounter wraps a transport and counts Close calls the session makes on
// inbound channels. Channels torn down by the endpoint itself are not counted.
type closeCounter struct {
	ports.Transport
	closes *atomic.Int32
}

func (t closeCounter) Open(ctx context.Context, id domain.PeerID) (ports.Endpoint, error) {
	ep, err := t.Transport.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	return countingEndpoint{Endpoint: ep, closes: t.closes}, nil
}

type countingEndpoint struct {
	ports.Endpoint
	closes *atomic.Int32
}

func (e countingEndpoint) Accept(handler func(ch ports.Channel) ports.ChannelEvents) {
	e.Endpoint.Accept(func(ch ports.Channel) ports.ChannelEvents {
		wrapped := countingChannel{Channel: ch, closes: e.closes}
		events := handler(wrapped)
		if open := events.OnOpen; open != nil {
			events.OnOpen = func(ports.Channel) { open(wrapped) }
		}
		return events
	})
}

type countingChannel struct {
	ports.Channel
	closes *atomic.Int32
}

func (c countingChannel) Close() error {
	c.closes.Add(1)
	return c.Channel.Close()
}

func TestEvictGraceCloseIsStaleAfterDisconnect(t *testing.T) {
	net := memory.NewNetwork(nil)
	closes := &atomic.Int32{}
	hostClk := clock.NewMock()
	host := newTestSession(t, closeCounter{Transport: net, closes: closes}, hostClk)
	grace := DefaultSessionConfig().Liveness.ReconnectGrace

	_, err := host.CreateRoom(context.Background(), testRoom)
	require.NoError(t, err)

	first := newTestSession(t, net, clock.NewMock())
	_, err = first.JoinRoom(context.Background(), testRoom)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return host.ConnectionCount() == 1 }, eventually, poll)

	host.Evict(first.MyPeerID(), domain.CauseKicked)
	assert.Zero(t, closes.Load(), "channel outlives the eviction")
	hostClk.Add(grace)
	require.Eventually(t, func() bool { return closes.Load() == 1 }, eventually, poll)

	second := newTestSession(t, net, clock.NewMock())
	_, err = second.JoinRoom(context.Background(), testRoom)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return host.ConnectionCount() == 1 }, eventually, poll)

	host.Evict(second.MyPeerID(), domain.CauseKicked)
	host.Disconnect()
	settled := closes.Load()

	hostClk.Add(grace)
	assert.Never(t, func() bool { return closes.Load() != settled }, 100*time.Millisecond, poll)
}
