package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	ossignal "os/signal"
	"sync"
	"syscall"
	"time"

	"yahtzee/internal/core/domain"
	"yahtzee/internal/core/ports"
	"yahtzee/pkg/tracing"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type SessionConfig struct {
	HostPrefix  string
	JoinTimeout time.Duration
	Liveness    LivenessPolicy
	// WatchTermination installs a SIGINT/SIGTERM hook that announces the
	// departure before the process exits.
	WatchTermination bool
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		HostPrefix:  "yahtzee-room-",
		JoinTimeout: 8 * time.Second,
		Liveness:    DefaultLivenessPolicy(),
	}
}

type peerLink struct {
	record  *domain.PeerConnection
	channel ports.Channel
}

// Session owns one room membership: the local endpoint, the connection map
// and the liveness loop. Every mutation happens under mu; side effects are
// collected and run after the lock is released.
type Session struct {
	cfg       SessionConfig
	transport ports.Transport
	clock     clock.Clock
	logger    *zap.SugaredLogger
	metrics   ports.SessionMetrics
	monitor   *LivenessMonitor
	bus       *EventBus

	mu              sync.Mutex
	epoch           uint64
	busy            bool
	endpoint        ports.Endpoint
	room            *domain.Room
	peers           map[domain.PeerID]*peerLink
	remoteLatencies map[domain.PeerID]int64
	stopLoop        context.CancelFunc
	cancelAttempt   context.CancelFunc
	stopSignals     func()
}

func NewSession(cfg SessionConfig, transport ports.Transport, clk clock.Clock, logger *zap.SugaredLogger) *Session {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Session{
		cfg:       cfg,
		transport: transport,
		clock:     clk,
		logger:    logger,
		metrics:   noopMetrics{},
		monitor:   NewLivenessMonitor(cfg.Liveness),
		bus:       NewEventBus(),
		peers:     make(map[domain.PeerID]*peerLink),
	}
}

// SetMetrics replaces the metrics sink. Call before creating or joining.
func (s *Session) SetMetrics(m ports.SessionMetrics) {
	if m == nil {
		m = noopMetrics{}
	}
	s.metrics = m
}

func (s *Session) Config() SessionConfig { return s.cfg }

func (s *Session) Clock() clock.Clock { return s.clock }

func (s *Session) OnMessage(fn func(domain.GameMessage)) Subscription {
	return s.bus.OnMessage(fn)
}

func (s *Session) OnDisconnection(fn func(domain.DisconnectEvent)) Subscription {
	return s.bus.OnDisconnection(fn)
}

func (s *Session) OnStatusChange(fn func(domain.StatusEvent)) Subscription {
	return s.bus.OnStatusChange(fn)
}

func (s *Session) OnLatencyUpdate(fn func(domain.LatencyEvent)) Subscription {
	return s.bus.OnLatencyUpdate(fn)
}

// CreateRoom binds the well-known host identity for roomID and starts
// accepting players.
func (s *Session) CreateRoom(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	ctx, span := tracing.StartSpan(ctx, "session.create_room",
		trace.WithAttributes(tracing.RoomIDKey.String(string(roomID))))
	defer span.End()

	room, err := s.createRoom(ctx, roomID)
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return room, err
}

func (s *Session) createRoom(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	epoch, err := s.begin()
	if err != nil {
		return nil, err
	}
	hostID := domain.HostIdentity(s.cfg.HostPrefix, roomID)

	ep, err := s.transport.Open(ctx, hostID)
	if err != nil {
		s.abort(epoch)
		return nil, &domain.ConnectError{Kind: domain.ConnectRejected, RoomID: roomID, Err: err}
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		ep.Close()
		return nil, &domain.ConnectError{Kind: domain.ConnectRejected, RoomID: roomID, Err: domain.ErrSessionClosed}
	}
	s.busy = false
	s.endpoint = ep
	s.room = &domain.Room{ID: roomID, HostPeerID: hostID, IsLocalHost: true}
	ep.Accept(s.acceptClient(epoch))
	ep.OnLost(s.endpointLost(epoch))
	s.startLoopLocked(epoch)
	room := *s.room
	s.mu.Unlock()

	s.logger.Infow("room created", "room_id", roomID, "peer_id", hostID)
	return &room, nil
}

// JoinRoom connects to the host of roomID. It returns a ConnectError of
// kind room-not-found, timeout or rejected on failure, with all partial
// state torn down.
func (s *Session) JoinRoom(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	ctx, span := tracing.StartSpan(ctx, "session.join_room",
		trace.WithAttributes(tracing.RoomIDKey.String(string(roomID))))
	defer span.End()

	room, err := s.joinRoom(ctx, roomID)
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return room, err
}

func (s *Session) joinRoom(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	epoch, err := s.begin()
	if err != nil {
		return nil, err
	}
	fail := func(kind domain.ConnectErrorKind, cause error) (*domain.Room, error) {
		return nil, &domain.ConnectError{Kind: kind, RoomID: roomID, Err: cause}
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ep, err := s.transport.Open(attemptCtx, "")
	if err != nil {
		s.abort(epoch)
		return fail(domain.ConnectRejected, err)
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		ep.Close()
		return fail(domain.ConnectRejected, domain.ErrSessionClosed)
	}
	s.endpoint = ep
	s.cancelAttempt = cancel
	s.mu.Unlock()

	// Clients never take inbound channels.
	ep.Accept(func(ch ports.Channel) ports.ChannelEvents {
		return ports.ChannelEvents{OnOpen: func(ch ports.Channel) { ch.Close() }}
	})

	hostID := domain.HostIdentity(s.cfg.HostPrefix, roomID)
	attempt := newJoinAttempt()
	events := ports.ChannelEvents{
		OnOpen: func(ch ports.Channel) {
			if !attempt.claim() {
				ch.Close()
				return
			}
			attempt.setChannel(ch)
			attempt.settle(s.completeJoin(epoch, ep, roomID, ch))
		},
		OnMessage: func(data []byte) {
			s.receive(epoch, hostID, data)
		},
		OnClose: func() {
			if attempt.claim() {
				attempt.settle(domain.ErrChannelClosed)
				return
			}
			if ch := attempt.channel(); ch != nil {
				s.channelClosed(epoch, hostID, ch)
			}
		},
		OnError: func(err error) {
			if attempt.claim() {
				attempt.settle(err)
				return
			}
			s.logger.Warnw("channel error", "peer_id", hostID, "error", err)
		},
	}

	if _, err := ep.Connect(hostID, events); err != nil && attempt.claim() {
		attempt.settle(err)
	}

	timer := s.clock.Timer(s.cfg.JoinTimeout)
	defer timer.Stop()

	var result error
	select {
	case result = <-attempt.done:
	case <-timer.C:
		if attempt.claim() {
			result = fmt.Errorf("no answer from %s within %s", hostID, s.cfg.JoinTimeout)
			attempt.kind = domain.ConnectTimeout
		} else {
			result = <-attempt.done
		}
	case <-attemptCtx.Done():
		if attempt.claim() {
			result = attemptCtx.Err()
		} else {
			result = <-attempt.done
		}
	}

	if result == nil {
		s.mu.Lock()
		var room *domain.Room
		if s.epoch == epoch && s.room != nil {
			cp := *s.room
			room = &cp
		}
		s.mu.Unlock()
		if room == nil {
			return fail(domain.ConnectRejected, domain.ErrSessionClosed)
		}
		s.logger.Infow("joined room", "room_id", roomID, "peer_id", ep.ID(), "host_id", hostID)
		return room, nil
	}

	s.mu.Lock()
	if s.epoch == epoch {
		s.epoch++
		s.resetLocked()
	}
	s.mu.Unlock()
	if err := ep.Close(); err != nil {
		s.logger.Debugw("failed to close endpoint after join failure", "error", err)
	}

	kind := attempt.kind
	switch {
	case kind != "":
	case errors.Is(result, domain.ErrPeerUnavailable):
		kind = domain.ConnectRoomNotFound
	default:
		kind = domain.ConnectRejected
	}
	s.logger.Infow("join failed", "room_id", roomID, "kind", kind, "error", result)
	return fail(kind, result)
}

func (s *Session) completeJoin(epoch uint64, ep ports.Endpoint, roomID domain.RoomID, ch ports.Channel) error {
	fx := &effects{}
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		ch.Close()
		return domain.ErrSessionClosed
	}
	hostID := ch.RemoteID()
	s.busy = false
	s.cancelAttempt = nil
	s.room = &domain.Room{ID: roomID, HostPeerID: hostID}
	s.remoteLatencies = make(map[domain.PeerID]int64)
	s.addLinkLocked(ch, domain.RoleHost, fx)
	ep.OnLost(s.endpointLost(epoch))
	s.startLoopLocked(epoch)
	s.mu.Unlock()
	s.flush(fx)
	return nil
}

// Disconnect leaves the room. It is idempotent and safe to call from any
// event handler.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.epoch++
	ep := s.endpoint
	links := s.peers
	room := s.room
	if s.cancelAttempt != nil {
		s.cancelAttempt()
	}
	s.resetLocked()
	s.mu.Unlock()

	var err error
	for _, link := range links {
		if link.channel != nil {
			err = multierr.Append(err, link.channel.Close())
		}
	}
	if ep != nil {
		err = multierr.Append(err, ep.Close())
	}
	s.bus.Clear()

	if err != nil {
		s.logger.Debugw("errors while disconnecting", "error", err)
	}
	if room != nil {
		s.logger.Infow("left room", "room_id", room.ID, "was_host", room.IsLocalHost)
	}
}

// AnnounceLeave broadcasts a best-effort player-left notice.
func (s *Session) AnnounceLeave() {
	me := s.MyPeerID()
	if me == "" {
		return
	}
	if err := s.Broadcast(domain.KindPlayerLeft, domain.PlayerLeftPayload{PlayerID: me}); err != nil {
		s.logger.Debugw("failed to announce leave", "error", err)
	}
}

// Broadcast sends to every Connected peer with an open channel.
func (s *Session) Broadcast(kind domain.MessageKind, payload any) error {
	s.mu.Lock()
	if s.endpoint == nil || s.room == nil {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	data, err := s.encodeLocked(kind, payload)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	fx := &effects{}
	for _, link := range s.peers {
		if link.record.Status == domain.StatusConnected && link.channel != nil && link.channel.IsOpen() {
			fx.send(link.channel, kind, data)
		}
	}
	s.mu.Unlock()
	s.flush(fx)
	return nil
}

// SendTo unicasts to one peer. Absent or closed peers are skipped.
func (s *Session) SendTo(peerID domain.PeerID, kind domain.MessageKind, payload any) error {
	s.mu.Lock()
	if s.endpoint == nil || s.room == nil {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	link, ok := s.peers[peerID]
	if !ok || link.channel == nil || !link.channel.IsOpen() {
		s.mu.Unlock()
		return nil
	}
	data, err := s.encodeLocked(kind, payload)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	fx := &effects{}
	fx.send(link.channel, kind, data)
	s.mu.Unlock()
	s.flush(fx)
	return nil
}

// Evict ends a peer for an explicit host-side reason such as a kick. The
// channel stays open for the reconnect grace period so frames already queued
// for the peer still reach it.
func (s *Session) Evict(peerID domain.PeerID, cause domain.LossCause) {
	fx := &effects{}
	s.mu.Lock()
	link, ok := s.peers[peerID]
	if !ok {
		s.mu.Unlock()
		return
	}
	t := s.monitor.Finish(link.record, cause)
	ch := link.channel
	link.channel = nil
	s.evictLocked(link, t, fx)
	epoch := s.epoch
	s.mu.Unlock()
	s.flush(fx)

	if ch != nil {
		s.clock.AfterFunc(s.cfg.Liveness.ReconnectGrace, func() {
			s.mu.Lock()
			stale := s.epoch != epoch
			s.mu.Unlock()
			if !stale {
				ch.Close()
			}
		})
	}
}

func (s *Session) MyPeerID() domain.PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endpoint == nil {
		return ""
	}
	return s.endpoint.ID()
}

// ConnectionCount counts peers that have not been evicted.
func (s *Session) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, link := range s.peers {
		if link.record.Alive() {
			n++
		}
	}
	return n
}

func (s *Session) Room() (domain.Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return domain.Room{}, false
	}
	return *s.room, true
}

func (s *Session) IsHost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room != nil && s.room.IsLocalHost
}

func (s *Session) Peer(id domain.PeerID) (domain.PeerConnection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.peers[id]
	if !ok {
		return domain.PeerConnection{}, false
	}
	return link.record.Snapshot(), true
}

func (s *Session) Peers() []domain.PeerConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PeerConnection, 0, len(s.peers))
	for _, link := range s.peers {
		out = append(out, link.record.Snapshot())
	}
	return out
}

func (s *Session) begin() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy || s.endpoint != nil {
		return 0, domain.ErrSessionActive
	}
	s.busy = true
	return s.epoch, nil
}

func (s *Session) abort(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch == epoch {
		s.busy = false
	}
}

func (s *Session) resetLocked() {
	if s.stopLoop != nil {
		s.stopLoop()
		s.stopLoop = nil
	}
	if s.stopSignals != nil {
		s.stopSignals()
		s.stopSignals = nil
	}
	s.busy = false
	s.cancelAttempt = nil
	s.endpoint = nil
	s.room = nil
	s.peers = make(map[domain.PeerID]*peerLink)
	s.remoteLatencies = nil
}

func (s *Session) startLoopLocked(epoch uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	s.stopLoop = cancel
	heartbeat := s.clock.Ticker(s.cfg.Liveness.HeartbeatInterval)
	check := s.clock.Ticker(s.cfg.Liveness.CheckInterval)
	go s.runLoop(ctx, epoch, heartbeat, check)

	if s.cfg.WatchTermination {
		sigs := make(chan os.Signal, 1)
		ossignal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		done := make(chan struct{})
		var once sync.Once
		s.stopSignals = func() {
			once.Do(func() {
				ossignal.Stop(sigs)
				close(done)
			})
		}
		go func() {
			select {
			case <-sigs:
				s.logger.Infow("termination signal received, leaving room")
				s.AnnounceLeave()
				s.Disconnect()
			case <-done:
			}
		}()
	}
}

// runLoop drives the liveness ticks. The tickers are created by the caller
// so that they start counting when the room goes live.
func (s *Session) runLoop(ctx context.Context, epoch uint64, heartbeat, check *clock.Ticker) {
	defer heartbeat.Stop()
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			s.heartbeatTick(epoch)
		case <-check.C:
			s.checkTick(epoch)
		}
	}
}

func (s *Session) heartbeatTick(epoch uint64) {
	fx := &effects{}
	s.mu.Lock()
	if s.epoch != epoch || s.room == nil {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	for _, link := range s.peers {
		if link.channel == nil || !link.channel.IsOpen() {
			continue
		}
		if s.monitor.Ping(link.record, now) {
			s.sendHeartbeatLocked(link, domain.NewPing(now), fx)
		}
	}
	if s.room.IsLocalHost {
		if latencies := s.latenciesLocked(); len(latencies) > 0 {
			data, err := s.encodeLocked(domain.KindLatencyUpdate, domain.LatencyPayload{Latencies: latencies})
			if err == nil {
				for _, link := range s.peers {
					if link.record.Status == domain.StatusConnected && link.channel != nil && link.channel.IsOpen() {
						fx.send(link.channel, domain.KindLatencyUpdate, data)
					}
				}
			}
		}
	}
	s.mu.Unlock()
	s.flush(fx)
}

func (s *Session) checkTick(epoch uint64) {
	fx := &effects{}
	s.mu.Lock()
	if s.epoch != epoch || s.room == nil {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	for _, link := range s.peers {
		t := s.monitor.Check(link.record, now)
		if t.Probe && link.channel != nil && link.channel.IsOpen() && s.monitor.Ping(link.record, now) {
			s.sendHeartbeatLocked(link, domain.NewPing(now), fx)
		}
		if t.Terminal() {
			s.evictLocked(link, t, fx)
			continue
		}
		if t.Changed() {
			s.statusLocked(link.record, nil, fx)
		}
		if t.Redial && !s.room.IsLocalHost && link.record.Role == domain.RoleHost {
			s.redialLocked(epoch, link.record.PeerID)
		}
	}
	s.mu.Unlock()
	s.flush(fx)
}

// redialLocked opens a fresh channel to the host while its record is
// Reconnecting. A successful open replaces the channel on the record.
func (s *Session) redialLocked(epoch uint64, hostID domain.PeerID) {
	ep := s.endpoint
	if ep == nil {
		return
	}
	s.logger.Infow("reconnecting to host", "peer_id", hostID)
	attempt := newJoinAttempt()
	events := ports.ChannelEvents{
		OnOpen: func(ch ports.Channel) {
			attempt.setChannel(ch)
			s.restore(epoch, ch)
		},
		OnMessage: func(data []byte) { s.receive(epoch, hostID, data) },
		OnClose: func() {
			if ch := attempt.channel(); ch != nil {
				s.channelClosed(epoch, hostID, ch)
			}
		},
		OnError: func(err error) {
			s.logger.Debugw("reconnect attempt failed", "peer_id", hostID, "error", err)
		},
	}
	go func() {
		if _, err := ep.Connect(hostID, events); err != nil {
			s.logger.Debugw("reconnect attempt failed", "peer_id", hostID, "error", err)
		}
	}()
}

func (s *Session) acceptClient(epoch uint64) func(ch ports.Channel) ports.ChannelEvents {
	return func(ch ports.Channel) ports.ChannelEvents {
		remote := ch.RemoteID()
		return ports.ChannelEvents{
			OnOpen:    func(ch ports.Channel) { s.restore(epoch, ch) },
			OnMessage: func(data []byte) { s.receive(epoch, remote, data) },
			OnClose:   func() { s.channelClosed(epoch, remote, ch) },
			OnError: func(err error) {
				s.logger.Warnw("channel error", "peer_id", remote, "error", err)
			},
		}
	}
}

// restore registers an opened channel, either as a new client link or as
// the replacement channel of a peer that is still tracked.
func (s *Session) restore(epoch uint64, ch ports.Channel) {
	fx := &effects{}
	s.mu.Lock()
	if s.epoch != epoch || s.room == nil {
		s.mu.Unlock()
		ch.Close()
		return
	}
	remote := ch.RemoteID()
	link, ok := s.peers[remote]
	if !ok {
		role := domain.RoleClient
		if !s.room.IsLocalHost {
			role = domain.RoleHost
		}
		s.addLinkLocked(ch, role, fx)
		s.mu.Unlock()
		s.flush(fx)
		return
	}
	if old := link.channel; old != nil && old != ch {
		fx.closes = append(fx.closes, old)
	}
	link.channel = ch
	t := s.monitor.Restore(link.record, s.clock.Now())
	if t.Changed() {
		s.logger.Infow("peer channel re-established", "peer_id", remote)
		s.statusLocked(link.record, nil, fx)
	}
	s.mu.Unlock()
	s.flush(fx)
}

func (s *Session) addLinkLocked(ch ports.Channel, role domain.PeerRole, fx *effects) {
	rec := domain.NewPeerConnection(ch.RemoteID(), role, s.clock.Now())
	s.peers[rec.PeerID] = &peerLink{record: rec, channel: ch}
	s.metrics.PeerConnected(role)
	s.logger.Infow("peer connected", "peer_id", rec.PeerID, "role", role)
	s.statusLocked(rec, nil, fx)
}

// channelClosed handles a transport close. ch, when non-nil, must be the
// link's current channel or the close is stale.
func (s *Session) channelClosed(epoch uint64, remote domain.PeerID, ch ports.Channel) {
	fx := &effects{}
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	link, ok := s.peers[remote]
	if !ok || (ch != nil && link.channel != ch) {
		s.mu.Unlock()
		return
	}
	link.channel = nil
	t := s.monitor.ChannelClosed(link.record, s.clock.Now())
	switch {
	case t.Terminal():
		s.evictLocked(link, t, fx)
	case t.Changed():
		s.logger.Infow("peer channel closed, waiting for it to return", "peer_id", remote)
		s.statusLocked(link.record, nil, fx)
	}
	s.mu.Unlock()
	s.flush(fx)
}

func (s *Session) endpointLost(epoch uint64) func(error) {
	return func(err error) {
		fx := &effects{}
		s.mu.Lock()
		if s.epoch != epoch {
			s.mu.Unlock()
			return
		}
		s.logger.Warnw("local endpoint lost", "error", err)
		for _, link := range s.peers {
			t := s.monitor.Finish(link.record, domain.CauseEndpointLost)
			s.evictLocked(link, t, fx)
		}
		fx.teardown = true
		s.mu.Unlock()
		s.flush(fx)
	}
}

func (s *Session) receive(epoch uint64, remote domain.PeerID, data []byte) {
	fx := &effects{}
	s.mu.Lock()
	if s.epoch != epoch || s.room == nil {
		s.mu.Unlock()
		return
	}
	link, ok := s.peers[remote]
	if !ok {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	if t := s.monitor.Observe(link.record, now); t.Changed() {
		s.statusLocked(link.record, nil, fx)
	}

	msg, err := domain.DecodeMessage(data)
	if err != nil {
		s.metrics.ProtocolViolation(domain.MessageKind("invalid"))
		s.logger.Warnw("dropping malformed message", "peer_id", remote, "error", err)
		s.mu.Unlock()
		s.flush(fx)
		return
	}
	s.metrics.MessageReceived(msg.Type)

	if !s.allowedLocked(link.record, msg) {
		s.metrics.ProtocolViolation(msg.Type)
		s.logger.Warnw("dropping unexpected message", "peer_id", remote, "type", msg.Type, "role", link.record.Role)
		s.mu.Unlock()
		s.flush(fx)
		return
	}

	switch msg.Type {
	case domain.KindPing:
		s.sendHeartbeatLocked(link, domain.NewPong(msg.Timestamp), fx)
	case domain.KindPong:
		if rtt, ok := s.monitor.Pong(link.record, now); ok {
			s.metrics.ObserveRTT(rtt)
			fx.emit = append(fx.emit, s.latencyEmitLocked())
		}
	case domain.KindLatencyUpdate:
		var payload domain.LatencyPayload
		if err := msg.DecodePayload(&payload); err != nil {
			s.logger.Warnw("dropping latency update", "peer_id", remote, "error", err)
			break
		}
		s.remoteLatencies = payload.Latencies
		fx.emit = append(fx.emit, s.latencyEmitLocked())
	default:
		fx.messages = append(fx.messages, msg)
		s.terminalLocked(link, msg, fx)
	}
	s.mu.Unlock()
	s.flush(fx)
}

// terminalLocked ends links on messages that close a membership.
func (s *Session) terminalLocked(link *peerLink, msg domain.GameMessage, fx *effects) {
	var cause domain.LossCause
	switch msg.Type {
	case domain.KindKicked:
		cause = domain.CauseKicked
	case domain.KindRoomFull:
		cause = domain.CauseRoomFull
	case domain.KindGameStarted:
		cause = domain.CauseGameStarted
	case domain.KindRoomClosed:
		cause = domain.CauseRoomClosed
	case domain.KindGameOver:
		// The game-over message is the client's last event. No disconnect
		// reason fits a finished match, so none is published.
		fx.teardown = true
		return
	case domain.KindPlayerLeft:
		var payload domain.PlayerLeftPayload
		if err := msg.DecodePayload(&payload); err != nil || payload.PlayerID != link.record.PeerID {
			return
		}
		cause = domain.CauseLeaveNotice
	default:
		return
	}
	t := s.monitor.Finish(link.record, cause)
	s.evictLocked(link, t, fx)
}

// allowedLocked enforces which side may send which kind.
func (s *Session) allowedLocked(rec *domain.PeerConnection, msg domain.GameMessage) bool {
	if msg.Type.IsHeartbeat() {
		return true
	}
	switch msg.Type {
	case domain.KindPlayerLeft:
		return true
	case domain.KindJoin, domain.KindActionRoll, domain.KindActionHold, domain.KindActionScore:
		return s.room.IsLocalHost && rec.Role == domain.RoleClient && msg.PlayerID == rec.PeerID
	default:
		return !s.room.IsLocalHost && rec.Role == domain.RoleHost
	}
}

func (s *Session) evictLocked(link *peerLink, t Transition, fx *effects) {
	rec := link.record
	delete(s.peers, rec.PeerID)
	if link.channel != nil {
		fx.closes = append(fx.closes, link.channel)
		link.channel = nil
	}
	reason := ClassifyDisconnect(ClassifyInput{
		LocalIsHost: s.room.IsLocalHost,
		Role:        rec.Role,
		Cause:       t.Cause,
	})
	s.metrics.PeerDisconnected(rec.Role, reason)
	s.logger.Infow("peer disconnected", "peer_id", rec.PeerID, "role", rec.Role, "cause", t.Cause, "reason", reason)
	s.statusLocked(rec, &reason, fx)
	ev := domain.DisconnectEvent{PeerID: rec.PeerID, Role: rec.Role, Reason: reason}
	fx.emit = append(fx.emit, func() { s.bus.PublishDisconnect(ev) })
	if !s.room.IsLocalHost && rec.Role == domain.RoleHost {
		fx.teardown = true
	}
}

func (s *Session) statusLocked(rec *domain.PeerConnection, reason *domain.DisconnectReason, fx *effects) {
	s.metrics.StatusChanged(rec.Status)
	ev := domain.StatusEvent{PeerID: rec.PeerID, Status: rec.Status, Reason: reason}
	fx.emit = append(fx.emit, func() { s.bus.PublishStatus(ev) })
}

func (s *Session) latenciesLocked() map[domain.PeerID]int64 {
	out := make(map[domain.PeerID]int64)
	for id, link := range s.peers {
		if link.record.RTT != nil {
			out[id] = link.record.RTT.Milliseconds()
		}
	}
	return out
}

// latencyEmitLocked merges the host's view with our own measurements.
func (s *Session) latencyEmitLocked() func() {
	merged := make(map[domain.PeerID]int64)
	for id, ms := range s.remoteLatencies {
		merged[id] = ms
	}
	for id, ms := range s.latenciesLocked() {
		merged[id] = ms
	}
	ev := domain.LatencyEvent{Latencies: merged}
	return func() { s.bus.PublishLatency(ev) }
}

func (s *Session) encodeLocked(kind domain.MessageKind, payload any) ([]byte, error) {
	msg, err := domain.NewMessage(kind, s.endpoint.ID(), payload, s.clock.Now())
	if err != nil {
		return nil, err
	}
	return msg.Encode()
}

func (s *Session) sendHeartbeatLocked(link *peerLink, msg domain.GameMessage, fx *effects) {
	if link.channel == nil {
		return
	}
	data, err := msg.Encode()
	if err != nil {
		return
	}
	fx.send(link.channel, msg.Type, data)
}

// flush runs side effects collected under the lock: sends first, then
// closes, then events, then a full teardown if a terminal event asked for it.
func (s *Session) flush(fx *effects) {
	for _, out := range fx.sends {
		if err := out.channel.Send(out.data); err != nil {
			s.logger.Debugw("send failed", "peer_id", out.channel.RemoteID(), "type", out.kind, "error", err)
			continue
		}
		s.metrics.MessageSent(out.kind)
	}
	for _, ch := range fx.closes {
		ch.Close()
	}
	for _, msg := range fx.messages {
		s.bus.PublishMessage(msg)
	}
	for _, fn := range fx.emit {
		fn()
	}
	if fx.teardown {
		s.Disconnect()
	}
}

type outbound struct {
	channel ports.Channel
	kind    domain.MessageKind
	data    []byte
}

type effects struct {
	sends    []outbound
	closes   []ports.Channel
	messages []domain.GameMessage
	emit     []func()
	teardown bool
}

func (fx *effects) send(ch ports.Channel, kind domain.MessageKind, data []byte) {
	fx.sends = append(fx.sends, outbound{channel: ch, kind: kind, data: data})
}

// joinAttempt settles exactly once, whichever of open, error, close,
// timeout or cancellation gets there first.
type joinAttempt struct {
	mu      sync.Mutex
	claimed bool
	ch      ports.Channel
	kind    domain.ConnectErrorKind
	done    chan error
}

func newJoinAttempt() *joinAttempt {
	return &joinAttempt{done: make(chan error, 1)}
}

func (a *joinAttempt) claim() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.claimed {
		return false
	}
	a.claimed = true
	return true
}

func (a *joinAttempt) setChannel(ch ports.Channel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ch = ch
}

func (a *joinAttempt) channel() ports.Channel {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ch
}

func (a *joinAttempt) settle(err error) {
	a.done <- err
}

type noopMetrics struct{}

func (noopMetrics) PeerConnected(domain.PeerRole)                            {}
func (noopMetrics) PeerDisconnected(domain.PeerRole, domain.DisconnectReason) {}
func (noopMetrics) StatusChanged(domain.ConnectionStatus)                     {}
func (noopMetrics) ObserveRTT(time.Duration)                                  {}
func (noopMetrics) MessageSent(domain.MessageKind)                            {}
func (noopMetrics) MessageReceived(domain.MessageKind)                        {}
func (noopMetrics) ProtocolViolation(domain.MessageKind)                      {}
func (noopMetrics) SyncBroadcast()                                            {}
