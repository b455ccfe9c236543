package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"yahtzee/internal/core/domain"
	"yahtzee/internal/core/ports"
	"yahtzee/pkg/validation"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

type SyncConfig struct {
	MaxPlayers int
	// RollDelay is how long every peer animates a roll before roll-end.
	RollDelay time.Duration
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		MaxPlayers: domain.DefaultCapacity,
		RollDelay:  800 * time.Millisecond,
	}
}

// HostSynchronizer owns the authoritative game state on the host. It applies
// local and remote intents through the rule engine and replicates the result
// as full sync snapshots, skipping snapshots whose hash did not change.
type HostSynchronizer struct {
	cfg     SyncConfig
	link    SessionLink
	engine  ports.RuleEngine
	clock   clock.Clock
	logger  *zap.SugaredLogger
	metrics ports.SessionMetrics

	states listeners[domain.GameState]
	rolls  listeners[RollEvent]

	mu         sync.Mutex
	state      *domain.GameState
	lastHash   uint64
	hashed     bool
	rolling    bool
	generation uint64
	subs       []Subscription

	emitMu  sync.Mutex
	emitted uint64
}

func NewHostSynchronizer(cfg SyncConfig, link SessionLink, engine ports.RuleEngine, clk clock.Clock, logger *zap.SugaredLogger) *HostSynchronizer {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &HostSynchronizer{
		cfg:     cfg,
		link:    link,
		engine:  engine,
		clock:   clk,
		logger:  logger,
		metrics: noopMetrics{},
		state:   domain.NewGameState(cfg.MaxPlayers),
	}
}

func (h *HostSynchronizer) SetMetrics(m ports.SessionMetrics) {
	if m == nil {
		m = noopMetrics{}
	}
	h.metrics = m
}

// OnStateChange fires with a copy of the state after every replicated change.
func (h *HostSynchronizer) OnStateChange(fn func(domain.GameState)) Subscription {
	return h.states.add(fn)
}

func (h *HostSynchronizer) OnRoll(fn func(RollEvent)) Subscription {
	return h.rolls.add(fn)
}

// Open creates the room and seats the host as its first player.
func (h *HostSynchronizer) Open(ctx context.Context, roomID domain.RoomID, hostName string) (*domain.Room, error) {
	room, err := h.link.CreateRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.generation++
	seq := h.state.Seq
	h.state = domain.NewGameState(h.cfg.MaxPlayers)
	h.state.Seq = seq
	h.state.Players = append(h.state.Players, domain.Player{
		ID:        h.link.MyPeerID(),
		Name:      validation.SanitizePlayerName(hostName, "host"),
		Seat:      h.state.LowestFreeSeat(),
		IsHost:    true,
		ScoreCard: domain.ScoreCard{},
	})
	h.hashed = false
	h.rolling = false
	h.subs = []Subscription{
		h.link.OnMessage(h.handleMessage),
		h.link.OnDisconnection(h.handleDisconnect),
		h.link.OnStatusChange(h.handleStatus),
	}
	var out actions
	h.commitLocked(&out)
	h.mu.Unlock()
	out.run()

	return room, nil
}

// State returns a copy of the authoritative state.
func (h *HostSynchronizer) State() domain.GameState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return *h.state.Clone()
}

// Refresh re-evaluates the state and broadcasts a snapshot only if its hash
// changed since the last one.
func (h *HostSynchronizer) Refresh() {
	var out actions
	h.mu.Lock()
	h.commitLocked(&out)
	h.mu.Unlock()
	out.run()
}

func (h *HostSynchronizer) StartGame() error {
	var out actions
	h.mu.Lock()
	if h.state.Phase != domain.PhaseWaiting {
		h.mu.Unlock()
		return domain.ErrWrongPhase
	}
	if err := h.engine.Start(h.state); err != nil {
		h.mu.Unlock()
		return err
	}
	out.add(func() { h.broadcast(domain.KindGameStart, nil) })
	h.commitLocked(&out)
	h.mu.Unlock()
	out.run()

	h.logger.Infow("game started")
	return nil
}

func (h *HostSynchronizer) Roll() error {
	return h.roll(h.link.MyPeerID(), nil)
}

func (h *HostSynchronizer) Hold(dieID int) error {
	return h.hold(h.link.MyPeerID(), dieID)
}

func (h *HostSynchronizer) Score(category domain.Category) error {
	return h.score(h.link.MyPeerID(), category)
}

// Kick removes a player. The target gets kicked first; everyone left then
// sees a sync followed by player-left.
func (h *HostSynchronizer) Kick(id domain.PeerID) error {
	if id == h.link.MyPeerID() {
		return fmt.Errorf("%w: host cannot kick itself", domain.ErrNotHost)
	}
	var out actions
	h.mu.Lock()
	idx := h.state.FindPlayer(id)
	if idx < 0 {
		h.mu.Unlock()
		return domain.ErrPlayerNotFound
	}
	name := h.state.Players[idx].Name
	if err := h.engine.RemovePlayer(h.state, id); err != nil {
		h.mu.Unlock()
		return err
	}
	out.add(func() { h.sendTo(id, domain.KindKicked, nil) })
	out.add(func() { h.link.Evict(id, domain.CauseKicked) })
	h.commitLocked(&out)
	out.add(func() {
		h.broadcast(domain.KindPlayerLeft, domain.PlayerLeftPayload{PlayerID: id, PlayerName: name})
	})
	h.mu.Unlock()
	out.run()

	h.logger.Infow("player kicked", "peer_id", id, "name", name)
	return nil
}

// Close tells every client the room is gone and leaves it.
func (h *HostSynchronizer) Close() {
	h.mu.Lock()
	h.generation++
	subs := h.subs
	h.subs = nil
	h.rolling = false
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	h.broadcast(domain.KindRoomClosed, nil)
	h.link.Disconnect()
}

func (h *HostSynchronizer) handleMessage(msg domain.GameMessage) {
	var err error
	switch msg.Type {
	case domain.KindJoin:
		var payload domain.JoinPayload
		if err = msg.DecodePayload(&payload); err == nil {
			h.join(msg.PlayerID, payload.Player)
		}
	case domain.KindActionRoll:
		var payload domain.RollPayload
		if err = msg.DecodePayload(&payload); err == nil {
			err = h.roll(msg.PlayerID, payload.DiceResult)
		}
	case domain.KindActionHold:
		var payload domain.HoldPayload
		if err = msg.DecodePayload(&payload); err == nil {
			err = h.hold(msg.PlayerID, payload.DiceID)
		}
	case domain.KindActionScore:
		var payload domain.ScorePayload
		if err = msg.DecodePayload(&payload); err == nil {
			err = h.score(msg.PlayerID, payload.Category)
		}
	}
	if err != nil {
		if errors.Is(err, domain.ErrMalformedMessage) {
			h.metrics.ProtocolViolation(msg.Type)
		}
		h.logger.Warnw("rejected client intent", "peer_id", msg.PlayerID, "type", msg.Type, "error", err)
	}
}

func (h *HostSynchronizer) join(peer domain.PeerID, info domain.PlayerInfo) {
	if info.ID != "" && info.ID != peer {
		h.logger.Warnw("join claims another identity", "peer_id", peer, "claimed", info.ID)
		return
	}
	var out actions
	h.mu.Lock()
	switch {
	case h.state.FindPlayer(peer) >= 0:
		h.mu.Unlock()
		return
	case h.state.Phase != domain.PhaseWaiting:
		out.add(func() { h.sendTo(peer, domain.KindGameStarted, nil) })
		out.add(func() { h.link.Evict(peer, domain.CauseGameStarted) })
		h.logger.Infow("join rejected, game already started", "peer_id", peer)
	case h.state.Full():
		out.add(func() { h.sendTo(peer, domain.KindRoomFull, nil) })
		out.add(func() { h.link.Evict(peer, domain.CauseRoomFull) })
		h.logger.Infow("join rejected, room full", "peer_id", peer, "players", len(h.state.Players))
	default:
		seat := h.state.LowestFreeSeat()
		player := domain.Player{
			ID:        peer,
			Name:      validation.SanitizePlayerName(info.Name, fmt.Sprintf("player %d", seat)),
			Seat:      seat,
			ScoreCard: domain.ScoreCard{},
		}
		h.state.Players = append(h.state.Players, player)
		h.commitLocked(&out)
		h.logger.Infow("player joined", "peer_id", peer, "name", player.Name, "seat", player.Seat)
	}
	h.mu.Unlock()
	out.run()
}

func (h *HostSynchronizer) roll(player domain.PeerID, proposed []int) error {
	var out actions
	h.mu.Lock()
	if h.rolling {
		h.mu.Unlock()
		return domain.ErrRollInProgress
	}
	if err := h.engine.Roll(h.state, player, proposed); err != nil {
		h.mu.Unlock()
		return err
	}
	h.rolling = true
	gen := h.generation
	dice := h.state.DiceValues()
	rollsLeft := h.state.RollsLeft

	start := RollEvent{Started: true, PlayerID: player}
	out.add(func() { h.broadcast(domain.KindRollStart, domain.RollStartPayload{PlayerID: player}) })
	out.add(func() { h.rolls.emit(start) })
	h.mu.Unlock()
	out.run()

	h.clock.AfterFunc(h.cfg.RollDelay, func() {
		h.finishRoll(gen, player, dice, rollsLeft)
	})
	return nil
}

func (h *HostSynchronizer) finishRoll(gen uint64, player domain.PeerID, dice []int, rollsLeft int) {
	var out actions
	h.mu.Lock()
	if gen != h.generation || !h.rolling {
		h.mu.Unlock()
		return
	}
	h.rolling = false
	end := RollEvent{PlayerID: player, Dice: dice, RollsLeft: rollsLeft}
	out.add(func() {
		h.broadcast(domain.KindRollEnd, domain.RollEndPayload{DiceResult: dice, RollsLeft: rollsLeft})
	})
	out.add(func() { h.rolls.emit(end) })
	h.commitLocked(&out)
	h.mu.Unlock()
	out.run()
}

func (h *HostSynchronizer) hold(player domain.PeerID, dieID int) error {
	var out actions
	h.mu.Lock()
	if h.rolling {
		h.mu.Unlock()
		return domain.ErrRollInProgress
	}
	if err := h.engine.ToggleHold(h.state, player, dieID); err != nil {
		h.mu.Unlock()
		return err
	}
	h.commitLocked(&out)
	h.mu.Unlock()
	out.run()
	return nil
}

func (h *HostSynchronizer) score(player domain.PeerID, category domain.Category) error {
	var out actions
	h.mu.Lock()
	if h.rolling {
		h.mu.Unlock()
		return domain.ErrRollInProgress
	}
	if err := h.engine.Score(h.state, player, category); err != nil {
		h.mu.Unlock()
		return err
	}
	h.commitLocked(&out)
	if h.state.Phase == domain.PhaseFinished {
		final := h.state.Clone().Players
		out.add(func() { h.broadcast(domain.KindGameOver, domain.GameOverPayload{FinalPlayers: final}) })
		h.logger.Infow("game over", "players", len(final))
	}
	h.mu.Unlock()
	out.run()
	return nil
}

// handleDisconnect drops a departed peer from the roster. Kicked and
// rejected peers are already gone, so only liveness and leave losses land
// here with a tracked player.
func (h *HostSynchronizer) handleDisconnect(ev domain.DisconnectEvent) {
	var out actions
	h.mu.Lock()
	idx := h.state.FindPlayer(ev.PeerID)
	if idx < 0 {
		h.mu.Unlock()
		return
	}
	name := h.state.Players[idx].Name
	if err := h.engine.RemovePlayer(h.state, ev.PeerID); err != nil {
		h.mu.Unlock()
		h.logger.Warnw("failed to remove player", "peer_id", ev.PeerID, "error", err)
		return
	}
	h.commitLocked(&out)
	out.add(func() {
		h.broadcast(domain.KindPlayerLeft, domain.PlayerLeftPayload{PlayerID: ev.PeerID, PlayerName: name})
	})
	h.mu.Unlock()
	out.run()

	h.logger.Infow("player removed", "peer_id", ev.PeerID, "name", name, "reason", ev.Reason)
}

// handleStatus resends the current snapshot to a tracked player whose link
// came back, since anything broadcast while it was away was skipped.
func (h *HostSynchronizer) handleStatus(ev domain.StatusEvent) {
	if ev.Status != domain.StatusConnected {
		return
	}
	h.mu.Lock()
	if h.state.FindPlayer(ev.PeerID) < 0 {
		h.mu.Unlock()
		return
	}
	snapshot := h.state.Clone()
	h.mu.Unlock()
	h.sendTo(ev.PeerID, domain.KindSync, snapshot)
}

// commitLocked queues a sync broadcast if the state hash moved. Nothing is
// replicated while a roll is animating; finishRoll commits afterwards.
func (h *HostSynchronizer) commitLocked(out *actions) {
	if h.rolling {
		return
	}
	hash, err := SnapshotHash(h.state)
	if err != nil {
		h.logger.Errorw("failed to hash state", "error", err)
		return
	}
	if h.hashed && hash == h.lastHash {
		return
	}
	h.lastHash = hash
	h.hashed = true
	h.state.Seq++

	snapshot := h.state.Clone()
	out.add(func() {
		h.broadcast(domain.KindSync, snapshot)
		h.metrics.SyncBroadcast()
	})
	out.add(func() { h.emitState(snapshot) })
}

// emitState hands a snapshot to local listeners unless a newer one already
// went out. Actions run after unlock, so two commits may race here.
func (h *HostSynchronizer) emitState(snapshot *domain.GameState) {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()
	if snapshot.Seq <= h.emitted {
		return
	}
	h.emitted = snapshot.Seq
	h.states.emit(*snapshot)
}

func (h *HostSynchronizer) broadcast(kind domain.MessageKind, payload any) {
	if err := h.link.Broadcast(kind, payload); err != nil {
		h.logger.Debugw("broadcast failed", "type", kind, "error", err)
	}
}

func (h *HostSynchronizer) sendTo(peer domain.PeerID, kind domain.MessageKind, payload any) {
	if err := h.link.SendTo(peer, kind, payload); err != nil {
		h.logger.Debugw("send failed", "peer_id", peer, "type", kind, "error", err)
	}
}

// actions are link calls queued under the synchronizer lock and run in
// order after it is released, since the session may call back into us.
type actions []func()

func (a *actions) add(fn func()) {
	*a = append(*a, fn)
}

func (a actions) run() {
	for _, fn := range a {
		fn()
	}
}
