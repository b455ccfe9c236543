package services

import (
	"context"
	"math/rand"
	"sync"

	"yahtzee/internal/core/domain"

	"go.uber.org/zap"
)

// ClientSynchronizer keeps a read-only replica of the host's state and
// forwards local intents to the host. Snapshots that arrive while a roll is
// animating are held back until roll-end.
type ClientSynchronizer struct {
	link   SessionLink
	logger *zap.SugaredLogger

	states listeners[domain.GameState]
	rolls  listeners[RollEvent]

	mu        sync.Mutex
	host      domain.PeerID
	replica   *domain.GameState
	animating bool
	pending   *domain.GameState
	seq       uint64
	subs      []Subscription
}

func NewClientSynchronizer(link SessionLink, logger *zap.SugaredLogger) *ClientSynchronizer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ClientSynchronizer{link: link, logger: logger}
}

func (c *ClientSynchronizer) OnStateChange(fn func(domain.GameState)) Subscription {
	return c.states.add(fn)
}

func (c *ClientSynchronizer) OnRoll(fn func(RollEvent)) Subscription {
	return c.rolls.add(fn)
}

// Join connects to the room and asks the host for a seat. Admission is
// decided by the host: a sync means we are in, room-full or game-started
// arrive as disconnections.
func (c *ClientSynchronizer) Join(ctx context.Context, roomID domain.RoomID, name string) (*domain.Room, error) {
	room, err := c.link.JoinRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.host = room.HostPeerID
	c.replica = nil
	c.pending = nil
	c.animating = false
	c.seq = 0
	c.subs = []Subscription{c.link.OnMessage(c.handleMessage)}
	c.mu.Unlock()

	me := c.link.MyPeerID()
	join := domain.JoinPayload{Player: domain.PlayerInfo{ID: me, Name: name}}
	if err := c.link.SendTo(room.HostPeerID, domain.KindJoin, join); err != nil {
		c.link.Disconnect()
		return nil, &domain.ConnectError{Kind: domain.ConnectRejected, RoomID: roomID, Err: err}
	}
	return room, nil
}

// State returns the latest applied snapshot.
func (c *ClientSynchronizer) State() (domain.GameState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.replica == nil {
		return domain.GameState{}, false
	}
	return *c.replica.Clone(), true
}

// Roll proposes fresh values for the unheld dice. The host validates them
// and announces the outcome with roll-start and roll-end.
func (c *ClientSynchronizer) Roll() error {
	c.mu.Lock()
	if c.animating {
		c.mu.Unlock()
		return domain.ErrRollInProgress
	}
	var proposed []int
	if c.replica != nil {
		proposed = make([]int, len(c.replica.Dice))
		for i, d := range c.replica.Dice {
			if d.Held {
				proposed[i] = d.Value
			} else {
				proposed[i] = rand.Intn(6) + 1
			}
		}
	}
	c.mu.Unlock()
	return c.toHost(domain.KindActionRoll, domain.RollPayload{DiceResult: proposed})
}

func (c *ClientSynchronizer) Hold(dieID int) error {
	return c.toHost(domain.KindActionHold, domain.HoldPayload{DiceID: dieID})
}

func (c *ClientSynchronizer) Score(category domain.Category) error {
	return c.toHost(domain.KindActionScore, domain.ScorePayload{Category: category})
}

// Leave announces the departure and closes the session.
func (c *ClientSynchronizer) Leave() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	c.link.AnnounceLeave()
	c.link.Disconnect()
}

func (c *ClientSynchronizer) toHost(kind domain.MessageKind, payload any) error {
	c.mu.Lock()
	host := c.host
	c.mu.Unlock()
	if host == "" {
		return domain.ErrSessionClosed
	}
	return c.link.SendTo(host, kind, payload)
}

func (c *ClientSynchronizer) handleMessage(msg domain.GameMessage) {
	switch msg.Type {
	case domain.KindSync:
		var state domain.GameState
		if err := msg.DecodePayload(&state); err != nil {
			c.logger.Warnw("dropping sync", "error", err)
			return
		}
		c.applySync(&state)
	case domain.KindRollStart:
		var payload domain.RollStartPayload
		if err := msg.DecodePayload(&payload); err != nil {
			c.logger.Warnw("dropping roll-start", "error", err)
			return
		}
		c.mu.Lock()
		c.animating = true
		c.mu.Unlock()
		c.rolls.emit(RollEvent{Started: true, PlayerID: payload.PlayerID})
	case domain.KindRollEnd:
		var payload domain.RollEndPayload
		if err := msg.DecodePayload(&payload); err != nil {
			c.logger.Warnw("dropping roll-end", "error", err)
			return
		}
		c.finishRoll(payload)
	case domain.KindGameOver:
		var payload domain.GameOverPayload
		if err := msg.DecodePayload(&payload); err != nil {
			c.logger.Warnw("dropping game-over", "error", err)
			return
		}
		c.mu.Lock()
		var final *domain.GameState
		if c.replica != nil {
			final = c.replica.Clone()
			final.Phase = domain.PhaseFinished
			final.Players = payload.FinalPlayers
			c.replica = final
		}
		c.mu.Unlock()
		if final != nil {
			c.states.emit(*final.Clone())
		}
	}
}

// applySync drops snapshots older than the newest one already accepted.
// An equal Seq is a resend and is applied again.
func (c *ClientSynchronizer) applySync(state *domain.GameState) {
	c.mu.Lock()
	if state.Seq < c.seq {
		c.mu.Unlock()
		c.logger.Debugw("dropping stale sync", "seq", state.Seq, "latest", c.seq)
		return
	}
	c.seq = state.Seq
	if c.animating {
		c.pending = state
		c.mu.Unlock()
		return
	}
	c.replica = state
	c.mu.Unlock()
	c.states.emit(*state.Clone())
}

func (c *ClientSynchronizer) finishRoll(payload domain.RollEndPayload) {
	c.mu.Lock()
	c.animating = false
	var player domain.PeerID
	if c.replica != nil {
		if cur, ok := c.replica.Current(); ok {
			player = cur.ID
		}
		for i := range c.replica.Dice {
			if i < len(payload.DiceResult) {
				c.replica.Dice[i].Value = payload.DiceResult[i]
			}
		}
		c.replica.RollsLeft = payload.RollsLeft
	}
	next := c.pending
	c.pending = nil
	if next != nil {
		c.replica = next
	}
	var snapshot *domain.GameState
	if c.replica != nil {
		snapshot = c.replica.Clone()
	}
	c.mu.Unlock()

	c.rolls.emit(RollEvent{PlayerID: player, Dice: payload.DiceResult, RollsLeft: payload.RollsLeft})
	if snapshot != nil {
		c.states.emit(*snapshot)
	}
}
