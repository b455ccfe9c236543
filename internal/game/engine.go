// Package game is the Yahtzee rule engine the host synchronizer drives. It
// mutates the state it is given and keeps no state of its own.
package game

import (
	"fmt"
	"math/rand"
	"slices"

	"yahtzee/internal/core/domain"
)

const rounds = 13

// Roller returns one die face in [1, 6].
type Roller func() int

type Option func(*Engine)

// WithRoller replaces the random source, mostly for tests.
func WithRoller(r Roller) Option {
	return func(e *Engine) { e.roll = r }
}

type Engine struct {
	roll Roller
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{roll: func() int { return rand.Intn(6) + 1 }}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Start(state *domain.GameState) error {
	if state.Phase != domain.PhaseWaiting {
		return domain.ErrWrongPhase
	}
	if len(state.Players) == 0 {
		return fmt.Errorf("%w: no players", domain.ErrWrongPhase)
	}
	slices.SortStableFunc(state.Players, func(a, b domain.Player) int { return a.Seat - b.Seat })
	for i := range state.Players {
		state.Players[i].ScoreCard = domain.ScoreCard{}
		state.Players[i].Bonus = 0
	}
	state.Phase = domain.PhasePlaying
	state.Round = 1
	state.CurrentPlayer = 0
	resetTurn(state)
	return nil
}

// Roll rerolls every unheld die. Proposed values from a client are accepted
// only if they are in range and leave held dice untouched.
func (e *Engine) Roll(state *domain.GameState, player domain.PeerID, proposed []int) error {
	if err := checkTurn(state, player); err != nil {
		return err
	}
	if state.RollsLeft <= 0 {
		return domain.ErrNoRollsLeft
	}

	if proposed != nil {
		if len(proposed) != len(state.Dice) {
			return fmt.Errorf("%w: want %d values, got %d", domain.ErrInvalidDice, len(state.Dice), len(proposed))
		}
		for i, v := range proposed {
			if v < 1 || v > 6 {
				return fmt.Errorf("%w: die %d has value %d", domain.ErrInvalidDice, i, v)
			}
			if state.Dice[i].Held && state.Dice[i].Value != v {
				return fmt.Errorf("%w: die %d is held", domain.ErrInvalidDice, i)
			}
		}
	}

	for i := range state.Dice {
		if state.Dice[i].Held {
			continue
		}
		if proposed != nil {
			state.Dice[i].Value = proposed[i]
		} else {
			state.Dice[i].Value = e.roll()
		}
	}
	state.RollsLeft--
	return nil
}

func (e *Engine) ToggleHold(state *domain.GameState, player domain.PeerID, dieID int) error {
	if err := checkTurn(state, player); err != nil {
		return err
	}
	if state.RollsLeft == domain.RollsPerTurn {
		return domain.ErrMustRollFirst
	}
	if dieID < 0 || dieID >= len(state.Dice) {
		return fmt.Errorf("%w: no die %d", domain.ErrInvalidDice, dieID)
	}
	state.Dice[dieID].Held = !state.Dice[dieID].Held
	return nil
}

func (e *Engine) Score(state *domain.GameState, player domain.PeerID, category domain.Category) error {
	if err := checkTurn(state, player); err != nil {
		return err
	}
	if state.RollsLeft == domain.RollsPerTurn {
		return domain.ErrMustRollFirst
	}
	idx := state.CurrentPlayer
	if _, used := state.Players[idx].ScoreCard[category]; used {
		return fmt.Errorf("%w: %s", domain.ErrCategoryUsed, category)
	}
	points, err := ScoreFor(category, state.DiceValues())
	if err != nil {
		return err
	}

	p := &state.Players[idx]
	if p.ScoreCard == nil {
		p.ScoreCard = domain.ScoreCard{}
	}
	p.ScoreCard[category] = points
	p.Bonus = UpperBonus(p.ScoreCard)

	advance(state, idx+1)
	return nil
}

// RemovePlayer drops a player and repairs the turn order. Removing the
// player whose turn it is hands the turn to the next seat.
func (e *Engine) RemovePlayer(state *domain.GameState, player domain.PeerID) error {
	idx := state.FindPlayer(player)
	if idx < 0 {
		return domain.ErrPlayerNotFound
	}
	state.Players = slices.Delete(state.Players, idx, idx+1)

	if state.Phase != domain.PhasePlaying {
		return nil
	}
	if len(state.Players) == 0 {
		state.Phase = domain.PhaseFinished
		return nil
	}
	switch {
	case idx < state.CurrentPlayer:
		state.CurrentPlayer--
	case idx == state.CurrentPlayer:
		advance(state, idx)
	}
	return nil
}

// advance moves the turn to index next, wrapping into a new round and
// finishing the game after the last one.
func advance(state *domain.GameState, next int) {
	if next >= len(state.Players) {
		next = 0
		state.Round++
	}
	state.CurrentPlayer = next
	if state.Round > rounds {
		state.Phase = domain.PhaseFinished
	}
	resetTurn(state)
}

func resetTurn(state *domain.GameState) {
	for i := range state.Dice {
		state.Dice[i] = domain.Die{ID: i}
	}
	state.RollsLeft = domain.RollsPerTurn
}

func checkTurn(state *domain.GameState, player domain.PeerID) error {
	if state.Phase != domain.PhasePlaying {
		return domain.ErrWrongPhase
	}
	cur, ok := state.Current()
	if !ok || cur.ID != player {
		return domain.ErrNotYourTurn
	}
	return nil
}
