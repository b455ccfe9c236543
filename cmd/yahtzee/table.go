package main

import (
	"yahtzee/internal/core/domain"
	"yahtzee/internal/core/services"
)

// table is the seat a local player drives, on either side of the room.
type table interface {
	Start() error
	Roll() error
	Hold(dieID int) error
	Score(category domain.Category) error
	Kick(id domain.PeerID) error
	State() (domain.GameState, bool)
	OnStateChange(fn func(domain.GameState)) services.Subscription
	OnRoll(fn func(services.RollEvent)) services.Subscription
	Leave()
}

type hostTable struct {
	*services.HostSynchronizer
}

func (h hostTable) Start() error { return h.StartGame() }

func (h hostTable) State() (domain.GameState, bool) {
	return h.HostSynchronizer.State(), true
}

func (h hostTable) Leave() { h.Close() }

type clientTable struct {
	*services.ClientSynchronizer
}

func (clientTable) Start() error { return domain.ErrNotHost }

func (clientTable) Kick(domain.PeerID) error { return domain.ErrNotHost }
