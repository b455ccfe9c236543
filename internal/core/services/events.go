package services

import (
	"sync"

	"yahtzee/internal/core/domain"
)

// Subscription is returned by every On* registration. Unsubscribe is
// idempotent.
type Subscription interface {
	Unsubscribe()
}

type subscriptionFunc func()

func (f subscriptionFunc) Unsubscribe() { f() }

type listeners[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	byID   map[uint64]func(T)
	order  []uint64
}

func (l *listeners[T]) add(fn func(T)) Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.byID == nil {
		l.byID = make(map[uint64]func(T))
	}
	l.nextID++
	id := l.nextID
	l.byID[id] = fn
	l.order = append(l.order, id)

	var once sync.Once
	return subscriptionFunc(func() {
		once.Do(func() { l.remove(id) })
	})
}

func (l *listeners[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byID, id)
	for i, v := range l.order {
		if v == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// emit calls a snapshot of the registered handlers in registration order,
// so handlers may subscribe or unsubscribe while running.
func (l *listeners[T]) emit(v T) {
	l.mu.RLock()
	fns := make([]func(T), 0, len(l.order))
	for _, id := range l.order {
		fns = append(fns, l.byID[id])
	}
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (l *listeners[T]) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byID = nil
	l.order = nil
}

func (l *listeners[T]) len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// EventBus fans session events out to UI-facing subscribers, one typed
// listener set per event category.
type EventBus struct {
	messages    listeners[domain.GameMessage]
	disconnects listeners[domain.DisconnectEvent]
	statuses    listeners[domain.StatusEvent]
	latencies   listeners[domain.LatencyEvent]
}

func NewEventBus() *EventBus {
	return &EventBus{}
}

func (b *EventBus) OnMessage(fn func(domain.GameMessage)) Subscription {
	return b.messages.add(fn)
}

func (b *EventBus) OnDisconnection(fn func(domain.DisconnectEvent)) Subscription {
	return b.disconnects.add(fn)
}

func (b *EventBus) OnStatusChange(fn func(domain.StatusEvent)) Subscription {
	return b.statuses.add(fn)
}

func (b *EventBus) OnLatencyUpdate(fn func(domain.LatencyEvent)) Subscription {
	return b.latencies.add(fn)
}

func (b *EventBus) PublishMessage(msg domain.GameMessage) { b.messages.emit(msg) }

func (b *EventBus) PublishDisconnect(ev domain.DisconnectEvent) { b.disconnects.emit(ev) }

func (b *EventBus) PublishStatus(ev domain.StatusEvent) { b.statuses.emit(ev) }

func (b *EventBus) PublishLatency(ev domain.LatencyEvent) { b.latencies.emit(ev) }

// Clear drops every listener.
func (b *EventBus) Clear() {
	b.messages.clear()
	b.disconnects.clear()
	b.statuses.clear()
	b.latencies.clear()
}

func (b *EventBus) ListenerCount() int {
	return b.messages.len() + b.disconnects.len() + b.statuses.len() + b.latencies.len()
}
