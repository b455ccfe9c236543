package services

import (
	"sync"
	"testing"
	"time"

	"yahtzee/internal/core/domain"
	"yahtzee/internal/core/ports"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	eventually = 2 * time.Second
	poll       = 5 * time.Millisecond
)

// Session tests run goroutines past the end of a test, so they log to a nop
// logger rather than zaptest.
func newTestSession(t *testing.T, transport ports.Transport, clk clock.Clock, mutate ...func(*SessionConfig)) *Session {
	t.Helper()
	cfg := DefaultSessionConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	s := NewSession(cfg, transport, clk, zap.NewNop().Sugar())
	t.Cleanup(s.Disconnect)
	return s
}

// step advances a mock clock one second at a time so each tick gets handled.
func step(clk *clock.Mock, seconds int) {
	for i := 0; i < seconds; i++ {
		clk.Add(time.Second)
		time.Sleep(2 * time.Millisecond)
	}
}

type eventLog struct {
	mu          sync.Mutex
	messages    []domain.GameMessage
	disconnects []domain.DisconnectEvent
	statuses    []domain.StatusEvent
	latencies   []domain.LatencyEvent
}

type subscriber interface {
	OnMessage(fn func(domain.GameMessage)) Subscription
	OnDisconnection(fn func(domain.DisconnectEvent)) Subscription
	OnStatusChange(fn func(domain.StatusEvent)) Subscription
}

func watch(s subscriber) *eventLog {
	l := &eventLog{}
	s.OnMessage(func(m domain.GameMessage) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.messages = append(l.messages, m)
	})
	s.OnDisconnection(func(ev domain.DisconnectEvent) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.disconnects = append(l.disconnects, ev)
	})
	s.OnStatusChange(func(ev domain.StatusEvent) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.statuses = append(l.statuses, ev)
	})
	if ls, ok := s.(interface {
		OnLatencyUpdate(fn func(domain.LatencyEvent)) Subscription
	}); ok {
		ls.OnLatencyUpdate(func(ev domain.LatencyEvent) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.latencies = append(l.latencies, ev)
		})
	}
	return l
}

func (l *eventLog) Disconnects() []domain.DisconnectEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.DisconnectEvent(nil), l.disconnects...)
}

func (l *eventLog) Messages() []domain.GameMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.GameMessage(nil), l.messages...)
}

func (l *eventLog) Kinds() []domain.MessageKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.MessageKind, 0, len(l.messages))
	for _, m := range l.messages {
		out = append(out, m.Type)
	}
	return out
}

func (l *eventLog) Statuses() []domain.StatusEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.StatusEvent(nil), l.statuses...)
}

func (l *eventLog) Latencies() []domain.LatencyEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.LatencyEvent(nil), l.latencies...)
}

func countKind(kinds []domain.MessageKind, kind domain.MessageKind) int {
	n := 0
	for _, k := range kinds {
		if k == kind {
			n++
		}
	}
	return n
}
