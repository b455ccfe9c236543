package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"yahtzee/internal/core/domain"
	"yahtzee/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	// EventSignal carries a signaling frame for a peer held by the target
	// instance.
	EventSignal EventType = "signal.relay"
	// EventUndeliverable tells the sending instance the target peer is gone.
	EventUndeliverable EventType = "signal.undeliverable"
)

const channelPrefix = "yahtzee:signal:"

// Event is one relayed message between broker instances.
type Event struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Src        domain.PeerID   `json:"src,omitempty"`
	Dst        domain.PeerID   `json:"dst,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// EventBus relays signaling frames between broker instances over Redis
// pub/sub. Each instance listens on its own channel. Publishing goes through
// a circuit breaker so a failing Redis turns relays into fast rejections.
type EventBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	breaker    *circuitbreaker.CircuitBreaker

	mu     sync.Mutex
	pubsub *redis.PubSub
}

func NewEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EventBus {
	cfg := circuitbreaker.DefaultConfig()
	// A silent instance is a routing answer, not a Redis fault.
	cfg.IsFailure = func(err error) bool { return !errors.Is(err, domain.ErrPeerUnavailable) }

	eb := &EventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		breaker:    circuitbreaker.New(cfg, nil),
	}
	eb.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		eb.logger.Warnw("relay circuit changed state", "from", from.String(), "to", to.String())
	})
	return eb
}

func (eb *EventBus) InstanceID() string { return eb.instanceID }

// Healthy reports false while the publish circuit is open.
func (eb *EventBus) Healthy(context.Context) error {
	if eb.breaker.State() == circuitbreaker.StateOpen {
		return circuitbreaker.ErrOpen
	}
	return nil
}

func instanceChannel(instanceID string) string {
	return channelPrefix + instanceID
}

// Publish sends event to the instance that owns its destination.
func (eb *EventBus) Publish(ctx context.Context, target string, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = eb.breaker.Execute(ctx, func(ctx context.Context) error {
		receivers, err := eb.client.Publish(ctx, instanceChannel(target), data).Result()
		if err != nil {
			return fmt.Errorf("failed to publish event: %w", err)
		}
		if receivers == 0 {
			return fmt.Errorf("instance %s not listening: %w", target, domain.ErrPeerUnavailable)
		}
		return nil
	})
	if err != nil {
		return err
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"target", target,
		"src", event.Src,
		"dst", event.Dst,
	)
	return nil
}

// Subscribe blocks delivering this instance's events to handler until ctx
// ends or Close is called.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event)) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := eb.client.Subscribe(ctx, instanceChannel(eb.instanceID))
	eb.pubsub = pubsub
	eb.mu.Unlock()
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}
			handler(&event)
		}
	}
}

func (eb *EventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
