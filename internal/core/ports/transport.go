package ports

import (
	"context"

	"yahtzee/internal/core/domain"
)

// ChannelEvents are bound to a channel before it can fire anything. Nil
// callbacks are skipped. Callbacks for one channel never run concurrently.
type ChannelEvents struct {
	OnOpen    func(ch Channel)
	OnMessage func(data []byte)
	OnClose   func()
	OnError   func(err error)
}

func (e ChannelEvents) Open(ch Channel) {
	if e.OnOpen != nil {
		e.OnOpen(ch)
	}
}

func (e ChannelEvents) Message(data []byte) {
	if e.OnMessage != nil {
		e.OnMessage(data)
	}
}

func (e ChannelEvents) Close() {
	if e.OnClose != nil {
		e.OnClose()
	}
}

func (e ChannelEvents) Error(err error) {
	if e.OnError != nil {
		e.OnError(err)
	}
}

type Channel interface {
	RemoteID() domain.PeerID
	Send(data []byte) error
	IsOpen() bool
	Close() error
}

type Endpoint interface {
	ID() domain.PeerID
	// Connect starts opening a channel to remote. Failures after the call
	// returns, including an unknown remote (domain.ErrPeerUnavailable), are
	// reported through events.OnError.
	Connect(remote domain.PeerID, events ChannelEvents) (Channel, error)
	// Accept registers the handler for inbound channels; it returns the
	// events to bind to the new channel.
	Accept(handler func(ch Channel) ChannelEvents)
	// OnLost fires once if the endpoint loses its own network attachment.
	OnLost(handler func(err error))
	Close() error
}

type Transport interface {
	// Open binds a local identity. An empty id asks the transport to assign
	// a random one. Returns domain.ErrIdentityTaken when id is in use.
	Open(ctx context.Context, id domain.PeerID) (Endpoint, error)
}
