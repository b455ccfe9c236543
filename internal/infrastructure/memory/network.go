// Package memory is an in-process transport. Endpoints on one Network reach
// each other by identity; tests use its fault hooks to simulate loss.
package memory

import (
	"context"
	"errors"
	"sync"

	"yahtzee/internal/core/domain"
	"yahtzee/internal/core/ports"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNetworkLost is reported to an endpoint removed with Disconnect.
var ErrNetworkLost = errors.New("network attachment lost")

type pair struct {
	a, b domain.PeerID
}

func pairOf(a, b domain.PeerID) pair {
	if a > b {
		a, b = b, a
	}
	return pair{a, b}
}

type heldFrame struct {
	to   *channel
	data []byte
}

// Network is a registry of endpoints plus the fault state between them.
type Network struct {
	logger *zap.SugaredLogger

	mu        sync.Mutex
	endpoints map[domain.PeerID]*endpoint
	blackhole map[domain.PeerID]bool
	cut       map[pair]bool
	paused    map[domain.PeerID]bool
	held      map[domain.PeerID][]heldFrame
}

func NewNetwork(logger *zap.SugaredLogger) *Network {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Network{
		logger:    logger,
		endpoints: make(map[domain.PeerID]*endpoint),
		blackhole: make(map[domain.PeerID]bool),
		cut:       make(map[pair]bool),
		paused:    make(map[domain.PeerID]bool),
		held:      make(map[domain.PeerID][]heldFrame),
	}
}

var _ ports.Transport = (*Network)(nil)

func (n *Network) Open(ctx context.Context, id domain.PeerID) (ports.Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == "" {
		id = domain.PeerID(uuid.NewString())
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, taken := n.endpoints[id]; taken {
		return nil, domain.ErrIdentityTaken
	}
	ep := &endpoint{net: n, id: id, channels: make(map[*channel]struct{})}
	n.endpoints[id] = ep
	n.logger.Debugw("endpoint opened", "peer_id", id)
	return ep, nil
}

// Registered reports whether id is bound on the network.
func (n *Network) Registered(id domain.PeerID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.endpoints[id]
	return ok
}

// Blackhole makes connects to id hang forever, as if the identity were
// routable but never answered.
func (n *Network) Blackhole(id domain.PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blackhole[id] = true
}

// Cut silently drops data between a and b in both directions. Channels stay
// open, so only liveness tracking notices.
func (n *Network) Cut(a, b domain.PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[pairOf(a, b)] = true
}

func (n *Network) Heal(a, b domain.PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.cut, pairOf(a, b))
}

// Pause holds every frame addressed to id until Resume.
func (n *Network) Pause(id domain.PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paused[id] = true
}

func (n *Network) Resume(id domain.PeerID) {
	n.mu.Lock()
	frames := n.held[id]
	delete(n.held, id)
	delete(n.paused, id)
	n.mu.Unlock()

	for _, f := range frames {
		f.to.deliver(f.data)
	}
}

// Pending counts frames held for id.
func (n *Network) Pending(id domain.PeerID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.held[id])
}

// Disconnect drops id off the network: its lost handler fires, then its
// channels close on both ends.
func (n *Network) Disconnect(id domain.PeerID) {
	n.mu.Lock()
	ep, ok := n.endpoints[id]
	n.mu.Unlock()
	if !ok {
		return
	}
	if lost := ep.lostHandler(); lost != nil {
		lost(ErrNetworkLost)
	}
	ep.Close()
}

func (n *Network) connect(from *endpoint, remote domain.PeerID, local *channel) {
	n.mu.Lock()
	if n.blackhole[remote] {
		n.mu.Unlock()
		n.logger.Debugw("connect swallowed", "peer_id", from.id, "remote", remote)
		return
	}
	target, ok := n.endpoints[remote]
	if !ok || target.acceptHandler() == nil {
		local.state = stateClosed
		n.mu.Unlock()
		from.untrack(local)
		local.box.post(func() { local.events.Error(domain.ErrPeerUnavailable) })
		return
	}
	accept := target.acceptHandler()
	if local.state == stateClosed {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	inbound := &channel{net: n, owner: target, local: remote, remote: from.id}
	events := accept(inbound)

	n.mu.Lock()
	if local.state == stateClosed || !target.track(inbound) {
		n.mu.Unlock()
		local.box.post(func() { local.events.Error(domain.ErrPeerUnavailable) })
		return
	}
	inbound.events = events
	inbound.peer = local
	local.peer = inbound
	inbound.state = stateOpen
	local.state = stateOpen
	n.mu.Unlock()

	inbound.box.post(func() { inbound.events.Open(inbound) })
	local.box.post(func() { local.events.Open(local) })
}

func (n *Network) unregister(ep *endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.endpoints[ep.id] == ep {
		delete(n.endpoints, ep.id)
	}
}

type endpoint struct {
	net *Network
	id  domain.PeerID

	mu       sync.Mutex
	accept   func(ports.Channel) ports.ChannelEvents
	lost     func(error)
	channels map[*channel]struct{}
	closed   bool
}

func (e *endpoint) ID() domain.PeerID { return e.id }

func (e *endpoint) Connect(remote domain.PeerID, events ports.ChannelEvents) (ports.Channel, error) {
	ch := &channel{net: e.net, owner: e, local: e.id, remote: remote, events: events}
	if !e.track(ch) {
		return nil, domain.ErrEndpointClosed
	}
	go e.net.connect(e, remote, ch)
	return ch, nil
}

func (e *endpoint) Accept(handler func(ch ports.Channel) ports.ChannelEvents) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.accept = handler
}

func (e *endpoint) OnLost(handler func(err error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lost = handler
}

func (e *endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	channels := make([]*channel, 0, len(e.channels))
	for ch := range e.channels {
		channels = append(channels, ch)
	}
	e.channels = nil
	e.mu.Unlock()

	e.net.unregister(e)
	for _, ch := range channels {
		ch.Close()
	}
	return nil
}

func (e *endpoint) track(ch *channel) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.channels[ch] = struct{}{}
	return true
}

func (e *endpoint) untrack(ch *channel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.channels, ch)
}

func (e *endpoint) acceptHandler() func(ports.Channel) ports.ChannelEvents {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	return e.accept
}

func (e *endpoint) lostHandler() func(error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lost
}

type channelState int

const (
	stateConnecting channelState = iota
	stateOpen
	stateClosed
)

// channel is one half of a connection. state and peer are guarded by the
// network mutex; callbacks run in order on the half's mailbox.
type channel struct {
	net    *Network
	owner  *endpoint
	local  domain.PeerID
	remote domain.PeerID
	events ports.ChannelEvents
	box    mailbox

	state channelState
	peer  *channel
	// closedHere is set on the half whose owner called Close; frames still
	// queued for it are dropped, while the other half drains its queue.
	closedHere bool
}

func (c *channel) RemoteID() domain.PeerID { return c.remote }

func (c *channel) IsOpen() bool {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return c.state == stateOpen
}

func (c *channel) Send(data []byte) error {
	n := c.net
	n.mu.Lock()
	if c.state != stateOpen || c.peer == nil {
		n.mu.Unlock()
		return domain.ErrChannelClosed
	}
	if n.cut[pairOf(c.local, c.remote)] {
		n.mu.Unlock()
		return nil
	}
	to := c.peer
	frame := append([]byte(nil), data...)
	if n.paused[to.local] {
		n.held[to.local] = append(n.held[to.local], heldFrame{to: to, data: frame})
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	to.deliver(frame)
	return nil
}

// Close shuts both halves. Each side sees OnClose once.
func (c *channel) Close() error {
	n := c.net
	n.mu.Lock()
	if c.state == stateClosed {
		n.mu.Unlock()
		return nil
	}
	wasOpen := c.state == stateOpen
	c.state = stateClosed
	c.closedHere = true
	peer := c.peer
	peerOpen := peer != nil && peer.state != stateClosed
	if peerOpen {
		peer.state = stateClosed
	}
	n.mu.Unlock()

	c.owner.untrack(c)
	if wasOpen {
		c.box.post(c.events.Close)
	}
	if peerOpen {
		peer.owner.untrack(peer)
		peer.box.post(peer.events.Close)
	}
	return nil
}

func (c *channel) deliver(data []byte) {
	c.box.post(func() {
		c.net.mu.Lock()
		dropped := c.closedHere
		c.net.mu.Unlock()
		if !dropped {
			c.events.Message(data)
		}
	})
}

// mailbox runs posted callbacks one at a time in post order.
type mailbox struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (m *mailbox) post(fn func()) {
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()
	go m.drain()
}

func (m *mailbox) drain() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.running = false
			m.mu.Unlock()
			return
		}
		fn := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		fn()
	}
}
