package webrtc

import (
	"errors"
	"sync"

	"yahtzee/internal/core/domain"
	"yahtzee/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

var ErrPeerConnectionFailed = errors.New("peer connection failed")

type channelState int

const (
	stateConnecting channelState = iota
	stateOpen
	stateClosed
)

// serial runs queued callbacks one at a time, in order.
type serial struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (s *serial) do(fn func()) {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	go s.drain()
}

func (s *serial) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		fn()
	}
}

// channel is one PeerConnection carrying one ordered data channel.
type channel struct {
	ep     *endpoint
	remote domain.PeerID
	pc     *webrtc.PeerConnection
	queue  serial

	mu     sync.Mutex
	dc     *webrtc.DataChannel
	events ports.ChannelEvents
	state  channelState
}

func newChannel(ep *endpoint, remote domain.PeerID, pc *webrtc.PeerConnection) *channel {
	c := &channel{ep: ep, remote: remote, pc: pc}
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		ep.logger.Debugw("peer connection state", "remote", remote, "state", s.String())
		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			c.terminate(ErrPeerConnectionFailed)
		}
	})
	return c
}

func (c *channel) bind(events ports.ChannelEvents) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = events
}

func (c *channel) attach(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(c.opened)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.mu.Lock()
		events, open := c.events, c.state == stateOpen
		c.mu.Unlock()
		if open {
			c.queue.do(func() { events.Message(msg.Data) })
		}
	})
	dc.OnClose(func() { c.terminate(nil) })
}

func (c *channel) opened() {
	c.mu.Lock()
	if c.state != stateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = stateOpen
	events := c.events
	c.mu.Unlock()

	c.queue.do(func() { events.Open(c) })
}

// terminate moves the channel to closed and releases its connection.
func (c *channel) terminate(err error) {
	if c.finish(err) {
		go c.pc.Close()
	}
}

// finish moves the channel to closed once. An open channel reports OnClose;
// one that never opened reports err through OnError, or nothing when err is
// nil.
func (c *channel) finish(err error) bool {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return false
	}
	wasOpen := c.state == stateOpen
	c.state = stateClosed
	events := c.events
	c.mu.Unlock()

	c.ep.forget(c)
	switch {
	case wasOpen:
		c.queue.do(events.Close)
	case err != nil:
		c.queue.do(func() { events.Error(err) })
	}
	return true
}

func (c *channel) RemoteID() domain.PeerID { return c.remote }

func (c *channel) Send(data []byte) error {
	c.mu.Lock()
	dc, open := c.dc, c.state == stateOpen
	c.mu.Unlock()
	if !open || dc == nil {
		return domain.ErrChannelClosed
	}
	return dc.Send(data)
}

func (c *channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateOpen
}

// Close tells the remote through the broker and tears the connection down.
func (c *channel) Close() error {
	c.mu.Lock()
	closed := c.state == stateClosed
	c.mu.Unlock()
	if closed {
		return nil
	}
	c.ep.sendLeave(c.remote)
	c.terminate(nil)
	return nil
}
