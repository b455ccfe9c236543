// Package webrtc carries session channels over pion data channels. Offers and
// answers travel through the signaling broker with all ICE candidates
// gathered up front.
package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"yahtzee/internal/core/domain"
	"yahtzee/internal/core/ports"
	"yahtzee/internal/infrastructure/signal"
	"yahtzee/pkg/config"
	apperrors "yahtzee/pkg/errors"
	"yahtzee/pkg/retry"
	"yahtzee/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const dataChannelLabel = "yahtzee"

type Config struct {
	SignalURL     string
	ICEServers    []webrtc.ICEServer
	PortRange     struct{ Min, Max uint16 }
	GatherTimeout time.Duration
	Retry         retry.Config
}

// ConfigFrom maps the application config onto the transport.
func ConfigFrom(cfg *config.Config) Config {
	var out Config
	out.SignalURL = cfg.Signal.URL
	for _, s := range cfg.WebRTC.ICEServers {
		out.ICEServers = append(out.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	out.PortRange.Min = cfg.WebRTC.PortRange.Min
	out.PortRange.Max = cfg.WebRTC.PortRange.Max
	out.GatherTimeout = cfg.WebRTC.GatherTimeout
	out.Retry = retry.DefaultConfig()
	out.Retry.MaxAttempts = cfg.WebRTC.ConnectRetries
	return out
}

// Transport opens endpoints registered on a signaling broker.
type Transport struct {
	cfg    Config
	api    *webrtc.API
	logger *zap.SugaredLogger
}

var _ ports.Transport = (*Transport)(nil)

func NewTransport(cfg Config, logger *zap.SugaredLogger) *Transport {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = 5 * time.Second
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max >= cfg.PortRange.Min {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			logger.Warnw("ignoring port range", "error", err)
		}
	}

	return &Transport{
		cfg:    cfg,
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		logger: logger,
	}
}

// Open registers id with the broker, retrying transient dial failures. A
// taken identity fails at once.
func (t *Transport) Open(ctx context.Context, id domain.PeerID) (ports.Endpoint, error) {
	rc := t.cfg.Retry
	rc.NonRetryableErrors = append(rc.NonRetryableErrors, domain.ErrIdentityTaken)

	sig, err := retry.RetryWithResult(ctx, rc, func() (*signalClient, error) {
		return dialSignal(ctx, t.cfg.SignalURL, id, t.logger)
	})
	if err != nil {
		return nil, err
	}

	ep := &endpoint{
		t:      t,
		sig:    sig,
		id:     sig.id,
		logger: t.logger.With("peer_id", sig.id),
		links:  make(map[domain.PeerID]*channel),
	}
	go sig.run(ep.handleFrame, ep.signalLost)
	ep.logger.Infow("endpoint registered", "broker", t.cfg.SignalURL)
	return ep, nil
}

func (t *Transport) newPeerConnection() (*webrtc.PeerConnection, error) {
	return t.api.NewPeerConnection(webrtc.Configuration{ICEServers: t.cfg.ICEServers})
}

type endpoint struct {
	t      *Transport
	sig    *signalClient
	id     domain.PeerID
	logger *zap.SugaredLogger

	mu     sync.Mutex
	links  map[domain.PeerID]*channel
	accept func(ports.Channel) ports.ChannelEvents
	lost   func(error)
	closed bool
}

func (e *endpoint) ID() domain.PeerID { return e.id }

func (e *endpoint) Connect(remote domain.PeerID, events ports.ChannelEvents) (ports.Channel, error) {
	pc, err := e.t.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	ch := newChannel(e, remote, pc)
	ch.bind(events)
	if !e.link(ch) {
		pc.Close()
		return nil, domain.ErrEndpointClosed
	}
	go e.offer(ch)
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
	links := make([]*channel, 0, len(e.links))
	for _, ch := range e.links {
		links = append(links, ch)
	}
	e.mu.Unlock()

	var errs error
	for _, ch := range links {
		if ch.IsOpen() {
			e.sendLeave(ch.remote)
		}
		if ch.finish(nil) {
			errs = multierr.Append(errs, ch.pc.Close())
		}
	}
	errs = multierr.Append(errs, e.sig.close())
	e.logger.Infow("endpoint closed", "channels", len(links))
	return errs
}

// link installs ch as the channel to its remote, replacing any older one.
func (e *endpoint) link(ch *channel) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	old := e.links[ch.remote]
	e.links[ch.remote] = ch
	e.mu.Unlock()

	if old != nil {
		old.terminate(nil)
	}
	return true
}

func (e *endpoint) forget(ch *channel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.links[ch.remote] == ch {
		delete(e.links, ch.remote)
	}
}

func (e *endpoint) linkTo(remote domain.PeerID) *channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.links[remote]
}

func (e *endpoint) sendLeave(remote domain.PeerID) {
	if err := e.sig.send(signal.Frame{Type: signal.FrameLeave, Dst: remote}); err != nil {
		e.logger.Debugw("leave not sent", "remote", remote, "error", err)
	}
}

func (e *endpoint) signalLost(err error) {
	e.logger.Warnw("signaling connection lost", "error", err)
	e.mu.Lock()
	lost := e.lost
	e.mu.Unlock()
	if lost != nil {
		lost(err)
	}
	e.Close()
}

func (e *endpoint) handleFrame(f signal.Frame) {
	switch f.Type {
	case signal.FrameOffer:
		go e.answer(f)
	case signal.FrameAnswer:
		ch := e.linkTo(f.Src)
		if ch == nil {
			e.logger.Debugw("answer for unknown link", "remote", f.Src)
			return
		}
		desc, err := decodeDescription(f.Payload)
		if err == nil {
			err = ch.pc.SetRemoteDescription(desc)
		}
		if err != nil {
			e.logger.Warnw("failed to apply answer", "remote", f.Src, "error", err)
			ch.terminate(err)
		}
	case signal.FrameLeave:
		if ch := e.linkTo(f.Src); ch != nil {
			ch.terminate(nil)
		}
	case signal.FrameError:
		if f.Code == apperrors.ErrCodePeerUnavailable && f.Peer != "" {
			if ch := e.linkTo(f.Peer); ch != nil && !ch.IsOpen() {
				ch.terminate(domain.ErrPeerUnavailable)
				return
			}
		}
		e.logger.Debugw("broker error", "code", f.Code, "peer", f.Peer, "message", f.Message)
	}
}

func (e *endpoint) offer(ch *channel) {
	ctx, span := tracing.TraceNegotiation(context.Background(), "offer", string(e.id), string(ch.remote))
	defer span.End()

	if err := e.negotiateOffer(ch); err != nil {
		tracing.RecordError(ctx, err)
		e.logger.Warnw("offer failed", "remote", ch.remote, "error", err)
		ch.terminate(err)
	}
}

func (e *endpoint) negotiateOffer(ch *channel) error {
	ordered := true
	dc, err := ch.pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("failed to create data channel: %w", err)
	}
	ch.attach(dc)

	offer, err := ch.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	local, err := e.gather(ch.pc, offer)
	if err != nil {
		return err
	}
	return e.sendDescription(signal.FrameOffer, ch.remote, local)
}

func (e *endpoint) answer(f signal.Frame) {
	ctx, span := tracing.TraceNegotiation(context.Background(), "answer", string(e.id), string(f.Src))
	defer span.End()

	e.mu.Lock()
	accept := e.accept
	e.mu.Unlock()
	if accept == nil {
		e.logger.Debugw("offer without accept handler", "remote", f.Src)
		e.sendLeave(f.Src)
		return
	}

	pc, err := e.t.newPeerConnection()
	if err != nil {
		tracing.RecordError(ctx, err)
		e.logger.Warnw("failed to create peer connection", "remote", f.Src, "error", err)
		return
	}
	ch := newChannel(e, f.Src, pc)
	if !e.link(ch) {
		pc.Close()
		return
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			return
		}
		ch.bind(accept(ch))
		ch.attach(dc)
	})

	if err := e.negotiateAnswer(ch, f.Payload); err != nil {
		tracing.RecordError(ctx, err)
		e.logger.Warnw("answer failed", "remote", f.Src, "error", err)
		ch.terminate(err)
	}
}

func (e *endpoint) negotiateAnswer(ch *channel, payload json.RawMessage) error {
	remote, err := decodeDescription(payload)
	if err != nil {
		return err
	}
	if err := ch.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("failed to apply offer: %w", err)
	}
	answer, err := ch.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	local, err := e.gather(ch.pc, answer)
	if err != nil {
		return err
	}
	return e.sendDescription(signal.FrameAnswer, ch.remote, local)
}

// gather sets desc as the local description and waits for ICE gathering, so
// the returned description carries every candidate.
func (e *endpoint) gather(pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	done := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}

	timer := time.NewTimer(e.t.cfg.GatherTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		e.logger.Debugw("ice gathering timed out, sending partial candidates")
	}
	return *pc.LocalDescription(), nil
}

func (e *endpoint) sendDescription(kind signal.FrameType, remote domain.PeerID, desc webrtc.SessionDescription) error {
	payload, err := json.Marshal(signal.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP})
	if err != nil {
		return err
	}
	return e.sig.send(signal.Frame{Type: kind, Dst: remote, Payload: payload})
}

func decodeDescription(payload json.RawMessage) (webrtc.SessionDescription, error) {
	var d signal.SessionDescription
	if err := json.Unmarshal(payload, &d); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("invalid session description: %w", err)
	}
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}, nil
}
