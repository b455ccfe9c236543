package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"yahtzee/internal/core/domain"
	"yahtzee/internal/core/ports"
	"yahtzee/internal/infrastructure/distributed"
	apperrors "yahtzee/pkg/errors"
	rlog "yahtzee/pkg/logger"
	"yahtzee/pkg/tracing"
	"yahtzee/pkg/validation"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const sendQueueSize = 32

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Relay forwards frames to peers registered on other broker instances.
type Relay interface {
	InstanceID() string
	Publish(ctx context.Context, target string, event *distributed.Event) error
	Subscribe(ctx context.Context, handler func(*distributed.Event)) error
}

type ServerConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	IdentityTTL    time.Duration
	MaxMessageSize int64
	// MessagesPerSecond of zero disables per-connection limiting.
	MessagesPerSecond float64
	Burst             int
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdentityTTL:    2 * time.Minute,
		MaxMessageSize: 64 * 1024,
	}
}

type client struct {
	id      domain.PeerID
	send    chan Frame
	limiter *rate.Limiter
	done    chan struct{}
	once    sync.Once
}

// enqueue never blocks; a full queue means the peer is not keeping up and
// the frame is dropped.
func (c *client) enqueue(f Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

func (c *client) stop() {
	c.once.Do(func() { close(c.done) })
}

// WebSocketServer is the signaling broker. It maps peer identities to
// websocket connections and forwards negotiation frames between them.
type WebSocketServer struct {
	cfg        ServerConfig
	registry   ports.IdentityRegistry
	relay      Relay
	instanceID string
	metrics    ports.BrokerMetrics

	connections map[domain.PeerID]*client
	pending     map[domain.PeerID]struct{}
	mu          sync.RWMutex

	logger    *zap.SugaredLogger
	ctxLogger *rlog.ContextLogger
}

func NewWebSocketServer(cfg ServerConfig, registry ports.IdentityRegistry, logger *zap.SugaredLogger) *WebSocketServer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &WebSocketServer{
		cfg:         cfg,
		registry:    registry,
		instanceID:  uuid.NewString(),
		metrics:     noopBrokerMetrics{},
		connections: make(map[domain.PeerID]*client),
		pending:     make(map[domain.PeerID]struct{}),
		logger:      logger,
		ctxLogger:   rlog.NewContextLogger(logger.Desugar()),
	}
}

// SetRelay enables forwarding to other instances. Call before serving.
func (s *WebSocketServer) SetRelay(r Relay) {
	s.relay = r
	s.instanceID = r.InstanceID()
}

func (s *WebSocketServer) SetMetrics(m ports.BrokerMetrics) {
	if m != nil {
		s.metrics = m
	}
}

func (s *WebSocketServer) InstanceID() string { return s.instanceID }

// Run consumes relayed frames until ctx ends. Without a relay it just waits.
func (s *WebSocketServer) Run(ctx context.Context) error {
	if s.relay == nil {
		<-ctx.Done()
		return nil
	}
	err := s.relay.Subscribe(ctx, func(e *distributed.Event) { s.handleRelayEvent(ctx, e) })
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown closes every connection with a going-away frame.
func (s *WebSocketServer) Shutdown() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.connections {
		c.stop()
	}
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	peerID := domain.PeerID(r.URL.Query().Get("peer_id"))
	if peerID == "" {
		peerID = domain.PeerID(uuid.NewString())
	}
	if err := validation.ValidatePeerID(string(peerID)); err != nil {
		s.metrics.SignalRejected(string(apperrors.ErrCodeInvalidInput))
		writeHTTPError(w, apperrors.NewInvalidInputError(err.Error()))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx := rlog.WithRemoteAddr(rlog.WithPeerID(r.Context(), string(peerID)), r.RemoteAddr)
	log := s.ctxLogger.Sugar(ctx)

	c := &client{
		id:   peerID,
		send: make(chan Frame, sendQueueSize),
		done: make(chan struct{}),
	}
	if s.cfg.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	if err := s.register(ctx, c); err != nil {
		appErr := apperrors.GetAppError(err)
		log.Infow("rejecting peer", "code", appErr.Code, "error", err)
		s.metrics.SignalRejected(string(appErr.Code))
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		conn.WriteJSON(errorFrame(appErr))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(appErr.Code)))
		return
	}
	defer s.unregister(c)

	s.metrics.ClientConnected()
	defer s.metrics.ClientDisconnected()
	log.Infow("peer connected via WebSocket")

	s.serve(ctx, conn, c, log)
	log.Infow("peer disconnected")
}

func (s *WebSocketServer) register(ctx context.Context, c *client) error {
	s.mu.Lock()
	_, connected := s.connections[c.id]
	_, claiming := s.pending[c.id]
	if connected || claiming {
		s.mu.Unlock()
		return apperrors.NewIDTakenError(string(c.id))
	}
	s.pending[c.id] = struct{}{}
	s.mu.Unlock()

	err := s.registry.Claim(ctx, c.id, s.instanceID)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, c.id)
	if err != nil {
		if errors.Is(err, domain.ErrIdentityTaken) {
			return apperrors.NewIDTakenError(string(c.id))
		}
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "identity registry unavailable", http.StatusInternalServerError)
	}
	// open is queued before the client becomes reachable, so it is always
	// the first frame the peer sees.
	c.send <- Frame{Type: FrameOpen, PeerID: c.id}
	s.connections[c.id] = c
	return nil
}

func (s *WebSocketServer) unregister(c *client) {
	c.stop()
	s.mu.Lock()
	if s.connections[c.id] == c {
		delete(s.connections, c.id)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	if err := s.registry.Release(ctx, c.id, s.instanceID); err != nil {
		s.logger.Warnw("failed to release identity", "peer_id", c.id, "error", err)
	}
}

// serve owns all writes to conn. A reader goroutine feeds inbound frames.
func (s *WebSocketServer) serve(ctx context.Context, conn *websocket.Conn, c *client, log *zap.SugaredLogger) {
	conn.SetReadLimit(s.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})

	inbound := make(chan []byte, 8)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
			select {
			case inbound <- data:
			case <-c.done:
				return
			}
		}
	}()

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()
	refreshTicker := time.NewTicker(s.cfg.IdentityTTL / 3)
	defer refreshTicker.Stop()

	for {
		select {
		case data := <-inbound:
			s.handleMessage(ctx, c, data, log)

		case f := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteJSON(f); err != nil {
				log.Infow("error writing frame", "error", err)
				return
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Infow("error sending ping", "error", err)
				return
			}

		case <-refreshTicker.C:
			if err := s.registry.Refresh(ctx, c.id, s.instanceID); err != nil {
				log.Warnw("identity refresh failed", "error", err)
				if errors.Is(err, domain.ErrIdentityTaken) {
					return
				}
			}

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Infow("error reading message from peer", "error", err)
			}
			return

		case <-c.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(s.cfg.WriteTimeout))
			return
		}
	}
}

func (s *WebSocketServer) handleMessage(ctx context.Context, c *client, data []byte, log *zap.SugaredLogger) {
	if c.limiter != nil && !c.limiter.Allow() {
		s.reject(c, apperrors.NewRateLimitError())
		return
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		s.reject(c, apperrors.NewInvalidInputError("frame is not valid JSON"))
		return
	}
	if err := f.validate(c.id); err != nil {
		s.reject(c, apperrors.NewInvalidInputError(err.Error()))
		return
	}

	out := Frame{Type: f.Type, Src: c.id, Dst: f.Dst, Payload: f.Payload}

	ctx, span := tracing.TraceSignal(ctx, string(f.Type), string(c.id), string(f.Dst))
	defer span.End()

	if err := s.route(ctx, out); err != nil {
		tracing.RecordError(ctx, err)
		log.Debugw("frame not delivered", "type", f.Type, "dst", f.Dst, "error", err)
		// A leave for a peer that is already gone needs no answer.
		if f.Type == FrameLeave {
			return
		}
		s.reject(c, apperrors.GetAppError(err))
	}
}

func (s *WebSocketServer) reject(c *client, err *apperrors.AppError) {
	s.metrics.SignalRejected(string(err.Code))
	c.enqueue(errorFrame(err))
}

func (s *WebSocketServer) lookup(id domain.PeerID) *client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connections[id]
}

func (s *WebSocketServer) route(ctx context.Context, f Frame) error {
	if dst := s.lookup(f.Dst); dst != nil {
		if !dst.enqueue(f) {
			return apperrors.NewPeerUnavailableError(string(f.Dst))
		}
		s.metrics.SignalRelayed(string(f.Type), false)
		return nil
	}

	if s.relay == nil {
		return apperrors.NewPeerUnavailableError(string(f.Dst))
	}

	owner, err := s.registry.Owner(ctx, f.Dst)
	if err != nil || owner == s.instanceID {
		return apperrors.NewPeerUnavailableError(string(f.Dst))
	}

	data, err := json.Marshal(f)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to encode frame", http.StatusInternalServerError)
	}
	if err := s.relay.Publish(ctx, owner, &distributed.Event{
		Type:    distributed.EventSignal,
		Src:     f.Src,
		Dst:     f.Dst,
		Payload: data,
	}); err != nil {
		appErr := apperrors.NewPeerUnavailableError(string(f.Dst))
		appErr.Cause = err
		return appErr
	}
	s.metrics.SignalRelayed(string(f.Type), true)
	return nil
}

func (s *WebSocketServer) handleRelayEvent(ctx context.Context, e *distributed.Event) {
	switch e.Type {
	case distributed.EventSignal:
		var f Frame
		if err := json.Unmarshal(e.Payload, &f); err != nil {
			s.logger.Warnw("dropping malformed relayed frame", "from_instance", e.InstanceID, "error", err)
			return
		}
		if dst := s.lookup(f.Dst); dst != nil && dst.enqueue(f) {
			s.metrics.SignalRelayed(string(f.Type), false)
			return
		}
		if f.Type == FrameLeave {
			return
		}
		err := s.relay.Publish(ctx, e.InstanceID, &distributed.Event{
			Type: distributed.EventUndeliverable,
			Src:  f.Src,
			Dst:  f.Dst,
		})
		if err != nil {
			s.logger.Debugw("failed to report undeliverable frame", "instance", e.InstanceID, "error", err)
		}

	case distributed.EventUndeliverable:
		if src := s.lookup(e.Src); src != nil {
			s.reject(src, apperrors.NewPeerUnavailableError(string(e.Dst)))
		}
	}
}

func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

func (s *WebSocketServer) IsPeerConnected(peerID domain.PeerID) bool {
	return s.lookup(peerID) != nil
}

// HealthCheck reports local connections and the registry's claim count.
func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"instance_id": s.instanceID,
		"connections": s.ConnectionCount(),
	}
	status := http.StatusOK

	if n, err := s.registry.Count(r.Context()); err != nil {
		response["status"] = "degraded"
		response["error"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		response["identities"] = n
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

func writeHTTPError(w http.ResponseWriter, err *apperrors.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    err.Code,
		"message": err.Message,
	})
}

type noopBrokerMetrics struct{}

func (noopBrokerMetrics) ClientConnected()           {}
func (noopBrokerMetrics) ClientDisconnected()        {}
func (noopBrokerMetrics) SignalRelayed(string, bool) {}
func (noopBrokerMetrics) SignalRejected(string)      {}
