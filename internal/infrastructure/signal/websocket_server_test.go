package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"yahtzee/internal/core/domain"
	"yahtzee/internal/infrastructure/distributed"
	"yahtzee/internal/infrastructure/repositories/memory"
	apperrors "yahtzee/pkg/errors"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSDP = "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

type brokerMetrics struct {
	mu        sync.Mutex
	connected int
	relayed   map[string]int
	rejected  map[string]int
}

func newBrokerMetrics() *brokerMetrics {
	return &brokerMetrics{relayed: map[string]int{}, rejected: map[string]int{}}
}

func (m *brokerMetrics) ClientConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected++
}

func (m *brokerMetrics) ClientDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected--
}

func (m *brokerMetrics) SignalRelayed(kind string, remote bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if remote {
		kind += "/remote"
	}
	m.relayed[kind]++
}

func (m *brokerMetrics) SignalRejected(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[code]++
}

func (m *brokerMetrics) rejections(code string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rejected[code]
}

func testConfig() ServerConfig {
	cfg := DefaultServerConfig()
	cfg.WriteTimeout = time.Second
	return cfg
}

func startBroker(t *testing.T, s *WebSocketServer) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	t.Cleanup(func() {
		s.Shutdown()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string, id domain.PeerID) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url+"?peer_id="+string(id), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func connect(t *testing.T, url string, id domain.PeerID) *websocket.Conn {
	t.Helper()
	conn := dial(t, url, id)
	f := readFrame(t, conn)
	require.Equal(t, FrameOpen, f.Type)
	require.Equal(t, id, f.PeerID)
	return conn
}

func offer(dst domain.PeerID) Frame {
	payload, _ := json.Marshal(SessionDescription{Type: "offer", SDP: testSDP})
	return Frame{Type: FrameOffer, Dst: dst, Payload: payload}
}

func TestServerAssignsIdentity(t *testing.T) {
	s := NewWebSocketServer(testConfig(), memory.NewIdentityRegistry(), zap.NewNop().Sugar())
	url := startBroker(t, s)

	conn := dial(t, url, "")
	f := readFrame(t, conn)
	assert.Equal(t, FrameOpen, f.Type)
	assert.NotEmpty(t, f.PeerID)
	assert.Eventually(t, func() bool { return s.IsPeerConnected(f.PeerID) }, time.Second, 5*time.Millisecond)
}

func TestServerRejectsTakenIdentity(t *testing.T) {
	metrics := newBrokerMetrics()
	s := NewWebSocketServer(testConfig(), memory.NewIdentityRegistry(), zap.NewNop().Sugar())
	s.SetMetrics(metrics)
	url := startBroker(t, s)

	connect(t, url, "yahtzee-room-ABC234")

	dup := dial(t, url, "yahtzee-room-ABC234")
	f := readFrame(t, dup)
	assert.Equal(t, FrameError, f.Type)
	assert.Equal(t, apperrors.ErrCodeIDTaken, f.Code)

	dup.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := dup.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
	assert.Equal(t, 1, metrics.rejections(string(apperrors.ErrCodeIDTaken)))
}

func TestServerRejectsMalformedIdentity(t *testing.T) {
	metrics := newBrokerMetrics()
	s := NewWebSocketServer(testConfig(), memory.NewIdentityRegistry(), zap.NewNop().Sugar())
	s.SetMetrics(metrics)
	url := startBroker(t, s)

	for _, id := range []string{"bad%20id", strings.Repeat("a", 129)} {
		_, resp, err := websocket.DefaultDialer.Dial(url+"?peer_id="+id, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}
	assert.Equal(t, 2, metrics.rejections(string(apperrors.ErrCodeInvalidInput)))
}

func TestServerReleasesIdentityOnDisconnect(t *testing.T) {
	registry := memory.NewIdentityRegistry()
	s := NewWebSocketServer(testConfig(), registry, zap.NewNop().Sugar())
	url := startBroker(t, s)

	conn := connect(t, url, "p1")
	conn.Close()

	assert.Eventually(t, func() bool {
		_, err := registry.Owner(context.Background(), "p1")
		return err != nil && !s.IsPeerConnected("p1")
	}, 2*time.Second, 5*time.Millisecond)
	connect(t, url, "p1")
}

func TestServerRelaysWithSource(t *testing.T) {
	metrics := newBrokerMetrics()
	s := NewWebSocketServer(testConfig(), memory.NewIdentityRegistry(), zap.NewNop().Sugar())
	s.SetMetrics(metrics)
	url := startBroker(t, s)

	host := connect(t, url, "host")
	guest := connect(t, url, "guest")

	require.NoError(t, guest.WriteJSON(offer("host")))
	f := readFrame(t, host)
	assert.Equal(t, FrameOffer, f.Type)
	assert.Equal(t, domain.PeerID("guest"), f.Src)

	var desc SessionDescription
	require.NoError(t, json.Unmarshal(f.Payload, &desc))
	assert.Equal(t, testSDP, desc.SDP)

	answer, _ := json.Marshal(SessionDescription{Type: "answer", SDP: testSDP})
	require.NoError(t, host.WriteJSON(Frame{Type: FrameAnswer, Dst: "guest", Payload: answer}))
	f = readFrame(t, guest)
	assert.Equal(t, FrameAnswer, f.Type)
	assert.Equal(t, domain.PeerID("host"), f.Src)

	require.NoError(t, guest.WriteJSON(Frame{Type: FrameLeave, Dst: "host"}))
	f = readFrame(t, host)
	assert.Equal(t, FrameLeave, f.Type)
}

func TestServerReportsErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame interface{}
		code  apperrors.ErrorCode
		peer  domain.PeerID
	}{
		{"unknown destination", offer("nobody"), apperrors.ErrCodePeerUnavailable, "nobody"},
		{"bad sdp", Frame{Type: FrameOffer, Dst: "x", Payload: json.RawMessage(`{"sdp":"hello"}`)}, apperrors.ErrCodeInvalidInput, ""},
		{"unknown type", Frame{Type: "candidate", Dst: "x"}, apperrors.ErrCodeInvalidInput, ""},
		{"missing destination", Frame{Type: FrameLeave}, apperrors.ErrCodeInvalidInput, ""},
		{"not json", "not a frame", apperrors.ErrCodeInvalidInput, ""},
	}

	s := NewWebSocketServer(testConfig(), memory.NewIdentityRegistry(), zap.NewNop().Sugar())
	url := startBroker(t, s)
	conn := connect(t, url, "sender")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if raw, ok := tt.frame.(string); ok {
				require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
			} else {
				require.NoError(t, conn.WriteJSON(tt.frame))
			}
			f := readFrame(t, conn)
			assert.Equal(t, FrameError, f.Type)
			assert.Equal(t, tt.code, f.Code)
			assert.Equal(t, tt.peer, f.Peer)
		})
	}
}

func TestServerLeaveToUnknownPeerIsSilent(t *testing.T) {
	s := NewWebSocketServer(testConfig(), memory.NewIdentityRegistry(), zap.NewNop().Sugar())
	url := startBroker(t, s)
	conn := connect(t, url, "sender")

	require.NoError(t, conn.WriteJSON(Frame{Type: FrameLeave, Dst: "gone"}))
	require.NoError(t, conn.WriteJSON(offer("gone")))

	f := readFrame(t, conn)
	assert.Equal(t, apperrors.ErrCodePeerUnavailable, f.Code, "only the offer is answered")
}

func TestServerRateLimitsFrames(t *testing.T) {
	cfg := testConfig()
	cfg.MessagesPerSecond = 0.001
	cfg.Burst = 1
	metrics := newBrokerMetrics()
	s := NewWebSocketServer(cfg, memory.NewIdentityRegistry(), zap.NewNop().Sugar())
	s.SetMetrics(metrics)
	url := startBroker(t, s)

	host := connect(t, url, "host")
	guest := connect(t, url, "guest")

	require.NoError(t, guest.WriteJSON(offer("host")))
	require.NoError(t, guest.WriteJSON(offer("host")))

	assert.Equal(t, FrameOffer, readFrame(t, host).Type)
	f := readFrame(t, guest)
	assert.Equal(t, apperrors.ErrCodeRateLimit, f.Code)
	assert.Equal(t, 1, metrics.rejections(string(apperrors.ErrCodeRateLimit)))
}

func TestServerShutdownClosesClients(t *testing.T) {
	s := NewWebSocketServer(testConfig(), memory.NewIdentityRegistry(), zap.NewNop().Sugar())
	url := startBroker(t, s)
	conn := connect(t, url, "p1")

	s.Shutdown()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}

func TestHealthCheck(t *testing.T) {
	s := NewWebSocketServer(testConfig(), memory.NewIdentityRegistry(), zap.NewNop().Sugar())
	url := startBroker(t, s)
	connect(t, url, "p1")

	rec := httptest.NewRecorder()
	s.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 1, body["connections"])
	assert.EqualValues(t, 1, body["identities"])
}

// hub is an in-process stand-in for the Redis relay.
type hub struct {
	mu   sync.Mutex
	subs map[string]func(*distributed.Event)
}

type hubRelay struct {
	h  *hub
	id string
}

func (r hubRelay) InstanceID() string { return r.id }

func (r hubRelay) Publish(ctx context.Context, target string, e *distributed.Event) error {
	r.h.mu.Lock()
	fn := r.h.subs[target]
	r.h.mu.Unlock()
	if fn == nil {
		return domain.ErrPeerUnavailable
	}
	copied := *e
	copied.InstanceID = r.id
	fn(&copied)
	return nil
}

func (r hubRelay) Subscribe(ctx context.Context, handler func(*distributed.Event)) error {
	r.h.mu.Lock()
	r.h.subs[r.id] = handler
	r.h.mu.Unlock()
	<-ctx.Done()
	r.h.mu.Lock()
	delete(r.h.subs, r.id)
	r.h.mu.Unlock()
	return ctx.Err()
}

func (h *hub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func TestServersRelayAcrossInstances(t *testing.T) {
	registry := memory.NewIdentityRegistry()
	h := &hub{subs: map[string]func(*distributed.Event){}}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var urls []string
	var servers []*WebSocketServer
	for _, id := range []string{"broker-a", "broker-b"} {
		s := NewWebSocketServer(testConfig(), registry, zap.NewNop().Sugar())
		s.SetRelay(hubRelay{h: h, id: id})
		go s.Run(ctx)
		servers = append(servers, s)
		urls = append(urls, startBroker(t, s))
	}
	require.Eventually(t, func() bool { return h.size() == 2 }, time.Second, 5*time.Millisecond)

	host := connect(t, urls[0], "host")
	guest := connect(t, urls[1], "guest")

	require.NoError(t, guest.WriteJSON(offer("host")))
	f := readFrame(t, host)
	assert.Equal(t, FrameOffer, f.Type)
	assert.Equal(t, domain.PeerID("guest"), f.Src)

	// The claim outlives the connection on the owning instance for a moment;
	// the owner reports the frame back as undeliverable.
	require.NoError(t, registry.Claim(context.Background(), "ghost", "broker-a"))
	require.NoError(t, guest.WriteJSON(offer("ghost")))
	f = readFrame(t, guest)
	assert.Equal(t, apperrors.ErrCodePeerUnavailable, f.Code)
	assert.Equal(t, domain.PeerID("ghost"), f.Peer)
	assert.Equal(t, "broker-a", servers[0].InstanceID())
}
