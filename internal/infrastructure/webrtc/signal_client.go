package webrtc

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"yahtzee/internal/core/domain"
	"yahtzee/internal/infrastructure/signal"
	apperrors "yahtzee/pkg/errors"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const signalWriteTimeout = 5 * time.Second

// signalClient is the endpoint's connection to the broker.
type signalClient struct {
	conn   *websocket.Conn
	id     domain.PeerID
	logger *zap.SugaredLogger

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// dialSignal connects to the broker and waits for the open frame. A taken
// identity is reported as domain.ErrIdentityTaken.
func dialSignal(ctx context.Context, brokerURL string, id domain.PeerID, logger *zap.SugaredLogger) (*signalClient, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid broker url: %w", err)
	}
	q := u.Query()
	if id != "" {
		q.Set("peer_id", string(id))
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial broker: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	var first signal.Frame
	if err := conn.ReadJSON(&first); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read broker greeting: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	switch {
	case first.Type == signal.FrameOpen:
	case first.Type == signal.FrameError && first.Code == apperrors.ErrCodeIDTaken:
		conn.Close()
		return nil, fmt.Errorf("register %s: %w", id, domain.ErrIdentityTaken)
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected broker greeting %q: %s", first.Type, first.Message)
	}

	return &signalClient{
		conn:   conn,
		id:     first.PeerID,
		logger: logger,
		closed: make(chan struct{}),
	}, nil
}

// run reads frames until the connection ends. lost is called once if that
// happens before close.
func (c *signalClient) run(handle func(signal.Frame), lost func(error)) {
	c.conn.SetPingHandler(func(data string) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(signalWriteTimeout))
	})

	for {
		var f signal.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			select {
			case <-c.closed:
			default:
				lost(err)
			}
			return
		}
		handle(f)
	}
}

func (c *signalClient) send(f signal.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return domain.ErrEndpointClosed
	default:
	}
	c.conn.SetWriteDeadline(time.Now().Add(signalWriteTimeout))
	if err := c.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("failed to send %s frame: %w", f.Type, err)
	}
	return nil
}

func (c *signalClient) close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(signalWriteTimeout))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
