package signal

import (
	"context"
	"net/url"
	"sync"
	"time"

	"jsongle/pkg/protocol"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// WebSocket exchanges envelopes through a relay (see: Relay) the peer is
// registered to by its identifier.
type WebSocket struct {
	receiver

	conn    *websocket.Conn
	writeMx sync.Mutex
}

type WebSocketConfig struct {
	URL              string
	Peer             string
	HandshakeTimeout time.Duration
}

func DialWebSocket(ctx context.Context, cfg WebSocketConfig, codec Codec) (*WebSocket, error) {
	if cfg.Peer == "" {
		return nil, errors.New("peer is required")
	}

	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "relay url")
	}

	q := u.Query()
	q.Set("peer", cfg.Peer)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial relay")
	}

	return &WebSocket{
		receiver: receiver{codec: codec},
		conn:     conn,
	}, nil
}

func (t *WebSocket) Send(m *protocol.Message) error {
	frame, err := t.codec.Marshal(m)
	if err != nil {
		return err
	}

	t.writeMx.Lock()
	defer t.writeMx.Unlock()

	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

// Listen reads frames until ctx is done or the relay closes the connection.
func (t *WebSocket) Listen(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			t.Close()
		case <-done:
		}
	}()

	for {
		_, frame, err := t.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return errors.Wrap(err, "read relay")
		}

		t.deliver(frame)
	}
}

func (t *WebSocket) Close() error {
	t.writeMx.Lock()
	defer t.writeMx.Unlock()

	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))

	return t.conn.Close()
}
