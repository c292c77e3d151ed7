package signal

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"webbmesh/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

// WSTransport is a websocket implementation of Transport. The server side is
// a plain relay: everything written to a match room is fanned out to the
// other participants in it.
type WSTransport struct {
	conn *websocket.Conn
	log  *logrus.Entry

	send chan []byte
	done chan struct{}

	mu      sync.Mutex
	subs    map[int]Handler
	nextSub int
	closed  bool
}

// DialWS connects to the signaling relay's room for one match.
func DialWS(ctx context.Context, baseURL, matchID string) (*WSTransport, error) {
	url := normalizeWSURL(baseURL) + "/match/" + matchID
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("signal: dial %s: %w", url, err)
	}

	t := &WSTransport{
		conn: conn,
		log:  logrus.WithFields(logrus.Fields{"component": "signal", "match": matchID}),
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		subs: map[int]Handler{},
	}
	go t.writePump()
	go t.readPump()
	return t, nil
}

// Publish marshals the envelope and queues it for the write pump. After
// Close it always returns ErrSignalingDown; a publish must never vanish
// into a dead buffer.
func (t *WSTransport) Publish(ctx context.Context, env protocol.SignalEnvelope) error {
	b, err := protocol.MarshalEnvelope(env)
	if err != nil {
		return err
	}

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrSignalingDown
	}

	select {
	case <-t.done:
		return ErrSignalingDown
	case <-ctx.Done():
		return ctx.Err()
	case t.send <- b:
		return nil
	}
}

// Subscribe registers a handler; the returned cancel removes it.
func (t *WSTransport) Subscribe(fn Handler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
	}
}

// Close tears the connection down. Publish afterwards returns
// ErrSignalingDown.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	close(t.done)
	deadline := time.Now().Add(writeWait)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return t.conn.Close()
}

func (t *WSTransport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case b := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
				t.log.WithError(err).Warn("signaling write failed")
				_ = t.Close()
				return
			}
		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = t.Close()
				return
			}
		}
	}
}

func (t *WSTransport) readPump() {
	_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, b, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
			default:
				t.log.WithError(err).Warn("signaling read failed")
				_ = t.Close()
			}
			return
		}
		env, err := protocol.DecodeEnvelope(b)
		if err != nil {
			t.log.WithError(err).Debug("dropping malformed envelope")
			continue
		}
		t.dispatch(env)
	}
}

func (t *WSTransport) dispatch(env protocol.SignalEnvelope) {
	t.mu.Lock()
	handlers := make([]Handler, 0, len(t.subs))
	for _, fn := range t.subs {
		handlers = append(handlers, fn)
	}
	t.mu.Unlock()

	for _, fn := range handlers {
		fn(env)
	}
}

func normalizeWSURL(addr string) string {
	switch {
	case strings.HasPrefix(addr, "ws://"), strings.HasPrefix(addr, "wss://"):
		return strings.TrimRight(addr, "/")
	case strings.HasPrefix(addr, "http://"):
		return "ws://" + strings.TrimRight(strings.TrimPrefix(addr, "http://"), "/")
	case strings.HasPrefix(addr, "https://"):
		return "wss://" + strings.TrimRight(strings.TrimPrefix(addr, "https://"), "/")
	default:
		return "ws://" + strings.TrimRight(addr, "/")
	}
}
