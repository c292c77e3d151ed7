package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"webbmesh/internal/protocol"
)

func TestMemoryBus_BroadcastSkipsSender(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus()
	a := bus.Join("a")
	b := bus.Join("b")
	c := bus.Join("c")

	var mu sync.Mutex
	got := map[string]int{}
	for id, tr := range map[string]*MemoryTransport{"a": a, "b": b, "c": c} {
		id := id
		tr.Subscribe(func(env protocol.SignalEnvelope) {
			mu.Lock()
			got[id]++
			mu.Unlock()
		})
	}

	env, err := protocol.NewEnvelope(protocol.KindHeartbeat, "a", "", protocol.Heartbeat{SenderID: "a"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := a.Publish(context.Background(), env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got["a"] != 0 || got["b"] != 1 || got["c"] != 1 {
		t.Fatalf("got=%v", got)
	}
}

func TestMemoryBus_TargetedDelivery(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus()
	a := bus.Join("a")
	b := bus.Join("b")
	c := bus.Join("c")

	var mu sync.Mutex
	got := map[string]int{}
	b.Subscribe(func(env protocol.SignalEnvelope) { mu.Lock(); got["b"]++; mu.Unlock() })
	c.Subscribe(func(env protocol.SignalEnvelope) { mu.Lock(); got["c"]++; mu.Unlock() })

	env, _ := protocol.NewEnvelope(protocol.KindOffer, "a", "b", protocol.SessionDesc{Type: "offer", SDP: "x"})
	if err := a.Publish(context.Background(), env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got["b"] != 1 || got["c"] != 0 {
		t.Fatalf("got=%v", got)
	}
}

func TestMemoryBus_PublishAfterClose(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus()
	a := bus.Join("a")
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	env, _ := protocol.NewEnvelope(protocol.KindHeartbeat, "a", "", protocol.Heartbeat{})
	if err := a.Publish(context.Background(), env); err != ErrSignalingDown {
		t.Fatalf("err=%v", err)
	}
}

func TestMemoryBus_SubscribeCancel(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus()
	a := bus.Join("a")
	b := bus.Join("b")

	var mu sync.Mutex
	count := 0
	cancel := b.Subscribe(func(env protocol.SignalEnvelope) { mu.Lock(); count++; mu.Unlock() })

	env, _ := protocol.NewEnvelope(protocol.KindHeartbeat, "a", "", protocol.Heartbeat{})
	_ = a.Publish(context.Background(), env)
	cancel()
	_ = a.Publish(context.Background(), env)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("count=%d", count)
	}
}

// echoRelay upgrades a websocket and echoes every message back, standing in
// for the match-room relay.
func echoRelay(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/match/") {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, b, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, b); err != nil {
				return
			}
		}
	}))
}

func TestWSTransport_PublishAndReceive(t *testing.T) {
	t.Parallel()

	srv := echoRelay(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := DialWS(ctx, srv.URL, "m1")
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	defer tr.Close()

	received := make(chan protocol.SignalEnvelope, 1)
	tr.Subscribe(func(env protocol.SignalEnvelope) {
		select {
		case received <- env:
		default:
		}
	})

	env, err := protocol.NewEnvelope(protocol.KindQualityReport, "p1", "", map[string]int{"score": 700})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := tr.Publish(ctx, env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-received:
		if got.Kind != protocol.KindQualityReport || got.From != "p1" {
			t.Fatalf("got=%+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no echo received")
	}
}

func TestWSTransport_PublishAfterClose(t *testing.T) {
	t.Parallel()

	srv := echoRelay(t)
	defer srv.Close()

	ctx := context.Background()
	tr, err := DialWS(ctx, srv.URL, "m1")
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	env, _ := protocol.NewEnvelope(protocol.KindHeartbeat, "p1", "", protocol.Heartbeat{})
	if err := tr.Publish(ctx, env); err != ErrSignalingDown {
		t.Fatalf("err=%v", err)
	}
}

func TestNormalizeWSURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"ws://host:1234": "ws://host:1234",
		"wss://host/":    "wss://host",
		"http://host":    "ws://host",
		"https://host":   "wss://host",
		"host:9000":      "ws://host:9000",
	}
	for in, want := range cases {
		if got := normalizeWSURL(in); got != want {
			t.Fatalf("normalizeWSURL(%q)=%q want=%q", in, got, want)
		}
	}
}
