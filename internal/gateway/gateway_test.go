package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestEventBusPublishFansOutToAllSubscribers(t *testing.T) {
	bus := NewEventBus()
	var mu sync.Mutex
	var got1, got2 []AgentEvent

	unsub1 := bus.Subscribe(func(e AgentEvent) {
		mu.Lock()
		got1 = append(got1, e)
		mu.Unlock()
	})
	defer unsub1()
	unsub2 := bus.Subscribe(func(e AgentEvent) {
		mu.Lock()
		got2 = append(got2, e)
		mu.Unlock()
	})
	defer unsub2()

	bus.Publish("sess-1", "turn_started", map[string]any{"a": 1})
	bus.Publish("sess-1", "turn_completed", nil)

	mu.Lock()
	defer mu.Unlock()
	if len(got1) != 2 || len(got2) != 2 {
		t.Fatalf("expected both subscribers to see 2 events, got %d and %d", len(got1), len(got2))
	}
	if got1[0].Seq != 1 || got1[1].Seq != 2 {
		t.Fatalf("expected per-session monotonic seq 1,2; got %d,%d", got1[0].Seq, got1[1].Seq)
	}
}

func TestEventBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewEventBus()
	var count int
	unsub := bus.Subscribe(func(AgentEvent) { count++ })

	bus.Publish("s", "e1", nil)
	unsub()
	bus.Publish("s", "e2", nil)

	if count != 1 {
		t.Fatalf("expected 1 delivery before unsubscribe, got %d", count)
	}
}

func TestEventBusSeqIsPerSession(t *testing.T) {
	bus := NewEventBus()
	var mu sync.Mutex
	seen := map[string][]uint64{}
	bus.Subscribe(func(e AgentEvent) {
		mu.Lock()
		seen[e.SessionID] = append(seen[e.SessionID], e.Seq)
		mu.Unlock()
	})

	bus.Publish("a", "x", nil)
	bus.Publish("b", "x", nil)
	bus.Publish("a", "x", nil)

	mu.Lock()
	defer mu.Unlock()
	if seen["a"][0] != 1 || seen["a"][1] != 2 {
		t.Fatalf("session a seq should be 1,2; got %v", seen["a"])
	}
	if seen["b"][0] != 1 {
		t.Fatalf("session b seq should start at 1; got %v", seen["b"])
	}
}

func allowAll(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	return "observer-" + token, true
}

func newTestServer(t *testing.T) (*Server, *httptest.Server, string) {
	t.Helper()
	bus := NewEventBus()
	srv := NewServer(bus, allowAll, nil)
	srv.Handle("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
		return json.RawMessage(params), nil
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	return srv, ts, wsURL
}

func dial(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	header := make(map[string][]string)
	header["Authorization"] = []string{"Bearer " + token}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServerRejectsUnauthenticatedConnection(t *testing.T) {
	_, _, wsURL := newTestServer(t)
	_, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial without a token to fail")
	}
}

func TestServerRoundTripsRPC(t *testing.T) {
	_, _, wsURL := newTestServer(t)
	conn := dial(t, wsURL, "tok")

	req := rpcRequest{ID: json.RawMessage(`"1"`), Method: "echo", Params: json.RawMessage(`{"x":1}`)}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp rpcResponse
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
	if string(resp.ID) != `"1"` {
		t.Fatalf("expected id echoed back, got %s", resp.ID)
	}
}

func TestServerUnknownMethodReturnsError(t *testing.T) {
	_, _, wsURL := newTestServer(t)
	conn := dial(t, wsURL, "tok")

	req := rpcRequest{ID: json.RawMessage(`"1"`), Method: "does.not.exist"}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp rpcResponse
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Error == "" {
		t.Fatal("expected an error for an unknown method")
	}
}

func TestServerBroadcastsPublishedEvents(t *testing.T) {
	srv, _, wsURL := newTestServer(t)
	conn := dial(t, wsURL, "tok")

	// give the read pump time to register its subscription before publishing.
	time.Sleep(50 * time.Millisecond)
	srv.bus.Publish("sess-1", "turn_started", map[string]any{"query": "hi"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame eventFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Type != "event" || frame.Event != "turn_started" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}
