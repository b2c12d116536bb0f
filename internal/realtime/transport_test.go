package realtime

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/messenger/internal/protocol"
)

// testServer is a minimal websocket endpoint for exercising the transport.
// Each accepted connection is counted and handed to the frames channel so
// tests can push server events.
type testServer struct {
	srv      *httptest.Server
	upgrades atomic.Int32

	mu    sync.Mutex
	conns []net.Conn
	query url.Values
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		ts.upgrades.Add(1)
		ts.mu.Lock()
		ts.conns = append(ts.conns, conn)
		ts.query = r.URL.Query()
		ts.mu.Unlock()
	}))
	t.Cleanup(func() {
		ts.mu.Lock()
		for _, c := range ts.conns {
			c.Close()
		}
		ts.mu.Unlock()
		ts.srv.Close()
	})
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

// push writes a server text frame on the most recent connection.
func (ts *testServer) push(t *testing.T, data string) {
	t.Helper()
	ts.mu.Lock()
	conn := ts.conns[len(ts.conns)-1]
	ts.mu.Unlock()
	if err := wsutil.WriteServerText(conn, []byte(data)); err != nil {
		t.Fatalf("server write failed: %v", err)
	}
}

// waitFor polls until cond returns true or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestConnectAttachesUserID(t *testing.T) {
	ts := newTestServer(t)
	tr := NewTransport(ts.wsURL())

	if err := tr.Connect(context.Background(), "u1"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer tr.Disconnect()

	waitFor(t, func() bool { return ts.upgrades.Load() == 1 })
	ts.mu.Lock()
	got := ts.query.Get("userId")
	ts.mu.Unlock()
	if got != "u1" {
		t.Errorf("expected userId=u1 in connection metadata, got %q", got)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	tr := NewTransport(ts.wsURL())
	ctx := context.Background()

	if err := tr.Connect(ctx, "u1"); err != nil {
		t.Fatalf("first connect failed: %v", err)
	}
	if err := tr.Connect(ctx, "u1"); err != nil {
		t.Fatalf("second connect failed: %v", err)
	}
	defer tr.Disconnect()

	// Give a duplicate dial time to land if one were issued.
	time.Sleep(50 * time.Millisecond)
	if n := ts.upgrades.Load(); n != 1 {
		t.Errorf("expected exactly 1 connection, got %d", n)
	}
	if !tr.Connected() {
		t.Error("expected transport to report connected")
	}
}

func TestConnectRequiresUserID(t *testing.T) {
	tr := NewTransport("ws://localhost:0")
	if err := tr.Connect(context.Background(), ""); err != ErrNoUser {
		t.Fatalf("expected ErrNoUser, got %v", err)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	tr := NewTransport(ts.wsURL())

	if err := tr.Connect(context.Background(), "u1"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	tr.Disconnect()
	tr.Disconnect() // second call must be a safe no-op

	if tr.Connected() {
		t.Error("expected transport to report disconnected")
	}
}

func TestDisconnectWithoutConnectIsNoop(t *testing.T) {
	tr := NewTransport("ws://localhost:0")
	tr.Disconnect()
	if tr.Connected() {
		t.Error("expected transport to report disconnected")
	}
}

func TestReconnectAfterDisconnect(t *testing.T) {
	ts := newTestServer(t)
	tr := NewTransport(ts.wsURL())
	ctx := context.Background()

	if err := tr.Connect(ctx, "u1"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	tr.Disconnect()

	if err := tr.Connect(ctx, "u1"); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	defer tr.Disconnect()

	waitFor(t, func() bool { return ts.upgrades.Load() == 2 })
}

func TestPresenceDispatch(t *testing.T) {
	ts := newTestServer(t)
	tr := NewTransport(ts.wsURL())

	var mu sync.Mutex
	var got []string
	tr.OnPresence(func(ids []string) {
		mu.Lock()
		got = append([]string(nil), ids...)
		mu.Unlock()
	})

	if err := tr.Connect(context.Background(), "u1"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer tr.Disconnect()

	ts.push(t, `{"type":"presenceUpdate","userIds":["a","b"]}`)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0] != "a" || got[1] != "b" {
		t.Errorf("unexpected presence payload: %v", got)
	}
}

func TestEventDispatchInArrivalOrder(t *testing.T) {
	ts := newTestServer(t)
	tr := NewTransport(ts.wsURL())

	var mu sync.Mutex
	var bodies []string
	tr.OnEvent(protocol.TypeMessageReceived, func(ev interface{}) {
		mr := ev.(protocol.MessageReceivedEvent)
		mu.Lock()
		bodies = append(bodies, mr.Message.Body)
		mu.Unlock()
	})

	if err := tr.Connect(context.Background(), "u1"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer tr.Disconnect()

	ts.push(t, `{"type":"messageReceived","message":{"id":"m1","senderId":"s","recipientId":"u1","body":"first"}}`)
	ts.push(t, `{"type":"messageReceived","message":{"id":"m2","senderId":"s","recipientId":"u1","body":"second"}}`)
	ts.push(t, `{"type":"messageReceived","message":{"id":"m3","senderId":"s","recipientId":"u1","body":"third"}}`)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bodies) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	if bodies[0] != "first" || bodies[1] != "second" || bodies[2] != "third" {
		t.Errorf("events delivered out of order: %v", bodies)
	}
}

func TestOnEventReplacesHandler(t *testing.T) {
	ts := newTestServer(t)
	tr := NewTransport(ts.wsURL())

	var first, second atomic.Int32
	tr.OnEvent(protocol.TypeMessageReceived, func(ev interface{}) { first.Add(1) })
	tr.OnEvent(protocol.TypeMessageReceived, func(ev interface{}) { second.Add(1) })

	if err := tr.Connect(context.Background(), "u1"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer tr.Disconnect()

	ts.push(t, `{"type":"messageReceived","message":{"id":"m1","senderId":"s","recipientId":"u1","body":"x"}}`)

	waitFor(t, func() bool { return second.Load() == 1 })
	if first.Load() != 0 {
		t.Errorf("replaced handler still received %d events", first.Load())
	}
}

func TestUnknownEventIsDropped(t *testing.T) {
	ts := newTestServer(t)
	tr := NewTransport(ts.wsURL())

	var calls atomic.Int32
	tr.OnEvent(protocol.TypeMessageReceived, func(ev interface{}) { calls.Add(1) })

	if err := tr.Connect(context.Background(), "u1"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer tr.Disconnect()

	ts.push(t, `{"type":"typingStarted","userId":"s"}`)
	ts.push(t, `{"type":"messageReceived","message":{"id":"m1","senderId":"s","recipientId":"u1","body":"x"}}`)

	// The known event after the unknown one proves the loop survived it.
	waitFor(t, func() bool { return calls.Load() == 1 })
}
