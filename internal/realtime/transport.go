// Package realtime manages the single bidirectional websocket channel to the
// messenger backend. It connects using gobwas/ws, dispatches inbound server
// events to registered handlers, and tracks connection state.
//
// Reconnection is intentionally not automatic: a dropped connection stays
// dropped until the session manager calls Connect again (for example on the
// next successful session check). This is a known, documented limitation.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/messenger/internal/metrics"
	"github.com/whisper/messenger/internal/protocol"
)

// ErrNoUser is returned when Connect is called without an authenticated
// user id. The session manager must never do this; it is a programming error
// at the call site.
var ErrNoUser = errors.New("realtime: connect requires a user id")

// PresenceHandler receives the full replacement set of online user ids from
// a presence broadcast.
type PresenceHandler func(userIDs []string)

// EventHandler receives a decoded domain event (e.g. a
// protocol.MessageReceivedEvent). Handlers are invoked from the read loop
// goroutine, so delivery order matches arrival order; they should not block
// for extended periods.
type EventHandler func(ev interface{})

// Transport owns at most one live websocket connection to the backend,
// keyed by the authenticated user's id.
type Transport struct {
	url string

	mu     sync.Mutex
	conn   net.Conn
	connID string // uuid for log correlation
	userID string
	done   chan struct{}

	hmu      sync.RWMutex
	presence []PresenceHandler
	events   map[string]EventHandler
}

// NewTransport creates a transport that dials the given websocket URL
// (e.g. "ws://localhost:8080/realtime").
func NewTransport(wsURL string) *Transport {
	return &Transport{
		url:    wsURL,
		events: make(map[string]EventHandler),
	}
}

// Connect opens the channel for the given user, attaching the user id as
// connection metadata so the backend can associate presence. It is
// idempotent: if a connection is already live, Connect returns immediately
// with no effect, regardless of overlapping auth flows.
func (t *Transport) Connect(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrNoUser
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	dialURL, err := url.Parse(t.url)
	if err != nil {
		return fmt.Errorf("realtime: parse url: %w", err)
	}
	q := dialURL.Query()
	q.Set("userId", userID)
	dialURL.RawQuery = q.Encode()

	conn, _, _, err := ws.Dial(ctx, dialURL.String())
	if err != nil {
		return fmt.Errorf("realtime: dial: %w", err)
	}

	t.conn = conn
	t.connID = uuid.NewString()
	t.userID = userID
	t.done = make(chan struct{})
	metrics.RealtimeConnected.Set(1)

	log.Printf("[realtime] connected conn=%s user=%s", t.connID, userID)
	go t.readLoop(conn, t.done, t.connID)
	return nil
}

// Disconnect closes the live connection, if any. It is safe to call when no
// connection exists and safe to call multiple times.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return
	}
	log.Printf("[realtime] disconnecting conn=%s user=%s", t.connID, t.userID)
	close(t.done)
	t.conn.Close()
	t.clearLocked()
}

// Connected reports whether a connection is currently live.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// OnPresence registers a handler for presence broadcasts. Handlers persist
// across connections and are invoked in registration order.
func (t *Transport) OnPresence(fn PresenceHandler) {
	t.hmu.Lock()
	t.presence = append(t.presence, fn)
	t.hmu.Unlock()
}

// OnEvent registers the handler for a domain event type. At most one handler
// per type is kept; registering again replaces the previous handler, so
// re-subscription can never cause duplicate delivery.
func (t *Transport) OnEvent(eventType string, fn EventHandler) {
	t.hmu.Lock()
	t.events[eventType] = fn
	t.hmu.Unlock()
}

// RemoveEvent unregisters the handler for a domain event type. Removing an
// unregistered type is a no-op.
func (t *Transport) RemoveEvent(eventType string) {
	t.hmu.Lock()
	delete(t.events, eventType)
	t.hmu.Unlock()
}

// clearLocked resets connection state. Caller must hold t.mu.
func (t *Transport) clearLocked() {
	t.conn = nil
	t.connID = ""
	t.userID = ""
	t.done = nil
	metrics.RealtimeConnected.Set(0)
}

// readLoop continuously reads websocket frames and dispatches decoded events
// to registered handlers. It runs until the connection is closed locally or
// the read fails. A failed read marks the transport disconnected; it does
// not retry.
func (t *Transport) readLoop(conn net.Conn, done chan struct{}, connID string) {
	for {
		select {
		case <-done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			select {
			case <-done:
				// Closed intentionally via Disconnect.
				return
			default:
			}
			log.Printf("[realtime] read error conn=%s: %v", connID, err)
			t.mu.Lock()
			if t.conn == conn {
				t.clearLocked()
			}
			t.mu.Unlock()
			return
		}

		t.dispatch(data, connID)
	}
}

// dispatch parses one inbound frame and routes it: presence broadcasts fan
// out to all presence handlers, domain events go to the per-type handler.
// Unknown or malformed events are logged and dropped.
func (t *Transport) dispatch(data []byte, connID string) {
	typ, ev, err := protocol.ParseServerEvent(data)
	if err != nil {
		metrics.EventsTotal.WithLabelValues("unknown").Inc()
		log.Printf("[realtime] dropping event conn=%s type=%q: %v", connID, typ, err)
		return
	}
	metrics.EventsTotal.WithLabelValues(typ).Inc()

	if pu, ok := ev.(protocol.PresenceUpdateEvent); ok {
		t.hmu.RLock()
		handlers := make([]PresenceHandler, len(t.presence))
		copy(handlers, t.presence)
		t.hmu.RUnlock()
		for _, fn := range handlers {
			fn(pu.UserIDs)
		}
		return
	}

	t.hmu.RLock()
	fn, ok := t.events[typ]
	t.hmu.RUnlock()
	if !ok {
		log.Printf("[realtime] no handler for event type=%q conn=%s", typ, connID)
		return
	}
	fn(ev)
}
