// Package convo owns the active peer selection and the loaded message log
// for that peer. The log is append-only and always corresponds to the
// currently selected peer: switching peers clears it immediately and
// refetches, and a history response that arrives after the selection has
// moved on is discarded.
package convo

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/whisper/messenger/internal/metrics"
	"github.com/whisper/messenger/internal/protocol"
	"github.com/whisper/messenger/internal/realtime"
)

// ErrNoPeerSelected is returned by Send when no conversation is selected.
// Call sites are expected to prevent this; it is not a recoverable runtime
// condition.
var ErrNoPeerSelected = errors.New("convo: no peer selected")

// Gateway is the slice of the api client the store consumes.
type Gateway interface {
	ListUsers(ctx context.Context) ([]protocol.User, error)
	Messages(ctx context.Context, peerID string) ([]protocol.Message, error)
	SendMessage(ctx context.Context, peerID, body string) (*protocol.Message, error)
}

// EventSource is the slice of the realtime transport the store consumes.
// It is injected explicitly; the store never reaches into the session
// manager's connection state.
type EventSource interface {
	OnEvent(eventType string, fn realtime.EventHandler)
	RemoveEvent(eventType string)
}

// Store is the conversation state container.
type Store struct {
	gw     Gateway
	events EventSource

	mu         sync.Mutex
	peers      []protocol.User
	selected   *protocol.User
	messages   []protocol.Message
	subscribed bool
}

// NewStore creates a conversation store backed by the given gateway and
// realtime event source.
func NewStore(gw Gateway, events EventSource) *Store {
	return &Store{gw: gw, events: events}
}

// LoadPeers fetches and caches the selectable peers. On failure the
// previously cached list is left untouched.
func (s *Store) LoadPeers(ctx context.Context) error {
	users, err := s.gw.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("convo: load peers: %w", err)
	}
	s.mu.Lock()
	s.peers = users
	s.mu.Unlock()
	return nil
}

// Peers returns the cached peer list.
func (s *Store) Peers() []protocol.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.User(nil), s.peers...)
}

// Selected returns the currently selected peer, or nil.
func (s *Store) Selected() *protocol.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == nil {
		return nil
	}
	peer := *s.selected
	return &peer
}

// Messages returns the current message log, oldest first.
func (s *Store) Messages() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Message(nil), s.messages...)
}

// Select replaces the conversation selection, clears the log immediately so
// stale messages from a prior peer are never visible, and fetches the new
// peer's history. If the selection changes again before the fetch resolves,
// the stale response is discarded.
func (s *Store) Select(ctx context.Context, peer protocol.User) error {
	s.mu.Lock()
	p := peer
	s.selected = &p
	s.messages = nil
	s.mu.Unlock()

	history, err := s.gw.Messages(ctx, peer.ID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == nil || s.selected.ID != peer.ID {
		// Selection moved on while the fetch was in flight.
		return nil
	}
	if err != nil {
		return fmt.Errorf("convo: load history for %s: %w", peer.ID, err)
	}
	s.messages = append([]protocol.Message(nil), history...)
	return nil
}

// ClearSelection drops the selection and the message log.
func (s *Store) ClearSelection() {
	s.mu.Lock()
	s.selected = nil
	s.messages = nil
	s.mu.Unlock()
}

// Send persists a message to the selected peer via the gateway and appends
// the server-returned record, never a locally fabricated one. Nothing is
// appended optimistically, so a failed send leaves the log untouched.
func (s *Store) Send(ctx context.Context, body string) (*protocol.Message, error) {
	s.mu.Lock()
	sel := s.selected
	s.mu.Unlock()
	if sel == nil {
		return nil, ErrNoPeerSelected
	}

	msg, err := s.gw.SendMessage(ctx, sel.ID, body)
	if err != nil {
		return nil, fmt.Errorf("convo: send: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// The selection may have moved while the send was in flight; the log
	// must only ever hold the selected peer's conversation.
	if s.selected != nil && s.selected.ID == sel.ID {
		s.messages = append(s.messages, *msg)
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	return msg, nil
}

// SubscribeInbound registers the store's handler for pushed messages.
// Calling it again while already subscribed does not register a duplicate
// handler.
func (s *Store) SubscribeInbound() {
	s.mu.Lock()
	if s.subscribed {
		s.mu.Unlock()
		return
	}
	s.subscribed = true
	s.mu.Unlock()

	s.events.OnEvent(protocol.TypeMessageReceived, s.handleInbound)
}

// UnsubscribeInbound removes the handler. Safe to call when not subscribed.
func (s *Store) UnsubscribeInbound() {
	s.mu.Lock()
	if !s.subscribed {
		s.mu.Unlock()
		return
	}
	s.subscribed = false
	s.mu.Unlock()

	s.events.RemoveEvent(protocol.TypeMessageReceived)
}

// handleInbound appends a pushed message iff its sender is the currently
// selected peer; anything else is dropped here (notification mechanisms for
// other peers are out of scope). Messages whose id matches the tail of the
// log are dropped too, in case the backend ever echoes a sender's own
// message back over the channel.
func (s *Store) handleInbound(ev interface{}) {
	mr, ok := ev.(protocol.MessageReceivedEvent)
	if !ok {
		log.Printf("convo: unexpected inbound event payload %T", ev)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.selected == nil || mr.Message.SenderID != s.selected.ID {
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		return
	}
	if n := len(s.messages); n > 0 && s.messages[n-1].ID == mr.Message.ID {
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		return
	}
	s.messages = append(s.messages, mr.Message)
	metrics.MessagesTotal.WithLabelValues("received").Inc()
}
