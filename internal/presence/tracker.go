// Package presence maintains the set of currently online user ids. The set
// is replaced wholesale on every presence broadcast; there is no incremental
// merge, so stale entries from a prior broadcast are always discarded.
package presence

import (
	"sort"
	"sync"

	"github.com/whisper/messenger/internal/realtime"
)

// Broadcaster is the slice of the realtime transport the tracker consumes.
type Broadcaster interface {
	OnPresence(fn realtime.PresenceHandler)
}

// Tracker holds the online set. The only mutation path is the broadcast
// handler registered by Attach.
type Tracker struct {
	mu       sync.RWMutex
	online   map[string]struct{}
	attached bool
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{online: make(map[string]struct{})}
}

// Attach subscribes the tracker to presence broadcasts for the lifetime of
// the transport. Calling Attach more than once is a no-op.
func (p *Tracker) Attach(b Broadcaster) {
	p.mu.Lock()
	if p.attached {
		p.mu.Unlock()
		return
	}
	p.attached = true
	p.mu.Unlock()

	b.OnPresence(p.replace)
}

// replace swaps the entire online set with the broadcast payload.
func (p *Tracker) replace(userIDs []string) {
	next := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		next[id] = struct{}{}
	}
	p.mu.Lock()
	p.online = next
	p.mu.Unlock()
}

// Online returns a sorted copy of the current online user ids.
func (p *Tracker) Online() []string {
	p.mu.RLock()
	ids := make([]string, 0, len(p.online))
	for id := range p.online {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// IsOnline reports whether the given user id is in the current online set.
func (p *Tracker) IsOnline(userID string) bool {
	p.mu.RLock()
	_, ok := p.online[userID]
	p.mu.RUnlock()
	return ok
}
