// Package session owns the client's authentication state: the bearer token
// lifecycle, the current user, and the realtime connection driven in
// lockstep with login state. It is the only writer of the persisted
// credential and the only caller of realtime connect/disconnect.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/whisper/messenger/internal/api"
	"github.com/whisper/messenger/internal/protocol"
)

// Session status values.
const (
	StatusUnknown       = "unknown"
	StatusChecking      = "checking"
	StatusAuthenticated = "authenticated"
	StatusAnonymous     = "anonymous"
)

// ErrNotAuthenticated is returned by authenticated-only operations while the
// session is anonymous.
var ErrNotAuthenticated = errors.New("session: not authenticated")

// Gateway is the slice of the api client the manager consumes.
type Gateway interface {
	Register(ctx context.Context, email, displayName, password string) (string, error)
	Login(ctx context.Context, email, password string) (string, error)
	Profile(ctx context.Context) (*protocol.User, error)
	UpdateProfile(ctx context.Context, upd api.ProfileUpdate) (*protocol.User, error)
}

// CredentialStore is the persisted credential collaborator. Absence of the
// token is reported as an empty string, not an error.
type CredentialStore interface {
	Token(ctx context.Context) (string, error)
	SetToken(ctx context.Context, token string) error
	DeleteToken(ctx context.Context) error
}

// Realtime is the slice of the transport the manager drives.
type Realtime interface {
	Connect(ctx context.Context, userID string) error
	Disconnect()
}

// Manager is the session state container.
type Manager struct {
	gw    Gateway
	creds CredentialStore
	rt    Realtime

	mu       sync.Mutex
	status   string
	user     *protocol.User
	token    string // transient in-memory copy of the credential
	inflight chan struct{} // non-nil while a CheckSession resolution runs
}

// NewManager creates a session manager in the unknown state.
func NewManager(gw Gateway, creds CredentialStore, rt Realtime) *Manager {
	return &Manager{
		gw:     gw,
		creds:  creds,
		rt:     rt,
		status: StatusUnknown,
	}
}

// Status returns the current session status.
func (m *Manager) Status() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// CurrentUser returns the authenticated user, or nil while anonymous.
func (m *Manager) CurrentUser() *protocol.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.user == nil {
		return nil
	}
	user := *m.user
	return &user
}

// BearerToken returns the in-memory credential copy for use as a token
// provider by the api client. Empty while anonymous.
func (m *Manager) BearerToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// CheckSession resolves the session from the persisted credential. With no
// stored token it transitions straight to anonymous without a gateway call.
// With a token it verifies against the gateway: success authenticates and
// connects the realtime channel; any failure discards the token and forces
// anonymous. Concurrent calls while a resolution is in flight wait for that
// resolution instead of verifying a second time.
func (m *Manager) CheckSession(ctx context.Context) error {
	m.mu.Lock()
	if ch := m.inflight; ch != nil {
		m.mu.Unlock()
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ch := make(chan struct{})
	m.inflight = ch
	m.status = StatusChecking
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inflight = nil
		m.mu.Unlock()
		close(ch)
	}()

	token, err := m.creds.Token(ctx)
	if err != nil {
		log.Printf("session: credential read failed: %v", err)
		m.setAnonymous()
		return fmt.Errorf("session: read credential: %w", err)
	}
	if token == "" {
		m.setAnonymous()
		return nil
	}

	m.mu.Lock()
	m.token = token
	m.mu.Unlock()

	return m.verify(ctx)
}

// Register creates an account, persists the issued token, resolves the
// profile, and connects the realtime channel. On failure the prior state is
// left untouched and no token is written.
func (m *Manager) Register(ctx context.Context, email, displayName, password string) error {
	token, err := m.gw.Register(ctx, email, displayName, password)
	if err != nil {
		return fmt.Errorf("session: register: %w", err)
	}
	return m.adopt(ctx, token)
}

// Login authenticates, persists the issued token, resolves the profile, and
// connects the realtime channel. On failure the prior state is left
// untouched and no token is written.
func (m *Manager) Login(ctx context.Context, email, password string) error {
	token, err := m.gw.Login(ctx, email, password)
	if err != nil {
		return fmt.Errorf("session: login: %w", err)
	}
	return m.adopt(ctx, token)
}

// UpdateProfile applies profile changes for the authenticated user. On
// success the in-memory user is replaced; on failure it is left untouched.
func (m *Manager) UpdateProfile(ctx context.Context, upd api.ProfileUpdate) error {
	m.mu.Lock()
	authed := m.status == StatusAuthenticated
	m.mu.Unlock()
	if !authed {
		return ErrNotAuthenticated
	}

	user, err := m.gw.UpdateProfile(ctx, upd)
	if err != nil {
		return fmt.Errorf("session: update profile: %w", err)
	}

	m.mu.Lock()
	m.user = user
	m.mu.Unlock()
	return nil
}

// Logout discards the credential, transitions to anonymous, and disconnects
// the realtime channel. It always succeeds locally and is idempotent; the
// credential delete is best effort.
func (m *Manager) Logout() {
	m.setAnonymous()
	if err := m.creds.DeleteToken(context.Background()); err != nil {
		log.Printf("session: credential delete failed: %v", err)
	}
	m.rt.Disconnect()
}

// adopt persists a freshly issued token, takes it into memory, and runs the
// profile verification that completes login/register.
func (m *Manager) adopt(ctx context.Context, token string) error {
	if err := m.creds.SetToken(ctx, token); err != nil {
		return fmt.Errorf("session: persist credential: %w", err)
	}
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
	return m.verify(ctx)
}

// verify fetches the profile with the in-memory token. Success transitions
// to authenticated and connects the realtime channel; failure discards the
// credential and transitions to anonymous.
func (m *Manager) verify(ctx context.Context) error {
	user, err := m.gw.Profile(ctx)
	if err != nil {
		log.Printf("session: verification failed, discarding credential: %v", err)
		if derr := m.creds.DeleteToken(ctx); derr != nil {
			log.Printf("session: credential delete failed: %v", derr)
		}
		m.setAnonymous()
		return fmt.Errorf("session: verify: %w", err)
	}

	m.mu.Lock()
	m.status = StatusAuthenticated
	m.user = user
	m.mu.Unlock()
	log.Printf("session: authenticated user=%s", user.ID)

	// A failed connect leaves the session authenticated with the channel
	// down; there is no automatic retry, the next CheckSession reconnects.
	if err := m.rt.Connect(ctx, user.ID); err != nil {
		log.Printf("session: realtime connect failed: %v", err)
	}
	return nil
}

// setAnonymous clears authentication state.
func (m *Manager) setAnonymous() {
	m.mu.Lock()
	m.status = StatusAnonymous
	m.user = nil
	m.token = ""
	m.mu.Unlock()
}
