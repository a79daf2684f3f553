// Package identity implements the credential side of authentication:
// email/password verification, the per-user current-session notion, and
// session-changed events the session manager consumes.
package identity

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrInvalidCredentials covers unknown user, wrong password and
	// malformed credential alike; callers present a single message.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrRequiresRecentLogin guards sensitive changes: the current
	// session is too old and the caller must sign in again first.
	ErrRequiresRecentLogin = errors.New("requires recent login")
	// ErrEmailInUse is returned when a credential email collides.
	ErrEmailInUse = errors.New("email already in use")
	// ErrNotFound is returned for operations on unknown users.
	ErrNotFound = errors.New("user not found")
)

// Session is the provider's transient record of a signed-in user.
type Session struct {
	UID             string
	Email           string
	AuthenticatedAt time.Time
}

// SessionCallback receives session-changed events. A nil session means
// the user signed out or was invalidated.
type SessionCallback func(uid string, session *Session)

// Provider issues and verifies credentials and exposes the current
// session per user.
type Provider interface {
	SignIn(ctx context.Context, email, password string) (Session, error)
	SignOut(ctx context.Context, uid string) error
	// OnSessionChanged registers a callback fired synchronously on every
	// sign-in and sign-out. The returned func unregisters it.
	OnSessionChanged(fn SessionCallback) func()
	// CurrentSession reports the live session for uid, if any.
	CurrentSession(uid string) (Session, bool)

	UpdateEmail(ctx context.Context, uid, newEmail string) error
	UpdatePassword(ctx context.Context, uid, newPassword string) error

	// CreateUser provisions a credential; DeleteUser removes it and
	// invalidates any live session.
	CreateUser(ctx context.Context, uid, email, password string) error
	DeleteUser(ctx context.Context, uid string) error
}

// broker tracks live sessions and fans session-changed events out to
// subscribers. Shared by both provider implementations.
type broker struct {
	mu       sync.RWMutex
	sessions map[string]Session
	subs     map[int]SessionCallback
	nextSub  int
}

func newBroker() *broker {
	return &broker{
		sessions: map[string]Session{},
		subs:     map[int]SessionCallback{},
	}
}

func (b *broker) subscribe(fn SessionCallback) func() {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *broker) current(uid string) (Session, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	session, ok := b.sessions[uid]
	return session, ok
}

func (b *broker) signIn(uid, email string) Session {
	session := Session{UID: uid, Email: email, AuthenticatedAt: time.Now().UTC()}
	b.mu.Lock()
	b.sessions[uid] = session
	subs := b.snapshotSubs()
	b.mu.Unlock()
	for _, fn := range subs {
		fn(uid, &session)
	}
	return session
}

func (b *broker) signOut(uid string) {
	b.mu.Lock()
	_, existed := b.sessions[uid]
	delete(b.sessions, uid)
	subs := b.snapshotSubs()
	b.mu.Unlock()
	if !existed {
		return
	}
	for _, fn := range subs {
		fn(uid, nil)
	}
}

// snapshotSubs requires b.mu held.
func (b *broker) snapshotSubs() []SessionCallback {
	subs := make([]SessionCallback, 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	return subs
}

// requireRecent enforces the sensitive-operation freshness window.
func (b *broker) requireRecent(uid string, window time.Duration) error {
	session, ok := b.current(uid)
	if !ok {
		return ErrRequiresRecentLogin
	}
	if window > 0 && time.Since(session.AuthenticatedAt) > window {
		return ErrRequiresRecentLogin
	}
	return nil
}
