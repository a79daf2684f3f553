// Package session owns the authenticated-user lifecycle. Two
// independent asynchronous sources feed it: the identity provider's
// session-changed events and a live watch on the matching profile
// document. A single transition function reconciles both into one
// consistent {user, isAuthenticated, loading} view.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mahmoudgadmostafa/al-madrasa/internal/identity"
	"github.com/mahmoudgadmostafa/al-madrasa/internal/logger"
	"github.com/mahmoudgadmostafa/al-madrasa/internal/model"
	"github.com/mahmoudgadmostafa/al-madrasa/internal/store"
)

var (
	// ErrInvalidCredentials is surfaced for any failed login, including
	// a confirmed credential whose profile is missing or roleless.
	ErrInvalidCredentials = identity.ErrInvalidCredentials
	// ErrSessionInvalid marks a live session invalidated because its
	// profile disappeared or lost its role.
	ErrSessionInvalid = errors.New("session invalid")
	// ErrNotAuthenticated is returned by operations that need a user.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// State enumerates the session machine states.
type State int

const (
	StateUnknown State = iota
	StateChecking
	StateAuthenticated
	StateUnauthenticated
)

func (s State) String() string {
	switch s {
	case StateChecking:
		return "checking"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// Snapshot is the consistent view exposed to dependents.
type Snapshot struct {
	State           State
	User            *model.UserProfile
	IsAuthenticated bool
	Loading         bool
}

// Config carries the session policy knobs.
type Config struct {
	// EmailDomain is appended to identifiers entered without "@".
	EmailDomain string
	// ResolveTimeout bounds how long the machine may stay in Checking
	// before resolving to Unauthenticated.
	ResolveTimeout time.Duration
}

// LoginResult reports a successful login.
type LoginResult struct {
	User  model.UserProfile
	Route string
}

type eventKind int

const (
	evSessionChanged eventKind = iota
	evProfileChanged
	evLogoutRequested
	evResolveTimeout
)

type event struct {
	kind           eventKind
	uid            string
	session        *identity.Session
	profile        *model.UserProfile
	profileMissing bool
	// gen ties profile and timeout events to the watch/checking cycle
	// that produced them; stale generations are ignored.
	gen int
}

// action is a side effect decided by the transition function and
// executed after the state lock is released.
type action func()

// Manager reconciles provider session events and live profile updates
// for one principal. At most one profile watch is active at any time.
type Manager struct {
	provider identity.Provider
	store    store.Store
	log      *logger.Logger
	cfg      Config

	mu         sync.Mutex
	state      State
	user       *model.UserProfile
	session    *identity.Session
	boundUID   string
	boundEmail string

	watchStop store.UnsubscribeFunc
	watchUID  string
	gen       int

	resolveTimer *time.Timer

	providerUnsub func()
	subs          map[int]chan struct{}
	nextSub       int
	started       bool
	runCtx        context.Context
}

func NewManager(provider identity.Provider, st store.Store, log *logger.Logger, cfg Config) *Manager {
	return &Manager{
		provider: provider,
		store:    st,
		log:      log,
		cfg:      cfg,
		state:    StateUnknown,
		subs:     map[int]chan struct{}{},
	}
}

// Start attaches to provider session events and moves the machine out
// of Unknown. If no session resolves within the bound, the machine
// settles at Unauthenticated rather than hanging.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.runCtx = ctx
	m.state = StateChecking
	actions := []action{m.armResolveTimerLocked()}
	m.mu.Unlock()
	m.run(actions)
	m.notify()

	m.providerUnsub = m.provider.OnSessionChanged(func(uid string, session *identity.Session) {
		m.dispatch(event{kind: evSessionChanged, uid: uid, session: session})
	})
}

// Bind restricts the manager to the principal owning identifier's
// credential, before the provider has confirmed it. The provider fans
// every sign-in to all subscribers, so an unbound manager could claim
// the first session event it sees regardless of whose login produced
// it; binding before Start closes that window. The uid locks in on the
// first matching session event.
func (m *Manager) Bind(identifier string) {
	email := NormalizeIdentifier(identifier, m.cfg.EmailDomain)
	m.mu.Lock()
	if m.boundUID == "" {
		m.boundEmail = email
	}
	m.mu.Unlock()
}

// Close tears down the provider subscription, any profile watch and the
// resolve timer. The manager must not be reused afterwards.
func (m *Manager) Close() {
	if m.providerUnsub != nil {
		m.providerUnsub()
	}
	m.mu.Lock()
	stop := m.watchStop
	m.watchStop = nil
	m.watchUID = ""
	m.gen++
	if m.resolveTimer != nil {
		m.resolveTimer.Stop()
		m.resolveTimer = nil
	}
	m.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Snapshot returns the current consistent view.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// snapshotLocked requires m.mu held.
func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{State: m.state}
	snap.Loading = m.state == StateUnknown || m.state == StateChecking
	if m.state == StateAuthenticated && m.user != nil && m.user.HasRole() {
		user := *m.user
		snap.User = &user
		snap.IsAuthenticated = true
	}
	return snap
}

// NormalizeIdentifier turns a human-entered identifier into the
// provider credential form: identifiers without a domain separator get
// the configured suffix appended.
func NormalizeIdentifier(identifier, domain string) string {
	identifier = strings.TrimSpace(strings.ToLower(identifier))
	if identifier == "" {
		return identifier
	}
	if !strings.Contains(identifier, "@") {
		identifier = identifier + "@" + domain
	}
	return identifier
}

// Login signs in, waits for the machine to resolve both the provider
// session and a role-bearing profile, and reports the role landing
// route. A failed login leaves the prior session state untouched.
func (m *Manager) Login(ctx context.Context, identifier, password string) (LoginResult, error) {
	email := NormalizeIdentifier(identifier, m.cfg.EmailDomain)
	m.Bind(email)

	// The provider fires its session-changed callback synchronously
	// inside SignIn, so on success the machine is already in Checking
	// (or further) by the time SignIn returns. On failure nothing was
	// dispatched and the prior state is untouched.
	session, err := m.provider.SignIn(ctx, email, password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	snap, err := m.waitResolved(ctx, session.UID)
	if err != nil {
		_ = m.provider.SignOut(ctx, session.UID)
		return LoginResult{}, err
	}
	if !snap.IsAuthenticated {
		// Credential confirmed but no role-bearing profile: invalid
		// session, sign the provider session back out.
		_ = m.provider.SignOut(ctx, session.UID)
		return LoginResult{}, fmt.Errorf("%w: no role-bearing profile", ErrInvalidCredentials)
	}
	return LoginResult{User: *snap.User, Route: snap.User.LandingRoute()}, nil
}

// Logout signs out at the provider and clears local state. When it
// returns, IsAuthenticated is false.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	uid := ""
	if m.session != nil {
		uid = m.session.UID
	}
	m.mu.Unlock()

	m.dispatch(event{kind: evLogoutRequested})
	if uid != "" {
		if err := m.provider.SignOut(ctx, uid); err != nil {
			return err
		}
	}
	return nil
}

// UpdateProfile merges partial fields into the profile document and the
// in-memory copy. Errors are returned without retry.
func (m *Manager) UpdateProfile(ctx context.Context, partial map[string]any) error {
	m.mu.Lock()
	if m.state != StateAuthenticated || m.user == nil {
		m.mu.Unlock()
		return ErrNotAuthenticated
	}
	uid := m.user.UID
	m.mu.Unlock()

	if err := m.store.Set(ctx, model.CollectionUsers, uid, partial, true); err != nil {
		return fmt.Errorf("update profile: %w", err)
	}

	m.mu.Lock()
	if m.user != nil && m.user.UID == uid {
		updated := *m.user
		if err := model.FromDoc(partial, &updated); err == nil {
			m.user = &updated
		}
	}
	m.mu.Unlock()
	m.notify()
	return nil
}

// UpdateEmail delegates to the provider and keeps the profile document
// in sync. ErrRequiresRecentLogin passes through untouched so callers
// can force a fresh login.
func (m *Manager) UpdateEmail(ctx context.Context, newEmail string) error {
	m.mu.Lock()
	if m.state != StateAuthenticated || m.user == nil {
		m.mu.Unlock()
		return ErrNotAuthenticated
	}
	uid := m.user.UID
	current := m.user.Email
	m.mu.Unlock()

	if newEmail == current {
		return nil
	}
	if err := m.provider.UpdateEmail(ctx, uid, newEmail); err != nil {
		return err
	}
	return m.UpdateProfile(ctx, map[string]any{"email": newEmail})
}

// UpdatePassword delegates to the provider.
func (m *Manager) UpdatePassword(ctx context.Context, newPassword string) error {
	m.mu.Lock()
	if m.state != StateAuthenticated || m.user == nil {
		m.mu.Unlock()
		return ErrNotAuthenticated
	}
	uid := m.user.UID
	m.mu.Unlock()
	return m.provider.UpdatePassword(ctx, uid, newPassword)
}

// dispatch feeds one tagged event through the transition function and
// then executes the decided side effects without holding the lock.
func (m *Manager) dispatch(ev event) {
	m.mu.Lock()
	actions := m.apply(ev)
	m.mu.Unlock()
	m.run(actions)
	m.notify()
}

func (m *Manager) run(actions []action) {
	for _, act := range actions {
		if act != nil {
			act()
		}
	}
}

// apply is the single authoritative transition function. It requires
// m.mu held and must not call the provider or the store directly; side
// effects are returned as actions.
func (m *Manager) apply(ev event) []action {
	switch ev.kind {
	case evLogoutRequested:
		actions := m.teardownWatchLocked()
		m.session = nil
		m.user = nil
		m.state = StateUnauthenticated
		return append(actions, m.stopResolveTimerLocked())

	case evSessionChanged:
		if m.boundUID != "" && ev.uid != m.boundUID {
			return nil
		}
		if m.boundUID == "" && m.boundEmail != "" &&
			(ev.session == nil || ev.session.Email != m.boundEmail) {
			return nil
		}
		if ev.session == nil {
			if m.session == nil || m.session.UID != ev.uid {
				return nil
			}
			actions := m.teardownWatchLocked()
			m.session = nil
			m.user = nil
			m.state = StateUnauthenticated
			return append(actions, m.stopResolveTimerLocked())
		}

		session := *ev.session
		m.session = &session
		if m.boundUID == "" {
			m.boundUID = ev.uid
		}
		if m.watchUID == ev.uid && m.watchStop != nil {
			return nil
		}
		// The subject changed: the old watch must be torn down before
		// the new one starts, so a stale subscription can never observe
		// the wrong user's profile.
		actions := m.teardownWatchLocked()
		m.state = StateChecking
		actions = append(actions, m.armResolveTimerLocked(), m.startWatchAction(ev.uid))
		return actions

	case evProfileChanged:
		if ev.gen != m.gen || m.session == nil || m.session.UID != ev.uid {
			return nil
		}
		if ev.profileMissing || ev.profile == nil || !ev.profile.HasRole() {
			// Defensive same-tick sign-out: the profile vanished or
			// lost its role while the provider session is still live.
			uid := ev.uid
			actions := m.teardownWatchLocked()
			m.session = nil
			m.user = nil
			m.state = StateUnauthenticated
			actions = append(actions, m.stopResolveTimerLocked(), func() {
				_ = m.provider.SignOut(context.WithoutCancel(m.runCtx), uid)
			})
			return actions
		}
		profile := *ev.profile
		profile.UID = ev.uid
		if profile.Email == "" {
			profile.Email = m.session.Email
		}
		m.user = &profile
		m.state = StateAuthenticated
		return []action{m.stopResolveTimerLocked()}

	case evResolveTimeout:
		if ev.gen != m.gen || m.state != StateChecking {
			return nil
		}
		uid := ""
		if m.session != nil {
			uid = m.session.UID
		}
		actions := m.teardownWatchLocked()
		m.session = nil
		m.user = nil
		m.state = StateUnauthenticated
		if uid != "" {
			actions = append(actions, func() {
				_ = m.provider.SignOut(context.WithoutCancel(m.runCtx), uid)
			})
		}
		return actions
	}
	return nil
}

// teardownWatchLocked invalidates the current watch generation and
// returns the action that stops the watch. Requires m.mu held.
func (m *Manager) teardownWatchLocked() []action {
	m.gen++
	stop := m.watchStop
	m.watchStop = nil
	m.watchUID = ""
	if stop == nil {
		return nil
	}
	return []action{func() { stop() }}
}

// startWatchAction opens the profile watch for uid under the current
// generation. Requires m.mu held when building; the action itself runs
// unlocked.
func (m *Manager) startWatchAction(uid string) action {
	gen := m.gen
	return func() {
		ctx := m.runCtx
		if ctx == nil {
			ctx = context.Background()
		}
		events, stop, err := m.store.Watch(ctx, store.Query{
			Collection: model.CollectionUsers,
			DocID:      uid,
		})
		if err != nil {
			if m.log != nil {
				m.log.Error("profile watch failed", "uid", uid, "error", err)
			}
			m.dispatch(event{kind: evProfileChanged, uid: uid, profileMissing: true, gen: gen})
			return
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			stop()
			return
		}
		m.watchStop = stop
		m.watchUID = uid
		m.mu.Unlock()

		go func() {
			for ev := range events {
				if ev.Err != nil {
					if m.log != nil {
						m.log.Error("profile watch event", "uid", uid, "error", ev.Err)
					}
					continue
				}
				next := event{kind: evProfileChanged, uid: uid, gen: gen}
				if len(ev.Docs) == 0 {
					next.profileMissing = true
				} else {
					var profile model.UserProfile
					if err := model.FromDoc(ev.Docs[0].Data, &profile); err != nil {
						if m.log != nil {
							m.log.Error("decode profile", "uid", uid, "error", err)
						}
						continue
					}
					next.profile = &profile
				}
				m.dispatch(next)
			}
		}()
	}
}

// armResolveTimerLocked (re)arms the bounded-resolution timer for the
// current generation. Requires m.mu held.
func (m *Manager) armResolveTimerLocked() action {
	if m.resolveTimer != nil {
		m.resolveTimer.Stop()
	}
	if m.cfg.ResolveTimeout <= 0 {
		return nil
	}
	gen := m.gen
	timer := time.AfterFunc(m.cfg.ResolveTimeout, func() {
		m.dispatch(event{kind: evResolveTimeout, gen: gen})
	})
	m.resolveTimer = timer
	return nil
}

// stopResolveTimerLocked requires m.mu held.
func (m *Manager) stopResolveTimerLocked() action {
	timer := m.resolveTimer
	m.resolveTimer = nil
	if timer == nil {
		return nil
	}
	return func() { timer.Stop() }
}

// Subscribe registers for state-change notifications. The channel gets
// a coalesced signal; read Snapshot for the current view.
func (m *Manager) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Manager) notify() {
	m.mu.Lock()
	for _, ch := range m.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	m.mu.Unlock()
}

// waitResolved blocks until the machine leaves Checking with a verdict
// for uid, or the resolution bound expires.
func (m *Manager) waitResolved(ctx context.Context, uid string) (Snapshot, error) {
	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	deadline := time.NewTimer(m.resolveBound())
	defer deadline.Stop()

	for {
		snap := m.Snapshot()
		switch snap.State {
		case StateAuthenticated:
			if snap.User != nil && snap.User.UID == uid {
				return snap, nil
			}
		case StateUnauthenticated:
			return snap, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		case <-deadline.C:
			return Snapshot{State: StateUnauthenticated}, nil
		}
	}
}

func (m *Manager) resolveBound() time.Duration {
	if m.cfg.ResolveTimeout > 0 {
		return m.cfg.ResolveTimeout
	}
	return 10 * time.Second
}
