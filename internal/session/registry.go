package session

import (
	"context"
	"sync"
)

// Registry runs one Manager per authenticated principal. Managers are
// created on login and torn down on logout or eviction. They live on
// the registry's base context, not on any request context.
type Registry struct {
	baseCtx context.Context
	factory func() *Manager

	mu       sync.Mutex
	managers map[string]*Manager
}

func NewRegistry(baseCtx context.Context, factory func() *Manager) *Registry {
	return &Registry{
		baseCtx:  baseCtx,
		factory:  factory,
		managers: map[string]*Manager{},
	}
}

// Login creates a fresh manager, runs the login through it and, on
// success, registers it under the authenticated uid. Any previous
// manager for the same uid is closed first.
func (r *Registry) Login(ctx context.Context, identifier, password string) (*Manager, LoginResult, error) {
	m := r.factory()
	// Bind before Start: the provider broadcasts every sign-in, and an
	// unbound manager would latch onto whichever arrives first.
	m.Bind(identifier)
	m.Start(r.baseCtx)

	result, err := m.Login(ctx, identifier, password)
	if err != nil {
		m.Close()
		return nil, LoginResult{}, err
	}

	r.mu.Lock()
	if old, ok := r.managers[result.User.UID]; ok {
		old.Close()
	}
	r.managers[result.User.UID] = m
	r.mu.Unlock()
	return m, result, nil
}

// Get returns the live manager for uid, if any.
func (r *Registry) Get(uid string) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[uid]
	return m, ok
}

// Logout signs the principal out and removes its manager.
func (r *Registry) Logout(ctx context.Context, uid string) error {
	r.mu.Lock()
	m, ok := r.managers[uid]
	delete(r.managers, uid)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	err := m.Logout(ctx)
	m.Close()
	return err
}

// Evict drops a manager without a provider sign-out. Used when the
// manager already resolved to Unauthenticated on its own.
func (r *Registry) Evict(uid string) {
	r.mu.Lock()
	m, ok := r.managers[uid]
	delete(r.managers, uid)
	r.mu.Unlock()
	if ok {
		m.Close()
	}
}

// Close tears down every manager. Called on server shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	managers := r.managers
	r.managers = map[string]*Manager{}
	r.mu.Unlock()
	for _, m := range managers {
		m.Close()
	}
}
