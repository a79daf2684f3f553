package identity

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mahmoudgadmostafa/al-madrasa/internal/crypto"
)

type memoryCredential struct {
	uid      string
	email    string
	hash     string
	disabled bool
}

// MemoryProvider keeps credentials in-process. It backs tests and local
// runs without a database, with the same semantics as the Postgres
// provider.
type MemoryProvider struct {
	mu           sync.Mutex
	byEmail      map[string]*memoryCredential
	byUID        map[string]*memoryCredential
	recentWindow time.Duration
	broker       *broker
}

func NewMemoryProvider(recentWindow time.Duration) *MemoryProvider {
	return &MemoryProvider{
		byEmail:      map[string]*memoryCredential{},
		byUID:        map[string]*memoryCredential{},
		recentWindow: recentWindow,
		broker:       newBroker(),
	}
}

func (p *MemoryProvider) SignIn(_ context.Context, email, password string) (Session, error) {
	email = strings.TrimSpace(strings.ToLower(email))

	p.mu.Lock()
	cred, ok := p.byEmail[email]
	p.mu.Unlock()
	if !ok || cred.disabled {
		return Session{}, ErrInvalidCredentials
	}
	if err := crypto.CheckPassword(cred.hash, password); err != nil {
		return Session{}, ErrInvalidCredentials
	}
	return p.broker.signIn(cred.uid, email), nil
}

func (p *MemoryProvider) SignOut(_ context.Context, uid string) error {
	p.broker.signOut(uid)
	return nil
}

func (p *MemoryProvider) OnSessionChanged(fn SessionCallback) func() {
	return p.broker.subscribe(fn)
}

func (p *MemoryProvider) CurrentSession(uid string) (Session, bool) {
	return p.broker.current(uid)
}

func (p *MemoryProvider) UpdateEmail(_ context.Context, uid, newEmail string) error {
	if err := p.broker.requireRecent(uid, p.recentWindow); err != nil {
		return err
	}
	newEmail = strings.TrimSpace(strings.ToLower(newEmail))

	p.mu.Lock()
	defer p.mu.Unlock()
	cred, ok := p.byUID[uid]
	if !ok {
		return ErrNotFound
	}
	if other, exists := p.byEmail[newEmail]; exists && other.uid != uid {
		return ErrEmailInUse
	}
	delete(p.byEmail, cred.email)
	cred.email = newEmail
	p.byEmail[newEmail] = cred
	return nil
}

func (p *MemoryProvider) UpdatePassword(_ context.Context, uid, newPassword string) error {
	if err := p.broker.requireRecent(uid, p.recentWindow); err != nil {
		return err
	}
	hash, err := crypto.HashPassword(newPassword)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	cred, ok := p.byUID[uid]
	if !ok {
		return ErrNotFound
	}
	cred.hash = hash
	return nil
}

func (p *MemoryProvider) CreateUser(_ context.Context, uid, email, password string) error {
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return err
	}
	email = strings.TrimSpace(strings.ToLower(email))

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.byEmail[email]; exists {
		return ErrEmailInUse
	}
	cred := &memoryCredential{uid: uid, email: email, hash: hash}
	p.byEmail[email] = cred
	p.byUID[uid] = cred
	return nil
}

func (p *MemoryProvider) DeleteUser(_ context.Context, uid string) error {
	p.mu.Lock()
	cred, ok := p.byUID[uid]
	if ok {
		delete(p.byEmail, cred.email)
		delete(p.byUID, uid)
	}
	p.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	p.broker.signOut(uid)
	return nil
}
