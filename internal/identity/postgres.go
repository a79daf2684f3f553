package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mahmoudgadmostafa/al-madrasa/internal/crypto"
)

const uniqueViolation = "23505"

// PostgresProvider verifies credentials against the credentials table.
// Live sessions and session-changed events stay in-process.
type PostgresProvider struct {
	pool         *pgxpool.Pool
	recentWindow time.Duration
	broker       *broker
}

func NewPostgresProvider(pool *pgxpool.Pool, recentWindow time.Duration) *PostgresProvider {
	return &PostgresProvider{
		pool:         pool,
		recentWindow: recentWindow,
		broker:       newBroker(),
	}
}

func (p *PostgresProvider) SignIn(ctx context.Context, email, password string) (Session, error) {
	email = strings.TrimSpace(strings.ToLower(email))

	var uid, hash string
	var disabled bool
	row := p.pool.QueryRow(ctx, `
		SELECT uid, password_hash, disabled FROM credentials WHERE email = $1
	`, email)
	if err := row.Scan(&uid, &hash, &disabled); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, err
	}
	if disabled {
		return Session{}, ErrInvalidCredentials
	}
	if err := crypto.CheckPassword(hash, password); err != nil {
		return Session{}, ErrInvalidCredentials
	}
	return p.broker.signIn(uid, email), nil
}

func (p *PostgresProvider) SignOut(_ context.Context, uid string) error {
	p.broker.signOut(uid)
	return nil
}

func (p *PostgresProvider) OnSessionChanged(fn SessionCallback) func() {
	return p.broker.subscribe(fn)
}

func (p *PostgresProvider) CurrentSession(uid string) (Session, bool) {
	return p.broker.current(uid)
}

func (p *PostgresProvider) UpdateEmail(ctx context.Context, uid, newEmail string) error {
	if err := p.broker.requireRecent(uid, p.recentWindow); err != nil {
		return err
	}
	newEmail = strings.TrimSpace(strings.ToLower(newEmail))
	tag, err := p.pool.Exec(ctx, `
		UPDATE credentials SET email = $1, updated_at = now() WHERE uid = $2
	`, newEmail, uid)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrEmailInUse
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresProvider) UpdatePassword(ctx context.Context, uid, newPassword string) error {
	if err := p.broker.requireRecent(uid, p.recentWindow); err != nil {
		return err
	}
	hash, err := crypto.HashPassword(newPassword)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE credentials
		SET password_hash = $1, password_changed_at = now(), updated_at = now()
		WHERE uid = $2
	`, hash, uid)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresProvider) CreateUser(ctx context.Context, uid, email, password string) error {
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return err
	}
	email = strings.TrimSpace(strings.ToLower(email))
	_, err = p.pool.Exec(ctx, `
		INSERT INTO credentials (uid, email, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
	`, uid, email, hash)
	if isUniqueViolation(err) {
		return ErrEmailInUse
	}
	return err
}

func (p *PostgresProvider) DeleteUser(ctx context.Context, uid string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM credentials WHERE uid = $1`, uid)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	p.broker.signOut(uid)
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
