package pg

import (
	"context"
	"database/sql"
	"fmt"

	"wattguard.io/internal/auth"
)

type principalRepo struct{ db *sql.DB }

const principalColumns = `id, identifier, password_hash, status, failed_attempts, lockout_until,
	email_verified, created_at, updated_at`

func scanPrincipal(row rowScanner) (*auth.Principal, error) {
	var (
		p       auth.Principal
		status  string
		lockout sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.Identifier, &p.PasswordHash, &status, &p.FailedAttempts, &lockout,
		&p.EmailVerified, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = auth.PrincipalStatus(status)
	if lockout.Valid {
		p.LockoutUntil = lockout.Time
	}
	return &p, nil
}

func (r principalRepo) Create(ctx context.Context, p *auth.Principal) error {
	_, err := r.db.ExecContext(ctx, `
		insert into principals(`+principalColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ID, p.Identifier, p.PasswordHash, string(p.Status), p.FailedAttempts, nullTime(p.LockoutUntil),
		p.EmailVerified, p.CreatedAt, p.UpdatedAt)
	return writeErr("create principal", err)
}

func (r principalRepo) Get(ctx context.Context, id string) (*auth.Principal, error) {
	p, err := scanPrincipal(r.db.QueryRowContext(ctx, `select `+principalColumns+` from principals where id = $1`, id))
	if err != nil {
		return nil, readErr("get principal", err)
	}
	return p, nil
}

func (r principalRepo) FindByIdentifier(ctx context.Context, identifier string) (*auth.Principal, error) {
	p, err := scanPrincipal(r.db.QueryRowContext(ctx,
		`select `+principalColumns+` from principals where lower(identifier) = $1`, normalizeIdentifier(identifier)))
	if err != nil {
		return nil, readErr("find principal", err)
	}
	return p, nil
}

// Mutate holds the row lock for the duration of fn, which serializes concurrent logins
// for one identifier across every engine instance.
func (r principalRepo) Mutate(ctx context.Context, identifier string, fn func(p *auth.Principal) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanPrincipal(tx.QueryRowContext(ctx,
		`select `+principalColumns+` from principals where lower(identifier) = $1 for update`,
		normalizeIdentifier(identifier)))
	if err != nil {
		return readErr("lock principal", err)
	}
	id := current.ID
	fnErr := fn(current)

	if _, err := tx.ExecContext(ctx, `
		update principals
		set password_hash = $2, status = $3, failed_attempts = $4, lockout_until = $5,
			email_verified = $6, updated_at = $7
		where id = $1
	`, id, current.PasswordHash, string(current.Status), current.FailedAttempts,
		nullTime(current.LockoutUntil), current.EmailVerified, current.UpdatedAt); err != nil {
		return fmt.Errorf("update principal: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return fnErr
}
