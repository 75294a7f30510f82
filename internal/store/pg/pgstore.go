// Package pg implements auth.Store on PostgreSQL through database/sql and the pgx driver.
package pg

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"wattguard.io/internal/auth"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Store is the PostgreSQL repository set.
type Store struct {
	db *sql.DB
}

var _ auth.Store = (*Store)(nil)

// PoolConfig tunes the connection pool. Zero values keep the defaults.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Open connects through the pgx stdlib driver.
func Open(dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(orDefault(pool.MaxOpenConns, 20))
	db.SetMaxIdleConns(orDefault(pool.MaxIdleConns, 10))
	db.SetConnMaxLifetime(orDefaultDuration(pool.ConnMaxLifetime, 30*time.Minute))
	db.SetConnMaxIdleTime(orDefaultDuration(pool.ConnMaxIdleTime, 5*time.Minute))
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Principals() auth.CredentialStore  { return principalRepo{s.db} }
func (s *Store) Tenants() auth.TenantStore         { return tenantRepo{s.db} }
func (s *Store) Roles() auth.RoleStore             { return roleRepo{s.db} }
func (s *Store) Permissions() auth.PermissionStore { return permissionRepo{s.db} }
func (s *Store) Groups() auth.GroupStore           { return groupRepo{s.db} }
func (s *Store) Resources() auth.ResourceStore     { return resourceRepo{s.db} }
func (s *Store) Audit() auth.AuditStore            { return auditRepo{s.db} }

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func orDefaultDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// writeErr maps constraint violations onto repository errors.
func writeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%s: %w", op, auth.ErrConflict)
		case pgErrForeignKeyViolation:
			return fmt.Errorf("%s: %w", op, auth.ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// readErr maps a missing row onto ErrNotFound.
func readErr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

// affected turns a zero-row update into ErrNotFound.
func affected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func normalizeIdentifier(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func marshalMap(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
