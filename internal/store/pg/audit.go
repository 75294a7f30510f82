package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"wattguard.io/internal/auth"
)

// auditLockKey serializes appends across every writer of one database.
const auditLockKey int64 = 0x77617474_61756474

type auditRepo struct{ db *sql.DB }

const auditColumns = `seq, id, occurred_at, principal_id, tenant_id, session_id, action, resource_type,
	resource_id, decision, reason, source_ip, request_id, prev_hash, hash`

func scanAudit(row rowScanner) (auth.AuditEntry, error) {
	var e auth.AuditEntry
	err := row.Scan(&e.Seq, &e.ID, &e.OccurredAt, &e.PrincipalID, &e.TenantID, &e.SessionID, &e.Action,
		&e.ResourceType, &e.ResourceID, &e.Decision, &e.Reason, &e.SourceIP, &e.RequestID, &e.PrevHash, &e.Hash)
	e.OccurredAt = e.OccurredAt.UTC()
	return e, err
}

// Append takes a transaction-scoped advisory lock, reads the chain head and inserts the
// sealed entry before releasing it, so seq and prev_hash never fork.
func (r auditRepo) Append(ctx context.Context, entry *auth.AuditEntry) error {
	// timestamptz keeps microseconds; the hash must cover what is stored.
	entry.OccurredAt = entry.OccurredAt.UTC().Truncate(time.Microsecond)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, auditLockKey); err != nil {
		return fmt.Errorf("lock audit chain: %w", err)
	}
	var (
		seq  int64
		prev string
	)
	err = tx.QueryRowContext(ctx, `select seq, hash from audit_log order by seq desc limit 1`).Scan(&seq, &prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read audit head: %w", err)
	}
	entry.Seq = seq + 1
	auth.SealAuditEntry(entry, prev)

	if _, err := tx.ExecContext(ctx, `
		insert into audit_log(`+auditColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, entry.Seq, entry.ID, entry.OccurredAt, entry.PrincipalID, entry.TenantID, entry.SessionID, entry.Action,
		entry.ResourceType, entry.ResourceID, entry.Decision, entry.Reason, entry.SourceIP, entry.RequestID,
		entry.PrevHash, entry.Hash); err != nil {
		return writeErr("append audit", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r auditRepo) Head(ctx context.Context) (*auth.AuditEntry, error) {
	e, err := scanAudit(r.db.QueryRowContext(ctx, `select `+auditColumns+` from audit_log order by seq desc limit 1`))
	if err != nil {
		return nil, readErr("audit head", err)
	}
	return &e, nil
}

// Export streams matching rows ordered by time then sequence. From is inclusive, To exclusive.
func (r auditRepo) Export(ctx context.Context, filter auth.AuditFilter, fn func(auth.AuditEntry) error) error {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.TenantID != "" {
		add("tenant_id = $%d", filter.TenantID)
	}
	if !filter.From.IsZero() {
		add("occurred_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("occurred_at < $%d", filter.To)
	}
	query := `select ` + auditColumns + ` from audit_log`
	if len(where) > 0 {
		query += ` where ` + strings.Join(where, " and ")
	}
	query += ` order by occurred_at asc, seq asc`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` limit $%d`, len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("export audit: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return fmt.Errorf("scan audit entry: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}
