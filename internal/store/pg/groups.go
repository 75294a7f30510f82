package pg

import (
	"context"
	"database/sql"
	"fmt"

	"wattguard.io/internal/auth"
)

// groupLockClass is the first key of the per-tenant advisory lock guarding the group tree.
const groupLockClass int32 = 0x67727073

type groupRepo struct{ db *sql.DB }

func scanGroup(row rowScanner) (auth.DeviceGroup, error) {
	var (
		g      auth.DeviceGroup
		parent sql.NullString
	)
	if err := row.Scan(&g.ID, &g.TenantID, &parent, &g.Name, &g.CreatedAt); err != nil {
		return auth.DeviceGroup{}, err
	}
	g.ParentID = parent.String
	return g, nil
}

func (r groupRepo) Create(ctx context.Context, g *auth.DeviceGroup) error {
	_, err := r.db.ExecContext(ctx, `
		insert into device_groups(id, tenant_id, parent_id, name, created_at)
		values ($1, $2, $3, $4, $5)
	`, g.ID, g.TenantID, nullIfEmpty(g.ParentID), g.Name, g.CreatedAt)
	return writeErr("create group", err)
}

func (r groupRepo) Get(ctx context.Context, id string) (*auth.DeviceGroup, error) {
	g, err := scanGroup(r.db.QueryRowContext(ctx, `
		select id, tenant_id, parent_id, name, created_at from device_groups where id = $1
	`, id))
	if err != nil {
		return nil, readErr("get group", err)
	}
	return &g, nil
}

// Reparent serializes moves per tenant with a transaction-scoped advisory lock, so two
// concurrent moves cannot both pass the ancestry check and close a loop.
func (r groupRepo) Reparent(ctx context.Context, id, parentID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var tenantID string
	if err := tx.QueryRowContext(ctx, `select tenant_id from device_groups where id = $1`, id).Scan(&tenantID); err != nil {
		return readErr("move group", err)
	}
	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1, hashtext($2))`, groupLockClass, tenantID); err != nil {
		return fmt.Errorf("lock group tree: %w", err)
	}
	if parentID != "" {
		var (
			walked int
			cycle  bool
		)
		err := tx.QueryRowContext(ctx, `
			with recursive ancestry(id, parent_id, depth) as (
				select id, parent_id, 1 from device_groups where id = $1
				union all
				select g.id, g.parent_id, a.depth + 1
				from device_groups g join ancestry a on g.id = a.parent_id
				where a.depth < $3
			)
			select count(*), coalesce(bool_or(id = $2), false) from ancestry
		`, parentID, id, auth.MaxGroupDepth).Scan(&walked, &cycle)
		if err != nil {
			return fmt.Errorf("walk ancestry: %w", err)
		}
		switch {
		case walked == 0:
			return auth.ErrNotFound
		case cycle:
			return fmt.Errorf("%w: %s would become its own ancestor", auth.ErrCycle, id)
		case walked >= auth.MaxGroupDepth:
			return fmt.Errorf("%w: ancestry of %s is malformed", auth.ErrCycle, parentID)
		}
	}
	res, err := tx.ExecContext(ctx, `update device_groups set parent_id = $2 where id = $1`, id, nullIfEmpty(parentID))
	if err != nil {
		return writeErr("move group", err)
	}
	if err := affected(res, "move group"); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r groupRepo) Children(ctx context.Context, id string) ([]auth.DeviceGroup, error) {
	rows, err := r.db.QueryContext(ctx, `
		select id, tenant_id, parent_id, name, created_at
		from device_groups where parent_id = $1
		order by id asc
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()
	var out []auth.DeviceGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
