package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"wattguard.io/internal/auth"
)

type permissionRepo struct{ db *sql.DB }

// Ensure upserts catalog entries in one transaction.
func (r permissionRepo) Ensure(ctx context.Context, perms []auth.Permission) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range perms {
		var cond []byte
		if p.Condition != nil {
			if cond, err = json.Marshal(p.Condition); err != nil {
				return fmt.Errorf("%w: condition of %s: %v", auth.ErrInvalidInput, p.Name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			insert into permissions(name, resource_type, action, description, condition)
			values ($1, $2, $3, $4, $5)
			on conflict (name) do update
			set resource_type = excluded.resource_type, action = excluded.action,
				description = excluded.description, condition = excluded.condition
		`, p.Name, p.ResourceType, p.Action, p.Description, cond); err != nil {
			return writeErr("ensure permission", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func scanPermission(row rowScanner) (auth.Permission, error) {
	var (
		p    auth.Permission
		cond []byte
	)
	if err := row.Scan(&p.Name, &p.ResourceType, &p.Action, &p.Description, &cond); err != nil {
		return auth.Permission{}, err
	}
	c, err := auth.ParseCondition(cond)
	if err != nil {
		return auth.Permission{}, fmt.Errorf("decode condition of %s: %w", p.Name, err)
	}
	p.Condition = c
	return p, nil
}

func (r permissionRepo) Get(ctx context.Context, name string) (*auth.Permission, error) {
	p, err := scanPermission(r.db.QueryRowContext(ctx, `
		select name, resource_type, action, description, condition
		from permissions where name = $1
	`, name))
	if err != nil {
		return nil, readErr("get permission", err)
	}
	return &p, nil
}

func (r permissionRepo) List(ctx context.Context) ([]auth.Permission, error) {
	rows, err := r.db.QueryContext(ctx, `
		select name, resource_type, action, description, condition
		from permissions order by name asc
	`)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	defer rows.Close()
	var out []auth.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r permissionRepo) Grant(ctx context.Context, g *auth.UserPermission) error {
	_, err := r.db.ExecContext(ctx, `
		insert into user_permissions(id, principal_id, tenant_id, permission, resource_id, effect,
			active, granted_by, granted_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, g.ID, g.PrincipalID, g.TenantID, g.Permission, g.ResourceID, string(g.Effect),
		g.Active, g.GrantedBy, g.GrantedAt)
	return writeErr("grant permission", err)
}

func (r permissionRepo) RevokeGrant(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `update user_permissions set active = false where id = $1`, id)
	if err != nil {
		return fmt.Errorf("revoke grant: %w", err)
	}
	return affected(res, "revoke grant")
}

func (r permissionRepo) ActiveGrants(ctx context.Context, principalID, tenantID, permission string) ([]auth.UserPermission, error) {
	rows, err := r.db.QueryContext(ctx, `
		select id, principal_id, tenant_id, permission, resource_id, effect, active, granted_by, granted_at
		from user_permissions
		where principal_id = $1 and tenant_id = $2 and permission = $3 and active
		order by id asc
	`, principalID, tenantID, permission)
	if err != nil {
		return nil, fmt.Errorf("active grants: %w", err)
	}
	defer rows.Close()
	var out []auth.UserPermission
	for rows.Next() {
		var (
			g      auth.UserPermission
			effect string
		)
		if err := rows.Scan(&g.ID, &g.PrincipalID, &g.TenantID, &g.Permission, &g.ResourceID,
			&effect, &g.Active, &g.GrantedBy, &g.GrantedAt); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		g.Effect = auth.Effect(effect)
		out = append(out, g)
	}
	return out, rows.Err()
}
