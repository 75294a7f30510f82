package pg

import (
	"context"
	"database/sql"
	"fmt"

	"wattguard.io/internal/auth"
)

type tenantRepo struct{ db *sql.DB }

func (r tenantRepo) Create(ctx context.Context, t *auth.Tenant) error {
	cfg, err := marshalMap(t.Config)
	if err != nil {
		return fmt.Errorf("%w: tenant config: %v", auth.ErrInvalidInput, err)
	}
	_, err = r.db.ExecContext(ctx, `
		insert into tenants(id, name, active, config, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6)
	`, t.ID, t.Name, t.Active, cfg, t.CreatedAt, t.UpdatedAt)
	return writeErr("create tenant", err)
}

func (r tenantRepo) Get(ctx context.Context, id string) (*auth.Tenant, error) {
	var (
		t   auth.Tenant
		cfg []byte
	)
	err := r.db.QueryRowContext(ctx, `
		select id, name, active, config, created_at, updated_at
		from tenants where id = $1
	`, id).Scan(&t.ID, &t.Name, &t.Active, &cfg, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, readErr("get tenant", err)
	}
	if t.Config, err = unmarshalMap(cfg); err != nil {
		return nil, fmt.Errorf("decode tenant config: %w", err)
	}
	return &t, nil
}

func (r tenantRepo) SetActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx, `update tenants set active = $2, updated_at = now() where id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("set tenant active: %w", err)
	}
	return affected(res, "set tenant active")
}

// AddMembership replaces an inactive membership; an active one is a conflict.
func (r tenantRepo) AddMembership(ctx context.Context, m auth.Membership) error {
	res, err := r.db.ExecContext(ctx, `
		insert into memberships(principal_id, tenant_id, active, created_at)
		values ($1, $2, $3, $4)
		on conflict (principal_id, tenant_id) do update
		set active = excluded.active, created_at = excluded.created_at
		where not memberships.active
	`, m.PrincipalID, m.TenantID, m.Active, m.CreatedAt)
	if err != nil {
		return writeErr("add membership", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return auth.ErrConflict
	}
	return nil
}

func (r tenantRepo) SetMembershipActive(ctx context.Context, principalID, tenantID string, active bool) error {
	res, err := r.db.ExecContext(ctx, `
		update memberships set active = $3 where principal_id = $1 and tenant_id = $2
	`, principalID, tenantID, active)
	if err != nil {
		return fmt.Errorf("set membership active: %w", err)
	}
	return affected(res, "set membership active")
}

func (r tenantRepo) Membership(ctx context.Context, principalID, tenantID string) (*auth.Membership, error) {
	var m auth.Membership
	err := r.db.QueryRowContext(ctx, `
		select principal_id, tenant_id, active, created_at
		from memberships where principal_id = $1 and tenant_id = $2
	`, principalID, tenantID).Scan(&m.PrincipalID, &m.TenantID, &m.Active, &m.CreatedAt)
	if err != nil {
		return nil, readErr("get membership", err)
	}
	return &m, nil
}

func (r tenantRepo) Memberships(ctx context.Context, principalID string) ([]auth.Membership, error) {
	rows, err := r.db.QueryContext(ctx, `
		select principal_id, tenant_id, active, created_at
		from memberships where principal_id = $1
		order by created_at asc, tenant_id asc
	`, principalID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()
	var out []auth.Membership
	for rows.Next() {
		var m auth.Membership
		if err := rows.Scan(&m.PrincipalID, &m.TenantID, &m.Active, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
