package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"wattguard.io/internal/auth"
)

type roleRepo struct{ db *sql.DB }

// Role rows carry their permissions aggregated into one comma separated column.
const roleSelect = `
	select r.id, coalesce(r.tenant_id, ''), r.name, r.description, r.system, r.global, r.created_at,
		coalesce(string_agg(rp.permission, ',' order by rp.permission), '')
	from roles r
	left join role_permissions rp on rp.role_id = r.id`

const roleGroupBy = `
	group by r.id, r.tenant_id, r.name, r.description, r.system, r.global, r.created_at`

func scanRole(row rowScanner) (auth.Role, error) {
	var (
		role  auth.Role
		perms string
	)
	if err := row.Scan(&role.ID, &role.TenantID, &role.Name, &role.Description, &role.System,
		&role.Global, &role.CreatedAt, &perms); err != nil {
		return auth.Role{}, err
	}
	if perms != "" {
		role.Permissions = strings.Split(perms, ",")
	}
	return role, nil
}

func scanRoles(rows *sql.Rows) ([]auth.Role, error) {
	defer rows.Close()
	var out []auth.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

func (r roleRepo) Create(ctx context.Context, role *auth.Role) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into roles(id, tenant_id, name, description, system, global, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, role.ID, nullIfEmpty(role.TenantID), role.Name, role.Description, role.System, role.Global, role.CreatedAt); err != nil {
		return writeErr("create role", err)
	}
	if err := insertRolePermissions(ctx, tx, role.ID, role.Permissions); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertRolePermissions(ctx context.Context, tx *sql.Tx, roleID string, perms []string) error {
	for _, p := range perms {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions(role_id, permission) values ($1, $2)
			on conflict do nothing
		`, roleID, p); err != nil {
			return writeErr("add role permission", err)
		}
	}
	return nil
}

func (r roleRepo) Get(ctx context.Context, id string) (*auth.Role, error) {
	role, err := scanRole(r.db.QueryRowContext(ctx, roleSelect+` where r.id = $1`+roleGroupBy, id))
	if err != nil {
		return nil, readErr("get role", err)
	}
	return &role, nil
}

// List returns system roles plus the custom roles of tenantID.
func (r roleRepo) List(ctx context.Context, tenantID string) ([]auth.Role, error) {
	rows, err := r.db.QueryContext(ctx, roleSelect+`
		where r.tenant_id is null or r.tenant_id = $1`+roleGroupBy+`
		order by r.name asc`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	return scanRoles(rows)
}

func (r roleRepo) SetPermissions(ctx context.Context, roleID string, permissions []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	if err := tx.QueryRowContext(ctx, `select id from roles where id = $1 for update`, roleID).Scan(&id); err != nil {
		return readErr("lock role", err)
	}
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return fmt.Errorf("clear role permissions: %w", err)
	}
	if err := insertRolePermissions(ctx, tx, roleID, permissions); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Assign creates or reactivates a binding.
func (r roleRepo) Assign(ctx context.Context, ur auth.UserRole) error {
	_, err := r.db.ExecContext(ctx, `
		insert into user_roles(principal_id, tenant_id, role_id, assigned_by, assigned_at, active)
		values ($1, $2, $3, $4, $5, true)
		on conflict (principal_id, tenant_id, role_id) do update
		set assigned_by = excluded.assigned_by, assigned_at = excluded.assigned_at, active = true
	`, ur.PrincipalID, ur.TenantID, ur.RoleID, ur.AssignedBy, ur.AssignedAt)
	return writeErr("assign role", err)
}

func (r roleRepo) Revoke(ctx context.Context, principalID, tenantID, roleID string) error {
	res, err := r.db.ExecContext(ctx, `
		update user_roles set active = false
		where principal_id = $1 and tenant_id = $2 and role_id = $3
	`, principalID, tenantID, roleID)
	if err != nil {
		return fmt.Errorf("revoke role: %w", err)
	}
	return affected(res, "revoke role")
}

func (r roleRepo) ActiveRoles(ctx context.Context, principalID, tenantID string) ([]auth.Role, error) {
	rows, err := r.db.QueryContext(ctx, roleSelect+`
		join user_roles ur on ur.role_id = r.id
		where ur.principal_id = $1 and ur.tenant_id = $2 and ur.active`+roleGroupBy+`
		order by r.id asc`, principalID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("active roles: %w", err)
	}
	return scanRoles(rows)
}
