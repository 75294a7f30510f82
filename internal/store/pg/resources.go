package pg

import (
	"context"
	"database/sql"
	"fmt"

	"wattguard.io/internal/auth"
)

type resourceRepo struct{ db *sql.DB }

// Upsert never moves a resource between tenants: the conflict update is guarded on the
// stored tenant, and a guarded-out row surfaces as ErrConflict.
func (r resourceRepo) Upsert(ctx context.Context, res *auth.Resource) error {
	attrs, err := marshalMap(res.Attributes)
	if err != nil {
		return fmt.Errorf("%w: resource attributes: %v", auth.ErrInvalidInput, err)
	}
	result, err := r.db.ExecContext(ctx, `
		insert into resources(type, id, tenant_id, owner_id, group_id, attributes, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7)
		on conflict (type, id) do update
		set owner_id = excluded.owner_id, group_id = excluded.group_id,
			attributes = excluded.attributes, updated_at = excluded.updated_at
		where resources.tenant_id = excluded.tenant_id
	`, res.Type, res.ID, res.TenantID, res.OwnerID, nullIfEmpty(res.GroupID), attrs, res.UpdatedAt)
	if err != nil {
		return writeErr("upsert resource", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("upsert resource: %w", err)
	}
	if n == 0 {
		return auth.ErrConflict
	}
	return nil
}

func (r resourceRepo) Get(ctx context.Context, ref auth.ResourceRef) (*auth.Resource, error) {
	var (
		res   auth.Resource
		group sql.NullString
		attrs []byte
	)
	err := r.db.QueryRowContext(ctx, `
		select type, id, tenant_id, owner_id, group_id, attributes, updated_at
		from resources where type = $1 and id = $2
	`, ref.Type, ref.ID).Scan(&res.Type, &res.ID, &res.TenantID, &res.OwnerID, &group, &attrs, &res.UpdatedAt)
	if err != nil {
		return nil, readErr("get resource", err)
	}
	res.GroupID = group.String
	if res.Attributes, err = unmarshalMap(attrs); err != nil {
		return nil, fmt.Errorf("decode resource attributes: %w", err)
	}
	return &res, nil
}
