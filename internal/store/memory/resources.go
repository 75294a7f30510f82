package memory

import (
	"context"
	"sync"

	"wattguard.io/internal/auth"
)

type resourceRepo struct {
	mu    sync.RWMutex
	items map[auth.ResourceRef]auth.Resource
}

func (r *resourceRepo) Upsert(ctx context.Context, res *auth.Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref := auth.ResourceRef{Type: res.Type, ID: res.ID}
	if existing, ok := r.items[ref]; ok && existing.TenantID != res.TenantID {
		return auth.ErrConflict
	}
	cp := *res
	cp.Attributes = cloneMap(res.Attributes)
	r.items[ref] = cp
	return nil
}

func (r *resourceRepo) Get(ctx context.Context, ref auth.ResourceRef) (*auth.Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.items[ref]
	if !ok {
		return nil, auth.ErrNotFound
	}
	res.Attributes = cloneMap(res.Attributes)
	return &res, nil
}
