package memory

import (
	"context"
	"strings"
	"sync"

	"wattguard.io/internal/auth"
)

type principalRepo struct {
	mu           sync.RWMutex
	byID         map[string]*auth.Principal
	byIdentifier map[string]string
	rows         keyedMutex
}

func normalizeIdentifier(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func (r *principalRepo) Create(ctx context.Context, p *auth.Principal) error {
	key := normalizeIdentifier(p.Identifier)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[p.ID]; ok {
		return auth.ErrConflict
	}
	if _, ok := r.byIdentifier[key]; ok {
		return auth.ErrConflict
	}
	cp := *p
	r.byID[p.ID] = &cp
	r.byIdentifier[key] = p.ID
	return nil
}

func (r *principalRepo) Get(ctx context.Context, id string) (*auth.Principal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *principalRepo) FindByIdentifier(ctx context.Context, identifier string) (*auth.Principal, error) {
	r.mu.RLock()
	id, ok := r.byIdentifier[normalizeIdentifier(identifier)]
	r.mu.RUnlock()
	if !ok {
		return nil, auth.ErrNotFound
	}
	return r.Get(ctx, id)
}

func (r *principalRepo) Mutate(ctx context.Context, identifier string, fn func(p *auth.Principal) error) error {
	key := normalizeIdentifier(identifier)
	unlock := r.rows.Lock(key)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	current, err := r.FindByIdentifier(ctx, key)
	if err != nil {
		return err
	}
	fnErr := fn(current)

	r.mu.Lock()
	current.ID = r.byIdentifier[key]
	current.Identifier = r.byID[current.ID].Identifier
	r.byID[current.ID] = current
	r.mu.Unlock()
	return fnErr
}
