package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"wattguard.io/internal/auth"
)

type groupRepo struct {
	mu     sync.RWMutex
	groups map[string]auth.DeviceGroup
}

func (r *groupRepo) Create(ctx context.Context, g *auth.DeviceGroup) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[g.ID]; ok {
		return auth.ErrConflict
	}
	if g.ParentID != "" {
		if _, ok := r.groups[g.ParentID]; !ok {
			return auth.ErrNotFound
		}
	}
	r.groups[g.ID] = *g
	return nil
}

func (r *groupRepo) Get(ctx context.Context, id string) (*auth.DeviceGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &g, nil
}

func (r *groupRepo) Reparent(ctx context.Context, id, parentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[id]
	if !ok {
		return auth.ErrNotFound
	}
	if parentID != "" {
		if _, ok := r.groups[parentID]; !ok {
			return auth.ErrNotFound
		}
		if err := r.checkAcyclicLocked(id, parentID); err != nil {
			return err
		}
	}
	g.ParentID = parentID
	r.groups[id] = g
	return nil
}

// checkAcyclicLocked walks from parentID to the root and fails if it meets id.
func (r *groupRepo) checkAcyclicLocked(id, parentID string) error {
	for next, depth := parentID, 0; next != ""; depth++ {
		if next == id {
			return fmt.Errorf("%w: %s would become its own ancestor", auth.ErrCycle, id)
		}
		if depth >= auth.MaxGroupDepth {
			return fmt.Errorf("%w: ancestry of %s is malformed", auth.ErrCycle, parentID)
		}
		next = r.groups[next].ParentID
	}
	return nil
}

// TamperGroupParent rewrites a parent link without any checks, for exercising
// resolvers against a corrupted hierarchy.
func (s *Store) TamperGroupParent(id, parentID string) {
	s.groups.mu.Lock()
	g := s.groups.groups[id]
	g.ParentID = parentID
	s.groups.groups[id] = g
	s.groups.mu.Unlock()
}

func (r *groupRepo) Children(ctx context.Context, id string) ([]auth.DeviceGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []auth.DeviceGroup
	for _, g := range r.groups {
		if g.ParentID == id {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
