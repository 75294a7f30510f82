package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"wattguard.io/internal/auth"
)

// MemoryStore keeps sessions in process. Each session has its own lock.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*memSession
	index    map[string]map[string]struct{}
}

type memSession struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryStore returns an empty in-process session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]*memSession{}, index: map[string]map[string]struct{}{}}
}

func (m *MemoryStore) Create(ctx context.Context, s *auth.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return auth.ErrConflict
	}
	m.sessions[s.ID] = &memSession{data: data}
	if m.index[s.PrincipalID] == nil {
		m.index[s.PrincipalID] = map[string]struct{}{}
	}
	m.index[s.PrincipalID][s.ID] = struct{}{}
	return nil
}

func (m *MemoryStore) lookup(id string) (*memSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[id]
	return ms, ok
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*auth.Session, error) {
	ms, ok := m.lookup(id)
	if !ok {
		return nil, auth.ErrNotFound
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var s auth.Session
	if err := json.Unmarshal(ms.data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, fn func(s *auth.Session) error) (*auth.Session, error) {
	ms, ok := m.lookup(id)
	if !ok {
		return nil, auth.ErrNotFound
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var s auth.Session
	if err := json.Unmarshal(ms.data, &s); err != nil {
		return nil, err
	}
	fnErr := fn(&s)
	if fnErr != nil && !errors.Is(fnErr, errPersist) {
		return nil, fnErr
	}
	data, err := json.Marshal(&s)
	if err != nil {
		return nil, err
	}
	ms.data = data
	if fnErr != nil {
		return &s, unwrapPersist(fnErr)
	}
	return &s, nil
}

func (m *MemoryStore) ListIDs(ctx context.Context, principalID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.index[principalID]))
	for id := range m.index[principalID] {
		out = append(out, id)
	}
	return out, nil
}
