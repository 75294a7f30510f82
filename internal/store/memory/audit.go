package memory

import (
	"context"
	"sort"
	"sync"

	"wattguard.io/internal/auth"
)

type auditRepo struct {
	mu      sync.RWMutex
	entries []auth.AuditEntry
	// failWith makes Append fail, for exercising the degraded path.
	failWith error
}

// FailAuditWrites makes every subsequent audit append return err. Nil restores writes.
func (s *Store) FailAuditWrites(err error) {
	s.audit.mu.Lock()
	s.audit.failWith = err
	s.audit.mu.Unlock()
}

// TamperAuditEntry overwrites a stored entry, for exercising chain verification.
func (s *Store) TamperAuditEntry(i int, fn func(e *auth.AuditEntry)) {
	s.audit.mu.Lock()
	fn(&s.audit.entries[i])
	s.audit.mu.Unlock()
}

// DropAuditHead removes the n oldest entries, for exercising genesis checks.
func (s *Store) DropAuditHead(n int) {
	s.audit.mu.Lock()
	s.audit.entries = append([]auth.AuditEntry(nil), s.audit.entries[n:]...)
	s.audit.mu.Unlock()
}

// AuditEntries returns a snapshot of the audit log in append order.
func (s *Store) AuditEntries() []auth.AuditEntry {
	s.audit.mu.RLock()
	defer s.audit.mu.RUnlock()
	return append([]auth.AuditEntry(nil), s.audit.entries...)
}

func (r *auditRepo) Append(ctx context.Context, entry *auth.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	for _, e := range r.entries {
		if e.ID == entry.ID {
			return auth.ErrConflict
		}
	}
	prev := ""
	if n := len(r.entries); n > 0 {
		prev = r.entries[n-1].Hash
	}
	entry.Seq = int64(len(r.entries) + 1)
	auth.SealAuditEntry(entry, prev)
	r.entries = append(r.entries, *entry)
	return nil
}

func (r *auditRepo) Head(ctx context.Context) (*auth.AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.entries) == 0 {
		return nil, auth.ErrNotFound
	}
	e := r.entries[len(r.entries)-1]
	return &e, nil
}

func (r *auditRepo) Export(ctx context.Context, filter auth.AuditFilter, fn func(auth.AuditEntry) error) error {
	r.mu.RLock()
	var selected []auth.AuditEntry
	for _, e := range r.entries {
		if filter.TenantID != "" && e.TenantID != filter.TenantID {
			continue
		}
		if !filter.From.IsZero() && e.OccurredAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !e.OccurredAt.Before(filter.To) {
			continue
		}
		selected = append(selected, e)
	}
	r.mu.RUnlock()

	sort.SliceStable(selected, func(i, j int) bool {
		if selected[i].OccurredAt.Equal(selected[j].OccurredAt) {
			return selected[i].Seq < selected[j].Seq
		}
		return selected[i].OccurredAt.Before(selected[j].OccurredAt)
	})
	for i, e := range selected {
		if filter.Limit > 0 && i >= filter.Limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}
