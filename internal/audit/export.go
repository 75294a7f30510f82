package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"wattguard.io/internal/auth"
)

// Export streams entries matching filter in timestamp order.
func Export(ctx context.Context, store auth.AuditStore, filter auth.AuditFilter, fn func(auth.AuditEntry) error) error {
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return fmt.Errorf("%w: export range ends before it starts", auth.ErrInvalidInput)
	}
	return store.Export(ctx, filter, fn)
}

// WriteNDJSON exports entries as newline-delimited JSON and returns how many were written.
func WriteNDJSON(ctx context.Context, store auth.AuditStore, filter auth.AuditFilter, w io.Writer) (int, error) {
	enc := json.NewEncoder(w)
	n := 0
	err := Export(ctx, store, filter, func(e auth.AuditEntry) error {
		if err := enc.Encode(e); err != nil {
			return err
		}
		n++
		if f, ok := w.(interface{ Flush() }); ok && n%100 == 0 {
			f.Flush()
		}
		return nil
	})
	return n, err
}

// ChainError describes the first entry that breaks the hash chain.
type ChainError struct {
	Seq    int64
	ID     string
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain broken at seq %d (%s): %s", e.Seq, e.ID, e.Reason)
}

// Verify checks a contiguous run of entries: sequence numbers must have no gaps, every
// entry must link to its predecessor and every hash must match the entry's content. The
// first entry's PrevHash is trusted as the anchor.
func Verify(entries []auth.AuditEntry) error {
	sorted := append([]auth.AuditEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	for i := range sorted {
		e := &sorted[i]
		if i > 0 {
			prev := sorted[i-1]
			if e.Seq != prev.Seq+1 {
				return &ChainError{Seq: e.Seq, ID: e.ID, Reason: fmt.Sprintf("gap after seq %d", prev.Seq)}
			}
			if e.PrevHash != prev.Hash {
				return &ChainError{Seq: e.Seq, ID: e.ID, Reason: "previous hash does not match"}
			}
		}
		if auth.AuditEntryHash(e, e.PrevHash) != e.Hash {
			return &ChainError{Seq: e.Seq, ID: e.ID, Reason: "content hash does not match"}
		}
	}
	return nil
}

// VerifyFromGenesis checks a complete log: on top of Verify, the oldest entry must be seq 1
// with an empty PrevHash, so rows removed from the head of the log are detected.
func VerifyFromGenesis(entries []auth.AuditEntry) error {
	if err := Verify(entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	first := entries[0]
	for _, e := range entries[1:] {
		if e.Seq < first.Seq {
			first = e
		}
	}
	if first.Seq != 1 || first.PrevHash != "" {
		return &ChainError{Seq: first.Seq, ID: first.ID, Reason: "log does not start at genesis"}
	}
	return nil
}
