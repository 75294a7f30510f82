package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// SealAuditEntry links e to its predecessor: it sets PrevHash to prev and Hash to the
// sha256 of prev and the entry's canonical fields.
func SealAuditEntry(e *AuditEntry, prev string) {
	e.PrevHash = prev
	e.Hash = AuditEntryHash(e, prev)
}

// AuditEntryHash computes the chain hash of e on top of prev.
func AuditEntryHash(e *AuditEntry, prev string) string {
	fields := []string{
		prev,
		strconv.FormatInt(e.Seq, 10),
		e.ID,
		e.OccurredAt.UTC().Format(time.RFC3339Nano),
		e.PrincipalID,
		e.TenantID,
		e.SessionID,
		e.Action,
		e.ResourceType,
		e.ResourceID,
		e.Decision,
		e.Reason,
		e.SourceIP,
		e.RequestID,
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "\x1f")))
	return hex.EncodeToString(sum[:])
}
