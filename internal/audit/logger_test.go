package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"wattguard.io/internal/auth"
	"wattguard.io/internal/obs"
	"wattguard.io/internal/store/memory"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	restore := obs.SetLogger(zap.New(core))
	t.Cleanup(restore)
	return logs
}

func TestRecordPersistsAndChains(t *testing.T) {
	store := memory.New()
	l := New(store.Audit(), Config{QueueSize: 16})

	ctx := WithRequestID(context.Background(), "req-1")
	for i := 0; i < 5; i++ {
		l.Record(ctx, auth.AuditEntry{PrincipalID: "u1", TenantID: "t1", Action: "device_read", Decision: auth.DecisionAllow, Reason: "allowed"})
	}
	l.Close()

	entries := store.AuditEntries()
	if len(entries) != 5 || l.Written() != 5 {
		t.Fatalf("expected 5 entries, got %d (written %d)", len(entries), l.Written())
	}
	if entries[0].RequestID != "req-1" || entries[0].ID == "" || entries[0].OccurredAt.IsZero() {
		t.Fatalf("entry not enriched: %+v", entries[0])
	}
	if entries[0].PrevHash != "" || entries[1].PrevHash != entries[0].Hash {
		t.Fatalf("entries not chained")
	}
	if err := Verify(entries); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestPermanentFailureRaisesAlert(t *testing.T) {
	logs := observe(t)
	store := memory.New()
	store.FailAuditWrites(errors.New("disk on fire"))
	l := New(store.Audit(), Config{QueueSize: 4, MaxRetries: 2, RetryBackoff: time.Millisecond})

	l.Record(context.Background(), auth.AuditEntry{Action: "device_read", Decision: auth.DecisionDeny, Reason: "permission_denied"})
	l.Close()

	if l.Degraded() != 1 {
		t.Fatalf("expected one degraded entry, got %d", l.Degraded())
	}
	alerts := logs.FilterField(zap.String("alert", "audit_write_degraded")).All()
	if len(alerts) != 1 || alerts[0].Level != zapcore.ErrorLevel {
		t.Fatalf("expected one error-level alert, got %+v", alerts)
	}
	if !strings.Contains(alerts[0].ContextMap()["error"].(string), "disk on fire") {
		t.Fatalf("alert must carry the cause: %v", alerts[0].ContextMap())
	}
}

func TestRetryRecoversTransientFailure(t *testing.T) {
	store := memory.New()
	store.FailAuditWrites(errors.New("blip"))
	l := New(store.Audit(), Config{QueueSize: 4, MaxRetries: 5, RetryBackoff: 20 * time.Millisecond})

	l.Record(context.Background(), auth.AuditEntry{Action: "login", Decision: auth.DecisionAllow, Reason: "allowed"})
	time.Sleep(5 * time.Millisecond)
	store.FailAuditWrites(nil)
	l.Close()

	if l.Degraded() != 0 || len(store.AuditEntries()) != 1 {
		t.Fatalf("expected recovery, degraded=%d entries=%d", l.Degraded(), len(store.AuditEntries()))
	}
}

type blockingStore struct {
	auth.AuditStore
	release chan struct{}
}

func (b *blockingStore) Append(ctx context.Context, e *auth.AuditEntry) error {
	<-b.release
	return b.AuditStore.Append(ctx, e)
}

func TestFullQueueDoesNotBlock(t *testing.T) {
	logs := observe(t)
	store := memory.New()
	bs := &blockingStore{AuditStore: store.Audit(), release: make(chan struct{})}
	l := New(bs, Config{QueueSize: 1, WriteTimeout: time.Second})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			l.Record(context.Background(), auth.AuditEntry{Action: "device_read", Decision: auth.DecisionAllow})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a full queue")
	}
	close(bs.release)
	l.Close()

	if l.Degraded() == 0 || logs.FilterMessage("audit write degraded").Len() == 0 {
		t.Fatalf("expected dropped entries to raise alerts")
	}
	if int(l.Degraded())+len(store.AuditEntries()) != 10 {
		t.Fatalf("entries unaccounted for: degraded=%d stored=%d", l.Degraded(), len(store.AuditEntries()))
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	store := memory.New()
	l := New(store.Audit(), Config{})
	for i := 0; i < 4; i++ {
		l.Record(context.Background(), auth.AuditEntry{Action: "device_read", Decision: auth.DecisionDeny, Reason: "permission_denied"})
	}
	l.Close()

	store.TamperAuditEntry(2, func(e *auth.AuditEntry) { e.Decision = auth.DecisionAllow })
	err := Verify(store.AuditEntries())
	var ce *ChainError
	if !errors.As(err, &ce) || ce.Seq != 3 {
		t.Fatalf("expected break at seq 3, got %v", err)
	}

	entries := store.AuditEntries()
	withGap := append([]auth.AuditEntry{entries[0]}, entries[3])
	if err := Verify(withGap); !errors.As(err, &ce) || !strings.Contains(ce.Reason, "gap") {
		t.Fatalf("expected gap, got %v", err)
	}
}

func TestVerifyFromGenesisDetectsMissingHead(t *testing.T) {
	store := memory.New()
	l := New(store.Audit(), Config{})
	for i := 0; i < 3; i++ {
		l.Record(context.Background(), auth.AuditEntry{Action: "device_read", Decision: auth.DecisionAllow, Reason: "allowed"})
	}
	l.Close()

	entries := store.AuditEntries()
	if err := VerifyFromGenesis(entries); err != nil {
		t.Fatalf("complete log: %v", err)
	}
	if err := VerifyFromGenesis(nil); err != nil {
		t.Fatalf("empty log: %v", err)
	}

	headless := entries[1:]
	if err := Verify(headless); err != nil {
		t.Fatalf("a contiguous window verifies on its own: %v", err)
	}
	var ce *ChainError
	if err := VerifyFromGenesis(headless); !errors.As(err, &ce) || ce.Seq != 2 {
		t.Fatalf("expected genesis failure at seq 2, got %v", err)
	}
}

func TestWriteNDJSON(t *testing.T) {
	store := memory.New()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	l := New(store.Audit(), Config{})
	l.Record(context.Background(), auth.AuditEntry{OccurredAt: base.Add(2 * time.Hour), TenantID: "t1", Action: "b", Decision: auth.DecisionAllow})
	l.Record(context.Background(), auth.AuditEntry{OccurredAt: base.Add(time.Hour), TenantID: "t1", Action: "a", Decision: auth.DecisionDeny})
	l.Record(context.Background(), auth.AuditEntry{OccurredAt: base.Add(time.Hour), TenantID: "t2", Action: "x", Decision: auth.DecisionDeny})
	l.Close()

	var buf bytes.Buffer
	n, err := WriteNDJSON(context.Background(), store.Audit(), auth.AuditFilter{TenantID: "t1", From: base}, &buf)
	if err != nil || n != 2 {
		t.Fatalf("export: n=%d err=%v", n, err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var first auth.AuditEntry
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Action != "a" {
		t.Fatalf("export must be time ordered, got %s first", first.Action)
	}

	_, err = WriteNDJSON(context.Background(), store.Audit(), auth.AuditFilter{From: base, To: base.Add(-time.Hour)}, &buf)
	if !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected invalid range, got %v", err)
	}
}

type capture struct{ entries []auth.AuditEntry }

func (c *capture) Publish(e auth.AuditEntry) { c.entries = append(c.entries, e) }

func TestPublisherSeesSealedEntries(t *testing.T) {
	store := memory.New()
	pub := &capture{}
	l := New(store.Audit(), Config{Publisher: pub})
	l.Record(context.Background(), auth.AuditEntry{TenantID: "t1", Action: "device_read", Decision: auth.DecisionAllow})
	l.Close()

	if len(pub.entries) != 1 {
		t.Fatalf("expected 1 published entry, got %d", len(pub.entries))
	}
	if got := pub.entries[0]; got.Seq != 1 || got.Hash == "" {
		t.Fatalf("published entry not sealed: %+v", got)
	}

	store.FailAuditWrites(errors.New("down"))
	l = New(store.Audit(), Config{Publisher: pub})
	l.Record(context.Background(), auth.AuditEntry{TenantID: "t1", Action: "device_read", Decision: auth.DecisionAllow})
	l.Close()
	if len(pub.entries) != 1 {
		t.Fatal("failed writes must not be published")
	}
}

func TestRecordRacingCloseLosesNothing(t *testing.T) {
	for round := 0; round < 50; round++ {
		store := memory.New()
		l := New(store.Audit(), Config{QueueSize: 8})

		const senders, each = 4, 25
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < senders; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for j := 0; j < each; j++ {
					l.Record(context.Background(), auth.AuditEntry{Action: "device_read", Decision: auth.DecisionAllow})
				}
			}()
		}
		close(start)
		l.Close()
		wg.Wait()

		if got := l.Written() + l.Degraded(); got != senders*each {
			t.Fatalf("round %d: %d of %d entries accounted for", round, got, senders*each)
		}
		if int(l.Written()) != len(store.AuditEntries()) {
			t.Fatalf("round %d: written=%d stored=%d", round, l.Written(), len(store.AuditEntries()))
		}
	}
}
