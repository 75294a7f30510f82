package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"wattguard.io/internal/audit"
	"wattguard.io/internal/auth"
	"wattguard.io/internal/store/memory"
)

func memoryOpener(mem *memory.Store) Opener {
	return func(context.Context, string) (*Env, error) {
		return &Env{Store: mem, Close: func() error { return nil }}, nil
	}
}

func run(t *testing.T, open Opener, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd(open)
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, open Opener, args ...string) string {
	t.Helper()
	out, err := run(t, open, args...)
	if err != nil {
		t.Fatalf("authctl %s: %v", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(out)
}

func TestBootstrapTenantAndMember(t *testing.T) {
	mem := memory.New()
	open := memoryOpener(mem)
	ctx := context.Background()

	opsID := mustRun(t, open, "principal", "create", "ops@wattguard.test", "--secret", "s3cret-value", "--global-role", auth.RoleSuperAdmin)
	if opsID == "" {
		t.Fatal("expected principal id")
	}
	global, err := mem.Roles().ActiveRoles(ctx, opsID, "")
	if err != nil || len(global) != 1 || global[0].ID != auth.SystemRoleID(auth.RoleSuperAdmin) {
		t.Fatalf("global roles = %+v, %v", global, err)
	}

	tenantID := mustRun(t, open, "tenant", "create", "Acme Energy", "--config-json", `{"region":"eu"}`)
	tenant, err := mem.Tenants().Get(ctx, tenantID)
	if err != nil {
		t.Fatalf("get tenant: %v", err)
	}
	if tenant.Name != "Acme Energy" || tenant.Config["region"] != "eu" || !tenant.Active {
		t.Fatalf("unexpected tenant: %+v", tenant)
	}

	techID := mustRun(t, open, "principal", "create", "tech@acme.test", "--secret", "s3cret-value")
	mustRun(t, open, "member", "add", tenantID, "tech@acme.test", "--role", "operator")

	m, err := mem.Tenants().Membership(ctx, techID, tenantID)
	if err != nil || !m.Active {
		t.Fatalf("membership = %+v, %v", m, err)
	}
	roles, err := mem.Roles().ActiveRoles(ctx, techID, tenantID)
	if err != nil || len(roles) != 1 || roles[0].ID != auth.SystemRoleID("operator") {
		t.Fatalf("tenant roles = %+v, %v", roles, err)
	}

	for _, e := range mem.AuditEntries() {
		if e.PrincipalID != actorID {
			t.Fatalf("audit entry attributed to %q, want %q", e.PrincipalID, actorID)
		}
	}
}

func TestPrincipalCreateJSONOutput(t *testing.T) {
	open := memoryOpener(memory.New())
	out := mustRun(t, open, "-o", "json", "principal", "create", "pending@acme.test", "--secret", "s3cret-value", "--status", "pending_activation")

	var view principalView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if view.Identifier != "pending@acme.test" || view.Status != auth.StatusPendingActivation || view.ID == "" {
		t.Fatalf("unexpected view: %+v", view)
	}
	if strings.Contains(out, "s3cret") {
		t.Fatal("secret leaked into output")
	}
}

func TestPrincipalCreateRequiresSecret(t *testing.T) {
	_, err := run(t, memoryOpener(memory.New()), "principal", "create", "x@acme.test")
	if err == nil || !strings.Contains(err.Error(), "--secret") {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}

func TestUnlockClearsLockout(t *testing.T) {
	mem := memory.New()
	open := memoryOpener(mem)
	ctx := context.Background()
	mustRun(t, open, "principal", "create", "locked@acme.test", "--secret", "s3cret-value")

	err := mem.Principals().Mutate(ctx, "locked@acme.test", func(p *auth.Principal) error {
		p.FailedAttempts = 5
		p.LockoutUntil = time.Now().Add(time.Hour)
		return nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}

	mustRun(t, open, "principal", "unlock", "locked@acme.test")
	p, err := mem.Principals().FindByIdentifier(ctx, "locked@acme.test")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if p.FailedAttempts != 0 || !p.LockoutUntil.IsZero() {
		t.Fatalf("lockout not cleared: %+v", p)
	}

	if _, err := run(t, open, "principal", "unlock", "ghost@acme.test"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAuditExportAndVerify(t *testing.T) {
	mem := memory.New()
	open := memoryOpener(mem)
	tenantA := mustRun(t, open, "tenant", "create", "A")
	mustRun(t, open, "tenant", "create", "B")

	out := mustRun(t, open, "audit", "export", "--tenant", tenantA)
	sc := bufio.NewScanner(strings.NewReader(out))
	lines := 0
	for sc.Scan() {
		var e auth.AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("decode line %d: %v", lines, err)
		}
		if e.TenantID != tenantA {
			t.Fatalf("entry for tenant %q leaked into export", e.TenantID)
		}
		lines++
	}
	if lines != 1 {
		t.Fatalf("expected 1 entry for tenant A, got %d", lines)
	}

	if got := mustRun(t, open, "audit", "verify"); got != "ok 2 entries" {
		t.Fatalf("verify = %q", got)
	}

	mem.TamperAuditEntry(0, func(e *auth.AuditEntry) { e.Action = "tenant_delete" })
	_, err := run(t, open, "audit", "verify")
	var chainErr *audit.ChainError
	if !errors.As(err, &chainErr) {
		t.Fatalf("expected chain error, got %v", err)
	}
}

func TestAuditVerifyDetectsMissingHead(t *testing.T) {
	mem := memory.New()
	open := memoryOpener(mem)
	mustRun(t, open, "tenant", "create", "A")
	mustRun(t, open, "tenant", "create", "B")

	mem.DropAuditHead(1)
	_, err := run(t, open, "audit", "verify")
	var chainErr *audit.ChainError
	if !errors.As(err, &chainErr) || chainErr.Seq != 2 {
		t.Fatalf("expected genesis failure at seq 2, got %v", err)
	}
}

func TestAuditExportRejectsBadRange(t *testing.T) {
	open := memoryOpener(memory.New())
	if _, err := run(t, open, "audit", "export", "--from", "yesterday"); err == nil {
		t.Fatal("expected parse error")
	}
	_, err := run(t, open, "audit", "export", "--from", "2026-02-01T00:00:00Z", "--to", "2026-01-01T00:00:00Z")
	if !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestMigrateRequiresPostgres(t *testing.T) {
	_, err := run(t, memoryOpener(memory.New()), "migrate", "status")
	if err == nil || !strings.Contains(err.Error(), "postgres") {
		t.Fatalf("expected driver error, got %v", err)
	}
}

func TestMigrateStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	applied := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name, applied_at from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name", "applied_at"}).AddRow("0001_core.up.sql", applied))
	mock.ExpectClose()

	open := func(context.Context, string) (*Env, error) {
		return &Env{Store: memory.New(), DB: db, Close: db.Close}, nil
	}
	out := mustRun(t, open, "migrate", "status")
	lines := strings.Split(out, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", out)
	}
	if !strings.HasPrefix(lines[0], "0001_core.up.sql") || !strings.HasSuffix(lines[0], "2026-03-01T12:00:00Z") {
		t.Fatalf("unexpected applied line %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "0002_audit_log.up.sql") || !strings.HasSuffix(lines[1], "pending") {
		t.Fatalf("unexpected pending line %q", lines[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUnknownOutputFormat(t *testing.T) {
	_, err := run(t, memoryOpener(memory.New()), "-o", "xml", "tenant", "create", "A")
	if err == nil || !strings.Contains(err.Error(), "xml") {
		t.Fatalf("expected format error, got %v", err)
	}
}
