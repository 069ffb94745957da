package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"stagegate/internal/db"
	"stagegate/internal/domain"
	"stagegate/internal/migrate"
	"stagegate/internal/repo"
)

type testEnv struct {
	ledger Ledger
	now    time.Time
	c      domain.Case
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{now: time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)}
	r := repo.Repo{DB: conn}
	env.ledger = Ledger{Repo: r, Now: func() time.Time { return env.now }}
	env.c = domain.Case{
		ID: "dev-1", Kind: domain.KindDeviation, Title: "t",
		Stages: []string{"Financial", "Documentation"}, CreatedBy: "alice", CreatedAt: env.now,
	}
	if err := r.InsertCase(context.Background(), nil, env.c); err != nil {
		t.Fatalf("insert case: %v", err)
	}
	return env
}

func (e *testEnv) record(t *testing.T, stage string, d domain.Decision) (domain.StageDecision, error) {
	t.Helper()
	ctx := context.Background()
	tx, err := e.ledger.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	got, err := e.ledger.RecordDecision(ctx, tx, e.c, stage, d, "reviewer", "")
	if err != nil {
		return got, err
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return got, nil
}

func TestLedgerKeepsEveryEntry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, d := range []domain.Decision{domain.DecisionApproved, domain.DecisionNeedsChanges, domain.DecisionApproved} {
		if _, err := env.record(t, "Financial", d); err != nil {
			t.Fatalf("record %s: %v", d, err)
		}
		env.now = env.now.Add(time.Minute)
	}
	all, err := env.ledger.Decisions(ctx, env.c.ID)
	if err != nil {
		t.Fatalf("decisions: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	active, ok, err := env.ledger.ActiveDecision(ctx, env.c.ID, "Financial")
	if err != nil || !ok {
		t.Fatalf("active: ok=%v err=%v", ok, err)
	}
	if active.Seq != all[2].Seq || active.Decision != domain.DecisionApproved {
		t.Fatalf("expected last entry active, got %+v", active)
	}
	if _, ok, _ := env.ledger.ActiveDecision(ctx, env.c.ID, "Documentation"); ok {
		t.Fatalf("expected no active decision for Documentation")
	}
}

func TestTimestampTieBrokenBySequence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.record(t, "Financial", domain.DecisionNeedsChanges); err != nil {
		t.Fatal(err)
	}
	if _, err := env.record(t, "Financial", domain.DecisionApproved); err != nil {
		t.Fatal(err)
	}
	active, _, err := env.ledger.ActiveDecision(ctx, env.c.ID, "Financial")
	if err != nil {
		t.Fatal(err)
	}
	if active.Decision != domain.DecisionApproved {
		t.Fatalf("expected later write to win, got %s", active.Decision)
	}
}

func TestClockNeverRunsBackwards(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.record(t, "Financial", domain.DecisionNeedsChanges)
	if err != nil {
		t.Fatal(err)
	}
	env.now = env.now.Add(-time.Hour)
	second, err := env.record(t, "Financial", domain.DecisionApproved)
	if err != nil {
		t.Fatal(err)
	}
	if second.DecidedAt.Before(first.DecidedAt) {
		t.Fatalf("decided_at went backwards: %s < %s", second.DecidedAt, first.DecidedAt)
	}
}

func TestRecordDecisionValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.record(t, "Legal", domain.DecisionApproved); !errors.Is(err, domain.ErrUnknownStage) {
		t.Fatalf("expected ErrUnknownStage, got %v", err)
	}
	if _, err := env.record(t, "Financial", domain.DecisionResubmitted); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := env.record(t, "Financial", domain.DecisionRejected); err != nil {
		t.Fatalf("reject: %v", err)
	}
	_, err := env.record(t, "Documentation", domain.DecisionApproved)
	if !errors.Is(err, domain.ErrCaseTerminated) {
		t.Fatalf("expected ErrCaseTerminated, got %v", err)
	}
	var rej *domain.RejectionError
	if !errors.As(err, &rej) || rej.Status != domain.StatusRejected || rej.Stage != "Documentation" {
		t.Fatalf("expected rejection details, got %#v", err)
	}
}

func TestAllStagesSatisfied(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.record(t, "Financial", domain.DecisionApproved); err != nil {
		t.Fatal(err)
	}
	ok, err := env.ledger.AllStagesSatisfied(ctx, env.c)
	if err != nil || ok {
		t.Fatalf("expected unsatisfied, ok=%v err=%v", ok, err)
	}
	if _, err := env.record(t, "Documentation", domain.DecisionApproved); err != nil {
		t.Fatal(err)
	}
	ok, err = env.ledger.AllStagesSatisfied(ctx, env.c)
	if err != nil || !ok {
		t.Fatalf("expected satisfied, ok=%v err=%v", ok, err)
	}
}

func TestReopenDeniedByDefault(t *testing.T) {
	env := newTestEnv(t)
	err := env.ledger.AuthorizeReopen(context.Background(), env.c, "alice", "typo")
	if !errors.Is(err, domain.ErrReopenNotAuthorized) {
		t.Fatalf("expected ErrReopenNotAuthorized, got %v", err)
	}
	env.ledger.Reopen = func(context.Context, domain.Case, string, string) error { return nil }
	if err := env.ledger.AuthorizeReopen(context.Background(), env.c, "alice", "typo"); err != nil {
		t.Fatalf("custom authorizer: %v", err)
	}
}
