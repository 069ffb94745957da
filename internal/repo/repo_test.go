package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"stagegate/internal/db"
	"stagegate/internal/domain"
	"stagegate/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn}
}

func seedCase(t *testing.T, r Repo, id string, created time.Time) domain.Case {
	t.Helper()
	c := domain.Case{
		ID:        id,
		Kind:      domain.KindDeviation,
		Title:     "Valve calibration",
		Stages:    []string{"Financial", "Documentation"},
		CreatedBy: "alice",
		CreatedAt: created,
	}
	if err := r.InsertCase(context.Background(), nil, c); err != nil {
		t.Fatalf("insert case: %v", err)
	}
	return c
}

func TestCaseRoundTripAndClose(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	created := time.Date(2024, 4, 1, 8, 30, 0, 0, time.UTC)
	seedCase(t, r, "c1", created)

	got, err := r.GetCase(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.CreatedAt.Equal(created) || len(got.Stages) != 2 || got.Closed() {
		t.Fatalf("unexpected case %+v", got)
	}
	by := "bob"
	at := created.Add(time.Hour)
	if err := r.SetClosed(ctx, nil, "c1", &by, &at); err != nil {
		t.Fatalf("close: %v", err)
	}
	got, _ = r.GetCase(ctx, "c1")
	if !got.Closed() || *got.ClosedBy != "bob" {
		t.Fatalf("expected closed case, got %+v", got)
	}
	open, err := r.ListCases(ctx, CaseFilters{OpenOnly: true})
	if err != nil || len(open) != 0 {
		t.Fatalf("expected no open cases, got %d err=%v", len(open), err)
	}
	if _, err := r.GetCase(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDecisionsAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	now := time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)
	seedCase(t, r, "c1", now)

	for i, dec := range []domain.Decision{domain.DecisionApproved, domain.DecisionNeedsChanges, domain.DecisionApproved} {
		// same timestamp for all three: order must come from seq
		_, err := r.AppendDecision(ctx, nil, domain.StageDecision{
			CaseID: "c1", Stage: "Financial", Decision: dec, ActorID: "u", DecidedAt: now, Comment: string(rune('a' + i)),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if _, err := r.DB.ExecContext(ctx, `UPDATE stage_decisions SET decision='Rejected'`); err == nil {
		t.Fatalf("expected update to be rejected")
	}
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM stage_decisions`); err == nil {
		t.Fatalf("expected delete to be rejected")
	}
	all, err := r.ListDecisions(ctx, "c1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].Comment != "a" || all[2].Comment != "c" {
		t.Fatalf("unexpected ledger %+v", all)
	}
	latest, err := r.LatestDecision(ctx, "c1", "Financial")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Seq != all[2].Seq {
		t.Fatalf("expected seq %d active, got %d", all[2].Seq, latest.Seq)
	}
	if _, err := r.LatestDecision(ctx, "c1", "Documentation"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkerCheckAndSet(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	now := time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)
	seedCase(t, r, "c1", now)

	m := domain.NotificationMarker{
		CaseID: "c1", State: domain.MarkerPending, CreatedAt: now, UpdatedAt: now,
		Request: domain.DispatchRequest{CaseID: "c1", Recipients: []string{"a@example.com"}, Subject: "s"},
	}
	inserted, err := r.InsertMarker(ctx, nil, m)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	inserted, err = r.InsertMarker(ctx, nil, m)
	if err != nil || inserted {
		t.Fatalf("second insert: inserted=%v err=%v", inserted, err)
	}
	attempts, err := r.MarkFailed(ctx, "c1", "gateway down", now.Add(time.Minute))
	if err != nil || attempts != 1 {
		t.Fatalf("mark failed: attempts=%d err=%v", attempts, err)
	}
	pending, err := r.PendingMarkers(ctx, 10, 0)
	if err != nil || len(pending) != 1 || pending[0].Attempts != 1 || pending[0].LastError != "gateway down" {
		t.Fatalf("unexpected pending %+v err=%v", pending, err)
	}
	if capped, err := r.PendingMarkers(ctx, 10, 1); err != nil || len(capped) != 0 {
		t.Fatalf("expected capped marker to be skipped, got %+v err=%v", capped, err)
	}
	if pending, err := r.PendingMarkers(ctx, 10, 2); err != nil || len(pending) != 1 {
		t.Fatalf("expected marker under the cap, got %+v err=%v", pending, err)
	}
	if err := r.MarkDispatched(ctx, "c1", now.Add(2*time.Minute)); err != nil {
		t.Fatalf("mark dispatched: %v", err)
	}
	got, err := r.GetMarker(ctx, "c1")
	if err != nil {
		t.Fatalf("get marker: %v", err)
	}
	if got.State != domain.MarkerDispatched || got.Attempts != 2 || got.DispatchedAt == nil || got.Request.Recipients[0] != "a@example.com" {
		t.Fatalf("unexpected marker %+v", got)
	}
	if err := r.MarkDispatched(ctx, "c1", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no pending marker, got %v", err)
	}
	if _, err := r.MarkFailed(ctx, "c1", "late", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no pending marker to fail, got %v", err)
	}
}

func TestMarkerArmedInTxStoresRequestLater(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	now := time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)
	seedCase(t, r, "c1", now)

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	armed := domain.NotificationMarker{CaseID: "c1", State: domain.MarkerPending, CreatedAt: now, UpdatedAt: now}
	if ok, err := r.InsertMarker(ctx, tx, armed); err != nil || !ok {
		t.Fatalf("insert in tx: ok=%v err=%v", ok, err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if _, err := r.GetMarker(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rolled back marker must not exist, got %v", err)
	}

	if ok, err := r.InsertMarker(ctx, nil, armed); err != nil || !ok {
		t.Fatalf("insert: ok=%v err=%v", ok, err)
	}
	req := domain.DispatchRequest{CaseID: "c1", Recipients: []string{"qa@example.com"}, Subject: "approved"}
	if err := r.SetMarkerRequest(ctx, "c1", req); err != nil {
		t.Fatalf("set request: %v", err)
	}
	got, err := r.GetMarker(ctx, "c1")
	if err != nil || got.Request.Subject != "approved" || got.Attempts != 0 {
		t.Fatalf("unexpected marker %+v err=%v", got, err)
	}
	if err := r.SetMarkerRequest(ctx, "missing", req); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRiskUpsert(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	now := time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)
	seedCase(t, r, "c1", now)

	a := domain.RiskAssessment{CaseID: "c1", Probability: 2, Severity: 3, MatrixVersion: "2024.1", AssessedBy: "u", AssessedAt: now}
	if err := r.UpsertRisk(ctx, nil, a); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	a.Severity = 5
	if err := r.UpsertRisk(ctx, nil, a); err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	got, err := r.GetRisk(ctx, "c1")
	if err != nil || got.Severity != 5 || got.MatrixVersion != "2024.1" {
		t.Fatalf("unexpected risk %+v err=%v", got, err)
	}
	a.Probability = 9
	if err := r.UpsertRisk(ctx, nil, a); err == nil {
		t.Fatalf("expected check constraint failure")
	}
}
