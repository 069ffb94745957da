package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagegate/internal/db"
	"stagegate/internal/domain"
	"stagegate/internal/lock"
	"stagegate/internal/migrate"
	"stagegate/internal/repo"
)

func newTrigger(t *testing.T, gw Gateway) (Trigger, repo.Repo, domain.Case) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}

	now := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	c := domain.Case{
		ID: "dev-1", Kind: domain.KindDeviation, Title: "Pump seal", Reference: "DV-7",
		Stages: []string{"Financial", "Documentation"}, CreatedBy: "alice", CreatedAt: now,
	}
	require.NoError(t, r.InsertCase(context.Background(), nil, c))

	renderer := Renderer{Notices: map[domain.CaseKind]Notice{
		domain.KindDeviation: {Recipients: []string{"qa@example.com"}, Locale: "en"},
	}}
	trig := Trigger{
		Store:   r,
		Gateway: gw,
		Locks:   lock.NewLocal(),
		Render: func(_ context.Context, c domain.Case) (domain.DispatchRequest, error) {
			return renderer.Render(Summary{Case: c})
		},
		Timeout: time.Second,
		Now:     func() time.Time { return now },
	}
	return trig, r, c
}

func TestTriggerFiresOnceOnApprovedEdge(t *testing.T) {
	rec := &Recorder{}
	trig, _, c := newTrigger(t, rec)
	ctx := context.Background()

	out, err := trig.OnStatusChange(ctx, c, domain.StatusInReview, domain.StatusNeedsChanges)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotApplicable, out)

	out, err = trig.OnStatusChange(ctx, c, domain.StatusInReview, domain.StatusApproved)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDispatched, out)

	out, err = trig.OnStatusChange(ctx, c, domain.StatusApproved, domain.StatusApproved)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotApplicable, out)

	// Approved -> NeedsChanges -> Approved must not send again.
	out, err = trig.OnStatusChange(ctx, c, domain.StatusNeedsChanges, domain.StatusApproved)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyDispatched, out)

	assert.Equal(t, 1, rec.Count(c.ID))
}

func TestTriggerKeepsPendingMarkerOnFailure(t *testing.T) {
	fail := true
	rec := &Recorder{Fail: func(domain.DispatchRequest) error {
		if fail {
			return errors.New("smtp relay down")
		}
		return nil
	}}
	trig, r, c := newTrigger(t, rec)
	ctx := context.Background()

	out, err := trig.OnStatusChange(ctx, c, domain.StatusInReview, domain.StatusApproved)
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, out)

	m, err := r.GetMarker(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarkerPending, m.State)
	assert.Equal(t, 1, m.Attempts)
	assert.Contains(t, m.LastError, "smtp relay down")

	retrier := Retrier{Trigger: trig}
	rep, err := retrier.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, RetryReport{Attempted: 1, Pending: 1}, rep)

	fail = false
	rep, err = retrier.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Dispatched)

	m, err = r.GetMarker(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarkerDispatched, m.State)
	assert.Equal(t, 3, m.Attempts)
	assert.Equal(t, 1, rec.Count(c.ID))

	rep, err = retrier.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Attempted)
}

func TestArmedMarkerIsDispatchedByRetrier(t *testing.T) {
	rec := &Recorder{}
	trig, r, c := newTrigger(t, rec)
	ctx := context.Background()

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, trig.Arm(ctx, tx, c.ID, domain.StatusInReview, domain.StatusNeedsChanges))
	require.NoError(t, trig.Arm(ctx, tx, c.ID, domain.StatusInReview, domain.StatusApproved))
	require.NoError(t, tx.Commit())

	m, err := r.GetMarker(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarkerPending, m.State)
	assert.Zero(t, m.Attempts)
	assert.Empty(t, m.Request.Recipients)

	retrier := Retrier{Trigger: trig, Reload: func(ctx context.Context, _ string) (domain.DispatchRequest, error) {
		return trig.Render(ctx, c)
	}}
	rep, err := retrier.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, RetryReport{Attempted: 1, Dispatched: 1}, rep)

	m, err = r.GetMarker(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarkerDispatched, m.State)
	assert.Equal(t, []string{"qa@example.com"}, m.Request.Recipients)
	assert.Equal(t, 1, rec.Count(c.ID))

	out, err := trig.OnStatusChange(ctx, c, domain.StatusInReview, domain.StatusApproved)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyDispatched, out)
	assert.Equal(t, 1, rec.Count(c.ID))
}

func TestArmedMarkerWithoutRendererStaysPending(t *testing.T) {
	trig, r, c := newTrigger(t, &Recorder{})
	ctx := context.Background()
	require.NoError(t, trig.Arm(ctx, nil, c.ID, domain.StatusInReview, domain.StatusApproved))

	rep, err := Retrier{Trigger: trig}.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, RetryReport{Attempted: 1, Pending: 1}, rep)
	m, err := r.GetMarker(ctx, c.ID)
	require.NoError(t, err)
	assert.Contains(t, m.LastError, "no rendered request")
}

func TestRetriesStopAtMaxAttempts(t *testing.T) {
	var calls int
	gw := GatewayFunc(func(context.Context, domain.DispatchRequest) error {
		calls++
		return errors.New("smtp relay down")
	})
	trig, r, c := newTrigger(t, gw)
	trig.MaxAttempts = 2
	ctx := context.Background()

	out, err := trig.OnStatusChange(ctx, c, domain.StatusInReview, domain.StatusApproved)
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, out)

	retrier := Retrier{Trigger: trig}
	rep, err := retrier.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, RetryReport{Attempted: 1, Pending: 1}, rep)

	rep, err = retrier.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Attempted)

	_, err = trig.Redispatch(ctx, c.ID, nil)
	assert.ErrorIs(t, err, ErrMarkerExhausted)

	out, err = trig.OnStatusChange(ctx, c, domain.StatusNeedsChanges, domain.StatusApproved)
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, out)

	m, err := r.GetMarker(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Attempts)
	assert.Equal(t, 2, calls)
}

func TestTriggerBoundsGatewayCall(t *testing.T) {
	slow := GatewayFunc(func(ctx context.Context, _ domain.DispatchRequest) error {
		<-ctx.Done()
		return ctx.Err()
	})
	trig, r, c := newTrigger(t, slow)
	trig.Timeout = 20 * time.Millisecond

	out, err := trig.OnStatusChange(context.Background(), c, domain.StatusInReview, domain.StatusApproved)
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, out)
	m, err := r.GetMarker(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Contains(t, m.LastError, "deadline exceeded")
}

func TestRenderMissingRecipientsLeavesPendingMarker(t *testing.T) {
	rec := &Recorder{}
	trig, r, c := newTrigger(t, rec)
	c.Kind = domain.KindContract

	out, err := trig.OnStatusChange(context.Background(), c, domain.StatusInReview, domain.StatusApproved)
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, out)
	m, err := r.GetMarker(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Contains(t, m.LastError, "no notification recipients")
	assert.Zero(t, rec.Count(c.ID))
}

func TestRenderLocalized(t *testing.T) {
	at := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	c := domain.Case{
		ID: "dev-1", Kind: domain.KindDeviation, Title: "<b>Pump</b>", Reference: "DV-7",
		Attachments: []domain.Attachment{{Name: "report.pdf", URL: "https://files.example.com/r.pdf"}},
	}
	r := Renderer{Notices: map[domain.CaseKind]Notice{
		domain.KindDeviation: {Recipients: []string{"qa@example.com"}, Locale: "pt-BR", Subject: "Desvio {{.Reference}} aprovado"},
	}}
	req, err := r.Render(Summary{
		Case: c,
		Active: []domain.StageDecision{
			{Stage: "Financial", Decision: domain.DecisionApproved, ActorID: "bob", DecidedAt: at},
		},
		Risk: &domain.RiskAssessment{Category: domain.RiskModerate, Score: 10, MatrixVersion: "2024.1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Desvio DV-7 aprovado", req.Subject)
	assert.Equal(t, []string{"qa@example.com"}, req.Recipients)
	assert.Contains(t, req.BodyHTML, "Etapa")
	assert.Contains(t, req.BodyHTML, "Aprovado")
	assert.Contains(t, req.BodyHTML, "Moderado")
	assert.Contains(t, req.BodyHTML, "https://files.example.com/r.pdf")
	assert.Len(t, req.Attachments, 1)

	r.Notices[domain.KindDeviation] = Notice{Recipients: []string{"qa@example.com"}, Locale: "en"}
	req, err = r.Render(Summary{Case: c})
	require.NoError(t, err)
	assert.Equal(t, "Case DV-7 approved", req.Subject)
	assert.Contains(t, req.BodyHTML, "Stage")
}

func TestRenderEscapesCaseText(t *testing.T) {
	c := domain.Case{ID: "x", Kind: domain.KindOccurrence, Title: "<script>alert(1)</script>"}
	r := Renderer{Notices: map[domain.CaseKind]Notice{domain.KindOccurrence: {Recipients: []string{"a@b"}}}}
	req, err := r.Render(Summary{Case: c})
	require.NoError(t, err)
	assert.NotContains(t, req.BodyHTML, "<script>")
}

func TestWebhookGateway(t *testing.T) {
	var got webhookBody
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&got)
		if strings.Contains(got.Subject, "fail") {
			http.Error(w, "nope", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	gw := WebhookGateway{URL: srv.URL, Secret: "s3cret"}
	err := gw.Enqueue(context.Background(), domain.DispatchRequest{CaseID: "c1", Recipients: []string{"a@b"}, Subject: "ok"})
	require.NoError(t, err)
	assert.Equal(t, "c1", got.CaseID)
	assert.Equal(t, "s3cret", headers.Get("X-Stagegate-Secret"))
	assert.Equal(t, "c1", headers.Get("X-Stagegate-Delivery"))

	err = gw.Enqueue(context.Background(), domain.DispatchRequest{CaseID: "c1", Subject: "fail"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}
