package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"stagegate/internal/domain"
	"stagegate/internal/lock"
	"stagegate/internal/metrics"
	"stagegate/internal/repo"
)

// Outcome tells the caller what OnStatusChange did.
type Outcome string

const (
	// OutcomeNotApplicable: the change is not an edge into Approved.
	OutcomeNotApplicable Outcome = "not_applicable"
	// OutcomeDispatched: the gateway accepted the request.
	OutcomeDispatched Outcome = "dispatched"
	// OutcomeAlreadyDispatched: a marker existed, nothing was sent.
	OutcomeAlreadyDispatched Outcome = "already_dispatched"
	// OutcomePending: the gateway failed; the marker waits for a retry.
	OutcomePending Outcome = "pending"
)

// Store persists per-case notification markers.
type Store interface {
	InsertMarker(ctx context.Context, tx *sql.Tx, m domain.NotificationMarker) (bool, error)
	GetMarker(ctx context.Context, caseID string) (domain.NotificationMarker, error)
	SetMarkerRequest(ctx context.Context, caseID string, req domain.DispatchRequest) error
	MarkDispatched(ctx context.Context, caseID string, at time.Time) error
	MarkFailed(ctx context.Context, caseID, reason string, at time.Time) (int, error)
	PendingMarkers(ctx context.Context, limit, maxAttempts int) ([]domain.NotificationMarker, error)
}

// RenderFunc builds the request for a case at dispatch time.
type RenderFunc func(ctx context.Context, c domain.Case) (domain.DispatchRequest, error)

type Trigger struct {
	Store   Store
	Gateway Gateway
	Locks   lock.Keyed
	Render  RenderFunc
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Timeout bounds each gateway call.
	Timeout time.Duration
	// MaxAttempts caps failed dispatches per marker; 0 retries forever.
	MaxAttempts int
	Now         func() time.Time
}

var (
	// ErrMarkerNotPending is returned by Redispatch when there is nothing to retry.
	ErrMarkerNotPending = errors.New("notification marker is not pending")
	// ErrMarkerExhausted is returned by Redispatch once MaxAttempts is reached.
	ErrMarkerExhausted = errors.New("notification marker exhausted its attempts")

	errNothingRendered = errors.New("no rendered request stored")
)

// ApprovalEdge reports whether a status change is a move into Approved.
func ApprovalEdge(prev, next domain.CaseStatus) bool {
	return next == domain.StatusApproved && prev != domain.StatusApproved
}

func (t Trigger) now() time.Time {
	if t.Now == nil {
		return time.Now().UTC()
	}
	return t.Now().UTC()
}

func (t Trigger) exhausted(m domain.NotificationMarker) bool {
	return t.MaxAttempts > 0 && m.Attempts >= t.MaxAttempts
}

// Arm writes a pending marker for an approval edge inside tx, so the edge
// and its marker commit together. The request is rendered at dispatch time.
// An existing marker is left untouched.
func (t Trigger) Arm(ctx context.Context, tx *sql.Tx, caseID string, prev, next domain.CaseStatus) error {
	if !ApprovalEdge(prev, next) {
		return nil
	}
	now := t.now()
	_, err := t.Store.InsertMarker(ctx, tx, domain.NotificationMarker{
		CaseID:    caseID,
		State:     domain.MarkerPending,
		Request:   domain.DispatchRequest{CaseID: caseID},
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("arm notification marker: %w", err)
	}
	return nil
}

// OnStatusChange fires the consolidated notification the first time a case
// moves into Approved. Gateway failures are absorbed: the marker stays
// pending and the returned error is nil. Only storage or lock failures are
// returned; a marker armed with the write is then left to the retrier.
func (t Trigger) OnStatusChange(ctx context.Context, c domain.Case, prev, next domain.CaseStatus) (Outcome, error) {
	if !ApprovalEdge(prev, next) {
		return OutcomeNotApplicable, nil
	}
	start := time.Now()
	release, err := t.Locks.Lock(ctx, c.ID)
	if err != nil {
		return "", fmt.Errorf("lock case %s: %w", c.ID, err)
	}
	defer release()
	t.Metrics.ObserveLockWait(time.Since(start))

	now := t.now()
	inserted, err := t.Store.InsertMarker(ctx, nil, domain.NotificationMarker{
		CaseID:    c.ID,
		State:     domain.MarkerPending,
		Request:   domain.DispatchRequest{CaseID: c.ID},
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return "", fmt.Errorf("insert notification marker: %w", err)
	}
	if !inserted {
		m, err := t.Store.GetMarker(ctx, c.ID)
		if err != nil {
			return "", fmt.Errorf("load notification marker: %w", err)
		}
		if m.State != domain.MarkerPending {
			t.Metrics.IncNotification(string(OutcomeAlreadyDispatched))
			t.log(ctx, slog.LevelInfo, "notification.skipped", c.ID, "reason", "marker exists")
			return OutcomeAlreadyDispatched, nil
		}
		if t.exhausted(m) {
			t.log(ctx, slog.LevelWarn, "notification.skipped", c.ID, "reason", "attempts exhausted", "attempts", m.Attempts)
			return OutcomePending, nil
		}
	}
	return t.deliver(ctx, c.ID, func(ctx context.Context, _ string) (domain.DispatchRequest, error) {
		return t.Render(ctx, c)
	})
}

// Redispatch retries one pending marker under the case lock. reload
// rebuilds the request when the stored one was never rendered.
func (t Trigger) Redispatch(ctx context.Context, caseID string, reload func(ctx context.Context, caseID string) (domain.DispatchRequest, error)) (Outcome, error) {
	release, err := t.Locks.Lock(ctx, caseID)
	if err != nil {
		return "", fmt.Errorf("lock case %s: %w", caseID, err)
	}
	defer release()

	m, err := t.Store.GetMarker(ctx, caseID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", ErrMarkerNotPending
	}
	if err != nil {
		return "", err
	}
	if m.State != domain.MarkerPending {
		return OutcomeAlreadyDispatched, nil
	}
	if t.exhausted(m) {
		return OutcomePending, ErrMarkerExhausted
	}
	if len(m.Request.Recipients) > 0 {
		return t.dispatch(ctx, m.Request)
	}
	return t.deliver(ctx, caseID, reload)
}

// deliver renders the request, stores it on the marker and dispatches it.
// The caller holds the case lock.
func (t Trigger) deliver(ctx context.Context, caseID string, render func(ctx context.Context, caseID string) (domain.DispatchRequest, error)) (Outcome, error) {
	if render == nil {
		return t.failed(ctx, caseID, errNothingRendered)
	}
	req, err := render(ctx, caseID)
	if err != nil {
		return t.failed(ctx, caseID, err)
	}
	if err := t.Store.SetMarkerRequest(ctx, caseID, req); err != nil {
		return "", fmt.Errorf("store notification request: %w", err)
	}
	return t.dispatch(ctx, req)
}

func (t Trigger) dispatch(ctx context.Context, req domain.DispatchRequest) (Outcome, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	err := t.Gateway.Enqueue(dctx, req)
	cancel()
	t.Metrics.ObserveDispatch(time.Since(start))
	if err != nil {
		return t.failed(ctx, req.CaseID, err)
	}
	if err := t.Store.MarkDispatched(ctx, req.CaseID, t.now()); err != nil {
		return "", fmt.Errorf("mark dispatched: %w", err)
	}
	t.Metrics.IncNotification(string(OutcomeDispatched))
	t.log(ctx, slog.LevelInfo, "notification.dispatched", req.CaseID, "recipients", len(req.Recipients))
	return OutcomeDispatched, nil
}

func (t Trigger) failed(ctx context.Context, caseID string, cause error) (Outcome, error) {
	err := fmt.Errorf("%w: %v", domain.ErrNotificationDispatchFailed, cause)
	attempts, markErr := t.Store.MarkFailed(ctx, caseID, err.Error(), t.now())
	if markErr != nil {
		return "", fmt.Errorf("mark failed: %w", markErr)
	}
	t.Metrics.IncNotification("failed")
	t.log(ctx, slog.LevelWarn, "notification.failed", caseID, "error", err, "attempts", attempts)
	if t.MaxAttempts > 0 && attempts >= t.MaxAttempts {
		t.Metrics.IncNotification("exhausted")
		t.log(ctx, slog.LevelError, "notification.exhausted", caseID, "attempts", attempts)
	}
	return OutcomePending, nil
}

func (t Trigger) log(ctx context.Context, level slog.Level, event, caseID string, attrs ...any) {
	if t.Logger == nil {
		return
	}
	args := append([]any{"case_id", caseID, "event", event}, attrs...)
	t.Logger.Log(ctx, level, event, args...)
}
