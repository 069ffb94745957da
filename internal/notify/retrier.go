package notify

import (
	"context"
	"log/slog"
	"time"

	"stagegate/internal/domain"
)

const (
	defaultRetryInterval = 30 * time.Second
	defaultRetryBatch    = 50
)

// Retrier polls pending markers and hands them back to the trigger.
type Retrier struct {
	Trigger  Trigger
	Reload   func(ctx context.Context, caseID string) (domain.DispatchRequest, error)
	Interval time.Duration
	Batch    int
	Logger   *slog.Logger
}

type RetryReport struct {
	Attempted  int      `json:"attempted"`
	Dispatched int      `json:"dispatched"`
	Pending    int      `json:"pending"`
	Errors     []string `json:"errors,omitempty"`
}

// Run retries on every tick until ctx is cancelled.
func (r Retrier) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = defaultRetryInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && r.Logger != nil {
			r.Logger.ErrorContext(ctx, "notification retry pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce makes one pass over the pending markers that still have attempts
// left.
func (r Retrier) RunOnce(ctx context.Context) (RetryReport, error) {
	batch := r.Batch
	if batch <= 0 {
		batch = defaultRetryBatch
	}
	pending, err := r.Trigger.Store.PendingMarkers(ctx, batch, r.Trigger.MaxAttempts)
	if err != nil {
		return RetryReport{}, err
	}
	var rep RetryReport
	for _, m := range pending {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Attempted++
		out, err := r.Trigger.Redispatch(ctx, m.CaseID, r.Reload)
		switch {
		case err != nil:
			rep.Errors = append(rep.Errors, m.CaseID+": "+err.Error())
		case out == OutcomeDispatched:
			rep.Dispatched++
		case out == OutcomePending:
			rep.Pending++
		}
	}
	if r.Logger != nil && rep.Attempted > 0 {
		r.Logger.InfoContext(ctx, "notification.retry",
			"attempted", rep.Attempted, "dispatched", rep.Dispatched, "pending", rep.Pending)
	}
	return rep, nil
}
