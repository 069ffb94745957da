package engine

import (
	"context"
	"errors"

	"stagegate/internal/domain"
	"stagegate/internal/notify"
	"stagegate/internal/repo"
)

func (e Engine) gateway() notify.Gateway {
	if e.Gateway == nil {
		return notify.LogGateway{Logger: e.logger()}
	}
	return e.Gateway
}

func (e Engine) trigger() notify.Trigger {
	t := notify.Trigger{
		Store:   e.Repo,
		Gateway: e.gateway(),
		Locks:   e.locks(),
		Render:  e.render,
		Logger:  e.Logger,
		Metrics: e.Metrics,
		Now:     e.Now,
	}
	if e.Config != nil {
		t.Timeout = e.Config.NotifyTimeout()
		t.MaxAttempts = e.Config.MaxNotifyAttempts()
	}
	return t
}

// render builds the consolidated notification: each stage's active
// decision in stage order plus the risk assessment when there is one.
func (e Engine) render(ctx context.Context, c domain.Case) (domain.DispatchRequest, error) {
	active, err := e.ledger().ActiveDecisions(ctx, nil, c.ID)
	if err != nil {
		return domain.DispatchRequest{}, err
	}
	s := notify.Summary{Case: c}
	for _, stage := range c.Stages {
		if d, ok := active[stage]; ok {
			s.Active = append(s.Active, d)
		}
	}
	a, err := e.Repo.GetRisk(ctx, c.ID)
	switch {
	case err == nil:
		if a, err = e.registry().Derive(a); err != nil {
			return domain.DispatchRequest{}, err
		}
		s.Risk = &a
	case !errors.Is(err, repo.ErrNotFound):
		return domain.DispatchRequest{}, err
	}
	return e.Renderer.Render(s)
}

func (e Engine) reload(ctx context.Context, caseID string) (domain.DispatchRequest, error) {
	c, err := e.loadCase(ctx, nil, caseID)
	if err != nil {
		return domain.DispatchRequest{}, err
	}
	return e.render(ctx, c)
}

// Retrier returns the background loop that re-dispatches pending markers.
func (e Engine) Retrier() notify.Retrier {
	r := notify.Retrier{Trigger: e.trigger(), Reload: e.reload, Logger: e.Logger}
	if e.Config != nil {
		r.Interval = e.Config.RetryInterval()
		r.Batch = e.Config.Notifications.RetryBatch
	}
	return r
}

// RetryNotifications makes one pass over pending markers.
func (e Engine) RetryNotifications(ctx context.Context) (notify.RetryReport, error) {
	ctx, span := tracer.Start(ctx, "engine.RetryNotifications")
	defer span.End()
	return e.Retrier().RunOnce(ctx)
}

// Marker returns the notification marker of a case.
func (e Engine) Marker(ctx context.Context, caseID string) (domain.NotificationMarker, bool, error) {
	if _, err := e.loadCase(ctx, nil, caseID); err != nil {
		return domain.NotificationMarker{}, false, err
	}
	m, err := e.Repo.GetMarker(ctx, caseID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.NotificationMarker{}, false, nil
	}
	if err != nil {
		return domain.NotificationMarker{}, false, err
	}
	return m, true, nil
}
