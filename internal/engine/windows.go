package engine

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"stagegate/internal/domain"
	"stagegate/internal/ledger"
	"stagegate/internal/repo"
)

// overdueWorkers bounds concurrent case evaluation in OverdueCases.
const overdueWorkers = 8

// StageWindow derives the SLA window of one stage at now.
func (e Engine) StageWindow(ctx context.Context, caseID, stage string, now time.Time) (domain.StageWindow, error) {
	c, err := e.loadCase(ctx, nil, caseID)
	if err != nil {
		return domain.StageWindow{}, err
	}
	decisions, err := e.Repo.ListDecisions(ctx, c.ID)
	if err != nil {
		return domain.StageWindow{}, err
	}
	return e.Clock.Window(c, decisions, stage, now)
}

// OpenWindows lists the windows of every entered, not yet approved stage.
// Terminal cases have none.
func (e Engine) OpenWindows(ctx context.Context, caseID string, now time.Time) ([]domain.StageWindow, error) {
	c, err := e.loadCase(ctx, nil, caseID)
	if err != nil {
		return nil, err
	}
	decisions, err := e.Repo.ListDecisions(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if ledger.DeriveStatus(c, decisions).Terminal() {
		return nil, nil
	}
	return e.Clock.OpenWindows(c, decisions, now), nil
}

// OverdueStage is one overdue window with enough case context to act on it.
type OverdueStage struct {
	domain.StageWindow
	Kind   domain.CaseKind   `json:"kind"`
	Title  string            `json:"title"`
	Status domain.CaseStatus `json:"status"`
}

// OverdueCases evaluates every open case at now and returns its overdue
// stages, most overdue first. It is the entry point for schedulers.
func (e Engine) OverdueCases(ctx context.Context, now time.Time) ([]OverdueStage, error) {
	ctx, span := tracer.Start(ctx, "engine.OverdueCases")
	defer span.End()

	cases, err := e.Repo.ListCases(ctx, repo.CaseFilters{OpenOnly: true})
	if err != nil {
		return nil, err
	}
	found := make([][]OverdueStage, len(cases))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(overdueWorkers)
	for i, c := range cases {
		g.Go(func() error {
			decisions, err := e.Repo.ListDecisions(gctx, c.ID)
			if err != nil {
				return err
			}
			status := ledger.DeriveStatus(c, decisions)
			if status.Terminal() {
				return nil
			}
			for _, w := range e.Clock.OpenWindows(c, decisions, now) {
				if w.Overdue {
					found[i] = append(found[i], OverdueStage{StageWindow: w, Kind: c.Kind, Title: c.Title, Status: status})
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	var out []OverdueStage
	counts := map[string]int{}
	for _, list := range found {
		for _, o := range list {
			out = append(out, o)
			counts[string(o.Kind)]++
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Deadline.Equal(out[j].Deadline) {
			return out[i].Deadline.Before(out[j].Deadline)
		}
		if out[i].CaseID != out[j].CaseID {
			return out[i].CaseID < out[j].CaseID
		}
		return out[i].Stage < out[j].Stage
	})
	for _, kind := range domain.CaseKinds() {
		if _, ok := counts[string(kind)]; !ok {
			counts[string(kind)] = 0
		}
	}
	e.Metrics.SetOverdue(counts)
	e.logger().InfoContext(ctx, "sla.sweep", "open_cases", len(cases), "overdue_stages", len(out))
	return out, nil
}
