// Package sla computes per-stage deadlines. Nothing here reads the wall
// clock; callers pass now.
package sla

import (
	"fmt"
	"math"
	"time"

	"stagegate/internal/domain"
)

const day = 24 * time.Hour

// Policy is the SLA configuration of one case kind.
type Policy struct {
	Mode        domain.DayMode
	StageDays   map[string]int
	DefaultDays int
	// Holidays are skipped in business mode, keyed by "2006-01-02".
	Holidays map[string]bool
	Location *time.Location
}

// Days returns the configured deadline for stage, falling back to DefaultDays.
func (p Policy) Days(stage string) int {
	if d, ok := p.StageDays[stage]; ok {
		return d
	}
	return p.DefaultDays
}

func (p Policy) loc() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// BusinessDay reports whether t falls on a weekday that is not a holiday.
func (p Policy) BusinessDay(t time.Time) bool {
	t = t.In(p.loc())
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !p.Holidays[t.Format("2006-01-02")]
}

// Deadline adds days to enteredAt according to the day mode.
func (p Policy) Deadline(enteredAt time.Time, days int) time.Time {
	if p.Mode != domain.DayModeBusiness {
		return enteredAt.AddDate(0, 0, days)
	}
	t := enteredAt
	for n := 0; n < days; {
		t = t.AddDate(0, 0, 1)
		if p.BusinessDay(t) {
			n++
		}
	}
	return t
}

// Remaining is signed and never clamped: negative once the deadline passed.
func (p Policy) Remaining(deadline, now time.Time) int {
	if p.Mode != domain.DayModeBusiness {
		return int(math.Floor(float64(deadline.Sub(now)) / float64(day)))
	}
	return p.businessDaysBetween(now, deadline)
}

// businessDaysBetween counts business days in (from, to] by calendar date,
// negated when to is before from.
func (p Policy) businessDaysBetween(from, to time.Time) int {
	loc := p.loc()
	a := dateOf(from.In(loc))
	b := dateOf(to.In(loc))
	sign := 1
	if b.Before(a) {
		a, b = b, a
		sign = -1
	}
	n := 0
	for d := a.AddDate(0, 0, 1); !d.After(b); d = d.AddDate(0, 0, 1) {
		if p.BusinessDay(d) {
			n++
		}
	}
	return sign * n
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Clock derives stage windows from the ledger.
type Clock struct {
	Policies map[domain.CaseKind]Policy
	Fallback Policy
}

func (c Clock) policy(kind domain.CaseKind) Policy {
	if p, ok := c.Policies[kind]; ok {
		return p
	}
	return c.Fallback
}

// Window returns the SLA window of stage. The first stage is entered when the
// case is created; later stages when the previous stage's active decision is
// Approved, otherwise ErrStageNotReached.
func (c Clock) Window(cs domain.Case, decisions []domain.StageDecision, stage string, now time.Time) (domain.StageWindow, error) {
	idx := cs.StageIndex(stage)
	if idx < 0 {
		return domain.StageWindow{}, domain.Reject(domain.ErrUnknownStage, cs.ID, stage, "", "")
	}
	active := domain.ActiveByStage(decisions)
	return c.window(cs, active, idx, now)
}

func (c Clock) window(cs domain.Case, active map[string]domain.StageDecision, idx int, now time.Time) (domain.StageWindow, error) {
	stage := cs.Stages[idx]
	entered := cs.CreatedAt
	if idx > 0 {
		prev := cs.Stages[idx-1]
		d, ok := active[prev]
		if !ok || d.Decision != domain.DecisionApproved {
			return domain.StageWindow{}, domain.Reject(domain.ErrStageNotReached, cs.ID, stage, "",
				fmt.Sprintf("previous stage %s is not approved", prev))
		}
		entered = d.DecidedAt
	}
	p := c.policy(cs.Kind)
	days := p.Days(stage)
	deadline := p.Deadline(entered, days)
	mode := p.Mode
	if mode == "" {
		mode = domain.DayModeCalendar
	}
	cur, decided := active[stage]
	return domain.StageWindow{
		CaseID:        cs.ID,
		Stage:         stage,
		EnteredAt:     entered,
		Deadline:      deadline,
		DeadlineDays:  days,
		DayMode:       mode,
		DaysRemaining: p.Remaining(deadline, now),
		Overdue:       now.After(deadline),
		Completed:     decided && cur.Decision == domain.DecisionApproved,
	}, nil
}

// OpenWindows returns the windows of every entered stage that is not yet
// approved, in stage order.
func (c Clock) OpenWindows(cs domain.Case, decisions []domain.StageDecision, now time.Time) []domain.StageWindow {
	active := domain.ActiveByStage(decisions)
	var out []domain.StageWindow
	for i := range cs.Stages {
		w, err := c.window(cs, active, i, now)
		if err != nil {
			// later stages cannot be entered either
			break
		}
		if !w.Completed {
			out = append(out, w)
		}
	}
	return out
}
