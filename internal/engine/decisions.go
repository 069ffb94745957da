package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"stagegate/internal/domain"
	"stagegate/internal/events"
	"stagegate/internal/lifecycle"
	"stagegate/internal/notify"
	"stagegate/internal/platform/logging"
	"stagegate/internal/repo"
)

// DecisionOptions are parameters for a reviewer decision.
type DecisionOptions struct {
	CaseID   string
	Stage    string
	Decision domain.Decision
	ActorID  string
	Comment  string
}

// Transition reports the status change a write caused.
type Transition struct {
	CaseID       string                 `json:"case_id"`
	Previous     domain.CaseStatus      `json:"previous_status"`
	Status       domain.CaseStatus      `json:"status"`
	Decisions    []domain.StageDecision `json:"decisions,omitempty"`
	Notification notify.Outcome         `json:"notification,omitempty"`
}

// withCaseLock serializes writers of one case.
func (e Engine) withCaseLock(ctx context.Context, caseID string, fn func() error) error {
	start := time.Now()
	release, err := e.locks().Lock(ctx, caseID)
	if err != nil {
		return fmt.Errorf("lock case %s: %w", caseID, err)
	}
	e.Metrics.ObserveLockWait(time.Since(start))
	defer release()
	return fn()
}

// RecordDecision appends a reviewer decision, recomputes the case status and
// fires the notification trigger when the case first reaches Approved.
func (e Engine) RecordDecision(ctx context.Context, opts DecisionOptions) (Transition, error) {
	ctx, span := e.span(ctx, "engine.RecordDecision", opts.CaseID)
	defer span.End()
	span.SetAttributes(attribute.String("stage", opts.Stage), attribute.String("decision", string(opts.Decision)))

	var (
		tr Transition
		c  domain.Case
	)
	err := e.withCaseLock(ctx, opts.CaseID, func() error {
		var err error
		tr, c, err = e.recordDecision(ctx, opts)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Transition{}, err
	}
	e.Metrics.IncDecision(string(c.Kind), string(opts.Decision))
	logging.Audit(ctx, e.logger(), events.DecisionRecorded,
		"case_id", c.ID, "stage", opts.Stage, "decision", string(opts.Decision), "actor_id", opts.ActorID)
	tr.Notification = e.afterChange(ctx, c, tr.Previous, tr.Status, opts.ActorID)
	return tr, nil
}

func (e Engine) recordDecision(ctx context.Context, opts DecisionOptions) (Transition, domain.Case, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Transition{}, domain.Case{}, err
	}
	defer tx.Rollback()

	c, err := e.loadCase(ctx, tx, opts.CaseID)
	if err != nil {
		return Transition{}, c, err
	}
	if err := e.checkAuthority(ctx, tx, c, opts.Stage, opts.ActorID); err != nil {
		return Transition{}, c, err
	}
	l := e.ledger()
	prev, err := l.Status(ctx, tx, c)
	if err != nil {
		return Transition{}, c, err
	}
	d, err := l.RecordDecision(ctx, tx, c, opts.Stage, opts.Decision, opts.ActorID, opts.Comment)
	if err != nil {
		return Transition{}, c, err
	}
	if err := e.Auth.EnsureActor(ctx, tx, d.ActorID); err != nil {
		return Transition{}, c, err
	}
	next, err := l.Status(ctx, tx, c)
	if err != nil {
		return Transition{}, c, err
	}
	if err := lifecycle.CheckTransition(prev, next); err != nil {
		return Transition{}, c, withCase(err, c.ID)
	}
	if err := e.Events.Append(ctx, tx, events.DecisionRecorded, c.ID, "stage_decision", fmt.Sprint(d.Seq), d.ActorID, events.EventPayload{
		"stage": d.Stage, "decision": string(d.Decision), "comment": d.Comment,
	}); err != nil {
		return Transition{}, c, err
	}
	if err := e.appendStatusChange(ctx, tx, c.ID, d.ActorID, prev, next); err != nil {
		return Transition{}, c, err
	}
	if err := e.trigger().Arm(ctx, tx, c.ID, prev, next); err != nil {
		return Transition{}, c, err
	}
	if err := tx.Commit(); err != nil {
		return Transition{}, c, err
	}
	return Transition{CaseID: c.ID, Previous: prev, Status: next, Decisions: []domain.StageDecision{d}}, c, nil
}

func (e Engine) checkAuthority(ctx context.Context, tx *sql.Tx, c domain.Case, stage, actorID string) error {
	if e.Config == nil {
		return nil
	}
	kc, ok := e.Config.Kind(c.Kind)
	if !ok {
		return nil
	}
	st, ok := kc.Stage(stage)
	if !ok {
		return nil
	}
	return e.Auth.CheckStageAuthority(ctx, tx, c, stage, actorID, st.Authorities)
}

func (e Engine) appendStatusChange(ctx context.Context, tx *sql.Tx, caseID, actorID string, prev, next domain.CaseStatus) error {
	if prev == next {
		return nil
	}
	return e.Events.Append(ctx, tx, events.CaseStatusChanged, caseID, "case", caseID, actorID, events.EventPayload{
		"from": string(prev), "to": string(next),
	})
}

// Resubmit sends a NeedsChanges case back to review. Each stage whose active
// decision is NeedsChanges gets a Resubmitted entry and becomes pending.
func (e Engine) Resubmit(ctx context.Context, caseID, actorID, comment string) (Transition, error) {
	ctx, span := e.span(ctx, "engine.Resubmit", caseID)
	defer span.End()
	if strings.TrimSpace(actorID) == "" {
		return Transition{}, fmt.Errorf("%w: actor is required", domain.ErrInvalidInput)
	}
	var (
		tr Transition
		c  domain.Case
	)
	err := e.withCaseLock(ctx, caseID, func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if c, err = e.loadCase(ctx, tx, caseID); err != nil {
			return err
		}
		l := e.ledger()
		prev, err := l.Status(ctx, tx, c)
		if err != nil {
			return err
		}
		if prev.Terminal() {
			return domain.Reject(domain.ErrCaseTerminated, c.ID, "", prev, "reopen the case before resubmitting")
		}
		if !lifecycle.CanResubmit(prev) {
			return domain.Reject(domain.ErrInvalidTransition, c.ID, "", prev, "only a case in NeedsChanges can be resubmitted")
		}
		active, err := l.ActiveDecisions(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		tr = Transition{CaseID: c.ID, Previous: prev}
		for _, stage := range c.Stages {
			if d, ok := active[stage]; !ok || d.Decision != domain.DecisionNeedsChanges {
				continue
			}
			reset, err := l.AppendReset(ctx, tx, c, stage, domain.DecisionResubmitted, actorID, comment)
			if err != nil {
				return err
			}
			tr.Decisions = append(tr.Decisions, reset)
		}
		if tr.Status, err = l.Status(ctx, tx, c); err != nil {
			return err
		}
		if err := lifecycle.CheckTransition(prev, tr.Status); err != nil {
			return withCase(err, c.ID)
		}
		if err := e.Events.Append(ctx, tx, events.CaseResubmitted, c.ID, "case", c.ID, actorID, events.EventPayload{
			"stages": resetStages(tr.Decisions), "comment": strings.TrimSpace(comment),
		}); err != nil {
			return err
		}
		if err := e.appendStatusChange(ctx, tx, c.ID, actorID, prev, tr.Status); err != nil {
			return err
		}
		if err := e.trigger().Arm(ctx, tx, c.ID, prev, tr.Status); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		span.RecordError(err)
		return Transition{}, err
	}
	logging.Audit(ctx, e.logger(), events.CaseResubmitted, "case_id", c.ID, "actor_id", actorID)
	tr.Notification = e.afterChange(ctx, c, tr.Previous, tr.Status, actorID)
	return tr, nil
}

// Close sets the explicit closed flag. Only an Approved case may be closed.
func (e Engine) Close(ctx context.Context, caseID, actorID string) (Transition, error) {
	ctx, span := e.span(ctx, "engine.Close", caseID)
	defer span.End()
	if strings.TrimSpace(actorID) == "" {
		return Transition{}, fmt.Errorf("%w: actor is required", domain.ErrInvalidInput)
	}
	var (
		tr Transition
		c  domain.Case
	)
	err := e.withCaseLock(ctx, caseID, func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if c, err = e.loadCase(ctx, tx, caseID); err != nil {
			return err
		}
		prev, err := e.ledger().Status(ctx, tx, c)
		if err != nil {
			return err
		}
		if prev.Terminal() {
			return domain.Reject(domain.ErrCaseTerminated, c.ID, "", prev, "")
		}
		if !lifecycle.CanClose(prev) {
			return domain.Reject(domain.ErrInvalidTransition, c.ID, "", prev, "only an Approved case can be closed")
		}
		now := e.now()
		if err := e.Repo.SetClosed(ctx, tx, c.ID, &actorID, &now); err != nil {
			return err
		}
		c.ClosedBy, c.ClosedAt = &actorID, &now
		tr = Transition{CaseID: c.ID, Previous: prev, Status: domain.StatusClosed}
		if err := e.Events.Append(ctx, tx, events.CaseClosed, c.ID, "case", c.ID, actorID, nil); err != nil {
			return err
		}
		if err := e.appendStatusChange(ctx, tx, c.ID, actorID, prev, tr.Status); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		span.RecordError(err)
		return Transition{}, err
	}
	logging.Audit(ctx, e.logger(), events.CaseClosed, "case_id", c.ID, "actor_id", actorID)
	e.afterChange(ctx, c, tr.Previous, tr.Status, actorID)
	return tr, nil
}

// Reopen moves a Rejected or Closed case back into play. The authorizer must
// allow it. A Closed case returns to Approved; a Rejected case gets a
// Reopened entry on every rejected stage, which becomes pending again.
func (e Engine) Reopen(ctx context.Context, caseID, actorID, reason string) (Transition, error) {
	ctx, span := e.span(ctx, "engine.Reopen", caseID)
	defer span.End()
	if strings.TrimSpace(actorID) == "" {
		return Transition{}, fmt.Errorf("%w: actor is required", domain.ErrInvalidInput)
	}
	var (
		tr Transition
		c  domain.Case
	)
	err := e.withCaseLock(ctx, caseID, func() error {
		var err error
		if c, err = e.loadCase(ctx, nil, caseID); err != nil {
			return err
		}
		l := e.ledger()
		if err := l.AuthorizeReopen(ctx, c, actorID, reason); err != nil {
			return err
		}

		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		prev, err := l.Status(ctx, tx, c)
		if err != nil {
			return err
		}
		tr = Transition{CaseID: c.ID, Previous: prev}
		switch prev {
		case domain.StatusClosed:
			if err := e.Repo.SetClosed(ctx, tx, c.ID, nil, nil); err != nil {
				return err
			}
			c.ClosedBy, c.ClosedAt = nil, nil
		case domain.StatusRejected:
			active, err := l.ActiveDecisions(ctx, tx, c.ID)
			if err != nil {
				return err
			}
			for _, stage := range c.Stages {
				if d, ok := active[stage]; !ok || d.Decision != domain.DecisionRejected {
					continue
				}
				reset, err := l.AppendReset(ctx, tx, c, stage, domain.DecisionReopened, actorID, reason)
				if err != nil {
					return err
				}
				tr.Decisions = append(tr.Decisions, reset)
			}
		default:
			return domain.Reject(domain.ErrInvalidTransition, c.ID, "", prev, "only Rejected or Closed cases can be reopened")
		}
		if tr.Status, err = l.Status(ctx, tx, c); err != nil {
			return err
		}
		if err := lifecycle.CheckReopen(prev, tr.Status); err != nil {
			return withCase(err, c.ID)
		}
		if err := e.Events.Append(ctx, tx, events.CaseReopened, c.ID, "case", c.ID, actorID, events.EventPayload{
			"reason": strings.TrimSpace(reason), "stages": resetStages(tr.Decisions),
		}); err != nil {
			return err
		}
		if err := e.appendStatusChange(ctx, tx, c.ID, actorID, prev, tr.Status); err != nil {
			return err
		}
		if err := e.trigger().Arm(ctx, tx, c.ID, prev, tr.Status); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		span.RecordError(err)
		return Transition{}, err
	}
	logging.Audit(ctx, e.logger(), events.CaseReopened, "case_id", c.ID, "actor_id", actorID, "reason", reason)
	tr.Notification = e.afterChange(ctx, c, tr.Previous, tr.Status, actorID)
	return tr, nil
}

// afterChange runs once the write committed. An approval edge already has
// its marker from the write's tx, so notification problems never fail the
// write; they are logged and left to the retrier.
func (e Engine) afterChange(ctx context.Context, c domain.Case, prev, next domain.CaseStatus, actorID string) notify.Outcome {
	if prev != next {
		e.Metrics.IncTransition(string(c.Kind), string(prev), string(next))
		logging.Audit(ctx, e.logger(), events.CaseStatusChanged,
			"case_id", c.ID, "from", string(prev), "to", string(next), "actor_id", actorID)
	}
	out, err := e.trigger().OnStatusChange(ctx, c, prev, next)
	if err != nil {
		e.logger().ErrorContext(ctx, "notification trigger failed", "case_id", c.ID, "error", err)
		return ""
	}
	e.recordNotification(ctx, c.ID, out)
	return out
}

// recordNotification adds the trigger outcome to the event log.
func (e Engine) recordNotification(ctx context.Context, caseID string, out notify.Outcome) {
	var evt string
	switch out {
	case notify.OutcomeDispatched:
		evt = events.NotificationSent
	case notify.OutcomePending:
		evt = events.NotificationFailed
	default:
		return
	}
	err := func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		payload := events.EventPayload{"outcome": string(out)}
		if m, err := e.Repo.GetMarker(ctx, caseID); err == nil {
			payload["attempts"] = m.Attempts
			if m.LastError != "" {
				payload["error"] = m.LastError
			}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err := e.Events.Append(ctx, tx, evt, caseID, "notification", caseID, "system", payload); err != nil {
			return err
		}
		return tx.Commit()
	}()
	if err != nil {
		e.logger().WarnContext(ctx, "record notification event", "case_id", caseID, "error", err)
	}
}

func resetStages(ds []domain.StageDecision) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Stage)
	}
	return out
}

// withCase fills the case id into a rejection raised without one.
func withCase(err error, caseID string) error {
	var rej *domain.RejectionError
	if errors.As(err, &rej) && rej.CaseID == "" {
		cp := *rej
		cp.CaseID = caseID
		return &cp
	}
	return err
}
