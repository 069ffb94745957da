// Package ledger is the append-only record of stage decisions. The active
// decision of a stage is its most recent entry by (decided_at, seq).
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"stagegate/internal/domain"
	"stagegate/internal/lifecycle"
	"stagegate/internal/repo"
)

// ReopenAuthorizer decides whether a terminal case may be reopened.
type ReopenAuthorizer func(ctx context.Context, c domain.Case, actorID, reason string) error

// DenyReopen is the default authorizer.
func DenyReopen(_ context.Context, c domain.Case, _ string, _ string) error {
	return domain.Reject(domain.ErrReopenNotAuthorized, c.ID, "", "", "no reopen authorizer configured")
}

type Ledger struct {
	Repo   repo.Repo
	Now    func() time.Time
	Reopen ReopenAuthorizer
}

func (l Ledger) now() time.Time {
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now().UTC()
}

// RecordDecision validates and appends a reviewer decision inside tx.
func (l Ledger) RecordDecision(ctx context.Context, tx *sql.Tx, c domain.Case, stage string, decision domain.Decision, actorID, comment string) (domain.StageDecision, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return domain.StageDecision{}, fmt.Errorf("%w: actor is required", domain.ErrInvalidInput)
	}
	if !decision.Reviewer() {
		return domain.StageDecision{}, fmt.Errorf("%w: %q is not a reviewer decision", domain.ErrInvalidInput, decision)
	}
	if !c.HasStage(stage) {
		return domain.StageDecision{}, domain.Reject(domain.ErrUnknownStage, c.ID, stage, "",
			fmt.Sprintf("required stages are %s", strings.Join(c.Stages, ", ")))
	}
	existing, err := l.Repo.ListDecisionsTx(ctx, tx, c.ID)
	if err != nil {
		return domain.StageDecision{}, err
	}
	status := DeriveStatus(c, existing)
	if status.Terminal() {
		return domain.StageDecision{}, domain.Reject(domain.ErrCaseTerminated, c.ID, stage, status, "reopen the case before recording decisions")
	}
	return l.appendEntry(ctx, tx, c, existing, stage, decision, actorID, comment)
}

// AppendReset writes an engine-issued reset (Resubmitted or Reopened) that
// makes a stage pending again. Callers check the case state first.
func (l Ledger) AppendReset(ctx context.Context, tx *sql.Tx, c domain.Case, stage string, reset domain.Decision, actorID, comment string) (domain.StageDecision, error) {
	if !reset.Reset() {
		return domain.StageDecision{}, fmt.Errorf("%w: %q is not a reset", domain.ErrInvalidInput, reset)
	}
	if !c.HasStage(stage) {
		return domain.StageDecision{}, domain.Reject(domain.ErrUnknownStage, c.ID, stage, "", "")
	}
	existing, err := l.Repo.ListDecisionsTx(ctx, tx, c.ID)
	if err != nil {
		return domain.StageDecision{}, err
	}
	return l.appendEntry(ctx, tx, c, existing, stage, reset, actorID, comment)
}

func (l Ledger) appendEntry(ctx context.Context, tx *sql.Tx, c domain.Case, existing []domain.StageDecision, stage string, decision domain.Decision, actorID, comment string) (domain.StageDecision, error) {
	at := l.now()
	// decided_at never precedes an earlier entry of the same case
	if n := len(existing); n > 0 && at.Before(existing[n-1].DecidedAt) {
		at = existing[n-1].DecidedAt
	}
	d := domain.StageDecision{
		CaseID:    c.ID,
		Stage:     stage,
		Decision:  decision,
		ActorID:   actorID,
		Comment:   strings.TrimSpace(comment),
		DecidedAt: at,
	}
	seq, err := l.Repo.AppendDecision(ctx, tx, d)
	if err != nil {
		return domain.StageDecision{}, fmt.Errorf("append decision: %w", err)
	}
	d.Seq = seq
	return d, nil
}

// ActiveDecision returns the decision currently in force for a stage, if any.
func (l Ledger) ActiveDecision(ctx context.Context, caseID, stage string) (domain.StageDecision, bool, error) {
	d, err := l.Repo.LatestDecision(ctx, caseID, stage)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.StageDecision{}, false, nil
	}
	if err != nil {
		return domain.StageDecision{}, false, err
	}
	return d, true, nil
}

// ActiveDecisions maps each decided stage to its active decision.
func (l Ledger) ActiveDecisions(ctx context.Context, tx *sql.Tx, caseID string) (map[string]domain.StageDecision, error) {
	all, err := l.Repo.ListDecisionsTx(ctx, tx, caseID)
	if err != nil {
		return nil, err
	}
	return domain.ActiveByStage(all), nil
}

// Decisions returns the full log, oldest first.
func (l Ledger) Decisions(ctx context.Context, caseID string) ([]domain.StageDecision, error) {
	return l.Repo.ListDecisions(ctx, caseID)
}

// AllStagesSatisfied reports whether every required stage is approved.
func (l Ledger) AllStagesSatisfied(ctx context.Context, c domain.Case) (bool, error) {
	active, err := l.ActiveDecisions(ctx, nil, c.ID)
	if err != nil {
		return false, err
	}
	return lifecycle.AllSatisfied(c.Stages, Outcomes(active)), nil
}

// Status derives the current status of c from the stored ledger.
func (l Ledger) Status(ctx context.Context, tx *sql.Tx, c domain.Case) (domain.CaseStatus, error) {
	all, err := l.Repo.ListDecisionsTx(ctx, tx, c.ID)
	if err != nil {
		return "", err
	}
	return DeriveStatus(c, all), nil
}

// AuthorizeReopen consults the configured hook, denying when none is set.
func (l Ledger) AuthorizeReopen(ctx context.Context, c domain.Case, actorID, reason string) error {
	if l.Reopen == nil {
		return DenyReopen(ctx, c, actorID, reason)
	}
	return l.Reopen(ctx, c, actorID, reason)
}

// DeriveStatus is lifecycle.Derive over a raw decision log.
func DeriveStatus(c domain.Case, decisions []domain.StageDecision) domain.CaseStatus {
	return lifecycle.Derive(c.Stages, Outcomes(domain.ActiveByStage(decisions)), c.Closed())
}

// Outcomes projects active entries to their decision values.
func Outcomes(active map[string]domain.StageDecision) map[string]domain.Decision {
	out := make(map[string]domain.Decision, len(active))
	for stage, d := range active {
		out[stage] = d.Decision
	}
	return out
}
