package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"stagegate/internal/domain"
	"stagegate/internal/events"
	"stagegate/internal/platform/logging"
	"stagegate/internal/repo"
	"stagegate/internal/risk"
)

// ErrRiskNotAssessed is returned by GetRisk for a case without assessment.
var ErrRiskNotAssessed = errors.New("risk not assessed")

func (e Engine) registry() *risk.Registry {
	if e.Risk == nil {
		return risk.DefaultRegistry()
	}
	return e.Risk
}

// Classify scores probability and severity with the active matrix.
func (e Engine) Classify(probability, severity int) (domain.RiskAssessment, error) {
	m := e.registry().Active()
	cat, err := m.Classify(probability, severity)
	if err != nil {
		return domain.RiskAssessment{}, err
	}
	return domain.RiskAssessment{
		Probability:   probability,
		Severity:      severity,
		Score:         probability * severity,
		Category:      cat,
		MatrixVersion: m.Version,
	}, nil
}

// RiskOptions are the inputs of an assessment.
type RiskOptions struct {
	CaseID      string
	Probability int
	Severity    int
	Rationale   string
	ActorID     string
}

// AssessRisk records or replaces the assessment of a case with the active
// matrix version. Only inputs and version are stored.
func (e Engine) AssessRisk(ctx context.Context, opts RiskOptions) (domain.RiskAssessment, error) {
	ctx, span := e.span(ctx, "engine.AssessRisk", opts.CaseID)
	defer span.End()
	if strings.TrimSpace(opts.ActorID) == "" {
		return domain.RiskAssessment{}, fmt.Errorf("%w: actor is required", domain.ErrInvalidInput)
	}
	if _, err := risk.Score(opts.Probability, opts.Severity); err != nil {
		return domain.RiskAssessment{}, err
	}
	a := domain.RiskAssessment{
		CaseID:        opts.CaseID,
		Probability:   opts.Probability,
		Severity:      opts.Severity,
		MatrixVersion: e.registry().Active().Version,
		Rationale:     strings.TrimSpace(opts.Rationale),
		AssessedBy:    opts.ActorID,
		AssessedAt:    e.now(),
	}
	a, err := e.registry().Derive(a)
	if err != nil {
		return domain.RiskAssessment{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RiskAssessment{}, err
	}
	defer tx.Rollback()

	c, err := e.loadCase(ctx, tx, opts.CaseID)
	if err != nil {
		return domain.RiskAssessment{}, err
	}
	status, err := e.ledger().Status(ctx, tx, c)
	if err != nil {
		return domain.RiskAssessment{}, err
	}
	if status.Terminal() {
		return domain.RiskAssessment{}, domain.Reject(domain.ErrCaseTerminated, c.ID, "", status, "risk cannot change on a terminal case")
	}
	if err := e.Auth.EnsureActor(ctx, tx, opts.ActorID); err != nil {
		return domain.RiskAssessment{}, err
	}
	if err := e.Repo.UpsertRisk(ctx, tx, a); err != nil {
		return domain.RiskAssessment{}, err
	}
	if err := e.Events.Append(ctx, tx, events.RiskAssessed, c.ID, "risk", c.ID, opts.ActorID, events.EventPayload{
		"probability": a.Probability, "severity": a.Severity, "matrix_version": a.MatrixVersion, "category": string(a.Category),
	}); err != nil {
		return domain.RiskAssessment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RiskAssessment{}, err
	}
	logging.Audit(ctx, e.logger(), events.RiskAssessed, "case_id", c.ID, "category", string(a.Category), "actor_id", opts.ActorID)
	return a, nil
}

// GetRisk returns the stored assessment, classified with the matrix version
// it was recorded under.
func (e Engine) GetRisk(ctx context.Context, caseID string) (domain.RiskAssessment, error) {
	if _, err := e.loadCase(ctx, nil, caseID); err != nil {
		return domain.RiskAssessment{}, err
	}
	a, err := e.Repo.GetRisk(ctx, caseID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.RiskAssessment{}, ErrRiskNotAssessed
	}
	if err != nil {
		return domain.RiskAssessment{}, err
	}
	return e.registry().Derive(a)
}
