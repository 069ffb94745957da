package repo

import (
	"context"
	"database/sql"

	"stagegate/internal/domain"
)

// UpsertRisk stores the inputs and matrix version only; the category is
// derived on read.
func (r Repo) UpsertRisk(ctx context.Context, tx *sql.Tx, a domain.RiskAssessment) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO risk_assessments(case_id,probability,severity,matrix_version,rationale,assessed_by,assessed_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(case_id) DO UPDATE SET probability=excluded.probability, severity=excluded.severity, matrix_version=excluded.matrix_version,
rationale=excluded.rationale, assessed_by=excluded.assessed_by, assessed_at=excluded.assessed_at`,
		a.CaseID, a.Probability, a.Severity, a.MatrixVersion, nullable(a.Rationale), a.AssessedBy, domain.FormatTime(a.AssessedAt))
	return err
}

func (r Repo) GetRisk(ctx context.Context, caseID string) (domain.RiskAssessment, error) {
	var (
		a          domain.RiskAssessment
		assessedAt string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT case_id,probability,severity,matrix_version,COALESCE(rationale,''),assessed_by,assessed_at FROM risk_assessments WHERE case_id=?`, caseID).
		Scan(&a.CaseID, &a.Probability, &a.Severity, &a.MatrixVersion, &a.Rationale, &a.AssessedBy, &assessedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	t, err := domain.ParseTime(assessedAt)
	if err != nil {
		return a, err
	}
	a.AssessedAt = t
	return a, nil
}
