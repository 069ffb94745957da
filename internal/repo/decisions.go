package repo

import (
	"context"
	"database/sql"

	"stagegate/internal/domain"
)

const decisionColumns = `seq,case_id,stage,decision,actor_id,COALESCE(comment,''),decided_at`

// AppendDecision inserts a ledger row and returns its sequence number.
// The table rejects updates and deletes.
func (r Repo) AppendDecision(ctx context.Context, tx *sql.Tx, d domain.StageDecision) (int64, error) {
	res, err := r.on(tx).ExecContext(ctx, `INSERT INTO stage_decisions(case_id,stage,decision,actor_id,comment,decided_at) VALUES (?,?,?,?,?,?)`,
		d.CaseID, d.Stage, string(d.Decision), d.ActorID, nullable(d.Comment), domain.FormatTime(d.DecidedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListDecisions returns the full ledger of a case, oldest first.
func (r Repo) ListDecisions(ctx context.Context, caseID string) ([]domain.StageDecision, error) {
	return r.ListDecisionsTx(ctx, nil, caseID)
}

func (r Repo) ListDecisionsTx(ctx context.Context, tx *sql.Tx, caseID string) ([]domain.StageDecision, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+decisionColumns+` FROM stage_decisions WHERE case_id=? ORDER BY decided_at ASC, seq ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// LatestDecision returns the active decision of one stage.
func (r Repo) LatestDecision(ctx context.Context, caseID, stage string) (domain.StageDecision, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM stage_decisions WHERE case_id=? AND stage=? ORDER BY decided_at DESC, seq DESC LIMIT 1`, caseID, stage)
	d, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func scanDecision(s scanner) (domain.StageDecision, error) {
	var (
		d         domain.StageDecision
		decision  string
		decidedAt string
	)
	if err := s.Scan(&d.Seq, &d.CaseID, &d.Stage, &decision, &d.ActorID, &d.Comment, &decidedAt); err != nil {
		return d, err
	}
	d.Decision = domain.Decision(decision)
	t, err := domain.ParseTime(decidedAt)
	if err != nil {
		return d, err
	}
	d.DecidedAt = t
	return d, nil
}
