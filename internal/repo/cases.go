package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"stagegate/internal/domain"
)

const caseColumns = `id,kind,title,COALESCE(reference,''),stages_json,attachments_json,created_by,created_at,closed_by,closed_at`

func (r Repo) InsertCase(ctx context.Context, tx *sql.Tx, c domain.Case) error {
	stages, err := json.Marshal(c.Stages)
	if err != nil {
		return err
	}
	attachments := c.Attachments
	if attachments == nil {
		attachments = []domain.Attachment{}
	}
	att, err := json.Marshal(attachments)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO cases(id,kind,title,reference,stages_json,attachments_json,created_by,created_at,closed_by,closed_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, string(c.Kind), c.Title, nullable(c.Reference), string(stages), string(att), c.CreatedBy, domain.FormatTime(c.CreatedAt),
		nullableStringPtr(c.ClosedBy), nullableTime(c.ClosedAt))
	return err
}

func (r Repo) GetCase(ctx context.Context, id string) (domain.Case, error) {
	return r.GetCaseTx(ctx, nil, id)
}

func (r Repo) GetCaseTx(ctx context.Context, tx *sql.Tx, id string) (domain.Case, error) {
	row := r.on(tx).QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id)
	c, err := scanCase(row)
	if err == sql.ErrNoRows {
		return domain.Case{}, ErrNotFound
	}
	return c, err
}

// SetClosed sets or clears the explicit terminal flag.
func (r Repo) SetClosed(ctx context.Context, tx *sql.Tx, id string, by *string, at *time.Time) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE cases SET closed_by=?, closed_at=? WHERE id=?`, nullableStringPtr(by), nullableTime(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type CaseFilters struct {
	Kind domain.CaseKind
	// OpenOnly drops cases carrying the closed flag.
	OpenOnly bool
	Limit    int
	// Cursor pages by (created_at, id) descending.
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListCases(ctx context.Context, f CaseFilters) ([]domain.Case, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, string(f.Kind))
	}
	if f.OpenOnly {
		clauses = append(clauses, "closed_at IS NULL")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := fmt.Sprintf(`SELECT %s FROM cases WHERE %s ORDER BY created_at DESC, id DESC`, caseColumns, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCase(s scanner) (domain.Case, error) {
	var (
		c                   domain.Case
		kind, createdAt     string
		stagesJSON, attJSON string
		closedBy, closedAt  sql.NullString
	)
	if err := s.Scan(&c.ID, &kind, &c.Title, &c.Reference, &stagesJSON, &attJSON, &c.CreatedBy, &createdAt, &closedBy, &closedAt); err != nil {
		return c, err
	}
	c.Kind = domain.CaseKind(kind)
	if err := json.Unmarshal([]byte(stagesJSON), &c.Stages); err != nil {
		return c, fmt.Errorf("case %s stages: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(attJSON), &c.Attachments); err != nil {
		return c, fmt.Errorf("case %s attachments: %w", c.ID, err)
	}
	t, err := domain.ParseTime(createdAt)
	if err != nil {
		return c, err
	}
	c.CreatedAt = t
	if closedBy.Valid {
		v := closedBy.String
		c.ClosedBy = &v
	}
	if c.ClosedAt, err = parseNullTime(closedAt); err != nil {
		return c, err
	}
	return c, nil
}
