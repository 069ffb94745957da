package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"stagegate/internal/domain"
)

const markerColumns = `case_id,state,attempts,COALESCE(last_error,''),request_json,created_at,updated_at,dispatched_at`

// InsertMarker is the check-and-set for the first approval of a case. It
// reports false when a marker already exists and leaves that row untouched.
func (r Repo) InsertMarker(ctx context.Context, tx *sql.Tx, m domain.NotificationMarker) (bool, error) {
	req, err := json.Marshal(m.Request)
	if err != nil {
		return false, err
	}
	res, err := r.on(tx).ExecContext(ctx, `INSERT INTO notification_markers(case_id,state,attempts,last_error,request_json,created_at,updated_at,dispatched_at)
VALUES (?,?,?,?,?,?,?,?) ON CONFLICT(case_id) DO NOTHING`,
		m.CaseID, string(m.State), m.Attempts, nullable(m.LastError), string(req),
		domain.FormatTime(m.CreatedAt), domain.FormatTime(m.UpdatedAt), nullableTime(m.DispatchedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) GetMarker(ctx context.Context, caseID string) (domain.NotificationMarker, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+markerColumns+` FROM notification_markers WHERE case_id=?`, caseID)
	m, err := scanMarker(row)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

// MarkDispatched records a successful gateway call.
func (r Repo) MarkDispatched(ctx context.Context, caseID string, at time.Time) error {
	ts := domain.FormatTime(at)
	res, err := r.DB.ExecContext(ctx, `UPDATE notification_markers SET state=?, attempts=attempts+1, last_error=NULL, updated_at=?, dispatched_at=? WHERE case_id=? AND state=?`,
		string(domain.MarkerDispatched), ts, ts, caseID, string(domain.MarkerPending))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMarkerRequest stores the rendered request on a pending marker.
func (r Repo) SetMarkerRequest(ctx context.Context, caseID string, req domain.DispatchRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE notification_markers SET request_json=? WHERE case_id=? AND state=?`,
		string(body), caseID, string(domain.MarkerPending))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed keeps the marker pending, records the attempt and returns the
// attempt count so far.
func (r Repo) MarkFailed(ctx context.Context, caseID, reason string, at time.Time) (int, error) {
	var attempts int
	err := r.DB.QueryRowContext(ctx, `UPDATE notification_markers SET attempts=attempts+1, last_error=?, updated_at=? WHERE case_id=? AND state=? RETURNING attempts`,
		reason, domain.FormatTime(at), caseID, string(domain.MarkerPending)).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return attempts, err
}

// PendingMarkers returns markers awaiting dispatch, least recently tried
// first. Markers with maxAttempts or more failed attempts are left out;
// maxAttempts <= 0 means no cap.
func (r Repo) PendingMarkers(ctx context.Context, limit, maxAttempts int) ([]domain.NotificationMarker, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+markerColumns+` FROM notification_markers
WHERE state=? AND (?<=0 OR attempts<?) ORDER BY updated_at ASC, case_id ASC LIMIT ?`,
		string(domain.MarkerPending), maxAttempts, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.NotificationMarker
	for rows.Next() {
		m, err := scanMarker(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func scanMarker(s scanner) (domain.NotificationMarker, error) {
	var (
		m                    domain.NotificationMarker
		state, req           string
		createdAt, updatedAt string
		dispatchedAt         sql.NullString
	)
	if err := s.Scan(&m.CaseID, &state, &m.Attempts, &m.LastError, &req, &createdAt, &updatedAt, &dispatchedAt); err != nil {
		return m, err
	}
	m.State = domain.MarkerState(state)
	if err := json.Unmarshal([]byte(req), &m.Request); err != nil {
		return m, err
	}
	var err error
	if m.CreatedAt, err = domain.ParseTime(createdAt); err != nil {
		return m, err
	}
	if m.UpdatedAt, err = domain.ParseTime(updatedAt); err != nil {
		return m, err
	}
	if m.DispatchedAt, err = parseNullTime(dispatchedAt); err != nil {
		return m, err
	}
	return m, nil
}
