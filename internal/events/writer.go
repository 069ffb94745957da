package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"stagegate/internal/domain"
)

const (
	CaseCreated        = "case.created"
	CaseClosed         = "case.closed"
	CaseReopened       = "case.reopened"
	CaseResubmitted    = "case.resubmitted"
	CaseStatusChanged  = "case.status.changed"
	DecisionRecorded   = "decision.recorded"
	RiskAssessed       = "risk.assessed"
	NotificationQueued = "notification.queued"
	NotificationSent   = "notification.dispatched"
	NotificationFailed = "notification.failed"
	RoleGranted        = "rbac.role.granted"
	RoleRevoked        = "rbac.role.revoked"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside tx so it commits or rolls back with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, caseID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,case_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		domain.FormatTime(w.Now()), evtType, nullable(caseID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
