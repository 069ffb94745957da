package server

import (
	"time"

	"stagegate/internal/domain"
	"stagegate/internal/engine"
)

// Request payloads

type CreateCaseRequest struct {
	ID          *string             `json:"id,omitempty"`
	Kind        string              `json:"kind" enum:"deviation,occurrence,contract,requisition"`
	Title       string              `json:"title"`
	Reference   string              `json:"reference,omitempty"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`
}

type RecordDecisionRequest struct {
	Stage    string `json:"stage"`
	Decision string `json:"decision" enum:"Approved,NeedsChanges,Rejected"`
	Comment  string `json:"comment,omitempty"`
}

type ResubmitRequest struct {
	Comment string `json:"comment,omitempty"`
}

type ReopenRequest struct {
	Reason string `json:"reason"`
}

type AssessRiskRequest struct {
	Probability int    `json:"probability"`
	Severity    int    `json:"severity"`
	Rationale   string `json:"rationale,omitempty"`
}

type ClassifyRiskRequest struct {
	Probability int `json:"probability"`
	Severity    int `json:"severity"`
}

// Responses

type CaseResponse struct {
	ID          string              `json:"id"`
	Kind        domain.CaseKind     `json:"kind"`
	Title       string              `json:"title"`
	Reference   string              `json:"reference,omitempty"`
	Stages      []string            `json:"stages"`
	Attachments []domain.Attachment `json:"attachments"`
	Status      domain.CaseStatus   `json:"status"`
	CreatedBy   string              `json:"created_by"`
	CreatedAt   time.Time           `json:"created_at" format:"date-time"`
	ClosedBy    *string             `json:"closed_by,omitempty"`
	ClosedAt    *time.Time          `json:"closed_at,omitempty" format:"date-time"`
}

type paginatedCases struct {
	Items      []CaseResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type StatusResponse struct {
	CaseID    string            `json:"case_id"`
	Status    domain.CaseStatus `json:"status"`
	Satisfied bool              `json:"all_stages_satisfied"`
}

type TransitionResponse struct {
	CaseID       string                 `json:"case_id"`
	Previous     domain.CaseStatus      `json:"previous"`
	Status       domain.CaseStatus      `json:"status"`
	Decisions    []domain.StageDecision `json:"decisions"`
	Notification string                 `json:"notification,omitempty"`
}

type ActiveDecisionResponse struct {
	CaseID   string                `json:"case_id"`
	Stage    string                `json:"stage"`
	Pending  bool                  `json:"pending"`
	Decision *domain.StageDecision `json:"decision,omitempty"`
}

type windowsResponse struct {
	Items []domain.StageWindow `json:"items"`
}

type historyResponse struct {
	Items []domain.AuditEntry `json:"items"`
}

type overdueResponse struct {
	Now   time.Time             `json:"now" format:"date-time"`
	Items []engine.OverdueStage `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CaseID     string `json:"case_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json,omitempty"`
}

type WhoAmIResponse struct {
	ActorID   string   `json:"actor_id"`
	Source    string   `json:"source"`
	Roles     []string `json:"roles"`
	CanReopen bool     `json:"can_reopen"`
}

func caseResponse(v engine.CaseView) CaseResponse {
	return CaseResponse{
		ID:          v.ID,
		Kind:        v.Kind,
		Title:       v.Title,
		Reference:   v.Reference,
		Stages:      nonNilSlice(v.Stages),
		Attachments: nonNilSlice(v.Attachments),
		Status:      v.Status,
		CreatedBy:   v.CreatedBy,
		CreatedAt:   v.CreatedAt,
		ClosedBy:    v.ClosedBy,
		ClosedAt:    v.ClosedAt,
	}
}

func transitionResponse(t engine.Transition) TransitionResponse {
	return TransitionResponse{
		CaseID:       t.CaseID,
		Previous:     t.Previous,
		Status:       t.Status,
		Decisions:    nonNilSlice(t.Decisions),
		Notification: string(t.Notification),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		CaseID:     e.CaseID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
