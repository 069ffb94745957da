package domain

import (
	"fmt"
	"strings"
	"time"
)

// CaseKind enumerates the subjects that go through review.
type CaseKind string

const (
	KindDeviation   CaseKind = "deviation"
	KindOccurrence  CaseKind = "occurrence"
	KindContract    CaseKind = "contract"
	KindRequisition CaseKind = "requisition"
)

var caseKinds = []CaseKind{KindDeviation, KindOccurrence, KindContract, KindRequisition}

// CaseKinds returns every known kind in declaration order.
func CaseKinds() []CaseKind {
	out := make([]CaseKind, len(caseKinds))
	copy(out, caseKinds)
	return out
}

// ParseCaseKind accepts the canonical lower-case name, case-insensitively.
func ParseCaseKind(s string) (CaseKind, error) {
	k := CaseKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range caseKinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: unknown case kind %q", ErrInvalidInput, s)
}

// CaseStatus is the derived lifecycle status of a case.
type CaseStatus string

const (
	StatusDraft        CaseStatus = "Draft"
	StatusInReview     CaseStatus = "InReview"
	StatusNeedsChanges CaseStatus = "NeedsChanges"
	StatusRejected     CaseStatus = "Rejected"
	StatusApproved     CaseStatus = "Approved"
	StatusClosed       CaseStatus = "Closed"
)

// Statuses lists every status; derivation must always land on one of these.
func Statuses() []CaseStatus {
	return []CaseStatus{StatusDraft, StatusInReview, StatusNeedsChanges, StatusRejected, StatusApproved, StatusClosed}
}

// Terminal reports whether no further stage decisions are accepted.
func (s CaseStatus) Terminal() bool {
	return s == StatusRejected || s == StatusClosed
}

func (s CaseStatus) Valid() bool {
	for _, known := range Statuses() {
		if s == known {
			return true
		}
	}
	return false
}

// Decision is the outcome recorded for one stage.
type Decision string

const (
	DecisionApproved     Decision = "Approved"
	DecisionNeedsChanges Decision = "NeedsChanges"
	DecisionRejected     Decision = "Rejected"
	// Resets written by the engine, never by reviewers. A stage whose active
	// decision is a reset counts as pending.
	DecisionResubmitted Decision = "Resubmitted"
	DecisionReopened    Decision = "Reopened"
)

// ParseDecision accepts only reviewer outcomes.
func ParseDecision(s string) (Decision, error) {
	d := Decision(strings.TrimSpace(s))
	if !d.Reviewer() {
		return "", fmt.Errorf("%w: decision must be Approved, NeedsChanges or Rejected, got %q", ErrInvalidInput, s)
	}
	return d, nil
}

// Reviewer reports whether a reviewer may record d.
func (d Decision) Reviewer() bool {
	switch d {
	case DecisionApproved, DecisionNeedsChanges, DecisionRejected:
		return true
	}
	return false
}

func (d Decision) Reset() bool {
	return d == DecisionResubmitted || d == DecisionReopened
}

// Attachment is a link carried into the consolidated notification.
type Attachment struct {
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url" yaml:"url"`
}

type Case struct {
	ID          string       `json:"id"`
	Kind        CaseKind     `json:"kind"`
	Title       string       `json:"title"`
	Reference   string       `json:"reference,omitempty"`
	Stages      []string     `json:"stages"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedBy   string       `json:"created_by"`
	CreatedAt   time.Time    `json:"created_at" format:"date-time"`
	ClosedBy    *string      `json:"closed_by,omitempty"`
	ClosedAt    *time.Time   `json:"closed_at,omitempty" format:"date-time"`
}

// Closed reports the explicit terminal flag; it is not a derived status.
func (c Case) Closed() bool {
	return c.ClosedAt != nil
}

// HasStage reports whether stage is one of the case's required stages.
func (c Case) HasStage(stage string) bool {
	return c.StageIndex(stage) >= 0
}

func (c Case) StageIndex(stage string) int {
	for i, s := range c.Stages {
		if s == stage {
			return i
		}
	}
	return -1
}

// StageDecision is one immutable ledger row.
type StageDecision struct {
	Seq       int64     `json:"seq"`
	CaseID    string    `json:"case_id"`
	Stage     string    `json:"stage"`
	Decision  Decision  `json:"decision"`
	ActorID   string    `json:"actor_id"`
	Comment   string    `json:"comment,omitempty"`
	DecidedAt time.Time `json:"decided_at" format:"date-time"`
}

// After orders decisions by timestamp, then by write sequence.
func (d StageDecision) After(o StageDecision) bool {
	if !d.DecidedAt.Equal(o.DecidedAt) {
		return d.DecidedAt.After(o.DecidedAt)
	}
	return d.Seq > o.Seq
}

// ActiveByStage keeps, per stage, the decision no other entry supersedes.
func ActiveByStage(decisions []StageDecision) map[string]StageDecision {
	out := make(map[string]StageDecision)
	for _, d := range decisions {
		cur, ok := out[d.Stage]
		if !ok || d.After(cur) {
			out[d.Stage] = d
		}
	}
	return out
}

// RiskCategory is the output of the risk matrix.
type RiskCategory string

const (
	RiskTrivial     RiskCategory = "Trivial"
	RiskTolerable   RiskCategory = "Tolerable"
	RiskModerate    RiskCategory = "Moderate"
	RiskSubstantial RiskCategory = "Substantial"
	RiskIntolerable RiskCategory = "Intolerable"
)

func RiskCategories() []RiskCategory {
	return []RiskCategory{RiskTrivial, RiskTolerable, RiskModerate, RiskSubstantial, RiskIntolerable}
}

// RiskAssessment keeps the inputs and the matrix version; the category is
// filled in on read from those.
type RiskAssessment struct {
	CaseID        string       `json:"case_id"`
	Probability   int          `json:"probability"`
	Severity      int          `json:"severity"`
	Score         int          `json:"score"`
	Category      RiskCategory `json:"category"`
	MatrixVersion string       `json:"matrix_version"`
	Rationale     string       `json:"rationale,omitempty"`
	AssessedBy    string       `json:"assessed_by"`
	AssessedAt    time.Time    `json:"assessed_at" format:"date-time"`
}

// DayMode selects how SLA days are counted.
type DayMode string

const (
	DayModeCalendar DayMode = "calendar"
	DayModeBusiness DayMode = "business"
)

// StageWindow is derived on every query and never persisted.
type StageWindow struct {
	CaseID        string    `json:"case_id"`
	Stage         string    `json:"stage"`
	EnteredAt     time.Time `json:"entered_at" format:"date-time"`
	Deadline      time.Time `json:"deadline" format:"date-time"`
	DeadlineDays  int       `json:"deadline_days"`
	DayMode       DayMode   `json:"day_mode"`
	DaysRemaining int       `json:"days_remaining"`
	Overdue       bool      `json:"overdue"`
	Completed     bool      `json:"completed"`
}

// AuditEntry is a display projection of a ledger row.
type AuditEntry struct {
	Seq       int64     `json:"seq"`
	CaseID    string    `json:"case_id"`
	CaseKind  CaseKind  `json:"case_kind"`
	Stage     string    `json:"stage"`
	Decision  Decision  `json:"decision"`
	ActorID   string    `json:"actor_id"`
	Comment   string    `json:"comment,omitempty"`
	DecidedAt time.Time `json:"decided_at" format:"date-time"`
}

// DispatchRequest is what the notification gateway receives.
type DispatchRequest struct {
	CaseID      string       `json:"case_id"`
	Recipients  []string     `json:"recipients"`
	Subject     string       `json:"subject"`
	BodyHTML    string       `json:"body_html"`
	Attachments []Attachment `json:"attachments"`
}

type MarkerState string

const (
	MarkerPending    MarkerState = "pending"
	MarkerDispatched MarkerState = "dispatched"
)

// NotificationMarker records that the first approval of a case has been
// handled, whether or not the gateway accepted it yet.
type NotificationMarker struct {
	CaseID       string          `json:"case_id"`
	State        MarkerState     `json:"state"`
	Attempts     int             `json:"attempts"`
	LastError    string          `json:"last_error,omitempty"`
	Request      DispatchRequest `json:"request"`
	CreatedAt    time.Time       `json:"created_at" format:"date-time"`
	UpdatedAt    time.Time       `json:"updated_at" format:"date-time"`
	DispatchedAt *time.Time      `json:"dispatched_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CaseID     string `json:"case_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
