// Package lifecycle derives a case's status from its active stage decisions
// and guards which status changes are legal.
package lifecycle

import (
	"fmt"

	"stagegate/internal/domain"
)

// Derive is total: every combination of stages, decisions and the closed flag
// maps to exactly one status. Decisions for stages outside the list are
// ignored; a reset decision counts as pending.
func Derive(stages []string, active map[string]domain.Decision, closed bool) domain.CaseStatus {
	if closed {
		return domain.StatusClosed
	}
	var decided, approved int
	var rejected, needsChanges bool
	for _, stage := range stages {
		d, ok := active[stage]
		if !ok {
			continue
		}
		decided++
		switch d {
		case domain.DecisionRejected:
			rejected = true
		case domain.DecisionNeedsChanges:
			needsChanges = true
		case domain.DecisionApproved:
			approved++
		}
	}
	switch {
	case decided == 0:
		return domain.StatusDraft
	case rejected:
		return domain.StatusRejected
	case needsChanges:
		return domain.StatusNeedsChanges
	case approved == len(stages):
		return domain.StatusApproved
	default:
		return domain.StatusInReview
	}
}

// transitions lists the moves a stage decision or resubmission can cause,
// plus the explicit close.
var transitions = map[domain.CaseStatus][]domain.CaseStatus{
	domain.StatusDraft:        {domain.StatusInReview, domain.StatusNeedsChanges, domain.StatusRejected, domain.StatusApproved},
	domain.StatusInReview:     {domain.StatusNeedsChanges, domain.StatusRejected, domain.StatusApproved},
	domain.StatusNeedsChanges: {domain.StatusInReview, domain.StatusRejected, domain.StatusApproved},
	domain.StatusApproved:     {domain.StatusNeedsChanges, domain.StatusRejected, domain.StatusClosed},
	domain.StatusRejected:     nil,
	domain.StatusClosed:       nil,
}

// reopenTargets are only reachable through an authorized reopen.
var reopenTargets = map[domain.CaseStatus][]domain.CaseStatus{
	domain.StatusRejected: {domain.StatusInReview, domain.StatusNeedsChanges, domain.StatusApproved},
	domain.StatusClosed:   {domain.StatusApproved},
}

// CheckTransition returns ErrInvalidTransition unless from → to is legal.
// Staying in the same non-terminal status is always legal.
func CheckTransition(from, to domain.CaseStatus) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: unknown status %q -> %q", domain.ErrInvalidTransition, from, to)
	}
	if from == to && !from.Terminal() {
		return nil
	}
	if contains(transitions[from], to) {
		return nil
	}
	return domain.Reject(domain.ErrInvalidTransition, "", "", from, fmt.Sprintf("cannot move to %s", to))
}

// CheckReopen validates a move out of a terminal status.
func CheckReopen(from, to domain.CaseStatus) error {
	if contains(reopenTargets[from], to) {
		return nil
	}
	return domain.Reject(domain.ErrInvalidTransition, "", "", from, fmt.Sprintf("reopen cannot move to %s", to))
}

// Next lists the statuses reachable from s without a reopen.
func Next(s domain.CaseStatus) []domain.CaseStatus {
	out := make([]domain.CaseStatus, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// CanClose reports whether a caller may set Closed. Approved is the only
// status that qualifies.
func CanClose(s domain.CaseStatus) bool {
	return s == domain.StatusApproved
}

// CanResubmit reports whether a resubmission moves the case back to review.
func CanResubmit(s domain.CaseStatus) bool {
	return s == domain.StatusNeedsChanges
}

// AllSatisfied reports whether every stage has an active Approved decision.
func AllSatisfied(stages []string, active map[string]domain.Decision) bool {
	if len(stages) == 0 {
		return false
	}
	for _, stage := range stages {
		if active[stage] != domain.DecisionApproved {
			return false
		}
	}
	return true
}

func contains(list []domain.CaseStatus, s domain.CaseStatus) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
