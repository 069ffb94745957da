package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidInput               = errors.New("invalid input")
	ErrUnknownStage               = errors.New("unknown stage")
	ErrCaseTerminated             = errors.New("case terminated")
	ErrCaseNotFound               = errors.New("case not found")
	ErrNotificationDispatchFailed = errors.New("notification dispatch failed")
	ErrInvalidTransition          = errors.New("invalid transition")
	ErrStageNotReached            = errors.New("stage not reached")
	ErrReopenNotAuthorized        = errors.New("reopen not authorized")
	ErrForbiddenStage             = errors.New("stage decision not permitted")
)

// RejectionError explains why a write was refused: which case, which stage,
// and the status the case was in.
type RejectionError struct {
	Err    error
	CaseID string
	Stage  string
	Status CaseStatus
	Detail string
}

func (e *RejectionError) Error() string {
	var b strings.Builder
	b.WriteString(e.Err.Error())
	if e.CaseID != "" {
		fmt.Fprintf(&b, ": case %s", e.CaseID)
	}
	if e.Stage != "" {
		fmt.Fprintf(&b, " stage %s", e.Stage)
	}
	if e.Status != "" {
		fmt.Fprintf(&b, " (status %s)", e.Status)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *RejectionError) Unwrap() error { return e.Err }

// Details returns the fields callers show to users.
func (e *RejectionError) Details() map[string]any {
	d := map[string]any{}
	if e.CaseID != "" {
		d["case_id"] = e.CaseID
	}
	if e.Stage != "" {
		d["stage"] = e.Stage
	}
	if e.Status != "" {
		d["status"] = string(e.Status)
	}
	if e.Detail != "" {
		d["detail"] = e.Detail
	}
	return d
}

func Reject(err error, caseID, stage string, status CaseStatus, detail string) error {
	return &RejectionError{Err: err, CaseID: caseID, Stage: stage, Status: status, Detail: detail}
}
