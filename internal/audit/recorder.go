// Package audit renders the decision ledger as a read-only history.
package audit

import (
	"context"
	"iter"

	"stagegate/internal/domain"
)

// Source supplies the case and its full decision log.
type Source interface {
	GetCase(ctx context.Context, id string) (domain.Case, error)
	ListDecisions(ctx context.Context, caseID string) ([]domain.StageDecision, error)
}

type Recorder struct {
	Source Source
}

// History returns every decision of the case, oldest first. Superseded
// entries are kept.
func (r Recorder) History(ctx context.Context, caseID string) ([]domain.AuditEntry, error) {
	c, err := r.Source.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	decisions, err := r.Source.ListDecisions(ctx, caseID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.AuditEntry, 0, len(decisions))
	for _, d := range decisions {
		out = append(out, Entry(c, d))
	}
	return out, nil
}

// Iter is a lazy view over History; iteration stops at the first error,
// which is yielded with a zero entry.
func (r Recorder) Iter(ctx context.Context, caseID string) iter.Seq2[domain.AuditEntry, error] {
	return func(yield func(domain.AuditEntry, error) bool) {
		entries, err := r.History(ctx, caseID)
		if err != nil {
			yield(domain.AuditEntry{}, err)
			return
		}
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func Entry(c domain.Case, d domain.StageDecision) domain.AuditEntry {
	return domain.AuditEntry{
		Seq:       d.Seq,
		CaseID:    c.ID,
		CaseKind:  c.Kind,
		Stage:     d.Stage,
		Decision:  d.Decision,
		ActorID:   d.ActorID,
		Comment:   d.Comment,
		DecidedAt: d.DecidedAt,
	}
}
