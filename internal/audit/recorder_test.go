package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagegate/internal/domain"
)

type fakeSource struct {
	c         domain.Case
	decisions []domain.StageDecision
}

var errMissing = errors.New("missing")

func (f fakeSource) GetCase(_ context.Context, id string) (domain.Case, error) {
	if id != f.c.ID {
		return domain.Case{}, errMissing
	}
	return f.c, nil
}

func (f fakeSource) ListDecisions(context.Context, string) ([]domain.StageDecision, error) {
	return f.decisions, nil
}

func TestHistoryKeepsSupersededEntries(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	src := fakeSource{
		c: domain.Case{ID: "c1", Kind: domain.KindContract},
		decisions: []domain.StageDecision{
			{Seq: 1, Stage: "Financial", Decision: domain.DecisionApproved, ActorID: "a", DecidedAt: at},
			{Seq: 2, Stage: "Financial", Decision: domain.DecisionNeedsChanges, ActorID: "b", DecidedAt: at.Add(time.Minute)},
			{Seq: 3, Stage: "Financial", Decision: domain.DecisionApproved, ActorID: "a", DecidedAt: at.Add(2 * time.Minute)},
		},
	}
	rec := Recorder{Source: src}

	entries, err := rec.History(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, domain.KindContract, entries[0].CaseKind)
	assert.Equal(t, domain.DecisionNeedsChanges, entries[1].Decision)
	assert.Equal(t, int64(3), entries[2].Seq)

	var seen []int64
	for e, err := range rec.Iter(context.Background(), "c1") {
		require.NoError(t, err)
		seen = append(seen, e.Seq)
		if len(seen) == 2 {
			break
		}
	}
	assert.Equal(t, []int64{1, 2}, seen)
}

func TestHistoryUnknownCase(t *testing.T) {
	rec := Recorder{Source: fakeSource{c: domain.Case{ID: "c1"}}}
	_, err := rec.History(context.Background(), "nope")
	assert.ErrorIs(t, err, errMissing)

	for _, err := range rec.Iter(context.Background(), "nope") {
		assert.ErrorIs(t, err, errMissing)
	}
}
