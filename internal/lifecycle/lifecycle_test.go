package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagegate/internal/domain"
)

var gridValues = []domain.Decision{
	"", // no decision
	domain.DecisionApproved,
	domain.DecisionNeedsChanges,
	domain.DecisionRejected,
	domain.DecisionResubmitted,
	domain.DecisionReopened,
}

// grid yields every assignment of gridValues to the given stages.
func grid(stages []string, fn func(active map[string]domain.Decision)) {
	n := len(stages)
	idx := make([]int, n)
	for {
		active := map[string]domain.Decision{}
		for i, s := range stages {
			if d := gridValues[idx[i]]; d != "" {
				active[s] = d
			}
		}
		fn(active)
		i := 0
		for ; i < n; i++ {
			idx[i]++
			if idx[i] < len(gridValues) {
				break
			}
			idx[i] = 0
		}
		if i == n {
			return
		}
	}
}

func TestDeriveIsTotal(t *testing.T) {
	for _, stages := range [][]string{nil, {"A"}, {"A", "B"}, {"A", "B", "C"}} {
		for _, closed := range []bool{false, true} {
			grid(stages, func(active map[string]domain.Decision) {
				got := Derive(stages, active, closed)
				require.True(t, got.Valid(), "stages=%v active=%v closed=%v", stages, active, closed)
				if closed {
					assert.Equal(t, domain.StatusClosed, got)
				}
			})
		}
	}
}

func TestDerivePrecedence(t *testing.T) {
	stages := []string{"A", "B", "C"}
	grid(stages, func(active map[string]domain.Decision) {
		var rejected, needs bool
		approved := 0
		for _, d := range active {
			switch d {
			case domain.DecisionRejected:
				rejected = true
			case domain.DecisionNeedsChanges:
				needs = true
			case domain.DecisionApproved:
				approved++
			}
		}
		got := Derive(stages, active, false)
		switch {
		case len(active) == 0:
			assert.Equal(t, domain.StatusDraft, got, "%v", active)
		case rejected:
			assert.Equal(t, domain.StatusRejected, got, "%v", active)
		case needs:
			assert.Equal(t, domain.StatusNeedsChanges, got, "%v", active)
		case approved == len(stages):
			assert.Equal(t, domain.StatusApproved, got, "%v", active)
		default:
			assert.Equal(t, domain.StatusInReview, got, "%v", active)
		}
	})
}

func TestDeriveIgnoresForeignStages(t *testing.T) {
	got := Derive([]string{"Financial"}, map[string]domain.Decision{
		"Financial": domain.DecisionApproved,
		"Other":     domain.DecisionRejected,
	}, false)
	assert.Equal(t, domain.StatusApproved, got)
}

func TestDeriveResetIsPending(t *testing.T) {
	got := Derive([]string{"A", "B"}, map[string]domain.Decision{
		"A": domain.DecisionApproved,
		"B": domain.DecisionResubmitted,
	}, false)
	assert.Equal(t, domain.StatusInReview, got)
}

func TestSingleDecisionAlwaysLegal(t *testing.T) {
	stages := []string{"A", "B", "C"}
	reviewer := []domain.Decision{domain.DecisionApproved, domain.DecisionNeedsChanges, domain.DecisionRejected}
	grid(stages, func(active map[string]domain.Decision) {
		prev := Derive(stages, active, false)
		if prev.Terminal() {
			return
		}
		for _, s := range stages {
			for _, d := range reviewer {
				next := map[string]domain.Decision{}
				for k, v := range active {
					next[k] = v
				}
				next[s] = d
				to := Derive(stages, next, false)
				assert.NoError(t, CheckTransition(prev, to), "%v + %s=%s", active, s, d)
			}
		}
	})
}

func TestCheckTransition(t *testing.T) {
	cases := []struct {
		from, to domain.CaseStatus
		ok       bool
	}{
		{domain.StatusDraft, domain.StatusInReview, true},
		{domain.StatusInReview, domain.StatusApproved, true},
		{domain.StatusNeedsChanges, domain.StatusInReview, true},
		{domain.StatusApproved, domain.StatusClosed, true},
		{domain.StatusApproved, domain.StatusNeedsChanges, true},
		{domain.StatusInReview, domain.StatusInReview, true},
		{domain.StatusInReview, domain.StatusClosed, false},
		{domain.StatusDraft, domain.StatusClosed, false},
		{domain.StatusRejected, domain.StatusInReview, false},
		{domain.StatusClosed, domain.StatusApproved, false},
		{domain.StatusClosed, domain.StatusClosed, false},
		{domain.StatusApproved, domain.StatusDraft, false},
		{"Aberto", domain.StatusInReview, false},
	}
	for _, tc := range cases {
		err := CheckTransition(tc.from, tc.to)
		if tc.ok {
			assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
		} else {
			assert.ErrorIs(t, err, domain.ErrInvalidTransition, "%s -> %s", tc.from, tc.to)
		}
	}
}

func TestCheckReopen(t *testing.T) {
	assert.NoError(t, CheckReopen(domain.StatusRejected, domain.StatusInReview))
	assert.NoError(t, CheckReopen(domain.StatusClosed, domain.StatusApproved))
	assert.ErrorIs(t, CheckReopen(domain.StatusInReview, domain.StatusApproved), domain.ErrInvalidTransition)
}

func TestCanCloseOnlyApproved(t *testing.T) {
	for _, s := range domain.Statuses() {
		assert.Equal(t, s == domain.StatusApproved, CanClose(s), "%s", s)
	}
}

func TestAllSatisfied(t *testing.T) {
	stages := []string{"Financial", "Documentation"}
	assert.False(t, AllSatisfied(stages, map[string]domain.Decision{"Financial": domain.DecisionApproved}))
	assert.True(t, AllSatisfied(stages, map[string]domain.Decision{
		"Financial":     domain.DecisionApproved,
		"Documentation": domain.DecisionApproved,
	}))
	assert.False(t, AllSatisfied(nil, nil))
}
