package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagegate/internal/domain"
)

func TestClassifyBoundaries(t *testing.T) {
	m := Default()
	cases := []struct {
		p, s int
		want domain.RiskCategory
	}{
		{1, 1, domain.RiskTrivial},
		{1, 2, domain.RiskTrivial},
		{1, 3, domain.RiskTolerable},
		{1, 5, domain.RiskTolerable},
		{2, 3, domain.RiskModerate},
		{2, 5, domain.RiskModerate},
		{3, 4, domain.RiskSubstantial},
		{3, 5, domain.RiskSubstantial},
		{4, 4, domain.RiskIntolerable},
		{5, 5, domain.RiskIntolerable},
	}
	for _, tc := range cases {
		got, err := m.Classify(tc.p, tc.s)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "classify(%d,%d)", tc.p, tc.s)
	}
}

func TestClassifyRejectsOutOfRange(t *testing.T) {
	m := Default()
	for _, in := range [][2]int{{0, 1}, {1, 0}, {6, 1}, {1, 6}, {-1, 3}} {
		_, err := m.Classify(in[0], in[1])
		require.ErrorIs(t, err, domain.ErrInvalidInput, "classify(%d,%d)", in[0], in[1])
	}
}

func TestClassifyIsTotalAndMonotonic(t *testing.T) {
	m := Default()
	rank := map[domain.RiskCategory]int{}
	for i, c := range domain.RiskCategories() {
		rank[c] = i
	}
	for p := MinLevel; p <= MaxLevel; p++ {
		for s := MinLevel; s <= MaxLevel; s++ {
			got, err := m.Classify(p, s)
			require.NoError(t, err)
			again, _ := m.Classify(p, s)
			assert.Equal(t, got, again)
			sym, _ := m.Classify(s, p)
			assert.Equal(t, got, sym, "classification must be symmetric")
			if p < MaxLevel {
				up, _ := m.Classify(p+1, s)
				assert.GreaterOrEqual(t, rank[up], rank[got])
			}
		}
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, Default().Validate())

	short := Matrix{Version: "x", Bands: []Band{{MaxScore: 10, Category: domain.RiskTrivial}}}
	assert.Error(t, short.Validate())

	unordered := Matrix{Version: "x", Bands: []Band{
		{MaxScore: 10, Category: domain.RiskTrivial},
		{MaxScore: 5, Category: domain.RiskModerate},
		{MaxScore: 25, Category: domain.RiskIntolerable},
	}}
	assert.Error(t, unordered.Validate())

	unknown := Matrix{Version: "x", Bands: []Band{{MaxScore: 25, Category: "Bad"}}}
	assert.Error(t, unknown.Validate())
}

func TestRegistryKeepsHistoricalVersion(t *testing.T) {
	stricter := Matrix{Version: "2025.1", Bands: []Band{
		{MaxScore: 1, Category: domain.RiskTrivial},
		{MaxScore: 4, Category: domain.RiskTolerable},
		{MaxScore: 8, Category: domain.RiskModerate},
		{MaxScore: 12, Category: domain.RiskSubstantial},
		{MaxScore: 25, Category: domain.RiskIntolerable},
	}}
	reg, err := NewRegistry("2025.1", Default(), stricter)
	require.NoError(t, err)

	cat, err := reg.Active().Classify(2, 5)
	require.NoError(t, err)
	assert.Equal(t, domain.RiskSubstantial, cat)

	old, err := reg.Derive(domain.RiskAssessment{Probability: 2, Severity: 5, MatrixVersion: DefaultVersion})
	require.NoError(t, err)
	assert.Equal(t, domain.RiskModerate, old.Category)
	assert.Equal(t, 10, old.Score)

	_, err = reg.Derive(domain.RiskAssessment{Probability: 2, Severity: 5, MatrixVersion: "1999"})
	assert.Error(t, err)
	assert.Equal(t, []string{DefaultVersion, "2025.1"}, reg.Versions())
}

func TestNewRegistryRequiresActive(t *testing.T) {
	_, err := NewRegistry("missing", Default())
	assert.Error(t, err)
	_, err = NewRegistry(DefaultVersion, Default(), Default())
	assert.Error(t, err)
}
