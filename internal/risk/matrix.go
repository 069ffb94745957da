// Package risk classifies probability and severity into a risk category
// using versioned threshold tables.
package risk

import (
	"fmt"
	"sort"

	"stagegate/internal/domain"
)

const (
	MinLevel = 1
	MaxLevel = 5
	MaxScore = MaxLevel * MaxLevel

	// DefaultVersion names the built-in threshold table.
	DefaultVersion = "2024.1"
)

// Band maps every score up to and including MaxScore to Category.
type Band struct {
	MaxScore int                 `yaml:"max_score" json:"max_score"`
	Category domain.RiskCategory `yaml:"category" json:"category"`
}

// Matrix is one immutable version of the threshold table.
type Matrix struct {
	Version string `yaml:"version" json:"version"`
	Bands   []Band `yaml:"bands" json:"bands"`
}

// Default returns the built-in table: ≤2 Trivial, ≤5 Tolerable, ≤10 Moderate,
// ≤15 Substantial, above that Intolerable.
func Default() Matrix {
	return Matrix{
		Version: DefaultVersion,
		Bands: []Band{
			{MaxScore: 2, Category: domain.RiskTrivial},
			{MaxScore: 5, Category: domain.RiskTolerable},
			{MaxScore: 10, Category: domain.RiskModerate},
			{MaxScore: 15, Category: domain.RiskSubstantial},
			{MaxScore: MaxScore, Category: domain.RiskIntolerable},
		},
	}
}

// Score validates both inputs and returns their product.
func Score(probability, severity int) (int, error) {
	if probability < MinLevel || probability > MaxLevel {
		return 0, fmt.Errorf("%w: probability %d outside [%d,%d]", domain.ErrInvalidInput, probability, MinLevel, MaxLevel)
	}
	if severity < MinLevel || severity > MaxLevel {
		return 0, fmt.Errorf("%w: severity %d outside [%d,%d]", domain.ErrInvalidInput, severity, MinLevel, MaxLevel)
	}
	return probability * severity, nil
}

// Classify maps the two ordinal inputs to a category. Band bounds are inclusive.
func (m Matrix) Classify(probability, severity int) (domain.RiskCategory, error) {
	score, err := Score(probability, severity)
	if err != nil {
		return "", err
	}
	return m.categoryFor(score)
}

func (m Matrix) categoryFor(score int) (domain.RiskCategory, error) {
	for _, b := range m.Bands {
		if score <= b.MaxScore {
			return b.Category, nil
		}
	}
	return "", fmt.Errorf("matrix %s has no band for score %d", m.Version, score)
}

// Validate checks that bands ascend strictly and cover the maximum score.
func (m Matrix) Validate() error {
	if m.Version == "" {
		return fmt.Errorf("risk matrix version is required")
	}
	if len(m.Bands) == 0 {
		return fmt.Errorf("risk matrix %s has no bands", m.Version)
	}
	prev := 0
	for i, b := range m.Bands {
		if b.MaxScore <= prev {
			return fmt.Errorf("risk matrix %s band %d: max_score %d must be greater than %d", m.Version, i, b.MaxScore, prev)
		}
		if !knownCategory(b.Category) {
			return fmt.Errorf("risk matrix %s band %d: unknown category %q", m.Version, i, b.Category)
		}
		prev = b.MaxScore
	}
	if prev < MaxScore {
		return fmt.Errorf("risk matrix %s does not cover score %d", m.Version, MaxScore)
	}
	return nil
}

func knownCategory(c domain.RiskCategory) bool {
	for _, k := range domain.RiskCategories() {
		if c == k {
			return true
		}
	}
	return false
}

// Registry holds every matrix version ever used so stored assessments keep
// the category they were computed with.
type Registry struct {
	active   string
	versions map[string]Matrix
}

// NewRegistry validates all matrices; active must be one of them.
func NewRegistry(active string, matrices ...Matrix) (*Registry, error) {
	r := &Registry{active: active, versions: make(map[string]Matrix, len(matrices))}
	for _, m := range matrices {
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.versions[m.Version]; dup {
			return nil, fmt.Errorf("duplicate risk matrix version %s", m.Version)
		}
		r.versions[m.Version] = m
	}
	if _, ok := r.versions[active]; !ok {
		return nil, fmt.Errorf("active risk matrix version %s not defined", active)
	}
	return r, nil
}

// DefaultRegistry contains only the built-in table.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultVersion, Default())
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Active() Matrix {
	return r.versions[r.active]
}

func (r *Registry) Version(v string) (Matrix, bool) {
	m, ok := r.versions[v]
	return m, ok
}

func (r *Registry) Versions() []string {
	out := make([]string, 0, len(r.versions))
	for v := range r.versions {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Derive fills Score and Category of a stored assessment from its inputs and
// the version it was recorded with.
func (r *Registry) Derive(a domain.RiskAssessment) (domain.RiskAssessment, error) {
	m, ok := r.Version(a.MatrixVersion)
	if !ok {
		return a, fmt.Errorf("risk matrix version %s is not configured", a.MatrixVersion)
	}
	score, err := Score(a.Probability, a.Severity)
	if err != nil {
		return a, err
	}
	cat, err := m.categoryFor(score)
	if err != nil {
		return a, err
	}
	a.Score = score
	a.Category = cat
	return a, nil
}
