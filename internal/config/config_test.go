package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagegate/internal/domain"
	"stagegate/internal/risk"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("acme")))
	require.NoError(t, err)
	assert.Equal(t, "acme", cfg.Project.ID)

	dev, ok := cfg.Kind(domain.KindDeviation)
	require.True(t, ok)
	assert.Equal(t, []string{"Financial", "Documentation"}, dev.StageNames())

	contract, _ := cfg.Kind(domain.KindContract)
	assert.Equal(t, []string{"Financial", "AdministrativeMatrix", "Documentation", "Superintendence"}, contract.StageNames())

	assert.Equal(t, 5*time.Second, cfg.NotifyTimeout())
	assert.Equal(t, 30*time.Second, cfg.RetryInterval())
	assert.Equal(t, 10, cfg.MaxNotifyAttempts())

	reg, err := cfg.RiskRegistry()
	require.NoError(t, err)
	assert.Equal(t, risk.DefaultVersion, reg.Active().Version)
}

func TestDefaultMatchesTemplate(t *testing.T) {
	cfg := Default("acme")
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Kinds, len(domain.CaseKinds()))
}

func TestClockUsesStageDays(t *testing.T) {
	cfg := Default("acme")
	clock := cfg.Clock()
	p := clock.Policies[domain.KindDeviation]
	assert.Equal(t, 3, p.Days("Financial"))
	assert.Equal(t, domain.DayModeBusiness, clock.Policies[domain.KindOccurrence].Mode)

	contract := clock.Policies[domain.KindContract]
	assert.Equal(t, 5, contract.Days("AdministrativeMatrix"))
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"missing project": "kinds: {deviation: {stages: [{name: A}]}}",
		"unknown kind":    "project: {id: x}\nkinds: {travel: {stages: [{name: A}]}}",
		"no stages":       "project: {id: x}\nkinds: {deviation: {stages: []}}",
		"duplicate stage": "project: {id: x}\nkinds: {deviation: {stages: [{name: A}, {name: A}]}}",
		"bad day mode":    "project: {id: x}\nkinds: {deviation: {day_mode: lunar, stages: [{name: A}]}}",
		"bad holiday":     "project: {id: x}\nkinds: {deviation: {stages: [{name: A}]}}\nholidays: [25/12]",
		"webhook no url":  "project: {id: x}\nkinds: {deviation: {stages: [{name: A}]}}\nnotifications: {gateway: webhook}",
		"negative tries":  "project: {id: x}\nkinds: {deviation: {stages: [{name: A}]}}\nnotifications: {max_attempts: -1}",
		"unknown role":    "project: {id: x}\nkinds: {deviation: {stages: [{name: A, authorities: [cfo]}]}}\nrbac: {roles: {owner: {}}}",
		"gappy matrix":    "project: {id: x}\nkinds: {deviation: {stages: [{name: A}]}}\nrisk: {matrices: [{version: v1, bands: [{max_score: 9, category: Trivial}]}]}",
	}
	for name, doc := range cases {
		_, err := FromYAML([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = Load(dir)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "stagegate.yml"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "stagegate.yml"), []byte(GenerateDefault("p1")), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "p1", cfg.Project.ID)
}
