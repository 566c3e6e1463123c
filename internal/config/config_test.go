package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("group/app")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "group/app", cfg.GitLab.ProjectID)
	assert.Equal(t, "https://gitlab.com", cfg.GitLab.Host)
	assert.Equal(t, "openai", cfg.AI.Backend)
	assert.Equal(t, "gpt-4o-mini", cfg.AI.Active().Model)
	assert.True(t, cfg.Report.Enrich)
	assert.Equal(t, "/v0", cfg.Server.BasePath)
}

func TestFromYAMLKeepsDefaultsForMissingSections(t *testing.T) {
	cfg, err := FromYAML([]byte(`
gitlab:
  host: https://gitlab.example.com
  project_id: "12"
ai:
  backend: anthropic
  anthropic:
    api_key: sk-test
schedules:
  - name: weekly
    cron: "0 8 * * 1"
    scope: range
    range_days: 7
    reconcile: true
`))
	require.NoError(t, err)
	assert.Equal(t, "12", cfg.GitLab.ProjectID)
	assert.Equal(t, "sk-test", cfg.AI.Active().APIKey)
	assert.Equal(t, "claude-3-5-sonnet-20241022", cfg.AI.Active().Model)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	require.Len(t, cfg.Schedules, 1)
	assert.True(t, cfg.Schedules[0].Reconcile)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"relative host":    "gitlab: {host: gitlab.com}",
		"unknown backend":  "ai: {backend: llama}",
		"negative retries": "report: {link_retries: -1}",
		"webhook url":      "webhooks: [{events: [draft.generated]}]",
		"bad cron":         "schedules: [{name: a, cron: 'every day', scope: iteration}]",
		"bad scope":        "schedules: [{name: a, cron: '@daily', scope: sprint}]",
		"range days":       "schedules: [{name: a, cron: '@daily', scope: range}]",
		"duplicate":        "schedules: [{name: a, cron: '@daily', scope: iteration}, {name: a, cron: '@hourly', scope: milestone}]",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, "https://gitlab.com", cfg.GitLab.Host)

	_, err = Load(dir)
	require.ErrorContains(t, err, "rl init")

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("gitlab: {project_id: '7'}\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "7", cfg.GitLab.ProjectID)
}
