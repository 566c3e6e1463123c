// Package app wires configuration into the engine and its collaborators.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"reportline/internal/config"
	"reportline/internal/db"
	"reportline/internal/engine"
	"reportline/internal/gitlab"
	"reportline/internal/llm"
	"reportline/internal/logging"
	"reportline/internal/migrate"
	"reportline/internal/report"
)

// Overrides are settings taken from flags or the environment. Non-empty
// values win over reportline.yml.
type Overrides struct {
	GitLabHost  string
	GitLabToken string
	ProjectID   string
	AIBackend   string
	AIKey       string
	JWTSecret   string
}

// Apply merges o into cfg.
func (o Overrides) Apply(cfg *config.Config) {
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.GitLab.Host, o.GitLabHost)
	set(&cfg.GitLab.Token, o.GitLabToken)
	set(&cfg.GitLab.ProjectID, o.ProjectID)
	set(&cfg.AI.Backend, o.AIBackend)
	set(&cfg.Server.JWTSecret, o.JWTSecret)
	if key := strings.TrimSpace(o.AIKey); key != "" {
		switch cfg.AI.Backend {
		case llm.BackendAnthropic:
			cfg.AI.Anthropic.APIKey = key
		case llm.BackendGemini:
			cfg.AI.Gemini.APIKey = key
		default:
			cfg.AI.OpenAI.APIKey = key
		}
	}
}

// NewTracker builds the GitLab client, or nil when no host is configured.
func NewTracker(cfg *config.Config) *gitlab.Client {
	if strings.TrimSpace(cfg.GitLab.Host) == "" {
		return nil
	}
	c := gitlab.New(cfg.GitLab.Host, cfg.GitLab.Token)
	c.PrivateToken = cfg.GitLab.PrivateToken
	return c
}

// NewCompleter builds the configured LLM backend. A missing key is reported at
// call time so reports without summaries still work.
func NewCompleter(cfg *config.Config) (llm.Completer, error) {
	active := cfg.AI.Active()
	return llm.New(llm.Config{
		Backend:    cfg.AI.Backend,
		APIKey:     active.APIKey,
		BaseURL:    active.BaseURL,
		Model:      active.Model,
		MaxRetries: cfg.AI.MaxRetries,
	})
}

// Open opens and migrates the workspace database.
func Open(ctx context.Context, workspace string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return conn, nil
}

// NewEngine assembles an engine over conn from cfg.
func NewEngine(conn *sql.DB, cfg *config.Config, logger logging.Logger) (engine.Engine, llm.Completer, error) {
	completer, err := NewCompleter(cfg)
	if err != nil {
		return engine.Engine{}, nil, err
	}
	var tracker engine.Tracker
	if c := NewTracker(cfg); c != nil {
		tracker = c
	}
	var summaries report.SummaryGenerator = llm.Summarizer{Completer: completer}
	return engine.New(conn, cfg, tracker, summaries, logger), completer, nil
}
