package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"reportline/internal/domain"
)

const FileName = "reportline.yml"

// Config models reportline.yml.
type Config struct {
	GitLab    GitLabConfig    `yaml:"gitlab" json:"gitlab"`
	AI        AIConfig        `yaml:"ai" json:"ai"`
	Report    ReportConfig    `yaml:"report" json:"report"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Webhooks  []WebhookConfig `yaml:"webhooks" json:"webhooks"`
	Schedules []Schedule      `yaml:"schedules" json:"schedules"`
}

type GitLabConfig struct {
	Host string `yaml:"host" json:"host"`
	// Token is normally supplied through REPORTLINE_GITLAB_TOKEN rather than the file.
	Token        string `yaml:"token" json:"-"`
	PrivateToken bool   `yaml:"private_token" json:"private_token"`
	ProjectID    string `yaml:"project_id" json:"project_id"`
	GroupID      string `yaml:"group_id" json:"group_id"`
}

type BackendConfig struct {
	APIKey  string `yaml:"api_key" json:"-"`
	BaseURL string `yaml:"base_url" json:"base_url,omitempty"`
	Model   string `yaml:"model" json:"model,omitempty"`
}

type AIConfig struct {
	Backend    string        `yaml:"backend" json:"backend"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	OpenAI     BackendConfig `yaml:"openai" json:"openai"`
	Anthropic  BackendConfig `yaml:"anthropic" json:"anthropic"`
	Gemini     BackendConfig `yaml:"gemini" json:"gemini"`
}

// Active returns the settings of the selected backend.
func (a AIConfig) Active() BackendConfig {
	switch a.Backend {
	case "anthropic":
		return a.Anthropic
	case "gemini":
		return a.Gemini
	default:
		return a.OpenAI
	}
}

type ReportConfig struct {
	// LinkRetries is the number of extra attempts per failed link.
	LinkRetries int `yaml:"link_retries" json:"link_retries"`
	// Enrich turns on AI summaries for `report run` and scheduled runs.
	Enrich bool `yaml:"enrich" json:"enrich"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	BasePath  string `yaml:"base_path" json:"base_path"`
	JWTSecret string `yaml:"jwt_secret" json:"-"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events"`
	Secret         string   `yaml:"secret" json:"-"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

// Schedule runs a report on a cron spec.
type Schedule struct {
	Name string `yaml:"name" json:"name"`
	Cron string `yaml:"cron" json:"cron"`
	// Scope is iteration, milestone or range.
	Scope string `yaml:"scope" json:"scope"`
	// Ref selects the iteration or milestone: "current", an id, or a title.
	Ref string `yaml:"ref" json:"ref,omitempty"`
	// RangeDays is the window length of range reports, ending at the run time.
	RangeDays int  `yaml:"range_days" json:"range_days,omitempty"`
	Enrich    bool `yaml:"enrich" json:"enrich"`
	Reconcile bool `yaml:"reconcile" json:"reconcile"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(""), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.GitLab.Host != "" {
		u, err := url.Parse(c.GitLab.Host)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.gitlab.host must be an absolute URL, got %q", c.GitLab.Host)
		}
	}
	switch c.AI.Backend {
	case "", "openai", "anthropic", "gemini":
	default:
		return fmt.Errorf("config.ai.backend must be openai, anthropic or gemini, got %q", c.AI.Backend)
	}
	if c.AI.MaxRetries < 0 {
		return fmt.Errorf("config.ai.max_retries must be >= 0")
	}
	if c.Report.LinkRetries < 0 {
		return fmt.Errorf("config.report.link_retries must be >= 0")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	names := map[string]struct{}{}
	for i, s := range c.Schedules {
		if s.Name == "" {
			return fmt.Errorf("config.schedules[%d].name is required", i)
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("config.schedules: duplicate name %s", s.Name)
		}
		names[s.Name] = struct{}{}
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			return fmt.Errorf("schedule %s: invalid cron %q: %w", s.Name, s.Cron, err)
		}
		if !domain.ScopeKind(s.Scope).Valid() {
			return fmt.Errorf("schedule %s: scope must be iteration, milestone or range", s.Name)
		}
		if s.Scope == string(domain.ScopeRange) && s.RangeDays <= 0 {
			return fmt.Errorf("schedule %s: range_days must be > 0 for range reports", s.Name)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(GenerateDefault(projectID)), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `gitlab:
  host: https://gitlab.com
  project_id: "%s"
  # token: set REPORTLINE_GITLAB_TOKEN instead

ai:
  backend: openai
  max_retries: 3
  openai:
    model: gpt-4o-mini
  anthropic:
    model: claude-3-5-sonnet-20241022
  gemini:
    model: gemini-2.5-flash

report:
  link_retries: 0
  enrich: true

server:
  addr: 127.0.0.1:8080
  base_path: /v0

webhooks: []

schedules: []
`
