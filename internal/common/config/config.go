// Package config provides configuration management for the Cyrus edge worker.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the edge worker.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Platform     PlatformConfig     `mapstructure:"platform"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Runner       RunnerConfig       `mapstructure:"runner"`
	Worktree     WorktreeConfig     `mapstructure:"worktree"`
	State        StateConfig        `mapstructure:"state"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Repositories []RepositoryConfig `mapstructure:"repositories"`
}

// ServerConfig holds the webhook HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	// WebhookSecret is the shared secret for webhook signature verification.
	// When empty, a bearer token in WebhookToken is accepted instead.
	WebhookSecret string `mapstructure:"webhookSecret"`
	WebhookToken  string `mapstructure:"webhookToken"`
}

// PlatformConfig holds the outbound platform API client configuration.
type PlatformConfig struct {
	BaseURL     string `mapstructure:"baseUrl"`
	APIToken    string `mapstructure:"apiToken"`
	AgentHandle string `mapstructure:"agentHandle"` // handle used for mention detection, e.g. "@cyrus"
	TimeoutSecs int    `mapstructure:"timeoutSecs"`
	MaxRetries  int    `mapstructure:"maxRetries"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// RunnerConfig holds defaults for agent runner subprocesses.
type RunnerConfig struct {
	// DefaultFlavor is used when no label rule or explicit selection applies.
	DefaultFlavor string `mapstructure:"defaultFlavor"`
	DefaultModel  string `mapstructure:"defaultModel"`
	// InitTimeout is the bounded wait for the runner's init event, in seconds.
	InitTimeout int `mapstructure:"initTimeout"`
	// StopGrace is the graceful-exit grace period before a forceful kill, in seconds.
	StopGrace int `mapstructure:"stopGrace"`
	// FailOnToolError escalates tool-command failures to session-fatal.
	// Default false: a failing command inside a run is an observation, not the end.
	FailOnToolError bool `mapstructure:"failOnToolError"`
}

// WorktreeConfig holds git worktree configuration for session workspaces.
type WorktreeConfig struct {
	BasePath        string `mapstructure:"basePath"`        // base directory for worktrees (default: ~/.cyrus/worktrees)
	DefaultBranch   string `mapstructure:"defaultBranch"`   // default base branch (default: main)
	CleanupOnRemove bool   `mapstructure:"cleanupOnRemove"` // remove worktree directory when a session is garbage collected
}

// StateConfig holds durable state configuration.
type StateConfig struct {
	// Dir is the directory holding edge-worker-state.json, active-work.json
	// and the session archive database (default: ~/.cyrus).
	Dir string `mapstructure:"dir"`
	// FlushInterval is the dirty-state coalescing tick in milliseconds.
	FlushInterval int `mapstructure:"flushInterval"`
	// ArchiveMaxAgeDays controls garbage collection of finalized sessions.
	ArchiveMaxAgeDays int `mapstructure:"archiveMaxAgeDays"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// LabelRule maps an issue label to a prompt template and runner selection.
// Rules are evaluated in declaration order; the first match wins.
type LabelRule struct {
	Label          string   `mapstructure:"label"`
	PromptTemplate string   `mapstructure:"promptTemplate"`
	RunnerFlavor   string   `mapstructure:"runnerFlavor"`
	Model          string   `mapstructure:"model"`
	ApprovalMode   string   `mapstructure:"approvalMode"`
	SandboxLevel   string   `mapstructure:"sandboxLevel"`
	AllowedTools   []string `mapstructure:"allowedTools"`
}

// RepositoryConfig describes one repository the worker can route sessions to.
// Immutable after load.
type RepositoryConfig struct {
	ID            string      `mapstructure:"id"`
	Name          string      `mapstructure:"name"`
	Path          string      `mapstructure:"path"`          // on-disk git repository path
	WorkspaceDir  string      `mapstructure:"workspaceDir"`  // base dir for session worktrees; empty uses worktree.basePath
	BaseBranch    string      `mapstructure:"baseBranch"`    // branch worktrees are created from
	WorkspaceID   string      `mapstructure:"workspaceId"`   // platform workspace id
	CredentialKey string      `mapstructure:"credentialKey"` // handle into the credential store
	Active        bool        `mapstructure:"active"`
	TeamKeys      []string    `mapstructure:"teamKeys"` // routing keys matched against the work item's team
	RunnerFlavor  string      `mapstructure:"runnerFlavor"`
	Model         string      `mapstructure:"model"`
	ApprovalMode  string      `mapstructure:"approvalMode"`
	SandboxLevel  string      `mapstructure:"sandboxLevel"`
	AllowedTools  []string    `mapstructure:"allowedTools"`
	DisallowTools []string    `mapstructure:"disallowTools"`
	LabelPrompts  []LabelRule `mapstructure:"labelPrompts"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TimeoutDuration returns the platform API timeout as a time.Duration.
func (p *PlatformConfig) TimeoutDuration() time.Duration {
	return time.Duration(p.TimeoutSecs) * time.Second
}

// InitTimeoutDuration returns the runner init timeout as a time.Duration.
func (r *RunnerConfig) InitTimeoutDuration() time.Duration {
	return time.Duration(r.InitTimeout) * time.Second
}

// StopGraceDuration returns the graceful-stop grace period as a time.Duration.
func (r *RunnerConfig) StopGraceDuration() time.Duration {
	return time.Duration(r.StopGrace) * time.Second
}

// FlushIntervalDuration returns the persistence flush tick as a time.Duration.
func (s *StateConfig) FlushIntervalDuration() time.Duration {
	return time.Duration(s.FlushInterval) * time.Millisecond
}

// ExpandedDir returns the state dir with a leading ~ expanded.
func (s *StateConfig) ExpandedDir() (string, error) {
	return expandHome(s.Dir)
}

// ExpandedBasePath returns the worktree base path with a leading ~ expanded.
func (w *WorktreeConfig) ExpandedBasePath() (string, error) {
	return expandHome(w.BasePath)
}

func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CYRUS_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3456)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.webhookSecret", "")
	v.SetDefault("server.webhookToken", "")

	// Platform defaults
	v.SetDefault("platform.baseUrl", "https://api.linear.app")
	v.SetDefault("platform.apiToken", "")
	v.SetDefault("platform.agentHandle", "@cyrus")
	v.SetDefault("platform.timeoutSecs", 30)
	v.SetDefault("platform.maxRetries", 3)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "cyrus-edge-worker")
	v.SetDefault("nats.maxReconnects", 10)

	// Runner defaults
	v.SetDefault("runner.defaultFlavor", "claudecode")
	v.SetDefault("runner.defaultModel", "")
	v.SetDefault("runner.initTimeout", 30)
	v.SetDefault("runner.stopGrace", 5)
	v.SetDefault("runner.failOnToolError", false)

	// Worktree defaults
	v.SetDefault("worktree.basePath", "~/.cyrus/worktrees")
	v.SetDefault("worktree.defaultBranch", "main")
	v.SetDefault("worktree.cleanupOnRemove", true)

	// State defaults
	v.SetDefault("state.dir", "~/.cyrus")
	v.SetDefault("state.flushInterval", 500)
	v.SetDefault("state.archiveMaxAgeDays", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CYRUS_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or ~/.cyrus/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CYRUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("platform.apiToken", "CYRUS_PLATFORM_API_TOKEN", "LINEAR_API_TOKEN")
	_ = v.BindEnv("platform.agentHandle", "CYRUS_PLATFORM_AGENT_HANDLE")
	_ = v.BindEnv("server.webhookSecret", "CYRUS_SERVER_WEBHOOK_SECRET")
	_ = v.BindEnv("server.webhookToken", "CYRUS_SERVER_WEBHOOK_TOKEN")
	_ = v.BindEnv("state.dir", "CYRUS_STATE_DIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".cyrus"))
	}

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all required configuration fields are set and that the
// repository list is internally consistent.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Runner.StopGrace <= 0 {
		errs = append(errs, "runner.stopGrace must be positive")
	}
	if cfg.Runner.InitTimeout <= 0 {
		errs = append(errs, "runner.initTimeout must be positive")
	}

	seen := make(map[string]bool)
	for i := range cfg.Repositories {
		repo := &cfg.Repositories[i]
		if repo.ID == "" {
			errs = append(errs, fmt.Sprintf("repositories[%d].id is required", i))
			continue
		}
		if seen[repo.ID] {
			errs = append(errs, fmt.Sprintf("duplicate repository id %q", repo.ID))
		}
		seen[repo.ID] = true
		if repo.Path == "" {
			errs = append(errs, fmt.Sprintf("repository %q: path is required", repo.ID))
		}
		if len(repo.TeamKeys) == 0 {
			errs = append(errs, fmt.Sprintf("repository %q: at least one team key is required", repo.ID))
		}
		if repo.BaseBranch == "" {
			repo.BaseBranch = cfg.Worktree.DefaultBranch
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
