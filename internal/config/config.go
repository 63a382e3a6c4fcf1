// Package config loads the on-disk YAML configuration and resolves the
// persisted state layout under the mama home directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the full on-disk YAML configuration.
type Config struct {
	LLM       LLMConfig       `yaml:"llm"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Memory    MemoryConfig    `yaml:"memory"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Triggers  TriggersConfig  `yaml:"triggers"`
	Server    ServerConfig    `yaml:"server"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LLMConfig selects providers per task type and configures each provider.
type LLMConfig struct {
	// Routing maps a task type (complex_reasoning, code_generation,
	// simple_tasks, embeddings, memory_consolidation, private_content,
	// general) to a provider name.
	Routing map[string]string `yaml:"routing"`
	OpenAI  OpenAIConfig      `yaml:"openai"`
	Ollama  OllamaConfig      `yaml:"ollama"`
}

// OpenAIConfig configures the cloud provider.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	// EmbeddingModel is used for the embeddings endpoint.
	EmbeddingModel string `yaml:"embedding_model"`
}

// OllamaConfig configures the local provider.
type OllamaConfig struct {
	BaseURL        string `yaml:"base_url"`
	DefaultModel   string `yaml:"default_model"`
	SmartModel     string `yaml:"smart_model"`
	FastModel      string `yaml:"fast_model"`
	EmbeddingModel string `yaml:"embedding_model"`
}

// SandboxConfig configures the capability sandbox.
type SandboxConfig struct {
	Workspace    string           `yaml:"workspace"`
	AllowedPaths []PathRule       `yaml:"allowed_paths"`
	DeniedPaths  []string         `yaml:"denied_paths"`
	Shell        ShellCapConfig   `yaml:"shell"`
	Network      NetworkCapConfig `yaml:"network"`
}

// PathRule grants actions on a path glob at a permission level.
type PathRule struct {
	Glob    string   `yaml:"glob"`
	Actions []string `yaml:"actions"`
	Level   string   `yaml:"level"` // auto | ask | deny
}

// ShellCapConfig classifies commands for the shell capability.
type ShellCapConfig struct {
	SafeCommands   []string `yaml:"safe_commands"`
	AskCommands    []string `yaml:"ask_commands"`
	DeniedPatterns []string `yaml:"denied_patterns"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// NetworkCapConfig configures the network capability.
type NetworkCapConfig struct {
	AllowedDomains     []string `yaml:"allowed_domains"`
	AskDomains         bool     `yaml:"ask_domains"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
	LogAllRequests     bool     `yaml:"log_all_requests"`
}

// MemoryConfig tunes the memory engine and consolidation scheduler.
type MemoryConfig struct {
	EmbeddingDimensions        int     `yaml:"embedding_dimensions"`
	ConsolidationIntervalHours float64 `yaml:"consolidation_interval_hours"`
	MinEpisodesToConsolidate   int     `yaml:"min_episodes_to_consolidate"`
	DecayFactor                float64 `yaml:"decay_factor"`
	InactiveDaysThreshold      int     `yaml:"inactive_days_threshold"`
	DeactivateThreshold        float64 `yaml:"deactivate_threshold"`
	RetrievalTokenBudget       int     `yaml:"retrieval_token_budget"`
}

// SchedulerConfig enables the cron job service.
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
}

// HeartbeatConfig configures the periodic self-check.
type HeartbeatConfig struct {
	Enabled         bool   `yaml:"enabled"`
	IntervalMinutes int    `yaml:"interval_minutes"`
	ChecklistPath   string `yaml:"checklist_path"`
}

// TriggersConfig configures file watchers and the webhook listener.
type TriggersConfig struct {
	Watchers []WatcherConfig `yaml:"watchers"`
	Webhook  WebhookConfig   `yaml:"webhook"`
}

// WatcherConfig describes one file watcher trigger.
type WatcherConfig struct {
	Path   string   `yaml:"path"`
	Events []string `yaml:"events"` // add | change | unlink | rename
	Task   string   `yaml:"task"`
}

// WebhookConfig describes the optional webhook HTTP listener.
type WebhookConfig struct {
	Enabled bool          `yaml:"enabled"`
	Port    int           `yaml:"port"`
	Hooks   []HookConfig  `yaml:"hooks"`
	Timeout time.Duration `yaml:"-"`
}

// HookConfig describes a single registered webhook.
type HookConfig struct {
	ID    string `yaml:"id"`
	Token string `yaml:"token"`
	Task  string `yaml:"task"`
}

// ServerConfig configures the local HTTP API.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Token   string `yaml:"token"`
}

// TelegramConfig configures the chat-bot polling adapter.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces ${VAR} template strings with environment values.
func ExpandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		return os.Getenv(name)
	})
}

// Home returns the mama state directory, honoring MAMA_HOME and
// XDG_DATA_HOME before falling back to ~/.mama.
func Home() (string, error) {
	if dir := os.Getenv("MAMA_HOME"); dir != "" {
		return dir, nil
	}
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "mama"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".mama"), nil
}

// Paths resolves the persisted state layout inside the home directory.
type Paths struct {
	Home      string
	Config    string
	Database  string
	LogDir    string
	PIDFile   string
	Soul      string
	Heartbeat string
	Workspace string
}

// ResolvePaths computes the state layout and creates the home directory.
func ResolvePaths() (Paths, error) {
	home, err := Home()
	if err != nil {
		return Paths{}, err
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		return Paths{}, fmt.Errorf("create state dir: %w", err)
	}
	return Paths{
		Home:      home,
		Config:    filepath.Join(home, "config.yaml"),
		Database:  filepath.Join(home, "mama.db"),
		LogDir:    filepath.Join(home, "logs"),
		PIDFile:   filepath.Join(home, "mama.pid"),
		Soul:      filepath.Join(home, "soul.md"),
		Heartbeat: filepath.Join(home, "heartbeat.md"),
		Workspace: filepath.Join(home, "workspace"),
	}, nil
}

// Load reads, env-expands, and decodes the YAML config file. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LLM.Routing == nil {
		c.LLM.Routing = map[string]string{}
	}
	if c.LLM.Ollama.BaseURL == "" {
		c.LLM.Ollama.BaseURL = "http://127.0.0.1:11434"
	}
	if c.Sandbox.Shell.TimeoutSeconds <= 0 {
		c.Sandbox.Shell.TimeoutSeconds = 30
	}
	if c.Sandbox.Network.RateLimitPerMinute <= 0 {
		c.Sandbox.Network.RateLimitPerMinute = 30
	}
	if c.Memory.EmbeddingDimensions <= 0 {
		c.Memory.EmbeddingDimensions = 768
	}
	if c.Memory.ConsolidationIntervalHours <= 0 {
		c.Memory.ConsolidationIntervalHours = 6
	}
	if c.Memory.MinEpisodesToConsolidate <= 0 {
		c.Memory.MinEpisodesToConsolidate = 10
	}
	if c.Memory.DecayFactor <= 0 {
		c.Memory.DecayFactor = 0.9
	}
	if c.Memory.InactiveDaysThreshold <= 0 {
		c.Memory.InactiveDaysThreshold = 30
	}
	if c.Memory.DeactivateThreshold <= 0 {
		c.Memory.DeactivateThreshold = 0.1
	}
	if c.Memory.RetrievalTokenBudget <= 0 {
		c.Memory.RetrievalTokenBudget = 1200
	}
	if c.Heartbeat.IntervalMinutes <= 0 {
		c.Heartbeat.IntervalMinutes = 30
	}
	if c.Server.Port <= 0 {
		c.Server.Port = 8321
	}
	if c.Triggers.Webhook.Port <= 0 {
		c.Triggers.Webhook.Port = 8322
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
