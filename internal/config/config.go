package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config describes the top-level application configuration loaded from YAML and ENV.
type Config struct {
	Version   string                    `mapstructure:"version"`
	Provider  string                    `mapstructure:"provider"` // active provider id at startup
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Worker    WorkerConfig              `mapstructure:"worker"`
	Approval  ApprovalConfig            `mapstructure:"approval"`
	Sandbox   SandboxConfig             `mapstructure:"sandbox"`
	Tools     ToolsConfig               `mapstructure:"tools"`
	Agent     AgentConfig               `mapstructure:"agent"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Server    ServerConfig              `mapstructure:"server"`
}

// ProviderConfig configures one model backend. The map key is the provider id.
type ProviderConfig struct {
	Type        string        `mapstructure:"type"`       // openai, openrouter, vllm, lmstudio, ollama, worker
	Model       string        `mapstructure:"model"`      // explicit model id, wins over env overrides
	BaseURL     string        `mapstructure:"base_url"`   // API base URL for HTTP backends
	APIKey      string        `mapstructure:"api_key"`    // optional, env fallbacks apply
	Timeout     time.Duration `mapstructure:"timeout"`    // request timeout
	MaxTokens   int           `mapstructure:"max_tokens"` // optional provider-level token cap
	Temperature float64       `mapstructure:"temperature"`
}

// WorkerConfig describes how the out-of-process worker is located and spawned.
type WorkerConfig struct {
	Runtimes        []string      `mapstructure:"runtimes"`      // probed in order with --version
	Module          string        `mapstructure:"module"`        // started as <runtime> -m <module>
	Dir             string        `mapstructure:"dir"`           // working directory for the worker
	ProvidersDir    string        `mapstructure:"providers_dir"` // prepended to PYTHONPATH
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	LogFile         string        `mapstructure:"log_file"`
	LogLevel        string        `mapstructure:"log_level"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
	// ToolCallSettle is the quiet period after a toolCall event before the
	// chat turn is handed back for tool execution.
	ToolCallSettle time.Duration `mapstructure:"tool_call_settle"`
}

// ApprovalConfig controls when tool calls need user confirmation.
type ApprovalConfig struct {
	Mode        string   `mapstructure:"mode"`         // default, auto_edit, yolo
	AlwaysAllow []string `mapstructure:"always_allow"` // pre-approved confirmation classes
}

// SandboxConfig controls command and filesystem restrictions.
type SandboxConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	AllowNetwork    bool     `mapstructure:"allow_network"`
	AllowWrite      bool     `mapstructure:"allow_write"`
	AllowedCommands []string `mapstructure:"allowed_commands"`
	DeniedCommands  []string `mapstructure:"denied_commands"`
	WorkingDir      string   `mapstructure:"working_dir"`
	TimeoutSeconds  int      `mapstructure:"timeout_seconds"`
}

// ToolsConfig configures tool behaviour.
type ToolsConfig struct {
	AllowExec          bool          `mapstructure:"allow_exec"`
	AllowFileWrite     bool          `mapstructure:"allow_file_write"`
	ExecTimeoutSeconds int           `mapstructure:"exec_timeout_seconds"`
	MaxConcurrency     int           `mapstructure:"max_concurrency"`
	EnableWebFetch     bool          `mapstructure:"enable_web_fetch"`
	FetchTimeout       time.Duration `mapstructure:"fetch_timeout"`
	FetchMaxBytes      int64         `mapstructure:"fetch_max_bytes"`
	FetchPerMinute     int           `mapstructure:"fetch_per_minute"`
	FetchRetries       uint          `mapstructure:"fetch_retries"`
}

// AgentConfig describes conversation loop parameters.
type AgentConfig struct {
	MaxSteps     int     `mapstructure:"max_steps"`
	MaxTokens    int     `mapstructure:"max_tokens"`
	Temperature  float64 `mapstructure:"temperature"`
	SystemPrompt string  `mapstructure:"system_prompt"`
}

// LoggingConfig controls logger behaviour.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // console or json
}

// ServerConfig describes daemon settings.
type ServerConfig struct {
	Addr           string `mapstructure:"addr"`
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	Transport      string `mapstructure:"transport"` // connect or ndjson
}

// Load reads configuration from the provided path or defaults to configs/config.yaml.
// Environment variables override file values (prefix: MULTICLI_, dots replaced with underscores).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MULTICLI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("configs")
	} else {
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && path == "" {
			v.SetConfigName("config.example")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults populates sensible defaults for optional fields.
func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", "default")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("worker.runtimes", []string{"python3", "python"})
	v.SetDefault("worker.module", "grok_sidecar")
	v.SetDefault("worker.dir", "")
	v.SetDefault("worker.providers_dir", "providers")
	v.SetDefault("worker.shutdown_timeout", 3*time.Second)
	v.SetDefault("worker.log_file", "")
	v.SetDefault("worker.log_level", "info")
	v.SetDefault("worker.breaker_failures", 3)
	v.SetDefault("worker.breaker_cooldown", 30*time.Second)
	v.SetDefault("worker.tool_call_settle", 150*time.Millisecond)

	v.SetDefault("approval.mode", "default")
	v.SetDefault("approval.always_allow", []string{})

	v.SetDefault("sandbox.enabled", true)
	v.SetDefault("sandbox.allow_network", false)
	v.SetDefault("sandbox.allow_write", true)
	v.SetDefault("sandbox.timeout_seconds", 120)

	v.SetDefault("tools.allow_exec", true)
	v.SetDefault("tools.allow_file_write", true)
	v.SetDefault("tools.exec_timeout_seconds", 120)
	v.SetDefault("tools.max_concurrency", 4)
	v.SetDefault("tools.enable_web_fetch", true)
	v.SetDefault("tools.fetch_timeout", 20*time.Second)
	v.SetDefault("tools.fetch_max_bytes", 2<<20)
	v.SetDefault("tools.fetch_per_minute", 30)
	v.SetDefault("tools.fetch_retries", 2)

	v.SetDefault("agent.max_steps", 16)
	v.SetDefault("agent.max_tokens", 4096)
	v.SetDefault("agent.temperature", 0.2)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.metrics_enabled", true)
	v.SetDefault("server.transport", "connect")
}

// Validate performs basic sanity checks on configuration values.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return errors.New("at least one provider must be configured")
	}
	if _, ok := c.Providers[c.Provider]; !ok {
		return fmt.Errorf("active provider %q is not configured", c.Provider)
	}

	for name, p := range c.Providers {
		if p.Type == "" {
			return fmt.Errorf("provider %q must define type", name)
		}
		if p.Temperature < 0 || p.Temperature > 2 {
			return fmt.Errorf("provider %q temperature must be within [0,2]", name)
		}
		if p.MaxTokens < 0 {
			return fmt.Errorf("provider %q max_tokens cannot be negative", name)
		}
		if p.Type == "worker" && strings.TrimSpace(c.Worker.Module) == "" {
			return fmt.Errorf("provider %q needs worker.module", name)
		}
	}

	if c.Worker.ToolCallSettle < 0 {
		return errors.New("worker.tool_call_settle must be >= 0")
	}
	if c.Worker.ShutdownTimeout < 0 {
		return errors.New("worker.shutdown_timeout must be >= 0")
	}

	switch strings.ToLower(strings.TrimSpace(c.Approval.Mode)) {
	case "", "default", "auto_edit", "yolo":
	default:
		return fmt.Errorf("approval.mode must be one of default, auto_edit, yolo, got %q", c.Approval.Mode)
	}

	if c.Agent.MaxSteps <= 0 {
		return errors.New("agent.max_steps must be > 0")
	}

	if c.Sandbox.TimeoutSeconds <= 0 {
		return errors.New("sandbox.timeout_seconds must be > 0")
	}

	if c.Tools.ExecTimeoutSeconds <= 0 {
		return errors.New("tools.exec_timeout_seconds must be > 0")
	}
	if c.Tools.MaxConcurrency <= 0 {
		return errors.New("tools.max_concurrency must be > 0")
	}
	if c.Tools.FetchPerMinute < 0 {
		return errors.New("tools.fetch_per_minute must be >= 0")
	}

	switch strings.ToLower(strings.TrimSpace(c.Server.Transport)) {
	case "", "connect", "ndjson":
	default:
		return fmt.Errorf("server.transport must be one of connect or ndjson, got %q", c.Server.Transport)
	}

	return nil
}

// DataDir returns the per-user directory for logs and state.
func DataDir() string {
	if dir := strings.TrimSpace(os.Getenv("MULTICLI_DATA_DIR")); dir != "" {
		return dir
	}
	if dir := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); dir != "" {
		return filepath.Join(dir, "multi-cli")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "multi-cli")
	}
	return filepath.Join(home, ".local", "share", "multi-cli")
}

// WorkerLogFile resolves the worker debug log path:
// MULTICLI_WORKER_LOG_FILE, then worker.log_file, then a file under DataDir.
func (c *Config) WorkerLogFile() string {
	if p := strings.TrimSpace(os.Getenv("MULTICLI_WORKER_LOG_FILE")); p != "" {
		return p
	}
	if p := strings.TrimSpace(c.Worker.LogFile); p != "" {
		return p
	}
	return filepath.Join(DataDir(), "worker.log")
}
