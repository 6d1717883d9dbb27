package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LLMConfig holds settings for the planning/response model.
type LLMConfig struct {
	// Provider names the active LLM provider: "ollama" or "openai".
	Provider string `yaml:"provider"`

	// Ollama-specific config.
	OllamaBaseURL string `yaml:"ollama_base_url"` // e.g. http://localhost:11434
	OllamaModel   string `yaml:"ollama_model"`

	// OpenAI-compatible config.
	OpenAIBaseURL string `yaml:"openai_base_url"` // e.g. https://api.openai.com/v1
	OpenAIModel   string `yaml:"openai_model"`
	OpenAIAPIKey  string `yaml:"openai_api_key"`

	TimeoutSeconds int     `yaml:"timeout_seconds"`
	Temperature    float64 `yaml:"temperature"`
	MaxTokens      int     `yaml:"max_tokens"`
}

// EngineConfig controls task execution behavior.
type EngineConfig struct {
	// MaxRetries is the number of whole-plan retries after the first attempt fails.
	MaxRetries int `yaml:"max_retries"`

	// TaskTimeoutSeconds bounds a single task attempt end to end.
	TaskTimeoutSeconds int `yaml:"task_timeout_seconds"`
}

// GatewayConfig controls the ingestion path: queue depth, pacing, rate limits.
type GatewayConfig struct {
	QueueDepth       int `yaml:"queue_depth"`
	PacingMillis     int `yaml:"pacing_ms"`
	RatePerMinute    int `yaml:"rate_per_minute"`
	DedupSweepMillis int `yaml:"dedup_sweep_ms"`
}

type TelegramConfig struct {
	Token   string `yaml:"token"`
	Enabled bool   `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// ToolConfig is the per-tool section under tools.<name>.
type ToolConfig struct {
	Enabled bool `yaml:"enabled"`

	// Files tools.
	Root          string   `yaml:"root"`
	AllowedExts   []string `yaml:"allowed_exts"`
	MaxFileBytes  int64    `yaml:"max_file_bytes"`

	// Web tool.
	AllowedDomains []string `yaml:"allowed_domains"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes"`

	// Exec tool.
	AllowedBinaries []string `yaml:"allowed_binaries"`

	// Reminders tool.
	MaxPerUser int `yaml:"max_per_user"`
}

type ToolsConfig struct {
	Reminders     ToolConfig `yaml:"reminders"`
	FilesReadonly ToolConfig `yaml:"files_readonly"`
	FilesWrite    ToolConfig `yaml:"files_write"`
	WebSandbox    ToolConfig `yaml:"web_sandbox"`
	SystemInfo    ToolConfig `yaml:"system_info"`
	SystemExec    ToolConfig `yaml:"system_exec"`
}

// PairingConfig controls one-time pairing tokens.
type PairingConfig struct {
	TokenTTLMinutes int `yaml:"token_ttl_minutes"`
}

// OtelConfig selects the telemetry exporter.
type OtelConfig struct {
	// Exporter: "none", "stdout", or "otlp-http".
	Exporter    string `yaml:"exporter"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

type APIConfig struct {
	BindAddr   string `yaml:"bind_addr"`
	AdminToken string `yaml:"admin_token"`
	Enabled    bool   `yaml:"enabled"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	LLM      LLMConfig      `yaml:"llm"`
	Engine   EngineConfig   `yaml:"engine"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Channels ChannelsConfig `yaml:"channels"`
	Tools    ToolsConfig    `yaml:"tools"`
	Pairing  PairingConfig  `yaml:"pairing"`
	API      APIConfig      `yaml:"api"`
	Otel     OtelConfig     `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DatabasePath returns the sqlite database path within the given home directory.
func DatabasePath(homeDir string) string {
	return filepath.Join(homeDir, "dockbrain.db")
}

func HomeDir() string {
	if override := os.Getenv("DOCKBRAIN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".dockbrain")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		LLM: LLMConfig{
			Provider:       "ollama",
			OllamaBaseURL:  "http://localhost:11434",
			OllamaModel:    "llama3.1",
			OpenAIBaseURL:  "https://api.openai.com/v1",
			TimeoutSeconds: int((2 * time.Minute).Seconds()),
			Temperature:    0.2,
			MaxTokens:      2048,
		},
		Engine: EngineConfig{
			MaxRetries:         3,
			TaskTimeoutSeconds: int((5 * time.Minute).Seconds()),
		},
		Gateway: GatewayConfig{
			QueueDepth:       100,
			PacingMillis:     100,
			RatePerMinute:    10,
			DedupSweepMillis: int((5 * time.Minute).Milliseconds()),
		},
		Tools: ToolsConfig{
			Reminders:  ToolConfig{Enabled: true, MaxPerUser: 50},
			SystemInfo: ToolConfig{Enabled: true},
			FilesReadonly: ToolConfig{
				Enabled:      false,
				AllowedExts:  []string{".txt", ".md", ".json", ".yaml", ".yml", ".csv", ".log"},
				MaxFileBytes: 1 << 20,
			},
			FilesWrite: ToolConfig{
				Enabled:      false,
				AllowedExts:  []string{".txt", ".md", ".json", ".yaml", ".yml", ".csv", ".log"},
				MaxFileBytes: 1 << 20,
			},
			WebSandbox: ToolConfig{
				Enabled:        false,
				TimeoutSeconds: 15,
				MaxBodyBytes:   1 << 20,
			},
			SystemExec: ToolConfig{
				Enabled:         false,
				TimeoutSeconds:  10,
				AllowedBinaries: []string{"ls", "pwd", "date", "uptime", "whoami", "hostname", "df", "free"},
			},
		},
		Pairing: PairingConfig{TokenTTLMinutes: 60},
		API: APIConfig{
			BindAddr: "127.0.0.1:18790",
			Enabled:  true,
		},
		Otel: OtelConfig{
			Exporter:    "none",
			ServiceName: "dockbrain",
		},
	}
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create dockbrain home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "ollama"
	}
	if cfg.LLM.OllamaBaseURL == "" {
		cfg.LLM.OllamaBaseURL = "http://localhost:11434"
	}
	if cfg.LLM.OllamaModel == "" {
		cfg.LLM.OllamaModel = "llama3.1"
	}
	if cfg.LLM.OpenAIBaseURL == "" {
		cfg.LLM.OpenAIBaseURL = "https://api.openai.com/v1"
	}
	if cfg.LLM.TimeoutSeconds <= 0 {
		cfg.LLM.TimeoutSeconds = int((2 * time.Minute).Seconds())
	}
	if cfg.LLM.MaxTokens <= 0 {
		cfg.LLM.MaxTokens = 2048
	}
	if cfg.Engine.MaxRetries < 0 {
		cfg.Engine.MaxRetries = 0
	}
	if cfg.Engine.TaskTimeoutSeconds <= 0 {
		cfg.Engine.TaskTimeoutSeconds = int((5 * time.Minute).Seconds())
	}
	if cfg.Gateway.QueueDepth <= 0 {
		cfg.Gateway.QueueDepth = 100
	}
	if cfg.Gateway.PacingMillis <= 0 {
		cfg.Gateway.PacingMillis = 100
	}
	if cfg.Gateway.RatePerMinute <= 0 {
		cfg.Gateway.RatePerMinute = 10
	}
	if cfg.Gateway.DedupSweepMillis <= 0 {
		cfg.Gateway.DedupSweepMillis = int((5 * time.Minute).Milliseconds())
	}
	if cfg.Pairing.TokenTTLMinutes <= 0 {
		cfg.Pairing.TokenTTLMinutes = 60
	}
	if cfg.API.BindAddr == "" {
		cfg.API.BindAddr = "127.0.0.1:18790"
	}
	if cfg.Otel.Exporter == "" {
		cfg.Otel.Exporter = "none"
	}
	if cfg.Otel.ServiceName == "" {
		cfg.Otel.ServiceName = "dockbrain"
	}
	if cfg.Tools.Reminders.MaxPerUser <= 0 {
		cfg.Tools.Reminders.MaxPerUser = 50
	}
	if cfg.Tools.SystemExec.TimeoutSeconds <= 0 {
		cfg.Tools.SystemExec.TimeoutSeconds = 10
	}
	if cfg.Tools.WebSandbox.TimeoutSeconds <= 0 {
		cfg.Tools.WebSandbox.TimeoutSeconds = 15
	}
	if cfg.Tools.WebSandbox.MaxBodyBytes <= 0 {
		cfg.Tools.WebSandbox.MaxBodyBytes = 1 << 20
	}
	if cfg.Tools.FilesReadonly.MaxFileBytes <= 0 {
		cfg.Tools.FilesReadonly.MaxFileBytes = 1 << 20
	}
	if cfg.Tools.FilesWrite.MaxFileBytes <= 0 {
		cfg.Tools.FilesWrite.MaxFileBytes = 1 << 20
	}
	if cfg.Tools.FilesReadonly.Root == "" {
		cfg.Tools.FilesReadonly.Root = filepath.Join(cfg.HomeDir, "workspace")
	}
	if cfg.Tools.FilesWrite.Root == "" {
		cfg.Tools.FilesWrite.Root = filepath.Join(cfg.HomeDir, "workspace")
	}
	normalizeExts(&cfg.Tools.FilesReadonly)
	normalizeExts(&cfg.Tools.FilesWrite)
}

func normalizeExts(tc *ToolConfig) {
	for i, ext := range tc.AllowedExts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		tc.AllowedExts[i] = ext
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("DOCKBRAIN_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("DOCKBRAIN_BIND_ADDR"); raw != "" {
		cfg.API.BindAddr = raw
	}
	if raw := os.Getenv("DOCKBRAIN_ADMIN_TOKEN"); raw != "" {
		cfg.API.AdminToken = raw
	}
	if raw := os.Getenv("DOCKBRAIN_MAX_RETRIES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Engine.MaxRetries = v
		}
	}
	if raw := os.Getenv("DOCKBRAIN_RATE_PER_MINUTE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Gateway.RatePerMinute = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
		cfg.Channels.Telegram.Enabled = true
	}
	if raw := os.Getenv("OLLAMA_BASE_URL"); raw != "" {
		cfg.LLM.OllamaBaseURL = raw
	}
	if raw := os.Getenv("OPENAI_API_KEY"); raw != "" {
		cfg.LLM.OpenAIAPIKey = raw
	}
}
