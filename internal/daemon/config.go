// Package daemon manages the TuTu Flow daemon lifecycle and configuration.
package daemon

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tutu-network/tutuflow/internal/infra/llm"
	"github.com/tutu-network/tutuflow/internal/logging"
)

// Config holds all daemon configuration.
type Config struct {
	API       APIConfig       `toml:"api"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Services  ServicesConfig  `toml:"services"`
	Store     StoreConfig     `toml:"store"`
	Logging   LoggingConfig   `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// APIConfig controls the HTTP API server and its ingest endpoint.
type APIConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	QueueSize    int    `toml:"queue_size"`
	QueueTimeout string `toml:"queue_timeout"`
	AcceptStatus int    `toml:"accept_status"`
	MaxPayload   string `toml:"max_payload"`
	StopAfter    int    `toml:"stop_after"`
}

// PipelineConfig controls the pipeline runtime.
type PipelineConfig struct {
	Definition      string `toml:"definition"`
	Output          string `toml:"output"` // JSON-lines file; empty means stdout
	Buffer          int    `toml:"buffer"`
	Workers         int    `toml:"workers"`
	ClientCacheSize int    `toml:"client_cache_size"`
}

// ServicesConfig enables the generation providers.
type ServicesConfig struct {
	OpenAI OpenAIServiceConfig `toml:"openai"`
	Mock   MockServiceConfig   `toml:"mock"`
}

// OpenAIServiceConfig configures the OpenAI-compatible providers.
type OpenAIServiceConfig struct {
	Enabled        bool     `toml:"enabled"`
	BaseURL        string   `toml:"base_url"`
	APIKeyEnv      string   `toml:"api_key_env"`
	Timeout        string   `toml:"timeout"`
	MaxRetries     int      `toml:"max_retries"`
	RetryBaseDelay string   `toml:"retry_base_delay"`
	RetryMaxDelay  string   `toml:"retry_max_delay"`
	MaxConcurrency int      `toml:"max_concurrency"`
	Models         []string `toml:"models"`
}

// MockServiceConfig configures the offline echo provider.
type MockServiceConfig struct {
	Enabled bool     `toml:"enabled"`
	Models  []string `toml:"models"`
}

// StoreConfig controls the execution log.
type StoreConfig struct {
	Enabled   bool   `toml:"enabled"`
	Dir       string `toml:"dir"`
	Retention string `toml:"retention"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// TelemetryConfig controls the metrics endpoint.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	homeDir := flowHome()
	return Config{
		API: APIConfig{
			Host:         "127.0.0.1",
			Port:         8787,
			QueueSize:    64,
			QueueTimeout: "5s",
			AcceptStatus: 201,
			MaxPayload:   "10MB",
		},
		Pipeline: PipelineConfig{
			Definition:      filepath.Join(homeDir, "pipeline.yaml"),
			Buffer:          16,
			Workers:         1,
			ClientCacheSize: 16,
		},
		Services: ServicesConfig{
			OpenAI: OpenAIServiceConfig{
				BaseURL:        "https://api.openai.com/v1",
				APIKeyEnv:      "OPENAI_API_KEY",
				Timeout:        "60s",
				MaxRetries:     3,
				RetryBaseDelay: "500ms",
				RetryMaxDelay:  "10s",
				MaxConcurrency: 8,
			},
			Mock: MockServiceConfig{
				Enabled: true,
			},
		},
		Store: StoreConfig{
			Enabled:   true,
			Dir:       homeDir,
			Retention: "720h",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Prometheus: true,
		},
	}
}

// LoadConfig reads config from ~/.tutuflow/config.toml, falling back to
// defaults.
func LoadConfig() (Config, error) {
	return LoadConfigFile(filepath.Join(flowHome(), "config.toml"))
}

// LoadConfigFile reads config from path, falling back to defaults when the
// file does not exist.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("parse config: unknown keys %s", strings.Join(keys, ", "))
	}
	return cfg, nil
}

// SaveConfig writes the config to ~/.tutuflow/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(flowHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// flowHome returns the TuTu Flow data directory.
func flowHome() string {
	if env := os.Getenv("TUTUFLOW_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tutuflow")
}

// Home is exported for use by other packages.
func Home() string {
	return flowHome()
}

// ─── Derived Settings ───────────────────────────────────────────────────────

// SetupLogging initialises the global logger. The returned closer releases
// the log file, if any.
func (c LoggingConfig) SetupLogging(stderr io.Writer) (io.Closer, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	if c.File == "" {
		logging.Init(level, c.Format, stderr)
		return nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(c.File), 0700); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(c.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logging.Init(level, c.Format, f)
	return f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewRegistry registers every enabled provider.
func (c Config) NewRegistry() (*llm.Registry, error) {
	reg := llm.NewRegistry(c.Pipeline.ClientCacheSize)

	if c.Services.Mock.Enabled {
		if err := reg.Register(llm.ProviderMock, llm.NewMockService(c.Services.Mock.Models...)); err != nil {
			return nil, err
		}
	}

	oc := c.Services.OpenAI
	if oc.Enabled {
		apiKey := ""
		if oc.APIKeyEnv != "" {
			apiKey = os.Getenv(oc.APIKeyEnv)
			if apiKey == "" {
				slog.Warn("OpenAI API key variable is empty", "env", oc.APIKeyEnv)
			}
		}
		defaults := llm.DefaultRetryConfig()
		openaiCfg := llm.OpenAIConfig{
			BaseURL:        oc.BaseURL,
			APIKey:         apiKey,
			Timeout:        parseDuration(oc.Timeout, 60*time.Second),
			MaxConcurrency: oc.MaxConcurrency,
			Models:         oc.Models,
			Retry: llm.RetryConfig{
				MaxRetries: oc.MaxRetries,
				BaseDelay:  parseDuration(oc.RetryBaseDelay, defaults.BaseDelay),
				MaxDelay:   parseDuration(oc.RetryMaxDelay, defaults.MaxDelay),
			},
		}
		if err := reg.Register(llm.ProviderOpenAIChat, llm.NewOpenAIChatService(openaiCfg)); err != nil {
			return nil, err
		}
		if err := reg.Register(llm.ProviderOpenAICompletion, llm.NewOpenAICompletionService(openaiCfg)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// parseSize converts "10MB" to bytes. Bare numbers are bytes.
func parseSize(s string) int64 {
	var val int64
	var unit string
	fmt.Sscanf(s, "%d%s", &val, &unit)
	if val <= 0 {
		return 10 << 20 // Default 10MB
	}
	switch strings.ToUpper(unit) {
	case "GB":
		return val << 30
	case "MB":
		return val << 20
	case "KB":
		return val << 10
	default:
		return val
	}
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
