package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultModel             = "gpt-4o"
	DefaultMaxTokens         = 4096
	DefaultTemperature       = 0.7
	DefaultMaxToolIterations = 10
	DefaultHost              = "127.0.0.1"
	DefaultPort              = 18490

	DefaultWindowSize        = 40
	DefaultWindowCapMultiple = 2

	DefaultDedupThreshold     = 0.92
	DefaultEmbeddingTimeoutMs = 10000
	DefaultEmbeddingBatchSize = 16
	DefaultCuratorQueueDepth  = 64

	DefaultRecoveryMaxRetries = 1
	DefaultFatalFaultLimit    = 3

	DefaultRebuildSchedule = "0 30 3 * * *"
)

type Config struct {
	Agent       AgentConfig       `json:"agent"`
	Provider    ProviderConfig    `json:"provider"`
	Memory      MemoryConfig      `json:"memory"`
	Devices     DevicesConfig     `json:"devices"`
	Window      WindowConfig      `json:"window"`
	Recovery    RecoveryConfig    `json:"recovery"`
	Admin       AdminConfig       `json:"admin"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type AgentConfig struct {
	Model             string  `json:"model"`
	MaxTokens         int     `json:"maxTokens"`
	Temperature       float64 `json:"temperature"`
	MaxToolIterations int     `json:"maxToolIterations"`
	SystemPrompt      string  `json:"systemPrompt,omitempty"`
}

type ProviderConfig struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type MemoryConfig struct {
	Enabled        bool            `json:"enabled"`
	DBPath         string          `json:"dbPath,omitempty"`
	GuidelinePath  string          `json:"guidelinePath,omitempty"`
	DedupThreshold float64         `json:"dedupThreshold,omitempty"`
	QueueDepth     int             `json:"queueDepth,omitempty"`
	Model          string          `json:"model,omitempty"`
	MaxTokens      int             `json:"maxTokens,omitempty"`
	Provider       *ProviderConfig `json:"provider,omitempty"`
	Embedding      EmbeddingConfig `json:"embedding"`
}

type EmbeddingConfig struct {
	Model     string `json:"model,omitempty"`
	BaseURL   string `json:"baseUrl,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	Dimension int    `json:"dimension,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
	BatchSize int    `json:"batchSize,omitempty"`
}

type DevicesConfig struct {
	SpecDir   string `json:"specDir,omitempty"`
	BridgeURL string `json:"bridgeUrl,omitempty"`
}

type WindowConfig struct {
	Size        int `json:"size"`
	CapMultiple int `json:"capMultiple"`
}

type RecoveryConfig struct {
	MaxRetries      int `json:"maxRetries"`
	FatalFaultLimit int `json:"fatalFaultLimit"`
}

type AdminConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type MaintenanceConfig struct {
	RebuildSchedule string `json:"rebuildSchedule,omitempty"`
	// SessionRetentionDays sweeps sessions idle longer than this. Zero
	// disables the sweep.
	SessionRetentionDays int `json:"sessionRetentionDays,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:             DefaultModel,
			MaxTokens:         DefaultMaxTokens,
			Temperature:       DefaultTemperature,
			MaxToolIterations: DefaultMaxToolIterations,
		},
		Provider: ProviderConfig{},
		Memory: MemoryConfig{
			Enabled:        true,
			DedupThreshold: DefaultDedupThreshold,
			QueueDepth:     DefaultCuratorQueueDepth,
			Embedding: EmbeddingConfig{
				TimeoutMs: DefaultEmbeddingTimeoutMs,
				BatchSize: DefaultEmbeddingBatchSize,
			},
		},
		Window: WindowConfig{
			Size:        DefaultWindowSize,
			CapMultiple: DefaultWindowCapMultiple,
		},
		Recovery: RecoveryConfig{
			MaxRetries:      DefaultRecoveryMaxRetries,
			FatalFaultLimit: DefaultFatalFaultLimit,
		},
		Admin: AdminConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Maintenance: MaintenanceConfig{
			RebuildSchedule: DefaultRebuildSchedule,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".hearth")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func DataDir() string {
	return filepath.Join(ConfigDir(), "data")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("HEARTH_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if url := os.Getenv("HEARTH_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("HEARTH_MODEL"); model != "" {
		cfg.Agent.Model = model
	}
	if enabled := os.Getenv("HEARTH_MEMORY_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Memory.Enabled = parsed
		}
	}
	if dbPath := os.Getenv("HEARTH_MEMORY_DB_PATH"); dbPath != "" {
		cfg.Memory.DBPath = dbPath
	}
	if path := os.Getenv("HEARTH_GUIDELINE_PATH"); path != "" {
		cfg.Memory.GuidelinePath = path
	}
	if model := os.Getenv("HEARTH_MEMORY_MODEL"); model != "" {
		cfg.Memory.Model = model
	}
	if key := os.Getenv("HEARTH_MEMORY_API_KEY"); key != "" {
		if cfg.Memory.Provider == nil {
			cfg.Memory.Provider = &ProviderConfig{}
		}
		cfg.Memory.Provider.APIKey = key
	}
	if url := os.Getenv("HEARTH_MEMORY_BASE_URL"); url != "" {
		if cfg.Memory.Provider == nil {
			cfg.Memory.Provider = &ProviderConfig{}
		}
		cfg.Memory.Provider.BaseURL = url
	}
	if model := os.Getenv("HEARTH_EMBEDDING_MODEL"); model != "" {
		cfg.Memory.Embedding.Model = model
	}
	if dim := os.Getenv("HEARTH_EMBEDDING_DIMENSION"); dim != "" {
		if parsed, err := strconv.Atoi(dim); err == nil {
			cfg.Memory.Embedding.Dimension = parsed
		}
	}
	if dir := os.Getenv("HEARTH_DEVICE_SPEC_DIR"); dir != "" {
		cfg.Devices.SpecDir = dir
	}
	if url := os.Getenv("HEARTH_DEVICE_BRIDGE_URL"); url != "" {
		cfg.Devices.BridgeURL = url
	}
	if size := os.Getenv("HEARTH_WINDOW_SIZE"); size != "" {
		if parsed, err := strconv.Atoi(size); err == nil && parsed > 0 {
			cfg.Window.Size = parsed
		}
	}
	if host := os.Getenv("HEARTH_ADMIN_HOST"); host != "" {
		cfg.Admin.Host = host
	}
	if port := os.Getenv("HEARTH_ADMIN_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Admin.Port = parsed
		}
	}

	if cfg.Window.Size <= 0 {
		cfg.Window.Size = DefaultWindowSize
	}
	if cfg.Window.CapMultiple < 1 {
		cfg.Window.CapMultiple = DefaultWindowCapMultiple
	}
	if cfg.Memory.DedupThreshold <= 0 || cfg.Memory.DedupThreshold > 1 {
		cfg.Memory.DedupThreshold = DefaultDedupThreshold
	}
	if cfg.Memory.QueueDepth <= 0 {
		cfg.Memory.QueueDepth = DefaultCuratorQueueDepth
	}
	if cfg.Recovery.MaxRetries <= 0 {
		cfg.Recovery.MaxRetries = DefaultRecoveryMaxRetries
	}
	if cfg.Recovery.FatalFaultLimit <= 0 {
		cfg.Recovery.FatalFaultLimit = DefaultFatalFaultLimit
	}
	if cfg.Memory.DBPath == "" {
		cfg.Memory.DBPath = filepath.Join(DataDir(), "hearth.db")
	}
	if cfg.Devices.SpecDir == "" {
		cfg.Devices.SpecDir = filepath.Join(ConfigDir(), "devices")
	}
	if cfg.Memory.GuidelinePath == "" {
		cfg.Memory.GuidelinePath = filepath.Join(ConfigDir(), "guidelines.yaml")
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
