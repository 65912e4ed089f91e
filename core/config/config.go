// Package config loads the process configuration. A Config is built once at
// startup and passed by value to every component that needs it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	coreerrors "github.com/suizoe-cosine/huaer/core/errors"
)

// FileName is the configuration file looked up in the config directory.
const FileName = "config.yaml"

// ===== Errors ===============================================================

var (
	ErrNoModels         = errors.New("config: model catalog is empty")
	ErrEmptyModelName   = errors.New("config: model name is empty")
	ErrInvalidDefaults  = errors.New("config: invalid context defaults")
	ErrUnknownProvider  = errors.New("config: unknown provider")
	ErrInvalidLogFormat = errors.New("config: invalid logging format")
)

// ===== Types ================================================================

type Config struct {
	DataDir   string          `yaml:"data_dir"`
	Logging   LoggingConfig   `yaml:"logging"`
	LLM       LLMConfig       `yaml:"llm"`
	Search    SearchConfig    `yaml:"search"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Defaults  Defaults        `yaml:"defaults"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LLMConfig describes the completion endpoint and the model catalog.
type LLMConfig struct {
	Provider   string        `yaml:"provider"`
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	// ToolModel serves tool-selection and extraction calls.
	ToolModel string  `yaml:"tool_model"`
	Models    []Model `yaml:"models"`
}

// Model is one entry of the ordered catalog a context selects from.
type Model struct {
	Name string `yaml:"name"`
	// Restricted models impose a cooldown on non-privileged callers.
	Restricted bool `yaml:"restricted"`
}

type SearchConfig struct {
	// URL selects the hosted references backend when set; otherwise the
	// keyed web-search API at TavilyURL is used.
	URL          string        `yaml:"url"`
	TavilyURL    string        `yaml:"tavily_url"`
	APIKey       string        `yaml:"api_key"`
	Timeout      time.Duration `yaml:"timeout"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	CacheEntries int64         `yaml:"cache_entries"`
	// Retry applies to transport failures and 5xx answers.
	Retry coreerrors.RetryPolicy `yaml:"retry"`
}

type RetrievalConfig struct {
	// PoolSize bounds how many stores stay open at once.
	PoolSize int `yaml:"pool_size"`
}

type TasksConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// Defaults seeds a context that has no durable state yet.
type Defaults struct {
	RetentionDepth     int           `yaml:"retention_depth"`
	ModelIndex         int           `yaml:"model_index"`
	Verbose            bool          `yaml:"verbose"`
	ShowReasoning      bool          `yaml:"show_reasoning"`
	EnableRetrieval    bool          `yaml:"enable_retrieval"`
	StoreSearchResults bool          `yaml:"store_search_results"`
	StoreAllTurns      bool          `yaml:"store_all_turns"`
	EnableSearch       bool          `yaml:"enable_search"`
	Cooldown           time.Duration `yaml:"cooldown"`
	MaxTokens          int           `yaml:"max_tokens"`
	MaxRecall          int           `yaml:"max_recall"`
	Persona            string        `yaml:"persona"`
	PersonaName        string        `yaml:"persona_name"`
}

// ===== Construction =========================================================

func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		LLM: LLMConfig{
			Provider:   "openai",
			BaseURL:    "https://api.siliconflow.cn/v1",
			Timeout:    90 * time.Second,
			MaxRetries: 2,
			ToolModel:  "Qwen/Qwen2.5-7B-Instruct",
			Models: []Model{
				{Name: "Qwen/Qwen2.5-7B-Instruct"},
				{Name: "deepseek-ai/DeepSeek-V3"},
				{Name: "deepseek-ai/DeepSeek-R1", Restricted: true},
				{Name: "Qwen/QwQ-32B"},
			},
		},
		Search: SearchConfig{
			TavilyURL:    "https://api.tavily.com/search",
			Timeout:      20 * time.Second,
			CacheTTL:     10 * time.Minute,
			CacheEntries: 1000,
			Retry:        coreerrors.DefaultRetryPolicy(),
		},
		Retrieval: RetrievalConfig{
			PoolSize: 64,
		},
		Tasks: TasksConfig{
			Timeout:       2 * time.Minute,
			ShutdownGrace: 30 * time.Second,
		},
		Defaults: Defaults{
			RetentionDepth: 6,
			ModelIndex:     3,
			Verbose:        true,
			Cooldown:       300 * time.Second,
			MaxTokens:      1024,
			MaxRecall:      2,
			Persona:        "你是名叫华尔的猫娘。",
			PersonaName:    "华尔",
		},
	}
}

// Load reads path over DefaultConfig and applies environment overrides.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if err := loadYAMLFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("load %s: %w", path, err)
	}

	applyEnvironment(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadYAMLFile(path string, cfg *Config) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func applyEnvironment(cfg *Config) {
	if v := os.Getenv("HUAER_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("HUAER_SEARCH_API_KEY"); v != "" {
		cfg.Search.APIKey = v
	}
	if v := os.Getenv("HUAER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("HUAER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
}

// Validate checks invariants the rest of the system relies on.
func (c Config) Validate() error {
	if len(c.LLM.Models) == 0 {
		return ErrNoModels
	}
	for i, m := range c.LLM.Models {
		if strings.TrimSpace(m.Name) == "" {
			return fmt.Errorf("%w: entry %d", ErrEmptyModelName, i)
		}
	}
	switch c.LLM.Provider {
	case "openai", "anthropic", "google":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProvider, c.LLM.Provider)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Logging.Format)
	}
	d := c.Defaults
	if d.RetentionDepth < 0 || d.MaxTokens <= 0 || d.MaxRecall < 0 || d.Cooldown < 0 {
		return ErrInvalidDefaults
	}
	return nil
}

// ===== Model catalog ========================================================

// Model returns the catalog entry at index, clamping out-of-range indexes to
// the first entry.
func (c LLMConfig) Model(index int) Model {
	if index < 0 || index >= len(c.Models) {
		return c.Models[0]
	}
	return c.Models[index]
}

// ValidModel reports whether index addresses a catalog entry.
func (c LLMConfig) ValidModel(index int) bool {
	return index >= 0 && index < len(c.Models)
}

// ToolModelName returns the model used for tool-selection calls, falling back
// to the first catalog entry.
func (c LLMConfig) ToolModelName() string {
	if c.ToolModel != "" {
		return c.ToolModel
	}
	return c.Models[0].Name
}

// EffectiveMaxRecall mirrors the per-context default: recall is bounded by
// how many exchanges the history can hold.
func (d Defaults) EffectiveMaxRecall() int {
	return min(d.MaxRecall, d.RetentionDepth)
}
