// Package config defines the cascade document model and the engine
// settings, with YAML loading, env expansion, defaults and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the engine-level configuration: providers, storage and
// background worker tuning. Cascade documents are loaded separately.
type Config struct {
	LLMs         map[string]*LLMProviderConfig `yaml:"llms,omitempty"`
	DefaultModel string                        `yaml:"default_model,omitempty"`

	Embedder *EmbedderConfig `yaml:"embedder,omitempty"`
	Database *DatabaseConfig `yaml:"database,omitempty"`
	RAG      *RAGSettings    `yaml:"rag,omitempty"`

	// CascadeDir is scanned (and watched) for cascade documents.
	CascadeDir string `yaml:"cascade_dir,omitempty"`

	CostTracker *CostTrackerConfig `yaml:"cost_tracker,omitempty"`

	// BusQueueSize bounds each event bus subscriber queue.
	BusQueueSize int `yaml:"bus_queue_size,omitempty"`

	// MaxCellInvocations caps total cell dispatches per session; handoff
	// cycles are legal, runaway loops are not.
	MaxCellInvocations int `yaml:"max_cell_invocations,omitempty"`
}

// LLMProviderConfig configures one model entry in the LLM registry.
type LLMProviderConfig struct {
	Type        string        `yaml:"type"` // openai | anthropic | ollama
	Host        string        `yaml:"host,omitempty"`
	APIKey      string        `yaml:"api_key,omitempty"`
	Model       string        `yaml:"model,omitempty"`
	Temperature float64       `yaml:"temperature,omitempty"`
	MaxTokens   int           `yaml:"max_tokens,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`

	// Prices per million tokens, for cost fallback and context attribution.
	InputPricePerMTok  float64 `yaml:"input_price_per_mtok,omitempty"`
	OutputPricePerMTok float64 `yaml:"output_price_per_mtok,omitempty"`
}

// EmbedderConfig configures the embedding provider.
type EmbedderConfig struct {
	Type      string        `yaml:"type"` // openai | ollama
	Host      string        `yaml:"host,omitempty"`
	APIKey    string        `yaml:"api_key,omitempty"`
	Model     string        `yaml:"model,omitempty"`
	Dimension int           `yaml:"dimension,omitempty"`
	BatchSize int           `yaml:"batch_size,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
}

// DatabaseConfig selects the log/analytics store backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver,omitempty"` // sqlite | postgres
	Path   string `yaml:"path,omitempty"`   // sqlite file path
	DSN    string `yaml:"dsn,omitempty"`    // postgres connection string
}

// DriverName maps the config driver to the database/sql driver name.
func (d *DatabaseConfig) DriverName() string {
	if d.Driver == "postgres" {
		return "postgres"
	}
	return "sqlite3"
}

// ConnectionString returns the DSN for sql.Open.
func (d *DatabaseConfig) ConnectionString() string {
	if d.Driver == "postgres" {
		return d.DSN
	}
	if d.Path == "" {
		return ":memory:"
	}
	return d.Path
}

// RAGSettings tune the ephemeral manager and the persistent index.
type RAGSettings struct {
	// Threshold in characters above which content is indexed instead of
	// inlined. Content of exactly Threshold chars is NOT indexed.
	Threshold    int `yaml:"threshold,omitempty"`
	ChunkSize    int `yaml:"chunk_size,omitempty"`
	ChunkOverlap int `yaml:"chunk_overlap,omitempty"`

	// PersistPath stores persistent index vectors; empty keeps them in
	// memory only.
	PersistPath string `yaml:"persist_path,omitempty"`
}

// CostTrackerConfig tunes provider cost reconciliation.
type CostTrackerConfig struct {
	SettleInterval time.Duration `yaml:"settle_interval,omitempty"`
	PollInterval   time.Duration `yaml:"poll_interval,omitempty"`
}

func (c *Config) SetDefaults() {
	if c.Database == nil {
		c.Database = &DatabaseConfig{Driver: "sqlite"}
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.RAG == nil {
		c.RAG = &RAGSettings{}
	}
	if c.RAG.Threshold == 0 {
		c.RAG.Threshold = 25000
	}
	if c.RAG.ChunkSize == 0 {
		c.RAG.ChunkSize = 1200
	}
	if c.RAG.ChunkOverlap == 0 {
		c.RAG.ChunkOverlap = 150
	}
	if c.CostTracker == nil {
		c.CostTracker = &CostTrackerConfig{}
	}
	if c.CostTracker.SettleInterval == 0 {
		c.CostTracker.SettleInterval = 5 * time.Second
	}
	if c.CostTracker.PollInterval == 0 {
		c.CostTracker.PollInterval = time.Second
	}
	if c.BusQueueSize == 0 {
		c.BusQueueSize = 256
	}
	if c.MaxCellInvocations == 0 {
		c.MaxCellInvocations = 1000
	}
	for _, llm := range c.LLMs {
		if llm.Timeout == 0 {
			llm.Timeout = 120 * time.Second
		}
	}
	if c.Embedder != nil {
		if c.Embedder.BatchSize == 0 {
			c.Embedder.BatchSize = 64
		}
		if c.Embedder.Timeout == 0 {
			c.Embedder.Timeout = 30 * time.Second
		}
	}
}

func (c *Config) Validate() error {
	for name, llm := range c.LLMs {
		switch llm.Type {
		case "openai", "anthropic", "ollama":
		default:
			return fmt.Errorf("llm '%s': type must be openai, anthropic or ollama (got '%s')", name, llm.Type)
		}
	}
	if c.Embedder != nil {
		switch c.Embedder.Type {
		case "openai", "ollama":
		default:
			return fmt.Errorf("embedder type must be openai or ollama (got '%s')", c.Embedder.Type)
		}
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database driver must be sqlite or postgres (got '%s')", c.Database.Driver)
	}
	if c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		return fmt.Errorf("rag chunk_overlap (%d) must be less than chunk_size (%d)",
			c.RAG.ChunkOverlap, c.RAG.ChunkSize)
	}
	return nil
}

// LoadFile loads engine settings from a YAML file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	rawMap, err := parseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := &Config{}
	if err := decodeLoose(expandEnvVars(rawMap), cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// FeatureFlags reads the documented environment toggles.
type FeatureFlags struct {
	ConfidenceAssessment bool
	RelevanceAnalysis    bool
	WinnerHistoryLimit   int
	EnableEmbeddings     bool
	ElasticsearchHost    string
}

// FlagsFromEnv reads RVBBIT_*/LARS_* toggles from the process environment.
func FlagsFromEnv() FeatureFlags {
	flags := FeatureFlags{
		ConfidenceAssessment: envBool("RVBBIT_CONFIDENCE_ASSESSMENT_ENABLED"),
		RelevanceAnalysis:    envBool("RVBBIT_ENABLE_RELEVANCE_ANALYSIS"),
		EnableEmbeddings:     envBool("LARS_ENABLE_EMBEDDINGS"),
		ElasticsearchHost:    os.Getenv("LARS_ELASTICSEARCH_HOST"),
		WinnerHistoryLimit:   100,
	}
	if v := os.Getenv("RVBBIT_WINNER_HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			flags.WinnerHistoryLimit = n
		}
	}
	return flags
}

func envBool(key string) bool {
	switch os.Getenv(key) {
	case "1", "true", "TRUE", "yes", "on":
		return true
	}
	return false
}
