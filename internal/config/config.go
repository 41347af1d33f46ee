// Package config handles Aria configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/aria/config.yaml, /etc/aria/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "aria", "config.yaml"))
	}

	paths = append(paths, "/etc/aria/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Aria configuration.
type Config struct {
	Listen      ListenConfig            `yaml:"listen"`
	Gemini      GeminiConfig            `yaml:"gemini"`
	Models      ModelsConfig            `yaml:"models"`
	Turn        TurnConfig              `yaml:"turn"`
	Enrichment  EnrichmentConfig        `yaml:"enrichment"`
	Storage     StorageConfig           `yaml:"storage"`
	MQTT        MQTTConfig              `yaml:"mqtt"`
	Pricing     map[string]PricingEntry `yaml:"pricing"`
	DataDir     string                  `yaml:"data_dir"`
	PersonaFile string                  `yaml:"persona_file"`
	LogLevel    string                  `yaml:"log_level"`
	LogFormat   string                  `yaml:"log_format"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// GeminiConfig defines Gemini API settings. An empty APIKey is not a
// load error: the orchestrator refuses turns until one is configured.
type GeminiConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	// TimeoutSec bounds non-streaming model calls (default 60).
	TimeoutSec int `yaml:"timeout_sec"`
}

// ModelsConfig names the model used for each capability.
type ModelsConfig struct {
	Default    string `yaml:"default"`    // streamed responses
	Planner    string `yaml:"planner"`    // turn classification
	Background string `yaml:"background"` // summaries, code descriptions, facts, relevance
	Image      string `yaml:"image"`      // image generation
	ImageEdit  string `yaml:"image_edit"` // image editing
}

// TurnConfig tunes the turn orchestrator.
type TurnConfig struct {
	// HistoryMessages is how many prior messages are sent verbatim.
	HistoryMessages int `yaml:"history_messages"`
	// TickerIntervalMs is the reasoning duration ticker period.
	TickerIntervalMs int `yaml:"ticker_interval_ms"`
	// TitleThreshold is how many characters may stream on a first turn
	// before title extraction is abandoned.
	TitleThreshold int `yaml:"title_threshold"`
	// ThinkingBudget is the token budget when thinking is enabled.
	ThinkingBudget int `yaml:"thinking_budget"`
	// TimeoutSec bounds a whole turn. Zero means no limit.
	TimeoutSec int `yaml:"timeout_sec"`
}

// TickerInterval returns the ticker period as a duration.
func (t TurnConfig) TickerInterval() time.Duration {
	return time.Duration(t.TickerIntervalMs) * time.Millisecond
}

// Timeout returns the whole-turn timeout as a duration.
func (t TurnConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSec) * time.Second
}

// EnrichmentConfig tunes the background enrichment queue.
type EnrichmentConfig struct {
	SummaryEvery        int `yaml:"summary_every"`
	SummaryWindow       int `yaml:"summary_window"`
	CodeContextMessages int `yaml:"code_context_messages"`
	Workers             int `yaml:"workers"`
	QueueSize           int `yaml:"queue_size"`
	TimeoutSec          int `yaml:"timeout_sec"`
}

// Timeout returns the per-job timeout as a duration.
func (e EnrichmentConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSec) * time.Second
}

// StorageConfig selects the SQLite driver and database file.
type StorageConfig struct {
	// Driver is "sqlite3" (mattn/go-sqlite3, cgo) or "sqlite"
	// (modernc.org/sqlite, pure Go).
	Driver string `yaml:"driver"`
	// Path is the database file. Relative paths resolve under DataDir.
	Path string `yaml:"path"`
}

// MQTTConfig defines the optional MQTT event bridge. The bridge is
// disabled when Broker is empty.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"` // default "aria"
	// ClientID defaults to "aria-" plus the persisted instance id.
	ClientID string `yaml:"client_id"`
}

// Configured reports whether the MQTT bridge should run.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// PricingEntry is the USD price per million tokens for one model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Load reads configuration from a YAML file, expanding environment
// variables first, then applies defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Gemini.TimeoutSec == 0 {
		c.Gemini.TimeoutSec = 60
	}

	if c.Models.Default == "" {
		c.Models.Default = "gemini-2.5-flash"
	}
	if c.Models.Planner == "" {
		c.Models.Planner = "gemini-2.5-flash-lite"
	}
	if c.Models.Background == "" {
		c.Models.Background = "gemini-2.5-flash-lite"
	}
	if c.Models.Image == "" {
		c.Models.Image = "imagen-4.0-generate-001"
	}
	if c.Models.ImageEdit == "" {
		c.Models.ImageEdit = "gemini-2.5-flash-image"
	}

	if c.Turn.HistoryMessages == 0 {
		c.Turn.HistoryMessages = 4
	}
	if c.Turn.TickerIntervalMs == 0 {
		c.Turn.TickerIntervalMs = 100
	}
	if c.Turn.TitleThreshold == 0 {
		c.Turn.TitleThreshold = 150
	}
	if c.Turn.ThinkingBudget == 0 {
		c.Turn.ThinkingBudget = 8192
	}

	if c.Enrichment.SummaryEvery == 0 {
		c.Enrichment.SummaryEvery = 6
	}
	if c.Enrichment.SummaryWindow == 0 {
		c.Enrichment.SummaryWindow = 6
	}
	if c.Enrichment.CodeContextMessages == 0 {
		c.Enrichment.CodeContextMessages = 2
	}
	if c.Enrichment.Workers == 0 {
		c.Enrichment.Workers = 2
	}
	if c.Enrichment.QueueSize == 0 {
		c.Enrichment.QueueSize = 64
	}
	if c.Enrichment.TimeoutSec == 0 {
		c.Enrichment.TimeoutSec = 60
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite3"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "aria.db"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "aria"
	}
}

// Validate reports configuration values that can never work.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("storage.driver %q not supported (valid: sqlite3, sqlite)", c.Storage.Driver)
	}
	if c.Turn.HistoryMessages < 0 {
		return fmt.Errorf("turn.history_messages must not be negative")
	}
	if c.Turn.TickerIntervalMs < 0 || c.Turn.TitleThreshold < 0 || c.Turn.TimeoutSec < 0 {
		return fmt.Errorf("turn settings must not be negative")
	}
	if c.Enrichment.Workers < 0 || c.Enrichment.QueueSize < 0 || c.Enrichment.SummaryEvery < 0 {
		return fmt.Errorf("enrichment settings must not be negative")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := ParseLogFormat(c.LogFormat); err != nil {
		return err
	}
	return nil
}

// DatabasePath resolves the storage path against DataDir.
func (c *Config) DatabasePath() string {
	if filepath.IsAbs(c.Storage.Path) {
		return c.Storage.Path
	}
	return filepath.Join(c.DataDir, c.Storage.Path)
}

// HasCredential reports whether a Gemini API key is configured.
func (c *Config) HasCredential() bool {
	return strings.TrimSpace(c.Gemini.APIKey) != ""
}

// Persona returns the contents of PersonaFile, or "" when unset or
// unreadable.
func (c *Config) Persona() string {
	if c.PersonaFile == "" {
		return ""
	}
	data, err := os.ReadFile(c.PersonaFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
