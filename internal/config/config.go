package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir   string `toml:"data_dir"`
	UploadDir string `toml:"upload_dir"`
	LogDir    string `toml:"log_dir"`
	InboxDir  string `toml:"inbox_dir"`
	APIBind   string `toml:"api_bind"`
	APIToken  string `toml:"api_token"`
}

// Analyzer selects and throttles the text analyzer.
type Analyzer struct {
	// Provider is "heuristic" (local, no network) or "llm".
	Provider          string  `toml:"provider"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// LLM contains the global LLM connection settings. Owners may override them
// with their own active LLM config.
type LLM struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	Referer        string `toml:"referer"`
	Title          string `toml:"title"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Workflow contains configuration for background CV processing.
type Workflow struct {
	WorkerCount            int  `toml:"worker_count"`
	QueueSize              int  `toml:"queue_size"`
	ReconcileOnStart       bool `toml:"reconcile_on_start"`
	StaleProcessingMinutes int  `toml:"stale_processing_minutes"`
}

// AnalysisCache contains configuration for the digest keyed analyzer cache.
type AnalysisCache struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"` // Default: <data_dir>/analysis_cache.db
}

// Inbox contains configuration for the filesystem drop folder.
type Inbox struct {
	Enabled bool `toml:"enabled"`
	// Duplicates is "accept" or "reject" for files whose content is already stored.
	Duplicates    string `toml:"duplicates"`
	SettleSeconds int    `toml:"settle_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for cvtrack.
//
// Configuration sections by subsystem:
//   - Paths: document store, uploads, logs, inbox, and API bind address
//   - Analyzer: analyzer provider selection and request throttling
//   - LLM: global LLM connection settings
//   - Workflow: worker pool sizing and startup reconciliation
//   - AnalysisCache: SQLite cache of analyzer results keyed by digest
//   - Inbox: drop folder ingestion
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Analyzer      Analyzer      `toml:"analyzer"`
	LLM           LLM           `toml:"llm"`
	Workflow      Workflow      `toml:"workflow"`
	AnalysisCache AnalysisCache `toml:"analysis_cache"`
	Inbox         Inbox         `toml:"inbox"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		data, err := os.ReadFile(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config %s: %w", resolvedPath, err)
		}
	}
	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolvedPath, exists, nil
}

// resolveConfigPath picks the explicit path when given. Otherwise the user
// config wins over ./cvtrack.toml, and a missing file resolves to the user
// config location.
func resolveConfigPath(path string) (string, bool, error) {
	candidates := []string{path}
	if path == "" {
		candidates = []string{defaultConfigPath, "cvtrack.toml"}
	}
	var first string
	for _, candidate := range candidates {
		expanded, err := expandPath(candidate)
		if err != nil {
			return "", false, err
		}
		if first == "" {
			first = expanded
		}
		info, err := os.Stat(expanded)
		switch {
		case err == nil && !info.IsDir():
			return expanded, true, nil
		case err != nil && !errors.Is(err, fs.ErrNotExist):
			return "", false, fmt.Errorf("stat config: %w", err)
		}
	}
	return first, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.UploadDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if c.Inbox.Enabled && strings.TrimSpace(c.Paths.InboxDir) != "" {
		if err := os.MkdirAll(c.Paths.InboxDir, 0o755); err != nil {
			return fmt.Errorf("create inbox directory %q: %w", c.Paths.InboxDir, err)
		}
	}
	return nil
}

// LockPath returns the daemon single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "cvtrackd.lock")
}

// AnalysisCachePath returns the resolved SQLite path for the analysis cache.
func (c *Config) AnalysisCachePath() string {
	if strings.TrimSpace(c.AnalysisCache.Path) != "" {
		return c.AnalysisCache.Path
	}
	return filepath.Join(c.Paths.DataDir, "analysis_cache.db")
}

func expandPath(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if value == "~" || strings.HasPrefix(value, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		value = filepath.Join(home, strings.TrimPrefix(value, "~"))
	}
	absolute, err := filepath.Abs(value)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", value, err)
	}
	return absolute, nil
}

// ExpandPath applies the config's ~ and relative path rules.
func ExpandPath(value string) (string, error) {
	return expandPath(value)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the configuration as TOML (used by `cvtrack config show`).
// The API token and LLM key are masked.
func (c *Config) Encode() (string, error) {
	clone := *c
	if clone.Paths.APIToken != "" {
		clone.Paths.APIToken = "********"
	}
	if clone.LLM.APIKey != "" {
		clone.LLM.APIKey = "********"
	}
	data, err := toml.Marshal(clone)
	if err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	return string(data), nil
}

// LLMConfig contains LLM settings resolved for a single request.
type LLMConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	Referer        string
	Title          string
	TimeoutSeconds int
}

// GetLLM returns the shared LLM connection settings.
func (c *Config) GetLLM() LLMConfig {
	return LLMConfig{
		APIKey:         strings.TrimSpace(c.LLM.APIKey),
		BaseURL:        strings.TrimSpace(c.LLM.BaseURL),
		Model:          strings.TrimSpace(c.LLM.Model),
		Referer:        strings.TrimSpace(c.LLM.Referer),
		Title:          strings.TrimSpace(c.LLM.Title),
		TimeoutSeconds: c.LLM.TimeoutSeconds,
	}
}
