package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeAnalyzer()
	c.normalizeLLM()
	c.normalizeWorkflow()
	if err := c.normalizeAnalysisCache(); err != nil {
		return err
	}
	c.normalizeInbox()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.UploadDir, err = expandPath(c.Paths.UploadDir); err != nil {
		return fmt.Errorf("paths.upload_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.InboxDir) == "" {
		c.Paths.InboxDir = defaultInboxDir
	}
	if c.Paths.InboxDir, err = expandPath(c.Paths.InboxDir); err != nil {
		return fmt.Errorf("paths.inbox_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	if c.Paths.APIToken == "" {
		if value, ok := os.LookupEnv("CVTRACK_API_TOKEN"); ok {
			c.Paths.APIToken = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeAnalyzer() {
	c.Analyzer.Provider = strings.ToLower(strings.TrimSpace(c.Analyzer.Provider))
	if c.Analyzer.Provider == "" {
		c.Analyzer.Provider = defaultAnalyzerProvider
	}
	if c.Analyzer.RequestsPerSecond <= 0 {
		c.Analyzer.RequestsPerSecond = defaultRequestsPerSecond
	}
	if c.Analyzer.Burst <= 0 {
		c.Analyzer.Burst = defaultAnalyzerBurst
	}
}

func (c *Config) normalizeLLM() {
	c.LLM.BaseURL = strings.TrimSpace(c.LLM.BaseURL)
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = defaultLLMBaseURL
	}
	c.LLM.Model = strings.TrimSpace(c.LLM.Model)
	if c.LLM.Model == "" {
		c.LLM.Model = defaultLLMModel
	}
	c.LLM.Title = strings.TrimSpace(c.LLM.Title)
	if c.LLM.Title == "" {
		c.LLM.Title = defaultLLMTitle
	}
	c.LLM.Referer = strings.TrimSpace(c.LLM.Referer)
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = defaultLLMTimeoutSeconds
	}
	c.LLM.APIKey = strings.TrimSpace(c.LLM.APIKey)
	if c.LLM.APIKey == "" {
		if value, ok := os.LookupEnv("CVTRACK_LLM_API_KEY"); ok {
			c.LLM.APIKey = strings.TrimSpace(value)
		} else if value, ok := os.LookupEnv("OPENROUTER_API_KEY"); ok {
			c.LLM.APIKey = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeWorkflow() {
	if c.Workflow.QueueSize <= 0 {
		c.Workflow.QueueSize = defaultQueueSize
	}
	if c.Workflow.StaleProcessingMinutes <= 0 {
		c.Workflow.StaleProcessingMinutes = defaultStaleProcessingMinutes
	}
}

func (c *Config) normalizeAnalysisCache() error {
	if strings.TrimSpace(c.AnalysisCache.Path) == "" {
		return nil
	}
	var err error
	if c.AnalysisCache.Path, err = expandPath(c.AnalysisCache.Path); err != nil {
		return fmt.Errorf("analysis_cache.path: %w", err)
	}
	return nil
}

func (c *Config) normalizeInbox() {
	c.Inbox.Duplicates = strings.ToLower(strings.TrimSpace(c.Inbox.Duplicates))
	if c.Inbox.Duplicates == "" {
		c.Inbox.Duplicates = defaultInboxDuplicates
	}
	if c.Inbox.SettleSeconds <= 0 {
		c.Inbox.SettleSeconds = defaultInboxSettleSeconds
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
