package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateAnalyzer(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	switch c.Inbox.Duplicates {
	case "accept", "reject":
	default:
		return fmt.Errorf("inbox.duplicates: unsupported value %q (expected accept or reject)", c.Inbox.Duplicates)
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must be set")
	}
	if strings.TrimSpace(c.Paths.UploadDir) == "" {
		return errors.New("paths.upload_dir must be set")
	}
	if c.Inbox.Enabled && strings.TrimSpace(c.Paths.InboxDir) == "" {
		return errors.New("paths.inbox_dir must be set when inbox.enabled is true")
	}
	return nil
}

func (c *Config) validateAnalyzer() error {
	switch c.Analyzer.Provider {
	case "heuristic", "llm":
	default:
		return fmt.Errorf("analyzer.provider: unsupported value %q (expected heuristic or llm)", c.Analyzer.Provider)
	}
	if c.Analyzer.RequestsPerSecond <= 0 {
		return errors.New("analyzer.requests_per_second must be positive")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"workflow.worker_count":             c.Workflow.WorkerCount,
		"workflow.queue_size":               c.Workflow.QueueSize,
		"workflow.stale_processing_minutes": c.Workflow.StaleProcessingMinutes,
		"llm.timeout_seconds":               c.LLM.TimeoutSeconds,
	}); err != nil {
		return err
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
