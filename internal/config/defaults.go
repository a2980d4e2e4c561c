package config

const (
	defaultConfigPath             = "~/.config/cvtrack/config.toml"
	defaultDataDir                = "~/.local/share/cvtrack/data"
	defaultUploadDir              = "~/.local/share/cvtrack/uploads"
	defaultLogDir                 = "~/.local/share/cvtrack/logs"
	defaultInboxDir               = "~/.local/share/cvtrack/inbox"
	defaultAPIBind                = "127.0.0.1:7590"
	defaultAnalyzerProvider       = "heuristic"
	defaultRequestsPerSecond      = 2.0
	defaultAnalyzerBurst          = 4
	defaultLLMBaseURL             = "https://openrouter.ai/api/v1/chat/completions"
	defaultLLMModel               = "google/gemini-3-flash-preview"
	defaultLLMTitle               = "cvtrack"
	defaultLLMTimeoutSeconds      = 60
	defaultWorkerCount            = 4
	defaultQueueSize              = 256
	defaultStaleProcessingMinutes = 30
	defaultInboxDuplicates        = "reject"
	defaultInboxSettleSeconds     = 2
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:   defaultDataDir,
			UploadDir: defaultUploadDir,
			LogDir:    defaultLogDir,
			InboxDir:  defaultInboxDir,
			APIBind:   defaultAPIBind,
		},
		Analyzer: Analyzer{
			Provider:          defaultAnalyzerProvider,
			RequestsPerSecond: defaultRequestsPerSecond,
			Burst:             defaultAnalyzerBurst,
		},
		LLM: LLM{
			BaseURL:        defaultLLMBaseURL,
			Model:          defaultLLMModel,
			Title:          defaultLLMTitle,
			TimeoutSeconds: defaultLLMTimeoutSeconds,
		},
		Workflow: Workflow{
			WorkerCount:            defaultWorkerCount,
			QueueSize:              defaultQueueSize,
			ReconcileOnStart:       true,
			StaleProcessingMinutes: defaultStaleProcessingMinutes,
		},
		AnalysisCache: AnalysisCache{
			Enabled: true,
		},
		Inbox: Inbox{
			Duplicates:    defaultInboxDuplicates,
			SettleSeconds: defaultInboxSettleSeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
