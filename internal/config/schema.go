package config

// Config holds sheetmill configuration.
// Stored at: {home}/config.yaml
type Config struct {
	Server  ServerCfg  `mapstructure:"server" yaml:"server"`
	AI      AICfg      `mapstructure:"ai" yaml:"ai"`
	Queue   QueueCfg   `mapstructure:"queue" yaml:"queue"`
	Uploads UploadsCfg `mapstructure:"uploads" yaml:"uploads"`
}

// ServerCfg configures the HTTP server.
type ServerCfg struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`
}

// AICfg configures the extraction/generation provider.
type AICfg struct {
	APIKey          string `mapstructure:"api_key" yaml:"api_key"` // API key (supports ${ENV_VAR} syntax)
	BaseURL         string `mapstructure:"base_url" yaml:"base_url"`
	ExtractionModel string `mapstructure:"extraction_model" yaml:"extraction_model"`
	GenerationModel string `mapstructure:"generation_model" yaml:"generation_model"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	MaxRetries      int    `mapstructure:"max_retries" yaml:"max_retries"`
}

// QueueCfg configures the job queue and worker pool.
type QueueCfg struct {
	// Concurrency is the number of pipeline workers.
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
	// StartsPerMinute bounds job starts over a rolling 60s window.
	// This throttles the upstream generation service, independent of Concurrency.
	StartsPerMinute int `mapstructure:"starts_per_minute" yaml:"starts_per_minute"`
	// MaxAttempts is the delivery ceiling per job.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
	// RetryBaseSeconds is the base of the exponential redelivery backoff.
	RetryBaseSeconds int `mapstructure:"retry_base_seconds" yaml:"retry_base_seconds"`
	// CompletedRetentionMinutes is how long successful jobs are kept for diagnosis.
	CompletedRetentionMinutes int `mapstructure:"completed_retention_minutes" yaml:"completed_retention_minutes"`
	// FailedRetentionMinutes is how long failed jobs are kept for diagnosis.
	FailedRetentionMinutes int `mapstructure:"failed_retention_minutes" yaml:"failed_retention_minutes"`
	// ReapIntervalMinutes is how often terminal jobs past retention are purged.
	ReapIntervalMinutes int `mapstructure:"reap_interval_minutes" yaml:"reap_interval_minutes"`
}

// UploadsCfg configures upload validation.
type UploadsCfg struct {
	MaxBytes int64 `mapstructure:"max_bytes" yaml:"max_bytes"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerCfg{
			Host: "127.0.0.1",
			Port: "8080",
		},
		AI: AICfg{
			APIKey:          "${OPENAI_API_KEY}",
			ExtractionModel: "gpt-4o",
			GenerationModel: "gpt-4o-mini",
			TimeoutSeconds:  120,
			MaxRetries:      3,
		},
		Queue: QueueCfg{
			Concurrency:               2,
			StartsPerMinute:           10,
			MaxAttempts:               3,
			RetryBaseSeconds:          2,
			CompletedRetentionMinutes: 60,
			FailedRetentionMinutes:    24 * 60,
			ReapIntervalMinutes:       10,
		},
		Uploads: UploadsCfg{
			MaxBytes: 20 << 20, // 20MB
		},
	}
}
