package config

import "time"

// StageNames enumerates the stages fanned out per item, in the order the
// orchestrator schedules them after items_materialized.
var StageNames = []string{"translate", "describe", "allergens", "ingredients", "image"}

// QueueNames enumerates every named queue the task queue runtime serves.
var QueueNames = []string{"ocr", "categorize", "translate", "describe", "allergens", "ingredients", "image"}

// ProviderNames enumerates the external capability providers that carry
// independent enable flags and rate limits.
var ProviderNames = []string{
	"ocr", "categorize", "translate_primary", "translate_secondary",
	"describe", "allergens", "ingredients", "image_search", "image_synthesis",
}

// QueueConfig controls worker pool sizing and polling for one named queue.
type QueueConfig struct {
	Concurrency        int           `yaml:"concurrency"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`
	VisibilityTimeout  time.Duration `yaml:"visibility_timeout"`
}

// StageConfig controls fan-out granularity, retry ceiling, and per-task
// timeout for one stage.
type StageConfig struct {
	ChunkSize   int           `yaml:"chunk_size"`
	MaxAttempts int           `yaml:"max_attempts"`
	Timeout     time.Duration `yaml:"timeout_ms"`
}

// ProviderConfig controls whether a capability provider is reachable and
// how fast it may be called.
type ProviderConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

// SessionConfig bounds session lifetime and size.
type SessionConfig struct {
	RetentionSeconds int           `yaml:"retention_seconds"`
	MaxItems         int           `yaml:"max_items"`
	Timeout          time.Duration `yaml:"timeout"`
}

// StreamConfig controls the event-stream endpoint's idle-keepalive.
// CatchupLimit is loaded and validated but not read by the stream: catchup
// reads in pkg/events use a fixed page size.
type StreamConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_ms"`
	CatchupLimit      int           `yaml:"catchup_limit"`
}

// ImageDependencyConfig controls how long the image stage waits for
// translate to complete before proceeding with source text (§4.6 DAG note).
type ImageDependencyConfig struct {
	TranslateWait time.Duration `yaml:"translate_wait"`
}
