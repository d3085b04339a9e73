package config

import "time"

func defaultQueueConfig() QueueConfig {
	return QueueConfig{
		Concurrency:        5,
		PollInterval:       1 * time.Second,
		PollIntervalJitter: 500 * time.Millisecond,
		VisibilityTimeout:  2 * time.Minute,
	}
}

func defaultStageConfig() StageConfig {
	return StageConfig{
		ChunkSize:   8,
		MaxAttempts: 5,
		Timeout:     30 * time.Second,
	}
}

// DefaultConfig returns the built-in configuration applied before any
// user-supplied YAML is merged on top (loader.go's mergeYAML).
func DefaultConfig() *Config {
	queues := make(map[string]QueueConfig, len(QueueNames))
	for _, name := range QueueNames {
		queues[name] = defaultQueueConfig()
	}
	// Image tasks get a smaller worker pool (and, below, smaller chunks)
	// than text stages — a synthesis/search round-trip is heavier than a
	// text call.
	if q, ok := queues["image"]; ok {
		q.Concurrency = 3
		queues["image"] = q
	}

	stages := make(map[string]StageConfig, len(StageNames))
	for _, name := range StageNames {
		stages[name] = defaultStageConfig()
	}
	if s, ok := stages["image"]; ok {
		s.ChunkSize = 3
		s.Timeout = 45 * time.Second
		stages["image"] = s
	}

	providers := make(map[string]ProviderConfig, len(ProviderNames))
	for _, name := range ProviderNames {
		providers[name] = ProviderConfig{Enabled: true, RPS: 5, Burst: 5}
	}

	return &Config{
		Queues: queues,
		Stages: stages,
		Session: SessionConfig{
			RetentionSeconds: 24 * 60 * 60,
			MaxItems:         200,
			Timeout:          30 * time.Minute,
		},
		Providers: providers,
		Stream: StreamConfig{
			HeartbeatInterval: 15 * time.Second,
			CatchupLimit:      200,
		},
		Image: ImageDependencyConfig{
			TranslateWait: 20 * time.Second,
		},
	}
}
