package config

import "fmt"

// Validator validates configuration comprehensively, collecting the first
// violation of every queue, stage, provider and section before returning
// rather than stopping at the first one overall.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll validates every section and returns an aggregate error
// describing the violations found, or nil if the configuration is valid.
func (v *Validator) ValidateAll() error {
	var errs []error

	for _, name := range QueueNames {
		if err := v.validateQueue(name, v.cfg.Queue(name)); err != nil {
			errs = append(errs, err)
		}
	}
	for _, name := range StageNames {
		if err := v.validateStage(name, v.cfg.Stage(name)); err != nil {
			errs = append(errs, err)
		}
	}
	for _, name := range ProviderNames {
		if err := v.validateProvider(name, v.cfg.Provider(name)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := v.validateSession(); err != nil {
		errs = append(errs, err)
	}
	if err := v.validateStream(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return nil
	}
	combined := errs[0]
	for _, e := range errs[1:] {
		combined = fmt.Errorf("%w; %v", combined, e)
	}
	return combined
}

func (v *Validator) validateQueue(name string, q QueueConfig) error {
	if q.Concurrency < 1 {
		return NewValidationError("queue", name, "concurrency", fmt.Errorf("%w: must be >= 1, got %d", ErrInvalidValue, q.Concurrency))
	}
	if q.VisibilityTimeout <= 0 {
		return NewValidationError("queue", name, "visibility_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateStage(name string, s StageConfig) error {
	if s.ChunkSize < 1 {
		return NewValidationError("stage", name, "chunk_size", fmt.Errorf("%w: must be >= 1, got %d", ErrInvalidValue, s.ChunkSize))
	}
	if s.MaxAttempts < 1 {
		return NewValidationError("stage", name, "max_attempts", fmt.Errorf("%w: must be >= 1, got %d", ErrInvalidValue, s.MaxAttempts))
	}
	if s.Timeout <= 0 {
		return NewValidationError("stage", name, "timeout_ms", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateProvider(name string, p ProviderConfig) error {
	if p.Enabled && p.RPS <= 0 {
		return NewValidationError("provider", name, "rps", fmt.Errorf("%w: enabled providers must have rps > 0, got %v", ErrInvalidValue, p.RPS))
	}
	return nil
}

func (v *Validator) validateSession() error {
	s := v.cfg.Session
	if s.RetentionSeconds < 0 {
		return NewValidationError("session", "", "retention_seconds", fmt.Errorf("%w: must be >= 0", ErrInvalidValue))
	}
	if s.MaxItems < 1 {
		return NewValidationError("session", "", "max_items", fmt.Errorf("%w: must be >= 1, got %d", ErrInvalidValue, s.MaxItems))
	}
	if s.Timeout <= 0 {
		return NewValidationError("session", "", "timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateStream() error {
	if v.cfg.Stream.HeartbeatInterval <= 0 {
		return NewValidationError("stream", "", "heartbeat_ms", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if v.cfg.Stream.CatchupLimit < 1 {
		return NewValidationError("stream", "", "catchup_limit", fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	}
	return nil
}

func validate(cfg *Config) error {
	return NewValidator(cfg).ValidateAll()
}
