// Package masking redacts secrets from provider error messages and bounds
// how much raw menu text reaches structured logs.
package masking

// Service applies a fixed set of compiled redaction patterns. Created once
// at startup; stateless and safe for concurrent use.
type Service struct {
	patterns []*CompiledPattern
	preview  int
}

// Config tunes the service.
type Config struct {
	// TextPreviewLen bounds how many runes of raw menu text Preview keeps
	// before truncating. 0 uses a sensible default.
	TextPreviewLen int
}

// NewService builds a masking service with the built-in patterns compiled.
func NewService(cfg Config) *Service {
	preview := cfg.TextPreviewLen
	if preview <= 0 {
		preview = 120
	}
	return &Service{patterns: builtinPatterns(), preview: preview}
}

// Mask redacts every built-in secret pattern from msg. Safe to call on
// arbitrary error text before it's logged or persisted.
func (s *Service) Mask(msg string) string {
	if s == nil || msg == "" {
		return msg
	}
	masked := msg
	for _, p := range s.patterns {
		masked = p.Regex.ReplaceAllString(masked, p.Replacement)
	}
	return masked
}

// Preview truncates raw extracted menu text to a bounded length for
// logging, so a full OCR payload never lands in a log line verbatim.
func (s *Service) Preview(text string) string {
	if s == nil {
		return text
	}
	runes := []rune(text)
	if len(runes) <= s.preview {
		return text
	}
	return string(runes[:s.preview]) + "…"
}
