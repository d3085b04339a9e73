package masking

import "regexp"

// CompiledPattern holds a pre-compiled regex pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPatterns covers the secrets most likely to leak into a provider
// error message or a debug log line in this system: an adapter's own API
// key or bearer token, echoed back by a misconfigured or rejecting
// upstream.
func builtinPatterns() []*CompiledPattern {
	return []*CompiledPattern{
		{
			Name:        "api_key",
			Regex:       regexp.MustCompile(`(?i)(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-]{16,})["']?`),
			Replacement: `api_key=[MASKED_API_KEY]`,
		},
		{
			Name:        "bearer_token",
			Regex:       regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-\.]{16,}`),
			Replacement: `Bearer [MASKED_TOKEN]`,
		},
		{
			Name:        "basic_auth",
			Regex:       regexp.MustCompile(`(?i)://[^/\s:@]+:[^/\s:@]+@`),
			Replacement: `://[MASKED_CREDENTIALS]@`,
		},
	}
}
