// Package validation screens untrusted input strings before they reach the
// executor or a delegation. It flags oversized payloads and the common
// injection families (SQL tails, prompt overrides, jailbreak idioms, system
// token sentinels). The validator only decides; audit logging of the
// decision belongs to the caller.
package validation

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

// Context describes where the input came from, for rule selection.
type Context struct {
	Field     string
	UserID    string
	// FilePayload marks byte-level file content, which gets the byte-size
	// cap instead of the character-length cap.
	FilePayload bool
}

// Result is the validation outcome. BlockReason is empty when Valid.
type Result struct {
	Valid       bool
	BlockReason string
}

// Config bounds input sizes.
type Config struct {
	MaxLength    int
	MaxFileBytes int
}

// DefaultConfig matches the platform defaults.
func DefaultConfig() Config {
	return Config{
		MaxLength:    100_000,
		MaxFileBytes: 10 * 1024 * 1024,
	}
}

// Injection tells, grouped by family. Patterns are matched case-insensitively
// against the raw input.
var (
	sqlTailPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)('\s*(or|and)\s+['\d])`),
		regexp.MustCompile(`(?i)(union\s+select|select\s+.*\s+from\s+)`),
		regexp.MustCompile(`(?i)(;\s*(drop|delete|truncate|alter)\s+(table|database))`),
		regexp.MustCompile(`(?i)(--\s*$|/\*.*\*/\s*$)`),
	}

	promptOverridePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules)`),
		regexp.MustCompile(`(?i)disregard\s+(your|all|the)\s+(instructions|guidelines|system\s+prompt)`),
		regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|in)\s`),
		regexp.MustCompile(`(?i)new\s+instructions?\s*:`),
	}

	jailbreakPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(dan|jailbreak|jailbroken)\s+mode\b`),
		regexp.MustCompile(`(?i)pretend\s+(you\s+have\s+)?no\s+(restrictions|limitations|filters)`),
		regexp.MustCompile(`(?i)developer\s+mode\s+(enabled|activated)`),
		regexp.MustCompile(`(?i)act\s+as\s+if\s+you\s+(have\s+no|are\s+not\s+bound)`),
	}

	systemTokenPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)<\|[a-z_]+\|>`),
		regexp.MustCompile(`(?i)\[/?(system|inst)\]`),
		regexp.MustCompile(`(?i)<<\s*sys\s*>>`),
	}
)

// Validator screens untrusted strings.
type Validator struct {
	cfg Config
}

// NewValidator creates a validator. Zero config fields fall back to defaults.
func NewValidator(cfg Config) *Validator {
	def := DefaultConfig()
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = def.MaxLength
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = def.MaxFileBytes
	}
	return &Validator{cfg: cfg}
}

// Validate screens input and returns the first matching block reason.
func (v *Validator) Validate(input string, vctx Context) Result {
	if vctx.FilePayload {
		if len(input) > v.cfg.MaxFileBytes {
			return blocked(fmt.Sprintf("file payload exceeds %d bytes", v.cfg.MaxFileBytes))
		}
	} else if utf8.RuneCountInString(input) > v.cfg.MaxLength {
		return blocked(fmt.Sprintf("input exceeds maximum length of %d characters", v.cfg.MaxLength))
	}

	for _, p := range sqlTailPatterns {
		if p.MatchString(input) {
			return blocked("input matches SQL injection pattern")
		}
	}
	for _, p := range promptOverridePatterns {
		if p.MatchString(input) {
			return blocked("input matches prompt override pattern")
		}
	}
	for _, p := range jailbreakPatterns {
		if p.MatchString(input) {
			return blocked("input matches jailbreak pattern")
		}
	}
	for _, p := range systemTokenPatterns {
		if p.MatchString(input) {
			return blocked("input contains reserved system tokens")
		}
	}

	return Result{Valid: true}
}

func blocked(reason string) Result {
	return Result{Valid: false, BlockReason: reason}
}
