// Package sanitize hardens upstream-sourced tool metadata before it is
// indexed or shown to a model. Upstream servers are untrusted: descriptions
// can carry prompt-injection payloads and names can carry characters that
// break qualified-name parsing.
package sanitize

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultDescriptionLimit caps sanitized description length.
	DefaultDescriptionLimit = 2000
	// MaxToolNameLength caps sanitized tool name length.
	MaxToolNameLength = 256

	redactedMarker = "[REDACTED]"
)

var (
	controlChars   = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
	whitespaceRuns = regexp.MustCompile(`[ \t]+`)
	blankLineRuns  = regexp.MustCompile(`\n{3,}`)
	invalidName    = regexp.MustCompile(`[^A-Za-z0-9_-]`)

	// Prompt-injection markers seen in the wild: role manipulation, fake
	// system tags, jailbreak phrasing, and base64 smuggling hints.
	injectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions?`),
		regexp.MustCompile(`(?i)disregard\s+(all\s+)?prior\s+instructions?`),
		regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|the)\s`),
		regexp.MustCompile(`(?i)act\s+as\s+(a\s+)?(system|root|admin|developer)`),
		regexp.MustCompile(`(?i)</?(system|assistant|user|human|im_start|im_end)>`),
		regexp.MustCompile(`(?i)\[/?(system|INST)\]`),
		regexp.MustCompile(`(?i)(developer|DAN|jailbreak)\s+mode`),
		regexp.MustCompile(`(?i)do\s+anything\s+now`),
		regexp.MustCompile(`(?i)system\s*prompt\s*:`),
		regexp.MustCompile(`(?i)base64\s*(decode|encoded)\s*:`),
	}
)

// Sanitizer normalizes and redacts upstream tool metadata.
type Sanitizer struct {
	descriptionLimit int
}

// New creates a Sanitizer with the given description cap. A non-positive
// limit falls back to DefaultDescriptionLimit.
func New(descriptionLimit int) *Sanitizer {
	if descriptionLimit <= 0 {
		descriptionLimit = DefaultDescriptionLimit
	}
	return &Sanitizer{descriptionLimit: descriptionLimit}
}

// Description strips control characters, collapses whitespace, redacts
// prompt-injection markers, and truncates at the configured cap.
func (s *Sanitizer) Description(desc string) string {
	clean := controlChars.ReplaceAllString(desc, "")
	clean = strings.ReplaceAll(clean, "\r\n", "\n")
	clean = whitespaceRuns.ReplaceAllString(clean, " ")
	clean = blankLineRuns.ReplaceAllString(clean, "\n\n")

	for _, pattern := range injectionPatterns {
		clean = pattern.ReplaceAllString(clean, redactedMarker)
	}

	clean = strings.TrimSpace(clean)
	if len(clean) > s.descriptionLimit {
		// Back the cut up to a rune boundary so the tail stays valid UTF-8.
		cut := s.descriptionLimit
		for cut > 0 && !utf8.RuneStart(clean[cut]) {
			cut--
		}
		clean = clean[:cut] + "..."
	}
	return clean
}

// ToolName coerces a name to [A-Za-z0-9_-]+ and caps its length. Invalid
// characters become underscores so the name stays recognizable.
func (s *Sanitizer) ToolName(name string) string {
	clean := invalidName.ReplaceAllString(name, "_")
	if len(clean) > MaxToolNameLength {
		clean = clean[:MaxToolNameLength]
	}
	return clean
}
