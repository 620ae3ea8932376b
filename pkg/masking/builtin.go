package masking

// BuiltinPattern is a named regex-based redaction pattern shipped with the
// kernel, independent of any tenant configuration.
type BuiltinPattern struct {
	Pattern     string
	Replacement string
	Description string
}

// PatternGroup is a named, ordered set of builtin pattern names.
const (
	// GroupPII redacts emails, phone numbers, and government-id-shaped
	// tokens from free-text fields (goal text, explanation narratives).
	GroupPII = "pii"

	// GroupCredentials redacts tokens that look like API keys/secrets that
	// may leak into adapter error messages.
	GroupCredentials = "credentials"
)

// builtinPatterns are the regex-based patterns available to every tenant.
// Keys are referenced by name from PatternGroups.
var builtinPatterns = map[string]BuiltinPattern{
	"email": {
		Pattern:     `[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`,
		Replacement: "[REDACTED_EMAIL]",
		Description: "email addresses",
	},
	"phone": {
		Pattern:     `\+?\d{1,3}[-.\s]?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`,
		Replacement: "[REDACTED_PHONE]",
		Description: "phone numbers",
	},
	"ssn": {
		Pattern:     `\b\d{3}-\d{2}-\d{4}\b`,
		Replacement: "[REDACTED_SSN]",
		Description: "US social security numbers",
	},
	"credit_card": {
		Pattern:     `\b(?:\d[ -]*?){13,16}\b`,
		Replacement: "[REDACTED_CARD]",
		Description: "credit-card-like digit sequences",
	},
	"bearer_token": {
		Pattern:     `(?i)\b(bearer|api[_-]?key|token)\s*[:=]\s*[A-Za-z0-9\-_.]{12,}`,
		Replacement: "[REDACTED_CREDENTIAL]",
		Description: "bearer tokens and API keys embedded in adapter errors",
	},
}

// patternGroups maps a group name to the ordered builtin pattern names it expands to.
var patternGroups = map[string][]string{
	GroupPII:         {"email", "phone", "ssn", "credit_card"},
	GroupCredentials: {"bearer_token"},
}

// GetBuiltinPatterns returns the builtin pattern catalogue.
func GetBuiltinPatterns() map[string]BuiltinPattern {
	return builtinPatterns
}

// GetPatternGroups returns the builtin pattern-group catalogue.
func GetPatternGroups() map[string][]string {
	return patternGroups
}
