package masking

import (
	"encoding/json"
	"strings"
)

// SensitiveParamValue is the replacement for OPS parameter values whose key
// names suggest they hold tenant-identifying or otherwise sensitive data.
const SensitiveParamValue = "[REDACTED_PARAMETER]"

// sensitiveKeyHints are parameter-name substrings that mark a value as
// sensitive regardless of what pattern it matches. Case-insensitive.
var sensitiveKeyHints = []string{
	"email", "phone", "ssn", "tax_id", "account_number", "customer_name",
	"contact", "address", "api_key", "secret", "token",
}

// SensitiveParamMasker inspects OPS-shaped JSON payloads (objects with a
// "parameters" map) and redacts values whose key name hints at sensitive
// content, without disturbing decision-variable or constraint structure.
type SensitiveParamMasker struct{}

// Name returns the unique identifier for this masker.
func (m *SensitiveParamMasker) Name() string { return "sensitive_params" }

// AppliesTo performs a cheap pre-check before attempting to parse JSON.
func (m *SensitiveParamMasker) AppliesTo(data string) bool {
	trimmed := strings.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{' && strings.Contains(data, `"parameters"`)
}

// Mask parses the payload and redacts sensitive parameter values in-place.
// Returns the original data on any parse error (defensive, fail-open: a
// masking failure here must not block a stage from persisting its output;
// the caller applies regex patterns as a second sweep regardless).
func (m *SensitiveParamMasker) Mask(data string) string {
	var obj map[string]any
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return data
	}

	params, ok := obj["parameters"].(map[string]any)
	if !ok {
		return data
	}

	changed := false
	for key := range params {
		lower := strings.ToLower(key)
		for _, hint := range sensitiveKeyHints {
			if strings.Contains(lower, hint) {
				params[key] = SensitiveParamValue
				changed = true
				break
			}
		}
	}

	if !changed {
		return data
	}

	out, err := json.Marshal(obj)
	if err != nil {
		return data
	}
	return string(out)
}
