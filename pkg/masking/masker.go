// Package masking applies redaction to stage adapter inputs/outputs and
// evidence payloads before they are persisted or logged, per the Stage
// Adapter redaction requirement (no raw tenant identifiers or PII beyond
// the fields the external interfaces enumerate).
package masking

// Masker is the interface for code-based maskers that need structural
// awareness beyond regex pattern matching. Code-based maskers can parse
// JSON and apply context-sensitive masking (e.g. mask OPS parameter
// values tagged sensitive, but not decision variable names).
type Masker interface {
	// Name returns the unique identifier for this masker.
	Name() string

	// AppliesTo performs a lightweight check on whether this masker
	// should process the data. Should be fast (string contains, not parsing).
	AppliesTo(data string) bool

	// Mask applies masking logic and returns the masked result.
	// Must be defensive: return original data on parse/processing errors.
	Mask(data string) string
}
