package masking

import "log/slog"

// Config holds redaction settings for a kernel deployment. Enabled turns
// redaction on globally; Groups selects which builtin pattern groups run.
// Tenants cannot opt out — this is an adapter-boundary control, not a
// tenant preference (§4.8: adapters must not embed raw tenant identifiers
// or PII beyond the fields §6 enumerates).
type Config struct {
	Enabled bool
	Groups  []string
}

// DefaultConfig returns the built-in redaction defaults: enabled, both
// groups active.
func DefaultConfig() Config {
	return Config{Enabled: true, Groups: []string{GroupPII, GroupCredentials}}
}

// Service applies data masking to stage adapter inputs/outputs and evidence
// payloads. Created once at application startup (singleton). Thread-safe
// and stateless aside from compiled patterns.
type Service struct {
	cfg         Config
	patterns    map[string]*CompiledPattern
	codeMaskers map[string]Masker
}

// NewService creates a masking service with compiled patterns and registered
// code-based maskers. All patterns are compiled eagerly. Invalid patterns
// are logged and skipped.
func NewService(cfg Config) *Service {
	s := &Service{
		cfg:         cfg,
		patterns:    make(map[string]*CompiledPattern),
		codeMaskers: make(map[string]Masker),
	}

	s.compileBuiltinPatterns()
	s.registerMasker(&SensitiveParamMasker{})

	slog.Info("Masking service initialized",
		"enabled", cfg.Enabled,
		"groups", cfg.Groups,
		"compiled_patterns", len(s.patterns),
		"code_maskers", len(s.codeMaskers))

	return s
}

// Redact applies the configured pattern groups to free-text content
// (goal text, adapter error messages, explanation narratives) bound for
// evidence or logs. Fail-open: a masking failure returns the original
// content rather than blocking the write, matching the teacher's documented
// policy for best-effort alert-payload masking.
func (s *Service) Redact(content string) string {
	if !s.cfg.Enabled || content == "" {
		return content
	}

	masked := content
	for _, group := range s.cfg.Groups {
		resolved := s.resolveGroup(group)
		masked = s.apply(masked, resolved)
	}
	return masked
}

// RedactJSON applies masking to a JSON-shaped stage output (e.g. OPS,
// SolutionPack) before it is persisted to evidence. Every registered code
// masker runs first, then each configured group's code maskers and regex
// patterns as a second sweep. A code masker that cannot parse the payload
// leaves it unchanged for that sweep; no redaction notice ever replaces
// the payload.
func (s *Service) RedactJSON(payload string) string {
	if !s.cfg.Enabled || payload == "" {
		return payload
	}

	masked := payload
	for _, m := range s.codeMaskers {
		if m.AppliesTo(masked) {
			masked = m.Mask(masked)
		}
	}
	for _, group := range s.cfg.Groups {
		resolved := s.resolveGroup(group)
		masked = s.applyCodeMaskers(masked, resolved)
		masked = s.apply(masked, resolved)
	}
	return masked
}

func (s *Service) applyCodeMaskers(content string, resolved *resolvedPatterns) string {
	masked := content
	for _, name := range resolved.codeMaskerNames {
		masker, ok := s.codeMaskers[name]
		if !ok {
			continue
		}
		if masker.AppliesTo(masked) {
			masked = masker.Mask(masked)
		}
	}
	return masked
}

func (s *Service) apply(content string, resolved *resolvedPatterns) string {
	masked := content
	for _, pattern := range resolved.regexPatterns {
		masked = pattern.Regex.ReplaceAllString(masked, pattern.Replacement)
	}
	return masked
}

func (s *Service) registerMasker(m Masker) {
	s.codeMaskers[m.Name()] = m
}
