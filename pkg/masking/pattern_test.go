package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileBuiltinPatterns(t *testing.T) {
	svc := NewService(DefaultConfig())

	assert.Equal(t, len(GetBuiltinPatterns()), len(svc.patterns),
		"all built-in patterns should compile")

	for name, cp := range svc.patterns {
		assert.NotNil(t, cp.Regex, "pattern %s should have compiled regex", name)
		assert.NotEmpty(t, cp.Replacement, "pattern %s should have replacement", name)
	}
}

func TestResolveGroup_PII(t *testing.T) {
	svc := NewService(DefaultConfig())

	resolved := svc.resolveGroup(GroupPII)

	assert.GreaterOrEqual(t, len(resolved.regexPatterns), 4) // email, phone, ssn, credit_card
	assert.Empty(t, resolved.codeMaskerNames, "pii group has no code maskers")
}

func TestResolveGroup_Credentials(t *testing.T) {
	svc := NewService(DefaultConfig())

	resolved := svc.resolveGroup(GroupCredentials)

	names := make([]string, len(resolved.regexPatterns))
	for i, p := range resolved.regexPatterns {
		names[i] = p.Name
	}
	assert.Contains(t, names, "bearer_token")
}

func TestResolveGroup_UnknownGroup(t *testing.T) {
	svc := NewService(DefaultConfig())

	resolved := svc.resolveGroup("nonexistent")

	assert.Empty(t, resolved.regexPatterns)
	assert.Empty(t, resolved.codeMaskerNames)
}

func TestResolveGroup_Deduplication(t *testing.T) {
	svc := NewService(DefaultConfig())

	first := svc.resolveGroup(GroupPII)
	second := svc.resolveGroup(GroupPII)

	assert.Equal(t, len(first.regexPatterns), len(second.regexPatterns),
		"resolving the same group twice should yield a stable, deduplicated set")

	seen := make(map[string]int)
	for _, p := range first.regexPatterns {
		seen[p.Name]++
	}
	for name, count := range seen {
		assert.Equal(t, 1, count, "pattern %s should not be duplicated within a group", name)
	}
}

func TestCompiledPattern_MatchesExpectedReplacement(t *testing.T) {
	svc := NewService(DefaultConfig())

	cp, exists := svc.patterns["ssn"]
	require.True(t, exists, "ssn pattern should exist")

	result := cp.Regex.ReplaceAllString("tax record 123-45-6789 on file", cp.Replacement)
	assert.Contains(t, result, "[REDACTED_SSN]")
	assert.NotContains(t, result, "123-45-6789")
}
