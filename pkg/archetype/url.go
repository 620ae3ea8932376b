package archetype

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidateTemplateURL checks that a fetched template URL uses an allowed
// scheme and, when allowedDomains is non-empty, an allowed host. Mirrors
// the teacher's runbook URL allowlist so a misconfigured or hostile
// catalog entry cannot redirect template fetches off the intended domain.
func ValidateTemplateURL(rawURL string, allowedDomains []string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL: %w", err)
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("invalid scheme %q: only http and https allowed", parsed.Scheme)
	}

	if len(allowedDomains) > 0 {
		host := strings.ToLower(parsed.Hostname())
		allowed := false
		for _, domain := range allowedDomains {
			if host == domain || host == "www."+domain {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("domain %q not in allowed list", host)
		}
	}

	return nil
}
