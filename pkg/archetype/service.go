package archetype

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when the catalog has no template for the
// requested archetype id.
var ErrNotFound = errors.New("archetype: template not found")

const defaultCacheTTL = 5 * time.Minute

// Config points the Service at a GitHub-hosted template catalog. Each
// archetype_id maps to "<RepoRawBaseURL>/<archetype_id>.json".
type Config struct {
	// RepoRawBaseURL is the raw-content base URL for the catalog, e.g.
	// "https://raw.githubusercontent.com/dyocense/archetypes/refs/heads/main".
	RepoRawBaseURL string
	AllowedDomains []string
	GitHubToken    string
	CacheTTL       time.Duration
}

// Template is a pre-built goal structure the Compile stage uses to seed
// its parse, keyed by the archetype_id a submit-run request named.
type Template struct {
	ArchetypeID string         `json:"-"`
	Structure   map[string]any `json:"structure"`
	Defaults    map[string]any `json:"defaults,omitempty"`
}

// Service resolves an archetype_id to a Template, fetching from the
// configured catalog on a cache miss. The zero Service (no RepoRawBaseURL)
// resolves every id to ErrNotFound, letting deployments without a
// catalog configured skip archetypes entirely.
type Service struct {
	cfg    Config
	client *githubClient
	cache  *Cache
}

// NewService constructs a Service.
func NewService(cfg Config) *Service {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Service{
		cfg:    cfg,
		client: newGitHubClient(cfg.GitHubToken),
		cache:  NewCache(ttl),
	}
}

// Resolve returns the Template for archetypeID. An empty archetypeID is
// not an error: it returns the zero Template, meaning "no archetype
// requested", so callers can unconditionally call Resolve and branch on
// whether ArchetypeID was set.
func (s *Service) Resolve(ctx context.Context, archetypeID string) (Template, error) {
	if archetypeID == "" {
		return Template{}, nil
	}
	if s.cfg.RepoRawBaseURL == "" {
		return Template{}, ErrNotFound
	}

	rawURL := fmt.Sprintf("%s/%s.json", s.cfg.RepoRawBaseURL, archetypeID)
	if err := ValidateTemplateURL(rawURL, s.cfg.AllowedDomains); err != nil {
		return Template{}, err
	}

	if cached, ok := s.cache.Get(archetypeID); ok {
		return decodeTemplate(archetypeID, cached)
	}

	body, err := s.client.fetch(ctx, rawURL)
	if err != nil {
		return Template{}, err
	}
	s.cache.Set(archetypeID, body)

	return decodeTemplate(archetypeID, body)
}

func decodeTemplate(archetypeID string, body []byte) (Template, error) {
	var tmpl Template
	if err := json.Unmarshal(body, &tmpl); err != nil {
		return Template{}, fmt.Errorf("decode archetype %q: %w", archetypeID, err)
	}
	tmpl.ArchetypeID = archetypeID
	return tmpl, nil
}
