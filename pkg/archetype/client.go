package archetype

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// githubClient fetches raw template content from a GitHub repository,
// the same bearer-token-optional plain net/http client shape as the
// teacher's runbook GitHubClient, scoped to a single file fetch (template
// catalogs have no subdirectory listing need).
type githubClient struct {
	httpClient *http.Client
	token      string
}

func newGitHubClient(token string) *githubClient {
	return &githubClient{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		token:      token,
	}
}

// fetch downloads raw content from rawURL, which callers must already
// have resolved to a raw.githubusercontent.com (or otherwise directly
// fetchable) URL.
func (c *githubClient) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch template from %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("template catalog returned HTTP %d for %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return body, nil
}
