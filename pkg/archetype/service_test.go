package archetype

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_Resolve_EmptyArchetypeIDIsNotAnError(t *testing.T) {
	s := NewService(Config{})

	tmpl, err := s.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, Template{}, tmpl)
}

func TestService_Resolve_NoRepoConfiguredReturnsNotFound(t *testing.T) {
	s := NewService(Config{})

	_, err := s.Resolve(context.Background(), "supply-chain-basic")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_Resolve_FetchesAndDecodesTemplate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/supply-chain-basic.json", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"structure":{"stages":["compile","forecast"]},"defaults":{"horizon":4}}`))
	}))
	defer server.Close()

	s := NewService(Config{RepoRawBaseURL: server.URL})

	tmpl, err := s.Resolve(context.Background(), "supply-chain-basic")
	require.NoError(t, err)
	assert.Equal(t, "supply-chain-basic", tmpl.ArchetypeID)
	assert.Equal(t, []any{"compile", "forecast"}, tmpl.Structure["stages"])
	assert.Equal(t, float64(4), tmpl.Defaults["horizon"])
}

func TestService_Resolve_MissingTemplateReturnsNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	s := NewService(Config{RepoRawBaseURL: server.URL})

	_, err := s.Resolve(context.Background(), "ghost-archetype")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_Resolve_CachesBetweenCalls(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"structure":{}}`))
	}))
	defer server.Close()

	s := NewService(Config{RepoRawBaseURL: server.URL, CacheTTL: time.Minute})

	_, err := s.Resolve(context.Background(), "a")
	require.NoError(t, err)
	_, err = s.Resolve(context.Background(), "a")
	require.NoError(t, err)

	assert.Equal(t, 1, hits, "second Resolve call must be served from cache")
}

func TestService_Resolve_AuthHeaderSentWhenTokenPresent(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"structure":{}}`))
	}))
	defer server.Close()

	s := NewService(Config{RepoRawBaseURL: server.URL, GitHubToken: "test-token"})

	_, err := s.Resolve(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "Bearer test-token", gotAuth)
}

func TestService_Resolve_DomainNotAllowedRejected(t *testing.T) {
	s := NewService(Config{
		RepoRawBaseURL: "https://raw.githubusercontent.com/dyocense/archetypes/main",
		AllowedDomains: []string{"example.com"},
	})

	_, err := s.Resolve(context.Background(), "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in allowed list")
}
