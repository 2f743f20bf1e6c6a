// Package identity issues platform identity tokens from the instance
// metadata server.
package identity

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/compute/metadata"
)

// DefaultLifetime is how long an issued token is reused. Tokens from the
// metadata server are valid for one hour.
const DefaultLifetime = 50 * time.Minute

type cachedToken struct {
	value   string
	expires time.Time
}

// MetadataTokenSource fetches identity tokens for the default service account
// and caches them per audience.
type MetadataTokenSource struct {
	client   *metadata.Client
	lifetime time.Duration
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cachedToken
}

// NewMetadataTokenSource creates a token source. A nil client uses a
// dedicated client with a short timeout.
func NewMetadataTokenSource(httpClient *http.Client) *MetadataTokenSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}

	return &MetadataTokenSource{
		client:   metadata.NewClient(httpClient),
		lifetime: DefaultLifetime,
		now:      time.Now,
		cache:    make(map[string]cachedToken),
	}
}

// Token returns an identity token whose audience is audience.
func (s *MetadataTokenSource) Token(ctx context.Context, audience string) (string, error) {
	if audience == "" {
		return "", fmt.Errorf("identity token audience is required")
	}

	s.mu.Lock()
	cached, ok := s.cache[audience]
	s.mu.Unlock()
	if ok && s.now().Before(cached.expires) {
		return cached.value, nil
	}

	suffix := "instance/service-accounts/default/identity?audience=" + url.QueryEscape(audience) + "&format=full"
	token, err := s.client.GetWithContext(ctx, suffix)
	if err != nil {
		return "", fmt.Errorf("failed to fetch identity token for %s: %w", audience, err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("metadata server returned an empty identity token for %s", audience)
	}

	s.mu.Lock()
	s.cache[audience] = cachedToken{value: token, expires: s.now().Add(s.lifetime)}
	s.mu.Unlock()

	return token, nil
}
