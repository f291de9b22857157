// pkg/tool/launch/jwkscache.go
package launch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/eduline/lti-provider/pkg/tool/keys"
)

// JWKSCache fetches remote key sets and caches them per URL for a short TTL,
// so repeated launches do not hammer the platform's keyset endpoint.
type JWKSCache struct {
	// Client defaults to a 10s-timeout http.Client.
	Client *http.Client
	// TTL defaults to 5 minutes.
	TTL time.Duration
	// Now overrides the clock (tests).
	Now func() time.Time

	mu    sync.Mutex
	cache map[string]cachedJWKS
}

type cachedJWKS struct {
	set     keys.JWKS
	fetched time.Time
}

// Fetch returns the JWKS at url, from cache when fresh.
func (c *JWKSCache) Fetch(ctx context.Context, url string) (keys.JWKS, error) {
	now := c.now()

	c.mu.Lock()
	if c.cache == nil {
		c.cache = make(map[string]cachedJWKS)
	}
	if e, ok := c.cache[url]; ok && now.Sub(e.fetched) < c.ttl() {
		c.mu.Unlock()
		return e.set, nil
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return keys.JWKS{}, fmt.Errorf("jwks fetch: %w", err)
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return keys.JWKS{}, fmt.Errorf("jwks fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return keys.JWKS{}, fmt.Errorf("jwks fetch %s: status %d", url, resp.StatusCode)
	}
	var set keys.JWKS
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return keys.JWKS{}, fmt.Errorf("jwks decode %s: %w", url, err)
	}

	c.mu.Lock()
	c.cache[url] = cachedJWKS{set: set, fetched: now}
	c.mu.Unlock()
	return set, nil
}

func (c *JWKSCache) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (c *JWKSCache) ttl() time.Duration {
	if c.TTL > 0 {
		return c.TTL
	}
	return 5 * time.Minute
}

func (c *JWKSCache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
