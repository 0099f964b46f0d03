package cloudrun

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"google.golang.org/api/idtoken"

	"github.com/vitrina/tiendabot/backend"
)

// Identity tokens are valid for an hour; refresh with a margin so a
// token never expires mid-request.
const defaultTokenTTL = 50 * time.Minute

// TokenFetcher obtains a bearer identity token for a target audience.
type TokenFetcher interface {
	Fetch(ctx context.Context, audience string) (string, error)
}

// GoogleTokenFetcher fetches identity tokens from the GCP metadata
// server on Cloud Run, or from application default credentials locally.
type GoogleTokenFetcher struct{}

func (GoogleTokenFetcher) Fetch(ctx context.Context, audience string) (string, error) {
	ts, err := idtoken.NewTokenSource(ctx, audience)
	if err != nil {
		return "", err
	}
	tok, err := ts.Token()
	if err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("empty identity token for %s", audience)
	}
	return tok.AccessToken, nil
}

type tokenEntry struct {
	token  string
	expiry time.Time
}

// tokenCache keeps one bearer token per audience. Reads take the fast
// path under RLock; refreshes go through singleflight so concurrent
// callers for the same audience trigger exactly one fetch.
type tokenCache struct {
	fetcher TokenFetcher
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger

	mu      sync.RWMutex
	entries map[string]tokenEntry
	group   singleflight.Group
}

func newTokenCache(fetcher TokenFetcher, ttl time.Duration, logger *slog.Logger) *tokenCache {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &tokenCache{
		fetcher: fetcher,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
		entries: make(map[string]tokenEntry),
	}
}

func (c *tokenCache) lookup(audience string) (string, bool) {
	c.mu.RLock()
	e, ok := c.entries[audience]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expiry) {
		return e.token, true
	}
	return "", false
}

// Token returns a valid token for the audience, fetching one if the
// cache is empty or stale. A fetch failure is fatal for the call and
// surfaces as *backend.AuthError; it is not retried here.
func (c *tokenCache) Token(ctx context.Context, audience string) (string, error) {
	if tok, ok := c.lookup(audience); ok {
		return tok, nil
	}

	v, err, _ := c.group.Do(audience, func() (any, error) {
		// Re-check: the flight that just finished may have filled the
		// cache while this caller was waiting to start one.
		if tok, ok := c.lookup(audience); ok {
			return tok, nil
		}
		start := c.now()
		tok, err := c.fetcher.Fetch(ctx, audience)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[audience] = tokenEntry{token: tok, expiry: c.now().Add(c.ttl)}
		c.mu.Unlock()
		if c.logger != nil {
			c.logger.Info("token_fetched", "audience", audience, "elapsed_ms", c.now().Sub(start).Milliseconds())
		}
		return tok, nil
	})
	if err != nil {
		return "", &backend.AuthError{Audience: audience, Err: err}
	}
	return v.(string), nil
}
