package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"lazytuner/work/logger"
	"lazytuner/work/types"
)

// sessionState holds the short-lived provider session credential. The
// key is refreshed under single-flight: when many stream requests arrive
// with an expired session, exactly one login round-trip happens and the
// rest wait for its result.
type sessionState struct {
	mu      sync.RWMutex
	key     string
	expires time.Time
	group   singleflight.Group
}

// sessionResponse is the media API's login answer.
type sessionResponse struct {
	SessionKey string `json:"session_key"`
	ExpiresIn  int64  `json:"expires_in"`
}

// sessionSafety is shaved off the provider-declared session lifetime so
// we refresh before the provider actually cuts us off.
const sessionSafety = 30 * time.Second

// SessionKey returns a valid provider session credential, performing the
// login handshake when the cached one is missing or expired. Anonymous
// configurations (no username) return an empty key without any upstream
// call.
func (c *Client) SessionKey(ctx context.Context) (string, error) {
	if c.cfg.Provider.Username == "" {
		return "", nil
	}

	// fast path: cached key still valid
	c.session.mu.RLock()
	if c.session.key != "" && time.Now().Before(c.session.expires) {
		key := c.session.key
		c.session.mu.RUnlock()
		return key, nil
	}
	c.session.mu.RUnlock()

	v, err, shared := c.session.group.Do("session", func() (interface{}, error) {
		// another caller may have refreshed while we queued
		c.session.mu.RLock()
		if c.session.key != "" && time.Now().Before(c.session.expires) {
			key := c.session.key
			c.session.mu.RUnlock()
			return key, nil
		}
		c.session.mu.RUnlock()

		return c.login(ctx)
	})
	if err != nil {
		return "", err
	}
	if shared {
		logger.Debug("{provider - SessionKey} Joined in-flight session refresh")
	}
	return v.(string), nil
}

// InvalidateSession drops the cached session key, forcing the next
// caller through the login handshake. Used when the provider suddenly
// rejects a key it issued.
func (c *Client) InvalidateSession() {
	c.session.mu.Lock()
	c.session.key = ""
	c.session.expires = time.Time{}
	c.session.mu.Unlock()
}

// login performs the session handshake against the media API and caches
// the result.
func (c *Client) login(ctx context.Context) (string, error) {
	endpoint := fmt.Sprintf(
		"%s/getSession.php?league=%s&username=%s&password=%s",
		c.cfg.Provider.MediaBase,
		c.cfg.Provider.League,
		url.QueryEscape(c.cfg.Provider.Username),
		url.QueryEscape(c.cfg.Provider.Password),
	)

	logger.Debug("{provider - login} Requesting new provider session")

	c.limiter.Take()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrProviderUnavailable, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("session: %w: %v", types.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("session: %w: status %d", types.ErrAuthFailed, resp.StatusCode)
	default:
		return "", fmt.Errorf("session: %w: status %d", types.ErrProviderUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("session: %w: %v", types.ErrProviderUnavailable, err)
	}

	var sr sessionResponse
	if err := json.Unmarshal(body, &sr); err != nil || sr.SessionKey == "" {
		return "", fmt.Errorf("session: %w", types.ErrProviderSchema)
	}

	lifetime := time.Duration(sr.ExpiresIn) * time.Second
	if lifetime <= sessionSafety {
		lifetime = sessionSafety * 2
	}

	c.session.mu.Lock()
	c.session.key = sr.SessionKey
	c.session.expires = time.Now().Add(lifetime - sessionSafety)
	c.session.mu.Unlock()

	logger.Debug("{provider - login} Session established (valid %s)", lifetime-sessionSafety)
	return sr.SessionKey, nil
}
