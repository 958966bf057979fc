package resolver

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"lazytuner/work/cache"
	"lazytuner/work/config"
	"lazytuner/work/database"
	"lazytuner/work/logger"
	"lazytuner/work/metrics"
	"lazytuner/work/provider"
	"lazytuner/work/types"
	"lazytuner/work/utils"
)

// Resolver turns a (game, feed) pair into a playable stream. It owns the
// negotiation sequence: resolvable-window check, blocked-feed check,
// session credential, manifest reference, and variant selection against
// the master playlist. Concurrent resolutions of the same key collapse
// into one upstream negotiation; late callers receive the in-flight
// result.
type Resolver struct {
	cfg       *config.Config
	provider  *provider.Client
	streams   *cache.Store[*types.ResolvedStream]
	blocklist *database.DB
	group     singleflight.Group
}

// New creates a resolver writing results into the given stream cache.
// blocklist may be nil when the SQLite store is unavailable; terminal
// failures are then only remembered for the process lifetime via the
// cache.
func New(cfg *config.Config, p *provider.Client, streams *cache.Store[*types.ResolvedStream], blocklist *database.DB) *Resolver {
	return &Resolver{
		cfg:       cfg,
		provider:  p,
		streams:   streams,
		blocklist: blocklist,
	}
}

// Key builds the cache/single-flight key for a resolution: the game's
// calendar date, its identity, and the feed tag.
func Key(game *types.Game, feedTag string) string {
	return fmt.Sprintf("%s|%s|%s", game.Start.Format("2006-01-02"), game.ID, feedTag)
}

// Resolve returns a playable stream for the feed, from cache when an
// unexpired resolution exists, otherwise negotiating with the provider.
// The caller's context cancellation does not abort an in-flight
// negotiation — other callers may be waiting on it — but the negotiation
// itself is time-bounded.
func (r *Resolver) Resolve(ctx context.Context, game *types.Game, feed types.FeedVariant) (*types.ResolvedStream, error) {
	key := Key(game, feed.Tag)

	if rs, ok := r.streams.Get(key); ok && !rs.Expired(time.Now()) {
		logger.Debug("{resolver - Resolve} Cache hit for %s", key)
		return rs, nil
	}

	v, err, shared := r.group.Do(key, func() (interface{}, error) {
		// a caller that queued behind a completed flight re-checks the
		// cache before negotiating again
		if rs, ok := r.streams.Get(key); ok && !rs.Expired(time.Now()) {
			return rs, nil
		}
		return r.negotiate(game, feed, key)
	})
	if shared {
		logger.Debug("{resolver - Resolve} Joined in-flight resolution for %s", key)
	}
	if err != nil {
		return nil, err
	}
	return v.(*types.ResolvedStream), nil
}

// negotiate performs one full upstream negotiation for a feed. It runs
// detached from any single caller's context so a client disconnect can't
// strand the other waiters, with an overall deadline of three provider
// round-trip budgets (session, manifest reference, playlist).
func (r *Resolver) negotiate(game *types.Game, feed types.FeedVariant, key string) (*types.ResolvedStream, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*r.cfg.FetchTimeout)
	defer cancel()

	// events far in the future have no manifest; don't bother the provider
	window := game.Start.Add(-r.cfg.ResolveLeadTime)
	if time.Now().Before(window) {
		metrics.Resolutions.WithLabelValues("not_yet_available").Inc()
		return nil, fmt.Errorf("resolve %s: starts %s: %w",
			key, game.Start.Format(time.RFC3339), types.ErrNotYetAvailable)
	}

	if err := r.checkBlocked(game, feed); err != nil {
		metrics.Resolutions.WithLabelValues(types.ErrorKind(err)).Inc()
		return nil, err
	}

	masterURL, declaredExpiry, err := r.provider.MasterURL(ctx, game, feed)
	if err != nil {
		r.recordFailure(game, feed, err)
		metrics.Resolutions.WithLabelValues(types.ErrorKind(err)).Inc()
		return nil, err
	}

	selected, err := r.selectVariant(ctx, masterURL)
	if err != nil {
		metrics.Resolutions.WithLabelValues(types.ErrorKind(err)).Inc()
		return nil, err
	}

	rs := &types.ResolvedStream{
		ManifestURL: selected.url,
		Expiry:      clampExpiry(declaredExpiry, r.cfg.ResolveTTLCeiling),
		Bandwidth:   int(selected.bandwidth),
		Resolution:  selected.resolution,
	}

	r.streams.Put(key, rs, time.Until(rs.Expiry))
	metrics.Resolutions.WithLabelValues("ok").Inc()

	logger.Info("{resolver - negotiate} Resolved %s -> %s (expires %s)",
		key, utils.LogURL(r.cfg.ObfuscateUrls, rs.ManifestURL), rs.Expiry.Format(time.RFC3339))

	return rs, nil
}

// Invalidate drops a cached resolution, forcing the next request for
// the feed through a fresh negotiation. Used when the upstream rejects
// a manifest URL it handed out earlier.
func (r *Resolver) Invalidate(game *types.Game, feedTag string) {
	r.streams.Invalidate(Key(game, feedTag))
}

// checkBlocked consults the persistent blocklist for terminal failures
// recorded earlier (possibly in a previous process).
func (r *Resolver) checkBlocked(game *types.Game, feed types.FeedVariant) error {
	if r.blocklist == nil {
		return nil
	}

	blocked, reason, err := r.blocklist.IsFeedBlocked(game.ID, feed.Tag)
	if err != nil {
		logger.Warn("{resolver - checkBlocked} Blocklist lookup failed: %v", err)
		return nil
	}
	if !blocked {
		return nil
	}

	logger.Debug("{resolver - checkBlocked} Feed %s/%s blocked: %s", game.ID, feed.Tag, reason)
	if reason == "geo_restricted" {
		return fmt.Errorf("resolve %s/%s: %w", game.ID, feed.Tag, types.ErrGeoRestricted)
	}
	return fmt.Errorf("resolve %s/%s: %w", game.ID, feed.Tag, types.ErrAuthFailed)
}

// recordFailure persists terminal failures so they are not re-negotiated
// automatically, across restarts included.
func (r *Resolver) recordFailure(game *types.Game, feed types.FeedVariant, err error) {
	if r.blocklist == nil || types.Retryable(err) {
		return
	}

	kind := types.ErrorKind(err)
	if dbErr := r.blocklist.MarkFeedBlocked(game.ID, feed.Tag, kind); dbErr != nil {
		logger.Warn("{resolver - recordFailure} Failed to persist block for %s/%s: %v", game.ID, feed.Tag, dbErr)
		return
	}
	logger.Info("{resolver - recordFailure} Feed %s/%s blocked (%s)", game.ID, feed.Tag, kind)
}

// clampExpiry bounds the provider-declared expiry by the configured
// ceiling. A resolved stream is never trusted longer than the provider
// intends, and never longer than the ceiling even when the provider
// declares something implausible (or nothing at all).
func clampExpiry(declared time.Time, ceiling time.Duration) time.Time {
	max := time.Now().Add(ceiling)
	if declared.IsZero() || declared.After(max) {
		return max
	}
	return declared
}
