package refresh

import (
	"context"
	"time"

	"github.com/panjf2000/ants/v2"

	"lazytuner/work/cache"
	"lazytuner/work/config"
	"lazytuner/work/database"
	"lazytuner/work/lineup"
	"lazytuner/work/logger"
	"lazytuner/work/metrics"
	"lazytuner/work/resolver"
	"lazytuner/work/schedule"
	"lazytuner/work/types"
)

// blockPruneAge is how long a blocked-feed record outlives its game
// before the loop prunes it.
const blockPruneAge = 7 * 24 * time.Hour

// Loop keeps the cached schedule current: every refresh interval it
// re-fetches the configured day window, stores the games, rebuilds the
// lineup, and drops the rendered guide documents so they re-render from
// fresh data. Stream resolutions are left alone; they expire on their
// own terms.
type Loop struct {
	cfg      *config.Config
	fetcher  *schedule.Fetcher
	games    *cache.Store[types.Game]
	lineup   *lineup.Manager
	docs     *cache.Documents
	resolver *resolver.Resolver
	pool     *ants.Pool
	db       *database.DB

	trigger chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// New creates the refresh loop. db may be nil; pruning is then skipped.
func New(cfg *config.Config, fetcher *schedule.Fetcher, games *cache.Store[types.Game], lm *lineup.Manager, docs *cache.Documents, res *resolver.Resolver, pool *ants.Pool, db *database.DB) *Loop {
	return &Loop{
		cfg:      cfg,
		fetcher:  fetcher,
		games:    games,
		lineup:   lm,
		docs:     docs,
		resolver: res,
		pool:     pool,
		db:       db,
		trigger:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs an immediate refresh, then ticks at the configured
// interval until Stop is called.
func (l *Loop) Start() {
	go func() {
		defer close(l.done)

		l.Refresh(context.Background())

		ticker := time.NewTicker(l.cfg.RefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-l.stop:
				return
			case <-ticker.C:
				l.Refresh(context.Background())
			case <-l.trigger:
				l.Refresh(context.Background())
			}
		}
	}()

	logger.Info("{refresh - Start} Refresh loop started (interval %s)", l.cfg.RefreshInterval)
}

// Stop shuts the loop down and waits for an in-flight refresh to
// finish.
func (l *Loop) Stop() {
	close(l.stop)
	<-l.done
	logger.Info("{refresh - Stop} Refresh loop stopped")
}

// Trigger requests an immediate refresh. Coalesces: triggering while a
// trigger is already pending is a no-op.
func (l *Loop) Trigger() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

// Refresh performs one full schedule refresh cycle.
func (l *Loop) Refresh(ctx context.Context) {
	now := time.Now()
	from := now.AddDate(0, 0, -l.cfg.ScheduleDaysBehind)
	to := now.AddDate(0, 0, l.cfg.ScheduleDaysAhead)

	games, dayErrs, err := l.fetcher.FetchRange(ctx, from, to)
	if err != nil {
		// total failure: keep serving the previous cache until it expires
		logger.Error("{refresh - Refresh} Schedule refresh failed, keeping cached schedule: %v", err)
		metrics.ScheduleRefreshes.WithLabelValues("failed").Inc()
		return
	}

	outcome := "ok"
	if len(dayErrs) > 0 {
		outcome = "partial"
		for _, de := range dayErrs {
			logger.Warn("{refresh - Refresh} %v", de)
		}
	}
	metrics.ScheduleRefreshes.WithLabelValues(outcome).Inc()

	for _, game := range games {
		l.games.Put(game.ID, game, l.cfg.CacheTTL)
	}

	// rebuild from the whole cache, not just this fetch: days that
	// failed this cycle keep their previously cached games until their
	// TTL runs out
	all := l.cachedGames()
	l.lineup.Rebuild(all)
	l.docs.Clear()

	swept := l.games.Sweep()
	metrics.GamesCached.Set(float64(l.games.Len()))

	logger.Info("{refresh - Refresh} Schedule refreshed: %d fetched, %d cached, %d expired swept, %d day(s) failed",
		len(games), l.games.Len(), swept, len(dayErrs))

	l.prefetchImminent(all)
	l.pruneBlocklist()
}

// cachedGames snapshots every unexpired cached game.
func (l *Loop) cachedGames() []types.Game {
	var out []types.Game
	l.games.Range(func(_ string, g types.Game) bool {
		out = append(out, g)
		return true
	})
	return out
}

// prefetchImminent warms the resolution cache for games inside their
// resolvable window, so the first tune-in doesn't pay the negotiation
// round-trips. Failures are expected (streams appear close to puck
// drop) and only logged at debug.
func (l *Loop) prefetchImminent(games []types.Game) {
	if l.pool == nil {
		return
	}

	now := time.Now()
	for i := range games {
		game := games[i]
		if now.Before(game.Start.Add(-l.cfg.ResolveLeadTime)) || now.After(game.Start.Add(l.cfg.ResolveLeadTime)) {
			continue
		}

		for _, feed := range game.Feeds {
			feed := feed
			err := l.pool.Submit(func() {
				if _, err := l.resolver.Resolve(context.Background(), &game, feed); err != nil {
					logger.Debug("{refresh - prefetchImminent} Prefetch %s/%s: %v", game.ID, feed.Tag, err)
				}
			})
			if err != nil {
				return
			}
		}
	}
}

// pruneBlocklist drops blocked-feed records for games long out of the
// schedule window.
func (l *Loop) pruneBlocklist() {
	if l.db == nil {
		return
	}
	pruned, err := l.db.PruneBlockedFeeds(blockPruneAge)
	if err != nil {
		logger.Warn("{refresh - pruneBlocklist} Prune failed: %v", err)
		return
	}
	if pruned > 0 {
		logger.Debug("{refresh - pruneBlocklist} Pruned %d stale blocked feed(s)", pruned)
	}
}
