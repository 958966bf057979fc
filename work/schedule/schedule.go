package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"lazytuner/work/logger"
	"lazytuner/work/provider"
	"lazytuner/work/types"
)

// Fetcher retrieves the game schedule for a date range from the provider
// and normalizes it into Game entities. It never writes to the cache;
// storage is the refresh loop's job.
type Fetcher struct {
	provider *provider.Client
	pool     *ants.Pool
}

// DayError reports a single day inside a requested range that could not
// be fetched. Day errors are warnings, not failures: the rest of the
// range is still returned, and the refresh loop retries the failed days
// on its next cycle.
type DayError struct {
	Date time.Time
	Err  error
}

func (de DayError) Error() string {
	return fmt.Sprintf("schedule for %s: %v", de.Date.Format("2006-01-02"), de.Err)
}

// New creates a schedule fetcher running its per-day requests on the
// shared worker pool.
func New(p *provider.Client, pool *ants.Pool) *Fetcher {
	return &Fetcher{
		provider: p,
		pool:     pool,
	}
}

// FetchRange fetches every day in [from, to] (inclusive, calendar days)
// concurrently. Successful days are merged and sorted by start time;
// failed days come back as DayError warnings. The returned error is
// non-nil only when every requested day failed.
func (f *Fetcher) FetchRange(ctx context.Context, from, to time.Time) ([]types.Game, []DayError, error) {
	from = truncateDay(from)
	to = truncateDay(to)
	if to.Before(from) {
		from, to = to, from
	}

	days := int(to.Sub(from).Hours()/24) + 1
	logger.Debug("{schedule - FetchRange} Fetching %d day(s) from %s", days, from.Format("2006-01-02"))

	var (
		mu       sync.Mutex
		games    []types.Game
		dayErrs  []DayError
		wg       sync.WaitGroup
		fallback bool
	)

	for d := 0; d < days; d++ {
		date := from.AddDate(0, 0, d)
		wg.Add(1)

		task := func() {
			defer wg.Done()

			dayGames, err := f.provider.ScheduleForDate(ctx, date)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Warn("{schedule - FetchRange} Day %s failed: %v", date.Format("2006-01-02"), err)
				dayErrs = append(dayErrs, DayError{Date: date, Err: err})
				return
			}
			games = append(games, dayGames...)
		}

		// pool submission can fail when the pool is released during
		// shutdown; run inline rather than dropping the day
		if f.pool == nil || f.pool.Submit(task) != nil {
			fallback = true
			task()
		}
	}

	wg.Wait()

	if fallback {
		logger.Debug("{schedule - FetchRange} Worker pool unavailable, some days fetched inline")
	}

	sort.SliceStable(games, func(i, j int) bool {
		if games[i].Start.Equal(games[j].Start) {
			return games[i].ID < games[j].ID
		}
		return games[i].Start.Before(games[j].Start)
	})

	sort.SliceStable(dayErrs, func(i, j int) bool {
		return dayErrs[i].Date.Before(dayErrs[j].Date)
	})

	if len(games) == 0 && len(dayErrs) == days && days > 0 {
		return nil, dayErrs, fmt.Errorf("all %d day(s) failed: %w", days, dayErrs[0].Err)
	}

	logger.Debug("{schedule - FetchRange} Fetched %d games (%d day(s) failed)", len(games), len(dayErrs))
	return games, dayErrs, nil
}

// truncateDay drops the time-of-day component, keeping the location.
func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
