package schedule

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lazytuner/work/client"
	"lazytuner/work/config"
	"lazytuner/work/provider"
)

// scheduleServer answers /schedule per-date: dates in fail return 500,
// everything else returns one game whose gamePk is derived from the day.
func scheduleServer(t *testing.T, fail map[string]bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		date := r.URL.Query().Get("date")
		if fail[date] {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		day, err := time.Parse("2006-01-02", date)
		require.NoError(t, err)

		fmt.Fprintf(w, `{
			"dates": [{"date": %q, "games": [{
				"gamePk": %d,
				"gameDate": %q,
				"teams": {
					"home": {"team": {"name": "Home %s"}},
					"away": {"team": {"name": "Away %s"}}
				},
				"content": {"media": {"epg": [
					{"title": "NHLTV", "items": [{"mediaFeedType": "HOME", "mediaPlaybackId": "m-%s"}]}
				]}}
			}]}]
		}`, date, 2026000000+day.YearDay(), day.Format(time.RFC3339), date, date, date)
	}))
}

func newFetcher(t *testing.T, srvURL string, withPool bool) *Fetcher {
	t.Helper()

	cfg := config.Default()
	cfg.Provider.APIBase = srvURL
	cfg.Provider.RateLimit = 100
	cfg.FetchTimeout = 5 * time.Second

	var pool *ants.Pool
	if withPool {
		var err error
		pool, err = ants.NewPool(4)
		require.NoError(t, err)
		t.Cleanup(pool.Release)
	}

	return New(provider.New(cfg, client.NewAPIClient(cfg)), pool)
}

func TestFetchRangeMergesAndSorts(t *testing.T) {
	srv := scheduleServer(t, nil)
	defer srv.Close()

	f := newFetcher(t, srv.URL, true)

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 2)

	games, dayErrs, err := f.FetchRange(context.Background(), from, to)
	require.NoError(t, err)
	assert.Empty(t, dayErrs)
	require.Len(t, games, 3)

	for i := 1; i < len(games); i++ {
		assert.False(t, games[i].Start.Before(games[i-1].Start), "games must be sorted by start")
	}
}

func TestFetchRangePartialFailure(t *testing.T) {
	srv := scheduleServer(t, map[string]bool{"2026-03-02": true})
	defer srv.Close()

	f := newFetcher(t, srv.URL, true)

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 2)

	games, dayErrs, err := f.FetchRange(context.Background(), from, to)
	require.NoError(t, err, "one failed day must not fail the whole range")
	assert.Len(t, games, 2)
	require.Len(t, dayErrs, 1)
	assert.Equal(t, "2026-03-02", dayErrs[0].Date.Format("2006-01-02"))
	assert.Contains(t, dayErrs[0].Error(), "2026-03-02")
}

func TestFetchRangeMalformedDayIsReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("date") == "2026-03-02" {
			fmt.Fprint(w, `{"dates": [{"games": [{`)
			return
		}
		fmt.Fprintf(w, `{"dates": [{"games": [{
			"gamePk": 1, "gameDate": "2026-03-01T19:00:00Z",
			"teams": {"home": {"team": {"name": "H"}}, "away": {"team": {"name": "A"}}},
			"content": {"media": {"epg": []}}
		}]}]}`)
	}))
	defer srv.Close()

	f := newFetcher(t, srv.URL, true)

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 2)

	games, dayErrs, err := f.FetchRange(context.Background(), from, to)
	require.NoError(t, err)
	assert.Len(t, games, 2, "well-formed days still come back")
	require.Len(t, dayErrs, 1)
	assert.Equal(t, "2026-03-02", dayErrs[0].Date.Format("2006-01-02"))
}

func TestFetchRangeAllDaysFailed(t *testing.T) {
	srv := scheduleServer(t, map[string]bool{
		"2026-03-01": true,
		"2026-03-02": true,
	})
	defer srv.Close()

	f := newFetcher(t, srv.URL, true)

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)

	games, dayErrs, err := f.FetchRange(context.Background(), from, to)
	require.Error(t, err)
	assert.Empty(t, games)
	assert.Len(t, dayErrs, 2)
}

func TestFetchRangeWithoutPool(t *testing.T) {
	srv := scheduleServer(t, nil)
	defer srv.Close()

	f := newFetcher(t, srv.URL, false)

	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	games, dayErrs, err := f.FetchRange(context.Background(), day, day)
	require.NoError(t, err)
	assert.Empty(t, dayErrs)
	assert.Len(t, games, 1)
}

func TestFetchRangeSwapsReversedBounds(t *testing.T) {
	srv := scheduleServer(t, nil)
	defer srv.Close()

	f := newFetcher(t, srv.URL, true)

	from := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	games, _, err := f.FetchRange(context.Background(), from, to)
	require.NoError(t, err)
	assert.Len(t, games, 3)
}
