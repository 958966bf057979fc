package tuner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lazytuner/work/cache"
	"lazytuner/work/client"
	"lazytuner/work/config"
	"lazytuner/work/lineup"
	"lazytuner/work/provider"
	"lazytuner/work/resolver"
	"lazytuner/work/types"
)

const masterPlaylist = `#EXTM3U
#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=1000000,RESOLUTION=640x360
low/index.m3u8
#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=6000000,RESOLUTION=1920x1080
high/index.m3u8
`

// harness wires a full tuner stack against an emulated HLS origin:
// manifest negotiation, master playlist, media playlist, and transport
// stream segments. The media playlist carries an ENDLIST marker unless a
// test flips live on to keep the relay polling.
type harness struct {
	tuner        *httptest.Server
	upstream     *httptest.Server
	cfg          *config.Config
	lineup       *lineup.Manager
	negotiations atomic.Int64
	segments     []string
	live         atomic.Bool
}

// mediaBytes is what a client relaying the whole stream must receive:
// the segment payloads, in playlist order, nothing else.
func (h *harness) mediaBytes() string {
	return strings.Join(h.segments, "")
}

func newHarness(t *testing.T, games []types.Game, opts ...func(*config.Config)) *harness {
	t.Helper()

	h := &harness{segments: []string{
		"TS-SEGMENT-0-xxxxxxxxxxxxxxxx",
		"TS-SEGMENT-1-yyyyyyyyyyyyyyyy",
	}}

	upstreamMux := http.NewServeMux()
	upstreamMux.HandleFunc("/getM3U8.php", func(w http.ResponseWriter, r *http.Request) {
		h.negotiations.Add(1)
		fmt.Fprintf(w, "%s/hls/master.m3u8?exp=%d", h.upstream.URL, time.Now().Add(time.Hour).Unix())
	})
	upstreamMux.HandleFunc("/hls/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, masterPlaylist)
	})
	upstreamMux.HandleFunc("/hls/high/", func(w http.ResponseWriter, r *http.Request) {
		name := path.Base(r.URL.Path)
		if name == "index.m3u8" {
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			fmt.Fprint(w, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n#EXT-X-MEDIA-SEQUENCE:0\n")
			for i := range h.segments {
				fmt.Fprintf(w, "#EXTINF:4.0,\nseg_%04d.ts\n", i)
			}
			if !h.live.Load() {
				fmt.Fprint(w, "#EXT-X-ENDLIST\n")
			}
			return
		}

		var i int
		if _, err := fmt.Sscanf(name, "seg_%04d.ts", &i); err != nil || i >= len(h.segments) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "video/mp2t")
		fmt.Fprint(w, h.segments[i])
	})
	h.upstream = httptest.NewServer(upstreamMux)
	t.Cleanup(h.upstream.Close)

	cfg := config.Default()
	cfg.BaseURL = "http://tuner.test"
	cfg.Provider.MediaBase = h.upstream.URL
	cfg.Provider.RateLimit = 100
	cfg.FetchTimeout = 5 * time.Second
	cfg.Quality = "highest"
	cfg.ResolveLeadTime = 30 * time.Minute
	for _, opt := range opts {
		opt(cfg)
	}
	h.cfg = cfg

	lm, err := lineup.New(cfg)
	require.NoError(t, err)
	lm.Rebuild(games)
	h.lineup = lm

	streams := cache.NewStore[*types.ResolvedStream]()
	p := provider.New(cfg, client.NewAPIClient(cfg))
	res := resolver.New(cfg, p, streams, nil)

	docs := cache.NewDocuments(time.Hour)
	t.Cleanup(docs.Close)

	srv := New(cfg, lm, res, client.NewStreamClient(cfg), docs)

	router := mux.NewRouter()
	router.HandleFunc("/discover.json", srv.HandleDiscover).Methods("GET")
	router.HandleFunc("/lineup.json", srv.HandleLineup).Methods("GET")
	router.HandleFunc("/lineup.json", srv.HandleLineupPost).Methods("POST")
	router.HandleFunc("/lineup_status.json", srv.HandleLineupStatus).Methods("GET")
	router.HandleFunc("/guide.xml", srv.HandleGuide).Methods("GET")
	router.HandleFunc("/playlist.m3u", srv.HandlePlaylist).Methods("GET")
	router.HandleFunc("/stream/{channel}", srv.HandleStream).Methods("GET")
	router.HandleFunc("/status", srv.HandleStatus).Methods("GET")

	h.tuner = httptest.NewServer(router)
	t.Cleanup(h.tuner.Close)

	return h
}

func liveGames() []types.Game {
	return []types.Game{{
		ID:          "nhl-2026010001",
		GamePk:      2026010001,
		League:      "nhl",
		Start:       time.Now().Add(-10 * time.Minute),
		Home:        types.Team{Name: "Bruins"},
		Away:        types.Team{Name: "Red Wings"},
		Description: "Red Wings at Bruins",
		IconURL:     "http://img.example.com/game.jpg",
		Feeds: []types.FeedVariant{
			{Tag: "AWAY", MediaID: "m-2"},
			{Tag: "HOME", MediaID: "m-1", CallSign: "NESN"},
		},
	}}
}

func getJSON(t *testing.T, url string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp
}

func TestDiscover(t *testing.T) {
	h := newHarness(t, liveGames())

	var d discoverResponse
	resp := getJSON(t, h.tuner.URL+"/discover.json", &d)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, h.cfg.DeviceID, d.DeviceID)
	assert.Equal(t, h.cfg.ModelName, d.ModelNumber)
	assert.Equal(t, h.cfg.TunerCount, d.TunerCount)
	assert.Equal(t, "http://tuner.test", d.BaseURL)
	assert.Equal(t, "http://tuner.test/lineup.json", d.LineupURL)
}

func TestLineup(t *testing.T) {
	h := newHarness(t, liveGames())

	var entries []types.LineupEntry
	getJSON(t, h.tuner.URL+"/lineup.json", &entries)

	require.Len(t, entries, 2)
	assert.Equal(t, "1000", entries[0].GuideNumber)
	assert.Contains(t, entries[0].GuideName, "Red Wings @ Bruins")
	assert.Contains(t, entries[0].URL, "http://tuner.test/stream/")
}

func TestLineupEmptySchedule(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := http.Get(h.tuner.URL + "/lineup.json")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "[]", strings.TrimSpace(string(body)), "empty lineup must be an array, not null")
}

func TestLineupStatusAndScan(t *testing.T) {
	h := newHarness(t, liveGames())

	var status lineupStatusResponse
	getJSON(t, h.tuner.URL+"/lineup_status.json", &status)
	assert.Equal(t, 0, status.ScanInProgress)
	assert.Equal(t, 1, status.ScanPossible)

	resp, err := http.Post(h.tuner.URL+"/lineup.json?scan=start", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestGuide(t *testing.T) {
	h := newHarness(t, liveGames())

	resp, err := http.Get(h.tuner.URL + "/guide.xml")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	doc := string(body)

	assert.Contains(t, resp.Header.Get("Content-Type"), "application/xml")
	assert.Contains(t, doc, "<tv ")
	assert.Contains(t, doc, "Red Wings @ Bruins")
	assert.Contains(t, doc, `<desc lang="en">Red Wings at Bruins</desc>`)
	assert.Contains(t, doc, `icon src="http://img.example.com/game.jpg"`)
	// two channels, two programmes
	assert.Equal(t, 2, strings.Count(doc, "<channel id="))
	assert.Equal(t, 2, strings.Count(doc, "<programme "))
}

func TestGuideEscapesMarkup(t *testing.T) {
	games := liveGames()
	games[0].Home.Name = `Bad & "Worse" <Team>`
	h := newHarness(t, games)

	resp, err := http.Get(h.tuner.URL + "/guide.xml")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.NotContains(t, string(body), "<Team>")
	assert.Contains(t, string(body), "Bad &amp; &quot;Worse&quot; &lt;Team&gt;")
}

func TestPlaylist(t *testing.T) {
	h := newHarness(t, liveGames())

	resp, err := http.Get(h.tuner.URL + "/playlist.m3u")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	doc := string(body)

	assert.True(t, strings.HasPrefix(doc, "#EXTM3U"))
	assert.Contains(t, doc, "guide.xml")
	assert.Equal(t, 2, strings.Count(doc, "#EXTINF"))
	assert.Contains(t, doc, `group-title="NHL"`)
}

func TestStreamRelay(t *testing.T) {
	h := newHarness(t, liveGames())

	slug := h.lineup.Entries()[0].Slug
	resp, err := http.Get(h.tuner.URL + "/stream/" + slug)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, h.mediaBytes(), string(body), "client receives segment payloads in playlist order")
	assert.Equal(t, "video/mp2t", resp.Header.Get("Content-Type"))
	assert.Equal(t, int64(1), h.negotiations.Load())
}

func TestStreamDeliversMediaNotPlaylist(t *testing.T) {
	h := newHarness(t, liveGames())

	slug := h.lineup.Entries()[0].Slug
	resp, err := http.Get(h.tuner.URL + "/stream/" + slug)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.NotContains(t, string(body), "#EXTM3U", "playlist documents stay inside the daemon")
	assert.NotContains(t, string(body), ".ts", "upstream segment URLs are never exposed")
}

func TestStreamFollowsAdaptiveMaster(t *testing.T) {
	h := newHarness(t, liveGames(), func(cfg *config.Config) {
		cfg.Quality = "adaptive"
	})

	slug := h.lineup.Entries()[0].Slug
	resp, err := http.Get(h.tuner.URL + "/stream/" + slug)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, h.mediaBytes(), string(body),
		"a master-playlist resolution still yields media bytes via its top variant")
}

func TestStreamSecondClientReusesResolution(t *testing.T) {
	h := newHarness(t, liveGames())
	slug := h.lineup.Entries()[0].Slug

	for i := 0; i < 2; i++ {
		resp, err := http.Get(h.tuner.URL + "/stream/" + slug)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, h.mediaBytes(), string(body))
	}

	assert.Equal(t, int64(1), h.negotiations.Load(),
		"a finished relay must not evict the cached resolution")
}

func TestStreamMidRelayDisconnect(t *testing.T) {
	h := newHarness(t, liveGames())
	h.live.Store(true)
	slug := h.lineup.Entries()[0].Slug

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.tuner.URL+"/stream/"+slug, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// consume part of the stream, then hang up mid-relay
	buf := make([]byte, 8)
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	cancel()
	resp.Body.Close()

	// the origin's stream ends so the next relay terminates
	h.live.Store(false)

	resp2, err := http.Get(h.tuner.URL + "/stream/" + slug)
	require.NoError(t, err)
	defer resp2.Body.Close()

	require.Equal(t, http.StatusOK, resp2.StatusCode)
	body, _ := io.ReadAll(resp2.Body)
	assert.Equal(t, h.mediaBytes(), string(body), "a later client streams normally after the disconnect")
	assert.Equal(t, int64(1), h.negotiations.Load(),
		"aborting one client's relay must not evict the cached resolution")
}

func TestStreamAllTunersBusy(t *testing.T) {
	h := newHarness(t, liveGames(), func(cfg *config.Config) {
		cfg.TunerCount = 1
	})
	h.live.Store(true)
	slug := h.lineup.Entries()[0].Slug

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.tuner.URL+"/stream/"+slug, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// first byte received means the only tuner slot is held
	buf := make([]byte, 1)
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)

	resp2, err := http.Get(h.tuner.URL + "/stream/" + slug)
	require.NoError(t, err)
	defer resp2.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
	assert.NotEmpty(t, resp2.Header.Get("Retry-After"))

	var e errorResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&e))
	assert.True(t, e.Retryable)
}

func TestDiscoverAdvertisesEnforcedTunerCount(t *testing.T) {
	h := newHarness(t, liveGames(), func(cfg *config.Config) {
		cfg.TunerCount = 2
	})
	h.live.Store(true)
	slug := h.lineup.Entries()[0].Slug

	var d discoverResponse
	getJSON(t, h.tuner.URL+"/discover.json", &d)
	require.Equal(t, 2, d.TunerCount)

	// the advertised count must be exactly how many concurrent streams
	// the daemon accepts
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < d.TunerCount; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.tuner.URL+"/stream/"+slug, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		buf := make([]byte, 1)
		_, err = io.ReadFull(resp.Body, buf)
		require.NoError(t, err)
	}

	resp, err := http.Get(h.tuner.URL + "/stream/" + slug)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStreamUnknownChannel(t *testing.T) {
	h := newHarness(t, liveGames())

	resp, err := http.Get(h.tuner.URL + "/stream/no_such_channel")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var e errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	assert.Equal(t, "unknown_channel", e.Kind)
}

func TestStreamNotYetAvailable(t *testing.T) {
	games := liveGames()
	games[0].Start = time.Now().Add(3 * time.Hour)
	h := newHarness(t, games)

	slug := h.lineup.Entries()[0].Slug
	resp, err := http.Get(h.tuner.URL + "/stream/" + slug)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	var e errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	assert.Equal(t, "not_yet_available", e.Kind)
	assert.True(t, e.Retryable)
	assert.Equal(t, int64(0), h.negotiations.Load())
}

func TestStatus(t *testing.T) {
	h := newHarness(t, liveGames())

	var s statusResponse
	resp := getJSON(t, h.tuner.URL+"/status", &s)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, s.Channels)
	assert.Equal(t, "nhl", s.League)
}

func TestRetryAfter(t *testing.T) {
	game := &types.Game{Start: time.Now().Add(2 * time.Hour)}
	secs := retryAfter(game, 30*time.Minute)
	assert.InDelta(t, (90 * time.Minute).Seconds(), float64(secs), 5)

	// already inside the window
	live := &types.Game{Start: time.Now()}
	assert.Equal(t, 30, retryAfter(live, 30*time.Minute))

	assert.Equal(t, 30, retryAfter(nil, time.Minute))
}
