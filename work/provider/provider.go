package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/ratelimit"

	"lazytuner/work/client"
	"lazytuner/work/config"
	"lazytuner/work/logger"
	"lazytuner/work/types"
	"lazytuner/work/utils"
)

// Client talks to the upstream live-event platform: the stats API for
// schedules and the media API for stream manifests. All requests go
// through a shared rate limiter so a burst of DVR traffic can't storm
// the provider. The only mutable state is the short-lived session key,
// which is refreshed under its own single-flight discipline (see
// session.go).
type Client struct {
	cfg     *config.Config
	http    *client.HeaderSettingClient
	limiter ratelimit.Limiter
	session sessionState
}

// New creates a provider client using the API-timeout HTTP client.
func New(cfg *config.Config, httpClient *client.HeaderSettingClient) *Client {
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: ratelimit.New(cfg.Provider.RateLimit),
	}
}

// schedule API response shapes. Only the fields we consume are declared;
// the provider sends far more.

type scheduleResponse struct {
	Dates []struct {
		Date  string         `json:"date"`
		Games []scheduleGame `json:"games"`
	} `json:"dates"`
}

type scheduleGame struct {
	GamePk   int64     `json:"gamePk"`
	GameDate time.Time `json:"gameDate"`
	Teams    struct {
		Home scheduleSide `json:"home"`
		Away scheduleSide `json:"away"`
	} `json:"teams"`
	Content struct {
		Media struct {
			Epg []epgEntry `json:"epg"`
		} `json:"media"`
		Photo struct {
			Cuts map[string]photoCut `json:"cuts"`
		} `json:"photo"`
	} `json:"content"`
}

type scheduleSide struct {
	Team struct {
		Name         string `json:"name"`
		Abbreviation string `json:"abbreviation"`
	} `json:"team"`
}

type epgEntry struct {
	Title string    `json:"title"`
	Items []epgItem `json:"items"`
}

type epgItem struct {
	ID              int64  `json:"id"`
	MediaFeedType   string `json:"mediaFeedType"`
	MediaPlaybackID string `json:"mediaPlaybackId"`
	CallLetters     string `json:"callLetters"`
	Language        string `json:"language"`
}

type photoCut struct {
	Src    string `json:"src"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// tvEntryTitles are the epg entry titles that carry actual game feeds;
// everything else (highlights, recaps, audio) is ignored.
var tvEntryTitles = map[string]bool{
	"NHLTV": true,
	"MLBTV": true,
}

// ScheduleForDate fetches the schedule for one calendar day and maps it
// into Game values. The internal game identity is derived from the
// provider game key, so re-fetching an unchanged day yields identical
// IDs.
func (c *Client) ScheduleForDate(ctx context.Context, date time.Time) ([]types.Game, error) {
	day := date.Format("2006-01-02")
	endpoint := fmt.Sprintf(
		"%s/schedule?date=%s&expand=schedule.teams,schedule.game.content.media.epg",
		c.cfg.Provider.APIBase, day,
	)

	logger.Debug("{provider - ScheduleForDate} Fetching schedule for %s", day)

	body, err := c.getJSON(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var resp scheduleResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("schedule for %s: %w: %v", day, types.ErrProviderSchema, err)
	}

	var games []types.Game
	for _, d := range resp.Dates {
		for _, sg := range d.Games {
			if sg.GamePk == 0 {
				return nil, fmt.Errorf("schedule for %s: %w: game without gamePk", day, types.ErrProviderSchema)
			}
			games = append(games, c.mapGame(sg))
		}
	}

	logger.Debug("{provider - ScheduleForDate} %s: %d games", day, len(games))
	return games, nil
}

// mapGame converts one provider schedule entry into the internal Game
// shape, collecting feed variants from the TV epg entries.
func (c *Client) mapGame(sg scheduleGame) types.Game {
	game := types.Game{
		ID:     types.GameID(c.cfg.Provider.League, sg.GamePk),
		GamePk: sg.GamePk,
		League: c.cfg.Provider.League,
		Start:  sg.GameDate,
	}
	game.Home.Name = sg.Teams.Home.Team.Name
	game.Home.Abbreviation = sg.Teams.Home.Team.Abbreviation
	game.Away.Name = sg.Teams.Away.Team.Name
	game.Away.Abbreviation = sg.Teams.Away.Team.Abbreviation
	game.Description = fmt.Sprintf("%s at %s", game.Away.Name, game.Home.Name)

	for _, epg := range sg.Content.Media.Epg {
		if !tvEntryTitles[epg.Title] {
			continue
		}
		for _, item := range epg.Items {
			if item.MediaFeedType == "" {
				continue
			}
			// NHL identifies feeds by playback id, MLB by numeric id
			mediaID := item.MediaPlaybackID
			if mediaID == "" && item.ID != 0 {
				mediaID = strconv.FormatInt(item.ID, 10)
			}
			if mediaID == "" {
				continue
			}
			game.Feeds = append(game.Feeds, types.FeedVariant{
				Tag:      item.MediaFeedType,
				MediaID:  mediaID,
				CallSign: item.CallLetters,
				Language: item.Language,
			})
		}
	}

	// largest available photo cut becomes the guide icon
	best := 0
	for _, cut := range sg.Content.Photo.Cuts {
		if cut.Width > best && cut.Src != "" {
			best = cut.Width
			game.IconURL = cut.Src
		}
	}

	return game
}

// MasterURL negotiates the stream manifest reference for one feed of a
// game. The media API answers with the master playlist URL in the body;
// token expiry is read from the URL's expire parameter or the
// X-Token-Expires header when present (zero time when the provider
// declares none).
func (c *Client) MasterURL(ctx context.Context, game *types.Game, feed types.FeedVariant) (string, time.Time, error) {
	key, err := c.SessionKey(ctx)
	if err != nil {
		return "", time.Time{}, err
	}

	endpoint := fmt.Sprintf(
		"%s/getM3U8.php?league=%s&date=%s&id=%s&cdn=%s",
		c.cfg.Provider.MediaBase,
		c.cfg.Provider.League,
		game.Start.Format("2006-01-02"),
		url.QueryEscape(feed.MediaID),
		c.cfg.Provider.CDN,
	)
	if key != "" {
		endpoint += "&session=" + url.QueryEscape(key)
	}

	logger.Debug("{provider - MasterURL} Negotiating manifest for %s/%s", game.ID, feed.Tag)

	c.limiter.Take()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", types.ErrProviderUnavailable, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("manifest for %s/%s: %w: %v", game.ID, feed.Tag, types.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("manifest for %s/%s: %w: %v", game.ID, feed.Tag, types.ErrProviderUnavailable, err)
	}

	if err := mediaStatusError(resp.StatusCode, string(body)); err != nil {
		return "", time.Time{}, fmt.Errorf("manifest for %s/%s: %w", game.ID, feed.Tag, err)
	}

	manifest := strings.TrimSpace(string(body))
	if !strings.HasPrefix(manifest, "http://") && !strings.HasPrefix(manifest, "https://") {
		// media not published yet comes back as a plain message body
		if looksUnready(manifest) {
			return "", time.Time{}, fmt.Errorf("manifest for %s/%s: %w", game.ID, feed.Tag, types.ErrNotYetAvailable)
		}
		return "", time.Time{}, fmt.Errorf("manifest for %s/%s: %w: non-URL body", game.ID, feed.Tag, types.ErrProviderSchema)
	}

	expiry := tokenExpiry(manifest, resp.Header.Get("X-Token-Expires"))

	logger.Debug("{provider - MasterURL} Resolved manifest for %s/%s: %s",
		game.ID, feed.Tag, utils.LogURL(c.cfg.ObfuscateUrls, manifest))

	return manifest, expiry, nil
}

// FetchManifest downloads a playlist body (master or media) for variant
// selection.
func (c *Client) FetchManifest(ctx context.Context, manifestURL string) (string, error) {
	c.limiter.Take()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrProviderUnavailable, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch manifest: %w: %v", types.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if err := mediaStatusError(resp.StatusCode, ""); err != nil {
			return "", fmt.Errorf("fetch manifest: %w", err)
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("fetch manifest: %w: %v", types.ErrProviderUnavailable, err)
	}

	return string(body), nil
}

// getJSON performs a rate-limited GET against the stats API and returns
// the raw body, mapping transport and status failures to the error
// taxonomy.
func (c *Client) getJSON(ctx context.Context, endpoint string) ([]byte, error) {
	c.limiter.Take()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrProviderUnavailable, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", types.ErrAuthFailed, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: status %d", types.ErrProviderUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrProviderUnavailable, err)
	}

	return body, nil
}

// mediaStatusError maps a media API status code (plus body hints) onto
// the failure taxonomy. nil means the status is fine.
func mediaStatusError(status int, body string) error {
	lower := strings.ToLower(body)
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusForbidden && strings.Contains(lower, "geo"):
		return types.ErrGeoRestricted
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		return types.ErrAuthFailed
	case status == http.StatusNotFound:
		return types.ErrNotYetAvailable
	default:
		return fmt.Errorf("%w: status %d", types.ErrProviderUnavailable, status)
	}
}

// looksUnready recognizes the media API's plain-text "come back later"
// bodies.
func looksUnready(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "not available") ||
		strings.Contains(lower, "no streams") ||
		strings.Contains(lower, "not started")
}

// tokenExpiry extracts the provider-declared token expiry from a
// manifest URL's query parameters or the expiry header. Returns the zero
// time when the provider declares none.
func tokenExpiry(manifestURL, header string) time.Time {
	if header != "" {
		if ts, err := strconv.ParseInt(header, 10, 64); err == nil && ts > 0 {
			return time.Unix(ts, 0)
		}
	}

	u, err := url.Parse(manifestURL)
	if err != nil {
		return time.Time{}
	}
	q := u.Query()
	for _, param := range []string{"exp", "expire", "expires"} {
		if v := q.Get(param); v != "" {
			if ts, err := strconv.ParseInt(v, 10, 64); err == nil && ts > 0 {
				return time.Unix(ts, 0)
			}
		}
	}
	return time.Time{}
}
