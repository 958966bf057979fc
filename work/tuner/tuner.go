package tuner

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"lazytuner/work/buffer"
	"lazytuner/work/cache"
	"lazytuner/work/client"
	"lazytuner/work/config"
	"lazytuner/work/lineup"
	"lazytuner/work/logger"
	"lazytuner/work/resolver"
	"lazytuner/work/types"
)

// Server emulates an HDHomeRun network tuner in front of the resolved
// schedule: discovery, channel lineup, XMLTV guide, and per-channel
// stream relays. DVR software (Plex, Jellyfin, Emby) talks to it exactly
// as it would to the real hardware.
type Server struct {
	cfg      *config.Config
	lineup   *lineup.Manager
	resolver *resolver.Resolver
	stream   *client.HeaderSettingClient
	buffers  *buffer.Pool
	docs     *cache.Documents
	slots    chan struct{}
	started  time.Time
}

// New creates the tuner server. docs caches rendered guide/playlist
// documents between schedule refreshes.
func New(cfg *config.Config, lm *lineup.Manager, res *resolver.Resolver, streamClient *client.HeaderSettingClient, docs *cache.Documents) *Server {
	// the concurrency cap must match the TunerCount discovery
	// advertises, or DVRs will schedule recordings that get rejected
	tuners := cfg.TunerCount
	if tuners <= 0 {
		tuners = 4
	}

	return &Server{
		cfg:      cfg,
		lineup:   lm,
		resolver: res,
		stream:   streamClient,
		buffers:  buffer.NewPool(int64(cfg.RelayBufferKB) * 1024),
		docs:     docs,
		slots:    make(chan struct{}, tuners),
		started:  time.Now(),
	}
}

// discoverResponse is the device description HDHomeRun clients fetch
// first.
type discoverResponse struct {
	FriendlyName    string `json:"FriendlyName"`
	ModelNumber     string `json:"ModelNumber"`
	FirmwareName    string `json:"FirmwareName"`
	FirmwareVersion string `json:"FirmwareVersion"`
	DeviceID        string `json:"DeviceID"`
	DeviceAuth      string `json:"DeviceAuth"`
	BaseURL         string `json:"BaseURL"`
	LineupURL       string `json:"LineupURL"`
	TunerCount      int    `json:"TunerCount"`
}

// lineupStatusResponse reports a completed "scan" so DVRs move straight
// to fetching the lineup.
type lineupStatusResponse struct {
	ScanInProgress int      `json:"ScanInProgress"`
	ScanPossible   int      `json:"ScanPossible"`
	Source         string   `json:"Source"`
	SourceList     []string `json:"SourceList"`
}

// HandleDiscover serves /discover.json.
func (s *Server) HandleDiscover(w http.ResponseWriter, r *http.Request) {
	base := s.baseURL(r)

	writeJSON(w, http.StatusOK, discoverResponse{
		FriendlyName:    s.cfg.FriendlyName,
		ModelNumber:     s.cfg.ModelName,
		FirmwareName:    s.cfg.FirmwareName,
		FirmwareVersion: s.cfg.FirmwareName,
		DeviceID:        s.cfg.DeviceID,
		DeviceAuth:      s.cfg.DeviceID,
		BaseURL:         base,
		LineupURL:       base + "/lineup.json",
		TunerCount:      s.cfg.TunerCount,
	})

	logger.Debug("{tuner - HandleDiscover} Discovery request from %s", r.RemoteAddr)
}

// HandleLineup serves /lineup.json, the current channel list.
func (s *Server) HandleLineup(w http.ResponseWriter, r *http.Request) {
	entries := s.lineup.Entries()
	if entries == nil {
		entries = []types.LineupEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleLineupStatus serves /lineup_status.json.
func (s *Server) HandleLineupStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, lineupStatusResponse{
		ScanInProgress: 0,
		ScanPossible:   1,
		Source:         "Antenna",
		SourceList:     []string{"Antenna"},
	})
}

// HandleLineupPost serves POST /lineup.json, which DVRs use to trigger a
// channel scan. The lineup is always current, so the scan is a no-op.
func (s *Server) HandleLineupPost(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("scan") == "start" {
		logger.Info("{tuner - HandleLineupPost} Channel scan requested by %s (lineup already current)", r.RemoteAddr)
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusResponse is the human-facing health summary on /status.
type statusResponse struct {
	Uptime   string `json:"uptime"`
	Channels int    `json:"channels"`
	LogLevel string `json:"logLevel"`
	League   string `json:"league"`
}

// HandleStatus serves /status.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Channels: s.lineup.Len(),
		LogLevel: logger.Level(),
		League:   s.cfg.Provider.League,
	})
}

// baseURL prefers the configured advertised URL, falling back to the
// host the request arrived on.
func (s *Server) baseURL(r *http.Request) string {
	if s.cfg.BaseURL != "" {
		return s.cfg.BaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("{tuner - writeJSON} Encode failed: %v", err)
	}
}

// errorResponse is the body of every non-2xx answer from the stream
// endpoint, so clients can distinguish retryable conditions.
type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
}

// writeResolveError maps the resolver's error taxonomy onto HTTP.
// Transient conditions answer 503 with a Retry-After so DVRs back off
// and retry; terminal ones answer 4xx so they stop.
func writeResolveError(w http.ResponseWriter, game *types.Game, leadTime time.Duration, err error) {
	kind := types.ErrorKind(err)

	var status int
	switch kind {
	case "not_yet_available":
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter(game, leadTime)))
	case "geo_restricted":
		status = http.StatusForbidden
	case "auth_failed":
		status = http.StatusUnauthorized
	case "provider_schema", "provider_unavailable":
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "30")
	default:
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, errorResponse{
		Error:     err.Error(),
		Kind:      kind,
		Retryable: types.Retryable(err),
	})
}

// retryAfter suggests when a not-yet-available feed is worth retrying:
// at the opening of its resolvable window, or shortly for games already
// inside it.
func retryAfter(game *types.Game, leadTime time.Duration) int {
	if game == nil {
		return 30
	}
	until := time.Until(game.Start.Add(-leadTime))
	if until < 30*time.Second {
		return 30
	}
	return int(until.Seconds())
}
