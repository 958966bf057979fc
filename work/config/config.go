package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// DefaultPath is where the daemon looks for its configuration file.
const DefaultPath = "/settings/config.json"

// Config holds all runtime configuration for the tuner daemon: the HTTP
// listener, the upstream provider connection, resolution behavior, cache
// lifetimes, and the emulated device identity.
type Config struct {
	ListenPort          int           `json:"listenPort"`          // TCP port for the tuner HTTP server
	BaseURL             string        `json:"baseURL"`             // Externally reachable base URL advertised to DVR clients
	LogLevel            string        `json:"logLevel"`            // Log threshold: DEBUG, INFO, WARN, ERROR
	ObfuscateUrls       bool          `json:"obfuscateUrls"`       // Mask tokened URLs in log output
	Provider            Provider      `json:"provider"`            // Upstream schedule/stream provider settings
	Quality             string        `json:"quality"`             // Variant selection strategy: highest, lowest, medium, 720p
	ScheduleDaysBehind  int           `json:"scheduleDaysBehind"`  // Days before today included in the schedule window
	ScheduleDaysAhead   int           `json:"scheduleDaysAhead"`   // Days after today included in the schedule window
	RefreshInterval     time.Duration `json:"refreshInterval"`     // Background schedule refresh cadence
	CacheTTL            time.Duration `json:"cacheTTL"`            // TTL for cached schedule entries
	ResolveTTLCeiling   time.Duration `json:"resolveTTLCeiling"`   // Upper bound on how long a resolved stream is trusted
	ResolveLeadTime     time.Duration `json:"resolveLeadTime"`     // How far before start a feed becomes resolvable
	FetchTimeout        time.Duration `json:"fetchTimeout"`        // Per-request timeout for provider API calls
	StreamTimeout       time.Duration `json:"streamTimeout"`       // Response-header timeout for media relay connections
	TunerCount          int           `json:"tunerCount"`          // Concurrent stream slots advertised in discovery
	StartChannel        int           `json:"startChannel"`        // First guide number assigned to lineup entries
	DeviceID            string        `json:"deviceID"`            // Emulated device identifier
	FriendlyName        string        `json:"friendlyName"`        // Emulated device friendly name
	ModelName           string        `json:"modelName"`           // Emulated device model string
	FirmwareName        string        `json:"firmwareName"`        // Emulated device firmware string
	FeedIncludeRegex    string        `json:"feedIncludeRegex"`    // Only feeds matching this pattern become channels (empty = all)
	FeedExcludeRegex    string        `json:"feedExcludeRegex"`    // Feeds matching this pattern are dropped from the lineup
	WorkerThreads       int           `json:"workerThreads"`       // Size of the shared background worker pool
	RelayBufferKB       int64         `json:"relayBufferKB"`       // Relay copy buffer size in KB
	DatabasePath        string        `json:"databasePath"`        // SQLite path for the blocked-feeds store
}

// Provider describes the upstream live-event platform. The exact wire
// format is provider-defined, so every endpoint is configurable rather
// than hard-coded.
type Provider struct {
	League      string `json:"league"`      // league slug passed to the stream API (nhl, mlb)
	APIBase     string `json:"apiBase"`     // schedule/stats API base URL
	MediaBase   string `json:"mediaBase"`   // stream-manifest API base URL
	CDN         string `json:"cdn"`         // preferred CDN identifier (akc, l3c)
	Username    string `json:"username"`    // provider account user, empty for anonymous access
	Password    string `json:"password"`    // provider account password
	UserAgent   string `json:"userAgent"`   // User-Agent presented upstream
	ReqOrigin   string `json:"reqOrigin"`   // optional Origin header
	ReqReferrer string `json:"reqReferrer"` // optional Referer header
	RateLimit   int    `json:"rateLimit"`   // max provider requests per second
}

// ConfigFile mirrors Config for JSON marshaling, with durations held as
// strings (e.g. "30m") and parsed on load.
type ConfigFile struct {
	ListenPort          int      `json:"listenPort"`
	BaseURL             string   `json:"baseURL"`
	LogLevel            string   `json:"logLevel"`
	ObfuscateUrls       bool     `json:"obfuscateUrls"`
	Provider            Provider `json:"provider"`
	Quality             string   `json:"quality"`
	ScheduleDaysBehind  int      `json:"scheduleDaysBehind"`
	ScheduleDaysAhead   int      `json:"scheduleDaysAhead"`
	RefreshInterval     string   `json:"refreshInterval"`
	CacheTTL            string   `json:"cacheTTL"`
	ResolveTTLCeiling   string   `json:"resolveTTLCeiling"`
	ResolveLeadTime     string   `json:"resolveLeadTime"`
	FetchTimeout        string   `json:"fetchTimeout"`
	StreamTimeout       string   `json:"streamTimeout"`
	TunerCount          int      `json:"tunerCount"`
	StartChannel        int      `json:"startChannel"`
	DeviceID            string   `json:"deviceID"`
	FriendlyName        string   `json:"friendlyName"`
	ModelName           string   `json:"modelName"`
	FirmwareName        string   `json:"firmwareName"`
	FeedIncludeRegex    string   `json:"feedIncludeRegex"`
	FeedExcludeRegex    string   `json:"feedExcludeRegex"`
	WorkerThreads       int      `json:"workerThreads"`
	RelayBufferKB       int64    `json:"relayBufferKB"`
	DatabasePath        string   `json:"databasePath"`
}

var (
	configCache *Config      // cached configuration singleton
	configMutex sync.RWMutex // guards configCache
)

// LoadConfig loads the configuration from DefaultPath or returns the
// cached instance. Falls back to defaults when the file is missing or
// invalid, then validates and fills gaps.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// double-check under the write lock
	if configCache != nil {
		return configCache
	}

	config, err := FromFile(DefaultPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", DefaultPath, err)
		log.Printf("Falling back to default configuration...")
		config = Default()
	}

	validateAndSetDefaults(config)
	configCache = config
	return config
}

// ClearConfigCache resets the cached configuration, forcing a reload on
// the next LoadConfig call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// FromFile reads and parses a configuration file, converting duration
// strings into time.Duration values. The result is not validated; call
// validateAndSetDefaults (via LoadConfig) or Validate yourself.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cf ConfigFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&cf)
}

// convertFromFile converts a ConfigFile to Config, parsing all duration
// strings. An empty duration string takes the zero value and is filled
// by validation later.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		ListenPort:          cf.ListenPort,
		BaseURL:             cf.BaseURL,
		LogLevel:            cf.LogLevel,
		ObfuscateUrls:       cf.ObfuscateUrls,
		Provider:            cf.Provider,
		Quality:             cf.Quality,
		ScheduleDaysBehind:  cf.ScheduleDaysBehind,
		ScheduleDaysAhead:   cf.ScheduleDaysAhead,
		TunerCount:          cf.TunerCount,
		StartChannel:        cf.StartChannel,
		DeviceID:            cf.DeviceID,
		FriendlyName:        cf.FriendlyName,
		ModelName:           cf.ModelName,
		FirmwareName:        cf.FirmwareName,
		FeedIncludeRegex:    cf.FeedIncludeRegex,
		FeedExcludeRegex:    cf.FeedExcludeRegex,
		WorkerThreads:       cf.WorkerThreads,
		RelayBufferKB:       cf.RelayBufferKB,
		DatabasePath:        cf.DatabasePath,
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"refreshInterval", cf.RefreshInterval, &config.RefreshInterval},
		{"cacheTTL", cf.CacheTTL, &config.CacheTTL},
		{"resolveTTLCeiling", cf.ResolveTTLCeiling, &config.ResolveTTLCeiling},
		{"resolveLeadTime", cf.ResolveLeadTime, &config.ResolveLeadTime},
		{"fetchTimeout", cf.FetchTimeout, &config.FetchTimeout},
		{"streamTimeout", cf.StreamTimeout, &config.StreamTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return config, nil
}

// Default returns a baseline configuration with sensible defaults for an
// unattended low-power host.
func Default() *Config {
	return &Config{
		ListenPort:         8080,
		BaseURL:            "http://localhost:8080",
		LogLevel:           "INFO",
		ObfuscateUrls:      false,
		Quality:            "highest",
		ScheduleDaysBehind: 0,
		ScheduleDaysAhead:  1,
		RefreshInterval:    30 * time.Minute,
		CacheTTL:           6 * time.Hour,
		ResolveTTLCeiling:  4 * time.Hour,
		ResolveLeadTime:    30 * time.Minute,
		FetchTimeout:       15 * time.Second,
		StreamTimeout:      30 * time.Second,
		TunerCount:         4,
		StartChannel:       1000,
		DeviceID:           "LAZYTUNER1",
		FriendlyName:       "lazytuner",
		ModelName:          "HDTC-2US",
		FirmwareName:       "hdhomeruntc_atsc",
		WorkerThreads:      8,
		Provider: Provider{
			League:    "nhl",
			APIBase:   "https://statsapi.web.nhle.com/api/v1",
			MediaBase: "http://freegamez.ga",
			CDN:       "akc",
			UserAgent: "VLC/3.0.18 LibVLC/3.0.18",
			RateLimit: 5,
		},
		RelayBufferKB: 64,
		DatabasePath:  "/settings/lazytuner.db",
	}
}

// validateAndSetDefaults ensures all config values are usable, filling
// defaults for missing or invalid ones.
func validateAndSetDefaults(config *Config) {
	def := Default()

	if config.ListenPort <= 0 || config.ListenPort > 65535 {
		config.ListenPort = def.ListenPort
	}
	if config.BaseURL == "" {
		config.BaseURL = fmt.Sprintf("http://localhost:%d", config.ListenPort)
	}
	if config.LogLevel == "" {
		config.LogLevel = def.LogLevel
	}
	if config.Quality == "" {
		config.Quality = def.Quality
	}
	if config.ScheduleDaysBehind < 0 {
		config.ScheduleDaysBehind = 0
	}
	if config.ScheduleDaysAhead <= 0 {
		config.ScheduleDaysAhead = def.ScheduleDaysAhead
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = def.RefreshInterval
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = def.CacheTTL
	}
	if config.ResolveTTLCeiling <= 0 {
		config.ResolveTTLCeiling = def.ResolveTTLCeiling
	}
	if config.ResolveLeadTime <= 0 {
		config.ResolveLeadTime = def.ResolveLeadTime
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = def.FetchTimeout
	}
	if config.StreamTimeout <= 0 {
		config.StreamTimeout = def.StreamTimeout
	}
	if config.TunerCount <= 0 {
		config.TunerCount = def.TunerCount
	}
	if config.StartChannel <= 0 {
		config.StartChannel = def.StartChannel
	}
	if config.DeviceID == "" {
		config.DeviceID = def.DeviceID
	}
	if config.FriendlyName == "" {
		config.FriendlyName = def.FriendlyName
	}
	if config.ModelName == "" {
		config.ModelName = def.ModelName
	}
	if config.FirmwareName == "" {
		config.FirmwareName = def.FirmwareName
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = def.WorkerThreads
	}
	if config.RelayBufferKB <= 0 {
		config.RelayBufferKB = def.RelayBufferKB
	}
	if config.DatabasePath == "" {
		config.DatabasePath = def.DatabasePath
	}

	if config.Provider.League == "" {
		config.Provider.League = def.Provider.League
	}
	if config.Provider.APIBase == "" {
		config.Provider.APIBase = def.Provider.APIBase
	}
	if config.Provider.MediaBase == "" {
		config.Provider.MediaBase = def.Provider.MediaBase
	}
	if config.Provider.CDN == "" {
		config.Provider.CDN = def.Provider.CDN
	}
	if config.Provider.UserAgent == "" {
		config.Provider.UserAgent = def.Provider.UserAgent
	}
	if config.Provider.RateLimit <= 0 {
		config.Provider.RateLimit = def.Provider.RateLimit
	}
}

// Validate exposes the default-filling validation pass for callers that
// construct configs directly (tests, example generation).
func Validate(config *Config) {
	validateAndSetDefaults(config)
}

// CreateExampleConfig writes a fully populated example configuration
// file to the given path.
func CreateExampleConfig(path string) error {
	example := ConfigFile{
		ListenPort:    8080,
		BaseURL:       "http://192.168.1.50:8080",
		LogLevel:      "INFO",
		ObfuscateUrls: true,
		Provider: Provider{
			League:    "nhl",
			APIBase:   "https://statsapi.web.nhle.com/api/v1",
			MediaBase: "http://freegamez.ga",
			CDN:       "akc",
			Username:  "",
			Password:  "",
			UserAgent: "VLC/3.0.18 LibVLC/3.0.18",
			RateLimit: 5,
		},
		Quality:             "highest",
		ScheduleDaysBehind:  0,
		ScheduleDaysAhead:   1,
		RefreshInterval:     "30m",
		CacheTTL:            "6h",
		ResolveTTLCeiling:   "4h",
		ResolveLeadTime:     "30m",
		FetchTimeout:        "15s",
		StreamTimeout:       "30s",
		TunerCount:          4,
		StartChannel:        1000,
		DeviceID:            "LAZYTUNER1",
		FriendlyName:        "lazytuner",
		ModelName:           "HDTC-2US",
		FirmwareName:        "hdhomeruntc_atsc",
		FeedIncludeRegex:    "",
		FeedExcludeRegex:    "",
		WorkerThreads:       8,
		RelayBufferKB:       64,
		DatabasePath:        "/settings/lazytuner.db",
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
