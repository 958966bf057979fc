package lineup

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grafana/regexp"

	"lazytuner/work/config"
	"lazytuner/work/logger"
	"lazytuner/work/types"
	"lazytuner/work/utils"
)

// Manager projects the cached schedule into the channel lineup the tuner
// endpoints serve. The lineup is rebuilt as a whole after every schedule
// refresh and swapped in atomically; readers always see a complete,
// consistent snapshot.
type Manager struct {
	cfg     *config.Config
	include *regexp.Regexp
	exclude *regexp.Regexp

	mu      sync.RWMutex
	entries []types.LineupEntry
	bySlug  map[string]types.LineupEntry
	byGame  map[string]*types.Game
}

// New creates a lineup manager, compiling the configured feed filters.
func New(cfg *config.Config) (*Manager, error) {
	m := &Manager{
		cfg:    cfg,
		bySlug: make(map[string]types.LineupEntry),
		byGame: make(map[string]*types.Game),
	}

	var err error
	if cfg.FeedIncludeRegex != "" {
		if m.include, err = regexp.Compile(cfg.FeedIncludeRegex); err != nil {
			return nil, fmt.Errorf("invalid feedIncludeRegex: %w", err)
		}
	}
	if cfg.FeedExcludeRegex != "" {
		if m.exclude, err = regexp.Compile(cfg.FeedExcludeRegex); err != nil {
			return nil, fmt.Errorf("invalid feedExcludeRegex: %w", err)
		}
	}
	return m, nil
}

// Rebuild replaces the lineup with one derived from the given games.
// Channel numbers are assigned by game start time then feed tag, so the
// lineup order is stable across rebuilds as long as the schedule is.
func (m *Manager) Rebuild(games []types.Game) {
	sorted := make([]types.Game, len(games))
	copy(sorted, games)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Start.Equal(sorted[j].Start) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].Start.Before(sorted[j].Start)
	})

	var (
		entries []types.LineupEntry
		bySlug  = make(map[string]types.LineupEntry)
		byGame  = make(map[string]*types.Game, len(sorted))
		number  = m.cfg.StartChannel
		skipped int
	)

	for i := range sorted {
		game := &sorted[i]
		byGame[game.ID] = game

		feeds := make([]types.FeedVariant, len(game.Feeds))
		copy(feeds, game.Feeds)
		sort.SliceStable(feeds, func(a, b int) bool {
			return feeds[a].Tag < feeds[b].Tag
		})

		for _, feed := range feeds {
			if !m.feedAllowed(feed) {
				skipped++
				continue
			}

			entry := m.buildEntry(game, feed, number)
			entries = append(entries, entry)
			bySlug[entry.Slug] = entry
			number++
		}
	}

	m.mu.Lock()
	m.entries = entries
	m.bySlug = bySlug
	m.byGame = byGame
	m.mu.Unlock()

	logger.Info("{lineup - Rebuild} Lineup rebuilt: %d channels from %d games (%d feeds filtered)",
		len(entries), len(sorted), skipped)
}

// feedAllowed applies the include/exclude filters against the feed's tag
// and call sign. Exclude wins over include.
func (m *Manager) feedAllowed(feed types.FeedVariant) bool {
	subject := feed.Tag
	if feed.CallSign != "" {
		subject += " " + feed.CallSign
	}

	if m.exclude != nil && m.exclude.MatchString(subject) {
		return false
	}
	if m.include != nil && !m.include.MatchString(subject) {
		return false
	}
	return true
}

// buildEntry assembles one lineup channel for a (game, feed) pair. The
// slug is derived from the game identity and feed tag, so it is stable
// for the lifetime of the game regardless of channel renumbering.
func (m *Manager) buildEntry(game *types.Game, feed types.FeedVariant, number int) types.LineupEntry {
	slug := utils.ChannelSlug(fmt.Sprintf("%s %s", game.ID, feed.Tag))

	name := fmt.Sprintf("%s %s (%s)",
		game.Start.Local().Format("3:04 PM"),
		game.Matchup(),
		strings.ToUpper(feed.Tag))

	return types.LineupEntry{
		GuideNumber: fmt.Sprintf("%d", number),
		GuideName:   name,
		URL:         fmt.Sprintf("%s/stream/%s", strings.TrimRight(m.cfg.BaseURL, "/"), slug),
		Slug:        slug,
		GameID:      game.ID,
		FeedTag:     feed.Tag,
		Start:       game.Start,
		Stop:        game.Start.Add(3 * time.Hour),
		Description: game.Description,
		IconURL:     game.IconURL,
	}
}

// Entries returns the current lineup snapshot. The returned slice must
// not be modified.
func (m *Manager) Entries() []types.LineupEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries
}

// Lookup finds the lineup entry and game behind a stream slug.
func (m *Manager) Lookup(slug string) (types.LineupEntry, *types.Game, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.bySlug[slug]
	if !ok {
		return types.LineupEntry{}, nil, false
	}
	game, ok := m.byGame[entry.GameID]
	if !ok {
		return types.LineupEntry{}, nil, false
	}
	return entry, game, true
}

// Len reports the number of channels in the current lineup.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
