package types

import (
	"fmt"
	"time"
)

// Team identifies one participating side of a scheduled game. Only the
// fields the lineup and guide renderers need are kept from the provider
// payload.
type Team struct {
	Name         string // full team name, e.g. "Detroit Red Wings"
	Abbreviation string // short code, e.g. "DET", may be empty
}

// FeedVariant is a single broadcast option for a game, distinguished by
// broadcaster side rather than quality. Quality selection happens later,
// against the master playlist the variant resolves to.
type FeedVariant struct {
	Tag      string // provider media feed type: HOME, AWAY, NATIONAL, FRENCH, ...
	MediaID  string // provider reference used to request the manifest for this feed
	CallSign string // broadcaster call sign when the provider supplies one
	Language string // optional language/region constraint
}

// Game is one scheduled broadcast event. Identity is stable across
// repeated schedule fetches: the internal ID is derived deterministically
// from the provider's game key, never generated.
type Game struct {
	ID          string        // internal identity: "<league>-<gamePk>"
	GamePk      int64         // provider-assigned reference for later resolution
	League      string        // league slug the game belongs to (nhl, mlb)
	Start       time.Time     // absolute, timezone-aware start time; immutable once published
	Home        Team          // home side
	Away        Team          // away side
	Feeds       []FeedVariant // broadcast options available for this game
	Description string        // optional editorial description for the guide
	IconURL     string        // optional preview image for the guide
}

// GameID builds the deterministic internal identity for a provider game
// key. The same upstream game always maps to the same internal ID.
func GameID(league string, gamePk int64) string {
	return fmt.Sprintf("%s-%d", league, gamePk)
}

// Matchup renders the conventional "away @ home" display string.
func (g *Game) Matchup() string {
	return fmt.Sprintf("%s @ %s", g.Away.Name, g.Home.Name)
}

// FeedByTag returns the feed variant with the given tag, if present.
func (g *Game) FeedByTag(tag string) (FeedVariant, bool) {
	for _, f := range g.Feeds {
		if f.Tag == tag {
			return f, true
		}
	}
	return FeedVariant{}, false
}

// ResolvedStream is the outcome of resolving a feed variant: a playable
// manifest URL plus everything needed to fetch it. Values are never
// mutated in place; re-resolution produces a replacement.
type ResolvedStream struct {
	ManifestURL string    // adaptive-bitrate entry point selected for playback
	Expiry      time.Time // after this instant the URL is no longer trusted
	Bandwidth   int       // bandwidth of the selected variant, 0 when unknown
	Resolution  string    // resolution of the selected variant, "" when unknown
}

// Expired reports whether the stream's session is past its expiry at the
// given instant.
func (rs *ResolvedStream) Expired(now time.Time) bool {
	return !rs.Expiry.IsZero() && now.After(rs.Expiry)
}

// LineupEntry is the tuner-protocol projection of a (game, feed) pair
// into a virtual channel. Entries are regenerated on every schedule
// refresh and never persisted.
type LineupEntry struct {
	GuideNumber string    `json:"GuideNumber"` // channel number presented to the DVR client
	GuideName   string    `json:"GuideName"`   // display name, e.g. "7:00 PM Wings @ Bruins (HOME)"
	URL         string    `json:"URL"`         // local stream endpoint; upstream URLs are never exposed
	Slug        string    `json:"-"`           // URL-safe channel identifier
	GameID      string    `json:"-"`           // backing game identity
	FeedTag     string    `json:"-"`           // backing feed variant tag
	Start       time.Time `json:"-"`           // programme start for the guide
	Stop        time.Time `json:"-"`           // programme stop for the guide
	Description string    `json:"-"`           // programme description for the guide
	IconURL     string    `json:"-"`           // programme icon for the guide
}
