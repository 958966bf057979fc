package resolver

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/grafov/m3u8"

	"lazytuner/work/logger"
	"lazytuner/work/types"
)

// variant is one selectable rendition of a resolved stream.
type variant struct {
	url        string
	bandwidth  uint32
	resolution string
}

// selectVariant fetches the master playlist behind masterURL and picks
// the rendition matching the configured quality preference. A media
// playlist (no variants) is used as-is, as is a master playlist when the
// preference is the default adaptive one.
func (r *Resolver) selectVariant(ctx context.Context, masterURL string) (variant, error) {
	quality := strings.ToLower(strings.TrimSpace(r.cfg.Quality))
	if quality == "" || quality == "adaptive" {
		// hand the player the master playlist and let it adapt
		return variant{url: masterURL}, nil
	}

	body, err := r.provider.FetchManifest(ctx, masterURL)
	if err != nil {
		return variant{}, err
	}

	playlist, listType, err := m3u8.DecodeFrom(strings.NewReader(body), true)
	if err != nil {
		return variant{}, fmt.Errorf("playlist %s: %w: %v", masterURL, types.ErrProviderSchema, err)
	}

	if listType != m3u8.MASTER {
		// already a media playlist, nothing to choose from
		return variant{url: masterURL}, nil
	}

	masterpl := playlist.(*m3u8.MasterPlaylist)
	variants := collectVariants(masterpl, masterURL)
	if len(variants) == 0 {
		logger.Warn("{resolver - selectVariant} Master playlist with no variants, using it directly")
		return variant{url: masterURL}, nil
	}

	chosen := pickVariant(variants, quality)
	logger.Debug("{resolver - selectVariant} Picked %s (%d bps) out of %d variants",
		chosen.resolution, chosen.bandwidth, len(variants))
	return chosen, nil
}

// collectVariants flattens the master playlist's variants, resolving
// relative URIs against the master's own URL.
func collectVariants(masterpl *m3u8.MasterPlaylist, masterURL string) []variant {
	base, baseErr := url.Parse(masterURL)

	var out []variant
	for _, v := range masterpl.Variants {
		if v == nil {
			break
		}

		uri := v.URI
		if baseErr == nil {
			if ref, err := url.Parse(uri); err == nil {
				uri = base.ResolveReference(ref).String()
			}
		}

		out = append(out, variant{
			url:        uri,
			bandwidth:  v.Bandwidth,
			resolution: v.Resolution,
		})
	}
	return out
}

// pickVariant applies the quality preference over a non-empty variant
// list sorted by bandwidth. Preferences naming a vertical resolution
// (e.g. "720p") match on the advertised RESOLUTION attribute and fall
// back to the highest bandwidth when nothing advertises it.
func pickVariant(variants []variant, quality string) variant {
	sort.SliceStable(variants, func(i, j int) bool {
		return variants[i].bandwidth < variants[j].bandwidth
	})

	switch quality {
	case "lowest":
		return variants[0]
	case "medium":
		return variants[len(variants)/2]
	case "highest", "best":
		return variants[len(variants)-1]
	}

	if height, ok := strings.CutSuffix(quality, "p"); ok {
		for i := len(variants) - 1; i >= 0; i-- {
			if strings.HasSuffix(variants[i].resolution, "x"+height) {
				return variants[i]
			}
		}
	}

	return variants[len(variants)-1]
}
