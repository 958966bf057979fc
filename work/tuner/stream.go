package tuner

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"lazytuner/work/logger"
	"lazytuner/work/metrics"
	"lazytuner/work/types"
	"lazytuner/work/utils"
)

// HandleStream serves /stream/{channel}: resolves the channel's feed
// (cache hit or fresh negotiation) and relays the upstream stream to the
// client. Each client gets its own upstream connection; a disconnect
// tears down only that client's relay and never touches the cached
// resolution.
func (s *Server) HandleStream(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["channel"]

	entry, game, ok := s.lineup.Lookup(slug)
	if !ok {
		logger.Debug("{tuner - HandleStream} Unknown channel %q from %s", slug, r.RemoteAddr)
		writeJSON(w, http.StatusNotFound, errorResponse{
			Error: "unknown channel: " + slug,
			Kind:  "unknown_channel",
		})
		return
	}

	feed, ok := game.FeedByTag(entry.FeedTag)
	if !ok {
		// the lineup always points at feeds present on its game, so this
		// only happens across a refresh that dropped the feed
		writeJSON(w, http.StatusNotFound, errorResponse{
			Error: "feed no longer offered: " + entry.FeedTag,
			Kind:  "unknown_channel",
		})
		return
	}

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	default:
		logger.Warn("{tuner - HandleStream} Connection limit reached, rejecting %s", r.RemoteAddr)
		w.Header().Set("Retry-After", "10")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{
			Error:     "all tuners in use",
			Kind:      "provider_unavailable",
			Retryable: true,
		})
		return
	}

	rs, err := s.resolver.Resolve(r.Context(), game, feed)
	if err != nil {
		logger.Warn("{tuner - HandleStream} Resolve failed for %s: %v", slug, err)
		writeResolveError(w, game, s.cfg.ResolveLeadTime, err)
		return
	}

	s.relay(w, r, slug, game, feed, rs)
}

// relay follows the resolved HLS playlist and pumps media segments to
// the client until the stream ends or either side goes away. The
// playlist document itself is never sent downstream: HDHomeRun clients
// expect a raw transport stream on this endpoint.
func (s *Server) relay(w http.ResponseWriter, r *http.Request, slug string, game *types.Game, feed types.FeedVariant, rs *types.ResolvedStream) {
	metrics.ActiveRelays.WithLabelValues(slug).Inc()
	defer metrics.ActiveRelays.WithLabelValues(slug).Dec()

	logger.Info("{tuner - relay} Relaying %s to %s from %s",
		slug, r.RemoteAddr, utils.LogURL(s.cfg.ObfuscateUrls, rs.ManifestURL))

	written, err := s.relayHLS(r.Context(), w, slug, rs.ManifestURL)
	if err != nil {
		if errors.Is(err, context.Canceled) || r.Context().Err() != nil {
			return
		}
		// failed before the first media byte: the resolution went stale
		// early, and the client can still get a proper status
		logger.Warn("{tuner - relay} Upstream failed for %s: %v, invalidating resolution", slug, err)
		metrics.RelayErrors.WithLabelValues(slug, "connect").Inc()
		s.resolver.Invalidate(game, feed.Tag)
		w.Header().Set("Retry-After", "10")
		writeJSON(w, http.StatusBadGateway, errorResponse{
			Error:     "upstream stream unavailable",
			Kind:      "provider_unavailable",
			Retryable: true,
		})
		return
	}

	logger.Info("{tuner - relay} Relay for %s to %s ended after %s",
		slug, r.RemoteAddr, utils.FormatBytes(written))
}
