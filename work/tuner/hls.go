package tuner

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"lazytuner/work/logger"
	"lazytuner/work/metrics"
	"lazytuner/work/utils"
)

const (
	// playlistPollInterval is how often a live media playlist is
	// re-fetched for new segments (HLS targets 1-3s refresh).
	playlistPollInterval = 2 * time.Second

	// maxEmptyRefreshes and stallTimeout together decide when a live
	// stream with no new segments counts as dead rather than paused.
	maxEmptyRefreshes = 10
	stallTimeout      = 30 * time.Second

	// maxSegmentErrors aborts the relay when the origin keeps failing.
	maxSegmentErrors = 5

	// trackerSize bounds how many recently relayed segment URLs are
	// remembered to suppress duplicates across playlist refreshes.
	trackerSize = 20
)

// segmentTracker remembers the last relayed segment URLs in a fixed-size
// ring so playlist refreshes don't replay segments, with constant memory
// over hours-long relays. One tracker belongs to one relay goroutine, so
// no locking.
type segmentTracker struct {
	ring  []string
	seen  map[string]struct{}
	head  int
	count int
}

func newSegmentTracker(size int) *segmentTracker {
	return &segmentTracker{
		ring: make([]string, size),
		seen: make(map[string]struct{}, size),
	}
}

func (st *segmentTracker) has(segmentURL string) bool {
	_, ok := st.seen[segmentURL]
	return ok
}

func (st *segmentTracker) mark(segmentURL string) {
	if st.count >= len(st.ring) {
		delete(st.seen, st.ring[st.head])
	} else {
		st.count++
	}
	st.ring[st.head] = segmentURL
	st.seen[segmentURL] = struct{}{}
	st.head = (st.head + 1) % len(st.ring)
}

// mediaPlaylist is the parsed form of one playlist document fetch.
type mediaPlaylist struct {
	segments []string // absolute segment URLs, playlist order
	variant  string   // best variant URL when the document is a master playlist
	ended    bool     // EXT-X-ENDLIST present (VOD / finished event)
}

// fetchPlaylist downloads and parses an HLS playlist document. Master
// playlists yield the highest-bandwidth variant URL instead of segments;
// media playlists yield absolute segment URLs and the end-of-stream
// marker.
func (s *Server) fetchPlaylist(ctx context.Context, playlistURL string) (mediaPlaylist, error) {
	var pl mediaPlaylist

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, playlistURL, nil)
	if err != nil {
		return pl, err
	}

	resp, err := s.stream.Do(req)
	if err != nil {
		return pl, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return pl, fmt.Errorf("playlist fetch: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return pl, err
	}

	base, baseErr := url.Parse(playlistURL)

	var (
		bestBandwidth int64 = -1
		pendingInf    bool
		pendingBW     int64
	)

	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#") {
			switch {
			case strings.HasPrefix(line, "#EXT-X-ENDLIST"):
				pl.ended = true
			case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
				pendingInf = true
				pendingBW = streamInfBandwidth(line)
			}
			continue
		}

		abs := line
		if baseErr == nil {
			if ref, err := url.Parse(line); err == nil {
				abs = base.ResolveReference(ref).String()
			}
		}

		if pendingInf {
			// URI belongs to a master playlist variant
			if pendingBW > bestBandwidth {
				bestBandwidth = pendingBW
				pl.variant = abs
			}
			pendingInf = false
			continue
		}

		pl.segments = append(pl.segments, abs)
	}

	return pl, nil
}

// streamInfBandwidth pulls the BANDWIDTH attribute out of an
// EXT-X-STREAM-INF tag, 0 when absent.
func streamInfBandwidth(line string) int64 {
	attrs := strings.TrimPrefix(line, "#EXT-X-STREAM-INF:")
	for _, attr := range strings.Split(attrs, ",") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(attr), "BANDWIDTH="); ok {
			if bw, err := strconv.ParseInt(v, 10, 64); err == nil {
				return bw
			}
		}
	}
	return 0
}

// relayHLS follows the playlist behind manifestURL and pumps its media
// segments to one client: fetch playlist, relay new segments, poll for
// more until the stream ends, stalls, or the client goes away. The
// client only ever receives media bytes; playlist documents and their
// upstream URLs never leave the daemon.
//
// The returned error is non-nil only when nothing was written yet, so
// the caller can still answer with a proper status.
func (s *Server) relayHLS(ctx context.Context, w http.ResponseWriter, slug, manifestURL string) (int64, error) {
	playlistURL := manifestURL

	// an adaptive resolution hands us the master playlist; descend to
	// the top variant before segment relaying starts
	pl, err := s.fetchPlaylist(ctx, playlistURL)
	if err != nil {
		return 0, err
	}
	for hops := 0; pl.variant != "" && hops < 2; hops++ {
		playlistURL = pl.variant
		if pl, err = s.fetchPlaylist(ctx, playlistURL); err != nil {
			return 0, err
		}
	}
	if len(pl.segments) == 0 && !pl.ended {
		return 0, fmt.Errorf("playlist has no segments")
	}

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-cache")

	flusher, _ := w.(http.Flusher)
	tracker := newSegmentTracker(trackerSize)

	var (
		written        int64
		emptyRefreshes int
		segmentErrors  int
		lastProgress   = time.Now()
	)

	defer metrics.BytesRelayed.WithLabelValues(slug).Add(float64(written))

	for {
		newSegments := 0

		for _, segmentURL := range pl.segments {
			if tracker.has(segmentURL) {
				continue
			}
			if ctx.Err() != nil {
				return written, nil
			}

			n, clientGone, err := s.relaySegment(ctx, w, flusher, segmentURL)
			written += n
			if clientGone {
				logger.Debug("{tuner - relayHLS} Client left during %s after %s", slug, utils.FormatBytes(written))
				return written, nil
			}
			if err != nil {
				segmentErrors++
				metrics.RelayErrors.WithLabelValues(slug, "segment").Inc()
				logger.Warn("{tuner - relayHLS} Segment failed for %s: %v (%d/%d)",
					slug, err, segmentErrors, maxSegmentErrors)
				if segmentErrors >= maxSegmentErrors {
					return written, nil
				}
				continue
			}

			tracker.mark(segmentURL)
			newSegments++
			segmentErrors = 0
			lastProgress = time.Now()
		}

		if pl.ended {
			logger.Debug("{tuner - relayHLS} Stream ended for %s after %s", slug, utils.FormatBytes(written))
			return written, nil
		}

		if newSegments == 0 {
			emptyRefreshes++
			if emptyRefreshes >= maxEmptyRefreshes && time.Since(lastProgress) > stallTimeout {
				logger.Warn("{tuner - relayHLS} Stream stalled for %s: no new segments for %s",
					slug, time.Since(lastProgress).Round(time.Second))
				metrics.RelayErrors.WithLabelValues(slug, "stalled").Inc()
				return written, nil
			}
		} else {
			emptyRefreshes = 0
		}

		select {
		case <-ctx.Done():
			return written, nil
		case <-time.After(playlistPollInterval):
		}

		if pl, err = s.fetchPlaylist(ctx, playlistURL); err != nil {
			// mid-stream playlist failure: nothing sane to tell the
			// client at this point, just end the relay
			logger.Warn("{tuner - relayHLS} Playlist refresh failed for %s: %v", slug, err)
			metrics.RelayErrors.WithLabelValues(slug, "playlist").Inc()
			return written, nil
		}
	}
}

// relaySegment fetches one media segment and copies it to the client
// with a pooled buffer, flushing per chunk. clientGone distinguishes the
// client hanging up (end the relay quietly) from an origin failure
// (retryable by the caller).
func (s *Server) relaySegment(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, segmentURL string) (written int64, clientGone bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, segmentURL, nil)
	if err != nil {
		return 0, false, err
	}

	resp, err := s.stream.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, true, nil
		}
		return 0, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, false, fmt.Errorf("segment fetch: status %d", resp.StatusCode)
	}

	buf := s.buffers.Get()
	defer s.buffers.Put(buf)

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return written, true, nil
			}
			written += int64(n)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return written, false, nil
			}
			if ctx.Err() != nil {
				return written, true, nil
			}
			return written, false, readErr
		}
	}
}
