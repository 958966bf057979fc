package tuner

import (
	"fmt"
	"net/http"
	"strings"

	"lazytuner/work/logger"
)

const playlistDocKey = "playlist.m3u"

// HandlePlaylist serves /playlist.m3u for players that speak plain M3U
// instead of the HDHomeRun API. The tvg-* attributes line up with the
// XMLTV guide so EPG mapping works out of the box.
func (s *Server) HandlePlaylist(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.docs.Get(playlistDocKey)
	if !ok {
		doc = s.renderPlaylist(r)
		s.docs.Set(playlistDocKey, doc)
		logger.Debug("{tuner - HandlePlaylist} Rendered playlist (%d bytes)", len(doc))
	}

	w.Header().Set("Content-Type", "audio/x-mpegurl")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(doc))
}

func (s *Server) renderPlaylist(r *http.Request) string {
	entries := s.lineup.Entries()

	var b strings.Builder
	b.Grow(64 + len(entries)*256)

	fmt.Fprintf(&b, "#EXTM3U url-tvg=\"%s/guide.xml\"\n", s.baseURL(r))

	for _, e := range entries {
		fmt.Fprintf(&b, "#EXTINF:-1 tvg-id=%q tvg-chno=%q tvg-name=%q", e.Slug, e.GuideNumber, e.GuideName)
		if e.IconURL != "" {
			fmt.Fprintf(&b, " tvg-logo=%q", e.IconURL)
		}
		fmt.Fprintf(&b, " group-title=%q,%s\n", strings.ToUpper(s.cfg.Provider.League), e.GuideName)
		b.WriteString(e.URL + "\n")
	}

	return b.String()
}
