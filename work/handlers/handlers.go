package handlers

import (
	"net/http"

	"lazytuner/work/middleware"
	"lazytuner/work/refresh"
	"lazytuner/work/tuner"
)

// Route adapters binding the tuner server's endpoints to the router.
// Metadata endpoints get gzip; the stream relay must not.

func HandleDiscover(s *tuner.Server) http.HandlerFunc {
	return middleware.Gzip(s.HandleDiscover)
}

func HandleLineup(s *tuner.Server) http.HandlerFunc {
	return middleware.Gzip(s.HandleLineup)
}

func HandleLineupStatus(s *tuner.Server) http.HandlerFunc {
	return middleware.Gzip(s.HandleLineupStatus)
}

func HandleLineupPost(s *tuner.Server) http.HandlerFunc {
	return s.HandleLineupPost
}

func HandleGuide(s *tuner.Server) http.HandlerFunc {
	return middleware.Gzip(s.HandleGuide)
}

func HandlePlaylist(s *tuner.Server) http.HandlerFunc {
	return middleware.Gzip(s.HandlePlaylist)
}

func HandleStatus(s *tuner.Server) http.HandlerFunc {
	return middleware.Gzip(s.HandleStatus)
}

func HandleStream(s *tuner.Server) http.HandlerFunc {
	return s.HandleStream
}

// HandleRefresh triggers an immediate schedule refresh. The refresh runs
// asynchronously on the loop; the response only acknowledges the
// request.
func HandleRefresh(l *refresh.Loop) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l.Trigger()
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("refresh scheduled\n"))
	}
}
