package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ScheduleRefreshes counts background schedule refresh cycles by outcome
// ("ok", "partial", "failed"). Counter; only increases.
var ScheduleRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lazytuner_schedule_refreshes_total",
	Help: "Schedule refresh cycles by outcome",
}, []string{"outcome"})

// GamesCached tracks the number of games currently held in the schedule
// cache. Gauge; set after each refresh.
var GamesCached = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "lazytuner_games_cached",
	Help: "Games currently cached in the schedule window",
})

// Resolutions counts feed resolution attempts by result kind ("ok",
// "not_yet_available", "geo_restricted", "auth_failed",
// "provider_unavailable", ...). Single-flight followers are not counted;
// only real upstream negotiations increment this.
var Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lazytuner_resolutions_total",
	Help: "Feed resolution attempts by result",
}, []string{"result"})

// ActiveRelays tracks the number of stream-proxy clients currently being
// served, labeled by channel slug.
var ActiveRelays = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "lazytuner_active_relays",
	Help: "Active stream relay connections",
}, []string{"channel"})

// BytesRelayed counts media bytes copied from the upstream origin to DVR
// clients, labeled by channel slug.
var BytesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lazytuner_bytes_relayed_total",
	Help: "Total media bytes relayed to clients",
}, []string{"channel"})

// RelayErrors counts stream relay failures by error kind so upstream
// trouble is distinguishable from client disconnects.
var RelayErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lazytuner_relay_errors_total",
	Help: "Stream relay failures by kind",
}, []string{"channel", "kind"})
