package types

import "errors"

// Failure taxonomy for schedule fetching and feed resolution. Callers
// match with errors.Is; layers add context with fmt.Errorf("...: %w").
var (
	// ErrProviderUnavailable covers network failures, timeouts, and 5xx
	// responses from the upstream provider. Retryable.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrProviderSchema marks an upstream response whose shape could not
	// be parsed. Treated as a transient miss and retried next cycle.
	ErrProviderSchema = errors.New("unexpected provider response shape")

	// ErrNotYetAvailable means the event has no manifest yet because its
	// start time is too far out or the provider hasn't published media.
	ErrNotYetAvailable = errors.New("stream not yet available")

	// ErrGeoRestricted means the provider refused the stream for this
	// region. Terminal for the request; not retried automatically.
	ErrGeoRestricted = errors.New("stream is geo-restricted")

	// ErrAuthFailed means the provider rejected our credentials or
	// session. Terminal for the request; not retried automatically.
	ErrAuthFailed = errors.New("provider authentication failed")
)

// ErrorKind maps a failure to its wire-visible kind string, used in JSON
// error bodies so DVR clients can distinguish retry-later from terminal
// conditions. Unknown errors report as "internal".
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrNotYetAvailable):
		return "not_yet_available"
	case errors.Is(err, ErrGeoRestricted):
		return "geo_restricted"
	case errors.Is(err, ErrAuthFailed):
		return "auth_failed"
	case errors.Is(err, ErrProviderSchema):
		return "provider_schema"
	case errors.Is(err, ErrProviderUnavailable):
		return "provider_unavailable"
	default:
		return "internal"
	}
}

// Retryable reports whether the failure is worth retrying later without
// operator intervention.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrGeoRestricted), errors.Is(err, ErrAuthFailed):
		return false
	default:
		return true
	}
}
