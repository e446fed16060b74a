package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultInflightLimit is the per-backend cap on concurrent dispatches
// applied when the app config does not set inflight_request_limit.
const DefaultInflightLimit = 512

var droppedRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sygnal_inflight_request_limit_drop",
		Help: "Number of notifications dropped because the number of in-flight requests exceeded the configured inflight_request_limit",
	},
	[]string{"pushkin"},
)

// Limiter bounds the number of in-flight dispatches for one backend so a
// slow provider cannot pull the whole gateway down. Admission never blocks:
// past the limit, requests are turned away immediately.
type Limiter struct {
	name    string
	slots   chan struct{}
	dropped prometheus.Counter
}

// NewLimiter builds a limiter admitting up to limit concurrent holders.
// A non-positive limit selects DefaultInflightLimit.
func NewLimiter(name string, limit int) *Limiter {
	if limit <= 0 {
		limit = DefaultInflightLimit
	}
	return &Limiter{
		name:  name,
		slots: make(chan struct{}, limit),
		// Instantiate the counter up front so the series appears in
		// scrapes before the first drop.
		dropped: droppedRequests.WithLabelValues(name),
	}
}

// Acquire claims a slot and returns its release function, or a
// *TemporaryError when the backend is already at its in-flight limit.
// Admission happens before the retry loop, so the error is not retried
// here; it surfaces to the pipeline, which answers 502.
func (l *Limiter) Acquire() (release func(), err error) {
	select {
	case l.slots <- struct{}{}:
		return func() { <-l.slots }, nil
	default:
		l.dropped.Inc()
		return nil, Temporaryf(
			"too many in-flight requests for %s (the provider is struggling to keep up)", l.name)
	}
}

// Inflight reports the number of currently held slots.
func (l *Limiter) Inflight() int { return len(l.slots) }
