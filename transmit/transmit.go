package transmit

import (
	"time"

	"github.com/telemetryhq/tracecore/types"
)

// Transmission accepts completed traces for delivery. EnqueueTrace must not
// block; callers hold a hot mutex while handing batches over.
type Transmission interface {
	// EnqueueTrace schedules a finished trace for transmission. The
	// transmission owns the spans after this call.
	EnqueueTrace(trace []*types.SpanData)
	// Flush blocks until previously enqueued traces have been sent, up to
	// the timeout.
	Flush(timeout time.Duration) error
}

// RateSetter receives the per-service sampling rates the agent returns on
// each trace submission.
type RateSetter interface {
	Configure(rates map[string]float64)
}
