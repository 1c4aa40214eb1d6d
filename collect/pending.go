package collect

import (
	"math"

	"github.com/telemetryhq/tracecore/types"
)

// Tag and metric names stamped onto spans. These are part of the wire
// contract with the agent and the backend; do not change them.
const (
	samplingPriorityMetric = "_sampling_priority_v1"
	originTag              = "_dd.origin"
	hostnameTag            = "_dd.hostname"
	eventSampleRateMetric  = "_dd1.sr.eausr"
	ruleSamplerAppliedRate = "_dd.rule_psr"
	ruleSamplerLimiterRate = "_dd.limit_psr"
	prioritySamplerApplied = "_dd.agent_psr"
)

// pendingTrace aggregates everything known about a trace that has started
// locally but not yet fully finished. All fields are guarded by the owning
// buffer's mutex.
type pendingTrace struct {
	// allSpans holds the ids of every span registered for this trace.
	allSpans map[uint64]struct{}
	// finishedSpans accumulates finished spans in finish order. Emission
	// fires when it grows to the size of allSpans.
	finishedSpans []*types.SpanData

	priority *types.SamplingPriority
	// priorityLocked freezes the decision. Once set, only propagation may
	// have put the value there, or a Sampler* value did; user reassignment
	// attempts are logged and ignored.
	priorityLocked bool

	origin        string
	hostname      string
	analyticsRate float64

	sampleResult types.SampleResult
}

func newPendingTrace() *pendingTrace {
	return &pendingTrace{
		allSpans:      make(map[uint64]struct{}),
		analyticsRate: math.NaN(),
		sampleResult:  types.NewSampleResult(),
	}
}

// isRoot reports whether the span has no parent within this trace's locally
// registered spans: either a true root, or the local root of a distributed
// trace whose real root lives in another process.
func (t *pendingTrace) isRoot(span *types.SpanData) bool {
	if span.ParentID == 0 {
		return true
	}
	_, ok := t.allSpans[span.ParentID]
	return !ok
}

// finish decorates every finished span for emission, treating local roots as
// special.
func (t *pendingTrace) finish() {
	for _, span := range t.finishedSpans {
		if t.isRoot(span) {
			t.finishRootSpan(span)
		} else {
			t.finishSpan(span)
		}
	}
}

// finishSpan applies the decorations every span of the trace receives.
func (t *pendingTrace) finishSpan(span *types.SpanData) {
	// The trace origin rides on every span so that sampling downstream can
	// vary with it.
	if t.origin != "" {
		span.SetMeta(originTag, t.origin)
	}
}

// finishRootSpan stamps the trace-level sampling outcome onto a local root,
// then applies the every-span decorations.
func (t *pendingTrace) finishRootSpan(span *types.SpanData) {
	if t.priority != nil {
		span.SetMetric(samplingPriorityMetric, float64(*t.priority))
	}
	if t.hostname != "" {
		span.SetMeta(hostnameTag, t.hostname)
	}
	if !math.IsNaN(t.analyticsRate) {
		if _, ok := span.Metrics[eventSampleRateMetric]; !ok {
			span.SetMetric(eventSampleRateMetric, t.analyticsRate)
		}
	}
	if !math.IsNaN(t.sampleResult.RuleRate) {
		span.SetMetric(ruleSamplerAppliedRate, t.sampleResult.RuleRate)
	}
	if !math.IsNaN(t.sampleResult.LimiterRate) {
		span.SetMetric(ruleSamplerLimiterRate, t.sampleResult.LimiterRate)
	}
	if !math.IsNaN(t.sampleResult.PriorityRate) {
		span.SetMetric(prioritySamplerApplied, t.sampleResult.PriorityRate)
	}
	t.finishSpan(span)
}
