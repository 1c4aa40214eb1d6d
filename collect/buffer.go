package collect

import (
	"sync"
	"time"

	"github.com/telemetryhq/tracecore/logger"
	"github.com/telemetryhq/tracecore/metrics"
	"github.com/telemetryhq/tracecore/transmit"
	"github.com/telemetryhq/tracecore/types"
)

const (
	counterTracesEmitted  = "spanbuffer_traces_emitted"
	counterTracesDisabled = "spanbuffer_traces_dropped_disabled"
	counterSpansUnmatched = "spanbuffer_spans_unmatched"
	histogramTraceSpans   = "spanbuffer_trace_span_count"
)

// TraceSampler decides keep or drop for a trace that reaches the end of its
// life without a sampling priority.
type TraceSampler interface {
	Sample(env, service, name string, traceID uint64) types.SampleResult
}

// Options tune a SpanBuffer. The zero value means no hostname reporting, an
// analytics rate of 0 written to root spans (only NaN leaves it out), and a
// disabled buffer; constructors of the enclosing tracer are expected to set
// Enabled and AnalyticsRate.
type Options struct {
	// Hostname is stamped on root spans when non-empty.
	Hostname string
	// AnalyticsRate is written to root spans as the event sample rate; NaN
	// means absent.
	AnalyticsRate float64
	// Enabled controls whether completed traces reach the transmitter.
	// When false the buffer still samples and cleans up, but drops the
	// finished batch.
	Enabled bool
}

// SpanBuffer is the registry of in-flight traces. Spans are registered when
// they start and handed back when they finish; once the last registered span
// of a trace finishes, the buffer makes sure a sampling decision exists,
// stamps it on the trace's local roots, and hands the batch to the
// transmitter.
//
// One mutex serializes all operations. Nothing under the mutex does I/O; the
// transmitter handoff is a non-blocking enqueue.
type SpanBuffer struct {
	Logger       logger.Logger
	Metrics      metrics.Metrics
	Sampler      TraceSampler
	Transmission transmit.Transmission
	Options      Options

	mutex  sync.Mutex
	traces map[uint64]*pendingTrace
}

// NewSpanBuffer wires a buffer to its collaborators and registers its
// metrics.
func NewSpanBuffer(log logger.Logger, met metrics.Metrics, sampler TraceSampler, transmission transmit.Transmission, opts Options) *SpanBuffer {
	b := &SpanBuffer{
		Logger:       log,
		Metrics:      met,
		Sampler:      sampler,
		Transmission: transmission,
		Options:      opts,
		traces:       make(map[uint64]*pendingTrace),
	}
	b.Metrics.Register(counterTracesEmitted, "counter")
	b.Metrics.Register(counterTracesDisabled, "counter")
	b.Metrics.Register(counterSpansUnmatched, "counter")
	b.Metrics.Register(histogramTraceSpans, "histogram")
	return b
}

// RegisterSpan records that a span has started. The first registration for a
// trace id creates the trace entry and seeds it from the context: a
// propagated priority locks the decision immediately, and origin, hostname
// and analytics rate are snapshotted. Registering the same (trace, span)
// twice is harmless.
func (b *SpanBuffer) RegisterSpan(context types.SpanContext) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	trace, ok := b.traces[context.TraceID]
	if !ok {
		trace = newPendingTrace()
		trace.priority = copyPriority(context.PropagatedPriority)
		trace.priorityLocked = context.PropagatedPriority != nil
		trace.origin = context.Origin
		trace.hostname = b.Options.Hostname
		trace.analyticsRate = b.Options.AnalyticsRate
		b.traces[context.TraceID] = trace
	}
	trace.allSpans[context.SpanID] = struct{}{}
}

// FinishSpan accepts a finished span. The buffer owns the span from here on.
// When this was the last registered span of its trace, the trace is sampled
// if it hasn't been yet, decorated, emitted, and forgotten.
func (b *SpanBuffer) FinishSpan(span *types.SpanData) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	trace, ok := b.traces[span.TraceID]
	if !ok {
		b.Logger.Errorf("missing trace for finished span %d of trace %d", span.SpanID, span.TraceID)
		b.Metrics.Increment(counterSpansUnmatched)
		return
	}
	if _, ok := trace.allSpans[span.SpanID]; !ok {
		b.Logger.Errorf("span %d of trace %d was finished without being registered", span.SpanID, span.TraceID)
		b.Metrics.Increment(counterSpansUnmatched)
		return
	}
	trace.finishedSpans = append(trace.finishedSpans, span)
	if len(trace.finishedSpans) < len(trace.allSpans) {
		return
	}
	// Last chance to sample: the trace is complete and about to leave.
	b.assignSamplingPriority(span)
	trace.finish()
	b.emit(span.TraceID)
}

// emit hands the completed trace to the transmitter and drops the entry.
func (b *SpanBuffer) emit(traceID uint64) {
	trace, ok := b.traces[traceID]
	if !ok {
		return
	}
	if b.Options.Enabled {
		b.Metrics.Increment(counterTracesEmitted)
		b.Metrics.Histogram(histogramTraceSpans, len(trace.finishedSpans))
		b.Transmission.EnqueueTrace(trace.finishedSpans)
	} else {
		b.Metrics.Increment(counterTracesDisabled)
	}
	delete(b.traces, traceID)
}

// SamplingPriority returns the trace's current priority, nil when the trace
// is unknown or undecided.
func (b *SpanBuffer) SamplingPriority(traceID uint64) *types.SamplingPriority {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.samplingPriority(traceID)
}

func (b *SpanBuffer) samplingPriority(traceID uint64) *types.SamplingPriority {
	trace, ok := b.traces[traceID]
	if !ok {
		b.traceLog(traceID).Debugf("cannot get sampling priority, trace not found")
		return nil
	}
	return copyPriority(trace.priority)
}

// SetSamplingPriority applies a priority under the precedence rules:
// propagated values locked the trace at registration, Sampler* values lock
// on write, and a locked trace keeps its value (an attempt with a User*
// value or nil is logged at debug level, a Sampler* attempt is not). The
// priority actually in effect after the call is returned.
func (b *SpanBuffer) SetSamplingPriority(traceID uint64, priority *types.SamplingPriority) *types.SamplingPriority {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.setSamplingPriority(traceID, priority)
}

func (b *SpanBuffer) setSamplingPriority(traceID uint64, priority *types.SamplingPriority) *types.SamplingPriority {
	trace, ok := b.traces[traceID]
	if !ok {
		b.traceLog(traceID).Debugf("cannot set sampling priority, trace not found")
		return nil
	}
	if trace.priorityLocked {
		if priority == nil || priority.UserSet() {
			// Only worth a message when a user is taking this action; the
			// sampler retrying through assignSamplingPriority is legitimate
			// and would be noise.
			b.traceLog(traceID).Debugf("sampling priority already set and cannot be reassigned")
		}
		return b.samplingPriority(traceID)
	}
	trace.priority = copyPriority(priority)
	if priority != nil && !priority.UserSet() {
		// An automatically-assigned priority is final.
		trace.priorityLocked = true
	}
	return b.samplingPriority(traceID)
}

// AssignSamplingPriority runs the sampler for the span's trace if no
// priority has been decided yet, and returns the priority in effect.
func (b *SpanBuffer) AssignSamplingPriority(span *types.SpanData) *types.SamplingPriority {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.assignSamplingPriority(span)
}

func (b *SpanBuffer) assignSamplingPriority(span *types.SpanData) *types.SamplingPriority {
	if b.samplingPriority(span.TraceID) == nil {
		result := b.Sampler.Sample(span.Env(), span.Service, span.Name, span.TraceID)
		b.setSamplingPriority(span.TraceID, result.Priority)
		b.setSamplerResult(span.TraceID, result)
	}
	return b.samplingPriority(span.TraceID)
}

func (b *SpanBuffer) setSamplerResult(traceID uint64, result types.SampleResult) {
	trace, ok := b.traces[traceID]
	if !ok {
		b.traceLog(traceID).Debugf("cannot record sampler result, trace not found")
		return
	}
	trace.sampleResult.RuleRate = result.RuleRate
	trace.sampleResult.LimiterRate = result.LimiterRate
	trace.sampleResult.PriorityRate = result.PriorityRate
	trace.sampleResult.Priority = copyPriority(result.Priority)
}

// Flush blocks until previously enqueued traces have been sent, or the
// timeout expires.
func (b *SpanBuffer) Flush(timeout time.Duration) error {
	return b.Transmission.Flush(timeout)
}

func (b *SpanBuffer) traceLog(traceID uint64) logger.Entry {
	return b.Logger.WithField("trace_id", traceID)
}

func copyPriority(p *types.SamplingPriority) *types.SamplingPriority {
	if p == nil {
		return nil
	}
	return p.Ptr()
}
