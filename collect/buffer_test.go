package collect

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemetryhq/tracecore/logger"
	"github.com/telemetryhq/tracecore/metrics"
	"github.com/telemetryhq/tracecore/sample"
	"github.com/telemetryhq/tracecore/transmit"
	"github.com/telemetryhq/tracecore/types"
)

type testBuffer struct {
	buffer       *SpanBuffer
	transmission *transmit.MockTransmission
	log          *logger.MockLogger
	metrics      *metrics.MockMetrics
}

// newTestBuffer assembles a buffer over a real rules sampler with a frozen
// clock, the way a tracer would, but with a recording transmission.
func newTestBuffer(t *testing.T, rules []sample.Rule, opts Options) *testBuffer {
	t.Helper()
	log := &logger.MockLogger{}
	met := &metrics.MockMetrics{}
	met.Start()
	// a limiter that admits the first trace and nothing afterward while the
	// clock stays frozen
	limiter := sample.NewLimiter(clockwork.NewFakeClock(), 1, time.Second, 1)
	sampler := sample.NewRulesSampler(log, met, rules, limiter)
	transmission := &transmit.MockTransmission{}
	return &testBuffer{
		buffer:       NewSpanBuffer(log, met, sampler, transmission, opts),
		transmission: transmission,
		log:          log,
		metrics:      met,
	}
}

func enabledOptions() Options {
	return Options{AnalyticsRate: math.NaN(), Enabled: true}
}

func span(traceID, spanID, parentID uint64) *types.SpanData {
	return &types.SpanData{
		TraceID:  traceID,
		SpanID:   spanID,
		ParentID: parentID,
		Service:  "test.service",
		Name:     "operation.name",
	}
}

func registerAndFinish(b *SpanBuffer, s *types.SpanData) {
	b.RegisterSpan(types.SpanContext{TraceID: s.TraceID, SpanID: s.SpanID})
	b.FinishSpan(s)
}

func TestRuleKeepWithLimiterRoom(t *testing.T) {
	tb := newTestBuffer(t, []sample.Rule{sample.RateRule(1.0)}, enabledOptions())

	registerAndFinish(tb.buffer, span(1, 2, 0))

	sent := tb.transmission.Sent()
	require.Len(t, sent, 1)
	require.Len(t, sent[0], 1)
	root := sent[0][0]
	assert.Equal(t, 1.0, root.Metrics["_dd.rule_psr"])
	_, ok := root.Metrics["_dd.limit_psr"]
	assert.True(t, ok, "limiter rate should be recorded on rule keeps")
	assert.Equal(t, float64(types.PriorityUserKeep), root.Metrics["_sampling_priority_v1"])
}

func TestRuleKeepWithLimiterExhausted(t *testing.T) {
	tb := newTestBuffer(t, []sample.Rule{sample.RateRule(1.0)}, enabledOptions())

	registerAndFinish(tb.buffer, span(1, 2, 0))
	registerAndFinish(tb.buffer, span(3, 4, 0))

	sent := tb.transmission.Sent()
	require.Len(t, sent, 2)
	second := sent[1][0]
	assert.Equal(t, 1.0, second.Metrics["_dd.rule_psr"])
	assert.Equal(t, float64(types.PriorityUserDrop), second.Metrics["_sampling_priority_v1"])
}

func TestRuleDrop(t *testing.T) {
	tb := newTestBuffer(t, []sample.Rule{sample.RateRule(0.0)}, enabledOptions())

	registerAndFinish(tb.buffer, span(1, 2, 0))

	sent := tb.transmission.Sent()
	require.Len(t, sent, 1)
	root := sent[0][0]
	assert.Equal(t, 0.0, root.Metrics["_dd.rule_psr"])
	assert.NotContains(t, root.Metrics, "_dd.limit_psr")
	assert.NotContains(t, root.Metrics, "_dd.agent_psr")
	assert.Equal(t, float64(types.PriorityUserDrop), root.Metrics["_sampling_priority_v1"])
}

func TestNoMatchingRuleUsesPrioritySampler(t *testing.T) {
	rules := []sample.Rule{sample.NameServiceRule("unmatched", "unmatched", 0.1)}
	tb := newTestBuffer(t, rules, enabledOptions())

	registerAndFinish(tb.buffer, span(1, 2, 0))

	sent := tb.transmission.Sent()
	require.Len(t, sent, 1)
	root := sent[0][0]
	assert.Contains(t, root.Metrics, "_dd.agent_psr")
	assert.NotContains(t, root.Metrics, "_dd.rule_psr")
	assert.NotContains(t, root.Metrics, "_dd.limit_psr")
	assert.Equal(t, float64(types.PrioritySamplerKeep), root.Metrics["_sampling_priority_v1"])
}

func TestOverriddenOperationName(t *testing.T) {
	rules := []sample.Rule{
		sample.NameRule("overridden operation name", 0.4),
		sample.RateRule(1.0),
	}
	tb := newTestBuffer(t, rules, enabledOptions())

	// the tracer applied its operation-name override before the span
	// reached the buffer
	s := span(1, 2, 0)
	s.Name = "overridden operation name"
	// pick an id the 0.4 rule keeps so the stamped rate is observable
	s.TraceID = keptTraceID(0.4)
	tb.buffer.RegisterSpan(types.SpanContext{TraceID: s.TraceID, SpanID: s.SpanID})
	tb.buffer.FinishSpan(s)

	sent := tb.transmission.Sent()
	require.Len(t, sent, 1)
	root := sent[0][0]
	assert.Equal(t, 0.4, root.Metrics["_dd.rule_psr"])
}

// keptTraceID returns a trace id the selector keeps at the given rate.
func keptTraceID(rate float64) uint64 {
	for id := uint64(1); ; id++ {
		if sample.SampleByRate(id, rate) {
			return id
		}
	}
}

func TestRootAndChildDecorations(t *testing.T) {
	opts := Options{Hostname: "test-host", AnalyticsRate: 0.5, Enabled: true}
	tb := newTestBuffer(t, []sample.Rule{sample.RateRule(1.0)}, opts)

	root := span(1, 10, 0)
	child := span(1, 11, 10)
	tb.buffer.RegisterSpan(types.SpanContext{TraceID: 1, SpanID: 10, Origin: "synthetics"})
	tb.buffer.RegisterSpan(types.SpanContext{TraceID: 1, SpanID: 11})
	tb.buffer.FinishSpan(child)
	tb.buffer.FinishSpan(root)

	sent := tb.transmission.Sent()
	require.Len(t, sent, 1)
	require.Len(t, sent[0], 2)
	// spans arrive in finish order
	assert.Equal(t, uint64(11), sent[0][0].SpanID)
	assert.Equal(t, uint64(10), sent[0][1].SpanID)

	gotChild, gotRoot := sent[0][0], sent[0][1]
	assert.Equal(t, "synthetics", gotRoot.Meta["_dd.origin"])
	assert.Equal(t, "synthetics", gotChild.Meta["_dd.origin"])
	assert.Equal(t, "test-host", gotRoot.Meta["_dd.hostname"])
	assert.Equal(t, 0.5, gotRoot.Metrics["_dd1.sr.eausr"])
	assert.Contains(t, gotRoot.Metrics, "_sampling_priority_v1")

	assert.NotContains(t, gotChild.Meta, "_dd.hostname")
	assert.NotContains(t, gotChild.Metrics, "_dd1.sr.eausr")
	assert.NotContains(t, gotChild.Metrics, "_sampling_priority_v1")
	assert.NotContains(t, gotChild.Metrics, "_dd.rule_psr")
}

func TestLocalRootOfDistributedTrace(t *testing.T) {
	tb := newTestBuffer(t, []sample.Rule{sample.RateRule(1.0)}, enabledOptions())

	// parent id 99 was never registered locally, so span 10 is a local root
	local := span(1, 10, 99)
	registerAndFinish(tb.buffer, local)

	sent := tb.transmission.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0][0].Metrics, "_sampling_priority_v1")
}

func TestAnalyticsRateDoesNotOverwrite(t *testing.T) {
	opts := Options{AnalyticsRate: 0.5, Enabled: true}
	tb := newTestBuffer(t, []sample.Rule{sample.RateRule(1.0)}, opts)

	s := span(1, 2, 0)
	s.SetMetric("_dd1.sr.eausr", 0.9)
	registerAndFinish(tb.buffer, s)

	sent := tb.transmission.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, 0.9, sent[0][0].Metrics["_dd1.sr.eausr"])
}

func TestPropagatedPriorityLocks(t *testing.T) {
	tb := newTestBuffer(t, []sample.Rule{sample.RateRule(0.0)}, enabledOptions())

	tb.buffer.RegisterSpan(types.SpanContext{
		TraceID:            1,
		SpanID:             2,
		PropagatedPriority: types.PriorityUserKeep.Ptr(),
	})

	// a user attempt to change a locked priority is ignored and logged
	got := tb.buffer.SetSamplingPriority(1, types.PriorityUserDrop.Ptr())
	require.NotNil(t, got)
	assert.Equal(t, types.PriorityUserKeep, *got)
	assert.NotEmpty(t, tb.log.EventsAt("debug"))

	tb.buffer.FinishSpan(span(1, 2, 0))
	sent := tb.transmission.Sent()
	require.Len(t, sent, 1)
	// the propagated decision wins over the 0.0 rule
	assert.Equal(t, float64(types.PriorityUserKeep), sent[0][0].Metrics["_sampling_priority_v1"])
	assert.NotContains(t, sent[0][0].Metrics, "_dd.rule_psr")
}

func TestUserPriorityBeforeSampler(t *testing.T) {
	tb := newTestBuffer(t, []sample.Rule{sample.RateRule(0.0)}, enabledOptions())

	tb.buffer.RegisterSpan(types.SpanContext{TraceID: 1, SpanID: 2})
	got := tb.buffer.SetSamplingPriority(1, types.PriorityUserKeep.Ptr())
	require.NotNil(t, got)
	assert.Equal(t, types.PriorityUserKeep, *got)

	tb.buffer.FinishSpan(span(1, 2, 0))
	sent := tb.transmission.Sent()
	require.Len(t, sent, 1)
	root := sent[0][0]
	// the sampler never ran, so no rates were recorded
	assert.Equal(t, float64(types.PriorityUserKeep), root.Metrics["_sampling_priority_v1"])
	assert.NotContains(t, root.Metrics, "_dd.rule_psr")
}

func TestSamplerPriorityLocks(t *testing.T) {
	tb := newTestBuffer(t, nil, enabledOptions())
	tb.buffer.RegisterSpan(types.SpanContext{TraceID: 1, SpanID: 2})

	got := tb.buffer.SetSamplingPriority(1, types.PrioritySamplerDrop.Ptr())
	require.NotNil(t, got)
	assert.Equal(t, types.PrioritySamplerDrop, *got)

	// locked now, the user attempt bounces
	got = tb.buffer.SetSamplingPriority(1, types.PriorityUserKeep.Ptr())
	require.NotNil(t, got)
	assert.Equal(t, types.PrioritySamplerDrop, *got)
}

func TestUserPriorityDoesNotLock(t *testing.T) {
	tb := newTestBuffer(t, nil, enabledOptions())
	tb.buffer.RegisterSpan(types.SpanContext{TraceID: 1, SpanID: 2})

	tb.buffer.SetSamplingPriority(1, types.PriorityUserDrop.Ptr())
	got := tb.buffer.SetSamplingPriority(1, types.PriorityUserKeep.Ptr())
	require.NotNil(t, got)
	assert.Equal(t, types.PriorityUserKeep, *got)
}

func TestClearPriorityWhenUnlocked(t *testing.T) {
	tb := newTestBuffer(t, nil, enabledOptions())
	tb.buffer.RegisterSpan(types.SpanContext{TraceID: 1, SpanID: 2})

	tb.buffer.SetSamplingPriority(1, types.PriorityUserKeep.Ptr())
	got := tb.buffer.SetSamplingPriority(1, nil)
	assert.Nil(t, got)
	assert.Nil(t, tb.buffer.SamplingPriority(1))
}

func TestSetSamePriorityIsNoOp(t *testing.T) {
	tb := newTestBuffer(t, nil, enabledOptions())
	tb.buffer.RegisterSpan(types.SpanContext{TraceID: 1, SpanID: 2})

	tb.buffer.SetSamplingPriority(1, types.PriorityUserKeep.Ptr())
	got := tb.buffer.SetSamplingPriority(1, types.PriorityUserKeep.Ptr())
	require.NotNil(t, got)
	assert.Equal(t, types.PriorityUserKeep, *got)
}

func TestRegisterIsIdempotent(t *testing.T) {
	tb := newTestBuffer(t, []sample.Rule{sample.RateRule(1.0)}, enabledOptions())

	ctx := types.SpanContext{TraceID: 1, SpanID: 2}
	tb.buffer.RegisterSpan(ctx)
	tb.buffer.RegisterSpan(ctx)

	// one finish completes the trace despite the double registration
	tb.buffer.FinishSpan(span(1, 2, 0))
	assert.Len(t, tb.transmission.Sent(), 1)
}

func TestFinishUnregisteredSpan(t *testing.T) {
	tb := newTestBuffer(t, []sample.Rule{sample.RateRule(1.0)}, enabledOptions())

	tb.buffer.RegisterSpan(types.SpanContext{TraceID: 1, SpanID: 2})
	tb.buffer.FinishSpan(span(1, 999, 0))

	assert.Empty(t, tb.transmission.Sent())
	assert.NotEmpty(t, tb.log.EventsAt("error"))
	assert.Equal(t, 1, tb.metrics.CounterIncrements["spanbuffer_spans_unmatched"])
}

func TestFinishSpanOfUnknownTrace(t *testing.T) {
	tb := newTestBuffer(t, []sample.Rule{sample.RateRule(1.0)}, enabledOptions())

	tb.buffer.FinishSpan(span(42, 1, 0))

	assert.Empty(t, tb.transmission.Sent())
	assert.NotEmpty(t, tb.log.EventsAt("error"))
}

func TestDisabledBufferDropsTraces(t *testing.T) {
	opts := enabledOptions()
	opts.Enabled = false
	tb := newTestBuffer(t, []sample.Rule{sample.RateRule(1.0)}, opts)

	registerAndFinish(tb.buffer, span(1, 2, 0))

	assert.Empty(t, tb.transmission.Sent())
	// the trace entry is cleaned up all the same
	assert.Nil(t, tb.buffer.SamplingPriority(1))
	assert.Equal(t, 1, tb.metrics.CounterIncrements["spanbuffer_traces_dropped_disabled"])
}

func TestTraceRemovedAfterEmission(t *testing.T) {
	tb := newTestBuffer(t, []sample.Rule{sample.RateRule(1.0)}, enabledOptions())

	registerAndFinish(tb.buffer, span(1, 2, 0))
	require.Len(t, tb.transmission.Sent(), 1)

	assert.Nil(t, tb.buffer.SamplingPriority(1))

	// a straggler for the emitted trace is an error, not a second batch
	tb.buffer.FinishSpan(span(1, 3, 0))
	assert.Len(t, tb.transmission.Sent(), 1)
	assert.NotEmpty(t, tb.log.EventsAt("error"))
}

func TestEmissionWaitsForAllSpans(t *testing.T) {
	tb := newTestBuffer(t, []sample.Rule{sample.RateRule(1.0)}, enabledOptions())

	tb.buffer.RegisterSpan(types.SpanContext{TraceID: 1, SpanID: 10})
	tb.buffer.RegisterSpan(types.SpanContext{TraceID: 1, SpanID: 11})
	tb.buffer.RegisterSpan(types.SpanContext{TraceID: 1, SpanID: 12})

	tb.buffer.FinishSpan(span(1, 11, 10))
	assert.Empty(t, tb.transmission.Sent())
	tb.buffer.FinishSpan(span(1, 12, 10))
	assert.Empty(t, tb.transmission.Sent())
	tb.buffer.FinishSpan(span(1, 10, 0))
	assert.Len(t, tb.transmission.Sent(), 1)
}

func TestAssignSamplingPriorityOnlyOnce(t *testing.T) {
	tb := newTestBuffer(t, []sample.Rule{sample.RateRule(1.0)}, enabledOptions())

	tb.buffer.RegisterSpan(types.SpanContext{TraceID: 1, SpanID: 2})
	s := span(1, 2, 0)

	first := tb.buffer.AssignSamplingPriority(s)
	require.NotNil(t, first)
	second := tb.buffer.AssignSamplingPriority(s)
	require.NotNil(t, second)
	assert.Equal(t, *first, *second)
}

func TestFlushDelegatesToTransmission(t *testing.T) {
	tb := newTestBuffer(t, nil, enabledOptions())
	require.NoError(t, tb.buffer.Flush(time.Second))
	assert.Equal(t, 1, tb.transmission.Flushed)
}

func TestConcurrentTraces(t *testing.T) {
	tb := newTestBuffer(t, []sample.Rule{sample.RateRule(1.0)}, Options{
		AnalyticsRate: math.NaN(),
		Enabled:       true,
	})

	const traces = 50
	const spansPerTrace = 10
	var wg sync.WaitGroup
	for i := 0; i < traces; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			traceID := uint64(n + 1)
			rootID := uint64(1000)
			tb.buffer.RegisterSpan(types.SpanContext{TraceID: traceID, SpanID: rootID})
			for j := 1; j < spansPerTrace; j++ {
				tb.buffer.RegisterSpan(types.SpanContext{TraceID: traceID, SpanID: rootID + uint64(j)})
			}
			for j := 1; j < spansPerTrace; j++ {
				tb.buffer.FinishSpan(span(traceID, rootID+uint64(j), rootID))
			}
			tb.buffer.FinishSpan(span(traceID, rootID, 0))
		}(i)
	}
	wg.Wait()

	sent := tb.transmission.Sent()
	require.Len(t, sent, traces)
	seen := make(map[uint64]bool)
	for _, trace := range sent {
		require.Len(t, trace, spansPerTrace)
		seen[trace[0].TraceID] = true
		// exactly one root decoration per batch
		roots := 0
		for _, sp := range trace {
			if _, ok := sp.Metrics["_sampling_priority_v1"]; ok {
				roots++
			}
		}
		assert.Equal(t, 1, roots, fmt.Sprintf("trace %d", trace[0].TraceID))
	}
	assert.Len(t, seen, traces)
}
