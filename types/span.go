package types

// envTag is the span tag that carries the deployment environment.
const envTag = "env"

// SpanData is the mutable payload of a single span as it moves through the
// buffer and out to the transmitter. The buffer only ever touches Meta and
// Metrics; everything else belongs to whoever created the span.
type SpanData struct {
	TraceID  uint64 `msgpack:"trace_id"`
	SpanID   uint64 `msgpack:"span_id"`
	ParentID uint64 `msgpack:"parent_id"`

	Service  string `msgpack:"service"`
	Name     string `msgpack:"name"`
	Resource string `msgpack:"resource"`
	Type     string `msgpack:"type"`

	Start    int64 `msgpack:"start"`
	Duration int64 `msgpack:"duration"`
	Error    int32 `msgpack:"error"`

	Meta    map[string]string  `msgpack:"meta,omitempty"`
	Metrics map[string]float64 `msgpack:"metrics,omitempty"`
}

// Env returns the deployment environment tagged on the span, or "" when the
// span carries none.
func (s *SpanData) Env() string {
	return s.Meta[envTag]
}

// SetMeta sets a string tag, allocating the map on first use.
func (s *SpanData) SetMeta(key, value string) {
	if s.Meta == nil {
		s.Meta = make(map[string]string, 1)
	}
	s.Meta[key] = value
}

// SetMetric sets a numeric tag, allocating the map on first use.
func (s *SpanData) SetMetric(key string, value float64) {
	if s.Metrics == nil {
		s.Metrics = make(map[string]float64, 1)
	}
	s.Metrics[key] = value
}

// SpanContext is the propagation-facing identity of a span: enough to
// register it with the buffer and to carry an inbound sampling decision.
type SpanContext struct {
	TraceID uint64
	SpanID  uint64

	// PropagatedPriority is the sampling priority received from an upstream
	// service, nil when the inbound request carried none.
	PropagatedPriority *SamplingPriority

	// Origin of the trace (e.g. "synthetics"), "" when absent.
	Origin string
}
