package types

import "math"

// SamplingPriority records the sampling decision for a trace along with who
// made it. Values at or above SamplerKeep mean the trace is reported.
type SamplingPriority int

const (
	// PriorityUserDrop is an explicit user decision to drop the trace,
	// either through a sampling rule or the tracer API.
	PriorityUserDrop SamplingPriority = -1
	// PrioritySamplerDrop is an automatic decision to drop the trace.
	PrioritySamplerDrop SamplingPriority = 0
	// PrioritySamplerKeep is an automatic decision to keep the trace.
	PrioritySamplerKeep SamplingPriority = 1
	// PriorityUserKeep is an explicit user decision to keep the trace.
	PriorityUserKeep SamplingPriority = 2
)

// Keep reports whether the priority means the trace should be reported.
func (p SamplingPriority) Keep() bool {
	return p >= PrioritySamplerKeep
}

// UserSet reports whether the priority encodes an explicit user decision
// rather than an automatic one.
func (p SamplingPriority) UserSet() bool {
	return p == PriorityUserDrop || p == PriorityUserKeep
}

func (p SamplingPriority) String() string {
	switch p {
	case PriorityUserDrop:
		return "UserDrop"
	case PrioritySamplerDrop:
		return "SamplerDrop"
	case PrioritySamplerKeep:
		return "SamplerKeep"
	case PriorityUserKeep:
		return "UserKeep"
	}
	return "unknown"
}

// Ptr returns a pointer to a copy of p. An absent priority is a nil
// *SamplingPriority everywhere in this library; no sentinel value stands in
// for "unset".
func (p SamplingPriority) Ptr() *SamplingPriority {
	return &p
}

// SampleResult carries the rates that contributed to a sampling decision and
// the resulting priority. A rate of NaN means that layer did not apply.
type SampleResult struct {
	RuleRate     float64
	LimiterRate  float64
	PriorityRate float64
	Priority     *SamplingPriority
}

// NewSampleResult returns a SampleResult with every rate marked as not
// applicable and no priority.
func NewSampleResult() SampleResult {
	return SampleResult{
		RuleRate:     math.NaN(),
		LimiterRate:  math.NaN(),
		PriorityRate: math.NaN(),
	}
}
