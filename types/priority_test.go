package types

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSamplingPriorityKeep(t *testing.T) {
	assert.False(t, PriorityUserDrop.Keep())
	assert.False(t, PrioritySamplerDrop.Keep())
	assert.True(t, PrioritySamplerKeep.Keep())
	assert.True(t, PriorityUserKeep.Keep())
}

func TestSamplingPriorityUserSet(t *testing.T) {
	assert.True(t, PriorityUserDrop.UserSet())
	assert.True(t, PriorityUserKeep.UserSet())
	assert.False(t, PrioritySamplerDrop.UserSet())
	assert.False(t, PrioritySamplerKeep.UserSet())
}

func TestPtrCopies(t *testing.T) {
	p := PriorityUserKeep
	ptr := p.Ptr()
	*ptr = PriorityUserDrop
	assert.Equal(t, PriorityUserKeep, p)
}

func TestNewSampleResult(t *testing.T) {
	result := NewSampleResult()
	assert.True(t, math.IsNaN(result.RuleRate))
	assert.True(t, math.IsNaN(result.LimiterRate))
	assert.True(t, math.IsNaN(result.PriorityRate))
	assert.Nil(t, result.Priority)
}

func TestSpanEnv(t *testing.T) {
	s := &SpanData{}
	assert.Equal(t, "", s.Env())
	s.SetMeta("env", "prod")
	assert.Equal(t, "prod", s.Env())
}
