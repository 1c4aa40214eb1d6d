package sample

import (
	"fmt"
	"sync"

	"github.com/telemetryhq/tracecore/logger"
	"github.com/telemetryhq/tracecore/types"
)

// defaultPriorityRate applies until the agent has told us otherwise: keep
// everything.
const defaultPriorityRate = 1.0

// PrioritySampler keeps the per-(service,env) rates the trace agent hands
// back and applies them to traces no user rule claimed. The agent computes
// the rates from the volume it sees for each service; Configure is called
// whenever the transmitter decodes a fresh table.
type PrioritySampler struct {
	Logger logger.Logger

	mu          sync.RWMutex
	rates       map[string]float64
	defaultRate float64
}

// NewPrioritySampler returns a sampler that keeps every trace until it is
// configured with agent rates.
func NewPrioritySampler(log logger.Logger) *PrioritySampler {
	return &PrioritySampler{
		Logger:      log,
		defaultRate: defaultPriorityRate,
	}
}

// priorityKey builds the lookup key the agent uses in its rate table.
func priorityKey(service, env string) string {
	return fmt.Sprintf("service:%s,env:%s", service, env)
}

// Configure atomically replaces the rate table. Readers in flight see either
// the old table or the new one in full.
func (s *PrioritySampler) Configure(rates map[string]float64) {
	fresh := make(map[string]float64, len(rates))
	for k, v := range rates {
		fresh[k] = v
	}
	s.mu.Lock()
	s.rates = fresh
	s.mu.Unlock()
	s.Logger.Debugf("priority sampler configured with %d service rates", len(fresh))
}

// Sample decides keep or drop for the trace using the configured rate for
// (service, env), falling back to the default rate when the pair is unknown.
func (s *PrioritySampler) Sample(env, service string, traceID uint64) types.SampleResult {
	s.mu.RLock()
	rate, ok := s.rates[priorityKey(service, env)]
	if !ok {
		rate = s.defaultRate
	}
	s.mu.RUnlock()

	result := types.NewSampleResult()
	result.PriorityRate = rate
	if SampleByRate(traceID, rate) {
		result.Priority = types.PrioritySamplerKeep.Ptr()
	} else {
		result.Priority = types.PrioritySamplerDrop.Ptr()
	}
	return result
}
