package sample

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/telemetryhq/tracecore/logger"
	"github.com/telemetryhq/tracecore/metrics"
	"github.com/telemetryhq/tracecore/types"
)

const (
	counterRuleKept    = "rulessampler_num_kept"
	counterRuleDropped = "rulessampler_num_dropped"
	histogramRuleRate  = "rulessampler_sample_rate"
)

// Rule is a user-supplied sampling rule. A nil pattern matches any value;
// when both patterns are set a span must match both. Rules are evaluated in
// declaration order and the first match wins.
type Rule struct {
	// Service matches the span's service name, nil matches everything.
	Service *regexp.Regexp
	// Name matches the span's operation name, nil matches everything.
	Name *regexp.Regexp
	// Rate is the probability in [0, 1] that a matching trace is kept.
	Rate float64
}

// GlobPattern converts a user pattern with the usual '*' and '?' wildcards
// into a matcher for the whole string, case-insensitively. An empty pattern
// or a bare "*" returns nil, which matches everything.
func GlobPattern(pattern string) *regexp.Regexp {
	if pattern == "" || pattern == "*" {
		return nil
	}
	pattern = regexp.QuoteMeta(pattern)
	pattern = strings.Replace(pattern, "\\?", ".", -1)
	pattern = strings.Replace(pattern, "\\*", ".*", -1)
	return regexp.MustCompile(fmt.Sprintf("(?i)^%s$", pattern))
}

// ServiceRule returns a Rule keeping traces of the given service at the
// given rate.
func ServiceRule(service string, rate float64) Rule {
	return Rule{Service: GlobPattern(service), Rate: rate}
}

// NameRule returns a Rule keeping traces whose operation name matches, at
// the given rate.
func NameRule(name string, rate float64) Rule {
	return Rule{Name: GlobPattern(name), Rate: rate}
}

// NameServiceRule returns a Rule that must match both operation name and
// service.
func NameServiceRule(name, service string, rate float64) Rule {
	return Rule{Name: GlobPattern(name), Service: GlobPattern(service), Rate: rate}
}

// RateRule returns a Rule that matches every trace.
func RateRule(rate float64) Rule {
	return Rule{Rate: rate}
}

func (r Rule) match(service, name string) bool {
	if r.Service != nil && !r.Service.MatchString(service) {
		return false
	}
	if r.Name != nil && !r.Name.MatchString(name) {
		return false
	}
	return true
}

// MatchResult is the outcome of scanning the rule list for a span.
type MatchResult struct {
	Matched bool
	// Rate is the matched rule's rate, NaN when Matched is false.
	Rate float64
}

// RulesSampler is the top of the sampling stack: explicit user rules first,
// then the token-bucket limiter over rule keeps, with agent priority
// sampling as the fallback for traces no rule matched.
type RulesSampler struct {
	Logger  logger.Logger
	Metrics metrics.Metrics

	rules    []Rule
	limiter  *Limiter
	priority *PrioritySampler
}

// NewRulesSampler composes the three sampling layers. The limiter applies
// only to traces kept by a rule; the priority sampler is consulted only when
// no rule matches.
func NewRulesSampler(log logger.Logger, met metrics.Metrics, rules []Rule, limiter *Limiter) *RulesSampler {
	rs := &RulesSampler{
		Logger:   log,
		Metrics:  met,
		rules:    rules,
		limiter:  limiter,
		priority: NewPrioritySampler(log),
	}
	rs.Metrics.Register(counterRuleKept, "counter")
	rs.Metrics.Register(counterRuleDropped, "counter")
	rs.Metrics.Register(histogramRuleRate, "histogram")
	return rs
}

// Configure updates the fallback priority sampler with a fresh agent rate
// table. Safe to call concurrently with Sample.
func (rs *RulesSampler) Configure(rates map[string]float64) {
	rs.priority.Configure(rates)
}

// Match scans the rules in declaration order and returns the first rule rate
// that applies to (service, name).
func (rs *RulesSampler) Match(service, name string) MatchResult {
	for _, rule := range rs.rules {
		if rule.match(service, name) {
			return MatchResult{Matched: true, Rate: rule.Rate}
		}
	}
	return MatchResult{Matched: false, Rate: math.NaN()}
}

// Sample decides the fate of a trace. Rule decisions carry User priorities
// because the rule was authored by a user; the agent fallback carries
// Sampler priorities.
func (rs *RulesSampler) Sample(env, service, name string, traceID uint64) types.SampleResult {
	match := rs.Match(service, name)
	if !match.Matched {
		return rs.priority.Sample(env, service, traceID)
	}

	result := types.NewSampleResult()
	result.RuleRate = match.Rate
	rs.Metrics.Histogram(histogramRuleRate, match.Rate)
	if !SampleByRate(traceID, match.Rate) {
		result.Priority = types.PriorityUserDrop.Ptr()
		rs.Metrics.Increment(counterRuleDropped)
		return result
	}

	admitted, effectiveRate := rs.limiter.Allow()
	result.LimiterRate = effectiveRate
	if admitted {
		result.Priority = types.PriorityUserKeep.Ptr()
		rs.Metrics.Increment(counterRuleKept)
	} else {
		result.Priority = types.PriorityUserDrop.Ptr()
		rs.Metrics.Increment(counterRuleDropped)
	}
	return result
}
