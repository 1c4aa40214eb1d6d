package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/telemetryhq/tracecore/sample"
)

// jsonRule is the wire shape of one entry in the SamplingRules list.
type jsonRule struct {
	Name       string   `json:"name"`
	Service    string   `json:"service"`
	SampleRate *float64 `json:"sample_rate"`
}

// ParseRules decodes the JSON rule list into sampler rules, preserving
// declaration order. Any malformed entry fails the whole parse; sampling
// with a half-applied rule set would be worse than failing loudly.
func ParseRules(text string) ([]sample.Rule, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	var raw []jsonRule
	dec := json.NewDecoder(strings.NewReader(text))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("config: parsing sampling rules: %w", err)
	}
	rules := make([]sample.Rule, 0, len(raw))
	for i, jr := range raw {
		if jr.SampleRate == nil {
			return nil, fmt.Errorf("config: sampling rule %d is missing sample_rate", i)
		}
		rate := *jr.SampleRate
		if rate < 0 || rate > 1 {
			return nil, fmt.Errorf("config: sampling rule %d has sample_rate %f outside [0, 1]", i, rate)
		}
		rules = append(rules, sample.Rule{
			Name:    sample.GlobPattern(jr.Name),
			Service: sample.GlobPattern(jr.Service),
			Rate:    rate,
		})
	}
	return rules, nil
}

// Rules parses the configured SamplingRules text.
func (c *Config) Rules() ([]sample.Rule, error) {
	return ParseRules(c.SamplingRules)
}
