package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PollingPolicy is the complete tuning surface for one (provider, job type)
// pair. Expected durations differ by orders of magnitude across pairs, so
// there is no single sensible default for all of them.
type PollingPolicy struct {
	Interval    time.Duration `yaml:"interval"`
	MaxTimeout  time.Duration `yaml:"max_timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// UnmarshalYAML accepts durations in Go syntax ("30s", "2h") since yaml.v3
// has no native time.Duration support.
func (p *PollingPolicy) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Interval    string `yaml:"interval"`
		MaxTimeout  string `yaml:"max_timeout"`
		MaxAttempts int    `yaml:"max_attempts"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	var err error
	if p.Interval, err = parseOptionalDuration(raw.Interval); err != nil {
		return fmt.Errorf("interval: %w", err)
	}
	if p.MaxTimeout, err = parseOptionalDuration(raw.MaxTimeout); err != nil {
		return fmt.Errorf("max_timeout: %w", err)
	}
	p.MaxAttempts = raw.MaxAttempts
	return nil
}

// Missing fields decode as zero and are rejected by validatePolicy, which
// carries the provider/job type in its message.
func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// PollingPolicies maps provider name -> job type -> policy.
type PollingPolicies map[string]map[string]PollingPolicy

// DefaultPollingPolicies returns the built-in table. Training runs on Astria
// take tens of minutes to ~90 minutes; single-image edits finish in single
// digit minutes.
func DefaultPollingPolicies() PollingPolicies {
	return PollingPolicies{
		"astria": {
			"training":   {Interval: 60 * time.Second, MaxTimeout: 120 * time.Minute, MaxAttempts: 150},
			"generation": {Interval: 5 * time.Second, MaxTimeout: 10 * time.Minute, MaxAttempts: 150},
			"edit":       {Interval: 5 * time.Second, MaxTimeout: 8 * time.Minute, MaxAttempts: 120},
		},
		"replicate": {
			"generation": {Interval: 5 * time.Second, MaxTimeout: 10 * time.Minute, MaxAttempts: 150},
			"upscale":    {Interval: 10 * time.Second, MaxTimeout: 15 * time.Minute, MaxAttempts: 100},
			"video":      {Interval: 15 * time.Second, MaxTimeout: 45 * time.Minute, MaxAttempts: 200},
			"edit":       {Interval: 5 * time.Second, MaxTimeout: 8 * time.Minute, MaxAttempts: 120},
		},
		"local": {
			"generation": {Interval: 3 * time.Second, MaxTimeout: 15 * time.Minute, MaxAttempts: 300},
			"upscale":    {Interval: 5 * time.Second, MaxTimeout: 20 * time.Minute, MaxAttempts: 250},
		},
	}
}

// fallbackPolicy covers pairs missing from both the defaults and the
// overrides file, so a new job type never starts with a zero interval.
var fallbackPolicy = PollingPolicy{
	Interval:    10 * time.Second,
	MaxTimeout:  30 * time.Minute,
	MaxAttempts: 180,
}

// Lookup never returns a zero policy.
func (p PollingPolicies) Lookup(provider, jobType string) PollingPolicy {
	if byType, ok := p[provider]; ok {
		if policy, ok := byType[jobType]; ok {
			return policy
		}
	}
	return fallbackPolicy
}

// LoadPollingPolicies merges the YAML overrides file at path over the
// defaults. An empty path returns the defaults unchanged; entries in the file
// replace matching pairs and may introduce new providers or job types.
func LoadPollingPolicies(path string) (PollingPolicies, error) {
	policies := DefaultPollingPolicies()
	if path == "" {
		return policies, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read polling config %s: %w", path, err)
	}

	var overrides PollingPolicies
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse polling config %s: %w", path, err)
	}

	for provider, byType := range overrides {
		if policies[provider] == nil {
			policies[provider] = make(map[string]PollingPolicy)
		}
		for jobType, policy := range byType {
			if err := validatePolicy(provider, jobType, policy); err != nil {
				return nil, err
			}
			policies[provider][jobType] = policy
		}
	}

	return policies, nil
}

func validatePolicy(provider, jobType string, p PollingPolicy) error {
	if p.Interval <= 0 {
		return fmt.Errorf("polling config %s/%s: interval must be positive", provider, jobType)
	}
	if p.MaxTimeout <= 0 {
		return fmt.Errorf("polling config %s/%s: max_timeout must be positive", provider, jobType)
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("polling config %s/%s: max_attempts must be positive", provider, jobType)
	}
	return nil
}
