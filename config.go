package saga

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	RetryStrategyExponential = "exponential"
	RetryStrategyLinear      = "linear"
	RetryStrategyNone        = "none"
)

// RetryConfig parameterizes the retry budget and backoff for one step.
type RetryConfig struct {
	Strategy    string        `yaml:"strategy" json:"strategy"`
	Base        time.Duration `yaml:"base" json:"base"`
	Factor      float64       `yaml:"factor" json:"factor,omitempty"`
	Increment   time.Duration `yaml:"increment" json:"increment,omitempty"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"maxDelay,omitempty"`
	MaxAttempts int           `yaml:"max_attempts" json:"maxAttempts"`
}

// UnmarshalYAML accepts Go duration strings ("100ms", "2s") for the
// delay fields.
func (c *RetryConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Strategy    string  `yaml:"strategy"`
		Base        string  `yaml:"base"`
		Factor      float64 `yaml:"factor"`
		Increment   string  `yaml:"increment"`
		MaxDelay    string  `yaml:"max_delay"`
		MaxAttempts int     `yaml:"max_attempts"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.Strategy = raw.Strategy
	c.Factor = raw.Factor
	c.MaxAttempts = raw.MaxAttempts

	var err error
	if c.Base, err = parseOptionalDuration(raw.Base); err != nil {
		return fmt.Errorf("base: %w", err)
	}
	if c.Increment, err = parseOptionalDuration(raw.Increment); err != nil {
		return fmt.Errorf("increment: %w", err)
	}
	if c.MaxDelay, err = parseOptionalDuration(raw.MaxDelay); err != nil {
		return fmt.Errorf("max_delay: %w", err)
	}
	return nil
}

func parseOptionalDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	return time.ParseDuration(value)
}

// Validate checks strategy names and bounds.
func (c RetryConfig) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Strategy)) {
	case RetryStrategyExponential, RetryStrategyLinear, RetryStrategyNone, "":
	default:
		return fmt.Errorf("unsupported retry strategy %s", c.Strategy)
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts cannot be negative")
	}
	if c.Base < 0 || c.MaxDelay < 0 || c.Increment < 0 {
		return fmt.Errorf("retry delays cannot be negative")
	}
	return nil
}

func (c RetryConfig) normalize() RetryConfig {
	c.Strategy = strings.ToLower(strings.TrimSpace(c.Strategy))
	if c.Strategy == "" {
		c.Strategy = RetryStrategyNone
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.Strategy == RetryStrategyExponential && c.Factor <= 0 {
		c.Factor = 2
	}
	return c
}

// strategy builds the backoff implementation for this config.
func (c RetryConfig) strategy() RetryStrategy {
	c = c.normalize()
	switch c.Strategy {
	case RetryStrategyExponential:
		return ExponentialBackoffStrategy{Base: c.Base, Factor: c.Factor, Max: c.MaxDelay}
	case RetryStrategyLinear:
		return LinearBackoffStrategy{Base: c.Base, Increment: c.Increment, Max: c.MaxDelay}
	default:
		return NoDelayStrategy{}
	}
}

// RetryTable is the per-step retry configuration: a default policy plus
// overrides keyed by step name.
type RetryTable struct {
	Default RetryConfig            `yaml:"default" json:"default"`
	Steps   map[string]RetryConfig `yaml:"steps" json:"steps,omitempty"`
}

// DefaultRetryTable is the engine fallback: three exponential attempts.
func DefaultRetryTable() RetryTable {
	return RetryTable{
		Default: RetryConfig{
			Strategy:    RetryStrategyExponential,
			Base:        100 * time.Millisecond,
			Factor:      2,
			MaxDelay:    5 * time.Second,
			MaxAttempts: 3,
		},
	}
}

// Validate checks every configured policy.
func (t RetryTable) Validate() error {
	if err := t.Default.Validate(); err != nil {
		return fmt.Errorf("default retry policy: %w", err)
	}
	for name, cfg := range t.Steps {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("retry policy for step %s: %w", name, err)
		}
	}
	return nil
}

// ForStep resolves the effective policy for a step: the step's own
// override wins, then the table entry, then the table default.
func (t RetryTable) ForStep(stepName string, override *RetryConfig) RetryConfig {
	if override != nil {
		return override.normalize()
	}
	stepName = strings.TrimSpace(stepName)
	if cfg, ok := t.Steps[stepName]; ok {
		return cfg.normalize()
	}
	return t.Default.normalize()
}

// ParseRetryTable attempts to parse JSON or YAML into a RetryTable.
func ParseRetryTable(data []byte) (RetryTable, error) {
	var table RetryTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		// yaml can handle JSON too, so a single attempt is fine
		return table, err
	}
	return table, table.Validate()
}
