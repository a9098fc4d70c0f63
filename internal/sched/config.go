package sched

import (
	"fmt"
	"os"
	"time"

	yaml "github.com/goccy/go-yaml"
)

// Run queue orderings.
const (
	OrderingUtility  = "utility"
	OrderingPriority = "priority"
)

// Config mirrors config.yml
type Config struct {
	TickMS          int           `yaml:"tick_ms"`           // 10 (by default)
	TicksPerTslice  int           `yaml:"ticks_per_tslice"`  // 3 (by default)
	TicksPerAcct    int           `yaml:"ticks_per_acct"`    // 3 (by default)
	CreditsPerMsec  int           `yaml:"credits_per_msec"`  // 10 (by default)
	QuantumMS       int           `yaml:"quantum_ms"`        // 5 (by default)
	DefaultWeight   int           `yaml:"default_weight"`    // 256 (by default)
	Ordering        string        `yaml:"ordering"`          // utility | priority
	TickleOneIdle   bool          `yaml:"tickle_one_idle"`   // signal a single idler instead of every idler
	SMTPowerSavings bool          `yaml:"smt_power_savings"` // consolidate work on busy cores
	DefaultYield    bool          `yaml:"default_yield"`     // ignore yield hints
	LoadBalance     bool          `yaml:"load_balance"`      // steal from busy peers instead of going idle or running over-credit work
	MaxTasks        int           `yaml:"max_tasks"`         // arena capacity for tasks
	MaxGroups       int           `yaml:"max_groups"`        // arena capacity for groups
	EventBuffer     int           `yaml:"event_buffer"`      // status event channel size
	Utility         UtilityConfig `yaml:"utility"`
}

// UtilityConfig holds the parameters of the utility model. Times are in microseconds.
type UtilityConfig struct {
	TMax            int64        `yaml:"tmax"`
	Duration        int64        `yaml:"duration"`
	Partial         int64        `yaml:"partial"` // moving average keeps 1-1/partial of its history per pass
	ServiceBudgetUS int64        `yaml:"service_budget_us"`
	Tiers           []TierConfig `yaml:"tiers"`
}

// TierConfig describes one service tier. Index 0 is the best tier.
type TierConfig struct {
	Alpha       int64 `yaml:"alpha"`
	TimeLimitUS int64 `yaml:"time_limit_us"`
	UI          int64 `yaml:"ui"`
	Weight      int64 `yaml:"weight"`
}

// DefaultConfig returns the values used when no config file is given.
func DefaultConfig() Config {
	return Config{
		TickMS:         10,
		TicksPerTslice: 3,
		TicksPerAcct:   3,
		CreditsPerMsec: 10,
		QuantumMS:      5,
		DefaultWeight:  256,
		Ordering:       OrderingUtility,
		TickleOneIdle:  true,
		LoadBalance:    true,
		MaxTasks:       1024,
		MaxGroups:      256,
		EventBuffer:    256,
		Utility: UtilityConfig{
			TMax:            2000,
			Duration:        10,
			Partial:         25,
			ServiceBudgetUS: 5_000_000,
			Tiers: []TierConfig{
				{Alpha: 1, TimeLimitUS: 1000, UI: 2000, Weight: 100},
				{Alpha: 2, TimeLimitUS: 3000, UI: 1950, Weight: 50},
				{Alpha: 3, TimeLimitUS: 5000, UI: 1850, Weight: 30},
				{Alpha: 4, TimeLimitUS: 7000, UI: 1000, Weight: 10},
			},
		},
	}
}

// Load reads YAML and overrides defaults; empty path = defaults only
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.clamp()
	return cfg, cfg.Validate()
}

// clamp replaces non-positive sizes with their defaults.
func (c *Config) clamp() {
	def := DefaultConfig()
	if c.TickMS <= 0 {
		c.TickMS = def.TickMS
	}
	if c.TicksPerTslice <= 0 {
		c.TicksPerTslice = def.TicksPerTslice
	}
	if c.TicksPerAcct <= 0 {
		c.TicksPerAcct = def.TicksPerAcct
	}
	if c.CreditsPerMsec <= 0 {
		c.CreditsPerMsec = def.CreditsPerMsec
	}
	if c.QuantumMS <= 0 {
		c.QuantumMS = def.QuantumMS
	}
	if c.DefaultWeight <= 0 {
		c.DefaultWeight = def.DefaultWeight
	}
	if c.EventBuffer < 0 {
		c.EventBuffer = 0
	}
	if c.Utility.Duration <= 0 {
		c.Utility.Duration = def.Utility.Duration
	}
	if c.Utility.Partial <= 0 {
		c.Utility.Partial = def.Utility.Partial
	}
	if c.Utility.ServiceBudgetUS <= 0 {
		c.Utility.ServiceBudgetUS = def.Utility.ServiceBudgetUS
	}
	if len(c.Utility.Tiers) == 0 {
		c.Utility.Tiers = def.Utility.Tiers
	}
}

// Validate reports settings that cannot be clamped into something sensible.
func (c Config) Validate() error {
	switch c.Ordering {
	case OrderingUtility, OrderingPriority:
	default:
		return fmt.Errorf("%w: unknown ordering %q", ErrInvalidConfig, c.Ordering)
	}
	if c.MaxTasks <= 0 || c.MaxGroups <= 0 {
		return fmt.Errorf("%w: max_tasks and max_groups must be positive", ErrInvalidConfig)
	}
	if c.TickMS <= 0 || c.QuantumMS <= 0 || c.TicksPerAcct <= 0 || c.TicksPerTslice <= 0 || c.CreditsPerMsec <= 0 {
		return fmt.Errorf("%w: timing parameters must be positive", ErrInvalidConfig)
	}
	if c.Utility.Duration <= 0 || c.Utility.Partial <= 0 {
		return fmt.Errorf("%w: utility duration and partial must be positive", ErrInvalidConfig)
	}
	if len(c.Utility.Tiers) == 0 {
		return fmt.Errorf("%w: at least one service tier is required", ErrInvalidConfig)
	}
	for i, t := range c.Utility.Tiers {
		if t.TimeLimitUS < 0 || t.Alpha < 0 {
			return fmt.Errorf("%w: tier %d has negative parameters", ErrInvalidConfig, i)
		}
	}
	return nil
}

// Tick is the per-processor accounting period.
func (c Config) Tick() time.Duration { return time.Duration(c.TickMS) * time.Millisecond }

// AcctPeriod is the interval between two settle passes.
func (c Config) AcctPeriod() time.Duration { return c.Tick() * time.Duration(c.TicksPerAcct) }

// Quantum is the timeslice handed to a real task.
func (c Config) Quantum() time.Duration { return time.Duration(c.QuantumMS) * time.Millisecond }

// CreditsPerTslice bounds a task's balance in both directions.
func (c Config) CreditsPerTslice() int64 {
	return int64(c.CreditsPerMsec) * int64(c.TickMS) * int64(c.TicksPerTslice)
}

// CreditsPerAcct is what one processor contributes to the pool each period.
func (c Config) CreditsPerAcct() int64 {
	return int64(c.CreditsPerMsec) * int64(c.TickMS) * int64(c.TicksPerAcct)
}

// WorstTier is the tier groups are demoted towards.
func (c Config) WorstTier() ServiceTier { return ServiceTier(len(c.Utility.Tiers) - 1) }
