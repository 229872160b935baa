package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid rate limit configuration")

// KeyLimits overrides the base capacity and ceiling for one key.
type KeyLimits struct {
	// Base is the starting capacity in requests per second.
	Base float64 `toml:"base" json:"base"`

	// Ceiling bounds recovery. Zero means Base.
	Ceiling float64 `toml:"ceiling" json:"ceiling"`
}

// Config configures an AdaptiveLimiter.
type Config struct {
	// BaseCapacity is the starting capacity for keys without an override.
	// Default: 20 requests/second
	BaseCapacity float64 `toml:"base_capacity"`

	// Ceiling bounds recovery. Zero means BaseCapacity.
	Ceiling float64 `toml:"ceiling"`

	// MinCapacity is the floor a throttled key never drops below.
	// Default: 1 request/second
	MinCapacity float64 `toml:"min_capacity"`

	// DecreaseFactor is the multiplier applied on each throttle (0-1).
	// Default: 0.5
	DecreaseFactor float64 `toml:"decrease_factor"`

	// RecoveryWindow is the throttle-free interval required before each
	// recovery step.
	// Default: 30 seconds
	RecoveryWindow time.Duration `toml:"recovery_window"`

	// RecoveryStep is the fractional increase of one recovery step.
	// Default: 0.1 (10%)
	RecoveryStep float64 `toml:"recovery_step"`

	// Window is the rolling interval over which at most floor(capacity)
	// grants are made.
	// Default: 1 second
	Window time.Duration `toml:"window"`

	// MaxBackoff caps Retry-After hints reported with a throttle.
	// Default: 60 seconds
	MaxBackoff time.Duration `toml:"max_backoff"`

	// Keys holds per-key overrides.
	Keys map[string]KeyLimits `toml:"keys"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseCapacity:   20,
		MinCapacity:    1,
		DecreaseFactor: 0.5,
		RecoveryWindow: 30 * time.Second,
		RecoveryStep:   0.1,
		Window:         time.Second,
		MaxBackoff:     60 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseCapacity == 0 {
		c.BaseCapacity = d.BaseCapacity
	}
	if c.MinCapacity == 0 {
		c.MinCapacity = d.MinCapacity
	}
	if c.DecreaseFactor == 0 {
		c.DecreaseFactor = d.DecreaseFactor
	}
	if c.RecoveryWindow == 0 {
		c.RecoveryWindow = d.RecoveryWindow
	}
	if c.RecoveryStep == 0 {
		c.RecoveryStep = d.RecoveryStep
	}
	if c.Window == 0 {
		c.Window = d.Window
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	return c
}

// Validate checks the configuration once defaults have been applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.MinCapacity < 1 {
		return fmt.Errorf("%w: min_capacity must be at least 1", ErrInvalidConfig)
	}
	if c.DecreaseFactor <= 0 || c.DecreaseFactor >= 1 {
		return fmt.Errorf("%w: decrease_factor must be in (0, 1)", ErrInvalidConfig)
	}
	if c.RecoveryWindow < 0 || c.Window < 0 || c.MaxBackoff < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	if c.RecoveryStep < 0 {
		return fmt.Errorf("%w: recovery_step must not be negative", ErrInvalidConfig)
	}
	if err := c.checkLimits("default", KeyLimits{Base: c.BaseCapacity, Ceiling: c.Ceiling}); err != nil {
		return err
	}
	for key, lim := range c.Keys {
		if err := c.checkLimits(key, lim); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) checkLimits(name string, lim KeyLimits) error {
	if lim.Base < c.MinCapacity {
		return fmt.Errorf("%w: %s: base capacity %.2f below minimum %.2f",
			ErrInvalidConfig, name, lim.Base, c.MinCapacity)
	}
	if lim.Ceiling != 0 && lim.Ceiling < lim.Base {
		return fmt.Errorf("%w: %s: ceiling %.2f below base %.2f",
			ErrInvalidConfig, name, lim.Ceiling, lim.Base)
	}
	return nil
}

// limitsFor resolves the effective limits for key.
func (c Config) limitsFor(key string) KeyLimits {
	lim, ok := c.Keys[key]
	if !ok {
		lim = KeyLimits{Base: c.BaseCapacity, Ceiling: c.Ceiling}
	}
	if lim.Ceiling == 0 {
		lim.Ceiling = lim.Base
	}
	return lim
}

// BucketState is a read-only view of one key's bucket.
type BucketState struct {
	Key                  string    `json:"key"`
	Capacity             float64   `json:"capacity"`
	Base                 float64   `json:"base"`
	Ceiling              float64   `json:"ceiling"`
	Tokens               float64   `json:"tokens"`
	ConsecutiveThrottles int       `json:"consecutive_throttles"`
	TotalThrottles       int64     `json:"total_throttles"`
	LastThrottle         time.Time `json:"last_throttle,omitempty"`
	BackoffUntil         time.Time `json:"backoff_until,omitempty"`
	RecentGrants         int       `json:"recent_grants"`
}

// InBackoff reports whether a Retry-After hint is still being honoured at now.
func (s BucketState) InBackoff(now time.Time) bool {
	return now.Before(s.BackoffUntil)
}

// Reasons attached to capacity updates.
const (
	ReasonThrottled = "throttled"
	ReasonRecovered = "recovered"
)

// CapacityUpdate describes one capacity change.
type CapacityUpdate struct {
	// Key that changed. Published updates carry the redacted key.
	Key string `json:"key"`

	// Source identifies the process that observed the change.
	Source string `json:"source,omitempty"`

	OldCapacity float64 `json:"old_capacity"`
	NewCapacity float64 `json:"new_capacity"`

	// Reason is ReasonThrottled or ReasonRecovered.
	Reason string `json:"reason"`

	Timestamp time.Time `json:"timestamp"`
}

// OnCapacityChange is invoked after a key's capacity changes.
// It runs on the goroutine that caused the change, outside any bucket lock.
type OnCapacityChange func(update CapacityUpdate)
