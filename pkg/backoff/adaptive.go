package backoff

import (
	"fmt"
	"sync"
	"time"
)

// AdaptiveConfig bounds and tunes an AdaptiveDelay
type AdaptiveConfig struct {
	Min     time.Duration `mapstructure:"min"`
	Max     time.Duration `mapstructure:"max"`
	Initial time.Duration `mapstructure:"initial"`

	IncreaseFactor      float64 `mapstructure:"increase_factor"`
	QuotaIncreaseFactor float64 `mapstructure:"quota_increase_factor"`
	DecreaseFactor      float64 `mapstructure:"decrease_factor"`

	// SuccessThreshold is the success streak length after which the delay shrinks
	SuccessThreshold int `mapstructure:"success_threshold"`
	// WindowSize is the number of recent durations kept for averaging
	WindowSize int `mapstructure:"window_size"`
}

// DefaultAdaptiveConfig returns pacing suited to a 60 requests/minute API
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		Min:                 1 * time.Second,
		Max:                 10 * time.Second,
		Initial:             1500 * time.Millisecond,
		IncreaseFactor:      1.5,
		QuotaIncreaseFactor: 2.0,
		DecreaseFactor:      0.95,
		SuccessThreshold:    5,
		WindowSize:          20,
	}
}

// Validate checks that the bounds and factors are coherent
func (c AdaptiveConfig) Validate() error {
	if c.Min < 0 {
		return fmt.Errorf("min delay cannot be negative, got %s", c.Min)
	}
	if c.Max < c.Min {
		return fmt.Errorf("max delay %s must not be below min delay %s", c.Max, c.Min)
	}
	if c.IncreaseFactor < 1.0 {
		return fmt.Errorf("increase factor must be at least 1.0, got %f", c.IncreaseFactor)
	}
	if c.QuotaIncreaseFactor != 0 && c.QuotaIncreaseFactor < 1.0 {
		return fmt.Errorf("quota increase factor must be at least 1.0, got %f", c.QuotaIncreaseFactor)
	}
	if c.DecreaseFactor <= 0 || c.DecreaseFactor > 1.0 {
		return fmt.Errorf("decrease factor must be between 0 and 1.0, got %f", c.DecreaseFactor)
	}
	if c.SuccessThreshold <= 0 {
		return fmt.Errorf("success threshold must be positive, got %d", c.SuccessThreshold)
	}
	if c.WindowSize <= 0 || c.WindowSize > 10000 {
		return fmt.Errorf("window size must be between 1 and 10000, got %d", c.WindowSize)
	}
	return nil
}

// AdaptiveState is a point-in-time view of an AdaptiveDelay
type AdaptiveState struct {
	Delay                time.Duration `json:"delay"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	RecentDurations      int           `json:"recent_durations"`
}

// AdaptiveDelay is the inter-request pacing value shared by a queue. It grows
// on failures, shrinks on success streaks and never leaves [Min, Max].
type AdaptiveDelay struct {
	cfg AdaptiveConfig

	mu                   sync.RWMutex
	delay                time.Duration
	consecutiveSuccesses int
	consecutiveFailures  int
	recentDurations      []time.Duration
}

// NewAdaptiveDelay creates a controller starting at cfg.Initial clamped into bounds
func NewAdaptiveDelay(cfg AdaptiveConfig) (*AdaptiveDelay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.QuotaIncreaseFactor == 0 {
		cfg.QuotaIncreaseFactor = cfg.IncreaseFactor
	}

	a := &AdaptiveDelay{
		cfg:             cfg,
		recentDurations: make([]time.Duration, 0, cfg.WindowSize),
	}
	a.delay = a.clamp(float64(cfg.Initial))
	return a, nil
}

// Current returns the delay to wait before the next request
func (a *AdaptiveDelay) Current() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.delay
}

// Delay implements Strategy; the attempt number does not influence pacing
func (a *AdaptiveDelay) Delay(attempt int) time.Duration {
	return a.Current()
}

// ReportSuccess records a completed request and its duration
func (a *AdaptiveDelay) ReportSuccess(duration time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.recentDurations) >= a.cfg.WindowSize {
		a.recentDurations = a.recentDurations[1:]
	}
	a.recentDurations = append(a.recentDurations, duration)

	a.consecutiveSuccesses++
	a.consecutiveFailures = 0

	if a.consecutiveSuccesses >= a.cfg.SuccessThreshold {
		a.delay = a.clamp(float64(a.delay) * a.cfg.DecreaseFactor)
	}
}

// ReportFailure records a failed request. Quota failures back off harder.
func (a *AdaptiveDelay) ReportFailure(isQuotaError bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.consecutiveFailures++
	a.consecutiveSuccesses = 0

	factor := a.cfg.IncreaseFactor
	if isQuotaError {
		factor = a.cfg.QuotaIncreaseFactor
	}
	a.delay = a.clamp(float64(a.delay) * factor)
}

// AverageDuration returns the mean of the recent request durations, or
// fallback when nothing has completed yet
func (a *AdaptiveDelay) AverageDuration(fallback time.Duration) time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.recentDurations) == 0 {
		return fallback
	}

	var total time.Duration
	for _, d := range a.recentDurations {
		total += d
	}
	return total / time.Duration(len(a.recentDurations))
}

// Snapshot returns the current state
func (a *AdaptiveDelay) Snapshot() AdaptiveState {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return AdaptiveState{
		Delay:                a.delay,
		ConsecutiveSuccesses: a.consecutiveSuccesses,
		ConsecutiveFailures:  a.consecutiveFailures,
		RecentDurations:      len(a.recentDurations),
	}
}

// Reset restores the initial delay and forgets history
func (a *AdaptiveDelay) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.delay = a.clamp(float64(a.cfg.Initial))
	a.consecutiveSuccesses = 0
	a.consecutiveFailures = 0
	a.recentDurations = a.recentDurations[:0]
}

// clamp must be called with the lock held or during construction
func (a *AdaptiveDelay) clamp(delay float64) time.Duration {
	if delay < float64(a.cfg.Min) {
		return a.cfg.Min
	}
	if delay > float64(a.cfg.Max) {
		return a.cfg.Max
	}
	return time.Duration(delay)
}
