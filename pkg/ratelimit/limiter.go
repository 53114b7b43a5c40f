// Package ratelimit paces calls per resource key with a minimum interval and
// a rolling window cap, and tracks quota-exhaustion cooldowns.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/shaneisley/quotaq/pkg/clock"
	"github.com/shaneisley/quotaq/pkg/logging"
)

const (
	DefaultMinInterval  = 1100 * time.Millisecond
	DefaultWindow       = 60 * time.Second
	DefaultMaxPerWindow = 60
)

// ErrEmptyKey is returned when Acquire is called without a resource key
var ErrEmptyKey = errors.New("resource key cannot be empty")

// Config holds the pacing limits applied to every key
type Config struct {
	MinInterval  time.Duration `mapstructure:"min_interval"`
	Window       time.Duration `mapstructure:"window"`
	MaxPerWindow int           `mapstructure:"max_per_window"`
}

// DefaultConfig returns 1.1s spacing and 60 calls per 60s
func DefaultConfig() Config {
	return Config{
		MinInterval:  DefaultMinInterval,
		Window:       DefaultWindow,
		MaxPerWindow: DefaultMaxPerWindow,
	}
}

// Validate checks the limits
func (c Config) Validate() error {
	if c.MinInterval < 0 {
		return fmt.Errorf("min interval cannot be negative, got %s", c.MinInterval)
	}
	if c.MaxPerWindow < 0 {
		return fmt.Errorf("max per window cannot be negative, got %d", c.MaxPerWindow)
	}
	if c.MaxPerWindow > 0 && c.Window <= 0 {
		return fmt.Errorf("window must be positive when max per window is set, got %s", c.Window)
	}
	return nil
}

// State is a snapshot of one key's pacing and quota bookkeeping
type State struct {
	Key                  string    `json:"key"`
	LastCallTime         time.Time `json:"last_call_time"`
	RequestCountInWindow int       `json:"request_count_in_window"`
	WindowStart          time.Time `json:"window_start"`
	QuotaExhausted       bool      `json:"quota_exhausted"`
	QuotaResetAt         time.Time `json:"quota_reset_at"`
}

// Decision is the outcome of Acquire
type Decision struct {
	Allowed bool
	// Reason explains a denial
	Reason string
	// RetryAfter is the remaining quota cooldown on denial
	RetryAfter time.Duration
	// Waited is the total pacing sleep before an allowed call
	Waited time.Duration
}

type entry struct {
	gate  chan struct{}
	pacer *rate.Limiter
	state State
}

// Limiter tracks independent state per resource key, created lazily
type Limiter struct {
	cfg    Config
	clock  clock.Clock
	logger *logging.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// Option customizes a Limiter
type Option func(*Limiter)

// WithClock sets the time source
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) {
		l.clock = c
	}
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger.WithComponent("ratelimit")
	}
}

// New creates a Limiter
func New(cfg Config, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid limiter config: %w", err)
	}

	l := &Limiter{
		cfg:     cfg,
		clock:   clock.New(),
		logger:  logging.NewNop(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Limiter) entry(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = l.newEntry(key)
		l.entries[key] = e
	}
	return e
}

func (l *Limiter) newEntry(key string) *entry {
	return &entry{
		gate:  make(chan struct{}, 1),
		pacer: rate.NewLimiter(rate.Every(l.cfg.MinInterval), 1),
		state: State{Key: key},
	}
}

// Acquire waits until a call against key respects the minimum interval and
// the window cap. A quota-exhausted key is denied immediately without
// sleeping. The error is non-nil only when ctx ends first.
func (l *Limiter) Acquire(ctx context.Context, key string) (Decision, error) {
	if key == "" {
		return Decision{}, ErrEmptyKey
	}

	e := l.entry(key)
	select {
	case e.gate <- struct{}{}:
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
	defer func() { <-e.gate }()

	logger := l.logger.WithResource(key)
	var waited time.Duration

	l.mu.Lock()
	now := l.clock.Now()
	l.rollWindow(&e.state, now)
	if denial, denied := l.checkQuota(&e.state, now); denied {
		l.mu.Unlock()
		logger.Debug("call denied, quota exhausted", "retry_after", denial.RetryAfter.String())
		return denial, nil
	}

	windowFull := l.cfg.MaxPerWindow > 0 && e.state.RequestCountInWindow >= l.cfg.MaxPerWindow
	windowWait := e.state.WindowStart.Add(l.cfg.Window).Sub(now)
	pacer := e.pacer
	l.mu.Unlock()

	if windowFull {
		if windowWait > 0 {
			logger.Info("window cap reached, waiting for rollover", "wait", windowWait.String(), "cap", l.cfg.MaxPerWindow)
			if err := l.clock.Sleep(ctx, windowWait); err != nil {
				return Decision{}, err
			}
			waited += windowWait
		}

		// a full window always ends here, even when the boundary has already passed
		l.mu.Lock()
		e.state.WindowStart = l.clock.Now()
		e.state.RequestCountInWindow = 0
		l.mu.Unlock()
	}

	now = l.clock.Now()
	reservation := pacer.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		if err := l.clock.Sleep(ctx, delay); err != nil {
			reservation.CancelAt(l.clock.Now())
			return Decision{}, err
		}
		waited += delay
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now = l.clock.Now()
	// MarkExhausted may have landed while this call slept
	if denial, denied := l.checkQuota(&e.state, now); denied {
		reservation.CancelAt(now)
		return denial, nil
	}
	l.rollWindow(&e.state, now)
	e.state.LastCallTime = now
	e.state.RequestCountInWindow++

	if waited > 0 {
		logger.Debug("call paced", "waited", waited.String(), "count_in_window", e.state.RequestCountInWindow)
	}
	return Decision{Allowed: true, Waited: waited}, nil
}

// rollWindow starts a fresh window once the current one has elapsed. A window
// covers [WindowStart, WindowStart+Window). Callers hold mu.
func (l *Limiter) rollWindow(st *State, now time.Time) {
	if st.WindowStart.IsZero() || now.Sub(st.WindowStart) >= l.cfg.Window {
		st.WindowStart = now
		st.RequestCountInWindow = 0
	}
}

// checkQuota clears an elapsed cooldown or reports the denial; callers hold mu
func (l *Limiter) checkQuota(st *State, now time.Time) (Decision, bool) {
	if !st.QuotaExhausted {
		return Decision{}, false
	}
	if !now.Before(st.QuotaResetAt) {
		st.QuotaExhausted = false
		st.QuotaResetAt = time.Time{}
		return Decision{}, false
	}

	remaining := st.QuotaResetAt.Sub(now)
	return Decision{
		Allowed:    false,
		Reason:     fmt.Sprintf("quota exhausted for %s, resets in %s", st.Key, remaining.Round(time.Second)),
		RetryAfter: remaining,
	}, true
}

// MarkExhausted blocks calls against key until cooldown has elapsed.
// A later reset time is never shortened by a smaller cooldown.
func (l *Limiter) MarkExhausted(key string, cooldown time.Duration) {
	if key == "" {
		return
	}
	e := l.entry(key)

	l.mu.Lock()
	resetAt := l.clock.Now().Add(cooldown)
	if !e.state.QuotaExhausted || resetAt.After(e.state.QuotaResetAt) {
		e.state.QuotaResetAt = resetAt
	}
	e.state.QuotaExhausted = true
	resetAt = e.state.QuotaResetAt
	l.mu.Unlock()

	l.logger.WithResource(key).Warn("quota exhausted", "cooldown", cooldown.String(), "reset_at", resetAt.Format(time.RFC3339))
}

// State returns a snapshot for key; ok is false for an unseen key
func (l *Limiter) State(key string) (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return State{}, false
	}
	st := e.state
	if st.QuotaExhausted && !l.clock.Now().Before(st.QuotaResetAt) {
		st.QuotaExhausted = false
		st.QuotaResetAt = time.Time{}
	}
	return st, true
}

// Keys lists every key seen so far, sorted
func (l *Limiter) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	keys := make([]string, 0, len(l.entries))
	for key := range l.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Reset forgets all pacing and quota state for key
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[key]; ok {
		e.state = State{Key: key}
		e.pacer = rate.NewLimiter(rate.Every(l.cfg.MinInterval), 1)
	}
}
