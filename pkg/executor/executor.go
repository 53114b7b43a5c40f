// Package executor runs a single operation with exponential backoff, jitter
// and retryable/fatal error classification.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shaneisley/quotaq/pkg/backoff"
	"github.com/shaneisley/quotaq/pkg/classify"
	"github.com/shaneisley/quotaq/pkg/clock"
	"github.com/shaneisley/quotaq/pkg/logging"
)

// Policy decides how many times and how long to retry
type Policy struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	RetryableErrors []string      `mapstructure:"retryable_errors"`
	// Backoff names the delay strategy; see backoff.FromName
	Backoff string `mapstructure:"backoff"`

	// Retryable overrides signature matching for untyped errors when set
	Retryable func(error) bool `mapstructure:"-"`
}

// DefaultPolicy is used for ordinary API calls
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      DefaultMaxRetries,
		BaseDelay:       DefaultBaseDelay,
		MaxDelay:        DefaultMaxDelay,
		RetryableErrors: DefaultRetryableErrors,
		Backoff:         backoff.NameProportional,
	}
}

// AuthPolicy is used for token exchange. An invalid credential will not heal
// on retry, so only network-level hiccups get a second chance.
func AuthPolicy() Policy {
	return Policy{
		MaxRetries:      AuthMaxRetries,
		BaseDelay:       AuthBaseDelay,
		MaxDelay:        AuthMaxDelay,
		RetryableErrors: []string{"timeout", "ETIMEDOUT", "ECONNRESET", "connection reset", "503"},
	}
}

// IsRetryable classifies err against the policy.
// Typed classify errors decide by kind; quota, auth and validation never retry here.
func (p Policy) IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var typed *classify.Error
	if errors.As(err, &typed) {
		return typed.Kind.Retryable()
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if p.Retryable != nil {
		return p.Retryable(err)
	}

	msg := strings.ToLower(err.Error())
	for _, signature := range p.RetryableErrors {
		if signature != "" && strings.Contains(msg, strings.ToLower(signature)) {
			return true
		}
	}
	return false
}

// Validate checks the policy bounds
func (p Policy) Validate() error {
	if p.MaxRetries < 0 || p.MaxRetries > MaxRetriesLimit {
		return fmt.Errorf("max retries must be between 0 and %d, got %d", MaxRetriesLimit, p.MaxRetries)
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("base delay cannot be negative, got %s", p.BaseDelay)
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max delay %s must not be below base delay %s", p.MaxDelay, p.BaseDelay)
	}
	if _, err := backoff.FromName(p.Backoff, p.BaseDelay, p.MaxDelay); err != nil {
		return err
	}
	return nil
}

// strategy falls back to proportional backoff for an unknown name
func (p Policy) strategy() backoff.Strategy {
	if s, err := backoff.FromName(p.Backoff, p.BaseDelay, p.MaxDelay); err == nil {
		return s
	}
	return backoff.NewProportional(p.BaseDelay, p.MaxDelay)
}

// ExhaustedError is returned when every allowed attempt failed
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// RetryReporter receives human-facing notices about failed attempts
type RetryReporter interface {
	AttemptFailure(attempt, maxAttempts int, reason string, nextDelay time.Duration)
}

// Executor handles operation execution with retry logic
type Executor struct {
	Policy   Policy
	Strategy backoff.Strategy
	Clock    clock.Clock
	Logger   *logging.Logger
	Reporter RetryReporter

	// OnRetry is called before each backoff sleep
	OnRetry func(attempt int, err error, delay time.Duration)
}

// New creates an Executor using the policy's backoff strategy, doubling
// with 0-25% jitter by default
func New(policy Policy) *Executor {
	return &Executor{
		Policy:   policy,
		Strategy: policy.strategy(),
		Clock:    clock.New(),
		Logger:   logging.NewNop(),
	}
}

// Do runs op until it succeeds, fails fatally or exhausts the policy
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := WithRetry(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// WithRetry runs op with the executor's policy and returns its value.
// A nil executor uses DefaultPolicy.
func WithRetry[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	if e == nil {
		e = New(DefaultPolicy())
	}
	strategy, clk, logger := e.collaborators()

	var zero T
	maxAttempts := e.Policy.MaxRetries + 1

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		value, err := op(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Debug("operation recovered", "attempt", attempt+1)
			}
			return value, nil
		}

		if !e.Policy.IsRetryable(err) {
			logger.Debug("operation failed with non-retryable error", "attempt", attempt+1, "error", err.Error())
			return zero, err
		}

		if attempt >= e.Policy.MaxRetries {
			if e.Reporter != nil {
				e.Reporter.AttemptFailure(attempt+1, maxAttempts, err.Error(), 0)
			}
			logger.Warn("retries exhausted", "attempts", attempt+1, "error", err.Error())
			return zero, &ExhaustedError{Attempts: attempt + 1, Err: err}
		}

		delay := strategy.Delay(attempt + 1)
		logger.Info("retrying operation", "attempt", attempt+1, "delay", delay.String(), "error", err.Error())
		if e.Reporter != nil {
			e.Reporter.AttemptFailure(attempt+1, maxAttempts, err.Error(), delay)
		}
		if e.OnRetry != nil {
			e.OnRetry(attempt+1, err, delay)
		}

		if sleepErr := clk.Sleep(ctx, delay); sleepErr != nil {
			return zero, fmt.Errorf("retry interrupted: %w", sleepErr)
		}
	}
}

func (e *Executor) collaborators() (backoff.Strategy, clock.Clock, *logging.Logger) {
	strategy, clk, logger := e.Strategy, e.Clock, e.Logger
	if strategy == nil {
		strategy = e.Policy.strategy()
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return strategy, clk, logger
}
