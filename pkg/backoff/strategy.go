package backoff

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Strategy defines the interface for backoff strategies
type Strategy interface {
	// Delay returns the duration to wait before the next attempt
	// attempt is 1-based (1 for first retry, 2 for second retry, etc.)
	Delay(attempt int) time.Duration
}

// Strategy names accepted by FromName
const (
	NameProportional = "proportional"
	NameExponential  = "exponential"
	NameJitter       = "jitter"
	NameFixed        = "fixed"
)

// FromName builds a doubling strategy by name; an empty name means proportional
func FromName(name string, baseDelay, maxDelay time.Duration) (Strategy, error) {
	switch name {
	case "", NameProportional:
		return NewProportional(baseDelay, maxDelay), nil
	case NameExponential:
		return NewExponential(baseDelay, 2.0, maxDelay), nil
	case NameJitter:
		return NewJitter(baseDelay, 2.0, maxDelay), nil
	case NameFixed:
		return NewFixed(baseDelay), nil
	default:
		return nil, fmt.Errorf("unknown backoff strategy %q", name)
	}
}

// Fixed implements a fixed delay strategy
type Fixed struct {
	Duration time.Duration
}

// NewFixed creates a new Fixed backoff strategy
func NewFixed(duration time.Duration) *Fixed {
	return &Fixed{
		Duration: duration,
	}
}

// Delay returns the fixed duration for any attempt
func (f *Fixed) Delay(attempt int) time.Duration {
	return f.Duration
}

// Exponential implements an exponential backoff strategy
type Exponential struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// NewExponential creates a new Exponential backoff strategy
// maxDelay is the maximum delay (0 means no limit)
func NewExponential(baseDelay time.Duration, multiplier float64, maxDelay time.Duration) *Exponential {
	return &Exponential{
		BaseDelay:  baseDelay,
		Multiplier: multiplier,
		MaxDelay:   maxDelay,
	}
}

// Delay returns baseDelay * multiplier^(attempt-1), capped at MaxDelay
func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return e.BaseDelay
	}

	delay := exponentialDelay(e.BaseDelay, e.Multiplier, attempt)
	return capDelay(time.Duration(delay), e.MaxDelay)
}

// Jitter implements full jitter: a random delay between 0 and the exponential delay
type Jitter struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// NewJitter creates a new Jitter backoff strategy
func NewJitter(baseDelay time.Duration, multiplier float64, maxDelay time.Duration) *Jitter {
	return &Jitter{
		BaseDelay:  baseDelay,
		Multiplier: multiplier,
		MaxDelay:   maxDelay,
	}
}

// Delay returns a random delay between 0 and the exponential delay for the given attempt
func (j *Jitter) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return time.Duration(rand.Float64() * float64(j.BaseDelay))
	}

	delay := exponentialDelay(j.BaseDelay, j.Multiplier, attempt)
	if j.MaxDelay > 0 && time.Duration(delay) > j.MaxDelay {
		delay = float64(j.MaxDelay)
	}

	return time.Duration(rand.Float64() * delay)
}

// DefaultJitterFraction is the largest random addition applied by Proportional
const DefaultJitterFraction = 0.25

// Proportional is exponential backoff plus a random addition of up to
// Fraction of the exponential delay. The cap applies after jitter.
type Proportional struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	Fraction   float64

	// Rand returns a value in [0, 1); defaults to math/rand
	Rand func() float64
}

// NewProportional creates a doubling backoff with 0-25% additive jitter
func NewProportional(baseDelay, maxDelay time.Duration) *Proportional {
	return &Proportional{
		BaseDelay:  baseDelay,
		Multiplier: 2.0,
		MaxDelay:   maxDelay,
		Fraction:   DefaultJitterFraction,
	}
}

// Delay returns min(base*multiplier^(attempt-1) + jitter, MaxDelay)
func (p *Proportional) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	random := rand.Float64
	if p.Rand != nil {
		random = p.Rand
	}

	delay := exponentialDelay(p.BaseDelay, p.Multiplier, attempt)
	delay += delay * p.Fraction * random()

	return capDelay(time.Duration(delay), p.MaxDelay)
}

// maxFloatDelay keeps float-to-Duration conversions in range even after jitter
const maxFloatDelay = float64(1 << 61)

func exponentialDelay(base time.Duration, multiplier float64, attempt int) float64 {
	delay := float64(base) * math.Pow(multiplier, float64(attempt-1))
	if delay > maxFloatDelay || math.IsInf(delay, 0) {
		return maxFloatDelay
	}
	return delay
}

func capDelay(delay, max time.Duration) time.Duration {
	if max > 0 && delay > max {
		return max
	}
	return delay
}
