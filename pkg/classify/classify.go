// Package classify sorts operation failures into the scheduler's error
// taxonomy: transient, quota exhausted, auth, validation or unknown.
package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"syscall"
	"time"
)

// Kind is the category of a failure
type Kind int

const (
	Unknown Kind = iota
	Transient
	Quota
	Auth
	Validation
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Quota:
		return "quota_exhausted"
	case Auth:
		return "auth"
	case Validation:
		return "validation"
	default:
		return "unknown"
	}
}

// Retryable reports whether an operation failing with this kind may heal on retry
func (k Kind) Retryable() bool {
	return k == Transient
}

// Error is a failure that already knows its kind
type Error struct {
	Kind       Kind
	Err        error
	StatusCode int
	// RetryAfter is the server-suggested wait, zero when unknown
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with an explicit kind
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Quotaf builds a quota error with an optional retry hint
func Quotaf(retryAfter time.Duration, format string, args ...any) *Error {
	return &Error{Kind: Quota, Err: fmt.Errorf(format, args...), RetryAfter: retryAfter}
}

// Transientf builds a transient error
func Transientf(format string, args ...any) *Error {
	return &Error{Kind: Transient, Err: fmt.Errorf(format, args...)}
}

// Authf builds an auth error
func Authf(format string, args ...any) *Error {
	return &Error{Kind: Auth, Err: fmt.Errorf(format, args...)}
}

// Validationf builds a validation error
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: Validation, Err: fmt.Errorf(format, args...)}
}

// FromStatus maps an HTTP status code to a kind
func FromStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return Quota
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return Auth
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity ||
		code == http.StatusNotFound || code == http.StatusConflict:
		return Validation
	case code == http.StatusRequestTimeout || code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout ||
		code >= 500:
		return Transient
	default:
		return Unknown
	}
}

// Patterns holds the message signatures for each kind. Empty entries are skipped.
type Patterns struct {
	Quota      string `mapstructure:"quota"`
	Auth       string `mapstructure:"auth"`
	Validation string `mapstructure:"validation"`
	Transient  string `mapstructure:"transient"`
}

// DefaultPatterns returns the signatures used by Default
func DefaultPatterns() Patterns {
	return Patterns{
		Quota:      `\b429\b|resource[_ ]exhausted|quota|rate[_ ]?limit|too many requests`,
		Auth:       `\b40[13]\b|unauthori[sz]ed|unauthenticated|invalid[_ ](grant|token|credentials?)|token (has )?expired|expired[_ ]token|revoked|permission[_ ]denied|forbidden`,
		Validation: `\b(400|422)\b|invalid[_ ]argument|bad request|malformed|validation`,
		Transient:  `timeout|timed out|deadline[_ ]exceeded|\b50[234]\b|unavailable|econnreset|connection reset|etimedout|temporar(y|ily)|\bEOF\b`,
	}
}

type rule struct {
	kind    Kind
	pattern *regexp.Regexp
}

// Classifier matches errors against typed markers and message signatures
type Classifier struct {
	rules []rule
}

// NewClassifier compiles the given patterns case-insensitively.
// Quota is checked first so RESOURCE_EXHAUSTED-style messages never read as transient.
func NewClassifier(p Patterns) (*Classifier, error) {
	ordered := []struct {
		kind    Kind
		name    string
		pattern string
	}{
		{Quota, "quota", p.Quota},
		{Auth, "auth", p.Auth},
		{Validation, "validation", p.Validation},
		{Transient, "transient", p.Transient},
	}

	c := &Classifier{}
	for _, o := range ordered {
		if o.pattern == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + o.pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern: %w", o.name, err)
		}
		c.rules = append(c.rules, rule{kind: o.kind, pattern: re})
	}

	return c, nil
}

var defaultClassifier = func() *Classifier {
	c, err := NewClassifier(DefaultPatterns())
	if err != nil {
		panic(err)
	}
	return c
}()

// Default returns the classifier built from DefaultPatterns
func Default() *Classifier {
	return defaultClassifier
}

// Classify determines the kind of err
func (c *Classifier) Classify(err error) Kind {
	if err == nil {
		return Unknown
	}

	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	if errors.Is(err, context.Canceled) {
		return Unknown
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return Transient
	}

	msg := err.Error()
	for _, r := range c.rules {
		if r.pattern.MatchString(msg) {
			return r.kind
		}
	}

	return Unknown
}

// RetryAfter returns the retry hint carried by a typed error, or zero
func RetryAfter(err error) time.Duration {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.RetryAfter
	}
	return 0
}
