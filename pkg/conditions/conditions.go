// Package conditions decides whether an HTTP response body confirms success.
package conditions

import (
	"fmt"
	"regexp"
)

// Result represents the outcome of a condition check
type Result struct {
	Success bool
	Reason  string
}

// Checker applies success/failure body patterns on top of the status code
type Checker struct {
	successPattern  *regexp.Regexp
	failurePattern  *regexp.Regexp
	caseInsensitive bool
}

// NewChecker creates a new condition checker.
// successPattern must appear in a 2xx body for it to count as success.
// failurePattern marks any response as failed when it appears in the body.
func NewChecker(successPattern, failurePattern string, caseInsensitive bool) (*Checker, error) {
	checker := &Checker{
		caseInsensitive: caseInsensitive,
	}

	var err error
	if checker.successPattern, err = compile(successPattern, caseInsensitive); err != nil {
		return nil, fmt.Errorf("invalid success pattern: %w", err)
	}
	if checker.failurePattern, err = compile(failurePattern, caseInsensitive); err != nil {
		return nil, fmt.Errorf("invalid failure pattern: %w", err)
	}

	return checker, nil
}

func compile(pattern string, caseInsensitive bool) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	if caseInsensitive {
		pattern = "(?i)" + pattern
	}
	return regexp.Compile(pattern)
}

// Enabled reports whether any pattern is configured
func (c *Checker) Enabled() bool {
	return c != nil && (c.successPattern != nil || c.failurePattern != nil)
}

// Check determines if a response was successful
func (c *Checker) Check(statusCode int, body string) Result {
	ok := statusCode >= 200 && statusCode < 300

	if c == nil {
		return statusResult(statusCode, ok)
	}

	// failure pattern takes precedence
	if c.failurePattern != nil && c.failurePattern.MatchString(body) {
		return Result{Success: false, Reason: "failure pattern matched"}
	}

	if ok && c.successPattern != nil {
		if c.successPattern.MatchString(body) {
			return Result{Success: true, Reason: "success pattern matched"}
		}
		return Result{Success: false, Reason: "success pattern not found"}
	}

	return statusResult(statusCode, ok)
}

func statusResult(statusCode int, ok bool) Result {
	return Result{Success: ok, Reason: fmt.Sprintf("status %d", statusCode)}
}
