package backoff

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// RetryAfter extracts server-specified retry timing from HTTP responses
type RetryAfter struct {
	maxRetryAfter time.Duration
	now           func() time.Time

	// Compiled regex patterns for performance
	retryAfterPattern     *regexp.Regexp
	rateLimitPattern      *regexp.Regexp
	rateLimitResetPattern *regexp.Regexp
	retryDelayPattern     *regexp.Regexp
}

// NewRetryAfter creates a parser. maxRetryAfter caps any extracted value (0 means no cap).
func NewRetryAfter(maxRetryAfter time.Duration) *RetryAfter {
	return &RetryAfter{
		maxRetryAfter:         maxRetryAfter,
		now:                   time.Now,
		retryAfterPattern:     regexp.MustCompile(`(?i)retry-after:\s*(\d+)`),
		rateLimitPattern:      regexp.MustCompile(`(?i)x-ratelimit-retry-after:\s*(\d+)`),
		rateLimitResetPattern: regexp.MustCompile(`(?i)x-ratelimit-reset:\s*(\d+)`),
		// google.rpc.RetryInfo style: "retryDelay": "30s"
		retryDelayPattern: regexp.MustCompile(`(?i)"retry_?delay"\s*:\s*"(\d+(?:\.\d+)?)s"`),
	}
}

// WithClock overrides the time source used for reset timestamps
func (r *RetryAfter) WithClock(now func() time.Time) *RetryAfter {
	r.now = now
	return r
}

// FromResponse returns the wait suggested by headers or a JSON body, zero when none
func (r *RetryAfter) FromResponse(header http.Header, body []byte) time.Duration {
	if delay := r.fromHeader(header); delay > 0 {
		return r.capDelay(delay)
	}
	return r.FromText(string(body))
}

// FromText scans free-form output such as an error message or a raw response dump
func (r *RetryAfter) FromText(output string) time.Duration {
	// Limit processing to the first 10KB
	const maxProcessingSize = 10 * 1024
	if len(output) > maxProcessingSize {
		output = output[:maxProcessingSize]
	}

	if delay := r.parseRateLimitHeaders(output); delay > 0 {
		return r.capDelay(delay)
	}
	if delay := r.parseRetryAfterHeader(output); delay > 0 {
		return r.capDelay(delay)
	}
	if delay := r.parseRetryDelay(output); delay > 0 {
		return r.capDelay(delay)
	}
	if delay := r.parseJSONResponse(output); delay > 0 {
		return r.capDelay(delay)
	}
	return 0
}

func (r *RetryAfter) fromHeader(header http.Header) time.Duration {
	if header == nil {
		return 0
	}

	if value := strings.TrimSpace(header.Get("Retry-After")); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		if at, err := http.ParseTime(value); err == nil {
			if delay := at.Sub(r.now()); delay > 0 {
				return delay
			}
		}
	}

	if value := strings.TrimSpace(header.Get("X-RateLimit-Retry-After")); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}

	if value := strings.TrimSpace(header.Get("X-RateLimit-Reset")); value != "" {
		if timestamp, err := strconv.ParseInt(value, 10, 64); err == nil {
			if delay := time.Unix(timestamp, 0).Sub(r.now()); delay > 0 {
				return delay
			}
		}
	}

	return 0
}

// parseRetryAfterHeader extracts delay from a standard Retry-After header line
func (r *RetryAfter) parseRetryAfterHeader(output string) time.Duration {
	matches := r.retryAfterPattern.FindStringSubmatch(output)
	if len(matches) < 2 {
		return 0
	}

	seconds, err := strconv.Atoi(strings.TrimSpace(matches[1]))
	if err != nil {
		return 0
	}

	return time.Duration(seconds) * time.Second
}

// parseRateLimitHeaders extracts delay from rate limit header lines
func (r *RetryAfter) parseRateLimitHeaders(output string) time.Duration {
	matches := r.rateLimitPattern.FindStringSubmatch(output)
	if len(matches) >= 2 {
		seconds, err := strconv.Atoi(strings.TrimSpace(matches[1]))
		if err == nil {
			return time.Duration(seconds) * time.Second
		}
	}

	// X-RateLimit-Reset carries a Unix timestamp
	matches = r.rateLimitResetPattern.FindStringSubmatch(output)
	if len(matches) >= 2 {
		timestamp, err := strconv.ParseInt(strings.TrimSpace(matches[1]), 10, 64)
		if err == nil {
			delay := time.Unix(timestamp, 0).Sub(r.now())
			if delay > 0 {
				return delay
			}
		}
	}

	return 0
}

func (r *RetryAfter) parseRetryDelay(output string) time.Duration {
	matches := r.retryDelayPattern.FindStringSubmatch(output)
	if len(matches) < 2 {
		return 0
	}

	seconds, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// parseJSONResponse extracts retry timing from JSON response bodies
func (r *RetryAfter) parseJSONResponse(output string) time.Duration {
	if !strings.Contains(output, "{") {
		return 0
	}

	// Parse each balanced object rather than first-{ to last-}, which can span unrelated content
	retryFields := []string{"retry_after", "retry_after_seconds", "retryAfter", "retryAfterSeconds", "retry_in"}

	start := 0
	for {
		jsonStart := strings.Index(output[start:], "{")
		if jsonStart == -1 {
			break
		}
		jsonStart += start

		jsonEnd := findMatchingBrace(output, jsonStart)
		if jsonEnd == -1 {
			start = jsonStart + 1
			continue
		}

		var data map[string]interface{}
		if err := json.Unmarshal([]byte(output[jsonStart:jsonEnd+1]), &data); err != nil {
			start = jsonStart + 1
			continue
		}

		if delay := retryFieldValue(data, retryFields); delay > 0 {
			return delay
		}

		// Vendor APIs commonly nest the hint under "error"
		if nested, ok := data["error"].(map[string]interface{}); ok {
			if delay := retryFieldValue(nested, retryFields); delay > 0 {
				return delay
			}
		}

		start = jsonEnd + 1
	}

	return 0
}

func retryFieldValue(data map[string]interface{}, fields []string) time.Duration {
	for _, field := range fields {
		value, exists := data[field]
		if !exists {
			continue
		}
		switch v := value.(type) {
		case float64:
			return time.Duration(v * float64(time.Second))
		case string:
			if seconds, err := strconv.Atoi(v); err == nil {
				return time.Duration(seconds) * time.Second
			}
		}
	}
	return 0
}

// findMatchingBrace finds the index of the closing brace that matches the opening brace at start
func findMatchingBrace(s string, start int) int {
	if start >= len(s) || s[start] != '{' {
		return -1
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]

		if escaped {
			escaped = false
			continue
		}

		if c == '\\' && inString {
			escaped = true
			continue
		}

		if c == '"' {
			inString = !inString
			continue
		}

		if inString {
			continue
		}

		if c == '{' {
			depth++
		} else if c == '}' {
			depth--
			if depth == 0 {
				return i
			}
		}
	}

	return -1
}

// capDelay applies the maximum delay cap
func (r *RetryAfter) capDelay(delay time.Duration) time.Duration {
	if r.maxRetryAfter > 0 && delay > r.maxRetryAfter {
		return r.maxRetryAfter
	}
	return delay
}
