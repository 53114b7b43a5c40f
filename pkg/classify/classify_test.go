package classify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_MessageSignatures(t *testing.T) {
	c := Default()

	testCases := []struct {
		name     string
		err      error
		expected Kind
	}{
		{"resource exhausted", errors.New("rpc error: code = RESOURCE_EXHAUSTED desc = too many requests"), Quota},
		{"http 429", errors.New("unexpected status 429"), Quota},
		{"quota wording", errors.New("Daily quota exceeded for developer token"), Quota},
		{"rate limited", errors.New("request was rate limited"), Quota},
		{"invalid grant", errors.New("oauth2: invalid_grant"), Auth},
		{"expired token", errors.New("the access token has expired"), Auth},
		{"revoked", errors.New("credential revoked by user"), Auth},
		{"http 401", errors.New("status 401"), Auth},
		{"malformed", errors.New("malformed campaign budget"), Validation},
		{"invalid argument", errors.New("INVALID_ARGUMENT: bid too low"), Validation},
		{"timeout", errors.New("i/o timeout"), Transient},
		{"503", errors.New("server returned 503"), Transient},
		{"504", errors.New("upstream 504 gateway"), Transient},
		{"connection reset", errors.New("read tcp: connection reset by peer"), Transient},
		{"unknown", errors.New("something odd happened"), Unknown},
		{"status code embedded in number", errors.New("took 1400ms"), Unknown},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, c.Classify(tc.err))
		})
	}
}

func TestClassify_TypedErrorWins(t *testing.T) {
	// Given a typed validation error whose message looks transient
	err := fmt.Errorf("wrapped: %w", Validationf("timeout field must be positive"))

	// Then the typed kind takes precedence over message matching
	assert.Equal(t, Validation, Default().Classify(err))
}

func TestClassify_StandardErrors(t *testing.T) {
	c := Default()

	assert.Equal(t, Transient, c.Classify(context.DeadlineExceeded))
	assert.Equal(t, Unknown, c.Classify(context.Canceled))
	assert.Equal(t, Transient, c.Classify(fmt.Errorf("dial: %w", syscall.ECONNRESET)))
	assert.Equal(t, Unknown, c.Classify(nil))
}

func TestClassify_CustomPatterns(t *testing.T) {
	c, err := NewClassifier(Patterns{Quota: "slow down"})
	require.NoError(t, err)

	assert.Equal(t, Quota, c.Classify(errors.New("please SLOW DOWN")))
	assert.Equal(t, Unknown, c.Classify(errors.New("i/o timeout")))
}

func TestClassify_InvalidPattern(t *testing.T) {
	_, err := NewClassifier(Patterns{Auth: "[invalid"})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid auth pattern")
}

func TestFromStatus(t *testing.T) {
	testCases := []struct {
		code     int
		expected Kind
	}{
		{http.StatusTooManyRequests, Quota},
		{http.StatusUnauthorized, Auth},
		{http.StatusForbidden, Auth},
		{http.StatusBadRequest, Validation},
		{http.StatusUnprocessableEntity, Validation},
		{http.StatusServiceUnavailable, Transient},
		{http.StatusGatewayTimeout, Transient},
		{http.StatusInternalServerError, Transient},
		{http.StatusTeapot, Unknown},
	}

	for _, tc := range testCases {
		t.Run(http.StatusText(tc.code), func(t *testing.T) {
			assert.Equal(t, tc.expected, FromStatus(tc.code))
		})
	}
}

func TestRetryAfter(t *testing.T) {
	err := fmt.Errorf("call failed: %w", Quotaf(90*time.Second, "quota exhausted"))

	assert.Equal(t, 90*time.Second, RetryAfter(err))
	assert.Equal(t, time.Duration(0), RetryAfter(errors.New("plain")))
}

func TestKind_Retryable(t *testing.T) {
	assert.True(t, Transient.Retryable())
	assert.False(t, Quota.Retryable())
	assert.False(t, Auth.Retryable())
	assert.False(t, Validation.Retryable())
	assert.False(t, Unknown.Retryable())
	assert.Equal(t, "quota_exhausted", Quota.String())
}
