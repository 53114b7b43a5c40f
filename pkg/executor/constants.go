package executor

import "time"

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 1 * time.Second
	DefaultMaxDelay   = 30 * time.Second
	MaxRetriesLimit   = 100

	AuthMaxRetries = 1
	AuthBaseDelay  = 500 * time.Millisecond
	AuthMaxDelay   = 2 * time.Second
)

// DefaultRetryableErrors are message signatures of failures that usually heal on their own
var DefaultRetryableErrors = []string{
	"timeout",
	"timed out",
	"ETIMEDOUT",
	"ECONNRESET",
	"connection reset",
	"connection refused",
	"503",
	"504",
	"UNAVAILABLE",
	"DEADLINE_EXCEEDED",
	"temporarily unavailable",
}
