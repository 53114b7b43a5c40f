package metrics

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shaneisley/quotaq/pkg/queue"
)

// ItemOutcome is the final result of one work item
type ItemOutcome struct {
	ItemID     string        `json:"item_id"`
	SubjectID  string        `json:"subject_id"`
	Kind       string        `json:"kind,omitempty"`
	Status     string        `json:"status"`
	Duration   time.Duration `json:"-"`
	RetryCount int           `json:"retry_count"`
	Error      string        `json:"error,omitempty"`
}

// DurationSeconds returns the duration in seconds as a float64
func (o *ItemOutcome) DurationSeconds() float64 {
	return float64(o.Duration) / float64(time.Second)
}

// MarshalJSON implements custom JSON marshaling for ItemOutcome
func (o *ItemOutcome) MarshalJSON() ([]byte, error) {
	type Alias ItemOutcome
	return json.Marshal(&struct {
		DurationSeconds float64 `json:"duration_seconds"`
		*Alias
	}{
		DurationSeconds: o.DurationSeconds(),
		Alias:           (*Alias)(o),
	})
}

// OutcomeFromItem converts a terminal queue item
func OutcomeFromItem(item queue.WorkItem) ItemOutcome {
	return ItemOutcome{
		ItemID:     item.ID,
		SubjectID:  item.SubjectID,
		Kind:       item.Kind,
		Status:     string(item.Status),
		Duration:   item.Duration(),
		RetryCount: item.RetryCount,
		Error:      item.LastError,
	}
}

// RunSummary describes a complete batch run against one resource key
type RunSummary struct {
	ResourceKey          string        `json:"resource_key"`
	BatchHash            string        `json:"batch_hash"`
	FinalStatus          string        `json:"final_status"` // "completed" or "cancelled"
	TotalDurationSeconds float64       `json:"total_duration_seconds"`
	TotalItems           int           `json:"total_items"`
	Completed            int           `json:"completed"`
	Failed               int           `json:"failed"`
	Cancelled            int           `json:"cancelled"`
	Retries              int           `json:"retries"`
	Outcomes             []ItemOutcome `json:"outcomes"`
	Timestamp            int64         `json:"timestamp"` // Unix timestamp
}

// NewRunSummary builds a summary from the queue's final state
func NewRunSummary(resourceKey string, state queue.State, totalDuration time.Duration, finishedAt time.Time) *RunSummary {
	summary := &RunSummary{
		ResourceKey:          resourceKey,
		FinalStatus:          string(state.Phase),
		TotalDurationSeconds: float64(totalDuration) / float64(time.Second),
		TotalItems:           len(state.Items),
		Timestamp:            finishedAt.Unix(),
	}

	subjects := make([]string, 0, len(state.Items))
	for _, item := range state.Items {
		subjects = append(subjects, item.SubjectID)
		summary.Retries += item.RetryCount

		switch item.Status {
		case queue.StatusCompleted:
			summary.Completed++
		case queue.StatusFailed:
			summary.Failed++
		case queue.StatusCancelled:
			summary.Cancelled++
		}
		if item.Status.Terminal() {
			summary.Outcomes = append(summary.Outcomes, OutcomeFromItem(item))
		}
	}
	summary.BatchHash = generateBatchHash(subjects)

	return summary
}

// SuccessRate returns completed items as a fraction of all items
func (s *RunSummary) SuccessRate() float64 {
	if s.TotalItems == 0 {
		return 0
	}
	return float64(s.Completed) / float64(s.TotalItems)
}

// generateBatchHash creates an order-independent hash of the batch subjects
func generateBatchHash(subjects []string) string {
	sorted := append([]string(nil), subjects...)
	sort.Strings(sorted)
	hash := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	// first 8 hex characters are enough to group repeated batches
	return fmt.Sprintf("%x", hash)[:8]
}
