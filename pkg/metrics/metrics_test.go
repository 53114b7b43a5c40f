package metrics

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shaneisley/quotaq/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

func finishedItem(id string, status queue.Status, retries int, took time.Duration) queue.WorkItem {
	return queue.WorkItem{
		ID:          id,
		SubjectID:   "subject-" + id,
		Kind:        "update_budget",
		Status:      status,
		RetryCount:  retries,
		StartedAt:   epoch,
		CompletedAt: epoch.Add(took),
	}
}

func TestMetrics_NewRunSummary(t *testing.T) {
	// Given a finished queue state
	state := queue.State{
		Phase: queue.PhaseCompleted,
		Items: []queue.WorkItem{
			finishedItem("a", queue.StatusCompleted, 0, time.Second),
			finishedItem("b", queue.StatusCompleted, 2, 2*time.Second),
			finishedItem("c", queue.StatusFailed, 3, time.Second),
		},
	}

	// When summarizing
	summary := NewRunSummary("acct-1", state, 90*time.Second, epoch)

	// Then counts and outcomes line up
	assert.Equal(t, "acct-1", summary.ResourceKey)
	assert.Equal(t, "completed", summary.FinalStatus)
	assert.Equal(t, 90.0, summary.TotalDurationSeconds)
	assert.Equal(t, 3, summary.TotalItems)
	assert.Equal(t, 2, summary.Completed)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 5, summary.Retries)
	assert.Len(t, summary.Outcomes, 3)
	assert.Equal(t, epoch.Unix(), summary.Timestamp)
	assert.InDelta(t, 2.0/3.0, summary.SuccessRate(), 0.0001)
	assert.Len(t, summary.BatchHash, 8)
}

func TestMetrics_PendingItemsHaveNoOutcome(t *testing.T) {
	state := queue.State{
		Phase: queue.PhaseCancelled,
		Items: []queue.WorkItem{
			finishedItem("a", queue.StatusCompleted, 0, time.Second),
			{ID: "b", Status: queue.StatusPending},
		},
	}

	summary := NewRunSummary("acct-1", state, time.Second, epoch)

	assert.Len(t, summary.Outcomes, 1)
	assert.Equal(t, "cancelled", summary.FinalStatus)
	assert.Equal(t, 0.5, summary.SuccessRate())
	assert.Zero(t, (&RunSummary{}).SuccessRate())
}

func TestMetrics_BatchHash(t *testing.T) {
	// Given batches in different orders
	hash1 := generateBatchHash([]string{"a", "b", "c"})
	hash2 := generateBatchHash([]string{"c", "a", "b"})
	hash3 := generateBatchHash([]string{"a", "b"})

	// Then ordering does not matter but content does
	assert.Equal(t, hash1, hash2)
	assert.NotEqual(t, hash1, hash3)
	assert.Len(t, hash1, 8)
}

func TestMetrics_OutcomeJSON(t *testing.T) {
	outcome := OutcomeFromItem(finishedItem("a", queue.StatusFailed, 1, 1500*time.Millisecond))
	outcome.Error = "503 service unavailable"

	data, err := json.Marshal(&outcome)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 1.5, decoded["duration_seconds"])
	assert.Equal(t, "failed", decoded["status"])
	assert.Equal(t, "503 service unavailable", decoded["error"])
	assert.NotContains(t, decoded, "Duration")
}

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCollector_ObservesQueueEvents(t *testing.T) {
	// Given a collector fed a typical event stream
	c := NewCollector("acct-1")
	events := []queue.Event{
		{Type: queue.EventRequestComplete, Data: finishedItem("a", queue.StatusCompleted, 0, 2*time.Second)},
		{Type: queue.EventRequestComplete, Data: finishedItem("b", queue.StatusCompleted, 0, time.Second)},
		{Type: queue.EventRequestError, Data: finishedItem("c", queue.StatusFailed, 3, time.Second)},
		{Type: queue.EventRequestError, Data: queue.WorkItem{ID: "d", Status: queue.StatusPending}},
		{Type: queue.EventQuotaExhausted, Data: queue.QuotaInfo{Cooldown: 5 * time.Minute}},
		{Type: queue.EventPaused, Data: queue.PauseInfo{Reason: queue.PauseQuotaExhausted}},
		{Type: queue.EventProgress, Data: queue.Progress{Pending: 4, IsPaused: true, EstimatedTimeRemaining: 18 * time.Second}},
	}

	// When observing
	for _, ev := range events {
		c.Observe(ev)
	}

	// Then the scrape reflects it
	body := scrape(t, c)
	assert.Contains(t, body, `quotaq_requests_total{resource="acct-1",status="completed"} 2`)
	assert.Contains(t, body, `quotaq_requests_total{resource="acct-1",status="failed"} 1`)
	assert.Contains(t, body, `quotaq_quota_exhausted_total{resource="acct-1"} 1`)
	assert.Contains(t, body, `quotaq_pauses_total{reason="quota_exhausted",resource="acct-1"} 1`)
	assert.Contains(t, body, `quotaq_pending_items{resource="acct-1"} 4`)
	assert.Contains(t, body, `quotaq_paused{resource="acct-1"} 1`)
	assert.Contains(t, body, `quotaq_estimated_seconds_remaining{resource="acct-1"} 18`)
	assert.Contains(t, body, `quotaq_request_duration_seconds_count{resource="acct-1"} 2`)
	assert.Equal(t, 4, c.LastProgress().Pending)
}

func TestCollector_ResumeClearsPausedGauge(t *testing.T) {
	c := NewCollector("acct-1")

	c.Observe(queue.Event{Type: queue.EventPaused, Data: queue.PauseInfo{Reason: queue.PauseUser}})
	c.Observe(queue.Event{Type: queue.EventResumed, Data: queue.PauseInfo{Reason: queue.PauseUser}})

	assert.Contains(t, scrape(t, c), `quotaq_paused{resource="acct-1"} 0`)
}

func TestCollector_SubscribedToQueue(t *testing.T) {
	q, err := queue.New(queue.DefaultConfig())
	require.NoError(t, err)
	c := NewCollector("acct-1")
	q.Subscribe(c.Observe)

	_, err = q.EnqueueAll([]queue.WorkItem{{SubjectID: "a"}, {SubjectID: "b"}})
	require.NoError(t, err)

	assert.Equal(t, 2, c.LastProgress().Pending)
	assert.Contains(t, scrape(t, c), `quotaq_pending_items{resource="acct-1"} 2`)
}

func TestCollector_IndependentRegistries(t *testing.T) {
	// Two collectors must not collide on registration
	a := NewCollector("acct-1")
	b := NewCollector("acct-2")

	a.Observe(queue.Event{Type: queue.EventQuotaExhausted})

	assert.Contains(t, scrape(t, a), `quotaq_quota_exhausted_total{resource="acct-1"} 1`)
	assert.Contains(t, scrape(t, b), `quotaq_quota_exhausted_total{resource="acct-2"} 0`)
	assert.NotNil(t, a.Registry())
}
