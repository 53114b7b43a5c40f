package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaneisley/quotaq/pkg/clock"
	"github.com/shaneisley/quotaq/pkg/metrics"
	"github.com/shaneisley/quotaq/pkg/queue"
	"github.com/shaneisley/quotaq/pkg/storage"
)

var epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func newQueue(t *testing.T, items ...queue.WorkItem) (*queue.Queue, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(epoch)
	q, err := queue.New(queue.DefaultConfig(), queue.WithClock(fake))
	require.NoError(t, err)
	_, err = q.EnqueueAll(items)
	require.NoError(t, err)
	return q, fake
}

func do(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestServer_Health(t *testing.T) {
	q, _ := newQueue(t)
	s := New(q)

	rec := do(t, s, http.MethodGet, "/api/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "idle", body["phase"])
}

func TestServer_ProgressAndState(t *testing.T) {
	// Given a queue with two pending items
	q, _ := newQueue(t,
		queue.WorkItem{ID: "a", SubjectID: "1"},
		queue.WorkItem{ID: "b", SubjectID: "2"},
	)
	s := New(q)

	// When progress and state are requested
	progress := decode[queue.Progress](t, do(t, s, http.MethodGet, "/api/queue/progress"))
	state := decode[queue.State](t, do(t, s, http.MethodGet, "/api/queue/state"))

	// Then both reflect the queue
	assert.Equal(t, 2, progress.Total)
	assert.Equal(t, 2, progress.Pending)
	assert.Len(t, state.Items, 2)
	assert.Equal(t, queue.PhaseIdle, state.Phase)
}

func TestServer_Items(t *testing.T) {
	q, _ := newQueue(t,
		queue.WorkItem{ID: "a", SubjectID: "1"},
		queue.WorkItem{ID: "b", SubjectID: "2"},
	)
	s := New(q)

	t.Run("all", func(t *testing.T) {
		body := decode[struct {
			Items []queue.WorkItem `json:"items"`
			Count int              `json:"count"`
		}](t, do(t, s, http.MethodGet, "/api/queue/items"))
		assert.Equal(t, 2, body.Count)
	})

	t.Run("filtered", func(t *testing.T) {
		body := decode[map[string]any](t, do(t, s, http.MethodGet, "/api/queue/items?status=failed"))
		assert.Equal(t, float64(0), body["count"])
	})

	t.Run("single", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/api/queue/items/b")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", decode[queue.WorkItem](t, rec).SubjectID)
	})

	t.Run("missing", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/api/queue/items/zzz")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "item not found")
	})
}

func TestServer_PauseResume(t *testing.T) {
	// Given an idle queue
	q, _ := newQueue(t, queue.WorkItem{ID: "a", SubjectID: "1"})
	s := New(q)

	// When paused with an auto-resume
	rec := do(t, s, http.MethodPost, "/api/queue/pause?resume_after=2m")

	// Then the queue reports a user pause
	require.Equal(t, http.StatusOK, rec.Code)
	progress := decode[queue.Progress](t, rec)
	assert.True(t, progress.IsPaused)
	assert.Equal(t, queue.PauseUser, progress.PauseReason)
	assert.True(t, epoch.Add(2*time.Minute).Equal(progress.ResumeAt))

	// And resume clears it
	rec = do(t, s, http.MethodPost, "/api/queue/resume")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[queue.Progress](t, rec).IsPaused)
}

func TestServer_PauseRejectsBadDuration(t *testing.T) {
	q, _ := newQueue(t)
	s := New(q)

	rec := do(t, s, http.MethodPost, "/api/queue/pause?resume_after=soon")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, q.Progress().IsPaused)
}

func TestServer_Cancel(t *testing.T) {
	q, _ := newQueue(t, queue.WorkItem{ID: "a", SubjectID: "1"})
	s := New(q)

	rec := do(t, s, http.MethodPost, "/api/queue/cancel")

	require.Equal(t, http.StatusOK, rec.Code)
	progress := decode[queue.Progress](t, rec)
	assert.Equal(t, queue.PhaseCancelled, progress.Phase)
	assert.Equal(t, 1, progress.Cancelled)

	rec = do(t, s, http.MethodPost, "/api/queue/pause")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_PauseCompletedQueue(t *testing.T) {
	// Given a queue that drained its only item
	q, _ := newQueue(t, queue.WorkItem{ID: "a", SubjectID: "1"})
	require.NoError(t, q.Run(context.Background(), func(ctx context.Context, item queue.WorkItem) error { return nil }))
	s := New(q)

	// When a pause is requested
	rec := do(t, s, http.MethodPost, "/api/queue/pause?resume_after=1m")

	// Then it is refused and the queue stays completed
	assert.Equal(t, http.StatusConflict, rec.Code)
	progress := q.Progress()
	assert.Equal(t, queue.PhaseCompleted, progress.Phase)
	assert.False(t, progress.IsPaused)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	q, _ := newQueue(t)
	s := New(q)

	rec := do(t, s, http.MethodGet, "/api/queue/cancel")

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	q, _ := newQueue(t)
	collector := metrics.NewCollector("acct-1")
	collector.Observe(queue.Event{Type: queue.EventProgress, Data: queue.Progress{Pending: 3}})

	rec := do(t, New(q, WithCollector(collector)), http.MethodGet, "/metrics")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `quotaq_pending_items{resource="acct-1"} 3`))

	rec = do(t, New(q), http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_History(t *testing.T) {
	// Given a journal holding one outcome from an hour ago
	journal, err := storage.Open(":memory:")
	require.NoError(t, err)
	defer journal.Close()

	require.NoError(t, journal.RecordOutcome("acct-1", metrics.ItemOutcome{
		ItemID: "a",
		Kind:   "budget",
		Status: string(queue.StatusCompleted),
	}, epoch.Add(-time.Hour)))

	q, _ := newQueue(t)
	s := New(q, WithJournal(journal))
	s.now = func() time.Time { return epoch }

	// When history is requested
	rec := do(t, s, http.MethodGet, "/api/history?hours=2")

	// Then it aggregates the journal
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[storage.AggregatedStats](t, rec)
	assert.Equal(t, 1, stats.TotalItems)
	assert.Equal(t, 1, stats.CompletedItems)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/history?hours=-1").Code)
	assert.Equal(t, http.StatusNotFound, do(t, New(q), http.MethodGet, "/api/history").Code)
}
