package queue

import (
	"time"
)

// Status is the lifecycle state of a WorkItem
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the item will never run again
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Phase is the state of the queue as a whole
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseProcessing Phase = "processing"
	PhasePaused     Phase = "paused"
	PhaseCompleted  Phase = "completed"
	PhaseCancelled  Phase = "cancelled"
)

// PauseReason explains why the queue stopped dequeuing
type PauseReason string

const (
	PauseQuotaExhausted PauseReason = "quota_exhausted"
	PauseUser           PauseReason = "user_paused"
	PauseError          PauseReason = "error"
)

// WorkItem is one external call to make
type WorkItem struct {
	ID          string            `json:"id" yaml:"id"`
	SubjectID   string            `json:"subject_id" yaml:"subject_id"`
	SubjectName string            `json:"subject_name,omitempty" yaml:"subject_name"`
	Kind        string            `json:"kind,omitempty" yaml:"kind"`
	Priority    int               `json:"priority" yaml:"priority"`
	Params      map[string]string `json:"params,omitempty" yaml:"params"`

	AddedAt     time.Time `json:"added_at" yaml:"-"`
	StartedAt   time.Time `json:"started_at,omitempty" yaml:"-"`
	CompletedAt time.Time `json:"completed_at,omitempty" yaml:"-"`
	Status      Status    `json:"status" yaml:"-"`
	LastError   string    `json:"last_error,omitempty" yaml:"-"`
	RetryCount  int       `json:"retry_count" yaml:"-"`

	seq uint64
}

// Duration is the time spent on the last attempt, zero until it finishes
func (w WorkItem) Duration() time.Duration {
	if w.StartedAt.IsZero() || w.CompletedAt.IsZero() {
		return 0
	}
	return w.CompletedAt.Sub(w.StartedAt)
}

func (w *WorkItem) clone() WorkItem {
	c := *w
	if w.Params != nil {
		c.Params = make(map[string]string, len(w.Params))
		for k, v := range w.Params {
			c.Params[k] = v
		}
	}
	return c
}

// EventType names an entry in the queue's event stream
type EventType string

const (
	EventProgress        EventType = "progress"
	EventRequestStart    EventType = "request_start"
	EventRequestComplete EventType = "request_complete"
	EventRequestError    EventType = "request_error"
	EventPaused          EventType = "paused"
	EventResumed         EventType = "resumed"
	EventCompleted       EventType = "completed"
	EventQuotaExhausted  EventType = "quota_exhausted"
)

// Event is delivered to subscribers. Data holds a WorkItem for request_*
// events, PauseInfo for paused and resumed, QuotaInfo for quota_exhausted
// and Progress for progress and completed.
type Event struct {
	Type      EventType `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PauseInfo describes a pause
type PauseInfo struct {
	Reason   PauseReason `json:"reason"`
	ResumeAt time.Time   `json:"resume_at,omitempty"`
}

// QuotaInfo describes the quota failure that paused the queue
type QuotaInfo struct {
	Item     WorkItem      `json:"item"`
	Cooldown time.Duration `json:"cooldown"`
	Error    string        `json:"error"`
}

// Progress is the UI-facing summary
type Progress struct {
	Phase                  Phase         `json:"phase"`
	Current                *WorkItem     `json:"current,omitempty"`
	Completed              int           `json:"completed"`
	Total                  int           `json:"total"`
	Failed                 int           `json:"failed"`
	Cancelled              int           `json:"cancelled"`
	Pending                int           `json:"pending"`
	EstimatedTimeRemaining time.Duration `json:"estimated_time_remaining"`
	IsPaused               bool          `json:"is_paused"`
	PauseReason            PauseReason   `json:"pause_reason,omitempty"`
	ResumeAt               time.Time     `json:"resume_at,omitempty"`
}

// State is the full internal view of the queue
type State struct {
	Phase       Phase         `json:"phase"`
	Items       []WorkItem    `json:"items"`
	CurrentID   string        `json:"current_id,omitempty"`
	Completed   int           `json:"completed"`
	Failed      int           `json:"failed"`
	Cancelled   int           `json:"cancelled"`
	IsPaused    bool          `json:"is_paused"`
	PauseReason PauseReason   `json:"pause_reason,omitempty"`
	ResumeAt    time.Time     `json:"resume_at,omitempty"`
	Delay       time.Duration `json:"delay"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
}

// Item returns the item with id from the snapshot
func (s State) Item(id string) (WorkItem, bool) {
	for _, item := range s.Items {
		if item.ID == id {
			return item, true
		}
	}
	return WorkItem{}, false
}

// Count returns how many items in the snapshot have status
func (s State) Count(status Status) int {
	n := 0
	for _, item := range s.Items {
		if item.Status == status {
			n++
		}
	}
	return n
}
