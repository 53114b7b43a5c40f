// Package queue runs work items one at a time against a rate-limited
// resource, pacing them with an adaptive delay and pausing the whole batch
// when the resource reports quota exhaustion.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaneisley/quotaq/pkg/backoff"
	"github.com/shaneisley/quotaq/pkg/classify"
	"github.com/shaneisley/quotaq/pkg/clock"
	"github.com/shaneisley/quotaq/pkg/logging"
)

const (
	DefaultMaxRetries     = 3
	DefaultQuotaCooldown  = 5 * time.Minute
	DefaultAverageRequest = 3 * time.Second
)

var (
	// ErrDuplicateID is returned when an enqueued item reuses a known ID
	ErrDuplicateID = errors.New("work item ID already queued")
	// ErrNilOperation is returned by Run when op is nil
	ErrNilOperation = errors.New("operation cannot be nil")
)

// Operation performs the external call for one item. ctx is cancelled when
// the queue is cancelled.
type Operation func(ctx context.Context, item WorkItem) error

// Config holds queue-level retry and pause settings
type Config struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	QuotaCooldown  time.Duration `mapstructure:"quota_cooldown"`
	DefaultAverage time.Duration `mapstructure:"default_average"`
}

// DefaultConfig returns 3 queue-level retries and a 5 minute quota pause
func DefaultConfig() Config {
	return Config{
		MaxRetries:     DefaultMaxRetries,
		QuotaCooldown:  DefaultQuotaCooldown,
		DefaultAverage: DefaultAverageRequest,
	}
}

// Validate checks the settings
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative, got %d", c.MaxRetries)
	}
	if c.QuotaCooldown <= 0 {
		return fmt.Errorf("quota cooldown must be positive, got %s", c.QuotaCooldown)
	}
	if c.DefaultAverage < 0 {
		return fmt.Errorf("default average cannot be negative, got %s", c.DefaultAverage)
	}
	return nil
}

// Option customizes a Queue
type Option func(*Queue)

// WithClock sets the time source for delays, timestamps and auto-resume
func WithClock(c clock.Clock) Option {
	return func(q *Queue) {
		q.clock = c
	}
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(q *Queue) {
		q.logger = logger.WithComponent("queue")
	}
}

// WithClassifier sets how operation errors are classified
func WithClassifier(c *classify.Classifier) Option {
	return func(q *Queue) {
		q.classifier = c
	}
}

// WithAdaptiveDelay sets the pacing controller
func WithAdaptiveDelay(d *backoff.AdaptiveDelay) Option {
	return func(q *Queue) {
		q.delay = d
	}
}

// Queue is a priority-ordered, single-flight work queue.
// One Queue should drive one resource key.
type Queue struct {
	cfg        Config
	clock      clock.Clock
	logger     *logging.Logger
	classifier *classify.Classifier
	delay      *backoff.AdaptiveDelay

	mu        sync.Mutex
	items     []*WorkItem
	index     map[string]*WorkItem
	seq       uint64
	phase     Phase
	currentID string
	completed int
	failed    int
	cancelled int
	startedAt time.Time

	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	paused      bool
	pauseReason PauseReason
	resumeAt    time.Time
	resumeCh    chan struct{}
	resumeTimer clock.Timer
	pauseGen    uint64

	subscribers map[uint64]func(Event)
	nextSubID   uint64
}

// New creates an idle queue
func New(cfg Config, opts ...Option) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue config: %w", err)
	}

	done := make(chan struct{})
	close(done)

	q := &Queue{
		cfg:         cfg,
		clock:       clock.New(),
		logger:      logging.NewNop(),
		classifier:  classify.Default(),
		index:       make(map[string]*WorkItem),
		phase:       PhaseIdle,
		done:        done,
		subscribers: make(map[uint64]func(Event)),
	}
	for _, opt := range opts {
		opt(q)
	}

	if q.delay == nil {
		delay, err := backoff.NewAdaptiveDelay(backoff.DefaultAdaptiveConfig())
		if err != nil {
			return nil, err
		}
		q.delay = delay
	}
	return q, nil
}

// Enqueue adds an item and returns its ID, generating one when empty
func (q *Queue) Enqueue(item WorkItem) (string, error) {
	ids, err := q.EnqueueAll([]WorkItem{item})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// EnqueueAll adds items in order. Nothing is added if any ID collides.
func (q *Queue) EnqueueAll(items []WorkItem) ([]string, error) {
	q.mu.Lock()

	seen := make(map[string]bool, len(items))
	for i := range items {
		if items[i].ID == "" {
			items[i].ID = uuid.NewString()
		}
		id := items[i].ID
		if _, exists := q.index[id]; exists || seen[id] {
			q.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		seen[id] = true
	}

	now := q.clock.Now()
	ids := make([]string, 0, len(items))
	for i := range items {
		q.seq++
		item := items[i].clone()
		item.Status = StatusPending
		item.AddedAt = now
		item.StartedAt = time.Time{}
		item.CompletedAt = time.Time{}
		item.LastError = ""
		item.RetryCount = 0
		item.seq = q.seq

		q.items = append(q.items, &item)
		q.index[item.ID] = &item
		ids = append(ids, item.ID)
	}
	progress := q.progressLocked()
	q.mu.Unlock()

	q.logger.Debug("items enqueued", "count", len(ids), "total", progress.Total)
	q.emit(EventProgress, progress)
	return ids, nil
}

// Start begins processing in a new goroutine. It returns false and does
// nothing if a processing loop is already running.
func (q *Queue) Start(op Operation) bool {
	if op == nil {
		return false
	}

	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.running = true
	q.cancel = cancel
	q.done = make(chan struct{})
	q.startedAt = q.clock.Now()
	if q.paused {
		q.phase = PhasePaused
	} else {
		q.phase = PhaseProcessing
	}
	done := q.done
	q.mu.Unlock()

	q.logger.Info("processing started")
	go q.run(ctx, op, done)
	return true
}

// Run starts processing and blocks until the loop exits or ctx ends.
// Ending ctx cancels the queue.
func (q *Queue) Run(ctx context.Context, op Operation) error {
	if op == nil {
		return ErrNilOperation
	}
	q.Start(op)

	if err := q.Wait(ctx); err != nil {
		q.Cancel()
		return err
	}
	return nil
}

// Wait blocks until the current processing loop exits or ctx ends
func (q *Queue) Wait(ctx context.Context) error {
	select {
	case <-q.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the current processing loop exits
func (q *Queue) Done() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.done
}

func (q *Queue) run(ctx context.Context, op Operation, done chan struct{}) {
	defer q.finish(ctx, done)

	for {
		if !q.waitWhilePaused(ctx) {
			return
		}

		item, ok := q.next()
		if !ok {
			return
		}
		q.process(ctx, op, item)

		if ctx.Err() != nil {
			return
		}

		q.mu.Lock()
		pending := q.pendingLocked()
		paused := q.paused
		progress := q.progressLocked()
		q.mu.Unlock()

		q.emit(EventProgress, progress)
		if pending > 0 && !paused {
			if err := q.clock.Sleep(ctx, q.delay.Current()); err != nil {
				return
			}
		}
	}
}

// waitWhilePaused blocks until Resume or cancellation; false means stop
func (q *Queue) waitWhilePaused(ctx context.Context) bool {
	for {
		q.mu.Lock()
		if !q.paused {
			q.mu.Unlock()
			return ctx.Err() == nil
		}
		resumed := q.resumeCh
		q.mu.Unlock()

		select {
		case <-resumed:
		case <-ctx.Done():
			return false
		}
	}
}

// next marks the highest-priority pending item as processing
func (q *Queue) next() (WorkItem, bool) {
	q.mu.Lock()
	var best *WorkItem
	for _, item := range q.items {
		if item.Status != StatusPending {
			continue
		}
		if best == nil || item.Priority > best.Priority ||
			(item.Priority == best.Priority && item.seq < best.seq) {
			best = item
		}
	}
	if best == nil {
		q.mu.Unlock()
		return WorkItem{}, false
	}

	best.Status = StatusProcessing
	best.StartedAt = q.clock.Now()
	best.CompletedAt = time.Time{}
	q.currentID = best.ID
	snapshot := best.clone()
	q.mu.Unlock()

	q.logger.WithItem(snapshot.ID).Debug("request started",
		"subject_id", snapshot.SubjectID, "priority", snapshot.Priority, "retry_count", snapshot.RetryCount)
	q.emit(EventRequestStart, snapshot)
	return snapshot, true
}

func (q *Queue) process(ctx context.Context, op Operation, item WorkItem) {
	logger := q.logger.WithItem(item.ID)
	err := invoke(ctx, op, item)
	now := q.clock.Now()

	q.mu.Lock()
	q.currentID = ""
	current, ok := q.index[item.ID]
	// Cancel or Clear got here first
	if !ok || current.Status != StatusProcessing {
		q.mu.Unlock()
		return
	}
	duration := now.Sub(current.StartedAt)

	if err == nil {
		current.Status = StatusCompleted
		current.CompletedAt = now
		current.LastError = ""
		q.completed++
		snapshot := current.clone()
		q.mu.Unlock()

		q.delay.ReportSuccess(duration)
		logger.Debug("request completed", "duration", duration.String())
		q.emit(EventRequestComplete, snapshot)
		return
	}

	kind := q.classifier.Classify(err)
	current.LastError = err.Error()

	switch {
	case kind == classify.Quota:
		// back to pending with its place and retry budget intact
		current.Status = StatusPending
		current.StartedAt = time.Time{}
		snapshot := current.clone()
		q.mu.Unlock()

		cooldown := classify.RetryAfter(err)
		if cooldown <= 0 {
			cooldown = q.cfg.QuotaCooldown
		}
		q.delay.ReportFailure(true)
		logger.Warn("quota exhausted, pausing queue", "cooldown", cooldown.String(), "error", err.Error())
		q.emit(EventRequestError, snapshot)
		q.emit(EventQuotaExhausted, QuotaInfo{Item: snapshot, Cooldown: cooldown, Error: err.Error()})
		q.Pause(PauseQuotaExhausted, cooldown)

	case retryableKind(kind) && current.RetryCount < q.cfg.MaxRetries:
		q.seq++
		current.Status = StatusPending
		current.StartedAt = time.Time{}
		current.RetryCount++
		current.seq = q.seq
		retryCount := current.RetryCount
		q.mu.Unlock()

		q.delay.ReportFailure(false)
		logger.Info("request failed, requeued", "kind", kind.String(), "retry_count", retryCount, "error", err.Error())

	default:
		current.Status = StatusFailed
		current.CompletedAt = now
		q.failed++
		snapshot := current.clone()
		q.mu.Unlock()

		q.delay.ReportFailure(false)
		logger.LogError("request", err, "kind", kind.String(), "retry_count", snapshot.RetryCount)
		q.emit(EventRequestError, snapshot)
	}
}

func retryableKind(kind classify.Kind) bool {
	return kind == classify.Transient || kind == classify.Unknown
}

func invoke(ctx context.Context, op Operation, item WorkItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return op(ctx, item)
}

func (q *Queue) finish(ctx context.Context, done chan struct{}) {
	q.mu.Lock()
	q.running = false
	q.currentID = ""
	if q.phase == PhaseProcessing || q.phase == PhasePaused {
		if ctx.Err() != nil {
			q.phase = PhaseCancelled
		} else {
			q.phase = PhaseCompleted
		}
	}
	if q.cancel != nil {
		q.cancel()
	}
	progress := q.progressLocked()
	q.mu.Unlock()

	q.logger.Info("processing finished", "phase", string(progress.Phase),
		"completed", progress.Completed, "failed", progress.Failed, "cancelled", progress.Cancelled)
	q.emit(EventCompleted, progress)
	close(done)
}

// Pause stops dequeuing after the current item. A positive autoResumeAfter
// schedules Resume. Pausing an already paused queue replaces reason and timer.
// A cancelled or finished queue ignores Pause.
func (q *Queue) Pause(reason PauseReason, autoResumeAfter time.Duration) {
	q.mu.Lock()
	if q.finishedLocked() {
		q.mu.Unlock()
		return
	}

	if !q.paused {
		q.paused = true
		q.resumeCh = make(chan struct{})
	}
	q.pauseReason = reason
	q.pauseGen++
	gen := q.pauseGen
	q.stopResumeTimerLocked()

	q.resumeAt = time.Time{}
	if autoResumeAfter > 0 {
		q.resumeAt = q.clock.Now().Add(autoResumeAfter)
	}
	q.phase = PhasePaused
	info := PauseInfo{Reason: reason, ResumeAt: q.resumeAt}
	q.mu.Unlock()

	q.logger.Info("queue paused", "reason", string(reason), "auto_resume_after", autoResumeAfter.String())
	q.emit(EventPaused, info)

	if autoResumeAfter > 0 {
		q.armResumeTimer(gen)
	}
}

// armResumeTimer schedules the auto-resume for pause generation gen. It runs
// after the paused event is delivered so resumed can never overtake it.
func (q *Queue) armResumeTimer(gen uint64) {
	q.mu.Lock()
	if gen != q.pauseGen || !q.paused {
		q.mu.Unlock()
		return
	}
	remaining := q.resumeAt.Sub(q.clock.Now())
	if remaining > 0 {
		q.resumeTimer = q.clock.AfterFunc(remaining, func() {
			q.resumeIf(gen)
		})
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()
	q.resumeIf(gen)
}

// finishedLocked reports a queue that can no longer be paused; callers hold mu
func (q *Queue) finishedLocked() bool {
	return q.phase == PhaseCancelled || (q.phase == PhaseCompleted && !q.running)
}

// Resume continues dequeuing; it does nothing when not paused
func (q *Queue) Resume() {
	q.mu.Lock()
	info, ok := q.resumeLocked()
	q.mu.Unlock()

	if ok {
		q.logger.Info("queue resumed", "reason", string(info.Reason))
		q.emit(EventResumed, info)
	}
}

// resumeIf ignores timers left over from an earlier pause
func (q *Queue) resumeIf(gen uint64) {
	q.mu.Lock()
	if gen != q.pauseGen {
		q.mu.Unlock()
		return
	}
	info, ok := q.resumeLocked()
	q.mu.Unlock()

	if ok {
		q.logger.Info("queue auto-resumed", "reason", string(info.Reason))
		q.emit(EventResumed, info)
	}
}

func (q *Queue) resumeLocked() (PauseInfo, bool) {
	if !q.paused {
		return PauseInfo{}, false
	}
	info := PauseInfo{Reason: q.pauseReason, ResumeAt: q.resumeAt}

	q.paused = false
	close(q.resumeCh)
	q.resumeCh = nil
	q.pauseGen++
	q.stopResumeTimerLocked()
	q.pauseReason = ""
	q.resumeAt = time.Time{}

	if q.phase == PhasePaused {
		if q.running {
			q.phase = PhaseProcessing
		} else {
			q.phase = PhaseIdle
		}
	}
	return info, true
}

func (q *Queue) stopResumeTimerLocked() {
	if q.resumeTimer != nil {
		q.resumeTimer.Stop()
		q.resumeTimer = nil
	}
}

// Cancel stops the loop at its next suspension point, cancels the
// operation context and marks every pending or processing item cancelled.
func (q *Queue) Cancel() {
	q.mu.Lock()
	if q.cancel != nil {
		q.cancel()
	}

	now := q.clock.Now()
	flipped := 0
	for _, item := range q.items {
		if item.Status == StatusPending || item.Status == StatusProcessing {
			item.Status = StatusCancelled
			item.CompletedAt = now
			flipped++
		}
	}
	q.cancelled += flipped

	if q.paused {
		q.paused = false
		close(q.resumeCh)
		q.resumeCh = nil
		q.pauseReason = ""
		q.resumeAt = time.Time{}
	}
	q.pauseGen++
	q.stopResumeTimerLocked()
	q.phase = PhaseCancelled
	progress := q.progressLocked()
	q.mu.Unlock()

	q.logger.Info("queue cancelled", "items_cancelled", flipped)
	q.emit(EventProgress, progress)
}

// Clear cancels and then forgets every item and counter
func (q *Queue) Clear() {
	q.Cancel()

	q.mu.Lock()
	q.items = nil
	q.index = make(map[string]*WorkItem)
	q.completed = 0
	q.failed = 0
	q.cancelled = 0
	q.currentID = ""
	q.startedAt = time.Time{}
	q.phase = PhaseIdle
	progress := q.progressLocked()
	q.mu.Unlock()

	q.delay.Reset()
	q.logger.Debug("queue cleared")
	q.emit(EventProgress, progress)
}

// State returns a copy of the full queue state
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]WorkItem, 0, len(q.items))
	for _, item := range q.items {
		items = append(items, item.clone())
	}

	return State{
		Phase:       q.phase,
		Items:       items,
		CurrentID:   q.currentID,
		Completed:   q.completed,
		Failed:      q.failed,
		Cancelled:   q.cancelled,
		IsPaused:    q.paused,
		PauseReason: q.pauseReason,
		ResumeAt:    q.resumeAt,
		Delay:       q.delay.Current(),
		StartedAt:   q.startedAt,
	}
}

// Progress returns the UI summary
func (q *Queue) Progress() Progress {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.progressLocked()
}

func (q *Queue) progressLocked() Progress {
	pending := q.pendingLocked()
	var current *WorkItem
	if item, ok := q.index[q.currentID]; ok && q.currentID != "" {
		c := item.clone()
		current = &c
	}

	perItem := q.delay.AverageDuration(q.cfg.DefaultAverage) + q.delay.Current()

	return Progress{
		Phase:                  q.phase,
		Current:                current,
		Completed:              q.completed,
		Total:                  len(q.items),
		Failed:                 q.failed,
		Cancelled:              q.cancelled,
		Pending:                pending,
		EstimatedTimeRemaining: time.Duration(pending) * perItem,
		IsPaused:               q.paused,
		PauseReason:            q.pauseReason,
		ResumeAt:               q.resumeAt,
	}
}

func (q *Queue) pendingLocked() int {
	n := 0
	for _, item := range q.items {
		if item.Status == StatusPending {
			n++
		}
	}
	return n
}

// Subscribe registers fn for every subsequent event. Events are delivered
// synchronously from the goroutine that produced them, so fn must not block.
func (q *Queue) Subscribe(fn func(Event)) (unsubscribe func()) {
	q.mu.Lock()
	q.nextSubID++
	id := q.nextSubID
	q.subscribers[id] = fn
	q.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			delete(q.subscribers, id)
			q.mu.Unlock()
		})
	}
}

// SubscribeChan delivers events on a buffered channel. Events that do not
// fit in the buffer are dropped. The channel is closed by unsubscribe.
func (q *Queue) SubscribeChan(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	var mu sync.Mutex
	closed := false

	unsub := q.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- ev:
		default:
			q.logger.Debug("dropping event for slow subscriber", "type", string(ev.Type))
		}
	})

	return ch, func() {
		unsub()
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}
}

func (q *Queue) emit(eventType EventType, data any) {
	q.mu.Lock()
	ids := make([]uint64, 0, len(q.subscribers))
	for id := range q.subscribers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	subs := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, q.subscribers[id])
	}
	ev := Event{Type: eventType, Data: data, Timestamp: q.clock.Now()}
	q.mu.Unlock()

	for _, fn := range subs {
		q.deliver(fn, ev)
	}
}

func (q *Queue) deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("event subscriber panicked", "type", string(ev.Type), "panic", fmt.Sprint(r))
		}
	}()
	fn(ev)
}
