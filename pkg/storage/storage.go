// Package storage keeps a sqlite journal of finished work items, pauses and
// batch runs, and aggregates it for the history command. It records
// outcomes only; queued work is never restored from it.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/shaneisley/quotaq/pkg/logging"
	"github.com/shaneisley/quotaq/pkg/metrics"
	"github.com/shaneisley/quotaq/pkg/queue"
)

// Journal is the outcome store
type Journal struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// StoredRun is a batch run read back from the journal
type StoredRun struct {
	ID          int64         `json:"id"`
	ResourceKey string        `json:"resource_key"`
	BatchHash   string        `json:"batch_hash"`
	FinalStatus string        `json:"final_status"`
	TotalItems  int           `json:"total_items"`
	Completed   int           `json:"completed"`
	Failed      int           `json:"failed"`
	Cancelled   int           `json:"cancelled"`
	Retries     int           `json:"retries"`
	Duration    time.Duration `json:"duration"`
	FinishedAt  time.Time     `json:"finished_at"`
}

// AggregatedStats represents aggregated item statistics over a time period
type AggregatedStats struct {
	TimeRange       TimeRange     `json:"time_range"`
	TotalItems      int           `json:"total_items"`
	CompletedItems  int           `json:"completed_items"`
	FailedItems     int           `json:"failed_items"`
	SuccessRate     float64       `json:"success_rate"`
	AverageRetries  float64       `json:"average_retries"`
	AverageDuration time.Duration `json:"average_duration"`
	QuotaPauses     int           `json:"quota_pauses"`
	TopKinds        []KindStats   `json:"top_kinds"`
	HourlyBreakdown []HourlyStats `json:"hourly_breakdown"`
}

// TimeRange represents a time range for aggregation
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// KindStats represents statistics for one kind of work item
type KindStats struct {
	Kind        string        `json:"kind"`
	Count       int           `json:"count"`
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// HourlyStats represents statistics for a specific hour
type HourlyStats struct {
	Hour        time.Time `json:"hour"`
	TotalItems  int       `json:"total_items"`
	SuccessRate float64   `json:"success_rate"`
}

// Open creates or opens the journal at path
func Open(path string) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// sqlite allows one writer; a single connection also keeps :memory: shared
	db.SetMaxOpenConns(1)

	j := &Journal{db: db, path: path}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}
	return j, nil
}

// DefaultPath returns ~/.quotaq/journal.db
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "quotaq", "journal.db")
	}
	return filepath.Join(home, ".quotaq", "journal.db")
}

func (j *Journal) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		resource_key TEXT NOT NULL,
		item_id TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		recorded_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pauses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		resource_key TEXT NOT NULL,
		reason TEXT NOT NULL,
		resume_at INTEGER,
		recorded_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		resource_key TEXT NOT NULL,
		batch_hash TEXT NOT NULL,
		final_status TEXT NOT NULL,
		total_items INTEGER NOT NULL,
		completed INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		cancelled INTEGER NOT NULL,
		retries INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_outcomes_recorded ON outcomes(recorded_at);
	CREATE INDEX IF NOT EXISTS idx_outcomes_resource ON outcomes(resource_key);
	CREATE INDEX IF NOT EXISTS idx_pauses_recorded ON pauses(recorded_at);
	CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at);
	`

	_, err := j.db.Exec(schema)
	return err
}

// Close closes the database
func (j *Journal) Close() error {
	return j.db.Close()
}

// Path returns the database location
func (j *Journal) Path() string {
	return j.path
}

// RecordOutcome stores one finished item
func (j *Journal) RecordOutcome(resourceKey string, outcome metrics.ItemOutcome, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(`
	INSERT INTO outcomes (resource_key, item_id, subject_id, kind, status, retry_count, duration_ms, error, recorded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		resourceKey, outcome.ItemID, outcome.SubjectID, outcome.Kind, outcome.Status,
		outcome.RetryCount, outcome.Duration.Milliseconds(), outcome.Error, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record outcome for %s: %w", outcome.ItemID, err)
	}
	return nil
}

// RecordPause stores a queue pause
func (j *Journal) RecordPause(resourceKey string, info queue.PauseInfo, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var resumeAt *int64
	if !info.ResumeAt.IsZero() {
		ts := info.ResumeAt.UnixMilli()
		resumeAt = &ts
	}

	_, err := j.db.Exec(`INSERT INTO pauses (resource_key, reason, resume_at, recorded_at) VALUES (?, ?, ?, ?)`,
		resourceKey, string(info.Reason), resumeAt, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record pause: %w", err)
	}
	return nil
}

// RecordRun stores a batch summary and returns its ID
func (j *Journal) RecordRun(summary *metrics.RunSummary) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	durationMs := int64(summary.TotalDurationSeconds * 1000)
	result, err := j.db.Exec(`
	INSERT INTO runs (resource_key, batch_hash, final_status, total_items, completed, failed, cancelled, retries, duration_ms, finished_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		summary.ResourceKey, summary.BatchHash, summary.FinalStatus, summary.TotalItems,
		summary.Completed, summary.Failed, summary.Cancelled, summary.Retries,
		durationMs, summary.Timestamp*1000)
	if err != nil {
		return 0, fmt.Errorf("failed to record run: %w", err)
	}
	return result.LastInsertId()
}

// Recorder returns a queue subscriber that journals terminal outcomes and
// pauses for resourceKey. Write failures are logged, never returned.
func (j *Journal) Recorder(resourceKey string, logger *logging.Logger) func(queue.Event) {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.WithComponent("journal").WithResource(resourceKey)

	return func(ev queue.Event) {
		var err error
		switch ev.Type {
		case queue.EventRequestComplete, queue.EventRequestError:
			item, ok := ev.Data.(queue.WorkItem)
			if !ok || !item.Status.Terminal() {
				return
			}
			err = j.RecordOutcome(resourceKey, metrics.OutcomeFromItem(item), ev.Timestamp)
		case queue.EventPaused:
			info, ok := ev.Data.(queue.PauseInfo)
			if !ok {
				return
			}
			err = j.RecordPause(resourceKey, info, ev.Timestamp)
		default:
			return
		}
		if err != nil {
			logger.LogError("journal event", err, "type", string(ev.Type))
		}
	}
}

// RecentRuns returns the most recent runs, newest first
func (j *Journal) RecentRuns(limit int) ([]StoredRun, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := j.db.Query(`
	SELECT id, resource_key, batch_hash, final_status, total_items, completed, failed, cancelled, retries, duration_ms, finished_at
	FROM runs ORDER BY finished_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []StoredRun
	for rows.Next() {
		var run StoredRun
		var durationMs, finishedAt int64
		if err := rows.Scan(&run.ID, &run.ResourceKey, &run.BatchHash, &run.FinalStatus, &run.TotalItems,
			&run.Completed, &run.Failed, &run.Cancelled, &run.Retries, &durationMs, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.Duration = time.Duration(durationMs) * time.Millisecond
		run.FinishedAt = time.UnixMilli(finishedAt)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type outcomeRow struct {
	kind       string
	status     string
	retryCount int
	duration   time.Duration
	recordedAt time.Time
}

// AggregatedStats returns item statistics for [start, end)
func (j *Journal) AggregatedStats(start, end time.Time) (*AggregatedStats, error) {
	stats := &AggregatedStats{
		TimeRange: TimeRange{Start: start, End: end},
	}

	rows, err := j.db.Query(`
	SELECT kind, status, retry_count, duration_ms, recorded_at
	FROM outcomes WHERE recorded_at >= ? AND recorded_at < ?`, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []outcomeRow
	for rows.Next() {
		var row outcomeRow
		var durationMs, recordedAt int64
		if err := rows.Scan(&row.kind, &row.status, &row.retryCount, &durationMs, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		row.duration = time.Duration(durationMs) * time.Millisecond
		row.recordedAt = time.UnixMilli(recordedAt)
		outcomes = append(outcomes, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = j.db.QueryRow(`SELECT COUNT(*) FROM pauses WHERE reason = ? AND recorded_at >= ? AND recorded_at < ?`,
		string(queue.PauseQuotaExhausted), start.UnixMilli(), end.UnixMilli()).Scan(&stats.QuotaPauses)
	if err != nil {
		return nil, fmt.Errorf("failed to count pauses: %w", err)
	}

	if len(outcomes) == 0 {
		return stats, nil
	}

	var totalDuration time.Duration
	var totalRetries int
	kindStats := make(map[string]*KindStats)
	hourlyStats := make(map[int64]*HourlyStats)

	for _, row := range outcomes {
		stats.TotalItems++
		success := row.status == string(queue.StatusCompleted)
		if success {
			stats.CompletedItems++
		} else {
			stats.FailedItems++
		}
		totalDuration += row.duration
		totalRetries += row.retryCount

		kind := row.kind
		if kind == "" {
			kind = "default"
		}
		ks, ok := kindStats[kind]
		if !ok {
			ks = &KindStats{Kind: kind}
			kindStats[kind] = ks
		}
		ks.Count++
		ks.SuccessRate = runningRate(ks.SuccessRate, ks.Count, success)
		ks.AvgDuration = (ks.AvgDuration*time.Duration(ks.Count-1) + row.duration) / time.Duration(ks.Count)

		hour := row.recordedAt.UTC().Truncate(time.Hour)
		hs, ok := hourlyStats[hour.Unix()]
		if !ok {
			hs = &HourlyStats{Hour: hour}
			hourlyStats[hour.Unix()] = hs
		}
		hs.TotalItems++
		hs.SuccessRate = runningRate(hs.SuccessRate, hs.TotalItems, success)
	}

	stats.SuccessRate = float64(stats.CompletedItems) / float64(stats.TotalItems)
	stats.AverageRetries = float64(totalRetries) / float64(stats.TotalItems)
	stats.AverageDuration = totalDuration / time.Duration(stats.TotalItems)
	stats.TopKinds = sortKindStats(kindStats)
	stats.HourlyBreakdown = sortHourlyStats(hourlyStats)

	return stats, nil
}

// Clear removes every journal entry
func (j *Journal) Clear() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(`DELETE FROM outcomes; DELETE FROM pauses; DELETE FROM runs;`)
	return err
}

// Prune removes entries recorded before cutoff
func (j *Journal) Prune(cutoff time.Time) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var removed int64
	for _, table := range []string{"outcomes", "pauses"} {
		result, err := j.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE recorded_at < ?", table), cutoff.UnixMilli())
		if err != nil {
			return removed, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		n, _ := result.RowsAffected()
		removed += n
	}
	result, err := j.db.Exec(`DELETE FROM runs WHERE finished_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return removed, fmt.Errorf("failed to prune runs: %w", err)
	}
	n, _ := result.RowsAffected()
	return removed + n, nil
}

// runningRate folds one more observation into a success rate over count items
func runningRate(rate float64, count int, success bool) float64 {
	hit := 0.0
	if success {
		hit = 1.0
	}
	return (rate*float64(count-1) + hit) / float64(count)
}

// sortKindStats converts the map to a slice ordered by count, top 10
func sortKindStats(kindStats map[string]*KindStats) []KindStats {
	stats := make([]KindStats, 0, len(kindStats))
	for _, stat := range kindStats {
		stats = append(stats, *stat)
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].Kind < stats[j].Kind
	})

	if len(stats) > 10 {
		stats = stats[:10]
	}
	return stats
}

// sortHourlyStats converts the map to a slice ordered by hour
func sortHourlyStats(hourlyStats map[int64]*HourlyStats) []HourlyStats {
	stats := make([]HourlyStats, 0, len(hourlyStats))
	for _, stat := range hourlyStats {
		stats = append(stats, *stat)
	}

	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Hour.Before(stats[j].Hour)
	})
	return stats
}
