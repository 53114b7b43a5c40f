package ui

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/shaneisley/quotaq/pkg/metrics"
	"github.com/shaneisley/quotaq/pkg/queue"
	"github.com/shaneisley/quotaq/pkg/storage"
)

const prefix = "[quotaq] "

// Reporter handles status reporting and terminal output
type Reporter struct {
	mu     sync.Mutex
	writer io.Writer
	quiet  bool
}

// NewReporter creates a new status reporter
func NewReporter(writer io.Writer) *Reporter {
	return &Reporter{
		writer: writer,
		quiet:  false,
	}
}

// SetQuiet enables or disables quiet mode (suppresses real-time messages)
func (r *Reporter) SetQuiet(quiet bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quiet = quiet
}

func (r *Reporter) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.quiet {
		return
	}
	fmt.Fprintf(r.writer, prefix+format, args...)
}

// AttemptFailure reports a failed attempt with reason and next delay
func (r *Reporter) AttemptFailure(attempt, maxAttempts int, reason string, nextDelay time.Duration) {
	var builder strings.Builder
	builder.WriteString("Attempt ")
	builder.WriteString(strconv.Itoa(attempt))
	builder.WriteByte('/')
	builder.WriteString(strconv.Itoa(maxAttempts))
	builder.WriteString(" failed (")
	builder.WriteString(reason)
	builder.WriteString(")")

	if attempt >= maxAttempts {
		builder.WriteString(".\n")
	} else {
		builder.WriteString(". Retrying in ")
		builder.WriteString(FormatDuration(nextDelay))
		builder.WriteString(".\n")
	}

	r.printf("%s", builder.String())
}

// Observe renders queue events as progress lines
func (r *Reporter) Observe(ev queue.Event) {
	switch ev.Type {
	case queue.EventRequestStart:
		item, _ := ev.Data.(queue.WorkItem)
		if item.RetryCount > 0 {
			r.printf("Processing %s (retry %d)...\n", subject(item), item.RetryCount)
		} else {
			r.printf("Processing %s...\n", subject(item))
		}

	case queue.EventRequestComplete:
		item, _ := ev.Data.(queue.WorkItem)
		r.printf("✅ %s completed in %s.\n", subject(item), FormatDuration(item.Duration()))

	case queue.EventRequestError:
		item, _ := ev.Data.(queue.WorkItem)
		if item.Status == queue.StatusFailed {
			r.printf("❌ %s failed: %s\n", subject(item), item.LastError)
		} else {
			r.printf("%s will be retried: %s\n", subject(item), item.LastError)
		}

	case queue.EventPaused:
		info, _ := ev.Data.(queue.PauseInfo)
		if info.ResumeAt.IsZero() {
			r.printf("Queue paused (%s) until resumed.\n", info.Reason)
		} else {
			r.printf("Queue paused (%s). Resuming at %s.\n", info.Reason, info.ResumeAt.Format("15:04:05"))
		}

	case queue.EventResumed:
		r.printf("Queue resumed.\n")

	case queue.EventProgress:
		progress, _ := ev.Data.(queue.Progress)
		if progress.Completed+progress.Failed == 0 || progress.Phase != queue.PhaseProcessing {
			return
		}
		r.printf("%s\n", ProgressLine(progress))
	}
}

// ProgressLine summarizes progress on one line
func ProgressLine(p queue.Progress) string {
	done := p.Completed + p.Failed + p.Cancelled
	line := fmt.Sprintf("%d/%d done", done, p.Total)
	if p.Failed > 0 {
		line += fmt.Sprintf(", %d failed", p.Failed)
	}
	if p.IsPaused {
		line += fmt.Sprintf(", paused (%s)", p.PauseReason)
	}
	if p.Pending > 0 {
		line += ", ETA " + FormatDuration(p.EstimatedTimeRemaining.Round(time.Second))
	}
	return line
}

func subject(item queue.WorkItem) string {
	if item.SubjectName != "" {
		return item.SubjectName
	}
	if item.SubjectID != "" {
		return item.SubjectID
	}
	return item.ID
}

// FinalSummary reports the final outcome and statistics
func (r *Reporter) FinalSummary(summary *metrics.RunSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case summary.FinalStatus == string(queue.PhaseCancelled):
		fmt.Fprintf(r.writer, "⏹  %sBatch cancelled after %d of %d items.\n", prefix, summary.Completed+summary.Failed, summary.TotalItems)
	case summary.Failed == 0:
		fmt.Fprintf(r.writer, "✅ %sAll %d items completed.\n", prefix, summary.TotalItems)
	default:
		fmt.Fprintf(r.writer, "❌ %s%d of %d items failed.\n", prefix, summary.Failed, summary.TotalItems)
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRow(table.Row{"Completed", summary.Completed})
	t.AppendRow(table.Row{"Failed", summary.Failed})
	t.AppendRow(table.Row{"Cancelled", summary.Cancelled})
	t.AppendRow(table.Row{"Retries", summary.Retries})
	t.AppendRow(table.Row{"Success Rate", fmt.Sprintf("%.1f%%", summary.SuccessRate()*100)})
	t.AppendRow(table.Row{"Total Duration", FormatDuration(time.Duration(summary.TotalDurationSeconds * float64(time.Second)))})
	fmt.Fprintln(r.writer, t.Render())

	var failures []metrics.ItemOutcome
	for _, o := range summary.Outcomes {
		if o.Status == string(queue.StatusFailed) {
			failures = append(failures, o)
		}
	}
	if len(failures) == 0 {
		return
	}

	ft := table.NewWriter()
	ft.SetStyle(table.StyleRounded)
	ft.AppendHeader(table.Row{"Item", "Subject", "Retries", "Error"})
	for _, o := range failures {
		ft.AppendRow(table.Row{o.ItemID, o.SubjectID, o.RetryCount, truncate(o.Error, 60)})
	}
	fmt.Fprintln(r.writer, ft.Render())
}

// History renders journal statistics and recent runs
func (r *Reporter) History(stats *storage.AggregatedStats, runs []storage.StoredRun) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Fprintf(r.writer, "%sHistory %s to %s\n", prefix,
		stats.TimeRange.Start.Format(time.RFC3339), stats.TimeRange.End.Format(time.RFC3339))

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Kind", "Items", "Success Rate", "Avg Duration"})
	for _, k := range stats.TopKinds {
		t.AppendRow(table.Row{k.Kind, k.Count, fmt.Sprintf("%.1f%%", k.SuccessRate*100), FormatDuration(k.AvgDuration)})
	}
	t.AppendFooter(table.Row{"Total", stats.TotalItems, fmt.Sprintf("%.1f%%", stats.SuccessRate*100), FormatDuration(stats.AverageDuration)})
	fmt.Fprintln(r.writer, t.Render())
	fmt.Fprintf(r.writer, "Quota pauses: %d, average retries: %.2f\n", stats.QuotaPauses, stats.AverageRetries)

	if len(runs) == 0 {
		return
	}
	rt := table.NewWriter()
	rt.SetStyle(table.StyleRounded)
	rt.AppendHeader(table.Row{"Run", "Resource", "Status", "Done", "Failed", "Duration", "Finished"})
	for _, run := range runs {
		rt.AppendRow(table.Row{
			run.ID, run.ResourceKey, run.FinalStatus,
			fmt.Sprintf("%d/%d", run.Completed, run.TotalItems), run.Failed,
			FormatDuration(run.Duration), run.FinishedAt.Format("2006-01-02 15:04"),
		})
	}
	fmt.Fprintln(r.writer, rt.Render())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// FormatDuration formats a duration in a human-readable way
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	// Handle sub-second durations
	if d < time.Second {
		return fmt.Sprintf("%.1fs", float64(d)/float64(time.Second))
	}

	// Handle durations with fractional seconds
	if d < time.Minute {
		seconds := float64(d) / float64(time.Second)
		if seconds == float64(int(seconds)) {
			return fmt.Sprintf("%.0fs", seconds)
		}
		formatted := fmt.Sprintf("%.2f", seconds)
		formatted = strings.TrimRight(formatted, "0")
		formatted = strings.TrimRight(formatted, ".")
		return formatted + "s"
	}

	// Handle longer durations
	hours := d / time.Hour
	minutes := (d % time.Hour) / time.Minute
	seconds := (d % time.Minute) / time.Second

	if hours > 0 {
		if minutes > 0 && seconds > 0 {
			return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
		} else if minutes > 0 {
			return fmt.Sprintf("%dh%dm", hours, minutes)
		} else if seconds > 0 {
			return fmt.Sprintf("%dh%ds", hours, seconds)
		}
		return fmt.Sprintf("%dh", hours)
	}

	if minutes > 0 {
		if seconds > 0 {
			return fmt.Sprintf("%dm%ds", minutes, seconds)
		}
		return fmt.Sprintf("%dm", minutes)
	}

	return fmt.Sprintf("%ds", seconds)
}
