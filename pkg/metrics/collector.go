package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaneisley/quotaq/pkg/queue"
)

// Collector turns queue events into Prometheus metrics. Each Collector owns
// its registry so several queues can be observed in one process.
type Collector struct {
	resourceKey string
	registry    *prometheus.Registry

	requests       *prometheus.CounterVec
	requestSeconds prometheus.Histogram
	quotaEvents    prometheus.Counter
	pauses         *prometheus.CounterVec
	pending        prometheus.Gauge
	paused         prometheus.Gauge
	etaSeconds     prometheus.Gauge

	mu       sync.Mutex
	progress queue.Progress
}

// NewCollector creates a Collector labelled with resourceKey
func NewCollector(resourceKey string) *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	labels := prometheus.Labels{"resource": resourceKey}

	return &Collector{
		resourceKey: resourceKey,
		registry:    registry,

		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "quotaq_requests_total",
			Help:        "Number of finished work items by outcome.",
			ConstLabels: labels,
		}, []string{"status"}),

		requestSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "quotaq_request_duration_seconds",
			Help:        "Duration of successful operations.",
			ConstLabels: labels,
			Buckets:     []float64{.1, .25, .5, 1, 2.5, 5, 10},
		}),

		quotaEvents: factory.NewCounter(prometheus.CounterOpts{
			Name:        "quotaq_quota_exhausted_total",
			Help:        "Number of quota exhaustion signals.",
			ConstLabels: labels,
		}),

		pauses: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "quotaq_pauses_total",
			Help:        "Number of queue pauses by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),

		pending: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "quotaq_pending_items",
			Help:        "Number of items waiting to run.",
			ConstLabels: labels,
		}),

		paused: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "quotaq_paused",
			Help:        "1 while the queue is paused.",
			ConstLabels: labels,
		}),

		etaSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "quotaq_estimated_seconds_remaining",
			Help:        "Estimated time until the queue drains.",
			ConstLabels: labels,
		}),
	}
}

// Observe is a queue subscriber
func (c *Collector) Observe(ev queue.Event) {
	switch ev.Type {
	case queue.EventRequestComplete:
		item, _ := ev.Data.(queue.WorkItem)
		c.requests.WithLabelValues(string(queue.StatusCompleted)).Inc()
		c.requestSeconds.Observe(item.Duration().Seconds())

	case queue.EventRequestError:
		// quota failures are requeued, not failed
		if item, ok := ev.Data.(queue.WorkItem); ok && item.Status == queue.StatusFailed {
			c.requests.WithLabelValues(string(queue.StatusFailed)).Inc()
		}

	case queue.EventQuotaExhausted:
		c.quotaEvents.Inc()

	case queue.EventPaused:
		info, _ := ev.Data.(queue.PauseInfo)
		c.pauses.WithLabelValues(string(info.Reason)).Inc()
		c.paused.Set(1)

	case queue.EventResumed:
		c.paused.Set(0)

	case queue.EventProgress, queue.EventCompleted:
		progress, ok := ev.Data.(queue.Progress)
		if !ok {
			return
		}
		c.mu.Lock()
		c.progress = progress
		c.mu.Unlock()

		c.pending.Set(float64(progress.Pending))
		c.etaSeconds.Set(progress.EstimatedTimeRemaining.Seconds())
		if progress.IsPaused {
			c.paused.Set(1)
		} else {
			c.paused.Set(0)
		}
	}
}

// LastProgress returns the most recent progress seen
func (c *Collector) LastProgress() queue.Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
