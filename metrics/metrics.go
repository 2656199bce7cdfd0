package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "xtracker"

// Collector groups the service metrics on a private registry
type Collector struct {
	registry *prometheus.Registry

	chainHeight   *prometheus.GaugeVec
	watermark     *prometheus.GaugeVec
	scans         *prometheus.CounterVec
	scanDuration  *prometheus.HistogramVec
	events        *prometheus.CounterVec
	parseErrors   *prometheus.CounterVec
	stalled       *prometheus.GaugeVec
	statusChanges *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	bugs          *prometheus.CounterVec
}

// NewCollector creates and registers every collector
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		chainHeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "chain_height",
			Help:      "Latest height reported by the chain.",
		}, []string{"chain"}),
		watermark: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "watermark",
			Help:      "Highest height scanned for the chain.",
		}, []string{"chain"}),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "scans_total",
			Help:      "Scan ticks by result.",
		}, []string{"chain", "result"}),
		scanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "scan_duration_seconds",
			Help:      "Duration of a scan tick.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), //nolint:mnd
		}, []string{"chain"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "events_total",
			Help:      "Canonical events stored, by kind.",
		}, []string{"chain", "kind"}),
		parseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "parse_errors_total",
			Help:      "Logs skipped because they could not be decoded.",
		}, []string{"chain"}),
		stalled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "stalled",
			Help:      "1 while the chain scanner is past its retry bound.",
		}, []string{"chain"}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "status_changes_total",
			Help:      "Published transaction status changes, by status.",
		}, []string{"status"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "dropped_total",
			Help:      "Status changes a slow subscriber missed.",
		}, []string{"subscriber"}),
		bugs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "invariant_violations_total",
			Help:      "Orchestration invariant violations.",
		}, []string{"kind"}),
	}
	c.registry.MustRegister(
		c.chainHeight, c.watermark, c.scans, c.scanDuration, c.events, c.parseErrors,
		c.stalled, c.statusChanges, c.dropped, c.bugs,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return c
}

// Handler exposes the registry in the prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ChainHeight(chain string, height uint64) {
	c.chainHeight.WithLabelValues(chain).Set(float64(height))
}

func (c *Collector) Watermark(chain string, height uint64) {
	c.watermark.WithLabelValues(chain).Set(float64(height))
}

// ScanFinished records a tick, err == nil counts as ok
func (c *Collector) ScanFinished(chain string, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.scans.WithLabelValues(chain, result).Inc()
	c.scanDuration.WithLabelValues(chain).Observe(took.Seconds())
}

func (c *Collector) EventStored(chain, kind string) {
	c.events.WithLabelValues(chain, kind).Inc()
}

func (c *Collector) ParseErrors(chain string, n int) {
	c.parseErrors.WithLabelValues(chain).Add(float64(n))
}

func (c *Collector) Stalled(chain string, stalled bool) {
	v := 0.0
	if stalled {
		v = 1
	}
	c.stalled.WithLabelValues(chain).Set(v)
}

func (c *Collector) StatusChange(status string) {
	c.statusChanges.WithLabelValues(status).Inc()
}

func (c *Collector) Dropped(subscriber string) {
	c.dropped.WithLabelValues(subscriber).Inc()
}

func (c *Collector) InvariantViolation(kind string) {
	c.bugs.WithLabelValues(kind).Inc()
}
