// Package metrics exposes prometheus collectors for the reminder worker.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

const namespace = "concierge"

// Collectors is safe to use as a nil pointer; every method is then a no-op.
type Collectors struct {
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	dueRules      prometheus.Gauge
	dispatched    *prometheus.CounterVec
	dispatchTime  prometheus.Histogram
	rollovers     prometheus.Counter
	inFlight      prometheus.Gauge
}

func New() *Collectors {
	return &Collectors{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reminder",
			Name:      "cycles_total",
			Help:      "Worker cycles by result (ok, skipped, scan_error, locked).",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reminder",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of completed worker cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		dueRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reminder",
			Name:      "due_rules",
			Help:      "Rules returned by the last scan.",
		}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reminder",
			Name:      "dispatch_total",
			Help:      "Dispatch outcomes by outcome and error kind.",
		}, []string{"outcome", "error_kind"}),
		dispatchTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reminder",
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of single rule dispatches.",
			Buckets:   prometheus.DefBuckets,
		}),
		rollovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reminder",
			Name:      "date_rollovers_total",
			Help:      "Recurring date items moved to their next occurrence.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reminder",
			Name:      "dispatch_in_flight",
			Help:      "Dispatches currently running.",
		}),
	}
}

// Register adds every collector to r, or the default registerer when r is nil.
func (c *Collectors) Register(r prometheus.Registerer) error {
	if c == nil {
		return nil
	}
	if r == nil {
		r = prometheus.DefaultRegisterer
	}
	var mErr error
	for _, col := range []prometheus.Collector{
		c.cycles, c.cycleDuration, c.dueRules, c.dispatched, c.dispatchTime, c.rollovers, c.inFlight,
	} {
		if err := r.Register(col); err != nil {
			mErr = multierr.Append(mErr, err)
		}
	}
	return mErr
}

func (c *Collectors) Cycle(result string, took time.Duration) {
	if c == nil {
		return
	}
	c.cycles.WithLabelValues(result).Inc()
	if took > 0 {
		c.cycleDuration.Observe(took.Seconds())
	}
}

func (c *Collectors) Due(n int) {
	if c == nil {
		return
	}
	c.dueRules.Set(float64(n))
}

// DispatchStarted returns a func that records the dispatch outcome when called.
func (c *Collectors) DispatchStarted() func(outcome, errorKind string) {
	if c == nil {
		return func(string, string) {}
	}
	start := time.Now()
	c.inFlight.Inc()
	return func(outcome, errorKind string) {
		c.inFlight.Dec()
		c.dispatched.WithLabelValues(outcome, errorKind).Inc()
		c.dispatchTime.Observe(time.Since(start).Seconds())
	}
}

func (c *Collectors) RolledOver(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.rollovers.Add(float64(n))
}
