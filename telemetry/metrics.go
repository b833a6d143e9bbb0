package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for the registry and the scheduler.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	poolInstances *prometheus.GaugeVec
	poolActive    *prometheus.GaugeVec
	acquisitions  *prometheus.CounterVec
	runsStarted   prometheus.Counter
	runsFinished  *prometheus.CounterVec
	retries       prometheus.Counter
	tickDuration  prometheus.Histogram
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns metrics registered with the default Prometheus
// registerer. The collectors are created once per process.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics registers the collectors with reg and panics on any error
// other than an identical collector already being registered, in which case
// the existing collector is reused.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		poolInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "beekeeper",
			Subsystem: "registry",
			Name:      "pool_instances",
			Help:      "Instances built for each agent config version.",
		}, []string{"pool"}),
		poolActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "beekeeper",
			Subsystem: "registry",
			Name:      "pool_active",
			Help:      "In-use instances for each agent config version.",
		}, []string{"pool"}),
		acquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beekeeper",
			Subsystem: "registry",
			Name:      "acquire_total",
			Help:      "Agent acquisition attempts by result.",
		}, []string{"result"}),
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "beekeeper",
			Subsystem: "tasks",
			Name:      "runs_started_total",
			Help:      "Task run executions handed to the starter.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beekeeper",
			Subsystem: "tasks",
			Name:      "runs_finished_total",
			Help:      "Task runs reaching a terminal status.",
		}, []string{"status"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "beekeeper",
			Subsystem: "tasks",
			Name:      "retries_total",
			Help:      "Failed attempts that were scheduled for retry.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "beekeeper",
			Subsystem: "tasks",
			Name:      "tick_duration_seconds",
			Help:      "Time spent in one scheduler pass.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	m.poolInstances = register(reg, m.poolInstances)
	m.poolActive = register(reg, m.poolActive)
	m.acquisitions = register(reg, m.acquisitions)
	m.runsStarted = register(reg, m.runsStarted)
	m.runsFinished = register(reg, m.runsFinished)
	m.retries = register(reg, m.retries)
	m.tickDuration = register(reg, m.tickDuration)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// SetPool records the size and occupancy of one pool.
func (m *Metrics) SetPool(pool string, size, active int) {
	if m == nil {
		return
	}
	m.poolInstances.WithLabelValues(pool).Set(float64(size))
	m.poolActive.WithLabelValues(pool).Set(float64(active))
}

// DeletePool drops the series of a destroyed pool.
func (m *Metrics) DeletePool(pool string) {
	if m == nil {
		return
	}
	m.poolInstances.DeleteLabelValues(pool)
	m.poolActive.DeleteLabelValues(pool)
}

// IncAcquire counts one acquisition attempt. result is "acquired",
// "capacity" or "error".
func (m *Metrics) IncAcquire(result string) {
	if m == nil {
		return
	}
	m.acquisitions.WithLabelValues(result).Inc()
}

// IncRunStarted counts one execution handed to the starter.
func (m *Metrics) IncRunStarted() {
	if m == nil {
		return
	}
	m.runsStarted.Inc()
}

// IncRunFinished counts a run reaching a terminal status.
func (m *Metrics) IncRunFinished(status string) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(status).Inc()
}

// IncRetry counts a failed attempt scheduled for retry.
func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// ObserveTick records the duration of a scheduler pass.
func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
}
