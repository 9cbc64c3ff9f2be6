package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures runtime metrics emitted by the synchronization engine.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with the scene flush and the telemetry patch path.
type Collector interface {
	IncFetch(kind, outcome string)
	IncReconcile(outcome string)
	AddMutations(source string, count int)
	IncTelemetry(kind, outcome string)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncFetch(string, string)     {}
func (noopCollector) IncReconcile(string)         {}
func (noopCollector) AddMutations(string, int)    {}
func (noopCollector) IncTelemetry(string, string) {}

// PrometheusCollector exposes engine counters via Prometheus.
type PrometheusCollector struct {
	fetches    *prometheus.CounterVec
	reconciles *prometheus.CounterVec
	mutations  *prometheus.CounterVec
	events     *prometheus.CounterVec
}

var (
	fetchCounter         *prometheus.CounterVec
	fetchCounterLock     sync.Mutex
	reconcileCounter     *prometheus.CounterVec
	reconcileCounterLock sync.Mutex
	mutationCounter      *prometheus.CounterVec
	mutationCounterLock  sync.Mutex
	eventCounter         *prometheus.CounterVec
	eventCounterLock     sync.Mutex
)

// NewPrometheusCollector registers the required metrics with the provided registerer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	fetches, err := registerCounter(reg, &fetchCounterLock, &fetchCounter, prometheus.CounterOpts{
		Name: "sldsync_diagram_fetch_total",
		Help: "Number of diagram fetches per kind (load, refresh) and outcome.",
	}, "kind", "outcome")
	if err != nil {
		return nil, err
	}
	reconciles, err := registerCounter(reg, &reconcileCounterLock, &reconcileCounter, prometheus.CounterOpts{
		Name: "sldsync_reconcile_passes_total",
		Help: "Number of scene reconciliation passes per outcome.",
	}, "outcome")
	if err != nil {
		return nil, err
	}
	mutations, err := registerCounter(reg, &mutationCounterLock, &mutationCounter, prometheus.CounterOpts{
		Name: "sldsync_scene_mutations_total",
		Help: "Number of DOM mutations applied to the scene per source.",
	}, "source")
	if err != nil {
		return nil, err
	}
	events, err := registerCounter(reg, &eventCounterLock, &eventCounter, prometheus.CounterOpts{
		Name: "sldsync_telemetry_events_total",
		Help: "Number of telemetry events per kind and outcome.",
	}, "kind", "outcome")
	if err != nil {
		return nil, err
	}
	return &PrometheusCollector{
		fetches:    fetches,
		reconciles: reconciles,
		mutations:  mutations,
		events:     events,
	}, nil
}

func registerCounter(reg prometheus.Registerer, lock *sync.Mutex, slot **prometheus.CounterVec, opts prometheus.CounterOpts, labels ...string) (*prometheus.CounterVec, error) {
	lock.Lock()
	defer lock.Unlock()
	if *slot != nil {
		return *slot, nil
	}
	counter := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(counter); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, err
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, err
		}
		counter = existing
	}
	*slot = counter
	return counter, nil
}

// IncFetch counts a finished fetch.
func (p *PrometheusCollector) IncFetch(kind, outcome string) {
	if p == nil || p.fetches == nil {
		return
	}
	p.fetches.WithLabelValues(kind, outcome).Inc()
}

// IncReconcile counts a reconciliation pass.
func (p *PrometheusCollector) IncReconcile(outcome string) {
	if p == nil || p.reconciles == nil {
		return
	}
	p.reconciles.WithLabelValues(outcome).Inc()
}

// AddMutations records DOM mutations applied by a flush.
func (p *PrometheusCollector) AddMutations(source string, count int) {
	if p == nil || p.mutations == nil || count <= 0 {
		return
	}
	p.mutations.WithLabelValues(source).Add(float64(count))
}

// IncTelemetry counts a telemetry event by kind and outcome.
func (p *PrometheusCollector) IncTelemetry(kind, outcome string) {
	if p == nil || p.events == nil {
		return
	}
	p.events.WithLabelValues(kind, outcome).Inc()
}
