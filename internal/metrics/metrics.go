// Package metrics exports execution and await lifecycle counters to
// Prometheus.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/petrijr/awaitflow/pkg/api"
)

const namespace = "awaitflow"

// Observer is an api.Observer that records to Prometheus collectors.
type Observer struct {
	executionsStarted  *prometheus.CounterVec
	executionsFinished *prometheus.CounterVec
	signalsReceived    *prometheus.CounterVec
	awaitsStarted      *prometheus.CounterVec
	awaitsResolved     *prometheus.CounterVec
	awaitWait          *prometheus.HistogramVec
	awaitsPending      prometheus.Gauge

	mu      sync.Mutex
	pending map[string]map[int]struct{}
}

var _ api.Observer = (*Observer)(nil)

// NewObserver creates the collectors and registers them with reg.
func NewObserver(reg prometheus.Registerer) (*Observer, error) {
	o := &Observer{
		pending: make(map[string]map[int]struct{}),
		executionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_started_total",
				Help:      "Executions recorded, by workflow.",
			},
			[]string{"workflow"},
		),
		executionsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_finished_total",
				Help:      "Executions that reached a terminal status.",
			},
			[]string{"workflow", "status", "kind"},
		),
		signalsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signals_received_total",
				Help:      "Signals appended to history.",
			},
			[]string{"workflow", "signal"},
		),
		awaitsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "awaits_started_total",
				Help:      "Awaits that suspended and armed a timer.",
			},
			[]string{"workflow"},
		),
		awaitsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "awaits_resolved_total",
				Help:      "Resolved awaits, by outcome.",
			},
			[]string{"workflow", "outcome"},
		),
		awaitWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "await_wait_seconds",
				Help:      "Logical time between an await starting and resolving.",
				Buckets:   []float64{0, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"workflow", "outcome"},
		),
		awaitsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "awaits_pending",
			Help:      "Awaits currently suspended on this host.",
		}),
	}

	for _, c := range []prometheus.Collector{
		o.executionsStarted,
		o.executionsFinished,
		o.signalsReceived,
		o.awaitsStarted,
		o.awaitsResolved,
		o.awaitWait,
		o.awaitsPending,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *Observer) OnExecutionStart(_ context.Context, exec *api.Execution) {
	o.executionsStarted.WithLabelValues(exec.Workflow).Inc()
}

func (o *Observer) OnSignalReceived(_ context.Context, exec *api.Execution, name string) {
	o.signalsReceived.WithLabelValues(exec.Workflow, name).Inc()
}

func (o *Observer) OnAwaitStarted(_ context.Context, exec *api.Execution, awaitID int, _ time.Duration) {
	o.awaitsStarted.WithLabelValues(exec.Workflow).Inc()

	o.mu.Lock()
	defer o.mu.Unlock()
	byAwait := o.pending[exec.ID]
	if byAwait == nil {
		byAwait = make(map[int]struct{})
		o.pending[exec.ID] = byAwait
	}
	if _, ok := byAwait[awaitID]; !ok {
		byAwait[awaitID] = struct{}{}
		o.awaitsPending.Inc()
	}
}

func (o *Observer) OnAwaitResolved(_ context.Context, exec *api.Execution, awaitID int, outcome api.Outcome, waited time.Duration) {
	o.awaitsResolved.WithLabelValues(exec.Workflow, string(outcome)).Inc()
	o.awaitWait.WithLabelValues(exec.Workflow, string(outcome)).Observe(waited.Seconds())

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.pending[exec.ID][awaitID]; ok {
		delete(o.pending[exec.ID], awaitID)
		o.awaitsPending.Dec()
	}
	if len(o.pending[exec.ID]) == 0 {
		delete(o.pending, exec.ID)
	}
}

func (o *Observer) OnExecutionCompleted(_ context.Context, exec *api.Execution) {
	o.executionsFinished.WithLabelValues(exec.Workflow, string(exec.Status), "").Inc()
	o.forget(exec.ID)
}

func (o *Observer) OnExecutionFailed(_ context.Context, exec *api.Execution, err error) {
	kind := ""
	if f, ok := api.AsFailure(err); ok {
		kind = f.Kind
	}
	o.executionsFinished.WithLabelValues(exec.Workflow, string(exec.Status), kind).Inc()
	o.forget(exec.ID)
}

// forget drops awaits left suspended by a cancel or failure.
func (o *Observer) forget(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.awaitsPending.Sub(float64(len(o.pending[id])))
	delete(o.pending, id)
}
