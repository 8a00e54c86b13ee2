package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eyepyon/airzone-sub000/internal/tasks"
)

// Registry holds the coordinator's Prometheus collectors. A nil *Registry
// is valid and records nothing.
type Registry struct {
	registry        *prometheus.Registry
	checkoutsTotal  *prometheus.CounterVec
	settlements     *prometheus.CounterVec
	tasksTotal      *prometheus.CounterVec
	taskRetries     *prometheus.CounterVec
	handshakesTotal *prometheus.CounterVec
	stakeSweeps     *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
}

func New() *Registry {
	checkouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "airzone_checkouts_total",
		Help: "Checkout requests by outcome",
	}, []string{"result"})

	settlements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "airzone_settlements_total",
		Help: "Settlement records reaching a terminal state",
	}, []string{"rail", "status"})

	tasksTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "airzone_tasks_total",
		Help: "Tasks reaching a terminal state",
	}, []string{"type", "status"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "airzone_task_retries_total",
		Help: "Task attempts scheduled for retry",
	}, []string{"type"})

	handshakes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "airzone_handshakes_total",
		Help: "Wallet handshakes by strategy and terminal status",
	}, []string{"strategy", "status"})

	sweeps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "airzone_stake_sweep_enqueued_total",
		Help: "Stake maturity sweep results",
	}, []string{"result"})

	depth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "airzone_task_queue_depth",
		Help: "Tasks by status",
	}, []string{"status"})

	r := prometheus.NewRegistry()
	r.MustRegister(checkouts, settlements, tasksTotal, retries, handshakes, sweeps, depth)

	return &Registry{
		registry:        r,
		checkoutsTotal:  checkouts,
		settlements:     settlements,
		tasksTotal:      tasksTotal,
		taskRetries:     retries,
		handshakesTotal: handshakes,
		stakeSweeps:     sweeps,
		queueDepth:      depth,
	}
}

func (m *Registry) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Registry) IncCheckout(result string) {
	if m == nil {
		return
	}
	m.checkoutsTotal.WithLabelValues(result).Inc()
}

func (m *Registry) IncSettlement(rail, status string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(rail, status).Inc()
}

func (m *Registry) IncTask(typ, status string) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(typ, status).Inc()
}

func (m *Registry) IncRetry(typ string) {
	if m == nil {
		return
	}
	m.taskRetries.WithLabelValues(typ).Inc()
}

func (m *Registry) IncHandshake(strategy, status string) {
	if m == nil {
		return
	}
	m.handshakesTotal.WithLabelValues(strategy, status).Inc()
}

func (m *Registry) IncSweep(result string) {
	if m == nil {
		return
	}
	m.stakeSweeps.WithLabelValues(result).Inc()
}

// SetQueueDepth publishes task counts by status.
func (m *Registry) SetQueueDepth(stats tasks.Stats) {
	if m == nil {
		return
	}
	for status, n := range stats {
		m.queueDepth.WithLabelValues(string(status)).Set(float64(n))
	}
}
