package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the bastion daemon.
type Metrics struct {
	SignalsAccepted    prometheus.Counter
	SignalsRejected    prometheus.Counter
	SignalsDropped     prometheus.Counter
	IncidentsOpened    prometheus.Counter
	IncidentsMerged    prometheus.Counter
	IncidentsClosed    prometheus.Counter
	ScoresComputed     prometheus.Counter
	ScoringUnavailable prometheus.Counter
	ActionsDispatched  *prometheus.CounterVec
	DispatchFailures   prometheus.Counter
	DispatchQueueDepth prometheus.Gauge
	BudgetRemaining    prometheus.Gauge
	FederationSent     prometheus.Counter
	FederationReceived prometheus.Counter
	FederationRejected prometheus.Counter
	SignalLatency      prometheus.Histogram
}

// New creates and registers all metrics with the default registry.
func New() *Metrics {
	return &Metrics{
		SignalsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bastion_signals_accepted_total",
			Help: "Total number of signals accepted by the bus",
		}),
		SignalsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bastion_signals_rejected_total",
			Help: "Total number of signals rejected as malformed or duplicate",
		}),
		SignalsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bastion_signals_dropped_total",
			Help: "Total number of buffered signals dropped under backpressure",
		}),
		IncidentsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bastion_incidents_opened_total",
			Help: "Total number of incidents opened",
		}),
		IncidentsMerged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bastion_incidents_merged_total",
			Help: "Total number of incident merges",
		}),
		IncidentsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bastion_incidents_closed_total",
			Help: "Total number of incidents closed",
		}),
		ScoresComputed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bastion_scores_computed_total",
			Help: "Total number of threat scores computed",
		}),
		ScoringUnavailable: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bastion_scoring_unavailable_total",
			Help: "Total number of scoring capability faults recorded",
		}),
		ActionsDispatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bastion_actions_dispatched_total",
			Help: "Total number of response actions dispatched, by kind",
		}, []string{"kind"}),
		DispatchFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bastion_dispatch_failures_total",
			Help: "Total number of terminally failed dispatches",
		}),
		DispatchQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bastion_dispatch_queue_depth",
			Help: "Current depth of the response dispatch queue",
		}),
		BudgetRemaining: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bastion_budget_remaining",
			Help: "Current remaining response resource budget",
		}),
		FederationSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bastion_federation_sent_total",
			Help: "Total number of federation messages sent",
		}),
		FederationReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bastion_federation_received_total",
			Help: "Total number of federation messages accepted",
		}),
		FederationRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bastion_federation_rejected_total",
			Help: "Total number of federation messages rejected by verification",
		}),
		SignalLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bastion_signal_processing_seconds",
			Help:    "Time from bus delivery to pipeline completion per signal",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// NewForTest creates metrics on a private registry so tests can instantiate
// the pipeline repeatedly without duplicate registration panics.
func NewForTest() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		SignalsAccepted:    factory.NewCounter(prometheus.CounterOpts{Name: "bastion_signals_accepted_total"}),
		SignalsRejected:    factory.NewCounter(prometheus.CounterOpts{Name: "bastion_signals_rejected_total"}),
		SignalsDropped:     factory.NewCounter(prometheus.CounterOpts{Name: "bastion_signals_dropped_total"}),
		IncidentsOpened:    factory.NewCounter(prometheus.CounterOpts{Name: "bastion_incidents_opened_total"}),
		IncidentsMerged:    factory.NewCounter(prometheus.CounterOpts{Name: "bastion_incidents_merged_total"}),
		IncidentsClosed:    factory.NewCounter(prometheus.CounterOpts{Name: "bastion_incidents_closed_total"}),
		ScoresComputed:     factory.NewCounter(prometheus.CounterOpts{Name: "bastion_scores_computed_total"}),
		ScoringUnavailable: factory.NewCounter(prometheus.CounterOpts{Name: "bastion_scoring_unavailable_total"}),
		ActionsDispatched:  factory.NewCounterVec(prometheus.CounterOpts{Name: "bastion_actions_dispatched_total"}, []string{"kind"}),
		DispatchFailures:   factory.NewCounter(prometheus.CounterOpts{Name: "bastion_dispatch_failures_total"}),
		DispatchQueueDepth: factory.NewGauge(prometheus.GaugeOpts{Name: "bastion_dispatch_queue_depth"}),
		BudgetRemaining:    factory.NewGauge(prometheus.GaugeOpts{Name: "bastion_budget_remaining"}),
		FederationSent:     factory.NewCounter(prometheus.CounterOpts{Name: "bastion_federation_sent_total"}),
		FederationReceived: factory.NewCounter(prometheus.CounterOpts{Name: "bastion_federation_received_total"}),
		FederationRejected: factory.NewCounter(prometheus.CounterOpts{Name: "bastion_federation_rejected_total"}),
		SignalLatency:      factory.NewHistogram(prometheus.HistogramOpts{Name: "bastion_signal_processing_seconds", Buckets: prometheus.DefBuckets}),
	}
}
