package caseplane

import "github.com/prometheus/client_golang/prometheus"

// Prometheus series for ingest, dispatch, and reconciliation health.
var (
	metricWebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caseplane_webhook_events_total",
			Help: "Webhook events accepted per provider",
		},
		[]string{"provider"},
	)

	metricWebhookDuplicatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caseplane_webhook_duplicates_total",
			Help: "Webhook redeliveries short-circuited by the idempotency check",
		},
		[]string{"provider"},
	)

	metricWebhookUnauthorizedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caseplane_webhook_unauthorized_total",
			Help: "Webhook deliveries rejected by signature verification",
		},
		[]string{"provider"},
	)

	metricWebhookUncorrelatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caseplane_webhook_uncorrelated_total",
			Help: "Webhook events processed without a case or session correlation",
		},
		[]string{"provider"},
	)

	metricSignalsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caseplane_signals_delivered_total",
			Help: "Signals delivered to the workflow engine",
		},
		[]string{"signal"},
	)

	metricSignalsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caseplane_signals_failed_total",
			Help: "Signal deliveries that failed at the engine",
		},
		[]string{"signal"},
	)

	metricSignalsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "caseplane_signals_skipped_total",
			Help: "Signal dispatches skipped because no workflow id resolved",
		},
	)

	metricReconcileSweeps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "caseplane_reconcile_sweeps_total",
			Help: "Reconciliation sweeps completed",
		},
	)

	metricReconcileTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caseplane_reconcile_transitions_total",
			Help: "Terminal transitions applied by the reconciler",
		},
		[]string{"status"},
	)

	metricReconcileErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "caseplane_reconcile_row_errors_total",
			Help: "Per-row reconciliation failures (row retried next sweep)",
		},
	)
)

// CountUnauthorizedWebhook records a delivery rejected before ingest. The HTTP
// boundary calls this; rejected deliveries never reach the ingestor.
func CountUnauthorizedWebhook(provider string) {
	metricWebhookUnauthorizedTotal.WithLabelValues(provider).Inc()
}

// RegisterMetrics registers all caseplane metrics with the given registerer.
// Call once at process start.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		metricWebhookEventsTotal,
		metricWebhookDuplicatesTotal,
		metricWebhookUnauthorizedTotal,
		metricWebhookUncorrelatedTotal,
		metricSignalsDelivered,
		metricSignalsFailed,
		metricSignalsSkipped,
		metricReconcileSweeps,
		metricReconcileTransitions,
		metricReconcileErrors,
	)
}
