package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var deltasAppliedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "origami_deltas_applied_total",
	Help: "counter of deltas applied to the in-memory notebook",
})

var deltasQueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "origami_deltas_queued_total",
	Help: "counter of deltas received out of causal order and queued for replay",
})

var deltaApplyErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "origami_delta_apply_errors_total",
	Help: "counter of deltas which failed to apply to the in-memory notebook",
})

var deltasRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "origami_deltas_rejected_total",
	Help: "counter of submitted deltas rejected by the server",
})

var resyncsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "origami_resyncs_total",
	Help: "counter of full document reloads after an inconsistent state event",
})
