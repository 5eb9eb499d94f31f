/*
metrics.go - Prometheus instrumentation

PURPOSE:
  Counters for the ledger's business events and a gauge for currently
  detected hazards, exposed on /metrics. Dashboards and the reporting
  layer pull from here; the engine never pushes.
*/
package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	confirmationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credit_engine_confirmations_total",
		Help: "Lessons confirmed (allocations committed).",
	})

	declinesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credit_engine_declines_total",
		Help: "Lessons declined.",
	})

	overdraftsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credit_engine_overdrafts_created_total",
		Help: "Overdraft lots created to absorb a shortfall.",
	})

	settlementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credit_engine_settlements_total",
		Help: "Overdraft settlements recorded.",
	})

	writeOffsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credit_engine_write_offs_total",
		Help: "Balance write-offs recorded.",
	})

	hazardsDetected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "credit_engine_hazards",
		Help: "Hazards found by the most recent global scan, by type.",
	}, []string{"type"})
)

func recordHazardScan(counts map[string]int) {
	hazardsDetected.Reset()
	for kind, n := range counts {
		hazardsDetected.WithLabelValues(kind).Set(float64(n))
	}
}
