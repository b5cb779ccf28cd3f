// Package metrics provides Prometheus metrics for the expense pipeline.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus collectors for the worker.
type Metrics struct {
	// Import pipeline
	ImportAttemptsTotal *prometheus.CounterVec
	ImportDuration      prometheus.Histogram
	RawRecordsUpserted  prometheus.Counter
	LedgerRowsWritten   *prometheus.CounterVec

	// Traffic pipeline
	TrafficTasksCreated   prometheus.Counter
	TrafficTasksProcessed prometheus.Counter
	TrafficRowsWritten    prometheus.Counter
}

// Get returns the singleton Metrics instance, initializing it on first use.
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			ImportAttemptsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "cloudledger_import_attempts_total",
				Help: "Import attempts by result (completed, failed)",
			}, []string{"result"}),
			ImportDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "cloudledger_import_duration_seconds",
				Help:    "Wall time of one account import attempt",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			}),
			RawRecordsUpserted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "cloudledger_raw_records_upserted_total",
				Help: "Raw expense records written through upsert",
			}),
			LedgerRowsWritten: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "cloudledger_ledger_rows_written_total",
				Help: "Signed ledger rows written by sign (positive, negative)",
			}, []string{"sign"}),
			TrafficTasksCreated: promauto.NewCounter(prometheus.CounterOpts{
				Name: "cloudledger_traffic_tasks_created_total",
				Help: "Traffic processing tasks emitted after imports",
			}),
			TrafficTasksProcessed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "cloudledger_traffic_tasks_processed_total",
				Help: "Traffic processing tasks completed",
			}),
			TrafficRowsWritten: promauto.NewCounter(prometheus.CounterOpts{
				Name: "cloudledger_traffic_rows_written_total",
				Help: "Signed traffic ledger rows written",
			}),
		}
	})
	return instance
}
