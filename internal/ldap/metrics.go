package ldap

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "ldapdb"

// Metrics holds Prometheus collectors for directory operations. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	SearchesTotal     *prometheus.CounterVec
	EntriesReturned   prometheus.Counter
	WritesTotal       *prometheus.CounterVec
	TransactionsTotal *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "operations_total",
				Help:      "Total number of directory protocol operations",
			},
			[]string{"operation", "status"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "operation_duration_seconds",
				Help:      "Directory protocol operation duration in seconds",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),
		SearchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "searches_total",
				Help:      "Total number of executed searches by strategy",
			},
			[]string{"strategy", "client_sorted"},
		),
		EntriesReturned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "entries_returned_total",
				Help:      "Total number of entries returned by the server",
			},
		),
		WritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "writes_total",
				Help:      "Total number of write operations by kind",
			},
			[]string{"kind", "status"},
		),
		TransactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "transactions_total",
				Help:      "Total number of transactions by outcome",
			},
			[]string{"outcome"},
		),
	}

	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				var already prometheus.AlreadyRegisteredError
				if !errors.As(err, &already) {
					return nil, err
				}
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.OperationsTotal,
		m.OperationDuration,
		m.SearchesTotal,
		m.EntriesReturned,
		m.WritesTotal,
		m.TransactionsTotal,
	}
}

func statusLabel(err error) string {
	if err == nil {
		return "success"
	}
	return string(GetErrorCategory(err))
}

func (m *Metrics) observeOperation(operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(operation, statusLabel(err)).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) observeSearch(strategy SearchStrategy, clientSorted bool, entries int) {
	if m == nil {
		return
	}
	sorted := "false"
	if clientSorted {
		sorted = "true"
	}
	m.SearchesTotal.WithLabelValues(strategy.String(), sorted).Inc()
	m.EntriesReturned.Add(float64(entries))
}

func (m *Metrics) observeWrite(kind string, err error) {
	if m == nil {
		return
	}
	m.WritesTotal.WithLabelValues(kind, statusLabel(err)).Inc()
}

func (m *Metrics) observeTransaction(outcome string) {
	if m == nil {
		return
	}
	m.TransactionsTotal.WithLabelValues(outcome).Inc()
}
