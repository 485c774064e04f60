// Package metrics exposes the copier's Prometheus collectors, served at
// /metrics in the control-plane API.
//
//	copier_changes_total{kind}          – detected master changes by kind
//	copier_orders_total{slave,result}   – slave order outcomes
//	copier_retries_total{operation}     – scheduled backoff retries
//	copier_active_mappings              – open master->slave mappings
//	copier_master_balance               – last observed master balance
//	copier_connected_slaves             – slaves currently connected
//	copier_poll_errors_total            – failed poll iterations
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	changesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copier_changes_total",
			Help: "Detected master position changes by kind",
		},
		[]string{"kind"}, // open|close|partial|modify
	)

	ordersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copier_orders_total",
			Help: "Slave order outcomes",
		},
		[]string{"slave", "result"}, // result: done|failed
	)

	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copier_retries_total",
			Help: "Scheduled backoff retries by operation type",
		},
		[]string{"operation"},
	)

	activeMappings = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "copier_active_mappings",
			Help: "Open master to slave position mappings",
		},
	)

	masterBalance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "copier_master_balance",
			Help: "Last observed master account balance",
		},
	)

	connectedSlaves = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "copier_connected_slaves",
			Help: "Slave accounts currently connected",
		},
	)

	pollErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "copier_poll_errors_total",
			Help: "Poll loop iterations that ended in an error",
		},
	)
)

func init() {
	prometheus.MustRegister(changesTotal, ordersTotal, retriesTotal)
	prometheus.MustRegister(activeMappings, masterBalance, connectedSlaves, pollErrors)
}

func IncChange(kind string)            { changesTotal.WithLabelValues(kind).Inc() }
func IncOrder(slave, result string)    { ordersTotal.WithLabelValues(slave, result).Inc() }
func IncRetry(operation string)        { retriesTotal.WithLabelValues(operation).Inc() }
func SetActiveMappings(n int)          { activeMappings.Set(float64(n)) }
func SetMasterBalance(balance float64) { masterBalance.Set(balance) }
func SetConnectedSlaves(n int)         { connectedSlaves.Set(float64(n)) }
func IncPollError()                    { pollErrors.Inc() }
