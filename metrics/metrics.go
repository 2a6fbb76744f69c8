// Package metrics declares the Prometheus collectors of windowed buffers,
// signals, and the store facade.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Label values of transaction and update outcomes.
const (
	Ok       = "ok"
	Fail     = "fail"
	Aborted  = "aborted"
	Added    = "added"
	Dropped  = "dropped"
	Changed  = "changed"
	NoChange = "unchanged"
	Spurious = "spurious"
	Delta    = "delta"

	KindBuffer = "buffer"
	KindSignal = "signal"
)

// Collectors of transactions issued against the backing store.
var (
	TxnTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hwm_txn_total",
		Help: "Cumulative number of optimistic transactions attempted, by kind and outcome.",
	}, []string{"kind", "outcome"})
	AppendEntriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hwm_append_entries_total",
		Help: "Cumulative number of entries presented to Append, by whether they were added or dropped at or below the high-water mark.",
	}, []string{"outcome"})
	TxnRetryDelaySecondsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hwm_txn_retry_delay_seconds_total",
		Help: "Cumulative number of seconds spent in back-off between aborted transaction attempts.",
	}, []string{"kind"})
)

// Collectors of notifications and update events.
var (
	NotificationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hwm_notifications_total",
		Help: "Cumulative number of store notifications relayed by the facade.",
	})
	UpdatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hwm_updates_total",
		Help: "Cumulative number of Update invocations, by kind and outcome.",
	}, []string{"kind", "outcome"})
	UpdateEntriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hwm_update_entries_total",
		Help: "Cumulative number of entries read past a buffer high-water mark.",
	})
	MalformedEntriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hwm_malformed_entries_total",
		Help: "Cumulative number of stored entries which failed to decode.",
	})
	TopicsGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hwm_topics",
		Help: "Number of topics instantiated by contexts of this process, by kind.",
	}, []string{"kind"})
	ListenersGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hwm_listeners",
		Help: "Number of registered update listeners, by kind.",
	}, []string{"kind"})
)

// Collectors returns all collectors of this package, for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		TxnTotal,
		AppendEntriesTotal,
		TxnRetryDelaySecondsTotal,
		NotificationsTotal,
		UpdatesTotal,
		UpdateEntriesTotal,
		MalformedEntriesTotal,
		TopicsGauge,
		ListenersGauge,
	}
}
