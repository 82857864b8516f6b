package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TxnCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unitxn",
			Subsystem: "txn",
			Name:      "transactions_total",
			Help:      "Counter of transactions by outcome.",
		}, []string{"outcome"})

	TxnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "unitxn",
			Subsystem: "txn",
			Name:      "duration_seconds",
			Help:      "Bucketed histogram of transaction duration from begin to finish.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		})

	ActiveTxnGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "unitxn",
			Subsystem: "txn",
			Name:      "active",
			Help:      "Number of currently active transactions.",
		})

	WriteConflictCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "unitxn",
			Subsystem: "mvcc",
			Name:      "write_conflicts_total",
			Help:      "Counter of commits rejected by write-conflict validation.",
		})

	GCCollectedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "unitxn",
			Subsystem: "mvcc",
			Name:      "gc_collected_versions_total",
			Help:      "Counter of versions removed by garbage collection.",
		})

	DeadlockCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "unitxn",
			Subsystem: "deadlock",
			Name:      "resolved_total",
			Help:      "Counter of deadlock cycles resolved by victim abort.",
		})

	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "unitxn",
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Bucketed histogram of lock wait time.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		})

	AlgorithmSwitchCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "unitxn",
			Subsystem: "adaptive",
			Name:      "switches_total",
			Help:      "Counter of concurrency-control algorithm switches.",
		})

	DistributedTxnCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "unitxn",
			Subsystem: "distributed",
			Name:      "transactions_total",
			Help:      "Counter of distributed transactions by outcome.",
		}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(TxnCounter)
	prometheus.MustRegister(TxnDuration)
	prometheus.MustRegister(ActiveTxnGauge)
	prometheus.MustRegister(WriteConflictCounter)
	prometheus.MustRegister(GCCollectedCounter)
	prometheus.MustRegister(DeadlockCounter)
	prometheus.MustRegister(LockWaitDuration)
	prometheus.MustRegister(AlgorithmSwitchCounter)
	prometheus.MustRegister(DistributedTxnCounter)
}
