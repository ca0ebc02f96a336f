package ycrdt

import "github.com/prometheus/client_golang/prometheus"

var TransactionCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ycrdt",
	Subsystem: "transaction",
	Name:      "count",
}, []string{"origin"})

var IntegratedStructs = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "ycrdt",
	Subsystem: "store",
	Name:      "integrated_structs",
})

var DeferredStructs = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "ycrdt",
	Subsystem: "store",
	Name:      "deferred_structs",
})

var CollectedStructs = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "ycrdt",
	Subsystem: "store",
	Name:      "collected_structs",
})

var MergedStructs = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "ycrdt",
	Subsystem: "store",
	Name:      "merged_structs",
})

var MergedUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ycrdt",
	Subsystem: "update",
	Name:      "merged",
}, []string{"format"})

var UpdateSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "ycrdt",
	Subsystem: "update",
	Name:      "size_bytes",
	Buckets:   prometheus.ExponentialBuckets(16, 4, 8),
}, []string{"direction", "format"})

var ClientIDRegenerations = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "ycrdt",
	Subsystem: "doc",
	Name:      "client_id_regenerations",
})

var ListenerPanics = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ycrdt",
	Subsystem: "doc",
	Name:      "listener_panics",
}, []string{"event"})

// Metrics lists every collector of the package.
func Metrics() []prometheus.Collector {
	return []prometheus.Collector{
		TransactionCount,
		IntegratedStructs,
		DeferredStructs,
		CollectedStructs,
		MergedStructs,
		MergedUpdates,
		UpdateSize,
		ClientIDRegenerations,
		ListenerPanics,
	}
}

func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range Metrics() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
