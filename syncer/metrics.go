package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapsync",
		Subsystem: "sync",
		Name:      "runs_total",
		Help:      "Total number of peer sync runs, per result",
	}, []string{"result"})
	metricFileOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapsync",
		Subsystem: "sync",
		Name:      "file_ops_total",
		Help:      "Total number of uploads and remote deletes, per operation and result",
	}, []string{"op", "result"})
	metricBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mapsync",
		Subsystem: "sync",
		Name:      "uploaded_bytes_total",
		Help:      "Total number of bytes uploaded to peers",
	})
	metricCacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mapsync",
		Subsystem: "sync",
		Name:      "local_entries",
		Help:      "Number of files in the local sync cache",
	})
	metricEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mapsync",
		Subsystem: "sync",
		Name:      "events_dropped_total",
		Help:      "Total number of status events dropped because the consumer lagged",
	})
)
