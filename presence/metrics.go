package presence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDatagramsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapsync",
		Subsystem: "presence",
		Name:      "datagrams_received_total",
		Help:      "Total number of presence datagrams received, per kind (text/binary) and delivery (broadcast/unicast)",
	}, []string{"kind", "delivery"})
	metricDatagramsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapsync",
		Subsystem: "presence",
		Name:      "datagrams_dropped_total",
		Help:      "Total number of presence datagrams dropped, per reason",
	}, []string{"reason"})
	metricDatagramsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapsync",
		Subsystem: "presence",
		Name:      "datagrams_sent_total",
		Help:      "Total number of presence datagrams sent, per command",
	}, []string{"command"})
	metricPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mapsync",
		Subsystem: "presence",
		Name:      "peers",
		Help:      "Number of known peers, self included",
	})
)

const (
	dropQueueFull = "queue_full"
	dropMalformed = "malformed"
	dropBadAddr   = "bad_address"
)
