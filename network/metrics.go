package network

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapsync",
		Subsystem: "transfer",
		Name:      "requests_total",
		Help:      "Total number of transfer requests served, per transport, command and result",
	}, []string{"transport", "command", "result"})
	metricBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapsync",
		Subsystem: "transfer",
		Name:      "bytes_total",
		Help:      "Total number of file bytes moved, per transport and direction (in/out)",
	}, []string{"transport", "direction"})
	metricSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mapsync",
		Subsystem: "transfer",
		Name:      "sessions",
		Help:      "Number of open server sessions, per transport",
	}, []string{"transport"})
	metricRetransmits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mapsync",
		Subsystem: "transfer",
		Name:      "datagram_retransmits_total",
		Help:      "Total number of DATA packets resent after a NACK",
	})
	metricNacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mapsync",
		Subsystem: "transfer",
		Name:      "datagram_nacks_total",
		Help:      "Total number of NACK packets sent",
	})
)

const (
	transportStream   = "stream"
	transportDatagram = "datagram"

	resultOK    = "ok"
	resultError = "error"
)

func commandName(cmd byte) string {
	switch cmd {
	case CmdList:
		return "list"
	case CmdGet:
		return "get"
	case CmdPut:
		return "put"
	case CmdDelete:
		return "delete"
	default:
		return "unknown"
	}
}

func resultLabel(err error) string {
	if err != nil {
		return resultError
	}
	return resultOK
}
