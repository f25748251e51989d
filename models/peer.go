package models

import "time"

// Peer sources.
const (
	PeerSourceSelf     = "self"
	PeerSourcePresence = "presence"
	PeerSourceMDNS     = "mdns"
)

// SyncStatus is the sync activity a node advertises in its heartbeat.
type SyncStatus struct {
	Active   bool    `json:"active"`
	Filename string  `json:"filename"`
	Progress float32 `json:"progress"`
}

// Peer represents a node observed on the local network.
type Peer struct {
	UID        string     `json:"uid"`
	IP         string     `json:"ip"`
	SyncPort   uint16     `json:"sync_port"`
	IsMaster   bool       `json:"is_master"`
	IsSelf     bool       `json:"is_self"`
	LastSeen   time.Time  `json:"last_seen"`
	SyncStatus SyncStatus `json:"sync_status"`
	Source     string     `json:"source"`
}

// Reachable reports whether the peer advertised a transfer endpoint.
func (p Peer) Reachable() bool {
	return p.IP != "" && p.SyncPort != 0
}
