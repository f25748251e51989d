package node

import (
	"context"
	"fmt"
	"time"

	"mapsync/discovery"
	"mapsync/models"
	"mapsync/network"
	"mapsync/syncer"
)

// service adapts a function to suture.Service with a readable name in
// supervisor events.
type service struct {
	name  string
	serve func(ctx context.Context) error
}

func asService(name string, fn func(ctx context.Context) error) *service {
	return &service{name: name, serve: fn}
}

func (s *service) Serve(ctx context.Context) error {
	return s.serve(ctx)
}

func (s *service) String() string {
	return fmt.Sprintf("%s service", s.name)
}

// bridgePeers hands every peer table change to the orchestrator and the
// journal.
func (n *Node) bridgePeers(ctx context.Context) error {
	table := n.presence.Table()
	var (
		last   uint64
		primed bool
	)
	push := func() {
		version := table.Version()
		if primed && version == last {
			return
		}
		last, primed = version, true

		peers := table.List()
		n.orchestrator.SetPeers(peers)
		n.recordPeers(peers)
	}

	push()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-table.Changed():
			push()
		}
	}
}

func (n *Node) recordPeers(peers []models.Peer) {
	if n.journal == nil {
		return
	}
	for _, p := range peers {
		if p.IsSelf {
			continue
		}
		if err := n.journal.UpsertPeer(p); err != nil {
			n.log.Printf("node: journal peer %s: %v", p.UID, err)
		}
	}
}

// leasePeer merges an mDNS sighting and keeps it alive for lease, so peers
// that only answer mDNS do not drop out between scans.
func (n *Node) leasePeer(p discovery.DiscoveredPeer, lease time.Duration) {
	peer := p.Peer()
	if !peer.Reachable() {
		return
	}
	n.presence.Table().Lease(peer, time.Now(), lease)
}

func (n *Node) onDiscoveryEvent(e discovery.Event, lease time.Duration) {
	switch e.Type {
	case discovery.EventPeerUpserted:
		n.leasePeer(e.Peer, lease)
		n.log.Printf("node: mdns peer %s at %v port %d", e.Peer.UID, e.Peer.Addresses, e.Peer.SyncPort)
	case discovery.EventPeerRemoved:
		if n.presence.Table().Expire(e.Peer.UID) {
			n.log.Printf("node: mdns peer %s gone", e.Peer.UID)
		}
	}
}

// bridgeEvents turns orchestrator events into the advertised sync status
// and logs finished runs.
func (n *Node) bridgeEvents(ctx context.Context) error {
	events := n.orchestrator.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-events:
			n.onSyncEvent(e)
		}
	}
}

func (n *Node) onSyncEvent(e syncer.Event) {
	switch {
	case e.State == syncer.StateUploading:
		n.publishStatus(models.SyncStatus{Active: true, Filename: e.File, Progress: e.Progress()})
	case e.State == syncer.StateError && e.File != "":
		n.log.Printf("node: sync %s %s: %s", e.PeerUID, e.File, e.Message)
	case e.Terminal():
		n.publishStatus(models.SyncStatus{})
		if e.State == syncer.StateError {
			n.log.Printf("node: sync %s at %s failed: %s", e.PeerUID, e.PeerAddr, e.Message)
		} else {
			n.log.Printf("node: sync %s at %s: %s", e.PeerUID, e.PeerAddr, e.Message)
		}
	}
}

// onServerProgress reflects incoming transfers in the advertised status.
func (n *Node) onServerProgress(p network.TransferProgress) {
	if p.Direction != network.DirectionUpload {
		return
	}
	n.statusMu.Lock()
	if p.Done {
		delete(n.serving, p.Path)
	} else {
		n.serving[p.Path] = p
	}
	active := len(n.serving) > 0
	n.statusMu.Unlock()

	if p.Done && !active {
		n.publishStatus(models.SyncStatus{})
		return
	}
	n.publishStatus(models.SyncStatus{Active: true, Filename: p.Path, Progress: p.Fraction()})
}

func (n *Node) publishStatus(status models.SyncStatus) {
	n.statusMu.Lock()
	svc := n.presence
	n.statusMu.Unlock()
	if svc == nil {
		return
	}
	svc.SetLocalSyncStatus(status.Active, status.Filename, status.Progress)
}
