package storage

import (
	"errors"
	"testing"
	"time"

	"mapsync/models"
)

func TestPeerUpsertAndList(t *testing.T) {
	store := newTestStore(t)

	firstSeen := time.UnixMilli(1_700_000_000_000)
	peer := models.Peer{
		UID:      "PEERbbbb",
		IP:       "192.168.1.10",
		SyncPort: 40123,
		Source:   models.PeerSourcePresence,
		LastSeen: firstSeen,
	}
	if err := store.UpsertPeer(peer); err != nil {
		t.Fatalf("UpsertPeer failed: %v", err)
	}

	got, err := store.GetPeer(peer.UID)
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if got.IP != peer.IP || got.SyncPort != peer.SyncPort || got.IsMaster {
		t.Fatalf("unexpected peer row: %+v", got)
	}
	if got.FirstSeen != firstSeen.UnixMilli() || got.LastSeen != firstSeen.UnixMilli() {
		t.Fatalf("unexpected timestamps: %+v", got)
	}

	peer.IP = "192.168.1.11"
	peer.IsMaster = true
	peer.LastSeen = firstSeen.Add(time.Minute)
	if err := store.UpsertPeer(peer); err != nil {
		t.Fatalf("UpsertPeer (update) failed: %v", err)
	}

	updated, err := store.GetPeer(peer.UID)
	if err != nil {
		t.Fatalf("GetPeer after update failed: %v", err)
	}
	if updated.IP != "192.168.1.11" || !updated.IsMaster {
		t.Fatalf("endpoint and role not refreshed: %+v", updated)
	}
	if updated.FirstSeen != firstSeen.UnixMilli() {
		t.Fatalf("first_seen changed on update: %+v", updated)
	}
	if updated.LastSeen != peer.LastSeen.UnixMilli() {
		t.Fatalf("last_seen not refreshed: %+v", updated)
	}

	stale := peer
	stale.LastSeen = firstSeen
	if err := store.UpsertPeer(stale); err != nil {
		t.Fatalf("UpsertPeer (stale) failed: %v", err)
	}
	if again, _ := store.GetPeer(peer.UID); again.LastSeen != peer.LastSeen.UnixMilli() {
		t.Fatalf("older sighting moved last_seen backwards: %+v", again)
	}

	if err := store.UpsertPeer(models.Peer{UID: "MASTaaaa", IP: "192.168.1.2", SyncPort: 1, LastSeen: firstSeen.Add(time.Hour)}); err != nil {
		t.Fatalf("UpsertPeer (second peer) failed: %v", err)
	}
	list, err := store.ListPeers()
	if err != nil {
		t.Fatalf("ListPeers failed: %v", err)
	}
	if len(list) != 2 || list[0].UID != "MASTaaaa" {
		t.Fatalf("expected most recently seen peer first, got %+v", list)
	}
	if converted := list[1].Peer(); converted.UID != peer.UID || converted.SyncPort != peer.SyncPort {
		t.Fatalf("unexpected model conversion: %+v", converted)
	}

	if err := store.RemovePeer(peer.UID); err != nil {
		t.Fatalf("RemovePeer failed: %v", err)
	}
	if _, err := store.GetPeer(peer.UID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after RemovePeer, got %v", err)
	}
	if err := store.RemovePeer(peer.UID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound removing a missing peer, got %v", err)
	}
}

func TestUpsertPeerRequiresUID(t *testing.T) {
	store := newTestStore(t)
	if err := store.UpsertPeer(models.Peer{IP: "10.0.0.1"}); err == nil {
		t.Fatalf("expected error for empty uid")
	}
}
