package presence

import (
	"sort"
	"sync"
	"time"

	"mapsync/models"
)

// PeerTable is the set of known nodes keyed by identifier. Accessors copy
// entries out; callers never see the live map.
type PeerTable struct {
	mu       sync.RWMutex
	peers    map[string]models.Peer
	leases   map[string]time.Time
	liveness time.Duration
	version  uint64
	changed  chan struct{}
}

// NewPeerTable returns a table that forgets peers silent for longer than
// liveness.
func NewPeerTable(liveness time.Duration) *PeerTable {
	if liveness <= 0 {
		liveness = DefaultLivenessTimeout
	}
	return &PeerTable{
		peers:    make(map[string]models.Peer),
		leases:   make(map[string]time.Time),
		liveness: liveness,
		changed:  make(chan struct{}, 1),
	}
}

// Changed delivers a coalesced signal whenever membership, address or role
// of any peer changes.
func (t *PeerTable) Changed() <-chan struct{} {
	return t.changed
}

// Version increments on every change signalled through Changed.
func (t *PeerTable) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

func (t *PeerTable) bumpLocked() {
	t.version++
	select {
	case t.changed <- struct{}{}:
	default:
	}
}

// SetSelf inserts or replaces the local node's entry.
func (t *PeerTable) SetSelf(p models.Peer) {
	p.IsSelf = true
	p.Source = models.PeerSourceSelf

	t.mu.Lock()
	defer t.mu.Unlock()
	changed := false
	for uid, existing := range t.peers {
		if existing.IsSelf && uid != p.UID {
			delete(t.peers, uid)
			changed = true
		}
	}
	prev, ok := t.peers[p.UID]
	if !ok || prev.IP != p.IP || prev.SyncPort != p.SyncPort || prev.IsMaster != p.IsMaster {
		changed = true
	}
	t.peers[p.UID] = p
	if changed {
		t.bumpLocked()
	}
}

// Touch refreshes last_seen for uid, creating the entry when unknown.
// created reports whether the entry is new.
func (t *PeerTable) Touch(uid, ip string, now time.Time) (created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[uid]
	if ok && p.IsSelf {
		return false
	}
	if !ok {
		p = models.Peer{UID: uid, IP: ip}
		created = true
	}
	p.Source = models.PeerSourcePresence
	p.LastSeen = now
	t.peers[uid] = p
	if created {
		t.bumpLocked()
	}
	return created
}

// SetAddress records a peer's transfer endpoint.
func (t *PeerTable) SetAddress(uid, ip string, port uint16, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[uid]
	if ok && p.IsSelf {
		return
	}
	if !ok {
		p = models.Peer{UID: uid}
	}
	changed := !ok || p.IP != ip || p.SyncPort != port
	p.Source = models.PeerSourcePresence
	p.IP = ip
	p.SyncPort = port
	p.LastSeen = now
	t.peers[uid] = p
	if changed {
		t.bumpLocked()
	}
}

// SetMaster records a peer's role.
func (t *PeerTable) SetMaster(uid string, master bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[uid]
	if !ok || p.IsMaster == master {
		return
	}
	p.IsMaster = master
	t.peers[uid] = p
	t.bumpLocked()
}

// SetSyncStatus records the sync activity a peer advertised. It does not
// signal Changed.
func (t *PeerTable) SetSyncStatus(uid string, status models.SyncStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[uid]
	if !ok {
		return
	}
	p.SyncStatus = status
	t.peers[uid] = p
}

// Merge folds in a peer learned from another discovery source. Fields that
// are already known from presence traffic are kept.
func (t *PeerTable) Merge(in models.Peer, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[in.UID]
	if ok && p.IsSelf {
		return
	}
	if !ok {
		in.IsSelf = false
		in.LastSeen = now
		t.peers[in.UID] = in
		t.bumpLocked()
		return
	}

	changed := false
	if p.IP == "" && in.IP != "" {
		p.IP = in.IP
		changed = true
	}
	if p.SyncPort == 0 && in.SyncPort != 0 {
		p.SyncPort = in.SyncPort
		changed = true
	}
	p.LastSeen = now
	t.peers[in.UID] = p
	if changed {
		t.bumpLocked()
	}
}

// Lease merges a peer like Merge and keeps it through Prune until now+ttl,
// even when no presence traffic arrives from it.
func (t *PeerTable) Lease(in models.Peer, now time.Time, ttl time.Duration) {
	t.Merge(in, now)

	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[in.UID]; ok && !p.IsSelf {
		t.leases[in.UID] = now.Add(ttl)
	}
}

// Expire drops the lease held for uid. An entry never heard from over
// presence is removed with it.
func (t *PeerTable) Expire(uid string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.leases, uid)
	p, ok := t.peers[uid]
	if !ok || p.IsSelf || p.Source == models.PeerSourcePresence {
		return false
	}
	delete(t.peers, uid)
	t.bumpLocked()
	return true
}

// Get returns a copy of the entry for uid.
func (t *PeerTable) Get(uid string) (models.Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[uid]
	return p, ok
}

// List returns a copy of every entry sorted by identifier.
func (t *PeerTable) List() []models.Peer {
	t.mu.RLock()
	out := make([]models.Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].UID < out[j].UID
	})
	return out
}

// Len returns the number of entries, self included.
func (t *PeerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Prune drops non-self peers not seen within the liveness window whose
// lease, if any, has run out, and returns their identifiers.
func (t *PeerTable) Prune(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []string
	for uid, p := range t.peers {
		if p.IsSelf {
			continue
		}
		if now.Sub(p.LastSeen) <= t.liveness || now.Before(t.leases[uid]) {
			continue
		}
		delete(t.peers, uid)
		delete(t.leases, uid)
		removed = append(removed, uid)
	}
	if len(removed) > 0 {
		sort.Strings(removed)
		t.bumpLocked()
	}
	return removed
}
