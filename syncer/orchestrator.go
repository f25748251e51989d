// Package syncer pushes the local root to every reachable peer until each
// peer's listing matches the local cache.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"mapsync/fsroot"
	"mapsync/hasher"
	"mapsync/models"
	"mapsync/network"
)

const (
	// DefaultMaxAttempts bounds list/apply rounds per peer run.
	DefaultMaxAttempts = 5
	// DefaultRecheckInterval is the wake-up period without triggers.
	DefaultRecheckInterval = time.Second
	// DefaultEventBuffer is the capacity of the event channel.
	DefaultEventBuffer = 256
)

// ErrRootRequired is returned by New without a root.
var ErrRootRequired = errors.New("syncer: root is required")

// Journal records finished peer runs.
type Journal interface {
	RecordSyncRun(run models.SyncRun, ops []models.FileOp) error
}

// Options configures an Orchestrator.
type Options struct {
	// UID is the local node; a peer with this uid is never synced.
	UID     string
	Root    *fsroot.Root
	Digests *hasher.Cache
	Dialer  network.Dialer
	Journal Journal

	// Active enables pushing. Only a master pushes.
	Active bool

	MaxAttempts     int
	RecheckInterval time.Duration
	EventBuffer     int
	Logger          *log.Logger

	now func() time.Time
}

func (o Options) withDefaults() Options {
	out := o
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	if out.RecheckInterval <= 0 {
		out.RecheckInterval = DefaultRecheckInterval
	}
	if out.EventBuffer <= 0 {
		out.EventBuffer = DefaultEventBuffer
	}
	if out.Digests == nil {
		out.Digests = hasher.NewCache(hasher.New(hasher.AlgorithmMD5), 0)
	}
	if out.Logger == nil {
		out.Logger = log.Default()
	}
	if out.now == nil {
		out.now = time.Now
	}
	return out
}

type peerState struct {
	peer   models.Peer
	addr   string
	synced bool
	// generation increases on every trigger affecting the peer; a run only
	// marks the peer synced if no trigger arrived while it ran.
	generation uint64

	state      State
	lastResult string
	lastError  string
	lastRunAt  time.Time
}

// Orchestrator owns the local cache and the per-peer sync state. A single
// loop started by Serve performs all network and disk I/O.
type Orchestrator struct {
	opts  Options
	local localCache

	mu      sync.Mutex
	peers   map[string]*peerState
	cache   map[string]models.FileInfo
	pending []string
	rescan  bool
	active  bool

	wake   chan struct{}
	events chan Event
}

// New returns an orchestrator whose first cycle performs a full scan.
func New(options Options) (*Orchestrator, error) {
	opts := options.withDefaults()
	if opts.Root == nil {
		return nil, ErrRootRequired
	}
	if opts.Dialer == nil {
		return nil, errors.New("syncer: dialer is required")
	}

	return &Orchestrator{
		opts:   opts,
		local:  localCache{root: opts.Root, digests: opts.Digests},
		peers:  make(map[string]*peerState),
		cache:  make(map[string]models.FileInfo),
		rescan: true,
		active: opts.Active,
		wake:   make(chan struct{}, 1),
		events: make(chan Event, opts.EventBuffer),
	}, nil
}

// Events returns the status event stream.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// SetPeers replaces the peer set. New peers and peers whose address changed
// are marked unsynced.
func (o *Orchestrator) SetPeers(peers []models.Peer) {
	o.mu.Lock()
	seen := make(map[string]bool, len(peers))
	changed := false
	for _, peer := range peers {
		if peer.IsSelf || peer.UID == "" || peer.UID == o.opts.UID || !peer.Reachable() {
			continue
		}
		seen[peer.UID] = true
		addr := net.JoinHostPort(peer.IP, strconv.Itoa(int(peer.SyncPort)))

		st, ok := o.peers[peer.UID]
		if !ok {
			o.peers[peer.UID] = &peerState{peer: peer, addr: addr, state: StateIdle}
			changed = true
			continue
		}
		st.peer = peer
		if st.addr != addr {
			st.addr = addr
			st.synced = false
			st.generation++
			changed = true
		}
	}
	for uid := range o.peers {
		if !seen[uid] {
			delete(o.peers, uid)
		}
	}
	o.mu.Unlock()

	if changed {
		o.signal()
	}
}

// PathsUpdated reports local changes. initialize requests a full rescan;
// otherwise paths are relative to the root (or absolute below it). Every
// peer is marked unsynced.
func (o *Orchestrator) PathsUpdated(paths []string, initialize bool) {
	o.mu.Lock()
	if initialize {
		o.rescan = true
		o.pending = nil
	} else if !o.rescan {
		o.pending = append(o.pending, paths...)
	}
	o.invalidateLocked()
	o.mu.Unlock()
	o.signal()
}

// SetActive enables or disables pushing. Enabling marks every peer
// unsynced.
func (o *Orchestrator) SetActive(active bool) {
	o.mu.Lock()
	was := o.active
	o.active = active
	if active && !was {
		o.invalidateLocked()
	}
	o.mu.Unlock()
	o.signal()
}

// Active reports whether the orchestrator pushes.
func (o *Orchestrator) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Status returns a copy of every peer's sync state, sorted by uid.
func (o *Orchestrator) Status() []PeerSyncState {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]PeerSyncState, 0, len(o.peers))
	for uid, st := range o.peers {
		out = append(out, PeerSyncState{
			UID:        uid,
			Addr:       st.addr,
			Synced:     st.synced,
			State:      st.state,
			LastResult: st.lastResult,
			LastError:  st.lastError,
			LastRunAt:  st.lastRunAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// LocalFiles returns a copy of the local cache.
func (o *Orchestrator) LocalFiles() map[string]models.FileInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	return copyListing(o.cache)
}

// Serve runs the sync loop until ctx is done.
func (o *Orchestrator) Serve(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.wake:
		case <-timer.C:
		}

		o.cycle(ctx)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(o.opts.RecheckInterval)
	}
}

func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) invalidateLocked() {
	for _, st := range o.peers {
		st.synced = false
		st.generation++
	}
}

type target struct {
	uid        string
	addr       string
	generation uint64
}

// cycle refreshes the cache and runs every unsynced peer once.
func (o *Orchestrator) cycle(ctx context.Context) {
	if err := o.refresh(ctx); err != nil {
		if ctx.Err() == nil {
			o.opts.Logger.Printf("sync: refresh local cache: %v", err)
		}
		return
	}

	o.mu.Lock()
	if !o.active {
		o.mu.Unlock()
		return
	}
	local := copyListing(o.cache)
	targets := make([]target, 0, len(o.peers))
	for uid, st := range o.peers {
		if !st.synced {
			targets = append(targets, target{uid: uid, addr: st.addr, generation: st.generation})
		}
	}
	o.mu.Unlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].uid < targets[j].uid })
	for _, t := range targets {
		if ctx.Err() != nil {
			return
		}
		o.runPeer(ctx, t, local)
	}
}

func (o *Orchestrator) refresh(ctx context.Context) error {
	o.mu.Lock()
	paths, rescan := o.pending, o.rescan
	o.pending, o.rescan = nil, false
	var entries map[string]models.FileInfo
	if !rescan && len(paths) > 0 {
		entries = copyListing(o.cache)
	}
	o.mu.Unlock()

	var err error
	switch {
	case rescan:
		entries, err = o.local.scan(ctx)
	case len(paths) > 0:
		err = o.local.patch(ctx, entries, paths)
	default:
		return nil
	}
	if err != nil {
		o.mu.Lock()
		if rescan {
			o.rescan = true
		} else {
			o.pending = append(paths, o.pending...)
		}
		o.mu.Unlock()
		return err
	}

	o.mu.Lock()
	o.cache = entries
	o.mu.Unlock()
	metricCacheEntries.Set(float64(len(entries)))
	return nil
}

// run accumulates the outcome of one peer run.
type run struct {
	record models.SyncRun
	ops    []models.FileOp
}

func (o *Orchestrator) runPeer(ctx context.Context, t target, local map[string]models.FileInfo) {
	r := &run{record: models.SyncRun{
		RunID:     uuid.NewString(),
		PeerUID:   t.uid,
		PeerAddr:  t.addr,
		StartedAt: o.opts.now().UnixMilli(),
	}}

	converged, err := o.syncPeer(ctx, t, local, r)
	switch {
	case err != nil:
		r.record.Result = models.SyncResultFailed
		r.record.Message = err.Error()
		o.emit(Event{PeerUID: t.uid, PeerAddr: t.addr, State: StateError, Message: err.Error()})
		o.opts.Logger.Printf("sync: peer %s (%s): %v", t.uid, t.addr, err)
	case converged:
		r.record.Result = models.SyncResultConverged
		r.record.Message = MessageInSync
		o.emit(Event{PeerUID: t.uid, PeerAddr: t.addr, State: StateDone, Message: MessageInSync})
	default:
		r.record.Result = models.SyncResultIncomplete
		r.record.Message = MessageIncomplete
		o.emit(Event{PeerUID: t.uid, PeerAddr: t.addr, State: StateDone, Message: MessageIncomplete})
		o.opts.Logger.Printf("sync: peer %s: %s after %d attempts", t.uid, MessageIncomplete, r.record.Attempts)
	}
	r.record.FinishedAt = o.opts.now().UnixMilli()
	metricRuns.WithLabelValues(r.record.Result).Inc()

	o.mu.Lock()
	if st, ok := o.peers[t.uid]; ok {
		st.lastResult = r.record.Result
		st.lastRunAt = o.opts.now()
		st.lastError = ""
		if err != nil {
			st.lastError = err.Error()
		}
		if converged && st.generation == t.generation {
			st.synced = true
		}
	}
	o.mu.Unlock()

	if o.opts.Journal != nil {
		if jerr := o.opts.Journal.RecordSyncRun(r.record, r.ops); jerr != nil {
			o.opts.Logger.Printf("sync: journal run %s: %v", r.record.RunID, jerr)
		}
	}
}

// syncPeer applies diffs until a round finds nothing to change or the
// attempt budget runs out. A non-nil error means the peer was unreachable or
// the session broke.
func (o *Orchestrator) syncPeer(ctx context.Context, t target, local map[string]models.FileInfo, r *run) (bool, error) {
	o.emit(Event{PeerUID: t.uid, PeerAddr: t.addr, State: StateConnecting})
	client, err := o.opts.Dialer.Dial(ctx, t.addr)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer client.Close()

	for attempt := 1; attempt <= o.opts.MaxAttempts; attempt++ {
		r.record.Attempts = attempt

		o.emit(Event{PeerUID: t.uid, PeerAddr: t.addr, State: StateListing})
		remote, err := client.List(ctx)
		if err != nil {
			return false, fmt.Errorf("list: %w", err)
		}

		o.emit(Event{PeerUID: t.uid, PeerAddr: t.addr, State: StateDiffing})
		uploads, deletes := Diff(local, remote)
		if len(uploads) == 0 && len(deletes) == 0 {
			return true, nil
		}

		for _, rel := range uploads {
			if err := o.upload(ctx, client, t, rel, local[rel], r); err != nil {
				return false, err
			}
		}
		for _, rel := range deletes {
			if err := o.remove(ctx, client, t, rel, remote[rel], r); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}

// upload pushes one file. Only session-level failures are returned; a
// rejected path is recorded and skipped.
func (o *Orchestrator) upload(ctx context.Context, client network.Client, t target, rel string, info models.FileInfo, r *run) error {
	total := int64(info.Size)
	o.emit(Event{PeerUID: t.uid, PeerAddr: t.addr, State: StateUploading, File: rel, Total: total})

	abs, err := o.opts.Root.Resolve(rel)
	if err == nil {
		err = client.Upload(ctx, abs, rel, func(done, total int64) {
			o.emit(Event{PeerUID: t.uid, PeerAddr: t.addr, State: StateUploading, File: rel, Bytes: done, Total: total})
		})
	}
	o.record(r, models.FileOpUpload, rel, info, err)
	if err == nil {
		r.record.Uploaded++
		r.record.Bytes += total
		metricBytes.Add(float64(total))
		return nil
	}
	return o.fileFailed(ctx, t, rel, "upload", err)
}

func (o *Orchestrator) remove(ctx context.Context, client network.Client, t target, rel string, info models.FileInfo, r *run) error {
	o.emit(Event{PeerUID: t.uid, PeerAddr: t.addr, State: StateDeleting, File: rel})

	err := client.Remove(ctx, rel)
	o.record(r, models.FileOpDelete, rel, info, err)
	if err == nil {
		r.record.Deleted++
		return nil
	}
	return o.fileFailed(ctx, t, rel, "delete", err)
}

func (o *Orchestrator) record(r *run, op, rel string, info models.FileInfo, err error) {
	entry := models.FileOp{
		RunID:        r.record.RunID,
		Op:           op,
		RelativePath: rel,
		Size:         int64(info.Size),
		Hash:         info.Hash,
		OK:           err == nil,
		Timestamp:    o.opts.now().UnixMilli(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	r.ops = append(r.ops, entry)
	metricFileOps.WithLabelValues(op, resultLabel(err)).Inc()
}

// fileFailed reports a per-path failure and decides whether the run can go
// on. Errors the peer reported and local file errors are per-path; anything
// else means the session is gone.
func (o *Orchestrator) fileFailed(ctx context.Context, t target, rel, verb string, err error) error {
	o.opts.Logger.Printf("sync: %s %q to %s failed: %v", verb, rel, t.uid, err)
	o.emit(Event{PeerUID: t.uid, PeerAddr: t.addr, State: StateError, File: rel, Message: err.Error()})

	if ctx.Err() != nil {
		return ctx.Err()
	}
	var remote *network.RemoteError
	if errors.As(err, &remote) || errors.Is(err, fsroot.ErrPathEscape) || isLocalFileError(err) {
		return nil
	}
	return fmt.Errorf("%s %q: %w", verb, rel, err)
}

func (o *Orchestrator) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = o.opts.now()
	}

	o.mu.Lock()
	// Per-file errors do not change the run state.
	if st, ok := o.peers[e.PeerUID]; ok && (e.State != StateError || e.File == "") {
		st.state = e.State
	}
	o.mu.Unlock()

	select {
	case o.events <- e:
	default:
		metricEventsDropped.Inc()
	}
}

func isLocalFileError(err error) bool {
	var pathErr *fs.PathError
	return errors.As(err, &pathErr)
}

func copyListing(in map[string]models.FileInfo) map[string]models.FileInfo {
	out := make(map[string]models.FileInfo, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
