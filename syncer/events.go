package syncer

import (
	"time"
)

// State is a step of one peer sync run.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateListing    State = "listing"
	StateDiffing    State = "diffing"
	StateUploading  State = "uploading"
	StateDeleting   State = "deleting"
	StateDone       State = "done"
	StateError      State = "error"
)

// Messages carried by terminal events.
const (
	MessageInSync     = "in sync"
	MessageIncomplete = "sync incomplete"
)

// Event reports a state transition or progress of a peer sync run. Events
// are advisory; a slow consumer loses events rather than stalling sync.
type Event struct {
	PeerUID  string
	PeerAddr string
	State    State
	File     string
	Bytes    int64
	Total    int64
	Message  string
	Time     time.Time
}

// Progress returns the upload fraction in [0,1].
func (e Event) Progress() float32 {
	if e.Total <= 0 {
		if e.State == StateDone {
			return 1
		}
		return 0
	}
	f := float32(e.Bytes) / float32(e.Total)
	if f > 1 {
		return 1
	}
	return f
}

// Terminal reports whether the event ends a run.
func (e Event) Terminal() bool {
	return e.State == StateDone || (e.State == StateError && e.File == "")
}

// PeerSyncState is a copy of the orchestrator's view of one peer.
type PeerSyncState struct {
	UID        string
	Addr       string
	Synced     bool
	State      State
	LastResult string
	LastError  string
	LastRunAt  time.Time
}
