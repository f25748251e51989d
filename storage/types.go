package storage

import (
	"errors"
	"fmt"
	"time"

	"mapsync/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// KnownPeer is the SQLite representation of a peer seen on the network.
type KnownPeer struct {
	UID       string
	IP        string
	SyncPort  uint16
	IsMaster  bool
	Source    string
	FirstSeen int64
	LastSeen  int64
}

// Peer converts the row back to the shared peer model.
func (p KnownPeer) Peer() models.Peer {
	return models.Peer{
		UID:      p.UID,
		IP:       p.IP,
		SyncPort: p.SyncPort,
		IsMaster: p.IsMaster,
		Source:   p.Source,
		LastSeen: time.UnixMilli(p.LastSeen),
	}
}

func validateSyncResult(result string) error {
	switch result {
	case models.SyncResultConverged, models.SyncResultIncomplete, models.SyncResultFailed:
		return nil
	default:
		return fmt.Errorf("invalid sync result %q", result)
	}
}

func validateFileOp(op string) error {
	switch op {
	case models.FileOpUpload, models.FileOpDelete:
		return nil
	default:
		return fmt.Errorf("invalid file op %q", op)
	}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
