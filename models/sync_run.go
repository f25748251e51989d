package models

// Sync run results.
const (
	SyncResultConverged  = "converged"
	SyncResultIncomplete = "incomplete"
	SyncResultFailed     = "failed"
)

// SyncRun summarizes one orchestrator pass against a single peer.
type SyncRun struct {
	RunID      string `json:"run_id"`
	PeerUID    string `json:"peer_uid"`
	PeerAddr   string `json:"peer_addr"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at"`
	Attempts   int    `json:"attempts"`
	Uploaded   int    `json:"uploaded"`
	Deleted    int    `json:"deleted"`
	Bytes      int64  `json:"bytes"`
	Result     string `json:"result"`
	Message    string `json:"message"`
}

// File operation kinds recorded per run.
const (
	FileOpUpload = "upload"
	FileOpDelete = "delete"
)

// FileOp is one upload or delete applied during a sync run.
type FileOp struct {
	RunID        string `json:"run_id"`
	Op           string `json:"op"`
	RelativePath string `json:"relative_path"`
	Size         int64  `json:"size"`
	Hash         string `json:"hash"`
	OK           bool   `json:"ok"`
	Error        string `json:"error"`
	Timestamp    int64  `json:"timestamp"`
}
