package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mapsync/models"
)

// SetRunRetention configures the automatic sync run pruning horizon.
func (s *Store) SetRunRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultRunRetention
	}
	s.runRetention = retention
}

// RecordSyncRun stores a finished run and its file operations in one
// transaction, then prunes runs older than the retention horizon.
func (s *Store) RecordSyncRun(run models.SyncRun, ops []models.FileOp) error {
	if run.RunID == "" {
		return errors.New("run_id is required")
	}
	if run.PeerUID == "" {
		return errors.New("peer_uid is required")
	}
	if err := validateSyncResult(run.Result); err != nil {
		return err
	}
	for _, op := range ops {
		if err := validateFileOp(op.Op); err != nil {
			return err
		}
	}
	if run.StartedAt == 0 {
		run.StartedAt = nowUnixMilli()
	}
	if run.FinishedAt == 0 {
		run.FinishedAt = run.StartedAt
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin sync run transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(
		`INSERT INTO sync_runs (
			run_id,
			peer_uid,
			peer_addr,
			started_at,
			finished_at,
			attempts,
			uploaded,
			deleted,
			bytes,
			result,
			message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID,
		run.PeerUID,
		run.PeerAddr,
		run.StartedAt,
		run.FinishedAt,
		run.Attempts,
		run.Uploaded,
		run.Deleted,
		run.Bytes,
		run.Result,
		run.Message,
	); err != nil {
		return fmt.Errorf("insert sync run %q: %w", run.RunID, err)
	}

	for _, op := range ops {
		timestamp := op.Timestamp
		if timestamp == 0 {
			timestamp = run.FinishedAt
		}
		if _, err := tx.Exec(
			`INSERT INTO file_ops (
				run_id,
				op,
				relative_path,
				size,
				hash,
				ok,
				error,
				timestamp
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			run.RunID,
			op.Op,
			op.RelativePath,
			op.Size,
			op.Hash,
			boolToInt(op.OK),
			op.Error,
			timestamp,
		); err != nil {
			return fmt.Errorf("insert file op %q for run %q: %w", op.RelativePath, run.RunID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sync run %q: %w", run.RunID, err)
	}

	if s.runRetention > 0 {
		cutoff := time.Now().Add(-s.runRetention).UnixMilli()
		if _, err := s.PruneSyncRuns(cutoff); err != nil {
			return fmt.Errorf("prune sync runs: %w", err)
		}
	}
	return nil
}

// GetSyncRun fetches one run by id.
func (s *Store) GetSyncRun(runID string) (*models.SyncRun, error) {
	row := s.db.QueryRow(
		`SELECT run_id, peer_uid, peer_addr, started_at, finished_at, attempts, uploaded, deleted, bytes, result, message
		FROM sync_runs
		WHERE run_id = ?`,
		runID,
	)
	run, err := scanSyncRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get sync run %q: %w", runID, err)
	}
	return run, nil
}

// ListSyncRuns returns the newest runs first. An empty peerUID lists runs
// for every peer; limit <= 0 means no limit.
func (s *Store) ListSyncRuns(peerUID string, limit int) ([]models.SyncRun, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.Query(
		`SELECT run_id, peer_uid, peer_addr, started_at, finished_at, attempts, uploaded, deleted, bytes, result, message
		FROM sync_runs
		WHERE (? = '' OR peer_uid = ?)
		ORDER BY started_at DESC, run_id DESC
		LIMIT ?`,
		peerUID,
		peerUID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	defer rows.Close()

	runs := make([]models.SyncRun, 0)
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync run row: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync run rows: %w", err)
	}
	return runs, nil
}

// ListFileOps returns the operations of one run in the order applied.
func (s *Store) ListFileOps(runID string) ([]models.FileOp, error) {
	rows, err := s.db.Query(
		`SELECT run_id, op, relative_path, size, hash, ok, error, timestamp
		FROM file_ops
		WHERE run_id = ?
		ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list file ops for run %q: %w", runID, err)
	}
	defer rows.Close()

	ops := make([]models.FileOp, 0)
	for rows.Next() {
		var (
			op models.FileOp
			ok int
		)
		if err := rows.Scan(&op.RunID, &op.Op, &op.RelativePath, &op.Size, &op.Hash, &ok, &op.Error, &op.Timestamp); err != nil {
			return nil, fmt.Errorf("scan file op row: %w", err)
		}
		op.OK = ok == 1
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file op rows: %w", err)
	}
	return ops, nil
}

// PruneSyncRuns deletes runs that started before the cutoff together with
// their file operations.
func (s *Store) PruneSyncRuns(before int64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM sync_runs WHERE started_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("prune sync runs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune sync runs rows affected: %w", err)
	}
	return affected, nil
}

func scanSyncRun(row scanner) (*models.SyncRun, error) {
	var run models.SyncRun
	if err := row.Scan(
		&run.RunID,
		&run.PeerUID,
		&run.PeerAddr,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Attempts,
		&run.Uploaded,
		&run.Deleted,
		&run.Bytes,
		&run.Result,
		&run.Message,
	); err != nil {
		return nil, err
	}
	return &run, nil
}
