package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"tasksync/internal/codec"
	"tasksync/internal/notify"
	"tasksync/internal/service"
)

// MergeResult counts what a merge did.
type MergeResult struct {
	Inserted  int
	Updated   int
	Removed   int
	Conflicts int // remote change ignored because a local edit is pending
	Skipped   int
}

// Changed reports whether the merge modified any task.
func (r MergeResult) Changed() bool {
	return r.Inserted+r.Updated+r.Removed > 0
}

func (r *MergeResult) Add(o MergeResult) {
	r.Inserted += o.Inserted
	r.Updated += o.Updated
	r.Removed += o.Removed
	r.Conflicts += o.Conflicts
	r.Skipped += o.Skipped
}

// ApplyRemoteSnapshot merges remote tasks into the store and advances the
// sync cursor in the same transaction. An empty cursor leaves the stored
// one unchanged. Applying the same snapshot twice changes nothing.
//
// Tasks without pending local edits take the remote state. Tasks with
// pending edits keep their local fields and only adopt the remote revision,
// so the queued push overwrites the server.
func (s *Store) ApplyRemoteSnapshot(ctx context.Context, tasks []service.RemoteTask, cursor string) (MergeResult, error) {
	op := "apply remote snapshot"
	var res MergeResult
	err := s.write(ctx, op, notify.OriginSync, func(tx *sql.Tx) ([]string, error) {
		var changed []string
		for _, rt := range tasks {
			id, r, err := s.mergeTx(ctx, tx, rt)
			if err != nil {
				return nil, storageErr(op, err)
			}
			res.Add(r)
			if id != "" {
				changed = append(changed, id)
			}
		}

		if cursor != "" {
			current, err := cursorTx(ctx, tx)
			if err != nil {
				return nil, storageErr(op, err)
			}
			if cursor != current {
				_, err := tx.ExecContext(ctx,
					`INSERT OR REPLACE INTO sync_cursor (id, cursor, updated_at) VALUES (1, ?, ?)`,
					cursor, toMillis(s.now()))
				if err != nil {
					return nil, storageErr(op, err)
				}
			}
		}
		return changed, nil
	})
	if err != nil {
		return MergeResult{}, err
	}

	s.logger.Debug().
		Int("inserted", res.Inserted).
		Int("updated", res.Updated).
		Int("removed", res.Removed).
		Int("conflicts", res.Conflicts).
		Int("skipped", res.Skipped).
		Msg("applied remote snapshot")
	return res, nil
}

// MergeRemote merges a single remote task, e.g. one fetched after a failed
// precondition. The cursor is not touched.
func (s *Store) MergeRemote(ctx context.Context, rt service.RemoteTask) (MergeResult, error) {
	return s.ApplyRemoteSnapshot(ctx, []service.RemoteTask{rt}, "")
}

// Cursor returns the stored sync cursor, or "" before the first pull.
func (s *Store) Cursor(ctx context.Context) (string, error) {
	var c string
	err := s.db.QueryRowContext(ctx, `SELECT cursor FROM sync_cursor WHERE id = 1`).Scan(&c)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", storageErr("cursor", err)
	}
	return c, nil
}

// ResetCursor forgets the sync cursor so the next pull fetches everything.
func (s *Store) ResetCursor(ctx context.Context) error {
	return s.write(ctx, "reset cursor", notify.OriginSync, func(tx *sql.Tx) ([]string, error) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_cursor`); err != nil {
			return nil, storageErr("reset cursor", err)
		}
		return nil, nil
	})
}

func cursorTx(ctx context.Context, tx *sql.Tx) (string, error) {
	var c string
	err := tx.QueryRowContext(ctx, `SELECT cursor FROM sync_cursor WHERE id = 1`).Scan(&c)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return c, err
}

// mergeTx merges one remote task and returns the local id if the row
// changed.
func (s *Store) mergeTx(ctx context.Context, tx *sql.Tx, rt service.RemoteTask) (string, MergeResult, error) {
	remote := rt.Task
	if !rt.Present.Has(service.FieldID) {
		remote.ID = ""
	}
	if !rt.Present.Has(service.FieldRemoteID) || remote.RemoteID == "" {
		remote.RemoteID = remote.ID
	}

	local, found, err := s.lookupTx(ctx, tx, remote.ID, remote.RemoteID)
	if err != nil {
		return "", MergeResult{}, err
	}

	if !found {
		if rt.Present.Has(service.FieldDeleted) && remote.Deleted {
			return "", MergeResult{Skipped: 1}, nil
		}
		t := normalize(service.Overlay(service.Task{}, rt))
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		t.RemoteID = remote.RemoteID
		if t.RemoteID == "" {
			t.RemoteID = t.ID
		}
		if !t.Priority.Valid() {
			t.Priority = service.PriorityMedium
		}
		now := s.stamp()
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		if t.UpdatedAt.IsZero() {
			t.UpdatedAt = now
		}
		t.LocalRevision = 0
		t.Deleted = false
		t.SyncError = ""
		if err := putTx(ctx, tx, t); err != nil {
			return "", MergeResult{}, err
		}
		return t.ID, MergeResult{Inserted: 1}, nil
	}

	pending, err := hasEntriesTx(ctx, tx, local.ID)
	if err != nil {
		return "", MergeResult{}, err
	}

	if pending {
		updated := local.Clone()
		if rt.Present.Has(service.FieldRevision) && remote.RemoteRevision != "" {
			updated.RemoteRevision = remote.RemoteRevision
		}
		if updated.RemoteID == "" {
			updated.RemoteID = remote.RemoteID
		}
		s.logger.Debug().
			Str("task_id", local.ID).
			Str("remote_rev", remote.RemoteRevision).
			Msg("remote change conflicts with pending local edit")
		if sameTask(local, updated) {
			return "", MergeResult{Conflicts: 1}, nil
		}
		if err := putTx(ctx, tx, updated); err != nil {
			return "", MergeResult{}, err
		}
		return local.ID, MergeResult{Conflicts: 1}, nil
	}

	merged := normalize(service.Overlay(local, rt))
	merged.ID = local.ID
	merged.LocalRevision = local.LocalRevision
	merged.SyncError = local.SyncError
	if merged.RemoteID == "" {
		merged.RemoteID = remote.RemoteID
	}
	if !merged.Priority.Valid() {
		merged.Priority = local.Priority
	}

	if merged.Deleted {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, local.ID); err != nil {
			return "", MergeResult{}, err
		}
		return local.ID, MergeResult{Removed: 1}, nil
	}

	if sameTask(local, merged) {
		return "", MergeResult{Skipped: 1}, nil
	}
	if err := putTx(ctx, tx, merged); err != nil {
		return "", MergeResult{}, err
	}
	return local.ID, MergeResult{Updated: 1}, nil
}

func (s *Store) lookupTx(ctx context.Context, tx *sql.Tx, id, remoteID string) (service.Task, bool, error) {
	if id != "" {
		t, found, err := getTx(ctx, tx, id)
		if err != nil || found {
			return t, found, err
		}
	}
	return getByRemoteIDTx(ctx, tx, remoteID)
}

// sameTask compares two records by their wire form plus local bookkeeping.
func sameTask(a, b service.Task) bool {
	if a.LocalRevision != b.LocalRevision || a.SyncError != b.SyncError {
		return false
	}
	ea, errA := codec.Encode(a)
	eb, errB := codec.Encode(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ea, eb)
}
