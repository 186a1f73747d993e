package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"tasksync/internal/notify"
	"tasksync/internal/service"
)

// Upsert inserts or updates a task by id, bumps its local revision and
// enqueues (or collapses into) its pending mutation, all in one
// transaction. An empty id inserts a new task with a generated UUID.
// Returns the stored record.
func (s *Store) Upsert(ctx context.Context, t service.Task) (service.Task, error) {
	t.Title = strings.TrimSpace(t.Title)
	if t.Title == "" {
		return service.Task{}, fmt.Errorf("%w: title required", service.ErrInvalidTask)
	}
	if t.Priority == "" {
		t.Priority = service.PriorityMedium
	}
	if !t.Priority.Valid() {
		return service.Task{}, fmt.Errorf("%w: unknown priority %q", service.ErrInvalidTask, t.Priority)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	var stored service.Task
	err := s.write(ctx, "upsert", notify.OriginLocal, func(tx *sql.Tx) ([]string, error) {
		existing, found, err := getTx(ctx, tx, t.ID)
		if err != nil {
			return nil, storageErr("upsert", err)
		}
		if found && existing.Deleted {
			return nil, fmt.Errorf("task %s: %w", t.ID, service.ErrNotFound)
		}

		now := s.stamp()
		stored = normalize(t)
		stored.Deleted = false
		stored.SyncError = ""
		stored.UpdatedAt = now
		for i := range stored.Subtasks {
			if stored.Subtasks[i].ID == "" {
				stored.Subtasks[i].ID = uuid.NewString()
			}
			if stored.Subtasks[i].CreatedAt.IsZero() {
				stored.Subtasks[i].CreatedAt = now
			}
		}

		kind := service.MutationCreate
		if found {
			kind = service.MutationUpdate
			stored.CreatedAt = existing.CreatedAt
			stored.RemoteID = existing.RemoteID
			stored.RemoteRevision = existing.RemoteRevision
			stored.LocalRevision = existing.LocalRevision + 1
		} else {
			stored.CreatedAt = now
			stored.RemoteID = ""
			stored.RemoteRevision = ""
			stored.LocalRevision = 1
		}

		switch {
		case !stored.Completed:
			stored.CompletedAt = nil
		case found && existing.Completed && existing.CompletedAt != nil:
			stored.CompletedAt = existing.CompletedAt
		case stored.CompletedAt == nil:
			at := now
			stored.CompletedAt = &at
		}

		if err := putTx(ctx, tx, stored); err != nil {
			return nil, storageErr("upsert", err)
		}
		if err := s.enqueueTx(ctx, tx, stored, kind); err != nil {
			return nil, err
		}

		s.logger.Debug().
			Str("task_id", stored.ID).
			Int64("local_rev", stored.LocalRevision).
			Str("kind", string(kind)).
			Msg("upserted task")
		return []string{stored.ID}, nil
	})
	if err != nil {
		return service.Task{}, err
	}
	return stored, nil
}

// SoftDelete marks a task deleted and enqueues its delete mutation. A task
// the server has never seen is removed along with its queued create.
// Deleting an already deleted task is a no-op.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	return s.write(ctx, "soft delete", notify.OriginLocal, func(tx *sql.Tx) ([]string, error) {
		changed, err := s.softDeleteTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if !changed {
			return nil, nil
		}
		return []string{id}, nil
	})
}

// ClearCompleted soft-deletes every completed task and returns how many
// were deleted.
func (s *Store) ClearCompleted(ctx context.Context) (int, error) {
	var ids []string
	err := s.write(ctx, "clear completed", notify.OriginLocal, func(tx *sql.Tx) ([]string, error) {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE completed = 1 AND deleted = 0`)
		if err != nil {
			return nil, storageErr("clear completed", err)
		}
		var candidates []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, storageErr("clear completed", err)
			}
			candidates = append(candidates, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, storageErr("clear completed", err)
		}
		rows.Close()

		for _, id := range candidates {
			changed, err := s.softDeleteTx(ctx, tx, id)
			if err != nil {
				return nil, err
			}
			if changed {
				ids = append(ids, id)
			}
		}
		return ids, nil
	})
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *Store) softDeleteTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	task, found, err := getTx(ctx, tx, id)
	if err != nil {
		return false, storageErr("soft delete", err)
	}
	if !found {
		return false, fmt.Errorf("task %s: %w", id, service.ErrNotFound)
	}
	if task.Deleted {
		return false, nil
	}

	task.Deleted = true
	task.LocalRevision++
	task.UpdatedAt = s.stamp()
	task.SyncError = ""
	if err := putTx(ctx, tx, task); err != nil {
		return false, storageErr("soft delete", err)
	}
	if err := s.enqueueTx(ctx, tx, task, service.MutationDelete); err != nil {
		return false, err
	}

	s.logger.Debug().
		Str("task_id", id).
		Int64("local_rev", task.LocalRevision).
		Msg("soft deleted task")
	return true, nil
}

// Get returns a task by id, including soft-deleted tasks.
func (s *Store) Get(ctx context.Context, id string) (service.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return service.Task{}, fmt.Errorf("task %s: %w", id, service.ErrNotFound)
	}
	if err != nil {
		return service.Task{}, storageErr("get", err)
	}
	return t, nil
}

const priorityRank = `CASE priority WHEN 'URGENT' THEN 3 WHEN 'HIGH' THEN 2 WHEN 'LOW' THEN 0 ELSE 1 END`

// List returns tasks matching f.
// Open tasks are ordered by priority (highest first), then due date
// (undated last), then creation. Completed tasks are ordered by completion
// time, newest first. Everything else is ordered newest first.
func (s *Store) List(ctx context.Context, f service.Filter) ([]service.Task, error) {
	var (
		where []string
		args  []any
		order string
	)

	if !f.IncludeDeleted {
		where = append(where, "deleted = 0")
	}
	if f.SyncErrorsOnly {
		where = append(where, "sync_error <> ''")
	}

	switch f.Status {
	case service.FilterOpen:
		where = append(where, "completed = 0")
		order = priorityRank + " DESC, due_at IS NULL, due_at ASC, created_at ASC, id"
	case service.FilterCompleted:
		where = append(where, "completed = 1")
		order = "completed_at DESC, id"
	case service.FilterAll, "":
		order = "created_at DESC, id"
	default:
		return nil, fmt.Errorf("unknown status filter: %s", f.Status)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY " + order

	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	} else if f.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list", err)
	}
	defer rows.Close()

	var tasks []service.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, storageErr("list", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list", err)
	}
	return tasks, nil
}

// Stats returns task and queue counts.
func (s *Store) Stats(ctx context.Context) (service.Stats, error) {
	var st service.Stats
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*),
       COALESCE(SUM(CASE WHEN completed = 0 THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN completed = 1 THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN sync_error <> '' THEN 1 ELSE 0 END), 0),
       (SELECT COUNT(*) FROM pending_mutations)
FROM tasks
WHERE deleted = 0
`).Scan(&st.Total, &st.Open, &st.Completed, &st.SyncErrors, &st.Pending)
	if err != nil {
		return service.Stats{}, storageErr("stats", err)
	}
	return st, nil
}

func getTx(ctx context.Context, tx *sql.Tx, id string) (service.Task, bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return service.Task{}, false, nil
	}
	if err != nil {
		return service.Task{}, false, err
	}
	return t, true, nil
}

func getByRemoteIDTx(ctx context.Context, tx *sql.Tx, remoteID string) (service.Task, bool, error) {
	if remoteID == "" {
		return service.Task{}, false, nil
	}
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE remote_id = ? LIMIT 1`, remoteID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return service.Task{}, false, nil
	}
	if err != nil {
		return service.Task{}, false, err
	}
	return t, true, nil
}

func putTx(ctx context.Context, tx *sql.Tx, t service.Task) error {
	subtasks, err := encodeSubtasks(t.Subtasks)
	if err != nil {
		return err
	}

	const upsertTaskQuery = `
INSERT INTO tasks (` + taskColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    remote_id    = excluded.remote_id,
    title        = excluded.title,
    notes        = excluded.notes,
    completed    = excluded.completed,
    priority     = excluded.priority,
    due_at       = excluded.due_at,
    subtasks     = excluded.subtasks,
    created_at   = excluded.created_at,
    completed_at = excluded.completed_at,
    updated_at   = excluded.updated_at,
    local_rev    = excluded.local_rev,
    remote_rev   = excluded.remote_rev,
    deleted      = excluded.deleted,
    sync_error   = excluded.sync_error
`
	_, err = tx.ExecContext(ctx, upsertTaskQuery,
		t.ID,
		t.RemoteID,
		t.Title,
		t.Notes,
		t.Completed,
		string(t.Priority),
		toNullMillis(t.Due),
		subtasks,
		toMillis(t.CreatedAt),
		toNullMillis(t.CompletedAt),
		toMillis(t.UpdatedAt),
		t.LocalRevision,
		t.RemoteRevision,
		t.Deleted,
		t.SyncError,
	)
	return err
}
