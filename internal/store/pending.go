package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"tasksync/internal/codec"
	"tasksync/internal/notify"
	"tasksync/internal/service"
)

const pendingColumns = `id, task_id, kind, payload, enqueued_at, attempts, in_flight, last_error`

func scanPending(sc rowScanner) (service.PendingMutation, error) {
	var (
		m          service.PendingMutation
		kind       string
		enqueuedAt int64
	)
	err := sc.Scan(&m.ID, &m.TaskID, &kind, &m.Payload, &enqueuedAt, &m.Attempts, &m.InFlight, &m.LastError)
	if err != nil {
		return service.PendingMutation{}, err
	}
	m.Kind = service.MutationKind(kind)
	m.EnqueuedAt = fromMillis(enqueuedAt)
	return m, nil
}

// entryTx returns the task's queued (inFlight=false) or in-flight entry.
func entryTx(ctx context.Context, tx *sql.Tx, taskID string, inFlight bool) (service.PendingMutation, bool, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_mutations WHERE task_id = ? AND in_flight = ?`,
		taskID, inFlight)
	m, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return service.PendingMutation{}, false, nil
	}
	if err != nil {
		return service.PendingMutation{}, false, err
	}
	return m, true, nil
}

func entryByIDTx(ctx context.Context, tx *sql.Tx, id int64) (service.PendingMutation, bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+pendingColumns+` FROM pending_mutations WHERE id = ?`, id)
	m, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return service.PendingMutation{}, false, nil
	}
	if err != nil {
		return service.PendingMutation{}, false, err
	}
	return m, true, nil
}

func hasEntriesTx(ctx context.Context, tx *sql.Tx, taskID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_mutations WHERE task_id = ?`, taskID).Scan(&n)
	return n > 0, err
}

// enqueueTx records a local edit of t. A task has at most one queued entry:
// a new edit collapses into it. An edit made while the task's entry is in
// flight becomes a queued follow-up that is sent once the in-flight push
// resolves.
func (s *Store) enqueueTx(ctx context.Context, tx *sql.Tx, t service.Task, kind service.MutationKind) error {
	queued, hasQueued, err := entryTx(ctx, tx, t.ID, false)
	if err != nil {
		return storageErr("enqueue", err)
	}
	_, hasInFlight, err := entryTx(ctx, tx, t.ID, true)
	if err != nil {
		return storageErr("enqueue", err)
	}

	// A task the server has never seen needs no delete, unless a create
	// for it may already have reached the server. It is removed outright.
	if kind == service.MutationDelete && !t.Synced() && !hasInFlight {
		switch {
		case !hasQueued:
			return s.purgeTx(ctx, tx, t.ID)
		case queued.Kind == service.MutationCreate && queued.Attempts == 0:
			if _, err := tx.ExecContext(ctx, `DELETE FROM pending_mutations WHERE id = ?`, queued.ID); err != nil {
				return storageErr("enqueue", err)
			}
			s.logger.Debug().Str("task_id", t.ID).Msg("dropped unsent create")
			return s.purgeTx(ctx, tx, t.ID)
		}
	}

	payload, err := codec.Encode(t)
	if err != nil {
		return storageErr("enqueue", err)
	}

	// Once the in-flight entry lands the task is known to the server.
	synced := t.Synced() || hasInFlight

	if hasQueued {
		next := service.CollapseKind(queued.Kind, kind, synced)
		_, err := tx.ExecContext(ctx,
			`UPDATE pending_mutations SET kind = ?, payload = ? WHERE id = ?`,
			string(next), payload, queued.ID)
		if err != nil {
			return storageErr("enqueue", err)
		}
		return nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO pending_mutations (task_id, kind, payload, enqueued_at) VALUES (?, ?, ?, ?)`,
		t.ID, string(service.CollapseKind(kind, kind, synced)), payload, toMillis(s.now()))
	if err != nil {
		return storageErr("enqueue", err)
	}
	return nil
}

// purgeTx removes a local-only task row.
func (s *Store) purgeTx(ctx context.Context, tx *sql.Tx, taskID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID); err != nil {
		return storageErr("purge", err)
	}
	return nil
}

// releaseTx moves an in-flight entry back into the queue, folding any
// follow-up edit into it. The released entry keeps its queue position and
// takes the follow-up's payload.
func (s *Store) releaseTx(ctx context.Context, tx *sql.Tx, m service.PendingMutation, attempts int, lastError string) error {
	task, found, err := getTx(ctx, tx, m.TaskID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	kind, payload := m.Kind, m.Payload
	follow, hasFollow, err := entryTx(ctx, tx, m.TaskID, false)
	if err != nil {
		return err
	}
	if hasFollow {
		kind = service.CollapseKind(m.Kind, follow.Kind, task.Synced())
		payload = follow.Payload
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_mutations WHERE id = ?`, follow.ID); err != nil {
			return err
		}
	} else if kind == service.MutationUpdate && !task.Synced() {
		kind = service.MutationCreate
	}

	_, err = tx.ExecContext(ctx, `
UPDATE pending_mutations
SET in_flight = 0, kind = ?, payload = ?, attempts = ?, last_error = ?
WHERE id = ?`,
		string(kind), payload, attempts, lastError, m.ID)
	return err
}

// NextPendingBatch marks up to n queued mutations in flight and returns
// them, oldest first. Tasks that already have an entry in flight are
// skipped so a task never has two pushes outstanding.
func (s *Store) NextPendingBatch(ctx context.Context, n int) ([]service.PendingMutation, error) {
	if n <= 0 {
		return nil, nil
	}

	var batch []service.PendingMutation
	err := s.write(ctx, "next pending batch", notify.OriginSync, func(tx *sql.Tx) ([]string, error) {
		rows, err := tx.QueryContext(ctx, `
SELECT `+pendingColumns+`
FROM pending_mutations
WHERE in_flight = 0
  AND task_id NOT IN (SELECT task_id FROM pending_mutations WHERE in_flight = 1)
ORDER BY id
LIMIT ?`, n)
		if err != nil {
			return nil, storageErr("next pending batch", err)
		}
		for rows.Next() {
			m, err := scanPending(rows)
			if err != nil {
				rows.Close()
				return nil, storageErr("next pending batch", err)
			}
			batch = append(batch, m)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, storageErr("next pending batch", err)
		}
		rows.Close()

		for i := range batch {
			if _, err := tx.ExecContext(ctx, `UPDATE pending_mutations SET in_flight = 1 WHERE id = ?`, batch[i].ID); err != nil {
				return nil, storageErr("next pending batch", err)
			}
			batch[i].InFlight = true
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// MarkMutationResolved records the outcome of pushing mutation id.
//
// Success removes the entry and adopts the server's canonical state (only
// its identity and revision when a newer local edit is queued). Permanent
// removes the entry and records the error on the task. Transient and
// Conflict put the entry back in the queue at its original position.
func (s *Store) MarkMutationResolved(ctx context.Context, id int64, out service.Outcome) error {
	op := "resolve mutation"
	return s.write(ctx, op, notify.OriginSync, func(tx *sql.Tx) ([]string, error) {
		m, found, err := entryByIDTx(ctx, tx, id)
		if err != nil {
			return nil, storageErr(op, err)
		}
		if !found {
			return nil, fmt.Errorf("mutation %d: %w", id, service.ErrNotFound)
		}

		var changed bool
		switch out.Kind {
		case service.OutcomeSuccess:
			changed, err = s.resolveSuccessTx(ctx, tx, m, out.Remote)
		case service.OutcomePermanent:
			changed, err = s.resolvePermanentTx(ctx, tx, m, out.Err)
		case service.OutcomeTransient, service.OutcomeConflict:
			err = s.releaseTx(ctx, tx, m, m.Attempts+1, errString(out.Err))
		default:
			return nil, fmt.Errorf("unknown outcome: %v", out.Kind)
		}
		if err != nil {
			return nil, storageErr(op, err)
		}

		s.logger.Debug().
			Int64("mutation_id", m.ID).
			Str("task_id", m.TaskID).
			Str("kind", string(m.Kind)).
			Str("outcome", out.Kind.String()).
			Msg("resolved mutation")

		if !changed {
			return nil, nil
		}
		return []string{m.TaskID}, nil
	})
}

func (s *Store) resolveSuccessTx(ctx context.Context, tx *sql.Tx, m service.PendingMutation, remote *service.RemoteTask) (bool, error) {
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_mutations WHERE id = ?`, m.ID); err != nil {
		return false, err
	}

	task, found, err := getTx(ctx, tx, m.TaskID)
	if err != nil || !found {
		return false, err
	}
	follow, hasFollow, err := entryTx(ctx, tx, m.TaskID, false)
	if err != nil {
		return false, err
	}

	updated := task.Clone()
	switch {
	case remote == nil:
	case hasFollow:
		if remote.Present.Has(service.FieldRemoteID) && remote.Task.RemoteID != "" {
			updated.RemoteID = remote.Task.RemoteID
		}
		if remote.Present.Has(service.FieldRevision) {
			updated.RemoteRevision = remote.Task.RemoteRevision
		}
	default:
		updated = normalize(service.Overlay(task, *remote))
		updated.ID = task.ID
		updated.LocalRevision = task.LocalRevision
		if m.Kind != service.MutationDelete {
			updated.Deleted = task.Deleted
		}
	}
	if updated.RemoteID == "" && updated.RemoteRevision != "" {
		updated.RemoteID = updated.ID
	}
	updated.SyncError = ""

	if hasFollow && follow.Kind == service.MutationCreate && updated.Synced() {
		if _, err := tx.ExecContext(ctx, `UPDATE pending_mutations SET kind = ? WHERE id = ?`,
			string(service.MutationUpdate), follow.ID); err != nil {
			return false, err
		}
	}

	if updated.Deleted && !hasFollow {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, task.ID); err != nil {
			return false, err
		}
		return true, nil
	}

	if sameTask(task, updated) {
		return false, nil
	}
	return true, putTx(ctx, tx, updated)
}

func (s *Store) resolvePermanentTx(ctx context.Context, tx *sql.Tx, m service.PendingMutation, cause error) (bool, error) {
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_mutations WHERE id = ?`, m.ID); err != nil {
		return false, err
	}

	task, found, err := getTx(ctx, tx, m.TaskID)
	if err != nil || !found {
		return false, err
	}

	follow, hasFollow, err := entryTx(ctx, tx, m.TaskID, false)
	if err != nil {
		return false, err
	}
	if hasFollow {
		kind := service.CollapseKind(follow.Kind, follow.Kind, task.Synced())
		if kind != follow.Kind {
			if _, err := tx.ExecContext(ctx, `UPDATE pending_mutations SET kind = ? WHERE id = ?`,
				string(kind), follow.ID); err != nil {
				return false, err
			}
		}
	}

	msg := errString(cause)
	if msg == "" {
		msg = "rejected by server"
	}
	s.logger.Warn().
		Str("task_id", task.ID).
		Str("kind", string(m.Kind)).
		Str("error", msg).
		Msg("mutation permanently rejected")

	task.SyncError = msg
	return true, putTx(ctx, tx, task)
}

// ReleaseMutations returns in-flight entries to the queue without counting
// an attempt. Used when a cycle stops before pushing them.
func (s *Store) ReleaseMutations(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	op := "release mutations"
	return s.write(ctx, op, notify.OriginSync, func(tx *sql.Tx) ([]string, error) {
		for _, id := range ids {
			m, found, err := entryByIDTx(ctx, tx, id)
			if err != nil {
				return nil, storageErr(op, err)
			}
			if !found || !m.InFlight {
				continue
			}
			if err := s.releaseTx(ctx, tx, m, m.Attempts, m.LastError); err != nil {
				return nil, storageErr(op, err)
			}
		}
		return nil, nil
	})
}

// RecoverInFlight returns every in-flight entry to the queue. Called on
// startup: entries left in flight by a crash were never acknowledged.
func (s *Store) RecoverInFlight(ctx context.Context) (int, error) {
	op := "recover in-flight"
	var recovered int
	err := s.write(ctx, op, notify.OriginSync, func(tx *sql.Tx) ([]string, error) {
		entries, err := queryPending(ctx, tx, `WHERE in_flight = 1`)
		if err != nil {
			return nil, storageErr(op, err)
		}
		for _, m := range entries {
			if err := s.releaseTx(ctx, tx, m, m.Attempts, m.LastError); err != nil {
				return nil, storageErr(op, err)
			}
		}
		recovered = len(entries)
		return nil, nil
	})
	if err != nil {
		return 0, err
	}
	if recovered > 0 {
		s.logger.Info().Int("count", recovered).Msg("recovered in-flight mutations")
	}
	return recovered, nil
}

// PendingCount returns the number of queued and in-flight mutations.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_mutations`).Scan(&n); err != nil {
		return 0, storageErr("pending count", err)
	}
	return n, nil
}

// ListPending returns all pending mutations, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]service.PendingMutation, error) {
	entries, err := queryPending(ctx, s.db, ``)
	if err != nil {
		return nil, storageErr("list pending", err)
	}
	return entries, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryPending(ctx context.Context, q querier, where string, args ...any) ([]service.PendingMutation, error) {
	query := strings.TrimSpace(`SELECT ` + pendingColumns + ` FROM pending_mutations ` + where + ` ORDER BY id`)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []service.PendingMutation
	for rows.Next() {
		m, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
