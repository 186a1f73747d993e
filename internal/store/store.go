// Package store is the durable local task store.
//
// The store exclusively owns the task table, the pending-mutation queue and
// the sync cursor. Every write runs in one SQLite transaction under a
// single writer lock, so a task row and its pending mutation are always
// committed together. Reads are single statements and run concurrently
// under WAL.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"tasksync/internal/notify"
	"tasksync/internal/service"
)

//go:embed schema.sql
var schemaSQL string

// Store is the SQLite-backed local store.
type Store struct {
	db       *sql.DB
	writeMu  sync.Mutex // one logical writer per store
	notifier *notify.Notifier
	logger   zerolog.Logger
	now      func() time.Time

	lastStamp int64 // guarded by writeMu
}

// Option configures a Store.
type Option func(*Store)

// WithNotifier publishes change events after every committed write.
func WithNotifier(n *notify.Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the wall clock (for testing).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (and if needed creates) the store at path.
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := path + "?_fk=1&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &Store{
		db:     db,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// write runs fn in a write transaction. fn returns the ids of the tasks it
// changed; a change event is published after commit when it is non-empty.
func (s *Store) write(ctx context.Context, op string, origin notify.Origin, fn func(tx *sql.Tx) ([]string, error)) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op, err)
	}
	defer tx.Rollback()

	changed, err := fn(tx)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error().
			Err(err).
			Str("op", op).
			Msg("failed to commit transaction")
		return storageErr(op, err)
	}

	if s.notifier != nil && len(changed) > 0 {
		s.notifier.Publish(origin, changed...)
	}
	return nil
}

// stamp returns a strictly increasing millisecond timestamp.
// Must be called with writeMu held.
func (s *Store) stamp() time.Time {
	ms := s.now().UnixMilli()
	if ms <= s.lastStamp {
		ms = s.lastStamp + 1
	}
	s.lastStamp = ms
	return time.UnixMilli(ms).UTC()
}

func storageErr(op string, err error) error {
	return &service.LocalStorageError{Op: op, Err: err}
}

const taskColumns = `id, remote_id, title, notes, completed, priority, due_at, subtasks,
	created_at, completed_at, updated_at, local_rev, remote_rev, deleted, sync_error`

type rowScanner interface {
	Scan(dest ...any) error
}

type storedSubtask struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
	CreatedAt int64  `json:"created_at"`
}

func scanTask(sc rowScanner) (service.Task, error) {
	var (
		t                    service.Task
		priority, subtasks   string
		completed, deleted   bool
		dueAt, completedAt   sql.NullInt64
		createdAt, updatedAt int64
	)
	err := sc.Scan(
		&t.ID,
		&t.RemoteID,
		&t.Title,
		&t.Notes,
		&completed,
		&priority,
		&dueAt,
		&subtasks,
		&createdAt,
		&completedAt,
		&updatedAt,
		&t.LocalRevision,
		&t.RemoteRevision,
		&deleted,
		&t.SyncError,
	)
	if err != nil {
		return service.Task{}, err
	}

	t.Completed = completed
	t.Deleted = deleted
	t.Priority = service.Priority(priority)
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	t.Due = fromNullMillis(dueAt)
	t.CompletedAt = fromNullMillis(completedAt)

	t.Subtasks, err = decodeSubtasks(subtasks)
	if err != nil {
		return service.Task{}, fmt.Errorf("task %s: %w", t.ID, err)
	}
	return t, nil
}

func encodeSubtasks(subtasks []service.Subtask) (string, error) {
	items := make([]storedSubtask, 0, len(subtasks))
	for _, st := range subtasks {
		items = append(items, storedSubtask{
			ID:        st.ID,
			Title:     st.Title,
			Completed: st.Completed,
			CreatedAt: toMillis(st.CreatedAt),
		})
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeSubtasks(s string) ([]service.Subtask, error) {
	var items []storedSubtask
	if err := json.Unmarshal([]byte(s), &items); err != nil {
		return nil, fmt.Errorf("invalid subtasks column: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}
	out := make([]service.Subtask, 0, len(items))
	for _, it := range items {
		out = append(out, service.Subtask{
			ID:        it.ID,
			Title:     it.Title,
			Completed: it.Completed,
			CreatedAt: fromMillis(it.CreatedAt),
		})
	}
	return out, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func toNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64).UTC()
	return &t
}

// normalize truncates t's timestamps to the stored millisecond precision so
// records compare equal after a round trip through the database.
func normalize(t service.Task) service.Task {
	t = t.Clone()
	t.CreatedAt = t.CreatedAt.Truncate(time.Millisecond)
	t.UpdatedAt = t.UpdatedAt.Truncate(time.Millisecond)
	if t.Due != nil {
		*t.Due = t.Due.Truncate(time.Millisecond)
	}
	if t.CompletedAt != nil {
		*t.CompletedAt = t.CompletedAt.Truncate(time.Millisecond)
	}
	for i := range t.Subtasks {
		t.Subtasks[i].CreatedAt = t.Subtasks[i].CreatedAt.Truncate(time.Millisecond)
	}
	return t
}
