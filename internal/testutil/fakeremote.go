// Package testutil provides testing utilities.
package testutil

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"tasksync/internal/service"
)

// ErrOffline is the cause attached to injected transient failures.
var ErrOffline = errors.New("offline")

// Transient returns an injected transient failure.
func Transient(op string) error {
	return service.NewRemoteError(op, 0, service.ErrTransient, ErrOffline)
}

// Permanent returns an injected permanent rejection with status code.
func Permanent(op string, code int) error {
	return service.NewRemoteError(op, code, service.ErrPermanent, errors.New(http.StatusText(code)))
}

type fakeRecord struct {
	task service.Task
	seq  int64
}

// FakeRemote is an in-memory implementation of service.Remote for testing.
// Revisions and pull cursors are a global change sequence. Deletes leave
// tombstones that are returned by Pull.
type FakeRemote struct {
	mu    sync.Mutex
	tasks map[string]*fakeRecord
	seq   int64

	// PageSize bounds the tasks returned by one Pull (default 100).
	PageSize int

	pullErr  error
	fetchErr error
	pushErrs []error

	// OnPush, if set, runs before a push is applied. A non-nil error is
	// returned instead of applying it.
	OnPush func(req service.PushRequest) error

	pulls   []string
	pushes  []service.PushRequest
	fetches int
}

// NewFakeRemote creates an empty FakeRemote.
func NewFakeRemote() *FakeRemote {
	return &FakeRemote{tasks: make(map[string]*fakeRecord)}
}

// SetPullErr makes every pull fail with err until reset with nil.
func (f *FakeRemote) SetPullErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pullErr = err
}

// SetFetchErr makes every fetch fail with err until reset with nil.
func (f *FakeRemote) SetFetchErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
}

// FailPushes queues errors returned by the next pushes, in order.
func (f *FakeRemote) FailPushes(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushErrs = append(f.pushErrs, errs...)
}

// Put stores t as if another client had written it and returns the stored
// copy.
func (f *FakeRemote) Put(t service.Task) service.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.RemoteID == "" {
		t.RemoteID = t.ID
	}
	return f.commit(t)
}

// Task returns the live remote copy of a task.
func (f *FakeRemote) Task(id string) (service.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.tasks[id]
	if !ok || r.task.Deleted {
		return service.Task{}, false
	}
	return r.task.Clone(), true
}

// Len returns the number of live tasks.
func (f *FakeRemote) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.tasks {
		if !r.task.Deleted {
			n++
		}
	}
	return n
}

// Pushes returns every push request received, including failed ones.
func (f *FakeRemote) Pushes() []service.PushRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]service.PushRequest, len(f.pushes))
	copy(out, f.pushes)
	return out
}

// Pulls returns the cursor of every pull received.
func (f *FakeRemote) Pulls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.pulls))
	copy(out, f.pulls)
	return out
}

// Fetches returns the number of fetch calls.
func (f *FakeRemote) Fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

// commit must be called with mu held. Missing timestamps are set.
func (f *FakeRemote) commit(t service.Task) service.Task {
	f.seq++
	now := time.Now().UTC().Truncate(time.Millisecond)
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	t.RemoteRevision = strconv.FormatInt(f.seq, 10)
	t.LocalRevision = 0
	t.SyncError = ""
	f.tasks[t.ID] = &fakeRecord{task: t.Clone(), seq: f.seq}
	return t
}

func (f *FakeRemote) lookup(t service.Task) (*fakeRecord, bool) {
	if r, ok := f.tasks[t.ID]; ok {
		return r, true
	}
	for _, r := range f.tasks {
		if t.RemoteID != "" && r.task.RemoteID == t.RemoteID {
			return r, true
		}
	}
	return nil, false
}

// Pull implements service.Remote.
func (f *FakeRemote) Pull(ctx context.Context, cursor string) (service.PullPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pulls = append(f.pulls, cursor)
	if f.pullErr != nil {
		return service.PullPage{}, f.pullErr
	}

	var since int64
	if cursor != "" {
		n, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return service.PullPage{}, Permanent("pull", http.StatusBadRequest)
		}
		since = n
	}

	var changed []*fakeRecord
	for _, r := range f.tasks {
		if r.seq > since {
			changed = append(changed, r)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].seq < changed[j].seq })

	limit := f.PageSize
	if limit <= 0 {
		limit = 100
	}
	page := service.PullPage{NextCursor: cursor, HasMore: len(changed) > limit}
	if page.HasMore {
		changed = changed[:limit]
	}
	for _, r := range changed {
		page.Tasks = append(page.Tasks, service.RemoteTask{Task: r.task.Clone(), Present: service.AllFields})
		page.NextCursor = strconv.FormatInt(r.seq, 10)
	}
	return page, nil
}

// Fetch implements service.Remote.
func (f *FakeRemote) Fetch(ctx context.Context, task service.Task) (service.RemoteTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetches++
	if f.fetchErr != nil {
		return service.RemoteTask{}, f.fetchErr
	}
	r, ok := f.lookup(task)
	if !ok || r.task.Deleted {
		return service.RemoteTask{}, service.NewRemoteError("fetch", http.StatusNotFound, service.ErrPermanent, service.ErrNotFound)
	}
	return service.RemoteTask{Task: r.task.Clone(), Present: service.AllFields}, nil
}

// Push implements service.Remote. Creates replayed with the same
// idempotency key apply like updates.
func (f *FakeRemote) Push(ctx context.Context, req service.PushRequest) (service.RemoteTask, error) {
	f.mu.Lock()
	f.pushes = append(f.pushes, req)
	hook := f.OnPush
	var injected error
	if len(f.pushErrs) > 0 {
		injected = f.pushErrs[0]
		f.pushErrs = f.pushErrs[1:]
	}
	f.mu.Unlock()

	if hook != nil {
		if err := hook(req); err != nil {
			return service.RemoteTask{}, err
		}
	}
	if injected != nil {
		return service.RemoteTask{}, injected
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	task := req.Task.Clone()
	r, exists := f.lookup(task)
	live := exists && !r.task.Deleted

	switch req.Kind {
	case service.MutationCreate:
		if live && req.IdempotencyKey != r.task.ID {
			return service.RemoteTask{}, service.NewRemoteError("push", http.StatusConflict, service.ErrConflict, errors.New("task already exists"))
		}
		if live {
			task.CreatedAt = r.task.CreatedAt
		}

	case service.MutationUpdate, service.MutationDelete:
		if !live {
			return service.RemoteTask{}, service.NewRemoteError("push", http.StatusNotFound, service.ErrPermanent, service.ErrNotFound)
		}
		if req.BaseRevision != "" && req.BaseRevision != r.task.RemoteRevision {
			return service.RemoteTask{}, service.NewRemoteError("push", http.StatusPreconditionFailed, service.ErrConflict, errors.New("revision mismatch"))
		}
		if req.Kind == service.MutationDelete {
			task = r.task.Clone()
			task.Deleted = true
		}

	default:
		return service.RemoteTask{}, Permanent("push", http.StatusBadRequest)
	}

	if exists {
		task.ID = r.task.ID
	}
	if task.Title == "" {
		return service.RemoteTask{}, Permanent("push", http.StatusUnprocessableEntity)
	}
	if task.RemoteID == "" {
		task.RemoteID = task.ID
	}
	stored := f.commit(task)
	return service.RemoteTask{Task: stored, Present: service.AllFields}, nil
}
