package engine

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tasksync/internal/notify"
	"tasksync/internal/service"
	"tasksync/internal/store"
	"tasksync/internal/testutil"
)

func newTestStore(t *testing.T, opts ...store.Option) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "tasks.db"), opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Interval = 0
	return cfg
}

func mustUpsert(t *testing.T, s *store.Store, task service.Task) service.Task {
	t.Helper()
	stored, err := s.Upsert(context.Background(), task)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	return stored
}

func mustSync(t *testing.T, e *Engine) Result {
	t.Helper()
	res, err := e.SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	return res
}

func pendingFor(t *testing.T, s *store.Store, taskID string) []service.PendingMutation {
	t.Helper()
	all, err := s.ListPending(context.Background())
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	var out []service.PendingMutation
	for _, m := range all {
		if m.TaskID == taskID {
			out = append(out, m)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func status(t *testing.T, e *Engine) Status {
	t.Helper()
	st, err := e.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	return st
}

func TestSyncCreatesRemoteTask(t *testing.T) {
	s := newTestStore(t)
	remote := testutil.NewFakeRemote()
	e := New(s, remote, testConfig())

	task := mustUpsert(t, s, service.Task{Title: "Buy milk"})
	if got := pendingFor(t, s, task.ID); len(got) != 1 || got[0].Kind != service.MutationCreate {
		t.Fatalf("expected one queued create, got %+v", got)
	}

	res := mustSync(t, e)
	if res.Pushed != 1 {
		t.Errorf("Pushed = %d, want 1", res.Pushed)
	}

	if got := pendingFor(t, s, task.ID); len(got) != 0 {
		t.Errorf("expected empty queue, got %d entries", len(got))
	}
	synced, err := s.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if synced.RemoteRevision == "" {
		t.Error("expected a remote revision after sync")
	}
	if rt, ok := remote.Task(task.ID); !ok || rt.Title != "Buy milk" {
		t.Errorf("remote copy = %+v, %v", rt, ok)
	}
	if key := remote.Pushes()[0].IdempotencyKey; key != task.ID {
		t.Errorf("IdempotencyKey = %q, want task id", key)
	}
}

func TestPullSameCursorTwice(t *testing.T) {
	s := newTestStore(t)
	remote := testutil.NewFakeRemote()
	remote.Put(service.Task{ID: "r1", Title: "from server", Priority: service.PriorityLow})
	remote.Put(service.Task{ID: "r2", Title: "also from server"})
	e := New(s, remote, testConfig())
	ctx := context.Background()

	first := mustSync(t, e)
	if first.Merge.Inserted != 2 {
		t.Fatalf("Inserted = %d, want 2", first.Merge.Inserted)
	}
	cursor, _ := s.Cursor(ctx)
	before, _ := s.List(ctx, service.Filter{Status: service.FilterAll})

	second := mustSync(t, e)
	if second.Merge.Changed() {
		t.Errorf("second pull changed tasks: %+v", second.Merge)
	}

	pulls := remote.Pulls()
	if len(pulls) != 2 || pulls[1] != cursor {
		t.Errorf("pulls = %v, want second pull from %q", pulls, cursor)
	}
	if after, _ := s.Cursor(ctx); after != cursor {
		t.Errorf("cursor moved from %q to %q", cursor, after)
	}
	after, _ := s.List(ctx, service.Filter{Status: service.FilterAll})
	if len(after) != len(before) {
		t.Fatalf("task count changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i].UpdatedAt != after[i].UpdatedAt || before[i].RemoteRevision != after[i].RemoteRevision {
			t.Errorf("task %s changed on repeated pull", before[i].ID)
		}
	}
}

func TestPullFollowsPages(t *testing.T) {
	s := newTestStore(t)
	remote := testutil.NewFakeRemote()
	remote.PageSize = 2
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		remote.Put(service.Task{ID: id, Title: "task " + id})
	}
	e := New(s, remote, testConfig())

	res := mustSync(t, e)
	if res.Pages != 3 || res.Merge.Inserted != 5 {
		t.Errorf("got %d pages, %d inserted; want 3, 5", res.Pages, res.Merge.Inserted)
	}
}

func TestPreconditionFailedRequeuesOnce(t *testing.T) {
	s := newTestStore(t)
	remote := testutil.NewFakeRemote()
	e := New(s, remote, testConfig())
	ctx := context.Background()

	task := mustUpsert(t, s, service.Task{Title: "Buy milk"})
	mustSync(t, e)
	before := len(remote.Pushes())

	task, _ = s.Get(ctx, task.ID)
	task.Title = "Buy oat milk"
	mustUpsert(t, s, task)

	var (
		calls         int
		concurrentRev string
		queuedOnRetry int
	)
	remote.OnPush = func(req service.PushRequest) error {
		calls++
		switch calls {
		case 1:
			// Another client edits the task before our push lands.
			other := remote.Put(service.Task{ID: task.ID, Title: "Buy soy milk"})
			concurrentRev = other.RemoteRevision
		case 2:
			queuedOnRetry = len(pendingFor(t, s, task.ID))
		}
		return nil
	}

	res := mustSync(t, e)

	if remote.Fetches() != 1 {
		t.Errorf("Fetches = %d, want 1", remote.Fetches())
	}
	if res.Requeued != 1 {
		t.Errorf("Requeued = %d, want 1", res.Requeued)
	}
	if queuedOnRetry != 1 {
		t.Errorf("expected exactly one mutation for the task on retry, got %d", queuedOnRetry)
	}

	pushes := remote.Pushes()[before:]
	if len(pushes) != 2 {
		t.Fatalf("expected 2 pushes for the edit, got %d", len(pushes))
	}
	if pushes[1].BaseRevision != concurrentRev {
		t.Errorf("retry BaseRevision = %q, want refreshed %q", pushes[1].BaseRevision, concurrentRev)
	}

	rt, _ := remote.Task(task.ID)
	if rt.Title != "Buy oat milk" {
		t.Errorf("remote title = %q, local edit should win", rt.Title)
	}
	local, _ := s.Get(ctx, task.ID)
	if local.RemoteRevision != rt.RemoteRevision {
		t.Errorf("local revision %q, remote %q", local.RemoteRevision, rt.RemoteRevision)
	}
	if st := status(t, e); st.Conflicts != 1 || st.PendingCount != 0 {
		t.Errorf("status = %+v", st)
	}
}

func TestConflictOnPullKeepsLocalEdit(t *testing.T) {
	s := newTestStore(t)
	remote := testutil.NewFakeRemote()
	e := New(s, remote, testConfig())
	ctx := context.Background()

	task := mustUpsert(t, s, service.Task{Title: "Buy milk"})
	mustSync(t, e)

	task, _ = s.Get(ctx, task.ID)
	task.Title = "Buy oat milk"
	mustUpsert(t, s, task)
	concurrent := remote.Put(service.Task{ID: task.ID, Title: "Buy soy milk"})

	res := mustSync(t, e)
	if res.Merge.Conflicts != 1 {
		t.Errorf("Conflicts = %d, want 1", res.Merge.Conflicts)
	}

	pushes := remote.Pushes()
	last := pushes[len(pushes)-1]
	if last.BaseRevision != concurrent.RemoteRevision {
		t.Errorf("push BaseRevision = %q, want %q", last.BaseRevision, concurrent.RemoteRevision)
	}
	if rt, _ := remote.Task(task.ID); rt.Title != "Buy oat milk" {
		t.Errorf("remote title = %q", rt.Title)
	}
}

func TestTransientFailureKeepsMutation(t *testing.T) {
	s := newTestStore(t)
	remote := testutil.NewFakeRemote()
	remote.FailPushes(testutil.Transient("push"))
	e := New(s, remote, testConfig())

	task := mustUpsert(t, s, service.Task{Title: "Buy milk"})

	_, err := e.SyncOnce(context.Background())
	if !service.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}

	queued := pendingFor(t, s, task.ID)
	if len(queued) != 1 || queued[0].InFlight || queued[0].Attempts != 1 {
		t.Fatalf("unexpected queue after transient failure: %+v", queued)
	}
	st := status(t, e)
	if st.ConsecutiveFailures != 1 || st.LastError == "" || st.State != StateIdle {
		t.Errorf("status = %+v", st)
	}

	mustSync(t, e)
	st = status(t, e)
	if st.ConsecutiveFailures != 0 || st.LastError != "" || st.PendingCount != 0 || st.LastSuccess.IsZero() {
		t.Errorf("status after recovery = %+v", st)
	}
}

func TestTransientFailureReleasesRestOfBatch(t *testing.T) {
	s := newTestStore(t)
	remote := testutil.NewFakeRemote()
	remote.FailPushes(testutil.Transient("push"))
	e := New(s, remote, testConfig())

	for _, title := range []string{"one", "two", "three"} {
		mustUpsert(t, s, service.Task{Title: title})
	}

	if _, err := e.SyncOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if got := len(remote.Pushes()); got != 1 {
		t.Errorf("pushes = %d, want 1", got)
	}

	all, _ := s.ListPending(context.Background())
	if len(all) != 3 {
		t.Fatalf("expected 3 queued, got %d", len(all))
	}
	for _, m := range all {
		if m.InFlight {
			t.Errorf("mutation %d left in flight", m.ID)
		}
	}
}

func TestPermanentRejectionFlagsTask(t *testing.T) {
	s := newTestStore(t)
	remote := testutil.NewFakeRemote()
	remote.FailPushes(testutil.Permanent("push", http.StatusUnprocessableEntity))
	e := New(s, remote, testConfig())

	task := mustUpsert(t, s, service.Task{Title: "Buy milk"})

	res := mustSync(t, e)
	if res.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", res.Rejected)
	}
	if got := pendingFor(t, s, task.ID); len(got) != 0 {
		t.Errorf("rejected mutation still queued: %+v", got)
	}
	flagged, _ := s.Get(context.Background(), task.ID)
	if flagged.SyncError == "" {
		t.Error("expected sync error on task")
	}

	mustSync(t, e)
	if got := len(remote.Pushes()); got != 1 {
		t.Errorf("rejected mutation was retried: %d pushes", got)
	}
}

func TestMaxAttemptsGivesUp(t *testing.T) {
	s := newTestStore(t)
	remote := testutil.NewFakeRemote()
	remote.FailPushes(testutil.Transient("push"), testutil.Transient("push"))
	cfg := testConfig()
	cfg.MaxAttempts = 2
	e := New(s, remote, cfg)

	task := mustUpsert(t, s, service.Task{Title: "Buy milk"})

	if _, err := e.SyncOnce(context.Background()); !service.IsTransient(err) {
		t.Fatalf("first cycle: expected transient error, got %v", err)
	}
	mustSync(t, e)

	if got := pendingFor(t, s, task.ID); len(got) != 0 {
		t.Errorf("expected mutation dropped, got %+v", got)
	}
	flagged, _ := s.Get(context.Background(), task.ID)
	if !strings.Contains(flagged.SyncError, "gave up") {
		t.Errorf("SyncError = %q", flagged.SyncError)
	}
}

func TestCancellationReleasesBatch(t *testing.T) {
	s := newTestStore(t)
	remote := testutil.NewFakeRemote()
	e := New(s, remote, testConfig())

	for _, title := range []string{"one", "two", "three"} {
		mustUpsert(t, s, service.Task{Title: title})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	remote.OnPush = func(service.PushRequest) error {
		cancel()
		return nil
	}

	_, err := e.SyncOnce(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := len(remote.Pushes()); got != 1 {
		t.Errorf("pushes = %d, want the in-flight one to complete", got)
	}
	if remote.Len() != 1 {
		t.Errorf("remote has %d tasks, want 1", remote.Len())
	}

	all, _ := s.ListPending(context.Background())
	if len(all) != 2 {
		t.Fatalf("expected 2 queued, got %d", len(all))
	}
	for _, m := range all {
		if m.InFlight {
			t.Errorf("mutation %d left in flight", m.ID)
		}
	}
	if st := status(t, e); st.ConsecutiveFailures != 0 {
		t.Errorf("cancellation counted as failure: %+v", st)
	}
}

func TestDeleteOfRemotelyDeletedTask(t *testing.T) {
	s := newTestStore(t)
	remote := testutil.NewFakeRemote()
	e := New(s, remote, testConfig())
	ctx := context.Background()

	task := mustUpsert(t, s, service.Task{Title: "Buy milk"})
	mustSync(t, e)

	remote.Put(service.Task{ID: task.ID, Title: "Buy milk", Deleted: true})
	if err := s.SoftDelete(ctx, task.ID); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	mustSync(t, e)

	if _, err := s.Get(ctx, task.ID); !service.IsNotFound(err) {
		t.Errorf("expected task purged, got %v", err)
	}
	if got := pendingFor(t, s, task.ID); len(got) != 0 {
		t.Errorf("expected empty queue, got %+v", got)
	}
}

func TestResumesInterruptedPush(t *testing.T) {
	s := newTestStore(t)
	remote := testutil.NewFakeRemote()
	ctx := context.Background()

	task := mustUpsert(t, s, service.Task{Title: "Buy milk"})
	// A previous process marked the entry in flight and died.
	if _, err := s.NextPendingBatch(ctx, 10); err != nil {
		t.Fatalf("NextPendingBatch: %v", err)
	}

	e := New(s, remote, testConfig())
	mustSync(t, e)

	if _, ok := remote.Task(task.ID); !ok {
		t.Error("interrupted mutation was not pushed")
	}
	if got := pendingFor(t, s, task.ID); len(got) != 0 {
		t.Errorf("expected empty queue, got %+v", got)
	}
}

func TestResyncRefetchesEverything(t *testing.T) {
	s := newTestStore(t)
	remote := testutil.NewFakeRemote()
	remote.Put(service.Task{ID: "r1", Title: "from server"})
	e := New(s, remote, testConfig())

	mustSync(t, e)
	res, err := e.Resync(context.Background())
	if err != nil {
		t.Fatalf("Resync: %v", err)
	}

	pulls := remote.Pulls()
	if pulls[len(pulls)-1] != "" {
		t.Errorf("resync pulled from %q, want empty cursor", pulls[len(pulls)-1])
	}
	if res.Merge.Skipped != 1 || res.Merge.Changed() {
		t.Errorf("resync merge = %+v", res.Merge)
	}
}

func TestRunCoalescesTriggers(t *testing.T) {
	s := newTestStore(t)
	remote := testutil.NewFakeRemote()
	e := New(s, remote, testConfig())

	mustUpsert(t, s, service.Task{Title: "Buy milk"})

	entered := make(chan struct{})
	release := make(chan struct{})
	first := true
	remote.OnPush = func(service.PushRequest) error {
		if first {
			first = false
			close(entered)
			<-release
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	<-entered
	if st := status(t, e); st.State != StatePushing {
		t.Errorf("state = %s, want pushing", st.State)
	}
	for range 5 {
		e.SyncNow()
	}
	close(release)

	waitFor(t, "follow-up cycle", func() bool { return len(remote.Pulls()) == 2 })
	time.Sleep(50 * time.Millisecond)
	if got := len(remote.Pulls()); got != 2 {
		t.Errorf("expected one follow-up cycle, got %d cycles", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestRunPushesOnLocalChange(t *testing.T) {
	n := notify.New()
	s := newTestStore(t, store.WithNotifier(n))
	remote := testutil.NewFakeRemote()
	e := New(s, remote, testConfig(), WithNotifier(n))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	waitFor(t, "initial cycle", func() bool { return len(remote.Pulls()) >= 1 })
	mustUpsert(t, s, service.Task{Title: "Buy milk"})
	waitFor(t, "push", func() bool { return remote.Len() == 1 })

	cancel()
	<-done
}

func TestConnectivityRestoredEndsBackoff(t *testing.T) {
	s := newTestStore(t)
	remote := testutil.NewFakeRemote()
	remote.SetPullErr(testutil.Transient("pull"))
	cfg := testConfig()
	cfg.BackoffBase = time.Hour
	cfg.BackoffMax = 2 * time.Hour
	e := New(s, remote, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	waitFor(t, "backoff", func() bool { return status(t, e).State == StateBackoff })
	st := status(t, e)
	if st.ConsecutiveFailures != 1 || st.NextRetry.IsZero() {
		t.Errorf("backoff status = %+v", st)
	}

	// Triggers during backoff do not start a cycle.
	e.SyncNow()
	time.Sleep(20 * time.Millisecond)
	if got := len(remote.Pulls()); got != 1 {
		t.Errorf("cycle ran during backoff: %d pulls", got)
	}

	remote.SetPullErr(nil)
	e.ConnectivityRestored()
	waitFor(t, "recovery", func() bool {
		st := status(t, e)
		return st.State == StateIdle && st.ConsecutiveFailures == 0 && !st.LastSuccess.IsZero()
	})

	cancel()
	<-done
}

func TestBackoffDelay(t *testing.T) {
	base, limit := time.Second, 10*time.Second
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{64, 10 * time.Second},
	}

	for _, tt := range tests {
		if got := backoffDelay(base, limit, tt.failures); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateIdle:    "idle",
		StatePulling: "pulling",
		StatePushing: "pushing",
		StateBackoff: "backoff",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
