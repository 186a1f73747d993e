package engine

import (
	"context"
	"errors"
	"fmt"

	"tasksync/internal/codec"
	"tasksync/internal/service"
)

// errTaskGone is recorded when a pushed task no longer exists remotely.
var errTaskGone = errors.New("task no longer exists on the server")

// cycle pulls then pushes. ctx is only checked between pages and between
// mutations; remote and store calls run to completion so an in-flight
// mutation is always resolved or released.
func (e *Engine) cycle(ctx context.Context, reset bool) (Result, error) {
	var res Result
	bg := context.WithoutCancel(ctx)

	if reset {
		if err := e.store.ResetCursor(bg); err != nil {
			return res, err
		}
		e.logger.Info().Msg("sync cursor reset, refetching all remote tasks")
	}

	e.setState(StatePulling)
	if err := e.pull(ctx, bg, &res); err != nil {
		return res, err
	}

	e.setState(StatePushing)
	if err := e.push(ctx, bg, &res); err != nil {
		return res, err
	}
	return res, nil
}

func (e *Engine) pull(ctx, bg context.Context, res *Result) error {
	cursor, err := e.store.Cursor(bg)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := e.remote.Pull(bg, cursor)
		if err != nil {
			return err
		}
		merged, err := e.store.ApplyRemoteSnapshot(bg, page.Tasks, page.NextCursor)
		if err != nil {
			return err
		}
		res.Pages++
		res.Merge.Add(merged)

		e.logger.Debug().
			Str("cursor", cursor).
			Str("next_cursor", page.NextCursor).
			Int("tasks", len(page.Tasks)).
			Bool("has_more", page.HasMore).
			Msg("pulled page")

		// A server that does not advance the cursor would loop forever.
		if !page.HasMore || page.NextCursor == "" || page.NextCursor == cursor {
			return nil
		}
		cursor = page.NextCursor
	}
}

func (e *Engine) push(ctx, bg context.Context, res *Result) error {
	for range e.cfg.MaxBatches {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := e.store.NextPendingBatch(bg, e.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		for i, m := range batch {
			if err := ctx.Err(); err != nil {
				e.release(bg, batch[i:])
				return err
			}
			if err := e.pushOne(bg, m, res); err != nil {
				e.release(bg, batch[i+1:])
				return err
			}
		}
	}

	e.logger.Debug().Int("batches", e.cfg.MaxBatches).Msg("batch limit reached")
	return nil
}

// pushOne sends one mutation and resolves it. A returned error stops the
// cycle; the mutation itself has already been resolved or released.
func (e *Engine) pushOne(ctx context.Context, m service.PendingMutation, res *Result) error {
	req, err := e.request(ctx, m)
	if err != nil {
		var lse *service.LocalStorageError
		if errors.As(err, &lse) {
			e.release(ctx, []service.PendingMutation{m})
			return err
		}
		res.Rejected++
		return e.resolve(ctx, m, service.Outcome{Kind: service.OutcomePermanent, Err: err})
	}

	log := e.logger.With().
		Int64("mutation_id", m.ID).
		Str("task_id", m.TaskID).
		Str("kind", string(req.Kind)).
		Int("attempt", m.Attempts+1).
		Logger()

	rt, err := e.remote.Push(ctx, req)
	switch {
	case err == nil:
		log.Debug().Str("remote_rev", rt.Task.RemoteRevision).Msg("pushed mutation")
		res.Pushed++
		return e.resolveSuccess(ctx, m, rt)

	case req.Kind == service.MutationDelete && service.IsNotFound(err):
		log.Debug().Msg("delete of a task the server no longer has")
		res.Pushed++
		return e.resolve(ctx, m, service.Outcome{Kind: service.OutcomeSuccess})

	case service.IsConflict(err):
		log.Info().Err(err).Msg("push precondition failed, refetching task")
		return e.resolveConflict(ctx, m, req, err, res)

	case service.IsTransient(err):
		if e.exhausted(m) {
			log.Warn().Err(err).Msg("giving up on mutation")
			res.Rejected++
			return e.resolve(ctx, m, service.Outcome{Kind: service.OutcomePermanent, Err: giveUp(m, err)})
		}
		if rerr := e.resolve(ctx, m, service.Outcome{Kind: service.OutcomeTransient, Err: err}); rerr != nil {
			return rerr
		}
		return err

	default:
		log.Warn().Err(err).Msg("mutation rejected")
		res.Rejected++
		return e.resolve(ctx, m, service.Outcome{Kind: service.OutcomePermanent, Err: err})
	}
}

// resolveConflict refetches the task, merges it under the usual conflict
// policy so the pending edit adopts the latest revision, and requeues the
// mutation.
func (e *Engine) resolveConflict(ctx context.Context, m service.PendingMutation, req service.PushRequest, cause error, res *Result) error {
	current, err := e.remote.Fetch(ctx, req.Task)
	switch {
	case err == nil:
	case service.IsNotFound(err):
		if req.Kind == service.MutationDelete {
			res.Pushed++
			return e.resolve(ctx, m, service.Outcome{Kind: service.OutcomeSuccess})
		}
		res.Rejected++
		return e.resolve(ctx, m, service.Outcome{Kind: service.OutcomePermanent, Err: errTaskGone})
	case service.IsTransient(err):
		if rerr := e.resolve(ctx, m, service.Outcome{Kind: service.OutcomeTransient, Err: err}); rerr != nil {
			return rerr
		}
		return err
	default:
		res.Rejected++
		return e.resolve(ctx, m, service.Outcome{Kind: service.OutcomePermanent, Err: err})
	}

	if _, err := e.store.MergeRemote(ctx, current); err != nil {
		e.release(ctx, []service.PendingMutation{m})
		return err
	}

	if e.exhausted(m) {
		res.Rejected++
		return e.resolve(ctx, m, service.Outcome{Kind: service.OutcomePermanent, Err: giveUp(m, cause)})
	}
	res.Requeued++
	return e.resolve(ctx, m, service.Outcome{Kind: service.OutcomeConflict, Err: cause})
}

// request builds the push request for m. The payload is the task snapshot
// taken at enqueue time; identity and revision come from the current row,
// which may have adopted a newer revision since.
func (e *Engine) request(ctx context.Context, m service.PendingMutation) (service.PushRequest, error) {
	current, err := e.store.Get(ctx, m.TaskID)
	if err != nil && !service.IsNotFound(err) {
		return service.PushRequest{}, err
	}

	task, err := codec.Decode(m.Payload, current)
	if err != nil {
		return service.PushRequest{}, fmt.Errorf("mutation %d has a corrupt payload: %w", m.ID, err)
	}
	task.ID = m.TaskID
	task.RemoteID = current.RemoteID
	task.RemoteRevision = current.RemoteRevision

	kind := m.Kind
	switch {
	case kind == service.MutationCreate && current.Synced():
		// The create reached the server but its reply was lost.
		kind = service.MutationUpdate
	case kind == service.MutationDelete:
		task.Deleted = true
	}

	return service.PushRequest{
		Kind:           kind,
		Task:           task,
		BaseRevision:   task.RemoteRevision,
		IdempotencyKey: task.ID,
	}, nil
}

func (e *Engine) resolveSuccess(ctx context.Context, m service.PendingMutation, rt service.RemoteTask) error {
	out := service.Outcome{Kind: service.OutcomeSuccess}
	if rt.Present != 0 {
		out.Remote = &rt
	}
	return e.resolve(ctx, m, out)
}

func (e *Engine) resolve(ctx context.Context, m service.PendingMutation, out service.Outcome) error {
	if err := e.store.MarkMutationResolved(ctx, m.ID, out); err != nil {
		return fmt.Errorf("failed to resolve mutation %d: %w", m.ID, err)
	}
	return nil
}

// release returns unsent mutations to the queue. Failure is logged only:
// the entries are recovered on the next start.
func (e *Engine) release(ctx context.Context, batch []service.PendingMutation) {
	if len(batch) == 0 {
		return
	}
	ids := make([]int64, len(batch))
	for i, m := range batch {
		ids[i] = m.ID
	}
	if err := e.store.ReleaseMutations(ctx, ids); err != nil {
		e.logger.Error().Err(err).Int("count", len(ids)).Msg("failed to release mutations")
	}
}

func (e *Engine) exhausted(m service.PendingMutation) bool {
	return e.cfg.MaxAttempts > 0 && m.Attempts+1 >= e.cfg.MaxAttempts
}

func giveUp(m service.PendingMutation, err error) error {
	return fmt.Errorf("gave up after %d attempts: %w", m.Attempts+1, err)
}
