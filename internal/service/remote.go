package service

import "context"

// FieldSet records which wire fields a remote document carried.
type FieldSet uint32

// Wire fields.
const (
	FieldID FieldSet = 1 << iota
	FieldRemoteID
	FieldTitle
	FieldNotes
	FieldCompleted
	FieldPriority
	FieldDue
	FieldCompletedAt
	FieldSubtasks
	FieldCreatedAt
	FieldUpdatedAt
	FieldDeleted
	FieldRevision

	AllFields = FieldID | FieldRemoteID | FieldTitle | FieldNotes | FieldCompleted |
		FieldPriority | FieldDue | FieldCompletedAt | FieldSubtasks | FieldCreatedAt |
		FieldUpdatedAt | FieldDeleted | FieldRevision
)

// Has reports whether every field in f is present.
func (s FieldSet) Has(f FieldSet) bool { return s&f == f }

// RemoteTask is a task as reported by the server.
type RemoteTask struct {
	Task    Task
	Present FieldSet
}

// Overlay copies the fields present in r onto base. Absent fields keep the
// base value. The local identifier and bookkeeping are never overwritten.
func Overlay(base Task, r RemoteTask) Task {
	out := base.Clone()
	src := r.Task.Clone()
	p := r.Present

	if out.ID == "" && p.Has(FieldID) {
		out.ID = src.ID
	}
	if p.Has(FieldRemoteID) {
		out.RemoteID = src.RemoteID
	}
	if p.Has(FieldTitle) {
		out.Title = src.Title
	}
	if p.Has(FieldNotes) {
		out.Notes = src.Notes
	}
	if p.Has(FieldCompleted) {
		out.Completed = src.Completed
	}
	if p.Has(FieldPriority) && src.Priority.Valid() {
		out.Priority = src.Priority
	}
	if p.Has(FieldDue) {
		out.Due = src.Due
	}
	if p.Has(FieldCompletedAt) {
		out.CompletedAt = src.CompletedAt
	}
	if p.Has(FieldSubtasks) {
		out.Subtasks = src.Subtasks
	}
	if p.Has(FieldCreatedAt) {
		out.CreatedAt = src.CreatedAt
	}
	if p.Has(FieldUpdatedAt) {
		out.UpdatedAt = src.UpdatedAt
	}
	if p.Has(FieldDeleted) {
		out.Deleted = src.Deleted
	}
	if p.Has(FieldRevision) {
		out.RemoteRevision = src.RemoteRevision
	}
	return out
}

// PullPage is one page of remote changes.
type PullPage struct {
	Tasks      []RemoteTask
	NextCursor string
	HasMore    bool
}

// PushRequest carries one mutation to the remote service.
type PushRequest struct {
	Kind MutationKind
	Task Task

	// BaseRevision is the last known remote revision, sent as a precondition.
	// Empty for creates.
	BaseRevision string

	// IdempotencyKey lets the server detect a retried write.
	IdempotencyKey string
}

// Remote defines the interface for remote task service operations.
// The sync engine talks to the server only through this interface.
// Errors are classified with ErrTransient, ErrConflict and ErrPermanent.
type Remote interface {
	// Pull returns tasks changed since cursor. An empty cursor requests
	// everything.
	Pull(ctx context.Context, cursor string) (PullPage, error)

	// Fetch returns the current remote state of one task.
	// Returns an error wrapping ErrNotFound if the server has no such task.
	Fetch(ctx context.Context, task Task) (RemoteTask, error)

	// Push applies a mutation and returns the canonical stored task
	// carrying its new revision token.
	Push(ctx context.Context, req PushRequest) (RemoteTask, error)
}
