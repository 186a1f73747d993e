package service

import "time"

// MutationKind tags a pending mutation.
type MutationKind string

// Mutation kinds.
const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

func (k MutationKind) precedence() int {
	switch k {
	case MutationDelete:
		return 2
	case MutationUpdate:
		return 1
	default:
		return 0
	}
}

// Valid reports whether k is a known kind.
func (k MutationKind) Valid() bool {
	switch k {
	case MutationCreate, MutationUpdate, MutationDelete:
		return true
	}
	return false
}

// CollapseKind returns the kind of a queued entry after folding next into
// existing. Precedence is delete > update > create, except that a task the
// server has never acknowledged stays a create.
func CollapseKind(existing, next MutationKind, synced bool) MutationKind {
	k := existing
	if next.precedence() > existing.precedence() {
		k = next
	}
	if k == MutationUpdate && !synced {
		return MutationCreate
	}
	return k
}

// PendingMutation is a local edit not yet acknowledged by the remote service.
type PendingMutation struct {
	ID         int64
	TaskID     string
	Kind       MutationKind
	Payload    []byte // codec-encoded task snapshot
	EnqueuedAt time.Time
	Attempts   int
	InFlight   bool
	LastError  string
}

// OutcomeKind classifies the result of pushing one mutation.
type OutcomeKind int

// Outcome kinds.
const (
	OutcomeSuccess OutcomeKind = iota
	OutcomePermanent
	OutcomeTransient
	OutcomeConflict
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomePermanent:
		return "permanent"
	case OutcomeTransient:
		return "transient"
	case OutcomeConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Outcome is passed to the store when a mutation is resolved.
type Outcome struct {
	Kind OutcomeKind

	// Remote is the canonical task returned by the server on success.
	// Nil when the server returned nothing usable (e.g. a delete).
	Remote *RemoteTask

	// Err describes the failure for non-success outcomes.
	Err error
}
