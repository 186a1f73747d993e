// Package service defines the backend-agnostic task model and the remote contract.
package service

import (
	"fmt"
	"strings"
	"time"
)

// Priority is the urgency of a task.
type Priority string

// Priorities, lowest first.
const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Rank returns the sort weight of p. Unknown values rank as MEDIUM.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return 1
	}
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// ParsePriority parses a priority name (case-insensitive, trimmed).
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("invalid priority: %s", s)
	}
	return p, nil
}

// Subtask is a checklist item inside a task.
type Subtask struct {
	ID        string
	Title     string
	Completed bool
	CreatedAt time.Time
}

// Task represents a single task item.
type Task struct {
	// ID is generated locally and never changes.
	ID string

	// RemoteID is the identifier the remote service uses for this task.
	// Empty until the server has acknowledged the task.
	RemoteID string

	Title       string
	Notes       string
	Completed   bool
	Priority    Priority
	Due         *time.Time
	Subtasks    []Subtask
	CreatedAt   time.Time
	CompletedAt *time.Time

	// UpdatedAt is the last-modified time of the most recent edit.
	UpdatedAt time.Time

	// LocalRevision increases with every local edit and is never reset.
	LocalRevision int64

	// RemoteRevision is the opaque token last seen from the server.
	RemoteRevision string

	Deleted bool

	// SyncError is set when the server permanently rejected a mutation.
	SyncError string
}

// Synced reports whether the server has ever acknowledged the task.
func (t Task) Synced() bool {
	return t.RemoteRevision != ""
}

// Clone returns a deep copy of t.
func (t Task) Clone() Task {
	c := t
	if t.Due != nil {
		due := *t.Due
		c.Due = &due
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	if t.Subtasks != nil {
		c.Subtasks = make([]Subtask, len(t.Subtasks))
		copy(c.Subtasks, t.Subtasks)
	}
	return c
}

// StatusFilter selects tasks by completion.
type StatusFilter string

// Status filters.
const (
	FilterAll       StatusFilter = "all"
	FilterOpen      StatusFilter = "open"
	FilterCompleted StatusFilter = "completed"
)

// Filter narrows a task listing.
type Filter struct {
	Status         StatusFilter
	IncludeDeleted bool
	SyncErrorsOnly bool
	Limit          int
	Offset         int
}

// Stats holds task counts.
type Stats struct {
	Total      int
	Open       int
	Completed  int
	Pending    int
	SyncErrors int
}
