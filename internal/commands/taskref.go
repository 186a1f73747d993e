package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"tasksync/internal/app"
	"tasksync/internal/service"
)

// TaskRef represents a parsed task reference.
type TaskRef struct {
	Num int    // 1-based number from the task listing, 0 if an id was given
	ID  string // full task id or a unique prefix of one
}

var (
	// ErrTaskRefRequired indicates no task reference was provided.
	ErrTaskRefRequired = errors.New("task reference required")

	// ErrInvalidTaskRef indicates an unparseable task reference.
	ErrInvalidTaskRef = errors.New("invalid task reference")

	// ErrOutOfRange indicates a task number past the end of the listing.
	ErrOutOfRange = errors.New("task number out of range")
)

// minIDPrefix is the shortest id prefix accepted.
const minIDPrefix = 4

// ParseTaskRef parses a task reference from args.
//
// Parsing rules:
// 1. If the first arg is all digits → task number from the listing
// 2. If the first arg is hex digits and dashes, at least four long → id or id prefix
// 3. Otherwise → error: invalid task reference: <ref>
func ParseTaskRef(args []string) (TaskRef, error) {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return TaskRef{}, ErrTaskRefRequired
	}
	arg := strings.TrimSpace(args[0])

	if isAllDigits(arg) {
		num, err := strconv.Atoi(arg)
		if err != nil {
			return TaskRef{}, fmt.Errorf("%w: %s", ErrInvalidTaskRef, arg)
		}
		return TaskRef{Num: num}, nil
	}

	if len(arg) >= minIDPrefix && isIDLike(arg) {
		return TaskRef{ID: strings.ToLower(arg)}, nil
	}

	return TaskRef{}, fmt.Errorf("%w: %s", ErrInvalidTaskRef, arg)
}

// isAllDigits returns true if s consists only of ASCII digits and is non-empty.
func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isIDLike(s string) bool {
	for _, r := range s {
		if r != '-' && !unicode.Is(unicode.ASCII_Hex_Digit, r) {
			return false
		}
	}
	return true
}

// ResolveTask finds the task a reference points at. Numbers count open
// tasks first and then completed ones, matching `list --all`.
func ResolveTask(ctx context.Context, a *app.App, ref TaskRef) (service.Task, error) {
	if ref.ID != "" {
		return a.Resolve(ctx, ref.ID)
	}
	if ref.Num < 1 {
		return service.Task{}, fmt.Errorf("%w: %d", ErrOutOfRange, ref.Num)
	}

	idx := ref.Num - 1
	open, err := a.List(ctx, service.Filter{Status: service.FilterOpen})
	if err != nil {
		return service.Task{}, err
	}
	if idx < len(open) {
		return open[idx], nil
	}
	idx -= len(open)

	done, err := a.List(ctx, service.Filter{Status: service.FilterCompleted, Offset: idx, Limit: 1})
	if err != nil {
		return service.Task{}, err
	}
	if len(done) == 0 {
		return service.Task{}, fmt.Errorf("%w: %d", ErrOutOfRange, ref.Num)
	}
	return done[0], nil
}

// resolveArgs parses and resolves the task reference in args.
func resolveArgs(ctx context.Context, a *app.App, args []string) (service.Task, error) {
	ref, err := ParseTaskRef(args)
	if err != nil {
		return service.Task{}, err
	}
	return ResolveTask(ctx, a, ref)
}
