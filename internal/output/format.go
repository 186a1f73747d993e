// Package output provides formatters for CLI output.
package output

import (
	"fmt"
	"io"
	"strings"
	"time"

	"tasksync/internal/engine"
	"tasksync/internal/service"
)

const (
	// SectionSeparator is the separator line around section headers.
	SectionSeparator = "------------"

	// DateFormat is used for due dates.
	DateFormat = "2006-01-02"
)

// FormatTask formats a task line.
// Format: "{N:>4}  [ ] {TITLE}{DETAILS}\n" followed by one line per subtask.
func FormatTask(w io.Writer, num int, task service.Task) {
	fmt.Fprintf(w, "%4d  %s %s%s\n", num, checkbox(task.Completed), normalizeTitle(task.Title), details(task))
	for _, st := range task.Subtasks {
		FormatSubtask(w, st)
	}
}

// FormatSubtask formats a subtask line, aligned under its parent's title.
func FormatSubtask(w io.Writer, st service.Subtask) {
	fmt.Fprintf(w, "%10s%s %s\n", "", checkbox(st.Completed), normalizeTitle(st.Title))
}

// FormatSectionHeader formats a section header such as "Completed (3)".
func FormatSectionHeader(w io.Writer, title string, count int) {
	fmt.Fprintln(w, SectionSeparator)
	fmt.Fprintf(w, "%s (%d)\n", title, count)
	fmt.Fprintln(w, SectionSeparator)
}

// FormatTaskDetail formats every user-visible field of a task.
func FormatTaskDetail(w io.Writer, task service.Task) {
	fmt.Fprintf(w, "ID:        %s\n", task.ID)
	fmt.Fprintf(w, "Title:     %s\n", normalizeTitle(task.Title))
	if task.Notes != "" {
		fmt.Fprintf(w, "Notes:     %s\n", strings.ReplaceAll(task.Notes, "\n", "\n           "))
	}
	fmt.Fprintf(w, "Priority:  %s\n", strings.ToLower(string(task.Priority)))
	if task.Due != nil {
		fmt.Fprintf(w, "Due:       %s\n", task.Due.Format(DateFormat))
	}
	status := "open"
	if task.Completed {
		status = "completed"
		if task.CompletedAt != nil {
			status += " " + task.CompletedAt.Format(time.DateTime)
		}
	}
	fmt.Fprintf(w, "Status:    %s\n", status)
	fmt.Fprintf(w, "Created:   %s\n", task.CreatedAt.Format(time.DateTime))
	fmt.Fprintf(w, "Updated:   %s\n", task.UpdatedAt.Format(time.DateTime))
	fmt.Fprintf(w, "Sync:      %s\n", syncState(task))
	for _, st := range task.Subtasks {
		fmt.Fprintf(w, "  %s %s\n", checkbox(st.Completed), normalizeTitle(st.Title))
	}
}

// FormatStatus formats the sync status and task counts.
func FormatStatus(w io.Writer, backend string, st engine.Status, stats service.Stats) {
	fmt.Fprintf(w, "Backend:     %s\n", backend)
	fmt.Fprintf(w, "State:       %s\n", st.State)
	fmt.Fprintf(w, "Tasks:       %d (%d open, %d completed)\n", stats.Total, stats.Open, stats.Completed)
	fmt.Fprintf(w, "Pending:     %d\n", st.PendingCount)
	if stats.SyncErrors > 0 {
		fmt.Fprintf(w, "Sync errors: %d\n", stats.SyncErrors)
	}
	fmt.Fprintf(w, "Last sync:   %s\n", formatTime(st.LastSuccess))
	if st.LastError != "" {
		fmt.Fprintf(w, "Last error:  %s (%d consecutive)\n", st.LastError, st.ConsecutiveFailures)
	}
	if !st.NextRetry.IsZero() {
		fmt.Fprintf(w, "Next retry:  %s\n", formatTime(st.NextRetry))
	}
	if st.Conflicts > 0 {
		fmt.Fprintf(w, "Conflicts:   %d\n", st.Conflicts)
	}
}

// FormatVersion formats the version banner followed by install details.
func FormatVersion(w io.Writer, v VersionView) {
	fmt.Fprintf(w, "tasksync %s\n", v.Version)
	fmt.Fprintf(w, "Go:          %s %s\n", v.GoVersion, v.Platform)
	fmt.Fprintf(w, "Backend:     %s\n", v.Backend)
	if v.ConfigDir != "" {
		fmt.Fprintf(w, "Config dir:  %s\n", v.ConfigDir)
	}
	if v.LoggedIn {
		fmt.Fprintln(w, "Google:      logged in")
	}
}

// FormatResult formats the summary of a sync cycle.
func FormatResult(w io.Writer, res engine.Result) {
	fmt.Fprintf(w, "Pulled %d new, %d updated, %d removed; pushed %d",
		res.Merge.Inserted, res.Merge.Updated, res.Merge.Removed, res.Pushed)
	if res.Rejected > 0 {
		fmt.Fprintf(w, ", %d rejected", res.Rejected)
	}
	if n := res.Merge.Conflicts + res.Requeued; n > 0 {
		fmt.Fprintf(w, ", %d conflicts", n)
	}
	fmt.Fprintln(w)
}

func checkbox(done bool) string {
	if done {
		return "[x]"
	}
	return "[ ]"
}

// details returns the suffix for non-default priority, due date and sync
// error, each preceded by two spaces.
func details(task service.Task) string {
	var b strings.Builder
	if task.Priority != "" && task.Priority != service.PriorityMedium {
		b.WriteString("  !")
		b.WriteString(strings.ToLower(string(task.Priority)))
	}
	if task.Due != nil {
		b.WriteString("  due ")
		b.WriteString(task.Due.Format(DateFormat))
	}
	if task.SyncError != "" {
		b.WriteString("  [sync error: ")
		b.WriteString(normalizeTitle(task.SyncError))
		b.WriteString("]")
	}
	return b.String()
}

func syncState(task service.Task) string {
	switch {
	case task.SyncError != "":
		return "rejected: " + task.SyncError
	case !task.Synced():
		return "not yet synced"
	default:
		return "synced (revision " + task.RemoteRevision + ")"
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.DateTime)
}

// normalizeTitle normalizes a title for single-line display.
// - Empty or whitespace-only titles become "(untitled)"
// - Newlines are replaced with spaces
func normalizeTitle(title string) string {
	title = strings.ReplaceAll(title, "\r", " ")
	title = strings.ReplaceAll(title, "\n", " ")

	if strings.TrimSpace(title) == "" {
		return "(untitled)"
	}
	return title
}
