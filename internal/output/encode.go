package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tasksync/internal/engine"
	"tasksync/internal/service"
)

// Format selects how listings are printed.
type Format string

// Formats.
const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat parses a format name (case-insensitive).
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatText, FormatJSON, FormatYAML:
		return f, nil
	case "":
		return FormatText, nil
	case "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown output format: %s (want text, json or yaml)", s)
	}
}

// Structured reports whether f is a machine-readable format.
func (f Format) Structured() bool {
	return f == FormatJSON || f == FormatYAML
}

// TaskView is the machine-readable form of a task.
type TaskView struct {
	ID          string        `json:"id" yaml:"id"`
	RemoteID    string        `json:"remote_id,omitempty" yaml:"remote_id,omitempty"`
	Title       string        `json:"title" yaml:"title"`
	Notes       string        `json:"notes,omitempty" yaml:"notes,omitempty"`
	Completed   bool          `json:"completed" yaml:"completed"`
	Priority    string        `json:"priority" yaml:"priority"`
	Due         string        `json:"due,omitempty" yaml:"due,omitempty"`
	Subtasks    []SubtaskView `json:"subtasks,omitempty" yaml:"subtasks,omitempty"`
	CreatedAt   time.Time     `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" yaml:"updated_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Synced      bool          `json:"synced" yaml:"synced"`
	SyncError   string        `json:"sync_error,omitempty" yaml:"sync_error,omitempty"`
}

// SubtaskView is the machine-readable form of a subtask.
type SubtaskView struct {
	ID        string `json:"id" yaml:"id"`
	Title     string `json:"title" yaml:"title"`
	Completed bool   `json:"completed" yaml:"completed"`
}

// StatusView is the machine-readable form of the sync status.
type StatusView struct {
	Backend             string     `json:"backend" yaml:"backend"`
	State               string     `json:"state" yaml:"state"`
	Total               int        `json:"total" yaml:"total"`
	Open                int        `json:"open" yaml:"open"`
	Completed           int        `json:"completed" yaml:"completed"`
	Pending             int        `json:"pending" yaml:"pending"`
	SyncErrors          int        `json:"sync_errors" yaml:"sync_errors"`
	LastSuccess         *time.Time `json:"last_success,omitempty" yaml:"last_success,omitempty"`
	LastError           string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures" yaml:"consecutive_failures"`
	NextRetry           *time.Time `json:"next_retry,omitempty" yaml:"next_retry,omitempty"`
	Conflicts           int        `json:"conflicts" yaml:"conflicts"`
}

// VersionView is the machine-readable form of the build and install info.
type VersionView struct {
	Version   string `json:"version" yaml:"version"`
	GoVersion string `json:"go_version" yaml:"go_version"`
	Platform  string `json:"platform" yaml:"platform"`
	Backend   string `json:"backend" yaml:"backend"`
	ConfigDir string `json:"config_dir,omitempty" yaml:"config_dir,omitempty"`
	LoggedIn  bool   `json:"logged_in" yaml:"logged_in"`
}

// NewTaskView converts a task.
func NewTaskView(t service.Task) TaskView {
	v := TaskView{
		ID:          t.ID,
		RemoteID:    t.RemoteID,
		Title:       t.Title,
		Notes:       t.Notes,
		Completed:   t.Completed,
		Priority:    strings.ToLower(string(t.Priority)),
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		CompletedAt: t.CompletedAt,
		Synced:      t.Synced(),
		SyncError:   t.SyncError,
	}
	if t.Due != nil {
		v.Due = t.Due.Format(DateFormat)
	}
	for _, st := range t.Subtasks {
		v.Subtasks = append(v.Subtasks, SubtaskView{ID: st.ID, Title: st.Title, Completed: st.Completed})
	}
	return v
}

// NewTaskViews converts a listing. The result is never nil.
func NewTaskViews(tasks []service.Task) []TaskView {
	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, NewTaskView(t))
	}
	return views
}

// NewStatusView converts the sync status and task counts.
func NewStatusView(backend string, st engine.Status, stats service.Stats) StatusView {
	v := StatusView{
		Backend:             backend,
		State:               st.State.String(),
		Total:               stats.Total,
		Open:                stats.Open,
		Completed:           stats.Completed,
		Pending:             st.PendingCount,
		SyncErrors:          stats.SyncErrors,
		LastError:           st.LastError,
		ConsecutiveFailures: st.ConsecutiveFailures,
		Conflicts:           st.Conflicts,
	}
	if !st.LastSuccess.IsZero() {
		at := st.LastSuccess
		v.LastSuccess = &at
	}
	if !st.NextRetry.IsZero() {
		at := st.NextRetry
		v.NextRetry = &at
	}
	return v
}

// Encode writes v in a structured format.
func Encode(w io.Writer, f Format, v any) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("format %s is not structured", f)
	}
}
