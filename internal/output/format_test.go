package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"tasksync/internal/engine"
	"tasksync/internal/service"
	"tasksync/internal/store"
	"tasksync/internal/testutil"
)

func TestFormatTaskList(t *testing.T) {
	due := time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)
	open := []service.Task{
		{Title: "Buy milk", Priority: service.PriorityMedium},
		{Title: "File taxes", Priority: service.PriorityUrgent, Due: &due},
		{Title: "Plan trip", Priority: service.PriorityLow, Subtasks: []service.Subtask{
			{Title: "Book hotel", Completed: true},
			{Title: "Rent car"},
		}},
		{Title: "   ", Priority: service.PriorityMedium},
	}
	completed := []service.Task{
		{Title: "Line one\nline two", Completed: true, Priority: service.PriorityMedium, SyncError: "HTTP 422"},
	}

	var buf bytes.Buffer
	for i, task := range open {
		FormatTask(&buf, i+1, task)
	}
	FormatSectionHeader(&buf, "Completed", len(completed))
	for i, task := range completed {
		FormatTask(&buf, len(open)+i+1, task)
	}

	testutil.Golden(t, "task_list", buf.Bytes())
}

func TestFormatStatus(t *testing.T) {
	st := engine.Status{
		State:               engine.StateBackoff,
		LastError:           "remote pull: offline",
		PendingCount:        2,
		ConsecutiveFailures: 3,
		LastSuccess:         time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC),
		NextRetry:           time.Date(2026, 10, 19, 8, 31, 4, 0, time.UTC),
		Conflicts:           1,
	}
	stats := service.Stats{Total: 5, Open: 3, Completed: 2, Pending: 2, SyncErrors: 1}

	var buf bytes.Buffer
	FormatStatus(&buf, "rest", st, stats)
	testutil.Golden(t, "status_backoff", buf.Bytes())
}

func TestFormatStatusNeverSynced(t *testing.T) {
	var buf bytes.Buffer
	FormatStatus(&buf, "none", engine.Status{}, service.Stats{})

	want := "Backend:     none\n" +
		"State:       idle\n" +
		"Tasks:       0 (0 open, 0 completed)\n" +
		"Pending:     0\n" +
		"Last sync:   never\n"
	if got := buf.String(); got != want {
		t.Errorf("FormatStatus:\nwant:\n%s\ngot:\n%s", want, got)
	}
}

func TestFormatResult(t *testing.T) {
	tests := []struct {
		name string
		res  engine.Result
		want string
	}{
		{
			name: "nothing to do",
			want: "Pulled 0 new, 0 updated, 0 removed; pushed 0\n",
		},
		{
			name: "rejections and conflicts",
			res: engine.Result{
				Merge:    store.MergeResult{Inserted: 2, Updated: 1, Conflicts: 1},
				Pushed:   3,
				Rejected: 1,
				Requeued: 1,
			},
			want: "Pulled 2 new, 1 updated, 0 removed; pushed 3, 1 rejected, 2 conflicts\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			FormatResult(&buf, tt.res)
			if got := buf.String(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatTaskDetail(t *testing.T) {
	created := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	task := service.Task{
		ID:             "a1b2",
		Title:          "Renew passport",
		Notes:          "Bring photos\nand old passport",
		Priority:       service.PriorityHigh,
		CreatedAt:      created,
		UpdatedAt:      created,
		RemoteRevision: "7",
	}

	var buf bytes.Buffer
	FormatTaskDetail(&buf, task)
	got := buf.String()

	for _, want := range []string{
		"ID:        a1b2\n",
		"Notes:     Bring photos\n           and old passport\n",
		"Priority:  high\n",
		"Status:    open\n",
		"Sync:      synced (revision 7)\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("detail output missing %q:\n%s", want, got)
		}
	}
}

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Normal title", "Normal title"},
		{"", "(untitled)"},
		{"   ", "(untitled)"},
		{"Line1\nLine2", "Line1 Line2"},
		{"Line1\r\nLine2", "Line1  Line2"},
	}

	for _, tt := range tests {
		if got := normalizeTitle(tt.input); got != tt.want {
			t.Errorf("normalizeTitle(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input   string
		want    Format
		wantErr bool
	}{
		{"", FormatText, false},
		{"text", FormatText, false},
		{"JSON", FormatJSON, false},
		{"yaml", FormatYAML, false},
		{"yml", FormatYAML, false},
		{"xml", "", true},
	}

	for _, tt := range tests {
		got, err := ParseFormat(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestEncodeTasks(t *testing.T) {
	due := time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)
	tasks := []service.Task{{
		ID:       "t1",
		Title:    "Buy milk",
		Priority: service.PriorityHigh,
		Due:      &due,
		Subtasks: []service.Subtask{{ID: "s1", Title: "Oat milk"}},
	}}

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		if err := Encode(&buf, FormatJSON, NewTaskViews(tasks)); err != nil {
			t.Fatalf("Encode: %v", err)
		}
		var got []map[string]any
		if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
			t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
		}
		if len(got) != 1 || got[0]["priority"] != "high" || got[0]["due"] != "2026-10-20" || got[0]["synced"] != false {
			t.Errorf("unexpected JSON: %s", buf.String())
		}
		if _, ok := got[0]["sync_error"]; ok {
			t.Error("empty sync_error should be omitted")
		}
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		if err := Encode(&buf, FormatYAML, NewTaskViews(tasks)); err != nil {
			t.Fatalf("Encode: %v", err)
		}
		var got []TaskView
		if err := yaml.Unmarshal(buf.Bytes(), &got); err != nil {
			t.Fatalf("output is not YAML: %v\n%s", err, buf.String())
		}
		if len(got) != 1 || got[0].Title != "Buy milk" || len(got[0].Subtasks) != 1 {
			t.Errorf("unexpected YAML:\n%s", buf.String())
		}
	})

	t.Run("empty list", func(t *testing.T) {
		var buf bytes.Buffer
		if err := Encode(&buf, FormatJSON, NewTaskViews(nil)); err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if got := strings.TrimSpace(buf.String()); got != "[]" {
			t.Errorf("got %q, want []", got)
		}
	})

	t.Run("text is rejected", func(t *testing.T) {
		if err := Encode(&bytes.Buffer{}, FormatText, nil); err == nil {
			t.Error("expected error")
		}
	})
}

func TestNewStatusView(t *testing.T) {
	v := NewStatusView("rest", engine.Status{State: engine.StatePulling, PendingCount: 4}, service.Stats{Total: 9})
	if v.State != "pulling" || v.Pending != 4 || v.Total != 9 {
		t.Errorf("NewStatusView = %+v", v)
	}
	if v.LastSuccess != nil || v.NextRetry != nil {
		t.Error("zero times should be omitted")
	}
}
