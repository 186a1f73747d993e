// Package codec converts tasks to and from the remote wire representation.
//
// Encoding writes every field the remote service knows about; local
// bookkeeping (local revision, in-flight markers, sync errors) never leaves
// the device. Decoding is forward compatible: unknown fields are ignored and
// absent fields are reported through service.RemoteTask.Present so callers
// keep their local value. Only the nullable fields (due, completed_at) are
// cleared by an explicit null.
package codec

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"tasksync/internal/service"
)

//go:embed task.schema.json
var taskSchemaJSON string

var taskSchema = jsonschema.MustCompileString("task.schema.json", taskSchemaJSON)

// ErrMalformed is returned for documents that are not valid task JSON.
var ErrMalformed = errors.New("malformed task document")

type wireSubtask struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
	CreatedAt string `json:"created_at,omitempty"`
}

type wireTask struct {
	ID          string        `json:"id"`
	RemoteID    string        `json:"remote_id,omitempty"`
	Title       string        `json:"title"`
	Notes       string        `json:"notes"`
	Completed   bool          `json:"completed"`
	Priority    string        `json:"priority,omitempty"`
	Due         *string       `json:"due"`
	CompletedAt *string       `json:"completed_at"`
	Subtasks    []wireSubtask `json:"subtasks"`
	CreatedAt   string        `json:"created_at,omitempty"`
	UpdatedAt   string        `json:"updated_at,omitempty"`
	Deleted     bool          `json:"deleted"`
	Revision    string        `json:"revision,omitempty"`
}

type wirePage struct {
	Tasks      []json.RawMessage `json:"tasks"`
	NextCursor string            `json:"next_cursor"`
	HasMore    bool              `json:"has_more"`
}

// Encode serializes a task into its wire document.
func Encode(t service.Task) ([]byte, error) {
	data, err := json.Marshal(toWire(t))
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return data, nil
}

// Decode parses a wire document and overlays it onto base.
func Decode(data []byte, base service.Task) (service.Task, error) {
	rt, err := DecodeRemote(data)
	if err != nil {
		return service.Task{}, err
	}
	return service.Overlay(base, rt), nil
}

// DecodeRemote parses a wire document, recording which fields were present.
func DecodeRemote(data []byte) (service.RemoteTask, error) {
	if err := validate(data); err != nil {
		return service.RemoteTask{}, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return service.RemoteTask{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var rt service.RemoteTask
	for key, raw := range fields {
		if err := decodeField(&rt, key, raw); err != nil {
			return service.RemoteTask{}, fmt.Errorf("%w: field %s: %v", ErrMalformed, key, err)
		}
	}
	return rt, nil
}

// EncodePage serializes a pull page envelope.
func EncodePage(tasks []service.Task, nextCursor string, hasMore bool) ([]byte, error) {
	page := wirePage{
		Tasks:      make([]json.RawMessage, 0, len(tasks)),
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}
	for _, t := range tasks {
		data, err := Encode(t)
		if err != nil {
			return nil, err
		}
		page.Tasks = append(page.Tasks, data)
	}
	return json.Marshal(page)
}

// DecodePage parses a pull page envelope.
func DecodePage(data []byte) (service.PullPage, error) {
	var page wirePage
	if err := json.Unmarshal(data, &page); err != nil {
		return service.PullPage{}, fmt.Errorf("%w: page: %v", ErrMalformed, err)
	}

	out := service.PullPage{
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
		Tasks:      make([]service.RemoteTask, 0, len(page.Tasks)),
	}
	for i, raw := range page.Tasks {
		rt, err := DecodeRemote(raw)
		if err != nil {
			return service.PullPage{}, fmt.Errorf("page item %d: %w", i, err)
		}
		out.Tasks = append(out.Tasks, rt)
	}
	return out, nil
}

func validate(data []byte) error {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := taskSchema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func decodeField(rt *service.RemoteTask, key string, raw json.RawMessage) error {
	t := &rt.Task
	var err error

	switch key {
	case "id":
		err = json.Unmarshal(raw, &t.ID)
		rt.Present |= service.FieldID
	case "remote_id":
		err = json.Unmarshal(raw, &t.RemoteID)
		rt.Present |= service.FieldRemoteID
	case "title":
		err = json.Unmarshal(raw, &t.Title)
		rt.Present |= service.FieldTitle
	case "notes":
		err = json.Unmarshal(raw, &t.Notes)
		rt.Present |= service.FieldNotes
	case "completed":
		err = json.Unmarshal(raw, &t.Completed)
		rt.Present |= service.FieldCompleted
	case "priority":
		var p string
		err = json.Unmarshal(raw, &p)
		t.Priority = service.Priority(p)
		rt.Present |= service.FieldPriority
	case "due":
		t.Due, err = decodeNullableTime(raw)
		rt.Present |= service.FieldDue
	case "completed_at":
		t.CompletedAt, err = decodeNullableTime(raw)
		rt.Present |= service.FieldCompletedAt
	case "created_at":
		t.CreatedAt, err = decodeTime(raw)
		rt.Present |= service.FieldCreatedAt
	case "updated_at":
		t.UpdatedAt, err = decodeTime(raw)
		rt.Present |= service.FieldUpdatedAt
	case "deleted":
		err = json.Unmarshal(raw, &t.Deleted)
		rt.Present |= service.FieldDeleted
	case "revision":
		err = json.Unmarshal(raw, &t.RemoteRevision)
		rt.Present |= service.FieldRevision
	case "subtasks":
		t.Subtasks, err = decodeSubtasks(raw)
		rt.Present |= service.FieldSubtasks
	}
	return err
}

func decodeSubtasks(raw json.RawMessage) ([]service.Subtask, error) {
	var items []wireSubtask
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	out := make([]service.Subtask, 0, len(items))
	for _, it := range items {
		st := service.Subtask{ID: it.ID, Title: it.Title, Completed: it.Completed}
		if it.CreatedAt != "" {
			ts, err := parseTime(it.CreatedAt)
			if err != nil {
				return nil, err
			}
			st.CreatedAt = ts
		}
		out = append(out, st)
	}
	return out, nil
}

func decodeTime(raw json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, err
	}
	return parseTime(s)
}

func decodeNullableTime(raw json.RawMessage) (*time.Time, error) {
	var s *string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}
	ts, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

func parseTime(s string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

func formatTime(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}

func toWire(t service.Task) wireTask {
	w := wireTask{
		ID:        t.ID,
		RemoteID:  t.RemoteID,
		Title:     t.Title,
		Notes:     t.Notes,
		Completed: t.Completed,
		Priority:  string(t.Priority),
		Deleted:   t.Deleted,
		Revision:  t.RemoteRevision,
		Subtasks:  make([]wireSubtask, 0, len(t.Subtasks)),
	}
	if t.Due != nil {
		s := formatTime(*t.Due)
		w.Due = &s
	}
	if t.CompletedAt != nil {
		s := formatTime(*t.CompletedAt)
		w.CompletedAt = &s
	}
	if !t.CreatedAt.IsZero() {
		w.CreatedAt = formatTime(t.CreatedAt)
	}
	if !t.UpdatedAt.IsZero() {
		w.UpdatedAt = formatTime(t.UpdatedAt)
	}
	for _, st := range t.Subtasks {
		ws := wireSubtask{ID: st.ID, Title: st.Title, Completed: st.Completed}
		if !st.CreatedAt.IsZero() {
			ws.CreatedAt = formatTime(st.CreatedAt)
		}
		w.Subtasks = append(w.Subtasks, ws)
	}
	return w
}
