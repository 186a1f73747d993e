package commands

import (
	"errors"
	"testing"
)

func TestParseTaskRef(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    TaskRef
		wantErr error
	}{
		{name: "number", args: []string{"5"}, want: TaskRef{Num: 5}},
		{name: "long number", args: []string{"12345"}, want: TaskRef{Num: 12345}},
		{name: "extra args ignored", args: []string{"2", "extra"}, want: TaskRef{Num: 2}},
		{name: "id prefix", args: []string{"3f2a"}, want: TaskRef{ID: "3f2a"}},
		{name: "id prefix uppercase", args: []string{"3F2A9C"}, want: TaskRef{ID: "3f2a9c"}},
		{
			name: "full uuid",
			args: []string{"0b7c6d1e-8f3a-4c2b-9d1e-2f3a4b5c6d7e"},
			want: TaskRef{ID: "0b7c6d1e-8f3a-4c2b-9d1e-2f3a4b5c6d7e"},
		},
		{name: "no args", args: nil, wantErr: ErrTaskRefRequired},
		{name: "blank", args: []string{"  "}, wantErr: ErrTaskRefRequired},
		{name: "short prefix", args: []string{"abc"}, wantErr: ErrInvalidTaskRef},
		{name: "not hex", args: []string{"milk"}, wantErr: ErrInvalidTaskRef},
		{name: "negative", args: []string{"-1"}, wantErr: ErrInvalidTaskRef},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTaskRef(tt.args)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestParseTaskRef_ErrorMessage(t *testing.T) {
	_, err := ParseTaskRef([]string{"milk"})
	if err == nil {
		t.Fatal("expected error")
	}
	expectedMsg := "invalid task reference: milk"
	if err.Error() != expectedMsg {
		t.Errorf("expected %q, got %q", expectedMsg, err.Error())
	}
}

func TestIsAllDigits(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"123", true},
		{"0", true},
		{"", false},
		{"12a", false},
		{"١٢", false},
	}

	for _, tt := range tests {
		if got := isAllDigits(tt.input); got != tt.want {
			t.Errorf("isAllDigits(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
