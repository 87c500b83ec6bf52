package id_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/LLM-Dev-Ops/fleet/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"JobID", id.NewJobID, "job_"},
		{"TaskID", id.NewTaskID, "task_"},
		{"WorkerID", id.NewWorkerID, "wkr_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestNew(t *testing.T) {
	i := id.New(id.PrefixJob)
	if i.IsNil() {
		t.Fatal("expected non-nil ID")
	}
	if i.Prefix() != id.PrefixJob {
		t.Errorf("expected prefix %q, got %q", id.PrefixJob, i.Prefix())
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
	}{
		{"JobID", id.NewJobID, id.ParseJobID},
		{"TaskID", id.NewTaskID, id.ParseTaskID},
		{"WorkerID", id.NewWorkerID, id.ParseWorkerID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.newFn()
			parsed, err := tt.parseFn(original.String())
			if err != nil {
				t.Fatalf("parse error: %v", err)
			}
			if parsed != original {
				t.Errorf("round trip: got %v, want %v", parsed, original)
			}
		})
	}
}

func TestParseWithPrefix_RejectsMismatch(t *testing.T) {
	taskID := id.NewTaskID()
	if _, err := id.ParseJobID(taskID.String()); err == nil {
		t.Error("expected error parsing a task ID as a job ID")
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []string{"", "not-a-typeid", "job_!!!"}
	for _, s := range tests {
		if _, err := id.Parse(s); err == nil {
			t.Errorf("Parse(%q) error = nil, want error", s)
		}
	}
}

func TestNilID(t *testing.T) {
	if !id.Nil.IsNil() {
		t.Error("Nil.IsNil() = false")
	}
	if id.Nil.String() != "" {
		t.Errorf("Nil.String() = %q, want empty", id.Nil.String())
	}
	if id.NewWorkerID().IsNil() {
		t.Error("generated ID reports nil")
	}
}

func TestID_JSONRoundTrip(t *testing.T) {
	type payload struct {
		Job id.JobID `json:"job"`
	}

	original := payload{Job: id.NewJobID()}
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded payload
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if decoded.Job != original.Job {
		t.Errorf("round trip: got %v, want %v", decoded.Job, original.Job)
	}
}

func TestID_UnmarshalEmptyIsNil(t *testing.T) {
	var i id.ID
	if err := i.UnmarshalText(nil); err != nil {
		t.Fatalf("UnmarshalText(nil) error = %v", err)
	}
	if !i.IsNil() {
		t.Error("expected nil ID from empty text")
	}
}
