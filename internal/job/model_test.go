package job

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestIsTerminal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusClaimed, false},
		{StatusRunning, false},
		{StatusCancelRequested, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("Status(%q).IsTerminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestEventKindIsTerminal(t *testing.T) {
	t.Parallel()
	for _, k := range []EventKind{EventClaimed, EventProgress, EventStepDone, EventCancelRequested} {
		if k.IsTerminal() {
			t.Errorf("%s.IsTerminal() = true", k)
		}
	}
	for _, k := range []EventKind{EventCompleted, EventFailed, EventCancelled} {
		if !k.IsTerminal() {
			t.Errorf("%s.IsTerminal() = false", k)
		}
	}
}

func TestKinds(t *testing.T) {
	t.Parallel()
	want := []Kind{KindAnalyze, KindExport, KindIngest, KindTranscribe}
	if diff := cmp.Diff(want, Kinds()); diff != "" {
		t.Errorf("Kinds() mismatch (-want +got):\n%s", diff)
	}
}

func TestNewSteps(t *testing.T) {
	t.Parallel()
	tests := []struct {
		kind Kind
		want []string
	}{
		{KindIngest, []string{StepProbe, StepTranscodeProxy, StepExtractAudio, StepGenerateThumbnails}},
		{KindTranscribe, []string{StepExtractAudio, StepTranscribe}},
		{KindAnalyze, []string{StepProbe, StepDetectScenes, StepScoreScenes}},
		{KindExport, []string{StepRender, StepWriteManifest}},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			t.Parallel()
			steps, err := NewSteps(tt.kind)
			if err != nil {
				t.Fatalf("NewSteps: %v", err)
			}
			var names []string
			for _, s := range steps {
				names = append(names, s.Name)
				if s.Status != StepPending || s.Attempt != 0 {
					t.Errorf("step %s = %+v, want fresh pending step", s.Name, s)
				}
			}
			if diff := cmp.Diff(tt.want, names); diff != "" {
				t.Errorf("names mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if _, err := NewSteps("remix"); !errors.Is(err, ErrInvalidKind) {
		t.Errorf("NewSteps(remix) err = %v, want ErrInvalidKind", err)
	}
}

func TestRetryBudget(t *testing.T) {
	t.Parallel()
	tests := map[string]int{
		StepTranscribe:    2,
		StepWriteManifest: 0,
		StepProbe:         DefaultRetryBudget,
		"unknown":         DefaultRetryBudget,
	}
	for step, want := range tests {
		if got := RetryBudget(step); got != want {
			t.Errorf("RetryBudget(%q) = %d, want %d", step, got, want)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		req         CreateRequest
		wantErr     bool
		invalidKind bool
	}{
		{"minimal", CreateRequest{Kind: KindIngest}, false, false},
		{"with payload", CreateRequest{Kind: KindTranscribe, Payload: json.RawMessage(`{"language":"fr"}`)}, false, false},
		{"empty kind", CreateRequest{}, true, false},
		{"unknown kind", CreateRequest{Kind: "remix"}, true, true},
		{"array payload", CreateRequest{Kind: KindExport, Payload: json.RawMessage(`[1,2]`)}, true, false},
		{"broken payload", CreateRequest{Kind: KindExport, Payload: json.RawMessage(`{`)}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if got := errors.Is(err, ErrInvalidKind); got != tt.invalidKind {
				t.Errorf("errors.Is(err, ErrInvalidKind) = %v, want %v", got, tt.invalidKind)
			}
		})
	}
}

func TestOutputs(t *testing.T) {
	t.Parallel()
	j := &Job{Steps: []Step{
		{Name: StepProbe, Status: StepCompleted, Output: json.RawMessage(`{"duration_seconds":3}`)},
		{Name: StepDetectScenes, Status: StepRunning, Output: json.RawMessage(`{"partial":true}`)},
		{Name: StepScoreScenes, Status: StepPending},
	}}
	want := map[string]json.RawMessage{StepProbe: json.RawMessage(`{"duration_seconds":3}`)}
	if diff := cmp.Diff(want, j.Outputs()); diff != "" {
		t.Errorf("Outputs() mismatch (-want +got):\n%s", diff)
	}
}

func TestClone(t *testing.T) {
	t.Parallel()
	orig := &Job{
		ID:      "j1",
		Steps:   []Step{{Name: StepProbe, Output: json.RawMessage(`{"a":1}`)}},
		Payload: json.RawMessage(`{"input_path":"/a"}`),
		Error:   &Failure{Kind: FailureStep, Message: "boom"},
	}
	c := orig.Clone()
	c.Steps[0].Output[2] = 'b'
	c.Payload[0] = '['
	c.Error.Message = "changed"

	if string(orig.Steps[0].Output) != `{"a":1}` {
		t.Errorf("clone shares step output: %s", orig.Steps[0].Output)
	}
	if string(orig.Payload) != `{"input_path":"/a"}` {
		t.Errorf("clone shares payload: %s", orig.Payload)
	}
	if orig.Error.Message != "boom" {
		t.Errorf("clone shares failure: %q", orig.Error.Message)
	}
}

func TestFailureError(t *testing.T) {
	t.Parallel()
	f := &Failure{Kind: FailureStep, Step: StepTranscribe, Message: "exit status 1", Attempt: 3}
	if got, want := f.Error(), "step_failure: step transcribe attempt 3: exit status 1"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	c := &Failure{Kind: FailureCancelled, Message: "cancelled by user"}
	if got, want := c.Error(), "cancelled: cancelled by user"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
