package job

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"
)

type Status string

const (
	StatusPending         Status = "pending"
	StatusClaimed         Status = "claimed"
	StatusRunning         Status = "running"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelRequested Status = "cancel_requested"
	StatusCancelled       Status = "cancelled"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// leased reports whether a job in this status may hold an owner lease.
func (s Status) leased() bool {
	return s == StatusClaimed || s == StatusRunning || s == StatusCancelRequested
}

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Kind selects the fixed pipeline a job runs.
type Kind string

const (
	KindIngest     Kind = "ingest"
	KindTranscribe Kind = "transcribe"
	KindAnalyze    Kind = "analyze"
	KindExport     Kind = "export"
)

// Step names shared by the kind templates and the collaborator registry.
const (
	StepProbe              = "probe"
	StepTranscodeProxy     = "transcode-proxy"
	StepExtractAudio       = "extract-audio"
	StepGenerateThumbnails = "generate-thumbnails"
	StepTranscribe         = "transcribe"
	StepDetectScenes       = "detect-scenes"
	StepScoreScenes        = "score-scenes"
	StepRender             = "render"
	StepWriteManifest      = "write-manifest"
)

var templates = map[Kind][]string{
	KindIngest:     {StepProbe, StepTranscodeProxy, StepExtractAudio, StepGenerateThumbnails},
	KindTranscribe: {StepExtractAudio, StepTranscribe},
	KindAnalyze:    {StepProbe, StepDetectScenes, StepScoreScenes},
	KindExport:     {StepRender, StepWriteManifest},
}

// retryBudgets overrides DefaultRetryBudget for individual steps.
var retryBudgets = map[string]int{
	StepTranscribe:    2,
	StepWriteManifest: 0,
}

// DefaultRetryBudget is the number of retries a failing step gets after its first attempt.
const DefaultRetryBudget = 1

// RetryBudget returns how many times a failed step may be retried.
func RetryBudget(step string) int {
	if n, ok := retryBudgets[step]; ok {
		return n
	}
	return DefaultRetryBudget
}

// Kinds returns the recognised job kinds in a stable order.
func Kinds() []Kind {
	kinds := lo.Keys(templates)
	slices.Sort(kinds)
	return kinds
}

// Valid reports whether k names a known pipeline.
func (k Kind) Valid() bool {
	_, ok := templates[k]
	return ok
}

// StepNames returns the ordered step names of the kind's template.
func (k Kind) StepNames() []string {
	return slices.Clone(templates[k])
}

// NewSteps expands the kind's template into fresh step records.
func NewSteps(k Kind) ([]Step, error) {
	names, ok := templates[k]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, k)
	}
	return lo.Map(names, func(name string, _ int) Step {
		return Step{Name: name, Status: StepPending}
	}), nil
}

// Step is one stage of a job's pipeline.
type Step struct {
	Name    string          `json:"name"`
	Status  StepStatus      `json:"status"`
	Attempt int             `json:"attempt"`
	Output  json.RawMessage `json:"output,omitempty"`
}

type FailureKind string

const (
	FailureStep      FailureKind = "step_failure"
	FailureCancelled FailureKind = "cancelled"
)

// Failure is the structured error recorded on a failed or cancelled job.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Step    string      `json:"step,omitempty"`
	Message string      `json:"message"`
	Attempt int         `json:"attempt,omitempty"`
}

func (f *Failure) Error() string {
	if f.Step == "" {
		return fmt.Sprintf("%s: %s", f.Kind, f.Message)
	}
	return fmt.Sprintf("%s: step %s attempt %d: %s", f.Kind, f.Step, f.Attempt, f.Message)
}

func (f *Failure) equal(o *Failure) bool {
	if f == nil || o == nil {
		return f == o
	}
	return *f == *o
}

type Job struct {
	ID          string          `json:"job_id"`
	Kind        Kind            `json:"kind"`
	Status      Status          `json:"status"`
	Steps       []Step          `json:"steps"`
	CurrentStep int             `json:"current_step"`
	Progress    float64         `json:"progress"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *Failure        `json:"error,omitempty"`
	Owner       string          `json:"owner,omitempty"`
	Sequence    uint64          `json:"sequence"`
	CallbackURL string          `json:"callback_url,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ClaimedAt   *time.Time      `json:"claimed_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (j *Job) Clone() *Job {
	c := *j
	c.Steps = make([]Step, len(j.Steps))
	for i, s := range j.Steps {
		s.Output = bytes.Clone(s.Output)
		c.Steps[i] = s
	}
	c.Payload = bytes.Clone(j.Payload)
	c.Result = bytes.Clone(j.Result)
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}

// Outputs returns every completed step's output keyed by step name.
func (j *Job) Outputs() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(j.Steps))
	for _, s := range j.Steps {
		if s.Status == StepCompleted && len(s.Output) > 0 {
			out[s.Name] = s.Output
		}
	}
	return out
}

// CancelRequested reports whether the client asked for the job to stop.
func (j *Job) CancelRequested() bool {
	return j.Status == StatusCancelRequested
}

// CreateRequest is the payload used to submit a new job.
type CreateRequest struct {
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CallbackURL string          `json:"callback_url,omitempty"`
}

func (r *CreateRequest) Validate() error {
	if r.Kind == "" {
		return errors.New("kind must not be empty")
	}
	if !r.Kind.Valid() {
		names := lo.Map(Kinds(), func(k Kind, _ int) string { return string(k) })
		return fmt.Errorf("%w: kind must be one of: %s", ErrInvalidKind, strings.Join(names, ", "))
	}
	if len(r.Payload) > 0 {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(r.Payload, &obj); err != nil {
			return errors.New("payload must be a JSON object")
		}
	}
	return nil
}
