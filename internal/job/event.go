package job

import (
	"encoding/json"
	"time"
)

type EventKind string

const (
	EventClaimed         EventKind = "Claimed"
	EventProgress        EventKind = "Progress"
	EventStepDone        EventKind = "StepDone"
	EventCompleted       EventKind = "Completed"
	EventFailed          EventKind = "Failed"
	EventCancelled       EventKind = "Cancelled"
	EventCancelRequested EventKind = "CancelRequested"
)

// IsTerminal reports whether no further events follow this one for the job.
func (k EventKind) IsTerminal() bool {
	return k == EventCompleted || k == EventFailed || k == EventCancelled
}

// Event describes one accepted store mutation. Sequence is scoped to the job.
type Event struct {
	JobID     string          `json:"jobId"`
	Sequence  uint64          `json:"sequence"`
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Publisher receives events after the mutation that produced them is durable.
type Publisher interface {
	Publish(Event)
}

type progressPayload struct {
	Step     int        `json:"step"`
	Name     string     `json:"name"`
	Status   StepStatus `json:"status"`
	Attempt  int        `json:"attempt"`
	Progress float64    `json:"progress"`
}

type stepDonePayload struct {
	Step   int             `json:"step"`
	Name   string          `json:"name"`
	Output json.RawMessage `json:"output,omitempty"`
	Next   int             `json:"next"`
}

type claimedPayload struct {
	Owner  string `json:"owner"`
	Status Status `json:"status"`
	Step   int    `json:"step"`
}

type terminalPayload struct {
	Status Status          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Failure        `json:"error,omitempty"`
}
