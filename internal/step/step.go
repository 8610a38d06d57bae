package step

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/samber/lo"
)

// ErrUnknownStep is returned by Registry.Lookup for a name nothing was registered under.
var ErrUnknownStep = errors.New("unknown step")

// ProgressFunc receives a completion percentage in [0,100]. It may be called from any goroutine.
type ProgressFunc func(percent float64)

// Input is everything a collaborator gets for one attempt.
type Input struct {
	JobID   string
	Step    string
	Payload Payload
	// Prior holds completed outputs of earlier steps keyed by step name.
	Prior map[string]json.RawMessage
	// WorkDir is a per-job scratch directory that survives retries and reclaims.
	WorkDir string
}

// PriorInto decodes the output of an earlier step into v.
func (in Input) PriorInto(step string, v any) error {
	raw, ok := in.Prior[step]
	if !ok {
		return fmt.Errorf("missing output of step %s", step)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode output of step %s: %w", step, err)
	}
	return nil
}

// Collaborator performs the work of one step. Run must return promptly once ctx is done and
// must be safe to repeat: an attempt interrupted by a crash runs again from scratch.
type Collaborator interface {
	Run(ctx context.Context, in Input, progress ProgressFunc) (json.RawMessage, error)
}

// Func adapts a plain function to Collaborator.
type Func func(ctx context.Context, in Input, progress ProgressFunc) (json.RawMessage, error)

func (f Func) Run(ctx context.Context, in Input, progress ProgressFunc) (json.RawMessage, error) {
	return f(ctx, in, progress)
}

// Registry maps step names to collaborators.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]Collaborator
}

func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]Collaborator)}
}

// Register binds name to c, replacing any earlier binding.
func (r *Registry) Register(name string, c Collaborator) {
	r.mu.Lock()
	r.steps[name] = c
	r.mu.Unlock()
}

func (r *Registry) Lookup(name string) (Collaborator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.steps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStep, name)
	}
	return c, nil
}

// Names returns the registered step names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := lo.Keys(r.steps)
	slices.Sort(names)
	return names
}

// Error is a step failure with the command that produced it, if any.
type Error struct {
	Step       string     `json:"step"`
	Message    string     `json:"message"`
	CommandLog CommandLog `json:"commandLog"`
	Err        error      `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.CommandLog.Command == "" {
		return fmt.Sprintf("%s: %s", e.Step, e.Message)
	}
	return fmt.Sprintf("%s: %s (cmd=%s exit=%d)", e.Step, e.Message, e.CommandLog.Command, e.CommandLog.ExitCode)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
