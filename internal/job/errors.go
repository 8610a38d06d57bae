package job

import "errors"

var (
	ErrNotFound    = errors.New("job not found")
	ErrInvalidKind = errors.New("invalid job kind")
	// ErrClaimFailed means another owner holds a live lease or the job is not runnable.
	ErrClaimFailed = errors.New("claim failed")
	// ErrStaleOwner means the caller's lease was lost; it must stop writing state.
	ErrStaleOwner = errors.New("stale owner")
	// ErrOutOfOrder rejects a step signal that does not target the current step.
	ErrOutOfOrder = errors.New("step out of order")
	ErrTerminal   = errors.New("job already in terminal state")
	// ErrConflict rejects a repeated terminal call whose payload differs from the stored one.
	ErrConflict = errors.New("terminal payload conflict")
	// ErrInvalidProgress rejects a progress value that is not a finite number.
	ErrInvalidProgress = errors.New("invalid progress")
)
