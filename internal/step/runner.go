package step

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// stderrTailLines is how much of a command's stderr is kept for failure reports.
const stderrTailLines = 40

// CommandLog captures one external command invocation.
type CommandLog struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exitCode"`
	Stderr   string   `json:"stderr,omitempty"`
}

// Command describes a process to run. The line callbacks are invoked from separate
// goroutines as output arrives.
type Command struct {
	Name     string
	Args     []string
	OnStdout func(line string)
	OnStderr func(line string)
}

// Runner executes external commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (CommandLog, error)
}

// ExecRunner runs commands with os/exec. The process is killed when ctx is done.
type ExecRunner struct {
	// EnvDenyPrefixes strips matching variables from the child environment.
	EnvDenyPrefixes []string
	// WaitDelay bounds how long Run waits for output pipes after the process is killed.
	WaitDelay time.Duration
}

func (r *ExecRunner) Run(ctx context.Context, c Command) (CommandLog, error) {
	log := CommandLog{Command: c.Name, Args: c.Args}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Env = filteredEnv(r.EnvDenyPrefixes)
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return log, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return log, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		log.ExitCode = -1
		return log, fmt.Errorf("start %s: %w", c.Name, err)
	}

	tail := &lineTail{max: stderrTailLines}
	var g errgroup.Group
	g.Go(func() error { return scanLines(stdout, c.OnStdout) })
	g.Go(func() error {
		return scanLines(stderr, func(line string) {
			tail.add(line)
			if c.OnStderr != nil {
				c.OnStderr(line)
			}
		})
	})
	scanErr := g.Wait()

	waitErr := cmd.Wait()
	log.Stderr = tail.String()
	if cmd.ProcessState != nil {
		log.ExitCode = cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		if ctx.Err() != nil {
			return log, ctx.Err()
		}
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			log.ExitCode = -1
		}
		return log, fmt.Errorf("%s exited: %w", c.Name, waitErr)
	}
	if scanErr != nil {
		return log, fmt.Errorf("read %s output: %w", c.Name, scanErr)
	}
	return log, nil
}

// scanLines feeds every line of r to fn, treating a bare carriage return as a line end
// because encoders redraw their status line with it.
func scanLines(r io.Reader, fn func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(splitLinesCR)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || fn == nil {
			continue
		}
		fn(line)
	}
	if err := scanner.Err(); err != nil {
		// Drain so the process never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}

func splitLinesCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// filteredEnv returns os.Environ() without variables starting with any of the prefixes.
func filteredEnv(deny []string) []string {
	env := os.Environ()
	if len(deny) == 0 {
		return env
	}
	filtered := make([]string, 0, len(env))
	for _, kv := range env {
		keep := true
		for _, p := range deny {
			if strings.HasPrefix(kv, p) {
				keep = false
				break
			}
		}
		if keep {
			filtered = append(filtered, kv)
		}
	}
	return filtered
}

// lineTail keeps the last max lines written to it.
type lineTail struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func (t *lineTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *lineTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
