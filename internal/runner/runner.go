// Package runner spawns external tools and streams their output line by line.
//
// A non-zero exit status is reported in Result.ExitCode and is never an error.
// Run returns an error only when the process could not be started or when the
// context ended before the process finished.
package runner

import (
	"bufio"
	"context"
	stdErrors "errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	foundationerrors "git.home.luguber.info/inful/ciagent/internal/foundation/errors"
	"git.home.luguber.info/inful/ciagent/internal/logfields"
)

// Stream identifies which pipe produced a line.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Line is one line of process output without its trailing newline.
type Line struct {
	Stream Stream
	Text   string
}

// Sink receives output lines in production order. It is never called concurrently.
type Sink func(Line)

// Command describes a process to run.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env is appended to the current process environment.
	Env []string
	// StopSignal is sent to the process group on cancellation instead of SIGTERM.
	StopSignal os.Signal
}

// String renders the command for logs.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result is the outcome of a finished process.
type Result struct {
	ExitCode int
	// Output holds every delivered line, stdout and stderr, in delivery order.
	Output string
	// ErrorOutput holds stderr lines only.
	ErrorOutput string
}

// Runner runs commands. Repositories and simulator sessions depend on this
// interface so tests can substitute scripted processes.
type Runner interface {
	Run(ctx context.Context, cmd Command, sink Sink) (Result, error)
}

// RunAndWait runs cmd without a sink and returns the captured output.
func RunAndWait(ctx context.Context, r Runner, cmd Command) (Result, error) {
	return r.Run(ctx, cmd, nil)
}

// DefaultGracePeriod is the delay between SIGTERM and SIGKILL on cancellation.
const DefaultGracePeriod = 5 * time.Second

// Exec runs commands as child processes of the agent.
type Exec struct {
	GracePeriod time.Duration
	Logger      *slog.Logger
}

// New returns an Exec runner with default settings.
func New() *Exec {
	return &Exec{GracePeriod: DefaultGracePeriod, Logger: slog.Default()}
}

// Run starts cmd, delivers each output line to sink before the next is read,
// and waits for the process to exit. When ctx ends the whole process group is
// terminated and Run still waits for the exit before returning.
func (e *Exec) Run(ctx context.Context, c Command, sink Sink) (Result, error) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := ctx.Err(); err != nil {
		return Result{ExitCode: -1}, contextError(err, c)
	}

	cmd := exec.Command(c.Name, c.Args...) //nolint:gosec // tool paths come from agent configuration
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{ExitCode: -1}, spawnError(err, c)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{ExitCode: -1}, spawnError(err, c)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, spawnError(err, c)
	}
	logger.Debug("Process started", logfields.Command(c.String()), slog.Int("pid", cmd.Process.Pid))

	exited := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
			grace := e.GracePeriod
			if grace <= 0 {
				grace = DefaultGracePeriod
			}
			logger.Info("Terminating process", logfields.Command(c.String()), slog.Int("pid", cmd.Process.Pid))
			terminate(cmd, c.StopSignal, grace, exited)
		case <-exited:
		}
	}()

	lines := make(chan Line, 64)
	var readers sync.WaitGroup
	readers.Add(2)
	go readLines(stdout, Stdout, lines, &readers)
	go readLines(stderr, Stderr, lines, &readers)
	go func() {
		readers.Wait()
		close(lines)
	}()

	var out, errOut strings.Builder
	for l := range lines {
		if sink != nil {
			sink(l)
		}
		out.WriteString(l.Text)
		out.WriteByte('\n')
		if l.Stream == Stderr {
			errOut.WriteString(l.Text)
			errOut.WriteByte('\n')
		}
	}

	waitErr := cmd.Wait()
	close(exited)
	<-stopped

	res := Result{
		ExitCode:    exitCode(cmd, waitErr),
		Output:      out.String(),
		ErrorOutput: errOut.String(),
	}
	logger.Debug("Process exited",
		logfields.Command(c.String()),
		logfields.ExitCode(res.ExitCode),
		logfields.Duration(time.Since(start)))

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, contextError(ctxErr, c)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !stdErrors.As(waitErr, &exitErr) {
			return res, foundationerrors.WrapError(waitErr, foundationerrors.CategoryRuntime, "wait for process").
				WithContext("command", c.String()).Build()
		}
	}
	return res, nil
}

// readLines forwards every line of r, including a final unterminated one.
func readLines(r io.Reader, s Stream, out chan<- Line, wg *sync.WaitGroup) {
	defer wg.Done()
	br := bufio.NewReader(r)
	for {
		text, err := br.ReadString('\n')
		if len(text) > 0 {
			text = strings.TrimRight(text, "\r\n")
			out <- Line{Stream: s, Text: text}
		}
		if err != nil {
			return
		}
	}
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState == nil {
		return -1
	}
	if code, ok := signalExitCode(cmd.ProcessState); ok {
		return code
	}
	if waitErr == nil {
		return 0
	}
	return cmd.ProcessState.ExitCode()
}

func spawnError(err error, c Command) error {
	return foundationerrors.SpawnError("failed to start command").
		WithCause(err).
		WithContext("command", c.String()).
		WithContext("dir", c.Dir).
		Build()
}

func contextError(err error, c Command) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return foundationerrors.TimeoutError("command timed out").
			WithCause(err).
			WithContext("command", c.String()).
			Build()
	}
	return foundationerrors.CancellationError("command cancelled").
		WithCause(err).
		WithContext("command", c.String()).
		Build()
}
