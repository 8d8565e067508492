// Package runnertest provides a scripted runner.Runner for tests.
package runnertest

import (
	"context"
	"slices"
	"strings"
	"sync"

	"git.home.luguber.info/inful/ciagent/internal/runner"
)

// Handler produces the output and exit code of a fake process.
type Handler func(ctx context.Context, cmd runner.Command, emit func(runner.Line)) (int, error)

// Matcher selects which commands a handler answers.
type Matcher func(runner.Command) bool

type rule struct {
	match   Matcher
	handler Handler
}

// Fake is a runner.Runner answering commands from registered handlers.
// Unmatched commands succeed with no output.
type Fake struct {
	mu    sync.Mutex
	rules []rule
	calls []runner.Command
}

// New returns an empty fake.
func New() *Fake { return &Fake{} }

// On registers h for commands selected by m. Later registrations win.
func (f *Fake) On(m Matcher, h Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{match: m, handler: h})
	return f
}

// Calls returns the commands run so far.
func (f *Fake) Calls() []runner.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// Ran reports whether a command matching m has been run.
func (f *Fake) Ran(m Matcher) bool {
	return slices.ContainsFunc(f.Calls(), m)
}

// Run implements runner.Runner.
func (f *Fake) Run(ctx context.Context, cmd runner.Command, sink runner.Sink) (runner.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	var h Handler
	for i := len(f.rules) - 1; i >= 0; i-- {
		if f.rules[i].match(cmd) {
			h = f.rules[i].handler
			break
		}
	}
	f.mu.Unlock()

	var out, errOut strings.Builder
	emit := func(l runner.Line) {
		if sink != nil {
			sink(l)
		}
		out.WriteString(l.Text + "\n")
		if l.Stream == runner.Stderr {
			errOut.WriteString(l.Text + "\n")
		}
	}
	code := 0
	var err error
	if h != nil {
		code, err = h(ctx, cmd, emit)
	}
	return runner.Result{ExitCode: code, Output: out.String(), ErrorOutput: errOut.String()}, err
}

// Args matches commands whose arguments start with prefix.
func Args(prefix ...string) Matcher {
	return func(c runner.Command) bool {
		return len(c.Args) >= len(prefix) && slices.Equal(c.Args[:len(prefix)], prefix)
	}
}

// Tool matches commands by executable name and argument prefix.
func Tool(name string, prefix ...string) Matcher {
	args := Args(prefix...)
	return func(c runner.Command) bool { return c.Name == name && args(c) }
}

// Output returns a handler printing lines to stdout and exiting with code.
func Output(code int, lines ...string) Handler {
	return func(_ context.Context, _ runner.Command, emit func(runner.Line)) (int, error) {
		for _, l := range lines {
			emit(runner.Line{Stream: runner.Stdout, Text: l})
		}
		return code, nil
	}
}

// Stderr returns a handler printing lines to stderr and exiting with code.
func Stderr(code int, lines ...string) Handler {
	return func(_ context.Context, _ runner.Command, emit func(runner.Line)) (int, error) {
		for _, l := range lines {
			emit(runner.Line{Stream: runner.Stderr, Text: l})
		}
		return code, nil
	}
}

// Fail returns a handler failing with err, as a runner does when spawn fails.
func Fail(err error) Handler {
	return func(context.Context, runner.Command, func(runner.Line)) (int, error) {
		return -1, err
	}
}

// Block returns a handler that emits lines, signals started, and then waits
// for ctx or release. Cancellation yields exit code 143 and ctx's error.
func Block(started chan<- struct{}, release <-chan struct{}, lines ...string) Handler {
	return func(ctx context.Context, _ runner.Command, emit func(runner.Line)) (int, error) {
		for _, l := range lines {
			emit(runner.Line{Stream: runner.Stdout, Text: l})
		}
		if started != nil {
			started <- struct{}{}
		}
		select {
		case <-ctx.Done():
			return 143, ctx.Err()
		case <-release:
			return 0, nil
		}
	}
}
