package simulator

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	foundationerrors "git.home.luguber.info/inful/ciagent/internal/foundation/errors"
	"git.home.luguber.info/inful/ciagent/internal/runner"
)

// VideoRecorder captures the simulator screen for the length of a session.
// Stop is called exactly once for every successful Start.
type VideoRecorder interface {
	Start(ctx context.Context, deviceID, outputPath string) error
	Stop() error
}

// SimctlRecorder records with `xcrun simctl io <udid> recordVideo`. The
// recording is finalized by interrupting the process.
type SimctlRecorder struct {
	Runner runner.Runner
	Xcrun  string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

// Start begins recording to outputPath.
func (r *SimctlRecorder) Start(ctx context.Context, deviceID, outputPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return foundationerrors.InternalError("video recorder already started").Build()
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return foundationerrors.WrapError(err, foundationerrors.CategorySession, "create video output directory").Build()
	}

	recCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.done = make(chan error, 1)
	cmd := runner.Command{
		Name:       r.Xcrun,
		Args:       []string{"simctl", "io", deviceID, "recordVideo", "--force", outputPath},
		StopSignal: os.Interrupt,
	}
	go func() {
		_, err := r.Runner.Run(recCtx, cmd, nil)
		if foundationerrors.HasCategory(err, foundationerrors.CategoryCancelled) {
			err = nil
		}
		r.done <- err
	}()
	return nil
}

// Stop interrupts the recording and waits for the file to be written.
func (r *SimctlRecorder) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	return <-done
}
