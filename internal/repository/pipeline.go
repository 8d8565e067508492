package repository

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"git.home.luguber.info/inful/ciagent/internal/build"
	"git.home.luguber.info/inful/ciagent/internal/events"
	foundationerrors "git.home.luguber.info/inful/ciagent/internal/foundation/errors"
	"git.home.luguber.info/inful/ciagent/internal/git"
	"git.home.luguber.info/inful/ciagent/internal/logfields"
	"git.home.luguber.info/inful/ciagent/internal/metrics"
	"git.home.luguber.info/inful/ciagent/internal/observability"
	"git.home.luguber.info/inful/ciagent/internal/runner"
	"git.home.luguber.info/inful/ciagent/internal/simulator"
)

// Pipeline step names used in logs and metrics.
const (
	StepClone     = "clone"
	StepFetch     = "fetch"
	StepCheckout  = "checkout"
	StepRevision  = "revision"
	StepBuild     = "build"
	StepSimulator = "simulator"
)

// Steps configures what Execute runs after the checkout.
type Steps struct {
	// Command is the full build command line. Empty means XcodebuildArgs.
	Command []string
	// Simulator, when set, runs the built app in the simulator after a
	// successful build.
	Simulator *SimulatorStep
}

// SimulatorStep describes the app run of a build.
type SimulatorStep struct {
	App         string
	Platform    simulator.Platform
	SDK         string
	DeviceID    string
	Arguments   []string
	Environment map[string]string
	OutputPath  string
	VideoPath   string
}

// DefaultSteps derives the steps of b from the repository configuration.
func (r *Repository) DefaultSteps(b *build.Build) Steps {
	steps := Steps{Command: XcodebuildArgs(r.deps.Tools.Xcodebuild, r.cfg, b)}
	sim := r.cfg.Simulator
	if sim == nil {
		return steps
	}
	family, _ := simulator.ParsePlatform(sim.Family)
	step := &SimulatorStep{
		App:         r.resolve(sim.App),
		Platform:    family,
		SDK:         sim.SDK,
		DeviceID:    sim.DeviceID,
		Arguments:   sim.Arguments,
		Environment: sim.Environment,
		OutputPath:  sim.OutputPath,
	}
	if p := b.Platform(); p.RuntimeID != "" {
		step.SDK = p.RuntimeID
	}
	if p := b.Platform(); p.DeviceID != "" {
		step.DeviceID = p.DeviceID
	}
	if sim.RecordVideo {
		step.VideoPath = filepath.Join(r.localPath, "build", "videos", b.ID()+".mp4")
	}
	steps.Simulator = step
	return steps
}

// resolve makes a path from the configuration relative to the checkout.
func (r *Repository) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(r.localPath, p)
}

// Execute runs the pipeline of b to completion: clone when needed, fetch and
// check out the branch, resolve the revision, build, optionally run the app in
// the simulator and scan the log for failing tests. Builds of one repository
// are serialized.
//
// Step failures are recorded on the build, which always ends terminal. When
// ctx is cancelled the build ends cancelled; when its deadline passes the
// build fails with ReasonTimeout. The returned error reports only faults such
// as a build that was already finished.
func (r *Repository) Execute(ctx context.Context, b *build.Build, steps Steps) error {
	if b.RepositoryName() != r.cfg.Name {
		return foundationerrors.InternalError("build belongs to another repository").
			WithContext("build_repository", b.RepositoryName()).
			WithContext("repository", r.cfg.Name).Build()
	}

	r.pipeline.Lock()
	defer r.pipeline.Unlock()

	if b.Status() == build.StatusPending {
		if err := r.StartBuild(ctx, b, r.deps.Now()); err != nil {
			return err
		}
	} else if b.Status() != build.StatusRunning {
		return build.ErrInvalidTransition
	}

	log := r.logger().With(logfields.BuildID(b.ID()), logfields.Branch(b.Branch()))
	log.Info("Build started")

	reason := r.runSteps(ctx, b, steps)

	now := r.deps.Now()
	var err error
	switch {
	case stdErrors.Is(ctx.Err(), context.DeadlineExceeded):
		err = b.Fail(now, build.ReasonTimeout)
	case ctx.Err() != nil:
		err = b.Cancel(now)
	case reason != "":
		err = b.Fail(now, reason)
	default:
		err = b.Succeed(now)
	}
	if err != nil {
		return err
	}
	r.finish(ctx, b)

	log.Info("Build finished",
		logfields.BuildStatus(b.Status().String()),
		logfields.Duration(b.Duration(now)),
		slog.String("reason", b.FailureReason()))
	return nil
}

// runSteps returns the failure reason of the first failing step, or "".
func (r *Repository) runSteps(ctx context.Context, b *build.Build, steps Steps) string {
	if !r.ClonedAlready() {
		if reason := r.step(ctx, StepClone, func() string { return r.clone(ctx, b) }); reason != "" {
			return reason
		}
	}
	b.SetProgress(0.1)

	if reason := r.step(ctx, StepFetch, func() string { return r.fetch(ctx, b) }); reason != "" {
		return reason
	}
	if reason := r.step(ctx, StepCheckout, func() string { return r.checkout(ctx, b) }); reason != "" {
		return reason
	}
	b.SetProgress(0.2)

	r.step(ctx, StepRevision, func() string { return r.resolveRevision(ctx, b) })
	b.SetProgress(0.25)

	command := steps.Command
	if len(command) == 0 {
		command = XcodebuildArgs(r.deps.Tools.Xcodebuild, r.cfg, b)
	}
	if reason := r.step(ctx, StepBuild, func() string { return r.runBuildCommand(ctx, b, command) }); reason != "" {
		r.scan(b)
		return reason
	}
	b.SetProgress(0.7)

	if steps.Simulator != nil {
		if reason := r.step(ctx, StepSimulator, func() string { return r.runSimulator(ctx, b, *steps.Simulator) }); reason != "" {
			r.scan(b)
			return reason
		}
		b.SetProgress(0.95)
	}

	if n := r.scan(b); n > 0 {
		return fmt.Sprintf("%d failing test(s)", n)
	}
	return ""
}

// step times fn and records its result. A cancelled context skips fn.
func (r *Repository) step(ctx context.Context, name string, fn func() string) string {
	if ctx.Err() != nil {
		return ctx.Err().Error()
	}
	start := time.Now()
	reason := fn()
	elapsed := time.Since(start)
	r.deps.Metrics.ObserveStepDuration(name, elapsed)
	result := metrics.ResultSuccess
	switch {
	case ctx.Err() != nil:
		result = metrics.ResultCancelled
	case reason != "":
		result = metrics.ResultFailed
	}
	r.deps.Metrics.IncStepResult(name, result)
	r.logger().DebugContext(observability.WithStep(ctx, name), "Step finished",
		logfields.Duration(elapsed), slog.String("result", string(result)))
	return reason
}

func (r *Repository) scan(b *build.Build) int {
	summaries := r.deps.Scanner.FailureSummaries(b.LogLines())
	if err := b.SetFailureSummaries(summaries); err != nil {
		r.logger().Warn("Failure summaries not recorded", logfields.BuildID(b.ID()), logfields.Error(err))
	}
	return len(summaries)
}

// clone creates the working copy, retrying transient failures. Output of every
// attempt goes to the build log. On failure the partial checkout is removed.
func (r *Repository) clone(ctx context.Context, b *build.Build) string {
	if err := os.MkdirAll(filepath.Dir(r.localPath), 0o750); err != nil {
		r.note(ctx, b, "cannot create checkout directory: "+err.Error())
		return "clone failed"
	}
	cmd := runner.Command{
		Name: r.deps.Tools.Git,
		Args: []string{"clone", r.cfg.URL, r.localPath},
		Dir:  filepath.Dir(r.localPath),
	}
	r.note(ctx, b, "$ "+cmd.String())

	var res runner.Result
	err := r.deps.Retry.Do(ctx, func(attempt int) (bool, error) {
		if attempt > 0 {
			r.deps.Metrics.IncRetry(StepClone)
		}
		_ = os.RemoveAll(r.localPath)
		var runErr error
		res, runErr = r.deps.Runner.Run(ctx, cmd, func(l runner.Line) { r.appendLine(ctx, b, l.Text) })
		if runErr != nil {
			return false, runErr
		}
		return res.ExitCode != 0 && ctx.Err() == nil, nil
	})
	if err == nil && res.ExitCode == 0 {
		r.mu.Lock()
		r.cloned = true
		r.mu.Unlock()
		r.saveRecord(ctx)
		return ""
	}

	if r.deps.Retry.MaxRetries > 0 && err == nil {
		r.deps.Metrics.IncRetryExhausted(StepClone)
	}
	_ = os.RemoveAll(r.localPath)
	if err != nil {
		r.note(ctx, b, git.ClassifyGitError(err, StepClone, r.cfg.URL).Error())
	}
	r.logger().Warn("Clone failed",
		logfields.ExitCode(res.ExitCode),
		slog.String("stderr", strings.TrimSpace(res.ErrorOutput)),
		logfields.Error(err))
	return "clone failed"
}

func (r *Repository) fetch(ctx context.Context, b *build.Build) string {
	var code int
	err := r.deps.Retry.Do(ctx, func(attempt int) (bool, error) {
		if attempt > 0 {
			r.deps.Metrics.IncRetry(StepFetch)
		}
		var runErr error
		code, runErr = r.RunCommand(ctx, b, r.deps.Tools.Git, "fetch", "--prune", "origin")
		if runErr != nil {
			return false, runErr
		}
		return code != 0 && ctx.Err() == nil, nil
	})
	if err != nil || code != 0 {
		if err == nil && r.deps.Retry.MaxRetries > 0 {
			r.deps.Metrics.IncRetryExhausted(StepFetch)
		}
		return "fetch failed"
	}
	return ""
}

func (r *Repository) checkout(ctx context.Context, b *build.Build) string {
	args := []string{"checkout", "--force", "-B", b.Branch(), "origin/" + b.Branch()}
	if rev := b.RequestedRevision(); rev != "" {
		args = []string{"checkout", "--force", "--detach", rev}
	}
	code, err := r.RunCommand(ctx, b, r.deps.Tools.Git, args...)
	if err != nil || code != 0 {
		return "checkout failed"
	}
	return ""
}

// resolveRevision never fails the build; a missing commit log only leaves the
// description shorter.
func (r *Repository) resolveRevision(ctx context.Context, b *build.Build) string {
	co, err := git.Open(r.localPath)
	if err == nil {
		var rev, msg string
		if rev, msg, err = co.Head(); err == nil {
			_ = b.SetRevision(rev, msg)
			r.saveBuild(ctx, b)
			return ""
		}
	}
	r.logger().Warn("Could not resolve revision", logfields.BuildID(b.ID()), logfields.Error(err))
	return ""
}

func (r *Repository) runBuildCommand(ctx context.Context, b *build.Build, command []string) string {
	code, err := r.RunCommand(ctx, b, command[0], command[1:]...)
	switch {
	case err != nil && foundationerrors.HasCategory(err, foundationerrors.CategorySpawn):
		r.note(ctx, b, err.Error())
		return "could not start " + filepath.Base(command[0])
	case err != nil:
		return err.Error()
	case code != 0:
		return fmt.Sprintf("build failed with exit code %d", code)
	}
	return ""
}

func (r *Repository) runSimulator(ctx context.Context, b *build.Build, step SimulatorStep) string {
	if step.VideoPath != "" {
		if err := os.MkdirAll(filepath.Dir(step.VideoPath), 0o750); err != nil {
			r.logger().Warn("Video directory not created", logfields.Error(err))
			step.VideoPath = ""
		}
	}
	session := &simulator.Session{
		AppURL:         step.App,
		Arguments:      step.Arguments,
		Environment:    step.Environment,
		Platform:       step.Platform,
		SDK:            step.SDK,
		DeviceID:       step.DeviceID,
		OutputPath:     step.OutputPath,
		VideoOutputURL: step.VideoPath,
		Timeout:        r.deps.SimulatorTimeout,
		Runner:         r.deps.Runner,
		Xcrun:          r.deps.Tools.Xcrun,
		Logger:         r.logger().With(logfields.BuildID(b.ID())),
	}
	done, ok := session.Launch(ctx, func(line string) { r.appendLine(ctx, b, line) })
	if !ok {
		r.note(ctx, b, "simulator session is invalid")
		return "simulator session rejected"
	}
	switch code := <-done; code {
	case 0:
		return ""
	case simulator.ExitSessionUnavailable:
		return "simulator unavailable"
	case simulator.ExitSessionTimeout:
		return "simulator timed out"
	case simulator.ExitSessionCancelled:
		return build.ReasonCancelled
	default:
		return fmt.Sprintf("app exited with code %d", code)
	}
}

// RunCommand runs a tool in the working copy. Every output line is appended
// to the build log, persisted and published before the next line is handled.
// A non-zero exit code is returned, not reported as an error.
func (r *Repository) RunCommand(ctx context.Context, b *build.Build, name string, args ...string) (int, error) {
	cmd := runner.Command{Name: name, Args: args, Dir: r.localPath}
	r.note(ctx, b, "$ "+cmd.String())
	r.logger().Debug("Running command", logfields.BuildID(b.ID()), logfields.Command(cmd.String()))
	res, err := r.deps.Runner.Run(ctx, cmd, func(l runner.Line) { r.appendLine(ctx, b, l.Text) })
	return res.ExitCode, err
}

// RunCommandAndWait runs a setup command in the working copy and returns its
// captured output without touching any build.
func (r *Repository) RunCommandAndWait(ctx context.Context, name string, args ...string) (runner.Result, error) {
	return runner.RunAndWait(ctx, r.deps.Runner, runner.Command{Name: name, Args: args, Dir: r.localPath})
}

// note appends an agent-generated line to the build log.
func (r *Repository) note(ctx context.Context, b *build.Build, line string) {
	r.appendLine(ctx, b, line)
}

func (r *Repository) appendLine(ctx context.Context, b *build.Build, line string) {
	index := b.LogLen()
	if err := b.AppendLog(line); err != nil {
		return
	}
	if err := r.deps.Store.AppendLogLine(context.WithoutCancel(ctx), b.ID(), index, line); err != nil {
		r.logger().Warn("Failed to persist log line", logfields.BuildID(b.ID()), logfields.Error(err))
	}
	r.publish(ctx, events.LogLineAppended{
		BuildID:    b.ID(),
		Repository: r.cfg.Name,
		Index:      index,
		Line:       line,
		At:         r.deps.Now(),
	})
}

// finish persists a terminal build, refreshes the cached latest status and
// prunes old history.
func (r *Repository) finish(ctx context.Context, b *build.Build) {
	r.saveBuild(ctx, b)
	r.refreshLatestStatus()
	r.saveRecord(ctx)
	r.prune(ctx)
	r.publish(ctx, r.Updated())
}
