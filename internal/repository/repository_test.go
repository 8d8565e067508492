package repository

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/ciagent/internal/build"
	"git.home.luguber.info/inful/ciagent/internal/config"
	"git.home.luguber.info/inful/ciagent/internal/events"
	foundationerrors "git.home.luguber.info/inful/ciagent/internal/foundation/errors"
	"git.home.luguber.info/inful/ciagent/internal/retry"
	"git.home.luguber.info/inful/ciagent/internal/runner"
	"git.home.luguber.info/inful/ciagent/internal/runner/runnertest"
	"git.home.luguber.info/inful/ciagent/internal/state"
)

const deviceJSON = `{"devices": {"com.apple.CoreSimulator.SimRuntime.iOS-17-5": [
  {"udid": "PHONE-1", "name": "iPhone 15", "state": "Shutdown", "isAvailable": true}
]}}`

func testConfig() config.RepositoryConfig {
	return config.RepositoryConfig{
		Name:   "App",
		URL:    "https://example.com/app.git",
		Branch: "main",
		Scheme: "App",
	}
}

func newRepo(t *testing.T, r runner.Runner, deps ...func(*Deps)) *Repository {
	t.Helper()
	d := Deps{
		Runner: r,
		Retry:  retry.NewPolicy(config.RetryBackoffFixed, time.Millisecond, time.Millisecond, 0),
	}
	for _, fn := range deps {
		fn(&d)
	}
	return New(testConfig(), t.TempDir(), d)
}

func createBuild(t *testing.T, repo *Repository) *build.Build {
	t.Helper()
	b, err := repo.CreateNewBuild(context.Background(), BuildRequest{})
	require.NoError(t, err)
	return b
}

func wait(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting")
	}
}

func TestDefaultAbbreviation(t *testing.T) {
	assert.Equal(t, "MCA", DefaultAbbreviation("my-cool app"))
	assert.Equal(t, "CK", DefaultAbbreviation("CoreKit"))
	assert.Equal(t, "IA", DefaultAbbreviation("ios_app2"))
	assert.Empty(t, DefaultAbbreviation(""))
}

func TestNewRepository(t *testing.T) {
	repo := newRepo(t, runnertest.New())
	assert.Equal(t, "App", repo.Name())
	assert.Equal(t, "A", repo.Abbreviation())
	assert.False(t, repo.ClonedAlready())
	_, ok := repo.LatestBuildStatus()
	assert.False(t, ok)
	assert.Equal(t, "main", repo.LastBranch())
}

func TestCreateNewBuildUsesAndUpdatesDefaults(t *testing.T) {
	repo := newRepo(t, runnertest.New())

	b := createBuild(t, repo)
	assert.Equal(t, build.StatusPending, b.Status())
	assert.Equal(t, "main", b.Branch())
	assert.Equal(t, "App", b.Scheme())

	platform := build.Platform{Name: "iPhone 15", OS: "iOS 17.5"}
	b2, err := repo.CreateNewBuild(context.Background(), BuildRequest{Branch: "develop", Platform: platform})
	require.NoError(t, err)
	assert.Equal(t, "develop", b2.Branch())
	assert.Equal(t, "develop", repo.LastBranch())
	assert.Equal(t, platform, repo.LastPlatform())

	got, ok := repo.Build(b.ID())
	require.True(t, ok)
	assert.Same(t, b, got)
	assert.Equal(t, []*build.Build{b2, b}, repo.Builds())
}

func TestCreateNewBuildValidation(t *testing.T) {
	cfg := testConfig()
	cfg.Branch = ""
	repo := New(cfg, t.TempDir(), Deps{Runner: runnertest.New()})

	_, err := repo.CreateNewBuild(context.Background(), BuildRequest{})
	require.Error(t, err)
	assert.True(t, foundationerrors.HasCategory(err, foundationerrors.CategoryValidation))

	_, err = repo.CreateNewBuild(context.Background(), BuildRequest{Branch: "main", Revision: "not-a-sha"})
	require.Error(t, err)
	assert.True(t, foundationerrors.HasCategory(err, foundationerrors.CategoryValidation))
	assert.Empty(t, repo.Builds())
}

func TestExecuteSucceeds(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	lines, unsubscribe := events.Subscribe[events.LogLineAppended](bus, 256)
	defer unsubscribe()

	fake := runnertest.New().
		On(runnertest.Tool("xcodebuild"), runnertest.Output(0, "Compiling App", "** BUILD SUCCEEDED **"))
	repo := newRepo(t, fake, func(d *Deps) { d.Bus = bus })
	b := createBuild(t, repo)

	require.NoError(t, repo.Execute(context.Background(), b, repo.DefaultSteps(b)))

	assert.Equal(t, build.StatusSucceeded, b.Status())
	assert.InDelta(t, 1.0, b.Progress(), 0)
	assert.False(t, b.StartedAt().IsZero())
	assert.True(t, repo.ClonedAlready())
	status, ok := repo.LatestBuildStatus()
	require.True(t, ok)
	assert.Equal(t, build.StatusSucceeded, status)

	log := b.LogLines()
	require.NotEmpty(t, log)
	assert.True(t, strings.HasPrefix(log[0], "$ git clone https://example.com/app.git"))
	assert.Contains(t, log, "$ xcodebuild -scheme App build")
	compiling := indexOf(log, "Compiling App")
	succeeded := indexOf(log, "** BUILD SUCCEEDED **")
	assert.Less(t, compiling, succeeded)

	assert.True(t, fake.Ran(runnertest.Tool("git", "fetch", "--prune", "origin")))
	assert.True(t, fake.Ran(runnertest.Tool("git", "checkout", "--force", "-B", "main", "origin/main")))

	for i := range log {
		select {
		case evt := <-lines:
			assert.Equal(t, i, evt.Index)
			assert.Equal(t, log[i], evt.Line)
			assert.Equal(t, b.ID(), evt.BuildID)
		default:
			t.Fatalf("missing log event %d", i)
		}
	}
}

func indexOf(lines []string, want string) int {
	for i, l := range lines {
		if l == want {
			return i
		}
	}
	return -1
}

func TestExecuteFailedCloneStopsPipeline(t *testing.T) {
	fake := runnertest.New().
		On(runnertest.Tool("git", "clone"), runnertest.Stderr(128, "fatal: repository 'https://example.com/app.git/' not found"))
	repo := newRepo(t, fake)
	b := createBuild(t, repo)

	require.NoError(t, repo.Execute(context.Background(), b, repo.DefaultSteps(b)))

	assert.Equal(t, build.StatusFailed, b.Status())
	assert.Equal(t, "clone failed", b.FailureReason())
	assert.False(t, b.Cancelled())
	assert.False(t, repo.ClonedAlready())
	assert.Equal(t, 1, countLines(b.LogLines(), "fatal: repository 'https://example.com/app.git/' not found"))
	assert.False(t, fake.Ran(runnertest.Tool("git", "fetch")))
	assert.False(t, fake.Ran(runnertest.Tool("xcodebuild")))

	status, ok := repo.LatestBuildStatus()
	require.True(t, ok)
	assert.Equal(t, build.StatusFailed, status)
}

func countLines(lines []string, want string) int {
	n := 0
	for _, l := range lines {
		if l == want {
			n++
		}
	}
	return n
}

func TestExecuteStreamsCloneOutput(t *testing.T) {
	store, err := state.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	fake := runnertest.New().
		On(runnertest.Tool("git", "clone"), runnertest.Output(0, "Cloning into 'App'...", "Receiving objects: 100% (12/12), done."))
	repo := newRepo(t, fake, func(d *Deps) { d.Store = store })
	b := createBuild(t, repo)

	require.NoError(t, repo.Execute(context.Background(), b, repo.DefaultSteps(b)))
	assert.Equal(t, build.StatusSucceeded, b.Status())
	assert.Contains(t, b.LogLines(), "Cloning into 'App'...")
	assert.Contains(t, b.LogLines(), "Receiving objects: 100% (12/12), done.")

	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Builds, 1)
	assert.Equal(t, b.LogLines(), snap.Builds[0].LogLines)
}

func TestExecuteRetriesClone(t *testing.T) {
	var attempts atomic.Int32
	fake := runnertest.New().
		On(runnertest.Tool("git", "clone"), func(_ context.Context, _ runner.Command, emit func(runner.Line)) (int, error) {
			if attempts.Add(1) == 1 {
				emit(runner.Line{Stream: runner.Stderr, Text: "fatal: unable to access: Could not resolve host"})
				return 128, nil
			}
			return 0, nil
		})
	repo := newRepo(t, fake, func(d *Deps) {
		d.Retry = retry.NewPolicy(config.RetryBackoffFixed, time.Millisecond, time.Millisecond, 2)
	})
	b := createBuild(t, repo)

	require.NoError(t, repo.Execute(context.Background(), b, repo.DefaultSteps(b)))
	assert.Equal(t, build.StatusSucceeded, b.Status())
	assert.Equal(t, int32(2), attempts.Load())
}

func TestExecuteCancelTerminatesRunningCommand(t *testing.T) {
	started := make(chan struct{}, 1)
	fake := runnertest.New().
		On(runnertest.Tool("xcodebuild"), runnertest.Block(started, nil, "Compiling App"))
	repo := newRepo(t, fake)
	b := createBuild(t, repo)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- repo.Execute(ctx, b, repo.DefaultSteps(b)) }()

	wait(t, started)
	assert.Equal(t, build.StatusRunning, b.Status())
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Execute did not return after cancel")
	}
	assert.Equal(t, build.StatusFailed, b.Status())
	assert.True(t, b.Cancelled())
	assert.Equal(t, build.ReasonCancelled, b.FailureReason())
	assert.False(t, b.StartedAt().IsZero())
	assert.Contains(t, b.LogLines(), "Compiling App")
}

func TestExecuteTimeout(t *testing.T) {
	fake := runnertest.New().
		On(runnertest.Tool("xcodebuild"), runnertest.Block(nil, nil))
	repo := newRepo(t, fake)
	b := createBuild(t, repo)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, repo.Execute(ctx, b, repo.DefaultSteps(b)))

	assert.Equal(t, build.StatusFailed, b.Status())
	assert.Equal(t, build.ReasonTimeout, b.FailureReason())
	assert.False(t, b.Cancelled())
}

func TestExecuteFailingTestsFailBuild(t *testing.T) {
	fake := runnertest.New().
		On(runnertest.Tool("xcodebuild"), runnertest.Output(0,
			"Test Case '-[LoginTests testValidLogin]' started.",
			"/src/LoginTests.m:42: error: -[LoginTests testValidLogin] : XCTAssertTrue failed",
			"Test Case '-[LoginTests testValidLogin]' failed (0.020 seconds).",
		))
	repo := newRepo(t, fake)
	b := createBuild(t, repo)

	require.NoError(t, repo.Execute(context.Background(), b, repo.DefaultSteps(b)))
	assert.Equal(t, build.StatusFailed, b.Status())
	assert.Equal(t, "1 failing test(s)", b.FailureReason())
	assert.Equal(t, []string{"LoginTests testValidLogin: XCTAssertTrue failed"}, b.FailureSummaries())
}

func TestExecuteNonZeroBuildExit(t *testing.T) {
	fake := runnertest.New().
		On(runnertest.Tool("xcodebuild"), runnertest.Stderr(65, "** BUILD FAILED **"))
	repo := newRepo(t, fake)
	b := createBuild(t, repo)

	require.NoError(t, repo.Execute(context.Background(), b, repo.DefaultSteps(b)))
	assert.Equal(t, build.StatusFailed, b.Status())
	assert.Equal(t, "build failed with exit code 65", b.FailureReason())
}

func TestExecuteRunsSimulatorStep(t *testing.T) {
	fake := runnertest.New().
		On(runnertest.Tool("xcrun", "simctl", "list"), runnertest.Output(0, deviceJSON)).
		On(runnertest.Tool("plutil"), runnertest.Output(0, "com.example.App")).
		On(runnertest.Tool("xcrun", "simctl", "launch"), runnertest.Output(0,
			"2011-11-28 12:00:00.000 App[1:2] *** BEGIN SCENARIO 1/1 (1 steps)",
			"2011-11-28 12:00:00.001 App[1:2] Test that checkout works.",
			"2011-11-28 12:00:00.002 App[1:2] FAIL (1.00s): Tap the \"Pay\" button",
			"2011-11-28 12:00:00.003 App[1:2] FAILING ERROR: Failed to find \"Pay\"",
			"2011-11-28 12:00:00.004 App[1:2] *** END OF SCENARIO (duration 1.00s)",
		))
	cfg := testConfig()
	cfg.Simulator = &config.SimulatorConfig{
		App:    "build/App.app",
		Family: "iphone",
		SDK:    "com.apple.CoreSimulator.SimRuntime.iOS-17-5",
	}
	repo := New(cfg, t.TempDir(), Deps{Runner: fake})
	b := createBuild(t, repo)

	steps := repo.DefaultSteps(b)
	require.NotNil(t, steps.Simulator)
	steps.Simulator.Environment = map[string]string{"UI_TESTS": "1"}
	require.NoError(t, repo.Execute(context.Background(), b, steps))

	assert.True(t, fake.Ran(runnertest.Tool("xcrun", "simctl", "install", "PHONE-1")))
	assert.Equal(t, build.StatusFailed, b.Status())
	assert.Equal(t, "1 failing test(s)", b.FailureReason())
	require.Len(t, b.FailureSummaries(), 1)
	assert.Contains(t, b.FailureSummaries()[0], "Test that checkout works.")
}

func TestExecuteSerializesBuildsOfOneRepository(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	fake := runnertest.New().
		On(runnertest.Tool("xcodebuild"), runnertest.Block(started, release))
	repo := newRepo(t, fake)
	b1 := createBuild(t, repo)
	b2 := createBuild(t, repo)

	done := make(chan struct{}, 2)
	go func() {
		_ = repo.Execute(context.Background(), b1, repo.DefaultSteps(b1))
		done <- struct{}{}
	}()
	wait(t, started)

	go func() {
		_ = repo.Execute(context.Background(), b2, repo.DefaultSteps(b2))
		done <- struct{}{}
	}()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, build.StatusPending, b2.Status(), "second build must wait for the first")

	release <- struct{}{}
	wait(t, done)
	wait(t, started)
	assert.Equal(t, build.StatusRunning, b2.Status())
	release <- struct{}{}
	wait(t, done)

	assert.Equal(t, build.StatusSucceeded, b1.Status())
	assert.Equal(t, build.StatusSucceeded, b2.Status())
}

func TestExecuteRejectsFinishedBuild(t *testing.T) {
	repo := newRepo(t, runnertest.New())
	b := createBuild(t, repo)
	require.NoError(t, repo.CancelPending(context.Background(), b))

	err := repo.Execute(context.Background(), b, repo.DefaultSteps(b))
	require.ErrorIs(t, err, build.ErrInvalidTransition)
}

func TestCancelPending(t *testing.T) {
	repo := newRepo(t, runnertest.New())
	b := createBuild(t, repo)

	require.NoError(t, repo.CancelPending(context.Background(), b))
	assert.Equal(t, build.StatusFailed, b.Status())
	assert.True(t, b.Cancelled())
	assert.True(t, b.StartedAt().IsZero())
	status, ok := repo.LatestBuildStatus()
	require.True(t, ok)
	assert.Equal(t, build.StatusFailed, status)
}

func TestPreviousBuilds(t *testing.T) {
	repo := newRepo(t, runnertest.New())
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	b1 := createBuild(t, repo)
	b2 := createBuild(t, repo)
	b3 := createBuild(t, repo)
	require.NoError(t, b1.Start(base))
	require.NoError(t, b1.Succeed(base.Add(time.Minute)))
	require.NoError(t, b2.Start(base.Add(2*time.Minute)))
	require.NoError(t, b2.Fail(base.Add(3*time.Minute), "build failed"))

	prev, ok := repo.PreviousBuild(b3)
	require.True(t, ok)
	assert.Same(t, b2, prev)

	prevOK, ok := repo.PreviousSuccessfulBuild(b3)
	require.True(t, ok)
	assert.Same(t, b1, prevOK)

	prev, ok = repo.PreviousBuild(b2)
	require.True(t, ok)
	assert.Same(t, b1, prev)

	_, ok = repo.PreviousBuild(b1)
	assert.False(t, ok)
	_, ok = repo.PreviousSuccessfulBuild(b1)
	assert.False(t, ok)

	latest, ok := repo.LatestBuild()
	require.True(t, ok)
	assert.Same(t, b3, latest)
}

func TestRestore(t *testing.T) {
	repo := newRepo(t, runnertest.New())
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	started := base.Add(time.Minute)
	ended := base.Add(2 * time.Minute)

	snaps := []build.Snapshot{
		{ID: "running", RepositoryName: "App", Branch: "main", CreatedAt: base.Add(time.Second), StartedAt: &started, Status: build.StatusRunning},
		{ID: "done", RepositoryName: "App", Branch: "main", CreatedAt: base, StartedAt: &started, EndedAt: &ended, Status: build.StatusSucceeded},
		{ID: "pending", RepositoryName: "App", Branch: "main", CreatedAt: base.Add(2 * time.Second), Status: build.StatusPending},
		{ID: "other", RepositoryName: "Other", Branch: "main", CreatedAt: base, Status: build.StatusPending},
	}
	pending := repo.Restore(context.Background(), snaps)

	require.Len(t, pending, 1)
	assert.Equal(t, "pending", pending[0].ID())
	assert.Len(t, repo.Builds(), 3)

	interrupted, ok := repo.Build("running")
	require.True(t, ok)
	assert.Equal(t, build.StatusFailed, interrupted.Status())
	assert.Equal(t, build.ReasonInterrupted, interrupted.FailureReason())

	status, ok := repo.LatestBuildStatus()
	require.True(t, ok)
	assert.Equal(t, build.StatusFailed, status)
}

func TestHistoryIsPruned(t *testing.T) {
	store, err := state.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	repo := newRepo(t, runnertest.New(), func(d *Deps) {
		d.Store = store
		d.HistoryLimit = 2
	})
	var last *build.Build
	for range 3 {
		last = createBuild(t, repo)
		require.NoError(t, repo.Execute(context.Background(), last, repo.DefaultSteps(last)))
	}

	builds := repo.Builds()
	require.Len(t, builds, 2)
	assert.Same(t, last, builds[0])

	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Builds, 2)
	require.Len(t, snap.Repositories, 1)
	assert.Equal(t, "succeeded", snap.Repositories[0].LatestStatus)
	assert.NotEmpty(t, snap.Builds[1].LogLines)
}

func TestRecordRoundTrip(t *testing.T) {
	repo := newRepo(t, runnertest.New())
	_, err := repo.CreateNewBuild(context.Background(), BuildRequest{Branch: "release", Scheme: "AppStore"})
	require.NoError(t, err)

	rec := repo.Record()
	assert.Equal(t, "release", rec.LastBranch)

	other := newRepo(t, runnertest.New())
	rec.LatestStatus = "failed"
	other.ApplyRecord(rec)
	assert.Equal(t, "release", other.LastBranch())
	assert.Equal(t, "AppStore", other.LastScheme())
	status, ok := other.LatestBuildStatus()
	require.True(t, ok)
	assert.Equal(t, build.StatusFailed, status)
}

func TestRunCommandAndWait(t *testing.T) {
	fake := runnertest.New().
		On(runnertest.Tool("git", "rev-parse"), runnertest.Output(0, "0123456789abcdef"))
	repo := newRepo(t, fake)

	res, err := repo.RunCommandAndWait(context.Background(), "git", "rev-parse", "HEAD")
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef\n", res.Output)
	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, repo.LocalPath(), calls[0].Dir)
}

func TestRefresh(t *testing.T) {
	root := t.TempDir()
	checkout := filepath.Join(root, "App")
	gitRepo, err := gogit.PlainInit(checkout, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(checkout, "README.md"), []byte("app\n"), 0o600))
	wt, err := gitRepo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &gogit.CommitOptions{
		Author: &object.Signature{Name: "CI", Email: "ci@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	fake := runnertest.New().
		On(runnertest.Tool("xcrun", "simctl", "list"), runnertest.Output(0, deviceJSON)).
		On(runnertest.Tool("xcodebuild", "-list"), runnertest.Output(0,
			`{"project": {"name": "App", "schemes": ["AppTests", "App"]}}`))

	bus := events.NewBus()
	defer bus.Close()
	updates, unsubscribe := events.Subscribe[events.RepositoryUpdated](bus, 4)
	defer unsubscribe()

	repo := New(testConfig(), root, Deps{Runner: fake, Bus: bus})
	require.True(t, repo.ClonedAlready())
	require.NoError(t, repo.Refresh(context.Background()))

	assert.Equal(t, []string{"master"}, repo.Branches())
	assert.Equal(t, []string{"App", "AppTests"}, repo.Schemes())
	require.Len(t, repo.Platforms(), 1)
	assert.Equal(t, build.Platform{
		Name:      "iPhone 15",
		OS:        "iOS 17.5",
		RuntimeID: "com.apple.CoreSimulator.SimRuntime.iOS-17-5",
		DeviceID:  "PHONE-1",
	}, repo.Platforms()[0])

	select {
	case evt := <-updates:
		assert.Equal(t, "App", evt.Repository)
		assert.Equal(t, []string{"App", "AppTests"}, evt.Schemes)
	default:
		t.Fatal("expected a repository update event")
	}
}

func TestRefreshKeepsPreviousValuesOnError(t *testing.T) {
	fake := runnertest.New().
		On(runnertest.Tool("xcrun", "simctl", "list"), runnertest.Stderr(1, "simctl unavailable"))
	repo := newRepo(t, fake)

	require.Error(t, repo.Refresh(context.Background()))
	assert.Empty(t, repo.Platforms())
}

func TestRefreshSkipsWorkingCopyDuringBuild(t *testing.T) {
	root := t.TempDir()
	_, err := gogit.PlainInit(filepath.Join(root, "App"), false)
	require.NoError(t, err)
	fake := runnertest.New().
		On(runnertest.Tool("xcrun", "simctl", "list"), runnertest.Output(0, deviceJSON))
	repo := New(testConfig(), root, Deps{Runner: fake})
	require.True(t, repo.ClonedAlready())

	repo.pipeline.Lock()
	require.NoError(t, repo.Refresh(context.Background()))
	repo.pipeline.Unlock()

	assert.False(t, fake.Ran(runnertest.Tool("xcodebuild", "-list")))
	assert.Empty(t, repo.Schemes())
	assert.Len(t, repo.Platforms(), 1)
}

func TestParseSchemes(t *testing.T) {
	got, err := ParseSchemes([]byte(`{"workspace": {"schemes": ["Pods", "App"]}, "project": {"schemes": ["App"]}}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"App", "Pods"}, got)

	_, err = ParseSchemes([]byte("not json"))
	require.Error(t, err)
}

func TestXcodebuildArgs(t *testing.T) {
	cfg := testConfig()
	cfg.SDK = "iphonesimulator"
	b := build.New(build.Params{
		RepositoryName: "App",
		Branch:         "main",
		Scheme:         "App",
		Platform:       build.Platform{Name: "iPhone 15", OS: "iOS 17.5"},
	}, time.Now())

	assert.Equal(t, []string{
		"xcodebuild", "-scheme", "App", "-sdk", "iphonesimulator",
		"-destination", "platform=iOS Simulator,name=iPhone 15,OS=17.5", "build",
	}, XcodebuildArgs("xcodebuild", cfg, b))

	cfg.BuildCommand = []string{"make", "test", "SCHEME=${SCHEME}", "BRANCH=${BRANCH}", "HOME=${HOME}"}
	assert.Equal(t, []string{"make", "test", "SCHEME=App", "BRANCH=main", "HOME=${HOME}"},
		XcodebuildArgs("xcodebuild", cfg, b))

	bare := build.New(build.Params{RepositoryName: "App", Branch: "main"}, time.Now())
	assert.Equal(t, []string{"xcodebuild", "build"}, XcodebuildArgs("", config.RepositoryConfig{}, bare))
}
