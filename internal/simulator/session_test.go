package simulator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	foundationerrors "git.home.luguber.info/inful/ciagent/internal/foundation/errors"
	"git.home.luguber.info/inful/ciagent/internal/runner"
	"git.home.luguber.info/inful/ciagent/internal/runner/runnertest"
)

const runtimeID = "com.apple.CoreSimulator.SimRuntime.iOS-17-5"

const deviceJSON = `{
  "devices": {
    "com.apple.CoreSimulator.SimRuntime.iOS-17-5": [
      {"udid": "IPAD-1", "name": "iPad Air", "state": "Shutdown", "isAvailable": true},
      {"udid": "PHONE-1", "name": "iPhone 15", "state": "Shutdown", "isAvailable": true}
    ],
    "com.apple.CoreSimulator.SimRuntime.iOS-16-4": [
      {"udid": "OLD-1", "name": "iPhone 14", "state": "Shutdown", "isAvailable": true}
    ]
  }
}`

type fakeRecorder struct {
	starts atomic.Int32
	stops  atomic.Int32
	path   string
}

func (f *fakeRecorder) Start(_ context.Context, _, outputPath string) error {
	f.starts.Add(1)
	f.path = outputPath
	return nil
}

func (f *fakeRecorder) Stop() error {
	f.stops.Add(1)
	return nil
}

func newFake() *runnertest.Fake {
	return runnertest.New().
		On(runnertest.Tool("xcrun", "simctl", "list"), runnertest.Output(0, deviceJSON)).
		On(runnertest.Tool("plutil"), runnertest.Output(0, "com.example.App"))
}

func newSession(r runner.Runner) *Session {
	return &Session{
		AppURL:   "file:///tmp/build/App.app",
		Platform: PlatformIPhone,
		SDK:      runtimeID,
		Runner:   r,
		Xcrun:    "xcrun",
	}
}

func collect(t *testing.T, done <-chan int) int {
	t.Helper()
	select {
	case code, ok := <-done:
		require.True(t, ok, "completion channel closed without a code")
		_, open := <-done
		assert.False(t, open, "completion channel must be closed after the code")
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("session did not complete")
		return 0
	}
}

func TestLaunchRejectsInvalidSession(t *testing.T) {
	fake := newFake()
	cases := map[string]func(*Session){
		"missing app":      func(s *Session) { s.AppURL = "" },
		"missing platform": func(s *Session) { s.Platform = PlatformUnknown },
		"missing sdk":      func(s *Session) { s.SDK = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := newSession(fake)
			mutate(s)
			done, ok := s.Launch(context.Background(), nil)
			assert.False(t, ok)
			assert.Nil(t, done)
		})
	}
	assert.Empty(t, fake.Calls(), "invalid sessions must not run anything")
}

func TestLaunchStreamsOutputAndCompletesOnce(t *testing.T) {
	fake := newFake().
		On(runnertest.Tool("xcrun", "simctl", "launch"), runnertest.Output(0, "*** BEGIN SCENARIO 1/1 (1 steps)", "Login works.", "*** END OF SCENARIO"))
	rec := &fakeRecorder{}
	outPath := filepath.Join(t.TempDir(), "logs", "console.log")

	s := newSession(fake)
	s.Recorder = rec
	s.VideoOutputURL = "/tmp/video.mov"
	s.OutputPath = outPath
	s.Environment = map[string]string{"KIF": "1"}

	var mu sync.Mutex
	var lines []string
	done, ok := s.Launch(context.Background(), func(l string) {
		mu.Lock()
		lines = append(lines, l)
		mu.Unlock()
	})
	require.True(t, ok)
	assert.Equal(t, 0, collect(t, done))

	mu.Lock()
	assert.Equal(t, []string{"*** BEGIN SCENARIO 1/1 (1 steps)", "Login works.", "*** END OF SCENARIO"}, lines)
	mu.Unlock()

	assert.EqualValues(t, 1, rec.starts.Load())
	assert.EqualValues(t, 1, rec.stops.Load())
	assert.Equal(t, "/tmp/video.mov", rec.path)

	tee, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Contains(t, string(tee), "Login works.")

	var launch runner.Command
	for _, c := range fake.Calls() {
		if len(c.Args) > 1 && c.Args[1] == "launch" {
			launch = c
		}
	}
	assert.Contains(t, launch.Args, "PHONE-1")
	assert.Contains(t, launch.Args, "com.example.App")
	assert.Equal(t, []string{"SIMCTL_CHILD_KIF=1"}, launch.Env)
	assert.True(t, fake.Ran(runnertest.Tool("xcrun", "simctl", "install", "PHONE-1", "/tmp/build/App.app")))

	again, ok := s.Launch(context.Background(), nil)
	assert.False(t, ok, "a session launches at most once")
	assert.Nil(t, again)
}

func TestLaunchReportsCrashExitCode(t *testing.T) {
	fake := newFake().On(runnertest.Tool("xcrun", "simctl", "launch"), runnertest.Output(139, "about to crash"))
	s := newSession(fake)
	s.BundleID = "com.example.App"
	done, ok := s.Launch(context.Background(), nil)
	require.True(t, ok)
	assert.Equal(t, 139, collect(t, done))
	assert.False(t, fake.Ran(runnertest.Tool("plutil")), "explicit bundle id skips plist lookup")
}

func TestLaunchUnavailableRuntime(t *testing.T) {
	rec := &fakeRecorder{}
	s := newSession(newFake())
	s.SDK = "com.apple.CoreSimulator.SimRuntime.iOS-99-0"
	s.Recorder = rec
	s.VideoOutputURL = "/tmp/video.mov"
	done, ok := s.Launch(context.Background(), nil)
	require.True(t, ok)
	assert.Equal(t, ExitSessionUnavailable, collect(t, done))
	assert.EqualValues(t, 0, rec.starts.Load())
}

func TestLaunchSpawnFailureIsUnavailable(t *testing.T) {
	fake := runnertest.New().On(runnertest.Tool("xcrun"), runnertest.Fail(foundationerrors.SpawnError("not found").WithCause(errors.New("exec: xcrun")).Build()))
	done, ok := newSession(fake).Launch(context.Background(), nil)
	require.True(t, ok)
	assert.Equal(t, ExitSessionUnavailable, collect(t, done))
}

func TestLaunchCancellationStopsRecorder(t *testing.T) {
	started := make(chan struct{}, 1)
	fake := newFake().On(runnertest.Tool("xcrun", "simctl", "launch"), runnertest.Block(started, nil, "running"))
	rec := &fakeRecorder{}
	s := newSession(fake)
	s.Recorder = rec
	s.VideoOutputURL = "/tmp/video.mov"

	ctx, cancel := context.WithCancel(context.Background())
	done, ok := s.Launch(ctx, nil)
	require.True(t, ok)
	<-started
	cancel()

	assert.Equal(t, ExitSessionCancelled, collect(t, done))
	assert.EqualValues(t, 1, rec.stops.Load())
}

func TestLaunchTimeout(t *testing.T) {
	fake := newFake().On(runnertest.Tool("xcrun", "simctl", "launch"), runnertest.Block(nil, nil))
	s := newSession(fake)
	s.Timeout = 50 * time.Millisecond
	done, ok := s.Launch(context.Background(), nil)
	require.True(t, ok)
	assert.Equal(t, ExitSessionTimeout, collect(t, done))
}

func TestParsePlatform(t *testing.T) {
	p, ok := ParsePlatform("iPad")
	assert.True(t, ok)
	assert.Equal(t, PlatformIPad, p)
	assert.Equal(t, 2, int(p))
	assert.Equal(t, 1, int(PlatformIPhone))

	_, ok = ParsePlatform("watch")
	assert.False(t, ok)
}

func TestParseDeviceList(t *testing.T) {
	devices, err := ParseDeviceList([]byte(deviceJSON))
	require.NoError(t, err)
	require.Len(t, devices, 3)
	assert.Equal(t, "OLD-1", devices[0].UDID)
	assert.Equal(t, "iOS 16.4", devices[0].OS())
	assert.Equal(t, "iPad Air", devices[1].Name)
	assert.Equal(t, "iOS 17.5", devices[2].OS())
}
