// Package simulator runs an app bundle under the iOS simulator through
// `xcrun simctl`, streaming its console output and optionally recording video.
package simulator

import (
	"context"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	foundationerrors "git.home.luguber.info/inful/ciagent/internal/foundation/errors"
	"git.home.luguber.info/inful/ciagent/internal/logfields"
	"git.home.luguber.info/inful/ciagent/internal/runner"
)

// Sentinel exit codes delivered on the completion channel. They are negative
// so they never collide with a process exit status.
const (
	ExitSessionUnavailable = -100
	ExitSessionTimeout     = -101
	ExitSessionCancelled   = -102
)

// Platform is the simulated device family.
type Platform int

const (
	PlatformUnknown Platform = 0
	PlatformIPhone  Platform = 1
	PlatformIPad    Platform = 2
)

func (p Platform) String() string {
	switch p {
	case PlatformIPhone:
		return "iphone"
	case PlatformIPad:
		return "ipad"
	default:
		return "unknown"
	}
}

// deviceName is the prefix simctl uses for devices of this family.
func (p Platform) deviceName() string {
	switch p {
	case PlatformIPhone:
		return "iPhone"
	case PlatformIPad:
		return "iPad"
	default:
		return ""
	}
}

// ParsePlatform converts "iphone" or "ipad" (any case) to a Platform.
func ParsePlatform(s string) (Platform, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "iphone":
		return PlatformIPhone, true
	case "ipad":
		return PlatformIPad, true
	default:
		return PlatformUnknown, false
	}
}

// Session describes one simulator run. A Session is launched at most once.
type Session struct {
	// AppURL is the path (or file:// URL) of the .app bundle to install.
	AppURL      string
	BundleID    string
	Arguments   []string
	Environment map[string]string
	Platform    Platform
	// SDK is the simulator runtime identifier, e.g. com.apple.CoreSimulator.SimRuntime.iOS-17-5.
	SDK string
	// DeviceID selects a device by UDID. When empty the first available device
	// of Platform under SDK is used.
	DeviceID string
	// OutputPath, when set, receives a copy of the console output.
	OutputPath     string
	VideoOutputURL string
	Timeout        time.Duration

	Runner   runner.Runner
	Xcrun    string
	Recorder VideoRecorder
	Logger   *slog.Logger

	launched sync.Once
	finish   sync.Once
}

// Validate reports whether the session has everything needed to launch.
func (s *Session) Validate() error {
	var missing []string
	if s.AppURL == "" {
		missing = append(missing, "app url")
	}
	if s.Platform != PlatformIPhone && s.Platform != PlatformIPad {
		missing = append(missing, "platform")
	}
	if s.SDK == "" {
		missing = append(missing, "sdk")
	}
	if s.Runner == nil {
		missing = append(missing, "runner")
	}
	if len(missing) > 0 {
		return foundationerrors.ValidationError("simulator session is incomplete").
			WithContext("missing", strings.Join(missing, ", ")).Build()
	}
	return nil
}

// Launch validates the session and starts it in the background. It returns
// false without starting anything when the session is invalid or was already
// launched. Otherwise every console line is passed to output and the returned
// channel receives exactly one exit code and is then closed. The code is
// delivered after all output was flushed and any video recording stopped.
func (s *Session) Launch(ctx context.Context, output func(string)) (<-chan int, bool) {
	if err := s.Validate(); err != nil {
		s.logger().Warn("Simulator session rejected", logfields.Error(err))
		return nil, false
	}
	accepted := false
	s.launched.Do(func() { accepted = true })
	if !accepted {
		return nil, false
	}

	done := make(chan int, 1)
	go func() {
		code := s.run(ctx, output)
		s.complete(done, code)
	}()
	return done, true
}

func (s *Session) complete(done chan int, code int) {
	s.finish.Do(func() {
		done <- code
		close(done)
	})
}

func (s *Session) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Session) xcrun() string {
	if s.Xcrun != "" {
		return s.Xcrun
	}
	return "xcrun"
}

func (s *Session) appPath() string {
	return strings.TrimPrefix(s.AppURL, "file://")
}

func (s *Session) run(ctx context.Context, output func(string)) int {
	log := s.logger()
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	emit, closeTee := s.outputSink(output)
	defer closeTee()

	udid, err := s.resolveDevice(ctx)
	if err != nil {
		log.Warn("Simulator runtime unavailable", slog.String("sdk", s.SDK), logfields.Error(err))
		emit("simulator unavailable: " + err.Error())
		return sessionCode(ctx, ExitSessionUnavailable)
	}

	if res, err := s.simctl(ctx, nil, "boot", udid); err != nil {
		emit("simulator boot failed: " + err.Error())
		return sessionCode(ctx, ExitSessionUnavailable)
	} else if res.ExitCode != 0 && !strings.Contains(res.ErrorOutput, "Booted") {
		emit(strings.TrimSpace(res.ErrorOutput))
		return sessionCode(ctx, ExitSessionUnavailable)
	}

	if s.VideoOutputURL != "" {
		rec := s.recorder()
		if err := rec.Start(ctx, udid, strings.TrimPrefix(s.VideoOutputURL, "file://")); err != nil {
			log.Warn("Video recording did not start", logfields.Error(err))
		} else {
			defer func() {
				if err := rec.Stop(); err != nil {
					log.Warn("Video recording did not stop cleanly", logfields.Error(err))
				}
			}()
		}
	}

	lineSink := func(l runner.Line) { emit(l.Text) }
	res, err := s.simctl(ctx, lineSink, "install", udid, s.appPath())
	if err != nil {
		return sessionCode(ctx, ExitSessionUnavailable)
	}
	if res.ExitCode != 0 {
		return res.ExitCode
	}

	bundleID := s.BundleID
	if bundleID == "" {
		bundleID, err = s.readBundleID(ctx)
		if err != nil {
			emit("could not determine bundle identifier: " + err.Error())
			return sessionCode(ctx, ExitSessionUnavailable)
		}
	}

	args := append([]string{"launch", "--console-pty", "--terminate-running-process", udid, bundleID}, s.Arguments...)
	log.Info("Launching app in simulator", slog.String("device", udid), slog.String("bundle_id", bundleID))
	res, err = s.simctlEnv(ctx, lineSink, s.childEnv(), args...)
	if err != nil {
		if foundationerrors.HasCategory(err, foundationerrors.CategorySpawn) {
			return ExitSessionUnavailable
		}
		return sessionCode(ctx, res.ExitCode)
	}
	return res.ExitCode
}

// sessionCode maps a context that ended to the timeout or cancellation sentinel.
func sessionCode(ctx context.Context, fallback int) int {
	switch {
	case stdErrors.Is(ctx.Err(), context.DeadlineExceeded):
		return ExitSessionTimeout
	case ctx.Err() != nil:
		return ExitSessionCancelled
	default:
		return fallback
	}
}

func (s *Session) recorder() VideoRecorder {
	if s.Recorder != nil {
		return s.Recorder
	}
	return &SimctlRecorder{Runner: s.Runner, Xcrun: s.xcrun()}
}

// outputSink returns the output function, teeing to OutputPath when set.
func (s *Session) outputSink(output func(string)) (func(string), func()) {
	var tee io.WriteCloser
	if s.OutputPath != "" {
		if err := os.MkdirAll(filepath.Dir(s.OutputPath), 0o755); err == nil {
			f, err := os.Create(s.OutputPath)
			if err != nil {
				s.logger().Warn("Cannot write simulator output file", logfields.Path(s.OutputPath), logfields.Error(err))
			} else {
				tee = f
			}
		}
	}
	var mu sync.Mutex
	emit := func(line string) {
		mu.Lock()
		defer mu.Unlock()
		if tee != nil {
			_, _ = fmt.Fprintln(tee, line)
		}
		if output != nil {
			output(line)
		}
	}
	return emit, func() {
		if tee != nil {
			_ = tee.Close()
		}
	}
}

// childEnv passes Environment to the launched app via SIMCTL_CHILD_ variables.
func (s *Session) childEnv() []string {
	keys := make([]string, 0, len(s.Environment))
	for k := range s.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, "SIMCTL_CHILD_"+k+"="+s.Environment[k])
	}
	return env
}

func (s *Session) simctl(ctx context.Context, sink runner.Sink, args ...string) (runner.Result, error) {
	return s.simctlEnv(ctx, sink, nil, args...)
}

func (s *Session) simctlEnv(ctx context.Context, sink runner.Sink, env []string, args ...string) (runner.Result, error) {
	return s.Runner.Run(ctx, runner.Command{
		Name: s.xcrun(),
		Args: append([]string{"simctl"}, args...),
		Env:  env,
	}, sink)
}

func (s *Session) readBundleID(ctx context.Context) (string, error) {
	res, err := s.Runner.Run(ctx, runner.Command{
		Name: "plutil",
		Args: []string{"-extract", "CFBundleIdentifier", "raw", "-o", "-", filepath.Join(s.appPath(), "Info.plist")},
	}, nil)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(res.Output)
	if res.ExitCode != 0 || id == "" {
		return "", fmt.Errorf("plutil exited %d: %s", res.ExitCode, strings.TrimSpace(res.ErrorOutput))
	}
	return id, nil
}
