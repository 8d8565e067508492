package build

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	foundationerrors "git.home.luguber.info/inful/ciagent/internal/foundation/errors"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newBuild() *Build {
	return New(Params{RepositoryName: "App", Branch: "main", Scheme: "App", Platform: Platform{Name: "iPhone 15", OS: "iOS 17.5"}}, t0)
}

func TestNewBuildIsPending(t *testing.T) {
	b := newBuild()
	assert.NotEmpty(t, b.ID())
	assert.NotEqual(t, b.ID(), newBuild().ID())
	assert.Equal(t, StatusPending, b.Status())
	assert.True(t, b.StartedAt().IsZero())
	assert.Equal(t, t0, b.CreatedAt())
}

func TestLegalTransitions(t *testing.T) {
	b := newBuild()
	require.NoError(t, b.Start(t0.Add(time.Second)))
	assert.Equal(t, StatusRunning, b.Status())
	assert.Equal(t, t0.Add(time.Second), b.StartedAt())

	require.NoError(t, b.Succeed(t0.Add(time.Minute)))
	assert.Equal(t, StatusSucceeded, b.Status())
	assert.Equal(t, t0.Add(time.Minute), b.EndedAt())
	assert.Equal(t, 1.0, b.Progress())
	assert.Equal(t, time.Minute-time.Second, b.Duration(time.Now()))

	f := newBuild()
	require.NoError(t, f.Start(t0))
	require.NoError(t, f.Fail(t0.Add(time.Second), "exit code 65"))
	assert.Equal(t, StatusFailed, f.Status())
	assert.Equal(t, "exit code 65", f.FailureReason())
	assert.False(t, f.Cancelled())
}

func TestIllegalTransitionsAreHardFaults(t *testing.T) {
	pending := newBuild()
	assert.ErrorIs(t, pending.Succeed(t0), ErrInvalidTransition)
	assert.ErrorIs(t, pending.Fail(t0, "x"), ErrInvalidTransition)

	running := newBuild()
	require.NoError(t, running.Start(t0))
	err := running.Start(t0)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, foundationerrors.CategoryInternal, foundationerrors.GetCategory(err))

	done := newBuild()
	require.NoError(t, done.Start(t0))
	require.NoError(t, done.Succeed(t0))
	for name, fn := range map[string]func() error{
		"start":   func() error { return done.Start(t0) },
		"succeed": func() error { return done.Succeed(t0) },
		"fail":    func() error { return done.Fail(t0, "x") },
		"cancel":  func() error { return done.Cancel(t0) },
	} {
		assert.ErrorIs(t, fn(), ErrInvalidTransition, name)
	}
	assert.Equal(t, StatusSucceeded, done.Status(), "terminal states are absorbing")
}

func TestCancelPendingNeverStarts(t *testing.T) {
	b := newBuild()
	require.NoError(t, b.Cancel(t0.Add(time.Second)))
	assert.Equal(t, StatusFailed, b.Status())
	assert.True(t, b.Cancelled())
	assert.True(t, b.StartedAt().IsZero())
	assert.Equal(t, ReasonCancelled, b.FailureReason())
	assert.Equal(t, time.Duration(0), b.Duration(t0.Add(time.Hour)))
}

func TestCancelRunning(t *testing.T) {
	b := newBuild()
	require.NoError(t, b.Start(t0))
	require.NoError(t, b.Cancel(t0.Add(time.Second)))
	assert.Equal(t, StatusFailed, b.Status())
	assert.True(t, b.Cancelled())
	assert.Equal(t, "App (main) cancelled", b.ActivityTitle())
}

func TestProgressNeverRegresses(t *testing.T) {
	b := newBuild()
	assert.True(t, b.SetProgress(0.5))
	assert.False(t, b.SetProgress(0.3))
	assert.Equal(t, 0.5, b.Progress())
	assert.True(t, b.SetProgress(7))
	assert.Equal(t, 1.0, b.Progress())
	assert.False(t, b.SetProgress(-1))
}

func TestAppendLogRejectedAfterFinish(t *testing.T) {
	b := newBuild()
	require.NoError(t, b.Start(t0))
	require.NoError(t, b.AppendLog("A"))
	require.NoError(t, b.AppendLog("B"))
	require.NoError(t, b.Succeed(t0))

	err := b.AppendLog("C")
	assert.True(t, errors.Is(err, ErrBuildFinished))
	assert.Equal(t, []string{"A", "B"}, b.LogLines())
	assert.Equal(t, 2, b.LogLen())
	assert.ErrorIs(t, b.SetRevision("abc", "log"), ErrBuildFinished)
}

func TestDerivedStrings(t *testing.T) {
	b := newBuild()
	assert.Equal(t, "", b.AbbreviatedLatestRevision())
	require.NoError(t, b.Start(t0))
	require.NoError(t, b.SetRevision("0123456789abcdef", "Fix login"))
	assert.Equal(t, "0123456", b.AbbreviatedLatestRevision())
	assert.Equal(t, "App (main) running", b.ActivityTitle())

	require.NoError(t, b.SetFailureSummaries([]string{"Login: timeout"}))
	require.NoError(t, b.Fail(t0, "tests failed"))
	assert.Equal(t, "App failed on main at 0123456: 1 failing scenario(s)", b.Description())
}

func TestSnapshotRoundTrip(t *testing.T) {
	b := newBuild()
	require.NoError(t, b.Start(t0))
	require.NoError(t, b.AppendLog("line"))
	require.NoError(t, b.Fail(t0.Add(time.Second), "boom"))

	data, err := json.Marshal(b.Snapshot())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"failed"`)

	var s Snapshot
	require.NoError(t, json.Unmarshal(data, &s))
	restored := Restore(s)
	assert.Equal(t, b.ID(), restored.ID())
	assert.Equal(t, StatusFailed, restored.Status())
	assert.Equal(t, []string{"line"}, restored.LogLines())
	assert.Equal(t, t0, restored.StartedAt())
	assert.Empty(t, b.Summary().LogLines)
}

func TestParseStatus(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusRunning, StatusSucceeded, StatusFailed} {
		got, err := ParseStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseStatus("exploded")
	assert.Error(t, err)
}

func TestPlatformDestination(t *testing.T) {
	assert.Equal(t, "platform=iOS Simulator,name=iPhone 15,OS=17.5", Platform{Name: "iPhone 15", OS: "iOS 17.5"}.Destination())
	assert.Equal(t, "id=ABC", Platform{Name: "iPhone 15", DeviceID: "ABC"}.Destination())
	assert.Equal(t, "iPhone 15 (iOS 17.5)", Platform{Name: "iPhone 15", OS: "iOS 17.5"}.String())
	assert.True(t, Platform{}.IsZero())
}
