// Package build models one attempt to check out, compile and test a repository.
//
// A Build moves strictly along Pending -> Running -> {Succeeded, Failed}.
// Terminal states are absorbing: once a build has finished its log, status and
// timestamps never change again. All methods are safe for concurrent use.
package build

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	foundationerrors "git.home.luguber.info/inful/ciagent/internal/foundation/errors"
)

var (
	// ErrInvalidTransition is a contract violation, e.g. starting a running build.
	ErrInvalidTransition = foundationerrors.InternalError("invalid build state transition").Build()
	// ErrBuildFinished is returned when mutating a build in a terminal state.
	ErrBuildFinished = foundationerrors.NewError(foundationerrors.CategoryConflict, "build already finished").Build()
)

// Failure reasons set by the agent rather than by a failing step.
const (
	ReasonCancelled = "cancelled"
	ReasonTimeout   = "timeout"
	// ReasonInterrupted marks builds that were running when the agent stopped.
	ReasonInterrupted = "interrupted"
)

// Params are the user-chosen inputs of a new build.
type Params struct {
	RepositoryName    string
	Branch            string
	Scheme            string
	Platform          Platform
	RequestedRevision string
}

// Build is a single build attempt owned by a repository.
type Build struct {
	mu sync.RWMutex

	id                string
	repositoryName    string
	branch            string
	scheme            string
	platform          Platform
	requestedRevision string

	latestRevision string
	commitLog      string

	createdAt time.Time
	startedAt time.Time
	endedAt   time.Time

	status           Status
	progress         float64
	logLines         []string
	description      string
	cancelled        bool
	failureReason    string
	failureSummaries []string
}

// New creates a Pending build with a fresh id.
func New(p Params, now time.Time) *Build {
	return &Build{
		id:                uuid.NewString(),
		repositoryName:    p.RepositoryName,
		branch:            p.Branch,
		scheme:            p.Scheme,
		platform:          p.Platform,
		requestedRevision: p.RequestedRevision,
		createdAt:         now,
		status:            StatusPending,
	}
}

func (b *Build) invalid(to Status) error {
	return fmt.Errorf("%w: %s -> %s (build %s)", ErrInvalidTransition, b.status, to, b.id)
}

// Start moves a Pending build to Running.
func (b *Build) Start(now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusPending {
		return b.invalid(StatusRunning)
	}
	b.status = StatusRunning
	b.startedAt = now
	return nil
}

// Succeed moves a Running build to Succeeded.
func (b *Build) Succeed(now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusRunning {
		return b.invalid(StatusSucceeded)
	}
	b.status = StatusSucceeded
	b.endedAt = now
	b.progress = 1
	b.description = b.describeLocked()
	return nil
}

// Fail moves a Running build to Failed with a reason.
func (b *Build) Fail(now time.Time, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusRunning {
		return b.invalid(StatusFailed)
	}
	b.status = StatusFailed
	b.endedAt = now
	b.failureReason = reason
	b.description = b.describeLocked()
	return nil
}

// Cancel fails a Pending or Running build and marks it cancelled. A Pending
// build never receives a start time.
func (b *Build) Cancel(now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.Terminal() {
		return b.invalid(StatusFailed)
	}
	b.status = StatusFailed
	b.endedAt = now
	b.cancelled = true
	b.failureReason = ReasonCancelled
	b.description = b.describeLocked()
	return nil
}

// SetProgress records advisory progress in [0,1]. Values are clamped and
// progress never decreases. It reports whether the value changed.
func (b *Build) SetProgress(p float64) bool {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.Terminal() || p <= b.progress {
		return false
	}
	b.progress = p
	return true
}

// AppendLog appends one output line.
func (b *Build) AppendLog(line string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.Terminal() {
		return ErrBuildFinished
	}
	b.logLines = append(b.logLines, line)
	return nil
}

// SetRevision records the checked out commit and its log message.
func (b *Build) SetRevision(revision, commitLog string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.Terminal() {
		return ErrBuildFinished
	}
	b.latestRevision = revision
	b.commitLog = commitLog
	return nil
}

// SetFailureSummaries records the failed test scenarios found in the log.
func (b *Build) SetFailureSummaries(summaries []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.Terminal() {
		return ErrBuildFinished
	}
	b.failureSummaries = slices.Clone(summaries)
	return nil
}

func (b *Build) ID() string                { return b.id }
func (b *Build) RepositoryName() string    { return b.repositoryName }
func (b *Build) Branch() string            { return b.branch }
func (b *Build) Scheme() string            { return b.scheme }
func (b *Build) Platform() Platform        { return b.platform }
func (b *Build) RequestedRevision() string { return b.requestedRevision }
func (b *Build) CreatedAt() time.Time      { return b.createdAt }

func (b *Build) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// StartedAt is zero until the build starts.
func (b *Build) StartedAt() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.startedAt
}

// EndedAt is zero until the build finishes.
func (b *Build) EndedAt() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.endedAt
}

func (b *Build) Progress() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.progress
}

func (b *Build) Cancelled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cancelled
}

func (b *Build) FailureReason() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.failureReason
}

func (b *Build) FailureSummaries() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.failureSummaries)
}

func (b *Build) LatestRevision() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latestRevision
}

func (b *Build) CommitLog() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.commitLog
}

func (b *Build) Description() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.description
}

// LogLines returns a copy of the log.
func (b *Build) LogLines() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.logLines)
}

// LogLen returns the number of log lines.
func (b *Build) LogLen() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.logLines)
}

// Duration is the running time so far, or the total once finished.
func (b *Build) Duration(now time.Time) time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	switch {
	case b.startedAt.IsZero():
		return 0
	case b.endedAt.IsZero():
		return now.Sub(b.startedAt)
	default:
		return b.endedAt.Sub(b.startedAt)
	}
}

// AbbreviatedLatestRevision returns the first seven characters of the revision.
func (b *Build) AbbreviatedLatestRevision() string {
	return abbreviate(b.LatestRevision())
}

// ActivityTitle combines repository, branch and status for activity lists.
func (b *Build) ActivityTitle() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return fmt.Sprintf("%s (%s) %s", b.repositoryName, b.branch, b.statusWordLocked())
}

func (b *Build) statusWordLocked() string {
	if b.cancelled {
		return ReasonCancelled
	}
	return b.status.String()
}

func (b *Build) describeLocked() string {
	desc := fmt.Sprintf("%s %s on %s", b.repositoryName, b.statusWordLocked(), b.branch)
	if rev := abbreviate(b.latestRevision); rev != "" {
		desc += " at " + rev
	}
	switch {
	case len(b.failureSummaries) > 0:
		desc += fmt.Sprintf(": %d failing scenario(s)", len(b.failureSummaries))
	case b.failureReason != "" && !b.cancelled:
		desc += ": " + b.failureReason
	}
	return desc
}

func abbreviate(rev string) string {
	if len(rev) <= 7 {
		return rev
	}
	return rev[:7]
}
