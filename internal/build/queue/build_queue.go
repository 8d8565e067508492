// Package queue holds pending builds in admission order.
//
// The queue is an ordering index only. It stores build pointers owned by
// their repositories and never changes a build's state; the agent's workers
// decide what to run and the repository pipeline decides how.
package queue

import (
	stdErrors "errors"
	"slices"
	"sync"

	"git.home.luguber.info/inful/ciagent/internal/build"
	foundationerrors "git.home.luguber.info/inful/ciagent/internal/foundation/errors"
)

// DefaultMaxSize is used when a non-positive capacity is configured.
const DefaultMaxSize = 100

// ErrQueueFull is returned by Enqueue when the queue is at capacity.
var ErrQueueFull = foundationerrors.NewError(foundationerrors.CategoryConflict, "build queue is full").
	Retryable().
	Build()

// BuildQueue is a bounded FIFO of pending builds.
type BuildQueue struct {
	mu      sync.Mutex
	entries []*build.Build
	index   map[string]struct{}
	maxSize int
	ready   chan struct{}
}

// New creates a build queue holding at most maxSize builds.
func New(maxSize int) *BuildQueue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &BuildQueue{
		index:   make(map[string]struct{}),
		maxSize: maxSize,
		ready:   make(chan struct{}, 1),
	}
}

// Enqueue appends a build to the tail of the queue.
func (bq *BuildQueue) Enqueue(b *build.Build) error {
	if b == nil {
		return stdErrors.New("build cannot be nil")
	}
	if b.ID() == "" {
		return stdErrors.New("build ID is required")
	}

	bq.mu.Lock()
	defer bq.mu.Unlock()
	if _, dup := bq.index[b.ID()]; dup {
		return foundationerrors.NewError(foundationerrors.CategoryConflict, "build already queued").
			WithContext("build_id", b.ID()).
			Build()
	}
	if len(bq.entries) >= bq.maxSize {
		return ErrQueueFull
	}
	bq.entries = append(bq.entries, b)
	bq.index[b.ID()] = struct{}{}
	bq.signal()
	return nil
}

// DequeueNext removes and returns the oldest build accepted by eligible. A nil
// predicate accepts the head. It reports false when nothing qualifies.
func (bq *BuildQueue) DequeueNext(eligible func(*build.Build) bool) (*build.Build, bool) {
	bq.mu.Lock()
	defer bq.mu.Unlock()
	for i, b := range bq.entries {
		if eligible != nil && !eligible(b) {
			continue
		}
		bq.removeAt(i)
		return b, true
	}
	return nil, false
}

// Remove drops a queued build. It is a no-op for builds that are no longer queued.
func (bq *BuildQueue) Remove(id string) bool {
	bq.mu.Lock()
	defer bq.mu.Unlock()
	if _, ok := bq.index[id]; !ok {
		return false
	}
	i := slices.IndexFunc(bq.entries, func(b *build.Build) bool { return b.ID() == id })
	bq.removeAt(i)
	return true
}

// Contains reports whether the build is waiting in the queue.
func (bq *BuildQueue) Contains(id string) bool {
	bq.mu.Lock()
	defer bq.mu.Unlock()
	_, ok := bq.index[id]
	return ok
}

// Len returns the current queue length.
func (bq *BuildQueue) Len() int {
	bq.mu.Lock()
	defer bq.mu.Unlock()
	return len(bq.entries)
}

// Pending returns the queued builds, oldest first.
func (bq *BuildQueue) Pending() []*build.Build {
	bq.mu.Lock()
	defer bq.mu.Unlock()
	return slices.Clone(bq.entries)
}

// Ready is signalled whenever something may have become runnable. Receivers
// must re-check the queue; the signal coalesces.
func (bq *BuildQueue) Ready() <-chan struct{} {
	return bq.ready
}

// Notify wakes one waiter without enqueueing, e.g. after a repository becomes idle.
func (bq *BuildQueue) Notify() {
	bq.signal()
}

func (bq *BuildQueue) signal() {
	select {
	case bq.ready <- struct{}{}:
	default:
	}
}

func (bq *BuildQueue) removeAt(i int) {
	delete(bq.index, bq.entries[i].ID())
	bq.entries = slices.Delete(bq.entries, i, i+1)
}
