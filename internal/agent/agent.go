// Package agent is the orchestration root of ciagent. It owns the tracked
// repositories, the build queue and the bounded worker pool that runs builds.
package agent

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"git.home.luguber.info/inful/ciagent/internal/build"
	"git.home.luguber.info/inful/ciagent/internal/build/queue"
	"git.home.luguber.info/inful/ciagent/internal/config"
	"git.home.luguber.info/inful/ciagent/internal/events"
	foundationerrors "git.home.luguber.info/inful/ciagent/internal/foundation/errors"
	"git.home.luguber.info/inful/ciagent/internal/logfields"
	"git.home.luguber.info/inful/ciagent/internal/metrics"
	"git.home.luguber.info/inful/ciagent/internal/repository"
	"git.home.luguber.info/inful/ciagent/internal/retry"
	"git.home.luguber.info/inful/ciagent/internal/runner"
	"git.home.luguber.info/inful/ciagent/internal/state"
)

// Options wires an Agent. Only Config is required.
type Options struct {
	Config  *config.Config
	Runner  runner.Runner
	Store   state.Store
	Bus     *events.Bus
	Metrics metrics.Recorder
	Logger  *slog.Logger
	Now     func() time.Time
}

// Agent runs builds of its repositories on a fixed number of workers.
//
// A repository is busy while one of its builds is claimed by a worker; the
// workers skip queued builds of busy repositories, which keeps builds of one
// repository in enqueue order while different repositories build in parallel.
type Agent struct {
	deps         repository.Deps
	checkoutRoot string
	workers      int
	buildTimeout time.Duration
	queue        *queue.BuildQueue
	bus          *events.Bus
	store        state.Store
	recorder     metrics.Recorder
	logger       *slog.Logger

	mu      sync.RWMutex
	repos   map[string]*repository.Repository
	busy    map[string]struct{}
	active  map[string]*activeBuild
	waiters map[string]chan struct{}

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// activeBuild is a build claimed by a worker.
type activeBuild struct {
	build  *build.Build
	repo   *repository.Repository
	worker int
	ctx    context.Context
	cancel context.CancelFunc
}

// ActiveBuild describes a running build for status reports.
type ActiveBuild struct {
	BuildID    string    `json:"build_id"`
	Repository string    `json:"repository"`
	Branch     string    `json:"branch"`
	Worker     int       `json:"worker"`
	StartedAt  time.Time `json:"started_at"`
	Progress   float64   `json:"progress"`
}

// Status is a point-in-time view of the worker pool.
type Status struct {
	Workers     int           `json:"workers"`
	QueueLength int           `json:"queue_length"`
	Active      []ActiveBuild `json:"active"`
}

// New creates an agent with a repository for every configured entry.
func New(opts Options) (*Agent, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, foundationerrors.ConfigError("configuration is required").Build()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NoopRecorder{}
	}
	if opts.Store == nil {
		opts.Store = state.NoopStore{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	workers := cfg.Agent.Workers
	if workers <= 0 {
		workers = 2
	}

	a := &Agent{
		deps: repository.Deps{
			Runner:           opts.Runner,
			Store:            opts.Store,
			Bus:              opts.Bus,
			Tools:            cfg.Tools,
			Retry:            retry.FromConfig(cfg.Retry),
			Metrics:          opts.Metrics,
			Logger:           opts.Logger,
			HistoryLimit:     cfg.Agent.HistoryLimit,
			SimulatorTimeout: cfg.Agent.SimulatorTimeoutDuration(),
			Now:              opts.Now,
		},
		checkoutRoot: cfg.Agent.CheckoutRoot,
		workers:      workers,
		buildTimeout: cfg.Agent.BuildTimeoutDuration(),
		queue:        queue.New(cfg.Agent.QueueSize),
		bus:          opts.Bus,
		store:        opts.Store,
		recorder:     opts.Metrics,
		logger:       opts.Logger,
		repos:        make(map[string]*repository.Repository),
		busy:         make(map[string]struct{}),
		active:       make(map[string]*activeBuild),
		waiters:      make(map[string]chan struct{}),
		stopChan:     make(chan struct{}),
	}
	if a.deps.Now == nil {
		a.deps.Now = time.Now
	}
	for _, rc := range cfg.Repositories {
		a.repos[rc.Name] = repository.New(rc, a.checkoutRoot, a.deps)
	}
	return a, nil
}

func (a *Agent) now() time.Time { return a.deps.Now() }

// Queue exposes the build queue for status reporting.
func (a *Agent) Queue() *queue.BuildQueue { return a.queue }

// AddRepository starts tracking a repository. Names are unique.
func (a *Agent) AddRepository(ctx context.Context, rc config.RepositoryConfig) (*repository.Repository, error) {
	a.mu.Lock()
	if _, exists := a.repos[rc.Name]; exists {
		a.mu.Unlock()
		return nil, foundationerrors.NewError(foundationerrors.CategoryConflict, "repository already exists").
			WithContext("repository", rc.Name).Build()
	}
	repo := repository.New(rc, a.checkoutRoot, a.deps)
	a.repos[rc.Name] = repo
	a.mu.Unlock()

	if err := a.store.SaveRepository(ctx, repo.Record()); err != nil {
		a.logger.Warn("Failed to persist repository", logfields.Repository(rc.Name), logfields.Error(err))
	}
	a.publish(ctx, repo.Updated())
	a.logger.Info("Repository added", logfields.Repository(rc.Name))
	return repo, nil
}

// RemoveRepository stops tracking a repository and drops its builds. Queued
// builds are cancelled; a repository with a running build cannot be removed.
func (a *Agent) RemoveRepository(ctx context.Context, name string) error {
	a.mu.Lock()
	repo, ok := a.repos[name]
	if !ok {
		a.mu.Unlock()
		return foundationerrors.NotFoundError("repository not found").WithContext("repository", name).Build()
	}
	if _, running := a.busy[name]; running {
		a.mu.Unlock()
		return foundationerrors.NewError(foundationerrors.CategoryConflict, "repository has a running build").
			WithContext("repository", name).Build()
	}
	delete(a.repos, name)
	var dropped []*build.Build
	for _, b := range repo.Builds() {
		if a.queue.Remove(b.ID()) {
			dropped = append(dropped, b)
		}
	}
	a.mu.Unlock()

	for _, b := range dropped {
		a.cancelQueued(ctx, repo, b)
	}
	a.recorder.SetQueueLength(a.queue.Len())
	if err := a.store.DeleteRepository(ctx, name); err != nil {
		return err
	}
	a.logger.Info("Repository removed", logfields.Repository(name))
	return nil
}

// Repository returns the repository with the given name.
func (a *Agent) Repository(name string) (*repository.Repository, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.repos[name]
	return r, ok
}

// Repositories returns all repositories sorted by name.
func (a *Agent) Repositories() []*repository.Repository {
	a.mu.RLock()
	out := make([]*repository.Repository, 0, len(a.repos))
	for _, r := range a.repos {
		out = append(out, r)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Build finds a build of any repository by id.
func (a *Agent) Build(id string) (*build.Build, *repository.Repository, bool) {
	for _, r := range a.Repositories() {
		if b, ok := r.Build(id); ok {
			return b, r, true
		}
	}
	return nil, nil, false
}

// RequestBuild creates a build for the named repository and queues it.
func (a *Agent) RequestBuild(ctx context.Context, name string, req repository.BuildRequest) (*build.Build, error) {
	repo, ok := a.Repository(name)
	if !ok {
		return nil, foundationerrors.NotFoundError("repository not found").WithContext("repository", name).Build()
	}
	b, err := repo.CreateNewBuild(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := a.enqueue(ctx, b); err != nil {
		if cerr := repo.CancelPending(ctx, b); cerr != nil {
			a.logger.Warn("Rejected build not finalized", logfields.BuildID(b.ID()), logfields.Error(cerr))
		}
		return nil, err
	}
	return b, nil
}

func (a *Agent) enqueue(ctx context.Context, b *build.Build) error {
	a.mu.Lock()
	if err := a.queue.Enqueue(b); err != nil {
		a.mu.Unlock()
		return err
	}
	a.waiters[b.ID()] = make(chan struct{})
	a.mu.Unlock()

	n := a.queue.Len()
	a.recorder.SetQueueLength(n)
	a.publish(ctx, events.BuildQueued{Build: b.Summary(), QueueLength: n, At: a.now()})
	a.logger.Info("Build queued",
		logfields.BuildID(b.ID()),
		logfields.Repository(b.RepositoryName()),
		logfields.Branch(b.Branch()),
		logfields.QueueLength(n))
	return nil
}

// Cancel stops a build. A queued build is removed from the queue and ends
// cancelled immediately. A running build has its context cancelled; the
// worker records the outcome once the running command exited.
func (a *Agent) Cancel(ctx context.Context, id string) error {
	a.mu.Lock()
	if job, ok := a.active[id]; ok {
		a.mu.Unlock()
		a.logger.Info("Cancelling running build", logfields.BuildID(id), logfields.Worker(job.worker))
		job.cancel()
		return nil
	}
	removed := a.queue.Remove(id)
	a.mu.Unlock()

	b, repo, found := a.Build(id)
	if !found {
		return foundationerrors.NotFoundError("build not found").WithContext("build_id", id).Build()
	}
	if !removed {
		if b.Status().Terminal() {
			return build.ErrBuildFinished
		}
		return foundationerrors.NewError(foundationerrors.CategoryConflict, "build is not queued").
			WithContext("build_id", id).Build()
	}
	a.recorder.SetQueueLength(a.queue.Len())
	a.cancelQueued(ctx, repo, b)
	return nil
}

func (a *Agent) cancelQueued(ctx context.Context, repo *repository.Repository, b *build.Build) {
	if err := repo.CancelPending(ctx, b); err != nil {
		a.logger.Warn("Queued build not cancelled", logfields.BuildID(b.ID()), logfields.Error(err))
		return
	}
	a.logger.Info("Cancelled queued build", logfields.BuildID(b.ID()), logfields.Repository(repo.Name()))
	a.finished(ctx, b)
}

// Wait blocks until the build with the given id is finished or ctx ends.
func (a *Agent) Wait(ctx context.Context, id string) (*build.Build, error) {
	a.mu.RLock()
	done, waiting := a.waiters[id]
	a.mu.RUnlock()

	if waiting {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, foundationerrors.CancellationError("wait for build canceled").WithCause(ctx.Err()).Build()
		}
	}
	b, _, ok := a.Build(id)
	if !ok {
		return nil, foundationerrors.NotFoundError("build not found").WithContext("build_id", id).Build()
	}
	if !b.Status().Terminal() {
		return b, foundationerrors.StateError("build has not finished").WithContext("build_id", id).Build()
	}
	return b, nil
}

// Status reports queue length and the running builds.
func (a *Agent) Status() Status {
	a.mu.RLock()
	active := make([]ActiveBuild, 0, len(a.active))
	for _, job := range a.active {
		active = append(active, ActiveBuild{
			BuildID:    job.build.ID(),
			Repository: job.repo.Name(),
			Branch:     job.build.Branch(),
			Worker:     job.worker,
			StartedAt:  job.build.StartedAt(),
			Progress:   job.build.Progress(),
		})
	}
	a.mu.RUnlock()
	slices.SortFunc(active, func(x, y ActiveBuild) int { return x.Worker - y.Worker })
	return Status{Workers: a.workers, QueueLength: a.queue.Len(), Active: active}
}

// finished records metrics for a terminal build, publishes BuildFinished and
// releases waiters.
func (a *Agent) finished(ctx context.Context, b *build.Build) {
	outcome := metrics.OutcomeSucceeded
	switch {
	case b.Cancelled():
		outcome = metrics.OutcomeCancelled
	case b.FailureReason() == build.ReasonTimeout:
		outcome = metrics.OutcomeTimeout
	case b.Status() == build.StatusFailed:
		outcome = metrics.OutcomeFailed
	}
	a.recorder.IncBuildOutcome(outcome)
	if !b.StartedAt().IsZero() {
		a.recorder.ObserveBuildDuration(b.RepositoryName(), b.Duration(a.now()))
	}

	a.publish(ctx, events.BuildFinished{Build: b.Summary(), At: a.now()})

	a.mu.Lock()
	if ch, ok := a.waiters[b.ID()]; ok {
		close(ch)
		delete(a.waiters, b.ID())
	}
	a.mu.Unlock()
}

func (a *Agent) publish(ctx context.Context, evt events.Event) {
	if err := a.bus.Publish(context.WithoutCancel(ctx), evt); err != nil {
		a.logger.Debug("Event not delivered", slog.String("event", evt.EventType()), logfields.Error(err))
	}
}
