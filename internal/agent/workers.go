package agent

import (
	"context"
	"log/slog"

	"git.home.luguber.info/inful/ciagent/internal/build"
	"git.home.luguber.info/inful/ciagent/internal/events"
	"git.home.luguber.info/inful/ciagent/internal/logfields"
	"git.home.luguber.info/inful/ciagent/internal/observability"
)

// Start launches the workers. They run until Stop is called or ctx ends.
func (a *Agent) Start(ctx context.Context) {
	a.logger.Info("Starting build workers", slog.Int("workers", a.workers), logfields.QueueLength(a.queue.Len()))
	for i := range a.workers {
		a.wg.Add(1)
		go a.worker(ctx, i+1)
	}
	a.queue.Notify()
}

// Stop cancels running builds and waits for the workers to exit or ctx to end.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.stopOnce.Do(func() { close(a.stopChan) })
	for _, job := range a.active {
		job.cancel()
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Agent) worker(ctx context.Context, id int) {
	defer a.wg.Done()
	log := a.logger.With(logfields.Worker(id))
	log.Debug("Worker started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopChan:
			return
		default:
		}

		if job := a.claim(ctx, id); job != nil {
			a.process(ctx, job)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-a.stopChan:
			return
		case <-a.queue.Ready():
		}
	}
}

// claim takes the oldest queued build whose repository is idle and marks the
// repository busy. Nothing is claimed once Stop has begun.
func (a *Agent) claim(ctx context.Context, worker int) *activeBuild {
	a.mu.Lock()
	defer a.mu.Unlock()

	select {
	case <-a.stopChan:
		return nil
	default:
	}

	b, ok := a.queue.DequeueNext(func(b *build.Build) bool {
		_, busy := a.busy[b.RepositoryName()]
		return !busy
	})
	if !ok {
		return nil
	}
	repo, ok := a.repos[b.RepositoryName()]
	if !ok {
		a.logger.Warn("Dropping build of removed repository", logfields.BuildID(b.ID()))
		a.queue.Notify()
		return nil
	}

	buildCtx, cancel := context.WithCancel(ctx)
	job := &activeBuild{build: b, repo: repo, worker: worker, ctx: buildCtx, cancel: cancel}
	a.busy[repo.Name()] = struct{}{}
	a.active[b.ID()] = job

	if a.queue.Len() > 0 {
		a.queue.Notify()
	}
	return job
}

func (a *Agent) process(ctx context.Context, job *activeBuild) {
	b, repo := job.build, job.repo
	log := a.logger.With(logfields.Worker(job.worker), logfields.BuildID(b.ID()), logfields.Repository(repo.Name()))

	buildCtx := observability.WithWorker(observability.WithBuildID(job.ctx, b.ID()), job.worker)
	defer job.cancel()
	if a.buildTimeout > 0 {
		var cancelTimeout context.CancelFunc
		buildCtx, cancelTimeout = context.WithTimeout(buildCtx, a.buildTimeout)
		defer cancelTimeout()
	}

	if err := repo.StartBuild(ctx, b, a.now()); err != nil {
		log.Error("Claimed build could not start", logfields.Error(err))
		a.release(job)
		return
	}
	a.recorder.SetQueueLength(a.queue.Len())
	a.recorder.SetActiveBuilds(a.activeCount())
	a.publish(ctx, events.BuildStarted{Build: b.Summary(), Worker: job.worker, At: a.now()})

	if err := repo.Execute(buildCtx, b, repo.DefaultSteps(b)); err != nil {
		log.Error("Build pipeline fault", logfields.Error(err))
		if !b.Status().Terminal() {
			_ = b.Fail(a.now(), err.Error())
		}
	}

	a.release(job)
	a.recorder.SetActiveBuilds(a.activeCount())
	a.finished(ctx, b)
	a.queue.Notify()
}

func (a *Agent) release(job *activeBuild) {
	a.mu.Lock()
	delete(a.active, job.build.ID())
	delete(a.busy, job.repo.Name())
	a.mu.Unlock()
}

func (a *Agent) activeCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.active)
}
