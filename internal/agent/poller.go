package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/ciagent/internal/build"
	"git.home.luguber.info/inful/ciagent/internal/git"
	"git.home.luguber.info/inful/ciagent/internal/logfields"
	"git.home.luguber.info/inful/ciagent/internal/repository"
)

// Poller periodically checks the remotes of auto_build repositories and
// queues a build when the tracked branch moved.
type Poller struct {
	agent     *Agent
	cache     *git.RemoteHeadCache
	filter    *repository.Filter
	scheduler gocron.Scheduler
	logger    *slog.Logger
}

// NewPoller creates a poller. A nil filter polls every auto_build repository.
func NewPoller(a *Agent, cache *git.RemoteHeadCache, filter *repository.Filter) (*Poller, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Poller{
		agent:     a,
		cache:     cache,
		filter:    filter,
		scheduler: s,
		logger:    a.logger.With(slog.String("component", "poller")),
	}, nil
}

// Start schedules Tick every interval and starts the scheduler. A tick that
// is still running when the next one is due is skipped.
func (p *Poller) Start(ctx context.Context, interval time.Duration) error {
	if _, err := p.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(p.Tick, ctx),
		gocron.WithName("remote-poll"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("failed to create poll job: %w", err)
	}
	p.logger.Info("Starting remote poller", logfields.Duration(interval))
	p.scheduler.Start()
	return nil
}

// Stop shuts the scheduler down.
func (p *Poller) Stop() error {
	p.logger.Info("Stopping remote poller")
	return p.scheduler.Shutdown()
}

// Tick checks every eligible repository once and returns the queued builds.
func (p *Poller) Tick(ctx context.Context) []*build.Build {
	var queued []*build.Build
	for _, repo := range p.agent.Repositories() {
		if ctx.Err() != nil {
			break
		}
		if !repo.Config().AutoBuild {
			continue
		}
		if ok, reason := p.filter.Match(repo.Name()); !ok {
			p.logger.Debug("Repository not polled", logfields.Repository(repo.Name()), slog.String("reason", reason))
			continue
		}
		if b := p.check(ctx, repo); b != nil {
			queued = append(queued, b)
		}
	}
	if err := p.cache.Save(); err != nil {
		p.logger.Warn("Failed to save remote head cache", logfields.Error(err))
	}
	return queued
}

func (p *Poller) check(ctx context.Context, repo *repository.Repository) *build.Build {
	branch := repo.LastBranch()
	log := p.logger.With(logfields.Repository(repo.Name()), logfields.Branch(branch))

	changed, sha, err := p.cache.CheckRemoteChanged(ctx, repo.URL(), branch)
	if err != nil {
		log.Warn("Remote check failed", logfields.Error(err))
		return nil
	}
	if !changed {
		return nil
	}
	for _, b := range repo.Builds() {
		if b.Status() == build.StatusPending && b.Branch() == branch {
			log.Debug("Build already queued", logfields.BuildID(b.ID()))
			return nil
		}
	}

	b, err := p.agent.RequestBuild(ctx, repo.Name(), repository.BuildRequest{Branch: branch})
	if err != nil {
		log.Error("Failed to queue build for remote change", logfields.Revision(sha), logfields.Error(err))
		return nil
	}
	log.Info("Queued build for remote change", logfields.BuildID(b.ID()), logfields.Revision(sha))
	return b
}
