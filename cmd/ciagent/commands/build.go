package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"git.home.luguber.info/inful/ciagent/internal/agent"
	"git.home.luguber.info/inful/ciagent/internal/build"
	"git.home.luguber.info/inful/ciagent/internal/config"
	"git.home.luguber.info/inful/ciagent/internal/events"
	foundationerrors "git.home.luguber.info/inful/ciagent/internal/foundation/errors"
	"git.home.luguber.info/inful/ciagent/internal/logfields"
	"git.home.luguber.info/inful/ciagent/internal/repository"
	"git.home.luguber.info/inful/ciagent/internal/state"
)

// BuildCmd implements the 'build' command.
type BuildCmd struct {
	Repository string `arg:"" help:"Name of the configured repository"`
	Branch     string `short:"b" help:"Branch to build (defaults to the configured branch)"`
	Scheme     string `short:"s" help:"Xcode scheme"`
	Platform   string `short:"p" help:"Simulator device name, e.g. 'iPhone 15'"`
	OS         string `name:"os" help:"Simulator runtime, e.g. 'iOS 17.2'"`
	Revision   string `short:"r" help:"Commit to check out instead of the branch head"`
}

func (b *BuildCmd) Run(g *Global, root *CLI) error {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return err
	}
	closer := setupLogging(g, cfg, root.Verbose)
	defer func() { _ = closer.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	_, err = RunBuild(ctx, g, cfg, b.Repository, b.request())
	return err
}

func (b *BuildCmd) request() repository.BuildRequest {
	req := repository.BuildRequest{
		Branch:   b.Branch,
		Scheme:   b.Scheme,
		Revision: strings.ToLower(b.Revision),
	}
	if b.Platform != "" {
		req.Platform = build.Platform{Name: b.Platform, OS: b.OS}
	}
	return req
}

// RunBuild builds one repository on a private single-worker agent, streams
// the build log to the global output and returns the finished build. A
// build that did not succeed is returned together with an error.
func RunBuild(ctx context.Context, g *Global, cfg *config.Config, name string, req repository.BuildRequest) (*build.Build, error) {
	rc, ok := cfg.Repository(name)
	if !ok {
		return nil, foundationerrors.NotFoundError("repository not configured").
			WithContext("repository", name).
			Build()
	}
	one := *cfg
	one.Repositories = []config.RepositoryConfig{rc}
	one.Agent.Workers = 1

	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := events.NewBus()
	defer bus.Close()

	a, err := agent.New(agent.Options{
		Config: &one,
		Runner: g.runner(),
		Store:  state.NoopStore{},
		Bus:    bus,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	lines, unsubscribe := events.Subscribe[events.LogLineAppended](bus, 256)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		out := g.out()
		for l := range lines {
			_, _ = fmt.Fprintln(out, l.Line)
		}
	}()
	stopStreaming := func() {
		unsubscribe()
		<-printed
	}

	a.Start(ctx)
	b, err := a.RequestBuild(ctx, name, req)
	if err != nil {
		_ = a.Stop(context.WithoutCancel(ctx))
		stopStreaming()
		return nil, err
	}

	done, waitErr := a.Wait(ctx, b.ID())
	stopErr := a.Stop(context.WithoutCancel(ctx))
	stopStreaming()
	if waitErr != nil {
		if ctx.Err() != nil {
			return b, foundationerrors.CancellationError("build interrupted").
				WithCause(waitErr).
				WithContext("build_id", b.ID()).
				Build()
		}
		return b, waitErr
	}
	if stopErr != nil {
		logger.Warn("Agent did not stop cleanly", logfields.Error(stopErr))
	}
	return done, buildResult(done, logger)
}

func buildResult(b *build.Build, logger *slog.Logger) error {
	attrs := []any{
		logfields.BuildID(b.ID()),
		logfields.Repository(b.RepositoryName()),
		logfields.Branch(b.Branch()),
		logfields.Duration(b.Duration(b.EndedAt())),
	}
	if b.Status() == build.StatusSucceeded {
		logger.Info("Build succeeded", attrs...)
		return nil
	}
	if b.Cancelled() {
		return foundationerrors.CancellationError("build cancelled").
			WithContext("build_id", b.ID()).
			Build()
	}
	eb := foundationerrors.BuildError(b.FailureReason()).
		WithContext("build_id", b.ID()).
		WithContext("repository", b.RepositoryName())
	if summaries := b.FailureSummaries(); len(summaries) > 0 {
		eb = eb.WithContext("failures", strings.Join(summaries, "; "))
	}
	return eb.Build()
}
