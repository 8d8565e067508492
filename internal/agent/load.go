package agent

import (
	"context"
	"log/slog"

	"git.home.luguber.info/inful/ciagent/internal/build"
	"git.home.luguber.info/inful/ciagent/internal/config"
	"git.home.luguber.info/inful/ciagent/internal/logfields"
)

// Load restores persisted repository records and builds. Builds that were
// running when the agent stopped end as interrupted; pending builds are
// queued again in their original order. Records of repositories that are no
// longer configured are ignored.
func (a *Agent) Load(ctx context.Context) error {
	snap, err := a.store.Load(ctx)
	if err != nil {
		return err
	}

	for _, rec := range snap.Repositories {
		if repo, ok := a.Repository(rec.Name); ok {
			repo.ApplyRecord(rec)
		}
	}

	byRepo := make(map[string][]build.Snapshot)
	for _, s := range snap.Builds {
		byRepo[s.RepositoryName] = append(byRepo[s.RepositoryName], s)
	}
	restored := 0
	for _, repo := range a.Repositories() {
		for _, b := range repo.Restore(ctx, byRepo[repo.Name()]) {
			if err := a.enqueue(ctx, b); err != nil {
				a.logger.Warn("Restored build not queued", logfields.BuildID(b.ID()), logfields.Error(err))
				_ = repo.CancelPending(ctx, b)
				continue
			}
			restored++
		}
	}
	a.logger.Info("Agent state loaded",
		slog.Int("repositories", len(snap.Repositories)),
		logfields.QueueLength(restored))
	return nil
}

// Reload registers repositories that appeared in cfg. Changes to existing
// repositories and removals take effect after a restart. It satisfies
// config.ReloadFunc.
func (a *Agent) Reload(ctx context.Context, cfg *config.Config) error {
	for _, rc := range cfg.Repositories {
		if _, ok := a.Repository(rc.Name); ok {
			continue
		}
		if _, err := a.AddRepository(ctx, rc); err != nil {
			return err
		}
	}
	return nil
}

var _ config.ReloadFunc = (*Agent)(nil).Reload
