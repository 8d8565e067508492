package repository

import (
	"context"
	stdErrors "errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"git.home.luguber.info/inful/ciagent/internal/build"
	"git.home.luguber.info/inful/ciagent/internal/config"
	foundationerrors "git.home.luguber.info/inful/ciagent/internal/foundation/errors"
	"git.home.luguber.info/inful/ciagent/internal/logfields"
)

// BuildRequest asks for a new build. Empty fields fall back to the
// repository's last used values.
type BuildRequest struct {
	Branch   string         `json:"branch" validate:"required,max=255"`
	Scheme   string         `json:"scheme,omitempty" validate:"max=255"`
	Platform build.Platform `json:"platform"`
	Revision string         `json:"revision,omitempty" validate:"omitempty,hexadecimal,min=7,max=40"`
}

// CreateNewBuild validates req, creates a Pending build, adds it to the
// owned set and persists it. The repository remembers the request as the
// defaults for the next one.
func (r *Repository) CreateNewBuild(ctx context.Context, req BuildRequest) (*build.Build, error) {
	r.mu.Lock()
	if req.Branch == "" {
		req.Branch = r.lastBranch
	}
	if req.Scheme == "" {
		req.Scheme = r.lastScheme
	}
	if req.Platform.IsZero() {
		req.Platform = r.lastPlatform
	}
	r.mu.Unlock()

	if err := validateRequest(req); err != nil {
		return nil, err
	}

	b := build.New(build.Params{
		RepositoryName:    r.cfg.Name,
		Branch:            req.Branch,
		Scheme:            req.Scheme,
		Platform:          req.Platform,
		RequestedRevision: req.Revision,
	}, r.deps.Now())

	r.mu.Lock()
	r.builds[b.ID()] = b
	r.order = append(r.order, b)
	r.lastBranch = req.Branch
	r.lastScheme = req.Scheme
	r.lastPlatform = req.Platform
	r.mu.Unlock()

	r.saveBuild(ctx, b)
	r.saveRecord(ctx)
	r.logger().Info("Build created", logfields.BuildID(b.ID()), logfields.Branch(b.Branch()), logfields.Scheme(b.Scheme()))
	return b, nil
}

func validateRequest(req BuildRequest) error {
	err := config.Validator().Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !stdErrors.As(err, &verrs) {
		return foundationerrors.WrapError(err, foundationerrors.CategoryValidation, "invalid build request").Build()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Field(), fe.Tag()))
	}
	return foundationerrors.ValidationError("invalid build request").
		WithContext("fields", strings.Join(msgs, "; ")).
		WithCause(err).
		Build()
}

// Build returns the owned build with the given id.
func (r *Repository) Build(id string) (*build.Build, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builds[id]
	return b, ok
}

// Builds returns the owned builds, newest first.
func (r *Repository) Builds() []*build.Build {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := slices.Clone(r.order)
	slices.Reverse(out)
	return out
}

// LatestBuild returns the most recently created build.
func (r *Repository) LatestBuild() (*build.Build, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return nil, false
	}
	return r.order[len(r.order)-1], true
}

// PreviousBuild returns the build that started immediately before b.
// Builds that have not started sort after every started build.
func (r *Repository) PreviousBuild(b *build.Build) (*build.Build, bool) {
	return r.previous(b, func(*build.Build) bool { return true })
}

// PreviousSuccessfulBuild returns the latest succeeded build that started before b.
func (r *Repository) PreviousSuccessfulBuild(b *build.Build) (*build.Build, bool) {
	return r.previous(b, func(c *build.Build) bool { return c.Status() == build.StatusSucceeded })
}

func (r *Repository) previous(b *build.Build, keep func(*build.Build) bool) (*build.Build, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref := startKey(b)
	var best *build.Build
	var bestKey orderKey
	for _, c := range r.order {
		if c == b || !keep(c) {
			continue
		}
		k := startKey(c)
		if k.compare(ref) >= 0 {
			continue
		}
		if best == nil || k.compare(bestKey) > 0 {
			best, bestKey = c, k
		}
	}
	return best, best != nil
}

// orderKey orders builds by start time, then creation time. Unstarted builds
// carry an unset start and sort last.
type orderKey struct {
	started   time.Time
	unstarted bool
	created   time.Time
}

func startKey(b *build.Build) orderKey {
	s := b.StartedAt()
	return orderKey{started: s, unstarted: s.IsZero(), created: b.CreatedAt()}
}

func (k orderKey) compare(o orderKey) int {
	switch {
	case k.unstarted && !o.unstarted:
		return 1
	case !k.unstarted && o.unstarted:
		return -1
	}
	if c := k.started.Compare(o.started); c != 0 {
		return c
	}
	return k.created.Compare(o.created)
}

// Restore adopts persisted builds. Builds that were running when the agent
// stopped are failed as interrupted; pending builds are returned in creation
// order so the caller can queue them again.
func (r *Repository) Restore(ctx context.Context, snaps []build.Snapshot) []*build.Build {
	sorted := slices.Clone(snaps)
	slices.SortStableFunc(sorted, func(a, b build.Snapshot) int { return a.CreatedAt.Compare(b.CreatedAt) })

	var pending []*build.Build
	for _, s := range sorted {
		if s.RepositoryName != r.cfg.Name {
			continue
		}
		b := build.Restore(s)
		switch b.Status() {
		case build.StatusRunning:
			if err := b.Fail(r.deps.Now(), build.ReasonInterrupted); err == nil {
				r.saveBuild(ctx, b)
			}
		case build.StatusPending:
			pending = append(pending, b)
		}
		r.mu.Lock()
		if _, dup := r.builds[b.ID()]; !dup {
			r.builds[b.ID()] = b
			r.order = append(r.order, b)
		}
		r.mu.Unlock()
	}
	r.refreshLatestStatus()
	return pending
}

// StartBuild moves a pending build to running and persists the transition.
func (r *Repository) StartBuild(ctx context.Context, b *build.Build, at time.Time) error {
	if err := b.Start(at); err != nil {
		return err
	}
	r.saveBuild(ctx, b)
	return nil
}

// CancelPending cancels a build that never started and records the outcome.
func (r *Repository) CancelPending(ctx context.Context, b *build.Build) error {
	if err := b.Cancel(r.deps.Now()); err != nil {
		return err
	}
	r.finish(ctx, b)
	return nil
}

// refreshLatestStatus recomputes the cached status from the most recently
// finished build.
func (r *Repository) refreshLatestStatus() {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *build.Build
	for _, b := range r.order {
		if !b.Status().Terminal() {
			continue
		}
		if latest == nil || !b.EndedAt().Before(latest.EndedAt()) {
			latest = b
		}
	}
	if latest != nil {
		r.latestStatus, r.hasLatest = latest.Status(), true
	}
}

// prune drops the builds the store no longer keeps.
func (r *Repository) prune(ctx context.Context) {
	if r.deps.HistoryLimit <= 0 {
		return
	}
	removed, err := r.deps.Store.PruneBuilds(context.WithoutCancel(ctx), r.cfg.Name, r.deps.HistoryLimit)
	if err != nil {
		r.logger().Warn("Failed to prune build history", logfields.Error(err))
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range removed {
		if b, ok := r.builds[id]; ok && b.Status().Terminal() {
			delete(r.builds, id)
		}
	}
	r.order = slices.DeleteFunc(r.order, func(b *build.Build) bool {
		_, ok := r.builds[b.ID()]
		return !ok
	})
	// The in-memory set stays bounded even with a store that keeps nothing.
	for len(r.order) > r.deps.HistoryLimit && r.order[0].Status().Terminal() {
		delete(r.builds, r.order[0].ID())
		r.order = r.order[1:]
	}
}
