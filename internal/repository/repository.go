// Package repository owns a tracked source repository: its working copy, its
// builds and the serialized command pipeline that runs them.
package repository

import (
	"context"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"git.home.luguber.info/inful/ciagent/internal/build"
	"git.home.luguber.info/inful/ciagent/internal/config"
	"git.home.luguber.info/inful/ciagent/internal/events"
	"git.home.luguber.info/inful/ciagent/internal/git"
	"git.home.luguber.info/inful/ciagent/internal/logfields"
	"git.home.luguber.info/inful/ciagent/internal/logscan"
	"git.home.luguber.info/inful/ciagent/internal/metrics"
	"git.home.luguber.info/inful/ciagent/internal/retry"
	"git.home.luguber.info/inful/ciagent/internal/runner"
	"git.home.luguber.info/inful/ciagent/internal/state"
)

// Deps are the collaborators shared by all repositories of an agent.
type Deps struct {
	Runner  runner.Runner
	Store   state.Store
	Bus     *events.Bus
	Tools   config.ToolsConfig
	Retry   retry.Policy
	Metrics metrics.Recorder
	Scanner *logscan.Scanner
	Logger  *slog.Logger
	// HistoryLimit bounds the builds kept per repository. Zero keeps all.
	HistoryLimit     int
	SimulatorTimeout time.Duration
	Now              func() time.Time
}

func (d *Deps) applyDefaults() {
	if d.Runner == nil {
		d.Runner = runner.New()
	}
	if d.Store == nil {
		d.Store = state.NoopStore{}
	}
	if d.Tools.Git == "" {
		d.Tools.Git = "git"
	}
	if d.Tools.Xcodebuild == "" {
		d.Tools.Xcodebuild = "xcodebuild"
	}
	if d.Tools.Xcrun == "" {
		d.Tools.Xcrun = "xcrun"
	}
	if d.Retry.Initial == 0 {
		d.Retry = retry.DefaultPolicy()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NoopRecorder{}
	}
	if d.Scanner == nil {
		d.Scanner = logscan.New()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
}

// Repository is a tracked repository and the builds it owns.
//
// Builds of one repository never run concurrently: Execute holds the
// pipeline mutex for the whole build. All other state is guarded by mu.
type Repository struct {
	cfg       config.RepositoryConfig
	deps      Deps
	localPath string

	pipeline sync.Mutex

	mu           sync.RWMutex
	abbreviation string
	lastBranch   string
	lastScheme   string
	lastPlatform build.Platform
	cloned       bool
	latestStatus build.Status
	hasLatest    bool
	builds       map[string]*build.Build
	order        []*build.Build
	branches     []string
	schemes      []string
	platforms    []build.Platform
}

// New creates a repository checked out under checkoutRoot/<name>.
func New(cfg config.RepositoryConfig, checkoutRoot string, deps Deps) *Repository {
	deps.applyDefaults()
	r := &Repository{
		cfg:          cfg,
		deps:         deps,
		localPath:    filepath.Join(checkoutRoot, cfg.Name),
		abbreviation: cfg.Abbreviation,
		lastBranch:   cfg.Branch,
		lastScheme:   cfg.Scheme,
		builds:       make(map[string]*build.Build),
	}
	if cfg.Platform != "" {
		r.lastPlatform = build.Platform{Name: cfg.Platform}
	}
	if r.abbreviation == "" {
		r.abbreviation = DefaultAbbreviation(cfg.Name)
	}
	r.cloned = git.IsRepository(r.localPath)
	return r
}

// DefaultAbbreviation returns the upper-cased initials of the words in name.
// Words are separated by non-alphanumeric runes or a lower-to-upper case change.
func DefaultAbbreviation(name string) string {
	var b strings.Builder
	prev := rune(0)
	for _, c := range name {
		alnum := unicode.IsLetter(c) || unicode.IsDigit(c)
		switch {
		case !alnum:
		case prev == 0 || !(unicode.IsLetter(prev) || unicode.IsDigit(prev)):
			b.WriteRune(unicode.ToUpper(c))
		case unicode.IsUpper(c) && unicode.IsLower(prev):
			b.WriteRune(c)
		}
		prev = c
	}
	return b.String()
}

func (r *Repository) Name() string                    { return r.cfg.Name }
func (r *Repository) URL() string                     { return r.cfg.URL }
func (r *Repository) LocalPath() string               { return r.localPath }
func (r *Repository) Config() config.RepositoryConfig { return r.cfg }

func (r *Repository) Abbreviation() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.abbreviation
}

func (r *Repository) LastBranch() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastBranch
}

func (r *Repository) LastScheme() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastScheme
}

func (r *Repository) LastPlatform() build.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastPlatform
}

// ClonedAlready reports whether a working copy exists.
func (r *Repository) ClonedAlready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cloned
}

// LatestBuildStatus returns the status of the most recently finished build.
// ok is false until a build of this repository has finished.
func (r *Repository) LatestBuildStatus() (status build.Status, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latestStatus, r.hasLatest
}

// Branches returns the branches found by the last Refresh.
func (r *Repository) Branches() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.branches)
}

// Schemes returns the build schemes found by the last Refresh.
func (r *Repository) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.schemes)
}

// Platforms returns the simulator platforms found by the last Refresh.
func (r *Repository) Platforms() []build.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.platforms)
}

// Record returns the persisted form of the repository.
func (r *Repository) Record() state.RepositoryRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec := state.RepositoryRecord{
		Name:         r.cfg.Name,
		URL:          r.cfg.URL,
		Abbreviation: r.abbreviation,
		LocalPath:    r.localPath,
		LastBranch:   r.lastBranch,
		LastScheme:   r.lastScheme,
		LastPlatform: r.lastPlatform,
		Cloned:       r.cloned,
		UpdatedAt:    r.deps.Now(),
	}
	if r.hasLatest {
		rec.LatestStatus = r.latestStatus.String()
	}
	return rec
}

// ApplyRecord restores the UI defaults and cached status from a persisted
// record. Whether a working copy exists is taken from the filesystem.
func (r *Repository) ApplyRecord(rec state.RepositoryRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.Abbreviation != "" && r.cfg.Abbreviation == "" {
		r.abbreviation = rec.Abbreviation
	}
	if rec.LastBranch != "" {
		r.lastBranch = rec.LastBranch
	}
	if rec.LastScheme != "" {
		r.lastScheme = rec.LastScheme
	}
	if !rec.LastPlatform.IsZero() {
		r.lastPlatform = rec.LastPlatform
	}
	if st, err := build.ParseStatus(rec.LatestStatus); err == nil && rec.LatestStatus != "" {
		r.latestStatus, r.hasLatest = st, true
	}
}

// Updated returns the RepositoryUpdated event describing the current state.
func (r *Repository) Updated() events.RepositoryUpdated {
	r.mu.RLock()
	defer r.mu.RUnlock()
	evt := events.RepositoryUpdated{
		Repository: r.cfg.Name,
		Cloned:     r.cloned,
		Branches:   slices.Clone(r.branches),
		Schemes:    slices.Clone(r.schemes),
		At:         r.deps.Now(),
	}
	if r.hasLatest {
		evt.LatestStatus = r.latestStatus.String()
	}
	for _, p := range r.platforms {
		evt.Platforms = append(evt.Platforms, p.String())
	}
	return evt
}

func (r *Repository) logger() *slog.Logger {
	return r.deps.Logger.With(logfields.Repository(r.cfg.Name))
}

func (r *Repository) saveRecord(ctx context.Context) {
	if err := r.deps.Store.SaveRepository(context.WithoutCancel(ctx), r.Record()); err != nil {
		r.logger().Warn("Failed to persist repository", logfields.Error(err))
	}
}

func (r *Repository) saveBuild(ctx context.Context, b *build.Build) {
	if err := r.deps.Store.SaveBuild(context.WithoutCancel(ctx), b.Summary()); err != nil {
		r.logger().Warn("Failed to persist build", logfields.BuildID(b.ID()), logfields.Error(err))
	}
}

func (r *Repository) publish(ctx context.Context, evt events.Event) {
	if err := r.deps.Bus.Publish(context.WithoutCancel(ctx), evt); err != nil {
		r.logger().Debug("Event not delivered", slog.String("event", evt.EventType()), logfields.Error(err))
	}
}
