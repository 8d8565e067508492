package eventstore

import (
	"cmp"
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"git.home.luguber.info/inful/ciagent/internal/build"
	"git.home.luguber.info/inful/ciagent/internal/events"
)

// Summary statuses. "cancelled" is reported separately from "failed".
const (
	summaryQueued    = "queued"
	summaryRunning   = "running"
	summaryCancelled = "cancelled"
)

// BuildSummary is a read model of one build reconstructed from its events.
type BuildSummary struct {
	BuildID       string        `json:"build_id"`
	Repository    string        `json:"repository"`
	Branch        string        `json:"branch"`
	Revision      string        `json:"revision,omitempty"`
	Status        string        `json:"status"`
	Worker        int           `json:"worker,omitempty"`
	QueuedAt      time.Time     `json:"queued_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
	FailureCount  int           `json:"failure_count,omitempty"`
}

func (s *BuildSummary) finished() bool {
	return s.CompletedAt != nil
}

// RepositoryStats aggregates finished builds of one repository.
type RepositoryStats struct {
	Repository   string        `json:"repository"`
	Total        int           `json:"total"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	Cancelled    int           `json:"cancelled"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
}

// BuildHistoryProjection maintains an in-memory view of build history,
// reconstructed from the event store.
type BuildHistoryProjection struct {
	mu       sync.RWMutex
	store    Store
	builds   map[string]*BuildSummary
	history  []*BuildSummary // finished builds, newest first
	stats    map[string]*RepositoryStats
	maxSize  int
	lastSync time.Time
}

// NewBuildHistoryProjection creates a new projection backed by the given store.
func NewBuildHistoryProjection(store Store, maxHistorySize int) *BuildHistoryProjection {
	if maxHistorySize <= 0 {
		maxHistorySize = 100
	}
	p := &BuildHistoryProjection{store: store, maxSize: maxHistorySize}
	p.resetLocked()
	return p
}

func (p *BuildHistoryProjection) resetLocked() {
	p.builds = make(map[string]*BuildSummary)
	p.history = make([]*BuildSummary, 0, p.maxSize)
	p.stats = make(map[string]*RepositoryStats)
}

// Rebuild reconstructs the projection from all events in the store.
func (p *BuildHistoryProjection) Rebuild(ctx context.Context) error {
	all, err := p.store.GetRange(ctx, time.Time{}, time.Now().Add(time.Hour))
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	for _, e := range all {
		p.applyLocked(e.Type(), e.BuildID(), e.Payload(), e.Timestamp())
	}
	p.lastSync = time.Now()
	return nil
}

// Apply folds a stored event into the projection.
func (p *BuildHistoryProjection) Apply(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applyLocked(e.Type(), e.BuildID(), e.Payload(), e.Timestamp())
}

func (p *BuildHistoryProjection) applyLocked(eventType, buildID string, payload []byte, at time.Time) {
	if buildID == "" {
		return
	}

	switch eventType {
	case events.TypeBuildQueued:
		var evt events.BuildQueued
		if json.Unmarshal(payload, &evt) != nil {
			return
		}
		s := p.summaryLocked(buildID, evt.Build)
		s.QueuedAt = at
		s.Status = summaryQueued

	case events.TypeBuildStarted:
		var evt events.BuildStarted
		if json.Unmarshal(payload, &evt) != nil {
			return
		}
		s := p.summaryLocked(buildID, evt.Build)
		started := at
		s.StartedAt = &started
		s.Worker = evt.Worker
		s.Status = summaryRunning

	case events.TypeBuildFinished:
		var evt events.BuildFinished
		if json.Unmarshal(payload, &evt) != nil {
			return
		}
		s := p.summaryLocked(buildID, evt.Build)
		if s.finished() {
			return
		}
		completed := at
		s.CompletedAt = &completed
		if s.StartedAt != nil {
			s.Duration = completed.Sub(*s.StartedAt)
		}
		s.Revision = evt.Build.LatestRevision
		s.FailureReason = evt.Build.FailureReason
		s.FailureCount = len(evt.Build.FailureSummaries)
		s.Status = evt.Build.Status.String()
		if evt.Build.Cancelled {
			s.Status = summaryCancelled
		}
		p.recordStatsLocked(s)
		p.addToHistoryLocked(s)
	}
}

func (p *BuildHistoryProjection) summaryLocked(buildID string, snap build.Snapshot) *BuildSummary {
	s, ok := p.builds[buildID]
	if !ok {
		s = &BuildSummary{BuildID: buildID}
		p.builds[buildID] = s
	}
	if snap.RepositoryName != "" {
		s.Repository = snap.RepositoryName
		s.Branch = snap.Branch
	}
	return s
}

func (p *BuildHistoryProjection) recordStatsLocked(s *BuildSummary) {
	st, ok := p.stats[s.Repository]
	if !ok {
		st = &RepositoryStats{Repository: s.Repository}
		p.stats[s.Repository] = st
	}
	st.Total++
	switch s.Status {
	case build.StatusSucceeded.String():
		st.Succeeded++
	case summaryCancelled:
		st.Cancelled++
	default:
		st.Failed++
	}
	st.LastDuration = s.Duration
}

func (p *BuildHistoryProjection) addToHistoryLocked(s *BuildSummary) {
	p.history = slices.Insert(p.history, 0, s)
	if len(p.history) > p.maxSize {
		p.history = p.history[:p.maxSize]
	}
	p.pruneBuildsLocked()
}

// pruneBuildsLocked drops finished builds that fell out of the bounded history.
func (p *BuildHistoryProjection) pruneBuildsLocked() {
	keep := make(map[string]struct{}, len(p.history))
	for _, h := range p.history {
		keep[h.BuildID] = struct{}{}
	}
	for id, s := range p.builds {
		if !s.finished() {
			continue
		}
		if _, ok := keep[id]; !ok {
			delete(p.builds, id)
		}
	}
}

// GetHistory returns finished builds, newest first.
func (p *BuildHistoryProjection) GetHistory() []BuildSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]BuildSummary, len(p.history))
	for i, s := range p.history {
		out[i] = *s
	}
	return out
}

// GetBuild returns the summary for a specific build.
func (p *BuildHistoryProjection) GetBuild(buildID string) (BuildSummary, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.builds[buildID]
	if !ok {
		return BuildSummary{}, false
	}
	return *s, true
}

// GetActiveBuilds returns queued and running builds.
func (p *BuildHistoryProjection) GetActiveBuilds() []BuildSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []BuildSummary
	for _, s := range p.builds {
		if !s.finished() {
			out = append(out, *s)
		}
	}
	slices.SortFunc(out, func(a, b BuildSummary) int { return a.QueuedAt.Compare(b.QueuedAt) })
	return out
}

// Stats returns per-repository aggregates sorted by repository name.
func (p *BuildHistoryProjection) Stats() []RepositoryStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]RepositoryStats, 0, len(p.stats))
	for _, st := range p.stats {
		out = append(out, *st)
	}
	slices.SortFunc(out, func(a, b RepositoryStats) int { return cmp.Compare(a.Repository, b.Repository) })
	return out
}

// LastSyncTime returns when the projection was last rebuilt.
func (p *BuildHistoryProjection) LastSyncTime() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSync
}
