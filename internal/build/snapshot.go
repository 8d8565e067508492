package build

import (
	"slices"
	"time"
)

// Snapshot is an immutable copy of a build used for persistence, events and
// the status feed.
type Snapshot struct {
	ID                string     `json:"id"`
	RepositoryName    string     `json:"repository"`
	Branch            string     `json:"branch"`
	Scheme            string     `json:"scheme,omitempty"`
	Platform          Platform   `json:"platform"`
	RequestedRevision string     `json:"requested_revision,omitempty"`
	LatestRevision    string     `json:"latest_revision,omitempty"`
	CommitLog         string     `json:"commit_log,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	Status            Status     `json:"status"`
	Progress          float64    `json:"progress"`
	Description       string     `json:"description,omitempty"`
	Cancelled         bool       `json:"cancelled,omitempty"`
	FailureReason     string     `json:"failure_reason,omitempty"`
	FailureSummaries  []string   `json:"failure_summaries,omitempty"`
	LogLines          []string   `json:"log_lines,omitempty"`
}

// Snapshot copies the build including its log.
func (b *Build) Snapshot() Snapshot {
	s := b.Summary()
	b.mu.RLock()
	s.LogLines = slices.Clone(b.logLines)
	b.mu.RUnlock()
	return s
}

// Summary copies the build without its log.
func (b *Build) Summary() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Snapshot{
		ID:                b.id,
		RepositoryName:    b.repositoryName,
		Branch:            b.branch,
		Scheme:            b.scheme,
		Platform:          b.platform,
		RequestedRevision: b.requestedRevision,
		LatestRevision:    b.latestRevision,
		CommitLog:         b.commitLog,
		CreatedAt:         b.createdAt,
		StartedAt:         timePtr(b.startedAt),
		EndedAt:           timePtr(b.endedAt),
		Status:            b.status,
		Progress:          b.progress,
		Description:       b.description,
		Cancelled:         b.cancelled,
		FailureReason:     b.failureReason,
		FailureSummaries:  slices.Clone(b.failureSummaries),
	}
}

// Restore rebuilds a Build from a persisted snapshot.
func Restore(s Snapshot) *Build {
	b := &Build{
		id:                s.ID,
		repositoryName:    s.RepositoryName,
		branch:            s.Branch,
		scheme:            s.Scheme,
		platform:          s.Platform,
		requestedRevision: s.RequestedRevision,
		latestRevision:    s.LatestRevision,
		commitLog:         s.CommitLog,
		createdAt:         s.CreatedAt,
		status:            s.Status,
		progress:          s.Progress,
		logLines:          slices.Clone(s.LogLines),
		description:       s.Description,
		cancelled:         s.Cancelled,
		failureReason:     s.FailureReason,
		failureSummaries:  slices.Clone(s.FailureSummaries),
	}
	if s.StartedAt != nil {
		b.startedAt = *s.StartedAt
	}
	if s.EndedAt != nil {
		b.endedAt = *s.EndedAt
	}
	return b
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
