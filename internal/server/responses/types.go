// Package responses holds the JSON shapes served by the status feed.
package responses

import (
	"time"

	"git.home.luguber.info/inful/ciagent/internal/agent"
	"git.home.luguber.info/inful/ciagent/internal/build"
	"git.home.luguber.info/inful/ciagent/internal/eventstore"
	"git.home.luguber.info/inful/ciagent/internal/repository"
)

// Status labels. Cancelled builds are failed builds with their own label.
const (
	LabelPending   = "pending"
	LabelRunning   = "running"
	LabelSucceeded = "succeeded"
	LabelFailed    = "failed"
	LabelCancelled = "cancelled"
)

// StatusLabel is the presentation label of a build.
func StatusLabel(status build.Status, cancelled bool) string {
	if cancelled {
		return LabelCancelled
	}
	switch status {
	case build.StatusPending:
		return LabelPending
	case build.StatusRunning:
		return LabelRunning
	case build.StatusSucceeded:
		return LabelSucceeded
	default:
		return LabelFailed
	}
}

// StatusIcon maps a label to the icon name used by dashboards.
func StatusIcon(label string) string {
	switch label {
	case LabelPending:
		return "clock"
	case LabelRunning:
		return "spinner"
	case LabelSucceeded:
		return "check"
	case LabelCancelled:
		return "slash"
	default:
		return "cross"
	}
}

// BuildSummary is a build without its log.
type BuildSummary struct {
	ID               string     `json:"id"`
	Repository       string     `json:"repository"`
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	Branch           string     `json:"branch"`
	Scheme           string     `json:"scheme,omitempty"`
	Platform         string     `json:"platform,omitempty"`
	Revision         string     `json:"revision,omitempty"`
	Status           string     `json:"status"`
	Icon             string     `json:"icon"`
	Progress         float64    `json:"progress"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	DurationSeconds  float64    `json:"duration_seconds,omitempty"`
	FailureReason    string     `json:"failure_reason,omitempty"`
	FailureSummaries []string   `json:"failure_summaries,omitempty"`
}

// BuildDetail adds the commit log and the build log.
type BuildDetail struct {
	BuildSummary
	CommitLog string   `json:"commit_log,omitempty"`
	LogLines  []string `json:"log_lines"`
}

// RepositoryStatus is one repository in the snapshot.
type RepositoryStatus struct {
	Name         string         `json:"name"`
	Abbreviation string         `json:"abbreviation"`
	URL          string         `json:"url"`
	Cloned       bool           `json:"cloned"`
	LatestStatus string         `json:"latest_status,omitempty"`
	Icon         string         `json:"icon,omitempty"`
	LastBranch   string         `json:"last_branch"`
	LastScheme   string         `json:"last_scheme,omitempty"`
	Branches     []string       `json:"branches,omitempty"`
	Schemes      []string       `json:"schemes,omitempty"`
	Platforms    []string       `json:"platforms,omitempty"`
	Builds       []BuildSummary `json:"builds"`
}

// Snapshot is the read-only status feed.
type Snapshot struct {
	Repositories []RepositoryStatus `json:"repositories"`
	Agent        agent.Status       `json:"agent"`
	Timestamp    time.Time          `json:"timestamp"`
}

// HealthResponse is served by /healthz.
type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    float64   `json:"uptime_seconds"`
}

// HistoryResponse lists builds from the event history.
type HistoryResponse struct {
	Builds []eventstore.BuildSummary    `json:"builds"`
	Stats  []eventstore.RepositoryStats `json:"stats"`
}

// NewBuildSummary converts a build.
func NewBuildSummary(b *build.Build, now time.Time) BuildSummary {
	snap := b.Summary()
	label := StatusLabel(snap.Status, snap.Cancelled)
	s := BuildSummary{
		ID:               snap.ID,
		Repository:       snap.RepositoryName,
		Title:            b.ActivityTitle(),
		Description:      snap.Description,
		Branch:           snap.Branch,
		Scheme:           snap.Scheme,
		Revision:         snap.LatestRevision,
		Status:           label,
		Icon:             StatusIcon(label),
		Progress:         snap.Progress,
		CreatedAt:        snap.CreatedAt,
		StartedAt:        snap.StartedAt,
		EndedAt:          snap.EndedAt,
		FailureReason:    snap.FailureReason,
		FailureSummaries: snap.FailureSummaries,
	}
	if !snap.Platform.IsZero() {
		s.Platform = snap.Platform.String()
	}
	if snap.StartedAt != nil {
		s.DurationSeconds = b.Duration(now).Seconds()
	}
	return s
}

// NewBuildDetail converts a build including its log.
func NewBuildDetail(b *build.Build, now time.Time) BuildDetail {
	lines := b.LogLines()
	if lines == nil {
		lines = []string{}
	}
	return BuildDetail{
		BuildSummary: NewBuildSummary(b, now),
		CommitLog:    b.CommitLog(),
		LogLines:     lines,
	}
}

// NewRepositoryStatus converts a repository with up to recent builds, newest
// first. A non-positive recent includes every build.
func NewRepositoryStatus(r *repository.Repository, recent int, now time.Time) RepositoryStatus {
	rs := RepositoryStatus{
		Name:         r.Name(),
		Abbreviation: r.Abbreviation(),
		URL:          r.URL(),
		Cloned:       r.ClonedAlready(),
		LastBranch:   r.LastBranch(),
		LastScheme:   r.LastScheme(),
		Branches:     r.Branches(),
		Schemes:      r.Schemes(),
		Builds:       []BuildSummary{},
	}
	for _, p := range r.Platforms() {
		rs.Platforms = append(rs.Platforms, p.String())
	}
	if status, ok := r.LatestBuildStatus(); ok {
		rs.LatestStatus = StatusLabel(status, false)
		rs.Icon = StatusIcon(rs.LatestStatus)
	}
	builds := r.Builds()
	if recent > 0 && len(builds) > recent {
		builds = builds[:recent]
	}
	for _, b := range builds {
		rs.Builds = append(rs.Builds, NewBuildSummary(b, now))
	}
	return rs
}
