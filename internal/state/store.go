package state

import (
	"context"
	"time"

	"git.home.luguber.info/inful/ciagent/internal/build"
)

// RepositoryRecord is the persisted form of a tracked repository.
type RepositoryRecord struct {
	Name         string         `json:"name"`
	URL          string         `json:"url"`
	Abbreviation string         `json:"abbreviation,omitempty"`
	LocalPath    string         `json:"local_path"`
	LastBranch   string         `json:"last_branch,omitempty"`
	LastScheme   string         `json:"last_scheme,omitempty"`
	LastPlatform build.Platform `json:"last_platform"`
	Cloned       bool           `json:"cloned"`
	// LatestStatus is empty until the repository's first build finishes.
	LatestStatus string    `json:"latest_status,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Snapshot is everything Load returns. Builds are ordered by creation time,
// oldest first, and carry their full logs.
type Snapshot struct {
	Repositories []RepositoryRecord
	Builds       []build.Snapshot
}

// Store persists agent state.
type Store interface {
	// SaveRepository inserts or replaces a repository record.
	SaveRepository(ctx context.Context, rec RepositoryRecord) error
	// DeleteRepository removes a repository together with its builds and logs.
	DeleteRepository(ctx context.Context, name string) error
	// SaveBuild inserts or replaces a build. Log lines in the snapshot are ignored.
	SaveBuild(ctx context.Context, b build.Snapshot) error
	// AppendLogLine stores the index-th log line of a build.
	AppendLogLine(ctx context.Context, buildID string, index int, line string) error
	// PruneBuilds deletes all but the newest keep builds of a repository and
	// returns the ids it removed.
	PruneBuilds(ctx context.Context, repository string, keep int) ([]string, error)
	// Load reads the complete persisted state.
	Load(ctx context.Context) (Snapshot, error)
	Close() error
}

// NoopStore discards all writes and loads nothing.
type NoopStore struct{}

var _ Store = NoopStore{}

func (NoopStore) SaveRepository(context.Context, RepositoryRecord) error      { return nil }
func (NoopStore) DeleteRepository(context.Context, string) error              { return nil }
func (NoopStore) SaveBuild(context.Context, build.Snapshot) error             { return nil }
func (NoopStore) AppendLogLine(context.Context, string, int, string) error    { return nil }
func (NoopStore) PruneBuilds(context.Context, string, int) ([]string, error) { return nil, nil }
func (NoopStore) Load(context.Context) (Snapshot, error)                      { return Snapshot{}, nil }
func (NoopStore) Close() error                                                { return nil }
