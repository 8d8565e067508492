package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/ciagent/internal/build"
	"git.home.luguber.info/inful/ciagent/internal/foundation/errors"
)

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func finishedBuild(t *testing.T, repo string, created time.Time) *build.Build {
	t.Helper()
	b := build.New(build.Params{RepositoryName: repo, Branch: "main", Platform: build.Platform{Name: "iPhone 15"}}, created)
	require.NoError(t, b.Start(created.Add(time.Second)))
	require.NoError(t, b.Succeed(created.Add(time.Minute)))
	return b
}

func TestSaveAndLoad(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	t0 := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	rec := RepositoryRecord{Name: "App", URL: "git@example.com:app.git", LocalPath: "/co/App", Cloned: true, LatestStatus: "succeeded", LastPlatform: build.Platform{Name: "iPhone 15", OS: "iOS 17.5"}}
	require.NoError(t, s.SaveRepository(ctx, rec))
	rec.LastBranch = "develop"
	require.NoError(t, s.SaveRepository(ctx, rec))

	b := build.New(build.Params{RepositoryName: "App", Branch: "develop"}, t0)
	require.NoError(t, b.Start(t0))
	require.NoError(t, s.SaveBuild(ctx, b.Summary()))
	for i, line := range []string{"first", "second", "third"} {
		require.NoError(t, b.AppendLog(line))
		require.NoError(t, s.AppendLogLine(ctx, b.ID(), i, line))
	}
	require.NoError(t, b.Fail(t0.Add(time.Minute), "exit code 65"))
	require.NoError(t, s.SaveBuild(ctx, b.Snapshot()))

	older := finishedBuild(t, "App", t0.Add(-time.Hour))
	require.NoError(t, s.SaveBuild(ctx, older.Summary()))

	snap, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Repositories, 1)
	assert.Equal(t, "develop", snap.Repositories[0].LastBranch)
	assert.Equal(t, "iOS 17.5", snap.Repositories[0].LastPlatform.OS)

	require.Len(t, snap.Builds, 2)
	assert.Equal(t, older.ID(), snap.Builds[0].ID, "builds load oldest first")
	got := snap.Builds[1]
	assert.Equal(t, build.StatusFailed, got.Status)
	assert.Equal(t, "exit code 65", got.FailureReason)
	assert.Equal(t, []string{"first", "second", "third"}, got.LogLines)
	require.NotNil(t, got.StartedAt)
	assert.True(t, t0.Equal(*got.StartedAt))
}

func TestPruneBuildsKeepsNewest(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	t0 := time.Now()

	var ids []string
	for i := range 4 {
		b := finishedBuild(t, "App", t0.Add(time.Duration(i)*time.Minute))
		ids = append(ids, b.ID())
		require.NoError(t, s.SaveBuild(ctx, b.Summary()))
		require.NoError(t, s.AppendLogLine(ctx, b.ID(), 0, "line"))
	}
	require.NoError(t, s.SaveBuild(ctx, finishedBuild(t, "Other", t0).Summary()))

	removed, err := s.PruneBuilds(ctx, "App", 2)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids[:2], removed)

	snap, err := s.Load(ctx)
	require.NoError(t, err)
	var appIDs []string
	for _, b := range snap.Builds {
		if b.RepositoryName == "App" {
			appIDs = append(appIDs, b.ID)
		}
	}
	assert.Equal(t, ids[2:], appIDs)
	assert.Len(t, snap.Builds, 3)
}

func TestDeleteRepositoryDropsBuilds(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveRepository(ctx, RepositoryRecord{Name: "App"}))
	b := finishedBuild(t, "App", time.Now())
	require.NoError(t, s.SaveBuild(ctx, b.Summary()))
	require.NoError(t, s.AppendLogLine(ctx, b.ID(), 0, "x"))

	require.NoError(t, s.DeleteRepository(ctx, "App"))
	snap, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Repositories)
	assert.Empty(t, snap.Builds)
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveRepository(context.Background(), RepositoryRecord{Name: "App"}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	snap, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Repositories, 1)
}

func TestClosedStoreReturnsStateErrors(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	err = s.SaveRepository(context.Background(), RepositoryRecord{Name: "App"})
	assert.True(t, errors.HasCategory(err, errors.CategoryState))
}

func TestNoopStore(t *testing.T) {
	var s Store = NoopStore{}
	require.NoError(t, s.SaveBuild(context.Background(), build.Snapshot{}))
	snap, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Builds)
}
