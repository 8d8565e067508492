package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"

	_ "modernc.org/sqlite"

	"git.home.luguber.info/inful/ciagent/internal/build"
	"git.home.luguber.info/inful/ciagent/internal/foundation/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS repositories (
	name TEXT PRIMARY KEY,
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS builds (
	id TEXT PRIMARY KEY,
	repository TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	data BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_builds_repository ON builds(repository, created_at);
CREATE TABLE IF NOT EXISTS log_lines (
	build_id TEXT NOT NULL,
	idx INTEGER NOT NULL,
	line TEXT NOT NULL,
	PRIMARY KEY (build_id, idx)
);
`

// SQLiteStore implements Store on SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates the database at dbPath. ":memory:" gives a
// private in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.StateError("open state database").WithCause(err).WithContext("path", dbPath).Build()
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.StateError("initialize state schema").WithCause(err).Build()
	}
	return &SQLiteStore{db: db}, nil
}

func stateErr(op string, err error) error {
	return errors.StateError(op).WithCause(err).Build()
}

// SaveRepository implements Store.
func (s *SQLiteStore) SaveRepository(ctx context.Context, rec RepositoryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return stateErr("marshal repository", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO repositories (name, data) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET data = excluded.data`,
		rec.Name, data)
	if err != nil {
		return stateErr("save repository", err)
	}
	return nil
}

// DeleteRepository implements Store.
func (s *SQLiteStore) DeleteRepository(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stateErr("delete repository", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`DELETE FROM log_lines WHERE build_id IN (SELECT id FROM builds WHERE repository = ?)`,
		`DELETE FROM builds WHERE repository = ?`,
		`DELETE FROM repositories WHERE name = ?`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q, name); err != nil {
			return stateErr("delete repository", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return stateErr("delete repository", err)
	}
	return nil
}

// SaveBuild implements Store.
func (s *SQLiteStore) SaveBuild(ctx context.Context, b build.Snapshot) error {
	b.LogLines = nil
	data, err := json.Marshal(b)
	if err != nil {
		return stateErr("marshal build", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO builds (id, repository, created_at, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data`,
		b.ID, b.RepositoryName, b.CreatedAt.UnixNano(), data)
	if err != nil {
		return stateErr("save build", err)
	}
	return nil
}

// AppendLogLine implements Store.
func (s *SQLiteStore) AppendLogLine(ctx context.Context, buildID string, index int, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO log_lines (build_id, idx, line) VALUES (?, ?, ?)`,
		buildID, index, line)
	if err != nil {
		return stateErr("append log line", err)
	}
	return nil
}

// PruneBuilds implements Store.
func (s *SQLiteStore) PruneBuilds(ctx context.Context, repository string, keep int) ([]string, error) {
	if keep < 0 {
		keep = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM builds WHERE repository = ? ORDER BY created_at DESC LIMIT -1 OFFSET ?`,
		repository, keep)
	if err != nil {
		return nil, stateErr("prune builds", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, stateErr("prune builds", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, stateErr("prune builds", err)
	}

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM log_lines WHERE build_id = ?`, id); err != nil {
			return nil, stateErr("prune builds", err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM builds WHERE id = ?`, id); err != nil {
			return nil, stateErr("prune builds", err)
		}
	}
	return ids, nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap Snapshot
	repos, err := s.db.QueryContext(ctx, `SELECT data FROM repositories ORDER BY name`)
	if err != nil {
		return Snapshot{}, stateErr("load repositories", err)
	}
	defer repos.Close()
	for repos.Next() {
		var data []byte
		var rec RepositoryRecord
		if err := repos.Scan(&data); err != nil {
			return Snapshot{}, stateErr("load repositories", err)
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return Snapshot{}, stateErr("decode repository", err)
		}
		snap.Repositories = append(snap.Repositories, rec)
	}
	if err := repos.Err(); err != nil {
		return Snapshot{}, stateErr("load repositories", err)
	}

	builds, err := s.db.QueryContext(ctx, `SELECT data FROM builds ORDER BY created_at, id`)
	if err != nil {
		return Snapshot{}, stateErr("load builds", err)
	}
	defer builds.Close()
	index := make(map[string]int)
	for builds.Next() {
		var data []byte
		var b build.Snapshot
		if err := builds.Scan(&data); err != nil {
			return Snapshot{}, stateErr("load builds", err)
		}
		if err := json.Unmarshal(data, &b); err != nil {
			return Snapshot{}, stateErr("decode build", err)
		}
		index[b.ID] = len(snap.Builds)
		snap.Builds = append(snap.Builds, b)
	}
	if err := builds.Err(); err != nil {
		return Snapshot{}, stateErr("load builds", err)
	}

	lines, err := s.db.QueryContext(ctx, `SELECT build_id, line FROM log_lines ORDER BY build_id, idx`)
	if err != nil {
		return Snapshot{}, stateErr("load log lines", err)
	}
	defer lines.Close()
	for lines.Next() {
		var id, line string
		if err := lines.Scan(&id, &line); err != nil {
			return Snapshot{}, stateErr("load log lines", err)
		}
		if i, ok := index[id]; ok {
			snap.Builds[i].LogLines = append(snap.Builds[i].LogLines, line)
		}
	}
	if err := lines.Err(); err != nil {
		return Snapshot{}, stateErr("load log lines", err)
	}
	return snap, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
