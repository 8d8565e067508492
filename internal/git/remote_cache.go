package git

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"git.home.luguber.info/inful/ciagent/internal/logfields"
)

// HeadLookup resolves the current remote commit of a branch.
type HeadLookup func(ctx context.Context, url, branch string) (string, error)

// RemoteHeadCache stores the last known remote head per repository branch so
// the poller only builds when the remote moved.
type RemoteHeadCache struct {
	mu      sync.RWMutex
	entries map[string]*RemoteHeadEntry
	path    string
	lookup  HeadLookup
}

// RemoteHeadEntry represents a cached remote head.
type RemoteHeadEntry struct {
	URL       string    `json:"url"`
	Branch    string    `json:"branch"`
	CommitSHA string    `json:"commit_sha"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRemoteHeadCache creates a remote head cache persisted under cacheDir.
// If cacheDir is empty, the cache lives in memory only.
func NewRemoteHeadCache(cacheDir string) (*RemoteHeadCache, error) {
	cache := &RemoteHeadCache{
		entries: make(map[string]*RemoteHeadEntry),
		lookup:  RemoteHead,
	}
	if cacheDir == "" {
		return cache, nil
	}

	cache.path = filepath.Join(cacheDir, "remote-heads.json")
	if err := cache.load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to load remote head cache", logfields.Path(cache.path), logfields.Error(err))
	}
	return cache, nil
}

// WithLookup replaces the remote query (fluent helper).
func (c *RemoteHeadCache) WithLookup(fn HeadLookup) *RemoteHeadCache {
	c.lookup = fn
	return c
}

// CheckRemoteChanged queries the remote and reports whether the branch moved
// since the last check. The first observation of a branch seeds the cache and
// reports no change.
func (c *RemoteHeadCache) CheckRemoteChanged(ctx context.Context, url, branch string) (bool, string, error) {
	current, err := c.lookup(ctx, url, branch)
	if err != nil {
		return false, "", err
	}

	cached := c.Get(url, branch)
	c.Set(url, branch, current)
	if cached == nil {
		slog.Debug("Seeded remote head", logfields.Branch(branch), logfields.Revision(current))
		return false, current, nil
	}
	if cached.CommitSHA == current {
		return false, current, nil
	}
	slog.Info("Remote head changed",
		logfields.Branch(branch),
		slog.String("old", abbrev(cached.CommitSHA)),
		slog.String("new", abbrev(current)))
	return true, current, nil
}

// Get retrieves a cached entry.
func (c *RemoteHeadCache) Get(url, branch string) *RemoteHeadEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[cacheKey(url, branch)]
}

// Set updates the cache with a new remote head.
func (c *RemoteHeadCache) Set(url, branch, commitSHA string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(url, branch)] = &RemoteHeadEntry{
		URL:       url,
		Branch:    branch,
		CommitSHA: commitSHA,
		UpdatedAt: time.Now(),
	}
}

// Save persists the cache to disk.
func (c *RemoteHeadCache) Save() error {
	if c.path == "" {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0o750); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0o600); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	return nil
}

func (c *RemoteHeadCache) load() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := json.Unmarshal(data, &c.entries); err != nil {
		return fmt.Errorf("unmarshal cache: %w", err)
	}
	return nil
}

func cacheKey(url, branch string) string {
	return fmt.Sprintf("%s:%s", url, branch)
}

func abbrev(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
