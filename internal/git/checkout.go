package git

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Checkout is an opened working copy.
type Checkout struct {
	path string
	repo *gogit.Repository
}

// IsRepository reports whether path holds a git working copy.
func IsRepository(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil && info.IsDir()
}

// Open opens the working copy at path.
func Open(path string) (*Checkout, error) {
	repo, err := gogit.PlainOpen(path)
	if err != nil {
		return nil, ClassifyGitError(err, "open", path)
	}
	return &Checkout{path: path, repo: repo}, nil
}

// Path returns the working copy directory.
func (c *Checkout) Path() string { return c.path }

// Branches lists local branches and remote-tracking branches of origin, by
// short name, sorted and without duplicates.
func (c *Checkout) Branches() ([]string, error) {
	refs, err := c.repo.References()
	if err != nil {
		return nil, ClassifyGitError(err, "branches", c.path)
	}
	defer refs.Close()

	seen := make(map[string]struct{})
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() == plumbing.SymbolicReference {
			return nil
		}
		name := ref.Name()
		switch {
		case name.IsBranch():
			seen[name.Short()] = struct{}{}
		case name.IsRemote():
			short, ok := strings.CutPrefix(name.String(), "refs/remotes/origin/")
			if ok && short != "HEAD" {
				seen[short] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, ClassifyGitError(err, "branches", c.path)
	}

	branches := make([]string, 0, len(seen))
	for b := range seen {
		branches = append(branches, b)
	}
	slices.Sort(branches)
	return branches, nil
}

// HeadRevision returns the full hash HEAD points at.
func (c *Checkout) HeadRevision() (string, error) {
	ref, err := c.repo.Head()
	if err != nil {
		return "", ClassifyGitError(err, "head", c.path)
	}
	return ref.Hash().String(), nil
}

// CommitLog returns the trimmed message of the given revision.
func (c *Checkout) CommitLog(revision string) (string, error) {
	commit, err := c.repo.CommitObject(plumbing.NewHash(revision))
	if err != nil {
		return "", ClassifyGitError(err, "log", c.path)
	}
	return strings.TrimSpace(commit.Message), nil
}

// Head returns HEAD's revision and commit message.
func (c *Checkout) Head() (revision, commitLog string, err error) {
	revision, err = c.HeadRevision()
	if err != nil {
		return "", "", err
	}
	commitLog, err = c.CommitLog(revision)
	if err != nil {
		return "", "", err
	}
	return revision, commitLog, nil
}
