package git

import (
	"context"
	"fmt"
	"slices"

	gogit "github.com/go-git/go-git/v5"
	ggitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"

	"git.home.luguber.info/inful/ciagent/internal/foundation/errors"
)

func listRemote(ctx context.Context, url string) ([]*plumbing.Reference, error) {
	rem := gogit.NewRemote(memory.NewStorage(), &ggitcfg.RemoteConfig{
		Name: "origin",
		URLs: []string{url},
	})
	refs, err := rem.ListContext(ctx, &gogit.ListOptions{})
	if err != nil {
		return nil, ClassifyGitError(err, "ls-remote", url)
	}
	return refs, nil
}

// RemoteHead performs a lightweight ls-remote and returns the commit the
// branch points at on the remote.
func RemoteHead(ctx context.Context, url, branch string) (string, error) {
	if branch == "" {
		branch = "main"
	}
	refs, err := listRemote(ctx, url)
	if err != nil {
		return "", err
	}
	want := plumbing.NewBranchReferenceName(branch)
	for _, ref := range refs {
		if ref.Name() == want {
			return ref.Hash().String(), nil
		}
	}
	return "", errors.NotFoundError(fmt.Sprintf("branch %s not found on remote", branch)).
		WithContext("url", url).
		Build()
}

// RemoteBranches lists the branch names published by the remote.
func RemoteBranches(ctx context.Context, url string) ([]string, error) {
	refs, err := listRemote(ctx, url)
	if err != nil {
		return nil, err
	}
	branches := make([]string, 0, len(refs))
	for _, ref := range refs {
		if ref.Type() == plumbing.SymbolicReference || !ref.Name().IsBranch() {
			continue
		}
		branches = append(branches, ref.Name().Short())
	}
	slices.Sort(branches)
	return branches, nil
}
