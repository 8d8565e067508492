package repository

import (
	"context"
	"encoding/json"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"git.home.luguber.info/inful/ciagent/internal/build"
	foundationerrors "git.home.luguber.info/inful/ciagent/internal/foundation/errors"
	"git.home.luguber.info/inful/ciagent/internal/git"
	"git.home.luguber.info/inful/ciagent/internal/logfields"
	"git.home.luguber.info/inful/ciagent/internal/runner"
	"git.home.luguber.info/inful/ciagent/internal/simulator"
)

// Refresh recomputes the branches, schemes and platforms concurrently.
// Branches and schemes need a working copy and are left empty before the
// first clone. While a build holds the working copy they keep their previous
// values and only platforms are queried. Readers keep seeing the previous
// values until every query succeeded; on error nothing is replaced.
func (r *Repository) Refresh(ctx context.Context) error {
	r.mu.RLock()
	branches, schemes := r.branches, r.schemes
	r.mu.RUnlock()
	var platforms []build.Platform

	cloned := r.ClonedAlready()
	checkout := cloned && r.pipeline.TryLock()
	switch {
	case checkout:
		defer r.pipeline.Unlock()
	case cloned:
		r.logger().Debug("Working copy busy, keeping branches and schemes")
	default:
		branches, schemes = nil, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if checkout {
		g.Go(func() error {
			co, err := git.Open(r.localPath)
			if err != nil {
				return err
			}
			branches, err = co.Branches()
			return err
		})
		g.Go(func() error {
			var err error
			schemes, err = r.listSchemes(gctx)
			return err
		})
	}
	g.Go(func() error {
		devices, err := simulator.ListDevices(gctx, r.deps.Runner, r.deps.Tools.Xcrun)
		if err != nil {
			return err
		}
		platforms = make([]build.Platform, 0, len(devices))
		for _, d := range devices {
			platforms = append(platforms, build.Platform{
				Name:      d.Name,
				OS:        d.OS(),
				RuntimeID: d.Runtime,
				DeviceID:  d.UDID,
			})
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		r.logger().Warn("Repository refresh failed", logfields.Error(err))
		return err
	}

	r.mu.Lock()
	r.branches = branches
	r.schemes = schemes
	r.platforms = platforms
	r.mu.Unlock()
	r.publish(ctx, r.Updated())
	return nil
}

// xcodebuildList is the subset of `xcodebuild -list -json` output in use.
type xcodebuildList struct {
	Project *struct {
		Schemes []string `json:"schemes"`
	} `json:"project"`
	Workspace *struct {
		Schemes []string `json:"schemes"`
	} `json:"workspace"`
}

func (r *Repository) listSchemes(ctx context.Context) ([]string, error) {
	var stdout strings.Builder
	res, err := r.deps.Runner.Run(ctx, runner.Command{
		Name: r.deps.Tools.Xcodebuild,
		Args: []string{"-list", "-json"},
		Dir:  r.localPath,
	}, func(l runner.Line) {
		if l.Stream == runner.Stdout {
			stdout.WriteString(l.Text)
			stdout.WriteByte('\n')
		}
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, foundationerrors.BuildError("xcodebuild -list failed").
			WithContext("exit_code", res.ExitCode).
			WithContext("stderr", res.ErrorOutput).Build()
	}
	return ParseSchemes([]byte(stdout.String()))
}

// ParseSchemes extracts the sorted scheme names of a workspace or project
// from `xcodebuild -list -json` output.
func ParseSchemes(data []byte) ([]string, error) {
	var list xcodebuildList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, foundationerrors.WrapError(err, foundationerrors.CategoryBuild, "decode xcodebuild scheme list").Build()
	}
	var out []string
	if list.Workspace != nil {
		out = append(out, list.Workspace.Schemes...)
	}
	if list.Project != nil {
		out = append(out, list.Project.Schemes...)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}
