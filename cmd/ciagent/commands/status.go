package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	foundationerrors "git.home.luguber.info/inful/ciagent/internal/foundation/errors"
	"git.home.luguber.info/inful/ciagent/internal/server/responses"
)

// StatusCmd implements the 'status' command.
type StatusCmd struct {
	Addr    string        `help:"Base URL of the agent's status feed" default:"http://localhost:8089" env:"CIAGENT_ADDR"`
	Recent  int           `help:"Builds shown per repository" default:"3"`
	JSON    bool          `name:"json" help:"Print the raw JSON snapshot"`
	Timeout time.Duration `help:"Request timeout" default:"10s"`
}

func (s *StatusCmd) Run(g *Global, _ *CLI) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()
	return RunStatus(ctx, g, s.Addr, s.Recent, s.JSON)
}

// RunStatus fetches the snapshot from a running agent and prints it.
func RunStatus(ctx context.Context, g *Global, addr string, recent int, raw bool) error {
	url := strings.TrimSuffix(addr, "/") + fmt.Sprintf("/api/status?recent=%d", recent)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return foundationerrors.ValidationError("invalid agent address").WithCause(err).WithContext("addr", addr).Build()
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return foundationerrors.RuntimeError("agent not reachable").WithCause(err).WithContext("addr", addr).Build()
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return foundationerrors.RuntimeError("failed to read status").WithCause(err).Build()
	}
	if resp.StatusCode != http.StatusOK {
		return foundationerrors.RuntimeError("agent returned an error").
			WithContext("status", resp.StatusCode).
			WithContext("body", strings.TrimSpace(string(body))).
			Build()
	}

	out := g.out()
	if raw {
		_, err = out.Write(body)
		return err
	}
	var snap responses.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return foundationerrors.RuntimeError("malformed status response").WithCause(err).Build()
	}
	return printSnapshot(out, snap)
}

func printSnapshot(out io.Writer, snap responses.Snapshot) error {
	_, _ = fmt.Fprintf(out, "Workers: %d  Queued: %d  Running: %d\n\n",
		snap.Agent.Workers, snap.Agent.QueueLength, len(snap.Agent.Active))

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "REPOSITORY\tSTATUS\tBRANCH\tBUILD\tPROGRESS\tDESCRIPTION")
	for _, repo := range snap.Repositories {
		status := repo.LatestStatus
		if status == "" {
			status = "-"
		}
		if len(repo.Builds) == 0 {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t-\t-\t-\n", repo.Name, status, repo.LastBranch)
			continue
		}
		for i, b := range repo.Builds {
			name := repo.Name
			if i > 0 {
				name = ""
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%3.0f%%\t%s\n",
				name, b.Status, b.Branch, shortID(b.ID), b.Progress*100, b.Description)
		}
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
