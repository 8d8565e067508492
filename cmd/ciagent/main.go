package main

import (
	"log/slog"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/ciagent/cmd/ciagent/commands"
	foundationerrors "git.home.luguber.info/inful/ciagent/internal/foundation/errors"
	"git.home.luguber.info/inful/ciagent/internal/version"
)

func main() {
	cli := &commands.CLI{}
	global := &commands.Global{}
	parser := kong.Parse(cli,
		kong.Name("ciagent"),
		kong.Description("Build and test agent for Xcode projects"),
		kong.UsageOnError(),
		kong.Vars{"version": version.String()},
		kong.Bind(global),
	)
	if err := parser.Run(global, cli); err != nil {
		foundationerrors.NewCLIErrorAdapter(cli.Verbose, slog.Default()).HandleError(err)
	}
}
