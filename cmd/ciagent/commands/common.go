// Package commands implements the ciagent subcommands.
package commands

import (
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/ciagent/internal/config"
	"git.home.luguber.info/inful/ciagent/internal/observability"
	"git.home.luguber.info/inful/ciagent/internal/runner"
)

// Global carries state shared by subcommands. Zero values are replaced
// with the process defaults.
type Global struct {
	Logger *slog.Logger
	Runner runner.Runner
	Out    io.Writer
}

func (g *Global) out() io.Writer {
	if g == nil || g.Out == nil {
		return os.Stdout
	}
	return g.Out
}

func (g *Global) runner() runner.Runner {
	if g == nil || g.Runner == nil {
		return runner.New()
	}
	return g.Runner
}

// CLI definition & global flags.
type CLI struct {
	Config  string           `short:"c" help:"Configuration file path" default:"ciagent.yaml" env:"CIAGENT_CONFIG"`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Daemon DaemonCmd `cmd:"" help:"Run the agent: build queue, remote polling and status feed"`
	Build  BuildCmd  `cmd:"" help:"Build one repository in the foreground and stream its log"`
	Init   InitCmd   `cmd:"" help:"Write a starter configuration file"`
	Status StatusCmd `cmd:"" help:"Show the status of a running agent"`
}

// AfterApply runs after flag parsing and installs a stderr logger until the
// configuration is loaded.
// nolint:unparam // AfterApply currently never returns an error.
func (c *CLI) AfterApply(g *Global) error {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	if g.Logger == nil {
		g.Logger = slog.New(observability.ContextHandler{
			Handler: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
		})
	}
	slog.SetDefault(g.Logger)
	return nil
}

// setupLogging replaces the bootstrap logger with one built from the
// logging section. The returned closer flushes the log file, if any.
func setupLogging(g *Global, cfg *config.Config, verbose bool) io.Closer {
	lc := cfg.Logging
	if verbose {
		lc.Level = "debug"
	}
	logger, closer := observability.NewLogger(observability.LoggerOptions{
		Level:      lc.Level,
		Format:     lc.Format,
		File:       lc.File,
		MaxSizeMB:  lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
		MaxAgeDays: lc.MaxAgeDays,
	})
	g.Logger = logger
	slog.SetDefault(logger)
	return closer
}
