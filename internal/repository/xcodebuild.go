package repository

import (
	"os"

	"git.home.luguber.info/inful/ciagent/internal/build"
	"git.home.luguber.info/inful/ciagent/internal/config"
)

// XcodebuildArgs returns the build command line for b.
//
// A configured build_command is used as is after expanding ${BRANCH},
// ${SCHEME}, ${SDK}, ${REVISION}, ${DESTINATION} and ${BUILD_ID}; other
// variables are left untouched. Otherwise the command is
// `xcodebuild -scheme S [-sdk SDK] [-destination D] build`.
func XcodebuildArgs(tool string, cfg config.RepositoryConfig, b *build.Build) []string {
	var dest string
	if p := b.Platform(); !p.IsZero() {
		dest = p.Destination()
	}
	vars := map[string]string{
		"BRANCH":      b.Branch(),
		"SCHEME":      b.Scheme(),
		"SDK":         cfg.SDK,
		"REVISION":    b.RequestedRevision(),
		"DESTINATION": dest,
		"BUILD_ID":    b.ID(),
	}
	if len(cfg.BuildCommand) > 0 {
		out := make([]string, len(cfg.BuildCommand))
		for i, arg := range cfg.BuildCommand {
			out[i] = os.Expand(arg, func(name string) string {
				if v, ok := vars[name]; ok {
					return v
				}
				return "${" + name + "}"
			})
		}
		return out
	}

	if tool == "" {
		tool = "xcodebuild"
	}
	args := []string{tool}
	if b.Scheme() != "" {
		args = append(args, "-scheme", b.Scheme())
	}
	if cfg.SDK != "" {
		args = append(args, "-sdk", cfg.SDK)
	}
	if dest != "" {
		args = append(args, "-destination", dest)
	}
	return append(args, "build")
}
