package repository

import (
	"fmt"
	"regexp"
	"strings"
)

// Reasons returned by Filter.Match when a name is rejected.
const (
	ReasonExcluded    = "excluded_by_pattern"
	ReasonNotIncluded = "not_in_includes"
)

// Filter selects repositories by name using shell-style globs.
type Filter struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

// NewFilter compiles include and exclude globs. No include globs means every
// name that is not excluded matches.
func NewFilter(includeGlobs, excludeGlobs []string) (*Filter, error) {
	incs, err := compileGlobs(includeGlobs)
	if err != nil {
		return nil, err
	}
	excs, err := compileGlobs(excludeGlobs)
	if err != nil {
		return nil, err
	}
	return &Filter{include: incs, exclude: excs}, nil
}

func compileGlobs(globs []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(globs))
	for _, g := range globs {
		if strings.TrimSpace(g) == "" {
			continue
		}
		rx, err := regexp.Compile(globToRegex(g))
		if err != nil {
			return nil, fmt.Errorf("compile glob %s: %w", g, err)
		}
		out = append(out, rx)
	}
	return out, nil
}

// Match reports whether name passes the filter, with a reason when it does not.
// Exclusions win over inclusions. A nil filter matches everything.
func (f *Filter) Match(name string) (bool, string) {
	if f == nil {
		return true, ""
	}
	for _, rx := range f.exclude {
		if rx.MatchString(name) {
			return false, ReasonExcluded
		}
	}
	if len(f.include) == 0 {
		return true, ""
	}
	for _, rx := range f.include {
		if rx.MatchString(name) {
			return true, ""
		}
	}
	return false, ReasonNotIncluded
}

// globToRegex converts a shell-style glob to an anchored regular expression.
func globToRegex(glob string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, c := range glob {
		switch c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return b.String()
}
