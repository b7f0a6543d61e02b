package publisher

import (
	"fmt"

	"github.com/gobwas/glob"

	"github.com/maxpert/binlogtap/common"
)

// GlobFilter matches database and table names against glob patterns. It
// serves both the per-sink filters and the engine's table filter.
type GlobFilter struct {
	tableGlobs    []glob.Glob
	databaseGlobs []glob.Glob
}

// NewGlobFilter creates a new glob-based filter.
// Empty patterns match everything.
func NewGlobFilter(tablePatterns, dbPatterns []string) (*GlobFilter, error) {
	tables, err := compileAll("table", tablePatterns)
	if err != nil {
		return nil, err
	}
	dbs, err := compileAll("database", dbPatterns)
	if err != nil {
		return nil, err
	}
	return &GlobFilter{tableGlobs: tables, databaseGlobs: dbs}, nil
}

func compileAll(what string, patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, common.NewError(common.KindConfiguration, "compile filter",
				fmt.Errorf("invalid %s pattern %q: %w", what, pattern, err))
		}
		out = append(out, g)
	}
	return out, nil
}

// Match returns true if the database and table match the configured patterns
func (f *GlobFilter) Match(database, table string) bool {
	return anyMatch(f.databaseGlobs, database) && anyMatch(f.tableGlobs, table)
}

// IsEmpty reports whether the filter lets everything through.
func (f *GlobFilter) IsEmpty() bool {
	return len(f.tableGlobs) == 0 && len(f.databaseGlobs) == 0
}

func anyMatch(globs []glob.Glob, name string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}
