package stream

import (
	"github.com/maxpert/binlogtap/binlog"
)

// TableMatcher selects tables by schema and name.
type TableMatcher interface {
	Match(database, table string) bool
}

// Filter suppresses events before dispatch. Filtering never affects the
// table cache or the tracked position, which see every event. Events that
// end a transaction always pass so batching subscribers can flush.
type Filter struct {
	only   map[binlog.Kind]bool
	ignore map[binlog.Kind]bool
	tables TableMatcher
}

// NewFilter builds a filter from kind names. An empty only list admits
// every kind; tables may be nil.
func NewFilter(only, ignore []string, tables TableMatcher) (*Filter, error) {
	f := &Filter{tables: tables}
	var err error
	if f.only, err = kindSet(only); err != nil {
		return nil, err
	}
	if f.ignore, err = kindSet(ignore); err != nil {
		return nil, err
	}
	return f, nil
}

func kindSet(names []string) (map[binlog.Kind]bool, error) {
	if len(names) == 0 {
		return nil, nil
	}
	set := make(map[binlog.Kind]bool, len(names))
	for _, n := range names {
		k, err := binlog.ParseKind(n)
		if err != nil {
			return nil, err
		}
		set[k] = true
	}
	return set, nil
}

// Allow reports whether ev should reach subscribers.
func (f *Filter) Allow(ev *binlog.Event) bool {
	if f == nil || ev.EndsTransaction {
		return true
	}
	k := ev.Kind()
	if f.only != nil && !f.only[k] {
		return false
	}
	if f.ignore[k] {
		return false
	}
	if f.tables == nil {
		return true
	}
	switch p := ev.Payload.(type) {
	case *binlog.TableMap:
		return f.tables.Match(p.Schema, p.Table)
	case *binlog.Rows:
		if p.Table == nil {
			return true
		}
		return f.tables.Match(p.Table.Schema, p.Table.Table)
	}
	return true
}
