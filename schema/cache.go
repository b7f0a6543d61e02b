package schema

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/binlogtap/binlog"
	"github.com/maxpert/binlogtap/common"
	"github.com/maxpert/binlogtap/telemetry"
)

// Cache is the bounded table id -> TableMap mapping used by the decoder.
// It is owned by one engine and driven from its single read loop.
type Cache struct {
	entries *lru.Cache[uint64, *binlog.TableMap]
	repo    Repository
	size    int
}

// NewCache builds a cache holding at most size entries. repo may be nil,
// in which case entries carry only what the binlog itself supplies.
func NewCache(size int, repo Repository) (*Cache, error) {
	if size < 1 {
		return nil, common.Errorf(common.KindConfiguration, "new table cache", "size must be >= 1, got %d", size)
	}
	entries, err := lru.NewWithEvict[uint64, *binlog.TableMap](size, func(id uint64, tm *binlog.TableMap) {
		telemetry.TableCacheEvictionsTotal.Inc()
		log.Debug().Uint64("table_id", id).Str("table", tm.Name().String()).Msg("Evicted table map")
	})
	if err != nil {
		return nil, common.NewError(common.KindConfiguration, "new table cache", err)
	}
	return &Cache{entries: entries, repo: repo, size: size}, nil
}

// Observe stores tm unless an entry with the same layout is already cached
// under its id. New or changed layouts are completed from the repository.
func (c *Cache) Observe(ctx context.Context, tm *binlog.TableMap) (*binlog.TableMap, error) {
	if cur, ok := c.entries.Get(tm.TableID); ok &&
		cur.Signature == tm.Signature && cur.Schema == tm.Schema && cur.Table == tm.Table {
		return cur, nil
	}
	telemetry.TableCacheMissesTotal.Inc()

	entry := tm
	if c.repo != nil {
		cols, err := c.repo.TableColumns(ctx, tm.Schema, tm.Table)
		if err != nil {
			if common.KindOf(err) == common.KindUnknown {
				err = common.NewError(common.KindRepository, "fetch columns", err)
			}
			return nil, err
		}
		if entry, err = enrich(tm, cols); err != nil {
			return nil, err
		}
	}

	c.entries.Add(tm.TableID, entry)
	telemetry.TableCacheEntries.Set(float64(c.entries.Len()))
	log.Debug().
		Uint64("table_id", tm.TableID).
		Str("table", tm.Name().String()).
		Int("columns", len(tm.Columns)).
		Msg("Cached table map")
	return entry, nil
}

// Lookup returns the entry for id and marks it recently used.
func (c *Cache) Lookup(id uint64) (*binlog.TableMap, bool) {
	return c.entries.Get(id)
}

// Has reports presence without touching recency.
func (c *Cache) Has(id uint64) bool {
	return c.entries.Contains(id)
}

// Len is the number of cached entries, never more than Size.
func (c *Cache) Len() int {
	return c.entries.Len()
}

func (c *Cache) Size() int {
	return c.size
}

// Purge drops every entry. Table ids are only meaningful within the server
// session that assigned them.
func (c *Cache) Purge() {
	c.entries.Purge()
	telemetry.TableCacheEntries.Set(0)
}

// enrich copies tm, filling names, signedness and keys the binlog omitted from
// the catalog. The signature is kept so later TableMaps compare equal.
func enrich(tm *binlog.TableMap, cols []ColumnInfo) (*binlog.TableMap, error) {
	if len(cols) != len(tm.Columns) {
		return nil, common.Errorf(common.KindRepository, "fetch columns",
			"%s has %d columns in the catalog, binlog maps %d", tm.Name(), len(cols), len(tm.Columns))
	}
	out := *tm
	out.Columns = make([]binlog.Column, len(tm.Columns))
	for i, col := range tm.Columns {
		if !tm.HasNames {
			col.Name = cols[i].Name
		}
		if !tm.HasSignedness && col.Type.IsNumeric() {
			col.Unsigned = cols[i].Unsigned()
		}
		if !tm.HasPrimaryKey {
			col.PrimaryKey = cols[i].PrimaryKey()
		}
		out.Columns[i] = col
	}
	out.HasNames = true
	out.HasSignedness = true
	out.HasPrimaryKey = true
	return &out, nil
}
