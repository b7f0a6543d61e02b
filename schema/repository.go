// Package schema resolves binlog table ids to column layouts. The Cache
// fills from TableMap events and, on a miss, from a Repository that reads
// the server's information_schema.
package schema

import (
	"context"
	"strings"

	"github.com/maxpert/binlogtap/position"
)

// ColumnInfo is one column as the catalog describes it.
type ColumnInfo struct {
	Name       string `db:"column_name"`
	Ordinal    int    `db:"ordinal_position"`
	DataType   string `db:"data_type"`
	ColumnType string `db:"column_type"`
	IsNullable string `db:"is_nullable"`
	ColumnKey  string `db:"column_key"`
}

// Unsigned reports whether the declared type carries the UNSIGNED flag.
func (c ColumnInfo) Unsigned() bool {
	return strings.Contains(strings.ToLower(c.ColumnType), "unsigned")
}

// Nullable reports the catalog's IS_NULLABLE.
func (c ColumnInfo) Nullable() bool {
	return !strings.EqualFold(c.IsNullable, "NO")
}

// PrimaryKey reports whether the column is part of the primary key.
func (c ColumnInfo) PrimaryKey() bool {
	return strings.EqualFold(c.ColumnKey, "PRI")
}

// Capabilities are the server settings that shape the replication session.
type Capabilities struct {
	Version        string
	GTIDMode       bool
	BinlogFormat   string
	BinlogChecksum string
	// RowMetadataFull is set when TableMap events carry column names.
	RowMetadataFull bool
}

// Repository is the catalog collaborator. Implementations return
// repository-kind errors.
type Repository interface {
	// TableColumns returns the columns of schema.table in ordinal order.
	TableColumns(ctx context.Context, schema, table string) ([]ColumnInfo, error)
	// ServerCheckpoint returns the server's current binlog coordinates and
	// executed GTID set.
	ServerCheckpoint(ctx context.Context) (position.Position, error)
	ServerCapabilities(ctx context.Context) (Capabilities, error)
}
