package schema

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/binlogtap/common"
	"github.com/maxpert/binlogtap/position"
)

const (
	defaultPoolSize    = 2
	defaultConnTimeout = 10 * time.Second
)

// MySQLOptions locate the catalog server.
type MySQLOptions struct {
	Address        string
	User           string
	Password       string
	ConnectTimeout time.Duration
}

// DSN renders the options for the driver.
func (o MySQLOptions) DSN() string {
	c := mysql.NewConfig()
	c.Net = "tcp"
	c.Addr = o.Address
	c.User = o.User
	c.Passwd = o.Password
	c.DBName = "information_schema"
	c.Timeout = o.ConnectTimeout
	if c.Timeout <= 0 {
		c.Timeout = defaultConnTimeout
	}
	c.ParseTime = true
	c.AllowNativePasswords = true
	return c.FormatDSN()
}

// MySQLRepository answers catalog queries over an ordinary client
// connection pool, separate from the replication connection.
type MySQLRepository struct {
	db      *sqlx.DB
	dialect goqu.DialectWrapper
}

// NewMySQLRepository opens a small pool; connections are made lazily.
func NewMySQLRepository(opts MySQLOptions) (*MySQLRepository, error) {
	db, err := sqlx.Open("mysql", opts.DSN())
	if err != nil {
		return nil, common.NewError(common.KindConfiguration, "open schema repository", err)
	}
	db.SetMaxOpenConns(defaultPoolSize)
	db.SetMaxIdleConns(defaultPoolSize)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &MySQLRepository{db: db.Unsafe(), dialect: goqu.Dialect("mysql")}, nil
}

// Close releases the pool.
func (r *MySQLRepository) Close() error {
	return r.db.Close()
}

// columnsQuery builds the prepared information_schema lookup.
func columnsQuery(dialect goqu.DialectWrapper, schema, table string) (string, []interface{}, error) {
	return dialect.
		From(goqu.S("information_schema").Table("columns")).
		Select(
			goqu.C("column_name").As("column_name"),
			goqu.C("ordinal_position").As("ordinal_position"),
			goqu.C("data_type").As("data_type"),
			goqu.C("column_type").As("column_type"),
			goqu.C("is_nullable").As("is_nullable"),
			goqu.C("column_key").As("column_key"),
		).
		Where(goqu.Ex{"table_schema": schema, "table_name": table}).
		Order(goqu.C("ordinal_position").Asc()).
		Prepared(true).
		ToSQL()
}

func (r *MySQLRepository) TableColumns(ctx context.Context, schema, table string) ([]ColumnInfo, error) {
	query, args, err := columnsQuery(r.dialect, schema, table)
	if err != nil {
		return nil, common.NewError(common.KindRepository, "build columns query", err)
	}
	var cols []ColumnInfo
	if err := r.db.SelectContext(ctx, &cols, query, args...); err != nil {
		return nil, common.NewError(common.KindRepository, "fetch columns of "+schema+"."+table, err)
	}
	if len(cols) == 0 {
		return nil, common.Errorf(common.KindRepository, "fetch columns", "table %s.%s does not exist", schema, table)
	}
	return cols, nil
}

type binlogStatus struct {
	File            string         `db:"File"`
	Position        uint64         `db:"Position"`
	ExecutedGTIDSet sql.NullString `db:"Executed_Gtid_Set"`
}

func (r *MySQLRepository) ServerCheckpoint(ctx context.Context) (position.Position, error) {
	var st binlogStatus
	// 8.4 removed SHOW MASTER STATUS; older servers lack the new spelling
	err := r.db.GetContext(ctx, &st, "SHOW BINARY LOG STATUS")
	if err != nil {
		log.Debug().Err(err).Msg("SHOW BINARY LOG STATUS failed, falling back to SHOW MASTER STATUS")
		err = r.db.GetContext(ctx, &st, "SHOW MASTER STATUS")
	}
	if errors.Is(err, sql.ErrNoRows) {
		return position.Position{}, common.Errorf(common.KindRepository, "fetch server checkpoint", "binary logging is disabled")
	}
	if err != nil {
		return position.Position{}, common.NewError(common.KindRepository, "fetch server checkpoint", err)
	}

	pos := position.FilePosition(st.File, st.Position)
	if gtids := strings.TrimSpace(st.ExecutedGTIDSet.String); gtids != "" {
		set, err := position.ParseGTIDSet(strings.ReplaceAll(gtids, "\n", ""))
		if err != nil {
			return position.Position{}, common.NewError(common.KindRepository, "parse executed gtid set", err)
		}
		pos.GTIDs = set
	}
	return pos, nil
}

type variable struct {
	Name  string `db:"Variable_name"`
	Value string `db:"Value"`
}

func (r *MySQLRepository) ServerCapabilities(ctx context.Context) (Capabilities, error) {
	var vars []variable
	query := "SHOW GLOBAL VARIABLES WHERE Variable_name IN " +
		"('version', 'gtid_mode', 'binlog_format', 'binlog_checksum', 'binlog_row_metadata')"
	if err := r.db.SelectContext(ctx, &vars, query); err != nil {
		return Capabilities{}, common.NewError(common.KindRepository, "fetch server capabilities", err)
	}
	return capabilitiesFrom(vars), nil
}

// capabilitiesFrom folds SHOW VARIABLES rows; variables a flavor lacks
// keep their zero value.
func capabilitiesFrom(vars []variable) Capabilities {
	var c Capabilities
	for _, v := range vars {
		switch strings.ToLower(v.Name) {
		case "version":
			c.Version = v.Value
		case "gtid_mode":
			c.GTIDMode = strings.EqualFold(v.Value, "ON")
		case "binlog_format":
			c.BinlogFormat = strings.ToUpper(v.Value)
		case "binlog_checksum":
			c.BinlogChecksum = strings.ToUpper(v.Value)
		case "binlog_row_metadata":
			c.RowMetadataFull = strings.EqualFold(v.Value, "FULL")
		}
	}
	return c
}
