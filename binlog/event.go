package binlog

import (
	"fmt"
	"time"

	"github.com/maxpert/binlogtap/position"
)

// Event is one decoded binlog event. Events are not mutated after the
// decoder returns them.
type Event struct {
	Header  EventHeader
	Payload Payload
	// EndsTransaction is set on the event that commits (or rolls back) the
	// current transaction: Xid, COMMIT/ROLLBACK, or a statement that is
	// implicitly committed such as DDL.
	EndsTransaction bool
}

// Kind is the payload variant of the event.
func (e *Event) Kind() Kind {
	if e.Payload == nil {
		return KindUnknown
	}
	return e.Payload.Kind()
}

// Time is the header timestamp.
func (e *Event) Time() time.Time {
	return time.Unix(int64(e.Header.Timestamp), 0)
}

func (e *Event) String() string {
	return fmt.Sprintf("%s@%d", e.Kind(), e.Header.LogPos)
}

// Payload is the closed set of event bodies.
type Payload interface {
	Kind() Kind
	payload()
}

// Rotate announces the next binlog file.
type Rotate struct {
	Position uint64
	NextFile string
}

// FormatDescription fixes the checksum algorithm and post-header lengths
// for the rest of the session.
type FormatDescription struct {
	Version           uint16
	ServerVersion     string
	CreateTimestamp   uint32
	HeaderLength      uint8
	PostHeaderLengths []byte
	ChecksumAlgorithm ChecksumAlgorithm
}

// StatementKind classifies the SQL text of a Query event.
type StatementKind uint8

const (
	StatementOther StatementKind = iota
	StatementBegin
	StatementCommit
	StatementRollback
	StatementDDL
	StatementDML
)

func (k StatementKind) String() string {
	switch k {
	case StatementBegin:
		return "begin"
	case StatementCommit:
		return "commit"
	case StatementRollback:
		return "rollback"
	case StatementDDL:
		return "ddl"
	case StatementDML:
		return "dml"
	default:
		return "other"
	}
}

// Query carries a statement: transaction control, DDL, or statement-based DML.
type Query struct {
	ThreadID      uint32
	ExecutionTime uint32
	ErrorCode     uint16
	Schema        string
	SQL           string
	Statement     StatementKind
	// Tables lists the tables a DDL statement touches, schema-qualified when
	// the statement names a schema.
	Tables []TableName
}

// TableName is a schema-qualified table.
type TableName struct {
	Schema string
	Table  string
}

func (t TableName) String() string {
	if t.Schema == "" {
		return t.Table
	}
	return t.Schema + "." + t.Table
}

// Column describes one column of a mapped table.
type Column struct {
	Name       string
	Type       ColumnType
	Meta       uint16
	Nullable   bool
	Unsigned   bool
	PrimaryKey bool
}

// TableMap binds a table id to a table layout for the rows events that
// follow it. A TableMap stored in the table cache is never mutated; a
// changed layout produces a new TableMap.
type TableMap struct {
	TableID uint64
	Flags   uint16
	Schema  string
	Table   string
	Columns []Column
	// Signature identifies the column layout; equal signatures mean the
	// same columns in the same order with the same types.
	Signature uint64
	// HasNames and HasSignedness report which optional metadata the server
	// supplied (binlog_row_metadata=FULL).
	HasNames      bool
	HasSignedness bool
	HasPrimaryKey bool
}

// Name is the schema-qualified table name.
func (t *TableMap) Name() TableName {
	return TableName{Schema: t.Schema, Table: t.Table}
}

// RowAction is the mutation a rows event performs.
type RowAction uint8

const (
	ActionInsert RowAction = iota + 1
	ActionUpdate
	ActionDelete
)

func (a RowAction) String() string {
	switch a {
	case ActionInsert:
		return "insert"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	}
	return "unknown"
}

// ColumnValue is one present column of a row image. Value is nil for SQL
// NULL.
type ColumnValue struct {
	Index int
	Name  string
	Value any
}

// RowImage holds the present columns of a row in declaration order.
type RowImage []ColumnValue

// Values returns just the values of the image.
func (r RowImage) Values() []any {
	out := make([]any, len(r))
	for i, c := range r {
		out[i] = c.Value
	}
	return out
}

// Get returns the value of the named column.
func (r RowImage) Get(name string) (any, bool) {
	for _, c := range r {
		if c.Name == name {
			return c.Value, true
		}
	}
	return nil, false
}

// RowChange is one affected row. Inserts have only After, deletes only
// Before, updates both.
type RowChange struct {
	Before RowImage
	After  RowImage
}

// Rows is a write, update or delete rows event.
type Rows struct {
	Action      RowAction
	Version     int
	TableID     uint64
	Flags       uint16
	ColumnCount int
	Table       *TableMap
	Rows        []RowChange
}

// Xid commits a transaction.
type Xid struct {
	XID uint64
}

// GTID opens a transaction.
type GTID struct {
	GTID           position.GTID
	Flags          uint8
	LastCommitted  int64
	SequenceNumber int64
	// CommitTime is the immediate commit time when the server records it.
	CommitTime time.Time
}

// AnonymousGTID opens a transaction on a server without GTIDs.
type AnonymousGTID struct {
	GTID
}

// PreviousGTIDs lists every transaction in files before this one.
type PreviousGTIDs struct {
	Set position.GTIDSet
}

// Heartbeat is a liveness signal; it carries the current file name and,
// on newer servers, the position.
type Heartbeat struct {
	File     string
	Position uint64
}

// RowsQuery carries the original statement of the following rows events.
type RowsQuery struct {
	SQL string
}

// TransactionPayload is a compressed transaction. Events holds the inner
// events in order.
type TransactionPayload struct {
	Compression      uint64
	Size             uint64
	UncompressedSize uint64
	Events           []*Event
}

// Unknown is any event the decoder does not interpret.
type Unknown struct {
	Type EventType
	Raw  []byte
}

func (*Rotate) Kind() Kind             { return KindRotate }
func (*FormatDescription) Kind() Kind  { return KindFormatDescription }
func (*Query) Kind() Kind              { return KindQuery }
func (*TableMap) Kind() Kind           { return KindTableMap }
func (*Xid) Kind() Kind                { return KindXid }
func (*GTID) Kind() Kind               { return KindGTID }
func (*AnonymousGTID) Kind() Kind      { return KindAnonymousGTID }
func (*PreviousGTIDs) Kind() Kind      { return KindPreviousGTIDs }
func (*Heartbeat) Kind() Kind          { return KindHeartbeat }
func (*RowsQuery) Kind() Kind          { return KindRowsQuery }
func (*TransactionPayload) Kind() Kind { return KindTransactionPayload }
func (*Unknown) Kind() Kind            { return KindUnknown }

func (r *Rows) Kind() Kind {
	switch r.Action {
	case ActionInsert:
		return KindWriteRows
	case ActionUpdate:
		return KindUpdateRows
	case ActionDelete:
		return KindDeleteRows
	}
	return KindUnknown
}

func (*Rotate) payload()             {}
func (*FormatDescription) payload()  {}
func (*Query) payload()              {}
func (*TableMap) payload()           {}
func (*Rows) payload()               {}
func (*Xid) payload()                {}
func (*GTID) payload()               {}
func (*AnonymousGTID) payload()      {}
func (*PreviousGTIDs) payload()      {}
func (*Heartbeat) payload()          {}
func (*RowsQuery) payload()          {}
func (*TransactionPayload) payload() {}
func (*Unknown) payload()            {}
