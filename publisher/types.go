package publisher

// Operation types for change events
const (
	OpInsert uint8 = 0
	OpUpdate uint8 = 1
	OpDelete uint8 = 2
)

// CDCEvent is one changed row, ready to publish
type CDCEvent struct {
	SeqNum    uint64            `msgpack:"seq"`    // Monotonic sequence, assigned by PublishLog
	ID        string            `msgpack:"id"`     // Stable across redelivery of the same row
	GTID      string            `msgpack:"gtid"`   // Transaction GTID, empty on anonymous transactions
	File      string            `msgpack:"file"`   // Binlog file of the rows event
	Offset    uint64            `msgpack:"pos"`    // End position of the rows event
	Database  string            `msgpack:"db"`     // Schema name
	Table     string            `msgpack:"tbl"`    // Table name
	Operation uint8             `msgpack:"op"`     // 0=INSERT, 1=UPDATE, 2=DELETE
	Key       string            `msgpack:"key"`    // Partition key built from primary key values
	Before    map[string][]byte `msgpack:"before"` // Old values (msgpack encoded)
	After     map[string][]byte `msgpack:"after"`  // New values (msgpack encoded)
	CommitTS  int64             `msgpack:"ts"`     // Event timestamp (unix ms)
	ServerID  uint32            `msgpack:"server"` // Originating server
	Columns   []ColumnInfo      `msgpack:"cols"`   // Table layout at the time of the change
}

// Schema returns the table layout captured with the event.
func (e CDCEvent) Schema() TableSchema {
	return TableSchema{Columns: e.Columns}
}

// Sink represents a destination for change events (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends an event to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer converts change events to sink-specific formats
type Transformer interface {
	// Transform converts a change event to bytes for publishing
	Transform(event CDCEvent, schema TableSchema) ([]byte, error)
	// Tombstone creates a tombstone/delete marker for the given key
	Tombstone(key string) []byte
}

// Filter determines whether a change event should be published
type Filter interface {
	// Match returns true if the event should be published
	Match(database, table string) bool
}

// TableSchema holds column metadata for a table
type TableSchema struct {
	Columns []ColumnInfo
}

// ColumnInfo represents metadata for a single column
type ColumnInfo struct {
	Name     string `msgpack:"n"`
	Type     string `msgpack:"t"`
	Unsigned bool   `msgpack:"u,omitempty"`
	Nullable bool   `msgpack:"null,omitempty"`
	IsPK     bool   `msgpack:"pk,omitempty"`
}
