// Package transformer provides implementations of the publisher.Transformer
// interface for converting change events to sink-specific formats.
package transformer

import (
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/encoding/json"

	"github.com/maxpert/binlogtap/encoding"
	"github.com/maxpert/binlogtap/publisher"
)

func init() {
	publisher.RegisterTransformer("debezium", func() publisher.Transformer {
		return NewDebeziumTransformer()
	})
}

// DebeziumTransformer renders change events as Debezium JSON with an embedded
// schema, readable by Kafka Connect and other Debezium consumers.
//
// Column types follow the Debezium MySQL connector with
// decimal.handling.mode=string and time.precision.mode=connect-as-string:
// DECIMAL, DATE, TIME and DATETIME values are strings, JSON columns are
// io.debezium.data.Json strings and binary columns are base64.
type DebeziumTransformer struct {
	connectorName string
	// "db.table/layout hash" -> built envelope; a DDL changes the hash
	schemaCache *xsync.MapOf[string, *debeziumEnvelopeSchema]
}

// NewDebeziumTransformer creates a new Debezium transformer
func NewDebeziumTransformer() *DebeziumTransformer {
	return &DebeziumTransformer{
		connectorName: "binlogtap",
		schemaCache:   xsync.NewMapOf[string, *debeziumEnvelopeSchema](),
	}
}

type debeziumEnvelopeSchema struct {
	Type   string                `json:"type"`
	Name   string                `json:"name"`
	Fields []debeziumSchemaField `json:"fields"`

	// column name -> debezium type, for value conversion
	types map[string]string
}

type debeziumSchemaField struct {
	Field    string                `json:"field"`
	Type     string                `json:"type"`
	Optional bool                  `json:"optional,omitempty"`
	Name     string                `json:"name,omitempty"`
	Fields   []debeziumSchemaField `json:"fields,omitempty"`
}

type debeziumMessage struct {
	Schema  *debeziumEnvelopeSchema `json:"schema"`
	Payload debeziumPayload         `json:"payload"`
}

type debeziumPayload struct {
	Before map[string]interface{} `json:"before"`
	After  map[string]interface{} `json:"after"`
	Op     string                 `json:"op"`
	TsMs   int64                  `json:"ts_ms"`
	Source debeziumSource         `json:"source"`
}

type debeziumSource struct {
	Connector string `json:"connector"`
	Name      string `json:"name"`
	TsMs      int64  `json:"ts_ms"`
	Db        string `json:"db"`
	Table     string `json:"table"`
	ServerID  uint32 `json:"server_id"`
	GTID      string `json:"gtid,omitempty"`
	File      string `json:"file"`
	Pos       uint64 `json:"pos"`
	Seq       uint64 `json:"seq"`
	EventID   string `json:"event_id"`
}

// Transform converts a change event to Debezium JSON with schema
func (d *DebeziumTransformer) Transform(event publisher.CDCEvent, schema publisher.TableSchema) ([]byte, error) {
	envelope := d.getOrBuildSchema(event.Database, event.Table, schema)

	before, err := d.decodeRowData(event.Before, envelope.types)
	if err != nil {
		return nil, fmt.Errorf("failed to decode before data: %w", err)
	}
	after, err := d.decodeRowData(event.After, envelope.types)
	if err != nil {
		return nil, fmt.Errorf("failed to decode after data: %w", err)
	}

	message := debeziumMessage{
		Schema: envelope,
		Payload: debeziumPayload{
			Before: before,
			After:  after,
			Op:     d.mapOperation(event.Operation),
			TsMs:   event.CommitTS,
			Source: debeziumSource{
				Connector: "mysql",
				Name:      d.connectorName,
				TsMs:      event.CommitTS,
				Db:        event.Database,
				Table:     event.Table,
				ServerID:  event.ServerID,
				GTID:      event.GTID,
				File:      event.File,
				Pos:       event.Offset,
				Seq:       event.SeqNum,
				EventID:   event.ID,
			},
		},
	}

	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// Tombstone creates a tombstone marker (null value for Kafka log compaction)
func (d *DebeziumTransformer) Tombstone(key string) []byte {
	return nil
}

func (d *DebeziumTransformer) decodeRowData(data map[string][]byte, types map[string]string) (map[string]interface{}, error) {
	if data == nil {
		return nil, nil
	}
	result := make(map[string]interface{}, len(data))
	for col, raw := range data {
		var val interface{}
		if err := encoding.Unmarshal(raw, &val); err != nil {
			return nil, fmt.Errorf("failed to decode column %s: %w", col, err)
		}
		// loose decoding turns binary into string
		if s, ok := val.(string); ok && types[col] == "bytes" {
			val = base64.StdEncoding.EncodeToString([]byte(s))
		}
		result[col] = val
	}
	return result, nil
}

func (d *DebeziumTransformer) mapOperation(op uint8) string {
	switch op {
	case publisher.OpInsert:
		return "c"
	case publisher.OpUpdate:
		return "u"
	case publisher.OpDelete:
		return "d"
	default:
		log.Warn().Uint8("operation", op).Msg("Unknown change operation, defaulting to update")
		return "u"
	}
}

func (d *DebeziumTransformer) getOrBuildSchema(database, table string, schema publisher.TableSchema) *debeziumEnvelopeSchema {
	key := database + "." + table + "/" + strconv.FormatUint(layoutHash(schema), 16)
	envelope, _ := d.schemaCache.LoadOrCompute(key, func() *debeziumEnvelopeSchema {
		return d.buildEnvelopeSchema(database, table, schema)
	})
	return envelope
}

func layoutHash(schema publisher.TableSchema) uint64 {
	h := xxhash.New()
	for _, c := range schema.Columns {
		_, _ = h.WriteString(c.Name)
		_, _ = h.WriteString(c.Type)
		flags := []byte{0, 0, 0}
		if c.Unsigned {
			flags[0] = 1
		}
		if c.Nullable {
			flags[1] = 1
		}
		if c.IsPK {
			flags[2] = 1
		}
		_, _ = h.Write(flags)
	}
	return h.Sum64()
}

func (d *DebeziumTransformer) buildEnvelopeSchema(database, table string, schema publisher.TableSchema) *debeziumEnvelopeSchema {
	prefix := d.connectorName + "." + database + "." + table
	valueSchemaName := prefix + ".Value"

	types := make(map[string]string, len(schema.Columns))
	columnFields := make([]debeziumSchemaField, len(schema.Columns))
	for i, col := range schema.Columns {
		tp, name := mapMySQLType(col.Type, col.Unsigned)
		types[col.Name] = tp
		columnFields[i] = debeziumSchemaField{
			Field:    col.Name,
			Type:     tp,
			Name:     name,
			Optional: col.Nullable,
		}
	}

	return &debeziumEnvelopeSchema{
		Type: "struct",
		Name: prefix + ".Envelope",
		Fields: []debeziumSchemaField{
			{Field: "before", Type: "struct", Optional: true, Name: valueSchemaName, Fields: columnFields},
			{Field: "after", Type: "struct", Optional: true, Name: valueSchemaName, Fields: columnFields},
			{Field: "op", Type: "string"},
			{Field: "ts_ms", Type: "int64"},
			{
				Field: "source",
				Type:  "struct",
				Name:  "io.debezium.connector.mysql.Source",
				Fields: []debeziumSchemaField{
					{Field: "connector", Type: "string"},
					{Field: "name", Type: "string"},
					{Field: "ts_ms", Type: "int64"},
					{Field: "db", Type: "string"},
					{Field: "table", Type: "string"},
					{Field: "server_id", Type: "int64"},
					{Field: "gtid", Type: "string", Optional: true},
					{Field: "file", Type: "string"},
					{Field: "pos", Type: "int64"},
					{Field: "seq", Type: "int64"},
					{Field: "event_id", Type: "string"},
				},
			},
		},
		types: types,
	}
}

// mapMySQLType maps a binlog column type name to a Debezium schema type and
// optional semantic name.
func mapMySQLType(mysqlType string, unsigned bool) (string, string) {
	switch mysqlType {
	case "tinyint", "smallint":
		if unsigned && mysqlType == "smallint" {
			return "int32", ""
		}
		return "int16", ""
	case "mediumint":
		return "int32", ""
	case "int":
		if unsigned {
			return "int64", ""
		}
		return "int32", ""
	case "bigint", "bit", "enum", "set":
		return "int64", ""
	case "year":
		return "int32", "io.debezium.time.Year"
	case "float":
		return "float", ""
	case "double":
		return "double", ""
	case "decimal", "date", "time", "datetime", "timestamp", "newdate":
		return "string", ""
	case "json":
		return "string", "io.debezium.data.Json"
	case "tinyblob", "mediumblob", "longblob", "blob", "geometry":
		return "bytes", ""
	case "null":
		return "string", ""
	}
	// varchar, char and anything unrecognised
	return "string", ""
}
