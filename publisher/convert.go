package publisher

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"

	"github.com/maxpert/binlogtap/binlog"
	"github.com/maxpert/binlogtap/encoding"
	"github.com/maxpert/binlogtap/jsonb"
)

// eventNamespace seeds the name-based ids of change events.
var eventNamespace = uuid.MustParse("6f1c0a52-3b9e-4c47-9d7e-2f3a5b1c8e90")

// Origin locates a rows event in the change stream.
type Origin struct {
	GTID     string
	File     string
	Offset   uint64
	ServerID uint32
	Time     time.Time
}

// ConvertRows turns a decoded rows event into one CDCEvent per affected row.
func ConvertRows(origin Origin, rows *binlog.Rows) ([]CDCEvent, error) {
	if rows.Table == nil {
		return nil, fmt.Errorf("rows event for table id %d has no table map", rows.TableID)
	}
	tm := rows.Table
	cols := columnsOf(tm)

	var op uint8
	switch rows.Action {
	case binlog.ActionInsert:
		op = OpInsert
	case binlog.ActionUpdate:
		op = OpUpdate
	case binlog.ActionDelete:
		op = OpDelete
	default:
		return nil, fmt.Errorf("unknown rows action %d", rows.Action)
	}

	events := make([]CDCEvent, 0, len(rows.Rows))
	for i, row := range rows.Rows {
		before, err := encodeImage(row.Before, cols)
		if err != nil {
			return nil, err
		}
		after, err := encodeImage(row.After, cols)
		if err != nil {
			return nil, err
		}

		keyImage := row.After
		if op == OpDelete {
			keyImage = row.Before
		}

		events = append(events, CDCEvent{
			ID:        eventID(origin, i).String(),
			GTID:      origin.GTID,
			File:      origin.File,
			Offset:    origin.Offset,
			Database:  tm.Schema,
			Table:     tm.Table,
			Operation: op,
			Key:       rowKey(keyImage, cols),
			Before:    before,
			After:     after,
			CommitTS:  origin.Time.UnixMilli(),
			ServerID:  origin.ServerID,
			Columns:   cols,
		})
	}
	return events, nil
}

func eventID(origin Origin, row int) uuid.UUID {
	name := origin.GTID + "/" + origin.File + ":" + strconv.FormatUint(origin.Offset, 10) + "#" + strconv.Itoa(row)
	return uuid.NewSHA1(eventNamespace, []byte(name))
}

func columnsOf(tm *binlog.TableMap) []ColumnInfo {
	cols := make([]ColumnInfo, len(tm.Columns))
	for i, c := range tm.Columns {
		cols[i] = ColumnInfo{
			Name:     columnName(c.Name, i),
			Type:     c.Type.String(),
			Unsigned: c.Unsigned,
			Nullable: c.Nullable,
			IsPK:     c.PrimaryKey,
		}
	}
	return cols
}

func columnName(name string, index int) string {
	if name != "" {
		return name
	}
	return "col_" + strconv.Itoa(index)
}

func encodeImage(img binlog.RowImage, cols []ColumnInfo) (map[string][]byte, error) {
	if img == nil {
		return nil, nil
	}
	out := make(map[string][]byte, len(img))
	for _, cv := range img {
		name := columnName(cv.Name, cv.Index)
		if cv.Index < len(cols) {
			name = cols[cv.Index].Name
		}
		data, err := encoding.Marshal(portable(cv.Value))
		if err != nil {
			return nil, fmt.Errorf("encode column %s: %w", name, err)
		}
		out[name] = data
	}
	return out, nil
}

// portable maps decoded column values onto types every sink format can carry.
func portable(v any) any {
	switch x := v.(type) {
	case decimal.Decimal:
		return x.String()
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case jsonb.Value:
		// JSON columns travel as their text form, keeping object key order
		if data, err := x.MarshalJSON(); err == nil {
			return string(data)
		}
		return nil
	case float32:
		return float64(x)
	}
	return v
}

// rowKey joins primary key values into a JSON array. Tables without a primary
// key are keyed by a hash of the whole image.
func rowKey(img binlog.RowImage, cols []ColumnInfo) string {
	var parts []any
	for _, cv := range img {
		if cv.Index < len(cols) && cols[cv.Index].IsPK {
			parts = append(parts, portable(cv.Value))
		}
	}
	if len(parts) > 0 {
		if data, err := json.Marshal(parts); err == nil {
			return string(data)
		}
	}

	h := xxhash.New()
	for _, cv := range img {
		data, _ := encoding.Marshal(portable(cv.Value))
		_, _ = h.Write(data)
	}
	var sum [8]byte
	v := h.Sum64()
	for i := range sum {
		sum[i] = byte(v >> (56 - 8*i))
	}
	return hex.EncodeToString(sum[:])
}
