package publisher

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/binlogtap/binlog"
	"github.com/maxpert/binlogtap/encoding"
	"github.com/maxpert/binlogtap/jsonb"
)

func decodeColumn(t *testing.T, image map[string][]byte, name string) any {
	t.Helper()
	raw, ok := image[name]
	require.True(t, ok, "column %s missing", name)
	var v any
	require.NoError(t, encoding.Unmarshal(raw, &v))
	return v
}

func TestConvertRowsOperations(t *testing.T) {
	tm := usersTable()
	origin := Origin{GTID: "g:1", File: "binlog.000001", Offset: 400, ServerID: 1, Time: time.UnixMilli(1700000000000)}

	tests := []struct {
		name   string
		rows   *binlog.Rows
		op     uint8
		key    string
		before bool
		after  bool
	}{
		{"insert", insertRows(tm, 1, "alice"), OpInsert, "[1]", false, true},
		{"update", &binlog.Rows{Action: binlog.ActionUpdate, Table: tm, Rows: []binlog.RowChange{{
			Before: binlog.RowImage{{Index: 0, Name: "id", Value: int64(1)}, {Index: 1, Name: "name", Value: "alice"}},
			After:  binlog.RowImage{{Index: 0, Name: "id", Value: int64(1)}, {Index: 1, Name: "name", Value: "alicia"}},
		}}}, OpUpdate, "[1]", true, true},
		{"delete", &binlog.Rows{Action: binlog.ActionDelete, Table: tm, Rows: []binlog.RowChange{{
			Before: binlog.RowImage{{Index: 0, Name: "id", Value: int64(3)}, {Index: 1, Name: "name", Value: nil}},
		}}}, OpDelete, "[3]", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := ConvertRows(origin, tt.rows)
			require.NoError(t, err)
			require.Len(t, events, 1)
			e := events[0]

			assert.Equal(t, tt.op, e.Operation)
			assert.Equal(t, tt.key, e.Key)
			assert.Equal(t, tt.before, e.Before != nil)
			assert.Equal(t, tt.after, e.After != nil)
			assert.Equal(t, "shop", e.Database)
			assert.Equal(t, "users", e.Table)
			assert.Equal(t, int64(1700000000000), e.CommitTS)
			assert.Equal(t, []ColumnInfo{
				{Name: "id", Type: "int", IsPK: true},
				{Name: "name", Type: "varchar", Nullable: true},
			}, e.Columns)
		})
	}
}

func TestConvertRowsStableIDs(t *testing.T) {
	origin := Origin{GTID: "g:1", File: "binlog.000001", Offset: 400}
	rows := &binlog.Rows{Action: binlog.ActionInsert, Table: usersTable(), Rows: []binlog.RowChange{
		{After: binlog.RowImage{{Index: 0, Name: "id", Value: int64(1)}}},
		{After: binlog.RowImage{{Index: 0, Name: "id", Value: int64(2)}}},
	}}

	first, err := ConvertRows(origin, rows)
	require.NoError(t, err)
	again, err := ConvertRows(origin, rows)
	require.NoError(t, err)

	assert.Equal(t, first[0].ID, again[0].ID, "redelivery keeps the id")
	assert.NotEqual(t, first[0].ID, first[1].ID)
}

func TestConvertRowsPortableValues(t *testing.T) {
	tm := &binlog.TableMap{Schema: "shop", Table: "ledger", Columns: []binlog.Column{
		{Name: "amount", Type: binlog.TypeNewDecimal},
		{Name: "at", Type: binlog.TypeDateTime2},
		{Name: "doc", Type: binlog.TypeJSON},
		{Name: "ratio", Type: binlog.TypeFloat},
		{Type: binlog.TypeBlob},
	}}
	doc := jsonb.NewObject(jsonb.Member{Key: "b", Value: jsonb.Int(1)}, jsonb.Member{Key: "a", Value: jsonb.Bool(true)})
	rows := &binlog.Rows{Action: binlog.ActionInsert, Table: tm, Rows: []binlog.RowChange{{After: binlog.RowImage{
		{Index: 0, Name: "amount", Value: decimal.RequireFromString("12.50")},
		{Index: 1, Name: "at", Value: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		{Index: 2, Name: "doc", Value: doc},
		{Index: 3, Name: "ratio", Value: float32(0.5)},
		{Index: 4, Value: []byte{0xde, 0xad}},
	}}}}

	events, err := ConvertRows(Origin{}, rows)
	require.NoError(t, err)
	after := events[0].After

	assert.Equal(t, "12.5", decodeColumn(t, after, "amount"))
	assert.Equal(t, "2024-03-01T10:00:00Z", decodeColumn(t, after, "at"))
	assert.Equal(t, `{"b":1,"a":true}`, decodeColumn(t, after, "doc"))
	assert.Equal(t, 0.5, decodeColumn(t, after, "ratio"))
	assert.Equal(t, string([]byte{0xde, 0xad}), decodeColumn(t, after, "col_4"))

	// no primary key: hashed image
	assert.Len(t, events[0].Key, 16)
}

func TestConvertRowsWithoutTableMap(t *testing.T) {
	_, err := ConvertRows(Origin{}, &binlog.Rows{Action: binlog.ActionInsert, TableID: 77})
	assert.Error(t, err)
}
