package binlog

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/binlogtap/common"
	"github.com/maxpert/binlogtap/jsonb"
	"github.com/maxpert/binlogtap/position"
)

var usersTable = []testColumn{
	{name: "id", tp: TypeLong},
	{name: "name", tp: TypeVarchar, meta: []byte{20, 0}, nullable: true},
}

func newTestDecoder(t *testing.T, alg ChecksumAlgorithm) *Decoder {
	t.Helper()
	d, err := NewDecoder(nil)
	require.NoError(t, err)
	ev, err := d.Decode(context.Background(), formatEvent(alg))
	require.NoError(t, err)
	require.Equal(t, KindFormatDescription, ev.Kind())
	return d
}

func usersRow(id int32, name string) []byte {
	img := []byte{0x00}
	img = binary.LittleEndian.AppendUint32(img, uint32(id))
	img = append(img, byte(len(name)))
	return append(img, name...)
}

func TestHeaderRoundTrip(t *testing.T) {
	h := EventHeader{Timestamp: 1, Type: EventXid, ServerID: 7, EventSize: 31, LogPos: 1234, Flags: FlagArtificial}
	got, err := DecodeHeader(h.Encode())
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.True(t, got.Artificial())

	_, err = DecodeHeader(make([]byte, 10))
	assert.Equal(t, common.KindProtocol, common.KindOf(err))
}

func TestFormatDescription(t *testing.T) {
	d, err := NewDecoder(nil)
	require.NoError(t, err)
	ev, err := d.Decode(context.Background(), formatEvent(ChecksumOff))
	require.NoError(t, err)

	fd := ev.Payload.(*FormatDescription)
	assert.Equal(t, uint16(4), fd.Version)
	assert.Equal(t, testServerVersion, fd.ServerVersion)
	assert.Equal(t, uint8(HeaderSize), fd.HeaderLength)
	assert.Equal(t, ChecksumOff, fd.ChecksumAlgorithm)
	assert.Equal(t, postHeaders(), fd.PostHeaderLengths)
	assert.Same(t, fd, d.Format())
}

func TestEventsBeforeFormatDescription(t *testing.T) {
	d, err := NewDecoder(nil)
	require.NoError(t, err)
	ctx := context.Background()

	rotate := binary.LittleEndian.AppendUint64(nil, 4)
	rotate = append(rotate, "binlog.000003"...)
	ev, err := d.Decode(ctx, rawEvent(EventRotate, 0, rotate, false))
	require.NoError(t, err)
	r := ev.Payload.(*Rotate)
	assert.Equal(t, uint64(4), r.Position)
	assert.Equal(t, "binlog.000003", r.NextFile)

	_, err = d.Decode(ctx, rawEvent(EventXid, 100, make([]byte, 8), false))
	require.Error(t, err)
	assert.Equal(t, common.KindProtocol, common.KindOf(err))
}

func TestDecodeWriteRows(t *testing.T) {
	d := newTestDecoder(t, ChecksumOff)
	ctx := context.Background()

	ev, err := d.Decode(ctx, rawEvent(EventTableMap, 300, tableMapBody(7, "shop", "users", usersTable, true), false))
	require.NoError(t, err)
	tm := ev.Payload.(*TableMap)
	assert.Equal(t, uint64(7), tm.TableID)
	assert.Equal(t, TableName{Schema: "shop", Table: "users"}, tm.Name())
	require.Len(t, tm.Columns, 2)
	assert.Equal(t, Column{Name: "id", Type: TypeLong}, tm.Columns[0])
	assert.Equal(t, Column{Name: "name", Type: TypeVarchar, Meta: 20, Nullable: true}, tm.Columns[1])
	assert.True(t, tm.HasNames)
	assert.NotZero(t, tm.Signature)

	ev, err = d.Decode(ctx, rawEvent(EventWriteRowsV2, 350, rowsBody(7, 2, usersRow(42, "hello")), false))
	require.NoError(t, err)
	assert.Equal(t, KindWriteRows, ev.Kind())
	rows := ev.Payload.(*Rows)
	assert.Equal(t, 2, rows.Version)
	assert.Same(t, tm, rows.Table)
	require.Len(t, rows.Rows, 1)
	assert.Nil(t, rows.Rows[0].Before)
	assert.Equal(t, RowImage{
		{Index: 0, Name: "id", Value: int64(42)},
		{Index: 1, Name: "name", Value: "hello"},
	}, rows.Rows[0].After)
	assert.Equal(t, []any{int64(42), "hello"}, rows.Rows[0].After.Values())
	assert.False(t, ev.EndsTransaction, "only Xid or a committing statement closes a transaction")
}

func TestDecodeMultipleRowsAndNulls(t *testing.T) {
	d := newTestDecoder(t, ChecksumOff)
	ctx := context.Background()
	_, err := d.Decode(ctx, rawEvent(EventTableMap, 300, tableMapBody(7, "shop", "users", usersTable, false), false))
	require.NoError(t, err)

	nullName := []byte{0x02}
	nullName = binary.LittleEndian.AppendUint32(nullName, uint32(0xffffffff))
	ev, err := d.Decode(ctx, rawEvent(EventDeleteRowsV2, 400, rowsBody(7, 2, usersRow(1, "a"), nullName), false))
	require.NoError(t, err)

	rows := ev.Payload.(*Rows)
	assert.Equal(t, KindDeleteRows, ev.Kind())
	require.Len(t, rows.Rows, 2)
	assert.Equal(t, []any{int64(1), "a"}, rows.Rows[0].Before.Values())
	assert.Equal(t, []any{int64(-1), nil}, rows.Rows[1].Before.Values())
	assert.Equal(t, "", rows.Rows[1].Before[1].Name)
}

func TestDecodeUpdateRows(t *testing.T) {
	d := newTestDecoder(t, ChecksumOff)
	ctx := context.Background()
	_, err := d.Decode(ctx, rawEvent(EventTableMap, 300, tableMapBody(7, "shop", "users", usersTable, true), false))
	require.NoError(t, err)

	ev, err := d.Decode(ctx, rawEvent(EventUpdateRowsV2, 400, updateRowsBody(7, 2, usersRow(42, "hello"), usersRow(42, "world")), false))
	require.NoError(t, err)
	rows := ev.Payload.(*Rows)
	require.Len(t, rows.Rows, 1)
	before, _ := rows.Rows[0].Before.Get("name")
	after, _ := rows.Rows[0].After.Get("name")
	assert.Equal(t, "hello", before)
	assert.Equal(t, "world", after)
}

func TestRowsForUnknownTable(t *testing.T) {
	d := newTestDecoder(t, ChecksumOff)
	_, err := d.Decode(context.Background(), rawEvent(EventWriteRowsV2, 350, rowsBody(99, 2, usersRow(1, "x")), false))
	require.Error(t, err)
	assert.Equal(t, common.KindProtocol, common.KindOf(err))
}

func TestRowsColumnCountMismatch(t *testing.T) {
	d := newTestDecoder(t, ChecksumOff)
	ctx := context.Background()
	_, err := d.Decode(ctx, rawEvent(EventTableMap, 300, tableMapBody(7, "shop", "users", usersTable, true), false))
	require.NoError(t, err)
	_, err = d.Decode(ctx, rawEvent(EventWriteRowsV2, 350, rowsBody(7, 3, usersRow(1, "x")), false))
	assert.Equal(t, common.KindProtocol, common.KindOf(err))
}

func TestTruncatedRowImage(t *testing.T) {
	d := newTestDecoder(t, ChecksumOff)
	ctx := context.Background()
	_, err := d.Decode(ctx, rawEvent(EventTableMap, 300, tableMapBody(7, "shop", "users", usersTable, true), false))
	require.NoError(t, err)

	row := usersRow(42, "hello")
	_, err = d.Decode(ctx, rawEvent(EventWriteRowsV2, 350, rowsBody(7, 2, row[:len(row)-2]), false))
	require.Error(t, err)
	assert.Equal(t, common.KindProtocol, common.KindOf(err))
}

func TestRowsWithNoPresentColumns(t *testing.T) {
	d := newTestDecoder(t, ChecksumOff)
	ctx := context.Background()
	cols := []testColumn{{name: "id", tp: TypeLong}}
	_, err := d.Decode(ctx, rawEvent(EventTableMap, 300, tableMapBody(7, "shop", "ids", cols, true), false))
	require.NoError(t, err)

	body := tableID(7)
	body = append(body, 1, 0, 2, 0)
	body = append(body, lenEnc(1)...)
	body = append(body, 0x00, 0x01)

	done := make(chan error, 1)
	go func() {
		_, err := d.Decode(ctx, rawEvent(EventDeleteRowsV2, 350, body, false))
		done <- err
	}()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, common.KindProtocol, common.KindOf(err))
	case <-time.After(3 * time.Second):
		t.Fatal("decode did not return")
	}
}

func TestTableMapRejectsBadDecimalMeta(t *testing.T) {
	d := newTestDecoder(t, ChecksumOff)
	for _, meta := range [][]byte{{0, 0}, {2, 5}, {66, 0}, {40, 31}} {
		cols := []testColumn{{name: "amount", tp: TypeNewDecimal, meta: meta}}
		_, err := d.Decode(context.Background(), rawEvent(EventTableMap, 300, tableMapBody(7, "shop", "orders", cols, true), false))
		require.Error(t, err, "meta %v", meta)
		assert.Equal(t, common.KindProtocol, common.KindOf(err))
	}
}

func TestDecodeJSONColumn(t *testing.T) {
	d := newTestDecoder(t, ChecksumOff)
	ctx := context.Background()
	cols := []testColumn{{name: "doc", tp: TypeJSON, meta: []byte{4}, nullable: true}}
	_, err := d.Decode(ctx, rawEvent(EventTableMap, 300, tableMapBody(8, "shop", "docs", cols, true), false))
	require.NoError(t, err)

	doc, err := jsonb.Encode(jsonb.NewObject(jsonb.Member{Key: "a", Value: jsonb.Int(1)}))
	require.NoError(t, err)
	img := binary.LittleEndian.AppendUint32([]byte{0x00}, uint32(len(doc)))
	img = append(img, doc...)

	ev, err := d.Decode(ctx, rawEvent(EventWriteRowsV2, 350, rowsBody(8, 1, img), false))
	require.NoError(t, err)
	v, ok := ev.Payload.(*Rows).Rows[0].After.Get("doc")
	require.True(t, ok)
	out, err := v.(jsonb.Value).MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))
}

func TestMalformedJSONColumnIsDecodeError(t *testing.T) {
	d := newTestDecoder(t, ChecksumOff)
	ctx := context.Background()
	cols := []testColumn{{name: "doc", tp: TypeJSON, meta: []byte{4}}}
	_, err := d.Decode(ctx, rawEvent(EventTableMap, 300, tableMapBody(8, "shop", "docs", cols, true), false))
	require.NoError(t, err)

	img := binary.LittleEndian.AppendUint32([]byte{0x00}, 2)
	img = append(img, 0x42, 0x00)
	_, err = d.Decode(ctx, rawEvent(EventWriteRowsV2, 350, rowsBody(8, 1, img), false))
	require.Error(t, err)
	assert.Equal(t, common.KindDecode, common.KindOf(err))
}

func TestSignednessMetadata(t *testing.T) {
	d := newTestDecoder(t, ChecksumOff)
	ctx := context.Background()
	cols := []testColumn{
		{name: "u", tp: TypeTiny},
		{name: "s", tp: TypeVarchar, meta: []byte{10, 0}},
		{name: "i", tp: TypeTiny},
	}
	body := tableMapBody(9, "db", "t", cols, false)
	// numeric columns u and i; only u is unsigned
	body = append(body, metaSignedness, 1, 0x80)
	ev, err := d.Decode(ctx, rawEvent(EventTableMap, 300, body, false))
	require.NoError(t, err)
	tm := ev.Payload.(*TableMap)
	assert.True(t, tm.HasSignedness)
	assert.True(t, tm.Columns[0].Unsigned)
	assert.False(t, tm.Columns[2].Unsigned)

	img := []byte{0x00, 0xff, 1, 'x', 0xff}
	ev, err = d.Decode(ctx, rawEvent(EventWriteRowsV2, 350, rowsBody(9, 3, img), false))
	require.NoError(t, err)
	assert.Equal(t, []any{uint64(255), "x", int64(-1)}, ev.Payload.(*Rows).Rows[0].After.Values())
}

func TestTableMapSignatureTracksLayout(t *testing.T) {
	d := newTestDecoder(t, ChecksumOff)
	ctx := context.Background()
	ev, err := d.Decode(ctx, rawEvent(EventTableMap, 300, tableMapBody(7, "shop", "users", usersTable, true), false))
	require.NoError(t, err)
	first := ev.Payload.(*TableMap).Signature

	ev, err = d.Decode(ctx, rawEvent(EventTableMap, 300, tableMapBody(8, "shop", "users", usersTable, true), false))
	require.NoError(t, err)
	assert.Equal(t, first, ev.Payload.(*TableMap).Signature)

	widened := []testColumn{usersTable[0], {name: "name", tp: TypeVarchar, meta: []byte{0, 1}, nullable: true}}
	ev, err = d.Decode(ctx, rawEvent(EventTableMap, 300, tableMapBody(7, "shop", "users", widened, true), false))
	require.NoError(t, err)
	assert.NotEqual(t, first, ev.Payload.(*TableMap).Signature)
}

func TestChecksumVerification(t *testing.T) {
	d := newTestDecoder(t, ChecksumCRC32)
	ctx := context.Background()
	assert.Equal(t, ChecksumCRC32, d.Format().ChecksumAlgorithm)

	xid := binary.LittleEndian.AppendUint64(nil, 77)
	ev, err := d.Decode(ctx, rawEvent(EventXid, 500, xid, true))
	require.NoError(t, err)
	assert.Equal(t, uint64(77), ev.Payload.(*Xid).XID)

	bad := rawEvent(EventXid, 500, xid, true)
	bad[HeaderSize] ^= 0xff
	_, err = d.Decode(ctx, bad)
	require.Error(t, err)
	assert.Equal(t, common.KindProtocol, common.KindOf(err))

	lax, err := NewDecoder(nil, WithoutChecksumVerification())
	require.NoError(t, err)
	_, err = lax.Decode(ctx, formatEvent(ChecksumCRC32))
	require.NoError(t, err)
	_, err = lax.Decode(ctx, bad)
	assert.NoError(t, err)
}

func TestNegotiatedChecksumBeforeFormat(t *testing.T) {
	d, err := NewDecoder(nil, WithChecksum(ChecksumCRC32))
	require.NoError(t, err)
	rotate := binary.LittleEndian.AppendUint64(nil, 4)
	rotate = append(rotate, "binlog.000001"...)
	ev, err := d.Decode(context.Background(), rawEvent(EventRotate, 0, rotate, true))
	require.NoError(t, err)
	assert.Equal(t, "binlog.000001", ev.Payload.(*Rotate).NextFile)
}

func TestEventSizeMismatch(t *testing.T) {
	d := newTestDecoder(t, ChecksumOff)
	raw := rawEvent(EventXid, 500, make([]byte, 8), false)
	_, err := d.Decode(context.Background(), raw[:len(raw)-1])
	assert.Equal(t, common.KindProtocol, common.KindOf(err))
}

func TestTransactionBoundaries(t *testing.T) {
	d := newTestDecoder(t, ChecksumOff)
	ctx := context.Background()

	ev, err := d.Decode(ctx, rawEvent(EventQuery, 200, queryBody("shop", "BEGIN"), false))
	require.NoError(t, err)
	assert.Equal(t, StatementBegin, ev.Payload.(*Query).Statement)
	assert.False(t, ev.EndsTransaction)
	assert.True(t, d.InTransaction())

	_, err = d.Decode(ctx, rawEvent(EventTableMap, 300, tableMapBody(7, "shop", "users", usersTable, true), false))
	require.NoError(t, err)
	ev, err = d.Decode(ctx, rawEvent(EventWriteRowsV2, 350, rowsBody(7, 2, usersRow(1, "a")), false))
	require.NoError(t, err)
	assert.False(t, ev.EndsTransaction)

	ev, err = d.Decode(ctx, rawEvent(EventXid, 381, binary.LittleEndian.AppendUint64(nil, 12), false))
	require.NoError(t, err)
	assert.True(t, ev.EndsTransaction)
	assert.False(t, d.InTransaction())

	ev, err = d.Decode(ctx, rawEvent(EventQuery, 450, queryBody("shop", "BEGIN"), false))
	require.NoError(t, err)
	ev, err = d.Decode(ctx, rawEvent(EventQuery, 500, queryBody("shop", "ROLLBACK"), false))
	require.NoError(t, err)
	assert.Equal(t, StatementRollback, ev.Payload.(*Query).Statement)
	assert.True(t, ev.EndsTransaction)
}

func TestQueryDDL(t *testing.T) {
	d := newTestDecoder(t, ChecksumOff)
	ev, err := d.Decode(context.Background(), rawEvent(EventQuery, 200, queryBody("shop", "ALTER TABLE users ADD COLUMN age INT"), false))
	require.NoError(t, err)

	q := ev.Payload.(*Query)
	assert.Equal(t, uint32(9), q.ThreadID)
	assert.Equal(t, "shop", q.Schema)
	assert.Equal(t, StatementDDL, q.Statement)
	assert.Equal(t, []TableName{{Schema: "shop", Table: "users"}}, q.Tables)
	assert.True(t, ev.EndsTransaction)

	ev, err = d.Decode(context.Background(), rawEvent(EventQuery, 300, queryBody("shop", "DROP TABLE other.logs"), false))
	require.NoError(t, err)
	assert.Equal(t, []TableName{{Schema: "other", Table: "logs"}}, ev.Payload.(*Query).Tables)
}

func TestQueryStatementDML(t *testing.T) {
	d := newTestDecoder(t, ChecksumOff)
	ev, err := d.Decode(context.Background(), rawEvent(EventQuery, 200, queryBody("shop", "INSERT INTO users VALUES (1, 'a')"), false))
	require.NoError(t, err)
	assert.Equal(t, StatementDML, ev.Payload.(*Query).Statement)
	assert.True(t, ev.EndsTransaction)
}

func TestDecodeGTID(t *testing.T) {
	d := newTestDecoder(t, ChecksumOff)
	sid := uuid.MustParse("3e11fa47-71ca-11e1-9e33-c80aa9429562")
	commit := time.Date(2024, 5, 6, 7, 8, 9, 123456000, time.UTC)

	body := []byte{0x01}
	body = append(body, sid[:]...)
	body = binary.LittleEndian.AppendUint64(body, 23)
	body = append(body, 2)
	body = binary.LittleEndian.AppendUint64(body, 10)
	body = binary.LittleEndian.AppendUint64(body, 11)
	ts := binary.LittleEndian.AppendUint64(nil, uint64(commit.UnixMicro()))
	body = append(body, ts[:7]...)

	ev, err := d.Decode(context.Background(), rawEvent(EventGTID, 200, body, false))
	require.NoError(t, err)
	g := ev.Payload.(*GTID)
	assert.Equal(t, position.GTID{SID: sid, GNO: 23}, g.GTID)
	assert.Equal(t, int64(10), g.LastCommitted)
	assert.Equal(t, int64(11), g.SequenceNumber)
	assert.True(t, commit.Equal(g.CommitTime))
	assert.False(t, ev.EndsTransaction)

	ev, err = d.Decode(context.Background(), rawEvent(EventAnonymousGTID, 200, body[:25], false))
	require.NoError(t, err)
	assert.Equal(t, KindAnonymousGTID, ev.Kind())
}

func TestDecodePreviousGTIDs(t *testing.T) {
	d := newTestDecoder(t, ChecksumOff)
	set, err := position.ParseGTIDSet("3e11fa47-71ca-11e1-9e33-c80aa9429562:1-5")
	require.NoError(t, err)

	ev, err := d.Decode(context.Background(), rawEvent(EventPreviousGTIDs, 200, set.Encode(), false))
	require.NoError(t, err)
	assert.True(t, set.Equal(ev.Payload.(*PreviousGTIDs).Set))
}

func TestDecodeHeartbeats(t *testing.T) {
	d, err := NewDecoder(nil)
	require.NoError(t, err)
	ev, err := d.Decode(context.Background(), rawEvent(EventHeartbeat, 0, []byte("binlog.000002"), false))
	require.NoError(t, err)
	assert.Equal(t, "binlog.000002", ev.Payload.(*Heartbeat).File)

	body := []byte{0, 13}
	body = append(body, "binlog.000002"...)
	body = append(body, 1, 3, 0xfc, 0x10, 0x27)
	ev, err = d.Decode(context.Background(), rawEvent(EventHeartbeatV2, 0, body, false))
	require.NoError(t, err)
	hb := ev.Payload.(*Heartbeat)
	assert.Equal(t, "binlog.000002", hb.File)
	assert.Equal(t, uint64(10000), hb.Position)
}

func TestUnknownEventKeepsRawBody(t *testing.T) {
	d := newTestDecoder(t, ChecksumOff)
	ev, err := d.Decode(context.Background(), rawEvent(EventIntVar, 200, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}, false))
	require.NoError(t, err)
	u := ev.Payload.(*Unknown)
	assert.Equal(t, EventIntVar, u.Type)
	assert.Len(t, u.Raw, 9)
}

func TestTransactionPayload(t *testing.T) {
	d := newTestDecoder(t, ChecksumCRC32)
	ctx := context.Background()

	var inner []byte
	inner = append(inner, rawEvent(EventQuery, 0, queryBody("shop", "BEGIN"), false)...)
	inner = append(inner, rawEvent(EventTableMap, 0, tableMapBody(7, "shop", "users", usersTable, true), false)...)
	inner = append(inner, rawEvent(EventWriteRowsV2, 0, rowsBody(7, 2, usersRow(42, "hello")), false)...)
	inner = append(inner, rawEvent(EventXid, 0, binary.LittleEndian.AppendUint64(nil, 5), false)...)

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll(inner, nil)
	require.NoError(t, enc.Close())

	body := []byte{payloadFieldCompression, 1, byte(CompressionZstd)}
	body = append(body, payloadFieldUncompressedSize, 2)
	body = binary.LittleEndian.AppendUint16(body, uint16(len(inner)))
	body = append(body, payloadFieldEnd)
	body = append(body, compressed...)

	ev, err := d.Decode(ctx, rawEvent(EventTransactionPayload, 9000, body, true))
	require.NoError(t, err)
	p := ev.Payload.(*TransactionPayload)
	assert.Equal(t, uint64(len(inner)), p.UncompressedSize)
	require.Len(t, p.Events, 4)
	kinds := []Kind{p.Events[0].Kind(), p.Events[1].Kind(), p.Events[2].Kind(), p.Events[3].Kind()}
	assert.Equal(t, []Kind{KindQuery, KindTableMap, KindWriteRows, KindXid}, kinds)
	for _, e := range p.Events {
		assert.Equal(t, uint32(9000), e.Header.LogPos)
	}
	assert.Equal(t, []any{int64(42), "hello"}, p.Events[2].Payload.(*Rows).Rows[0].After.Values())
	assert.True(t, ev.EndsTransaction)
}

func TestUncompressedTransactionPayload(t *testing.T) {
	d := newTestDecoder(t, ChecksumOff)
	inner := rawEvent(EventXid, 0, binary.LittleEndian.AppendUint64(nil, 5), false)
	body := []byte{payloadFieldCompression, 1, byte(CompressionNone), payloadFieldEnd}
	body = append(body, inner...)

	ev, err := d.Decode(context.Background(), rawEvent(EventTransactionPayload, 700, body, false))
	require.NoError(t, err)
	require.Len(t, ev.Payload.(*TransactionPayload).Events, 1)
}

func TestVersionProduct(t *testing.T) {
	assert.Less(t, versionProduct("5.5.62-log"), checksumVersionProduct)
	assert.Equal(t, checksumVersionProduct, versionProduct("5.6.1"))
	assert.Greater(t, versionProduct("8.0.36"), checksumVersionProduct)
	assert.Greater(t, versionProduct("10.6.12-MariaDB"), checksumVersionProduct)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("Write_Rows")
	require.NoError(t, err)
	assert.Equal(t, KindWriteRows, k)
	assert.Equal(t, "write_rows", k.String())

	_, err = ParseKind("nope")
	assert.Error(t, err)
	assert.Len(t, Kinds(), int(KindTransactionPayload)+1)
}
