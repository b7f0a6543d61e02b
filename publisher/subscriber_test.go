package publisher

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/binlogtap/binlog"
	"github.com/maxpert/binlogtap/common"
	"github.com/maxpert/binlogtap/position"
)

type captureAppender struct {
	batches [][]CDCEvent
	err     error
}

func (c *captureAppender) Append(events []CDCEvent) error {
	if c.err != nil {
		return c.err
	}
	c.batches = append(c.batches, append([]CDCEvent(nil), events...))
	return nil
}

func testGTID(t *testing.T, gno uint64) position.GTID {
	t.Helper()
	return position.GTID{SID: uuid.MustParse("3e11fa47-71ca-11e1-9e33-c80aa9429562"), GNO: gno}
}

func usersTable() *binlog.TableMap {
	return &binlog.TableMap{
		TableID: 1, Schema: "shop", Table: "users",
		Columns: []binlog.Column{
			{Name: "id", Type: binlog.TypeLong, PrimaryKey: true},
			{Name: "name", Type: binlog.TypeVarchar, Nullable: true},
		},
	}
}

func insertRows(tm *binlog.TableMap, id int64, name string) *binlog.Rows {
	return &binlog.Rows{
		Action: binlog.ActionInsert,
		Table:  tm,
		Rows: []binlog.RowChange{{After: binlog.RowImage{
			{Index: 0, Name: "id", Value: id},
			{Index: 1, Name: "name", Value: name},
		}}},
	}
}

func TestTxnSubscriberFlushesAtCommit(t *testing.T) {
	out := &captureAppender{}
	sub := NewTxnSubscriber(out, nil)
	ctx := context.Background()

	tm := usersTable()
	require.NoError(t, sub.OnEvent(ctx, &binlog.Event{Payload: &binlog.Rotate{NextFile: "binlog.000002"}}))
	require.NoError(t, sub.OnEvent(ctx, &binlog.Event{Payload: &binlog.GTID{GTID: testGTID(t, 5)}}))
	require.NoError(t, sub.OnEvent(ctx, &binlog.Event{Header: binlog.EventHeader{LogPos: 700, ServerID: 3}, Payload: insertRows(tm, 1, "alice")}))
	require.NoError(t, sub.OnEvent(ctx, &binlog.Event{Header: binlog.EventHeader{LogPos: 800, ServerID: 3}, Payload: insertRows(tm, 2, "bob")}))

	assert.Empty(t, out.batches, "nothing leaves before the commit")
	assert.Equal(t, 2, sub.Pending())

	require.NoError(t, sub.OnEvent(ctx, &binlog.Event{Payload: &binlog.Xid{XID: 9}, EndsTransaction: true}))
	require.Len(t, out.batches, 1)
	batch := out.batches[0]
	require.Len(t, batch, 2)

	assert.Equal(t, "3e11fa47-71ca-11e1-9e33-c80aa9429562:5", batch[0].GTID)
	assert.Equal(t, "binlog.000002", batch[0].File)
	assert.Equal(t, uint64(700), batch[0].Offset)
	assert.Equal(t, uint32(3), batch[0].ServerID)
	assert.Equal(t, "[1]", batch[0].Key)
	assert.Equal(t, "[2]", batch[1].Key)
	assert.Zero(t, sub.Pending())
}

func TestTxnSubscriberResetDropsPartialTransaction(t *testing.T) {
	out := &captureAppender{}
	sub := NewTxnSubscriber(out, nil)
	ctx := context.Background()

	require.NoError(t, sub.OnEvent(ctx, &binlog.Event{Payload: &binlog.GTID{GTID: testGTID(t, 6)}}))
	require.NoError(t, sub.OnEvent(ctx, &binlog.Event{Payload: insertRows(usersTable(), 1, "alice")}))
	sub.Reset()

	// the replayed transaction arrives whole
	require.NoError(t, sub.OnEvent(ctx, &binlog.Event{Payload: &binlog.GTID{GTID: testGTID(t, 6)}}))
	require.NoError(t, sub.OnEvent(ctx, &binlog.Event{Payload: insertRows(usersTable(), 1, "alice")}))
	require.NoError(t, sub.OnEvent(ctx, &binlog.Event{Payload: &binlog.Xid{}, EndsTransaction: true}))

	require.Len(t, out.batches, 1)
	assert.Len(t, out.batches[0], 1)
}

func TestTxnSubscriberFilter(t *testing.T) {
	out := &captureAppender{}
	filter, err := NewGlobFilter([]string{"orders"}, nil)
	require.NoError(t, err)
	sub := NewTxnSubscriber(out, filter)
	ctx := context.Background()

	require.NoError(t, sub.OnEvent(ctx, &binlog.Event{Payload: insertRows(usersTable(), 1, "alice")}))
	require.NoError(t, sub.OnEvent(ctx, &binlog.Event{Payload: &binlog.Xid{}, EndsTransaction: true}))
	assert.Empty(t, out.batches)
}

func TestTxnSubscriberAppendFailure(t *testing.T) {
	out := &captureAppender{err: errors.New("disk full")}
	sub := NewTxnSubscriber(out, nil)
	ctx := context.Background()

	require.NoError(t, sub.OnEvent(ctx, &binlog.Event{Payload: insertRows(usersTable(), 1, "alice")}))
	err := sub.OnEvent(ctx, &binlog.Event{Payload: &binlog.Xid{}, EndsTransaction: true})
	require.Error(t, err)
	assert.Equal(t, common.KindSubscriber, common.KindOf(err))
	assert.Equal(t, 1, sub.Pending(), "kept for inspection until reset")
}
