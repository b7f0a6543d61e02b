package stream

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/maxpert/binlogtap/binlog"
	"github.com/maxpert/binlogtap/common"
	"github.com/maxpert/binlogtap/position"
	"github.com/maxpert/binlogtap/protocol"
	"github.com/maxpert/binlogtap/schema"
)

var testSID = uuid.MustParse("3e11fa47-71ca-11e1-9e33-c80aa9429562")

func event(t binlog.EventType, logPos uint32, body []byte) []byte {
	h := binlog.EventHeader{
		Timestamp: 1700000000,
		Type:      t,
		ServerID:  1,
		EventSize: uint32(binlog.HeaderSize + len(body)),
		LogPos:    logPos,
	}
	return append(h.Encode(), body...)
}

// formatDescription announces an 8.0 server without checksums.
func formatDescription() []byte {
	ph := make([]byte, int(binlog.EventGTIDTagged))
	ph[binlog.EventQuery-1] = 13
	ph[binlog.EventRotate-1] = 8
	ph[binlog.EventFormatDescription-1] = 98
	ph[binlog.EventTableMap-1] = 8
	ph[binlog.EventWriteRowsV2-1] = 10
	ph[binlog.EventUpdateRowsV2-1] = 10
	ph[binlog.EventDeleteRowsV2-1] = 10
	ph[binlog.EventGTID-1] = 42

	body := binary.LittleEndian.AppendUint16(nil, 4)
	version := make([]byte, 50)
	copy(version, "8.0.36")
	body = append(body, version...)
	body = binary.LittleEndian.AppendUint32(body, 0)
	body = append(body, binlog.HeaderSize)
	body = append(body, ph...)
	body = append(body, byte(binlog.ChecksumOff), 0, 0, 0, 0)
	return event(binlog.EventFormatDescription, 0, body)
}

func rotate(file string, pos uint64) []byte {
	body := binary.LittleEndian.AppendUint64(nil, pos)
	return event(binlog.EventRotate, 0, append(body, file...))
}

func cstr(s string) []byte {
	b := append([]byte{byte(len(s))}, s...)
	return append(b, 0)
}

func tableID(id uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, id)[:6]
}

// usersTableMap maps id to shop.users (id INT, name VARCHAR(20)) with
// column names.
func usersTableMap(id uint64, logPos uint32) []byte {
	return tableMapNamed(id, logPos, "shop", "users")
}

func tableMapNamed(id uint64, logPos uint32, schemaName, table string) []byte {
	body := tableID(id)
	body = append(body, 1, 0)
	body = append(body, cstr(schemaName)...)
	body = append(body, cstr(table)...)
	body = append(body, 2, byte(binlog.TypeLong), byte(binlog.TypeVarchar))
	body = append(body, 2, 20, 0)
	body = append(body, 0b10)
	names := []byte{2, 'i', 'd', 4, 'n', 'a', 'm', 'e'}
	body = append(body, 4, byte(len(names)))
	body = append(body, names...)
	return event(binlog.EventTableMap, logPos, body)
}

func insertUser(id uint64, logPos uint32, userID uint32, name string) []byte {
	body := tableID(id)
	body = append(body, 1, 0)
	body = append(body, 2, 0)
	body = append(body, 2, 0b11)
	body = append(body, 0)
	body = binary.LittleEndian.AppendUint32(body, userID)
	body = append(body, byte(len(name)))
	body = append(body, name...)
	return event(binlog.EventWriteRowsV2, logPos, body)
}

func xid(logPos uint32) []byte {
	return event(binlog.EventXid, logPos, binary.LittleEndian.AppendUint64(nil, 99))
}

func gtid(gno uint64, logPos uint32) []byte {
	body := []byte{1}
	body = append(body, testSID[:]...)
	body = binary.LittleEndian.AppendUint64(body, gno)
	return event(binlog.EventGTID, logPos, body)
}

var errDropped = common.Errorf(common.KindTransport, "read event", "connection reset by peer")

// fakeStream replays events, then fails with err or, when err is nil,
// blocks until closed.
type fakeStream struct {
	mu     sync.Mutex
	events [][]byte
	err    error
	done   chan struct{}
	once   sync.Once
}

func newFakeStream(err error, events ...[]byte) *fakeStream {
	return &fakeStream{events: events, err: err, done: make(chan struct{})}
}

func (s *fakeStream) ReadEvent() ([]byte, error) {
	s.mu.Lock()
	if len(s.events) > 0 {
		ev := s.events[0]
		s.events = s.events[1:]
		s.mu.Unlock()
		return ev, nil
	}
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	<-s.done
	return nil, common.NewError(common.KindTransport, "read event", protocol.ErrConnClosed)
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// scriptedConnector hands out one step per Connect call: a stream or an
// error. Calls past the script fail with a transport error.
type scriptedConnector struct {
	mu    sync.Mutex
	steps []any
	froms []position.Position
	calls atomic.Int32
}

func (c *scriptedConnector) Connect(_ context.Context, from position.Position) (*Connection, error) {
	c.calls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.froms = append(c.froms, from.Clone())
	if len(c.steps) == 0 {
		return nil, common.Errorf(common.KindTransport, "dial", "connection refused")
	}
	step := c.steps[0]
	c.steps = c.steps[1:]
	switch s := step.(type) {
	case error:
		return nil, s
	case *fakeStream:
		return &Connection{
			Stream:   s,
			Info:     protocol.ServerInfo{Version: "8.0.36", Flavor: "mysql"},
			Checksum: binlog.ChecksumOff,
		}, nil
	}
	panic("bad step")
}

func (c *scriptedConnector) startedFrom() []position.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]position.Position(nil), c.froms...)
}

// recorder keeps every delivered event.
type recorder struct {
	mu     sync.Mutex
	events []*binlog.Event
	resets int
}

func (r *recorder) OnEvent(_ context.Context, ev *binlog.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
}

func (r *recorder) rows() []*binlog.Rows {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*binlog.Rows
	for _, ev := range r.events {
		if rows, ok := ev.Payload.(*binlog.Rows); ok {
			out = append(out, rows)
		}
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type fakeRepository struct {
	checkpoint position.Position
}

func (f *fakeRepository) TableColumns(context.Context, string, string) ([]schema.ColumnInfo, error) {
	return []schema.ColumnInfo{{Name: "id"}, {Name: "name"}}, nil
}

func (f *fakeRepository) ServerCheckpoint(context.Context) (position.Position, error) {
	return f.checkpoint, nil
}

func (f *fakeRepository) ServerCapabilities(context.Context) (schema.Capabilities, error) {
	return schema.Capabilities{Version: "8.0.36", BinlogChecksum: "NONE", BinlogFormat: "ROW"}, nil
}

// sleeps records backoff requests without waiting.
type sleeps struct {
	mu  sync.Mutex
	got []time.Duration
}

func (s *sleeps) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, d)
	return ctx.Err()
}
