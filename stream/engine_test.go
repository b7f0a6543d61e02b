package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/binlogtap/binlog"
	"github.com/maxpert/binlogtap/checkpoint"
	"github.com/maxpert/binlogtap/common"
	"github.com/maxpert/binlogtap/position"
	"github.com/maxpert/binlogtap/schema"
)

func newTestEngine(t *testing.T, conn Connector, repo schema.Repository, opts Options) (*Engine, *sleeps) {
	t.Helper()
	cache, err := schema.NewCache(16, nil)
	require.NoError(t, err)
	e, err := NewEngine(conn, cache, repo, opts)
	require.NoError(t, err)
	s := &sleeps{}
	e.sleep = s.sleep
	return e, s
}

func fileStart() position.Position {
	return position.FilePosition("binlog.000001", 4)
}

func TestNewEngineValidation(t *testing.T) {
	cache, err := schema.NewCache(1, nil)
	require.NoError(t, err)

	_, err = NewEngine(&scriptedConnector{}, cache, nil, Options{RetryAttempts: 0})
	require.Error(t, err)
	assert.Equal(t, common.KindConfiguration, common.KindOf(err))

	_, err = NewEngine(nil, cache, nil, Options{RetryAttempts: 1})
	assert.Error(t, err)

	_, err = NewEngine(&scriptedConnector{}, nil, nil, Options{RetryAttempts: 1})
	assert.Error(t, err)
}

func TestEngineDeliversInsert(t *testing.T) {
	conn := &scriptedConnector{steps: []any{
		newFakeStream(errDropped,
			rotate("binlog.000001", 4),
			formatDescription(),
			usersTableMap(7, 300),
			insertUser(7, 350, 42, "hello"),
			xid(400),
		),
	}}
	e, _ := newTestEngine(t, conn, nil, Options{Start: fileStart(), RetryAttempts: 1})
	rec := &recorder{}
	e.Subscribe(rec)

	err := e.Run(context.Background())
	require.ErrorIs(t, err, ErrRetriesExhausted)

	rows := rec.rows()
	require.Len(t, rows, 1)
	assert.Equal(t, binlog.ActionInsert, rows[0].Action)
	require.Len(t, rows[0].Rows, 1)
	assert.Equal(t, []any{int64(42), "hello"}, rows[0].Rows[0].After.Values())
	assert.Nil(t, rows[0].Rows[0].Before)

	assert.Equal(t, position.FilePosition("binlog.000001", 400), e.Position())
	info, ok := e.ServerInfo()
	require.True(t, ok)
	assert.Equal(t, "8.0.36", info.Version)
}

func TestEngineStopsAfterRetryBudget(t *testing.T) {
	conn := &scriptedConnector{steps: []any{
		newFakeStream(errDropped, formatDescription()),
	}}
	e, s := newTestEngine(t, conn, nil, Options{
		Start:         fileStart(),
		RetryAttempts: 3,
		Backoff:       250 * time.Millisecond,
	})
	rec := &recorder{}
	e.Subscribe(rec)

	err := e.Run(context.Background())
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, common.KindTransport, common.KindOf(err))

	// the streaming connection plus exactly three reconnect attempts
	assert.Equal(t, int32(4), conn.calls.Load())
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, s.got)
	assert.Equal(t, StateStopped, e.State())
	assert.Equal(t, 0, e.RetriesRemaining())
	assert.Equal(t, 1, rec.count(), "nothing is delivered after the failure")

	// a stopped engine does not try again
	assert.Error(t, e.Run(context.Background()))
	assert.Equal(t, int32(4), conn.calls.Load())
}

func TestEngineResetsBudgetOnReconnect(t *testing.T) {
	conn := &scriptedConnector{steps: []any{
		newFakeStream(errDropped, formatDescription()),
		common.Errorf(common.KindTransport, "dial", "connection refused"),
		newFakeStream(errDropped, formatDescription()),
	}}
	e, s := newTestEngine(t, conn, nil, Options{Start: fileStart(), RetryAttempts: 2, Backoff: time.Second})

	err := e.Run(context.Background())
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, int32(5), conn.calls.Load())
	assert.Len(t, s.got, 2)
}

func TestEngineReplaysTransactionCutByDisconnect(t *testing.T) {
	start, err := position.ParseGTIDSet(testSID.String() + ":1-4")
	require.NoError(t, err)

	authFailed := common.Errorf(common.KindProtocol, "authenticate", "access denied")
	conn := &scriptedConnector{steps: []any{
		newFakeStream(errDropped,
			formatDescription(),
			gtid(5, 200),
			usersTableMap(7, 300),
			insertUser(7, 350, 1, "a"),
		),
		newFakeStream(errDropped,
			formatDescription(),
			gtid(5, 200),
			usersTableMap(9, 300),
			insertUser(9, 350, 1, "a"),
			xid(400),
		),
		authFailed,
	}}
	e, _ := newTestEngine(t, conn, nil, Options{Start: position.GTIDPosition(start), RetryAttempts: 3})
	rec := &recorder{}
	e.Subscribe(rec)

	err = e.Run(context.Background())
	require.ErrorIs(t, err, authFailed)

	froms := conn.startedFrom()
	require.Len(t, froms, 3)
	assert.Equal(t, testSID.String()+":1-4", froms[0].String())
	assert.Equal(t, testSID.String()+":1-4", froms[1].String(), "cut transaction is requested again")
	assert.Equal(t, testSID.String()+":1-5", froms[2].String())

	assert.Len(t, rec.rows(), 2, "rows of the cut transaction are delivered again")
	assert.Equal(t, 2, rec.resets)
	assert.True(t, e.Position().InFlight.IsZero())
}

func TestEngineTracksInFlightGTID(t *testing.T) {
	conn := &scriptedConnector{steps: []any{
		newFakeStream(nil, formatDescription(), gtid(5, 200)),
	}}
	e, _ := newTestEngine(t, conn, nil, Options{Start: position.GTIDPosition(nil), RetryAttempts: 1})

	seen := make(chan position.Position, 1)
	e.Subscribe(SubscriberFunc(func(ctx context.Context, ev *binlog.Event) error {
		seen <- e.Position()
		return nil
	}), binlog.KindGTID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	pos := <-seen
	assert.Equal(t, uint64(5), pos.InFlight.GNO)
	assert.True(t, pos.GTIDs.IsEmpty())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, StateStopped, e.State())
}

func TestEngineProtocolErrorIsNotRetried(t *testing.T) {
	conn := &scriptedConnector{steps: []any{
		newFakeStream(errDropped, formatDescription(), insertUser(99, 350, 1, "x")),
	}}
	e, s := newTestEngine(t, conn, nil, Options{Start: fileStart(), RetryAttempts: 5})

	err := e.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, common.KindProtocol, common.KindOf(err))
	assert.Equal(t, int32(1), conn.calls.Load())
	assert.Empty(t, s.got)
	assert.Equal(t, StateStopped, e.State())
}

func TestEngineConfigurationErrorOnConnect(t *testing.T) {
	conn := &scriptedConnector{steps: []any{
		common.Errorf(common.KindConfiguration, "handshake", "unknown charset"),
	}}
	e, s := newTestEngine(t, conn, nil, Options{Start: fileStart(), RetryAttempts: 5})

	err := e.Run(context.Background())
	assert.Equal(t, common.KindConfiguration, common.KindOf(err))
	assert.Equal(t, int32(1), conn.calls.Load())
	assert.Empty(t, s.got)
}

func TestEngineCancelUnblocksRead(t *testing.T) {
	conn := &scriptedConnector{steps: []any{newFakeStream(nil, formatDescription())}}
	e, _ := newTestEngine(t, conn, nil, Options{Start: fileStart(), RetryAttempts: 3})
	rec := &recorder{}
	e.Subscribe(rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StateStreaming, e.State())
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, int32(1), conn.calls.Load())
}

func TestEngineResolvesStartFromServer(t *testing.T) {
	repo := &fakeRepository{checkpoint: position.FilePosition("binlog.000042", 1337)}
	stop := common.Errorf(common.KindProtocol, "authenticate", "access denied")
	conn := &scriptedConnector{steps: []any{stop}}
	e, _ := newTestEngine(t, conn, repo, Options{RetryAttempts: 1})

	require.ErrorIs(t, e.Run(context.Background()), stop)
	froms := conn.startedFrom()
	require.Len(t, froms, 1)
	assert.Equal(t, position.FilePosition("binlog.000042", 1337), froms[0])
}

func TestEngineGTIDModeWithoutRepository(t *testing.T) {
	conn := &scriptedConnector{}
	e, _ := newTestEngine(t, conn, nil, Options{Mode: position.ModeGTID, RetryAttempts: 1})

	err := e.Run(context.Background())
	assert.Equal(t, common.KindConfiguration, common.KindOf(err))
	assert.Equal(t, int32(0), conn.calls.Load())
}

type matchFunc func(database, table string) bool

func (f matchFunc) Match(database, table string) bool { return f(database, table) }

func TestEngineFilterKeepsPositionMoving(t *testing.T) {
	filter, err := NewFilter(nil, nil, matchFunc(func(_, table string) bool { return table != "audit" }))
	require.NoError(t, err)

	conn := &scriptedConnector{steps: []any{
		newFakeStream(errDropped,
			formatDescription(),
			tableMapNamed(8, 300, "shop", "audit"),
			insertUser(8, 350, 1, "x"),
			xid(500),
		),
	}}
	e, _ := newTestEngine(t, conn, nil, Options{Start: fileStart(), RetryAttempts: 1, Filter: filter})
	rec := &recorder{}
	e.Subscribe(rec)

	require.ErrorIs(t, e.Run(context.Background()), ErrRetriesExhausted)
	assert.Empty(t, rec.rows())
	assert.Equal(t, 2, rec.count(), "format description and xid pass")
	assert.Equal(t, uint64(500), e.Position().Offset)
}

type savedPositions struct {
	mu    sync.Mutex
	saved []position.Position
}

func (s *savedPositions) Save(pos position.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, pos)
	return nil
}

func TestEngineRowOnlyFilterStillCommits(t *testing.T) {
	filter, err := NewFilter([]string{"write_rows", "update_rows", "delete_rows"}, nil, nil)
	require.NoError(t, err)

	conn := &scriptedConnector{steps: []any{
		newFakeStream(errDropped,
			formatDescription(),
			usersTableMap(7, 300),
			insertUser(7, 350, 42, "hello"),
			xid(400),
		),
	}}
	e, _ := newTestEngine(t, conn, nil, Options{Start: fileStart(), RetryAttempts: 1, Filter: filter})
	rec := &recorder{}
	e.Subscribe(rec)
	saver := &savedPositions{}
	e.Subscribe(checkpoint.NewCheckpointer(saver, e, 1))

	require.ErrorIs(t, e.Run(context.Background()), ErrRetriesExhausted)
	assert.Len(t, rec.rows(), 1)
	assert.Equal(t, 2, rec.count(), "rows and xid pass")
	require.Len(t, saver.saved, 1)
	assert.Equal(t, uint64(400), saver.saved[0].Offset)
}

func TestEngineSubscriberFailureStops(t *testing.T) {
	conn := &scriptedConnector{steps: []any{
		newFakeStream(errDropped, formatDescription(), usersTableMap(7, 300), insertUser(7, 350, 1, "x")),
	}}
	e, _ := newTestEngine(t, conn, nil, Options{Start: fileStart(), RetryAttempts: 3})
	e.Subscribe(SubscriberFunc(func(ctx context.Context, ev *binlog.Event) error {
		return errors.New("sink unavailable")
	}), binlog.KindWriteRows)

	err := e.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, common.KindSubscriber, common.KindOf(err))
	assert.Equal(t, int32(1), conn.calls.Load())
}

func TestEngineStatus(t *testing.T) {
	e, _ := newTestEngine(t, &scriptedConnector{}, nil, Options{Start: fileStart(), RetryAttempts: 4})
	e.Subscribe(&recorder{})

	st := e.Status()
	assert.Equal(t, "DISCONNECTED", st.State)
	assert.Equal(t, "binlog.000001:4", st.Position)
	assert.Equal(t, "file", st.Mode)
	assert.Equal(t, 4, st.RetriesRemaining)
	assert.Equal(t, 16, st.CacheSize)
	assert.Equal(t, 1, st.Subscribers)
	assert.Nil(t, st.Server)
}
