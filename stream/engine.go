package stream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/binlogtap/binlog"
	"github.com/maxpert/binlogtap/common"
	"github.com/maxpert/binlogtap/position"
	"github.com/maxpert/binlogtap/protocol"
	"github.com/maxpert/binlogtap/schema"
	"github.com/maxpert/binlogtap/telemetry"
)

// Options configure an Engine.
type Options struct {
	// Start is the explicit starting point. A gtid-mode Start with an
	// empty set streams everything the server has. When Start is the zero
	// Position the engine asks the repository for the server's current
	// position.
	Start position.Position
	// Mode is the authoritative representation when Start is resolved
	// from the server.
	Mode position.Mode
	// RetryAttempts is the number of connection attempts after a failure
	// before the engine stops. Must be >= 1.
	RetryAttempts int
	Backoff       time.Duration
	Filter        *Filter
	// SkipChecksumVerification accepts events whose CRC32 trailer does not
	// match. The trailer is still stripped.
	SkipChecksumVerification bool
}

// Engine is one replication stream: one connection, one sequential
// read, decode and dispatch loop.
type Engine struct {
	connector Connector
	repo      schema.Repository
	tables    *schema.Cache
	tracker   *position.Tracker
	dispatch  *Dispatcher
	opts      Options

	resolved  bool
	state     atomic.Int32
	retries   atomic.Int64
	lastEvent atomic.Int64
	info      atomic.Pointer[protocol.ServerInfo]

	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine wires an engine. repo may be nil when Start is set and the
// table cache does not need catalog lookups.
func NewEngine(connector Connector, tables *schema.Cache, repo schema.Repository, opts Options) (*Engine, error) {
	if connector == nil {
		return nil, common.Errorf(common.KindConfiguration, "new engine", "connector is required")
	}
	if tables == nil {
		return nil, common.Errorf(common.KindConfiguration, "new engine", "table cache is required")
	}
	if opts.RetryAttempts < 1 {
		return nil, common.Errorf(common.KindConfiguration, "new engine", "retry attempts must be >= 1, got %d", opts.RetryAttempts)
	}
	if opts.Backoff < 0 {
		return nil, common.Errorf(common.KindConfiguration, "new engine", "backoff must be >= 0")
	}

	e := &Engine{
		connector: connector,
		repo:      repo,
		tables:    tables,
		tracker:   position.NewTracker(opts.Start),
		dispatch:  NewDispatcher(),
		opts:      opts,
		resolved:  opts.Start.Mode == position.ModeGTID || opts.Start.File != "",
		sleep:     sleepContext,
	}
	e.retries.Store(int64(opts.RetryAttempts))
	e.state.Store(int32(StateDisconnected))
	return e, nil
}

// Subscribe registers sub for kinds, or for every kind when none are given.
func (e *Engine) Subscribe(sub Subscriber, kinds ...binlog.Kind) SubscriptionID {
	return e.dispatch.Subscribe(sub, kinds...)
}

// Unsubscribe removes a registration.
func (e *Engine) Unsubscribe(id SubscriptionID) bool {
	return e.dispatch.Unsubscribe(id)
}

// State is the supervisor state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Position is the tracked position including any in-flight GTID.
func (e *Engine) Position() position.Position {
	return e.tracker.Position()
}

// ServerInfo describes the server of the current or last session.
func (e *Engine) ServerInfo() (protocol.ServerInfo, bool) {
	info := e.info.Load()
	if info == nil {
		return protocol.ServerInfo{}, false
	}
	return *info, true
}

// RetriesRemaining is what is left of the retry budget.
func (e *Engine) RetriesRemaining() int {
	return int(e.retries.Load())
}

// LastEventTime is the header timestamp of the newest timed event.
func (e *Engine) LastEventTime() time.Time {
	ts := e.lastEvent.Load()
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}

// Status is a point-in-time summary.
type Status struct {
	State            string               `json:"state"`
	Position         string               `json:"position"`
	Mode             string               `json:"mode"`
	InFlight         string               `json:"in_flight,omitempty"`
	RetriesRemaining int                  `json:"retries_remaining"`
	RetryBudget      int                  `json:"retry_budget"`
	CacheEntries     int                  `json:"cache_entries"`
	CacheSize        int                  `json:"cache_size"`
	Subscribers      int                  `json:"subscribers"`
	LastEventTime    *time.Time           `json:"last_event_time,omitempty"`
	Server           *protocol.ServerInfo `json:"server,omitempty"`
}

func (e *Engine) Status() Status {
	pos := e.Position()
	st := Status{
		State:            e.State().String(),
		Position:         pos.String(),
		Mode:             pos.Mode.String(),
		RetriesRemaining: e.RetriesRemaining(),
		RetryBudget:      e.opts.RetryAttempts,
		CacheEntries:     e.tables.Len(),
		CacheSize:        e.tables.Size(),
		Subscribers:      e.dispatch.Len(),
	}
	if !pos.InFlight.IsZero() {
		st.InFlight = pos.InFlight.String()
	}
	if t := e.LastEventTime(); !t.IsZero() {
		st.LastEventTime = &t
	}
	if info, ok := e.ServerInfo(); ok {
		st.Server = &info
	}
	return st
}

func (e *Engine) setState(s State) {
	old := State(e.state.Swap(int32(s)))
	telemetry.SupervisorState.Set(float64(s))
	if old != s {
		log.Info().
			Str("from", old.String()).
			Str("to", s.String()).
			Int64("retries_remaining", e.retries.Load()).
			Msg("Supervisor state changed")
	}
}

// Run drives the supervisor until the stream fails for a reason a
// reconnect cannot fix, the retry budget is exhausted, or ctx ends. It
// returns ErrRetriesExhausted, ctx's error, or the failure.
func (e *Engine) Run(ctx context.Context) error {
	if e.State() == StateStopped {
		return common.Errorf(common.KindConfiguration, "run", "engine already stopped")
	}
	var lastErr error

	for {
		switch e.State() {
		case StateDisconnected:
			if ctx.Err() != nil {
				return e.stop(ctx.Err())
			}
			e.setState(StateConnecting)

		case StateConnecting:
			conn, err := e.connect(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return e.stop(ctx.Err())
				}
				telemetry.ConnectAttemptsTotal.With("failed").Inc()
				telemetry.ErrorsTotal.With(common.KindOf(err).String()).Inc()
				if !common.IsTransport(err) {
					return e.stop(err)
				}
				lastErr = err
				remaining := e.retries.Add(-1)
				log.Warn().Err(err).Int64("retries_remaining", remaining).Msg("Connection attempt failed")
				if remaining <= 0 {
					return e.stop(fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr))
				}
				if err := e.sleep(ctx, e.opts.Backoff); err != nil {
					return e.stop(err)
				}
				continue
			}

			telemetry.ConnectAttemptsTotal.With("success").Inc()
			e.retries.Store(int64(e.opts.RetryAttempts))
			e.setState(StateStreaming)

			err = e.stream(ctx, conn)
			_ = conn.Close()
			e.afterDisconnect()
			if ctx.Err() != nil {
				return e.stop(ctx.Err())
			}
			telemetry.ErrorsTotal.With(common.KindOf(err).String()).Inc()
			if !common.IsTransport(err) {
				return e.stop(err)
			}
			log.Warn().Err(err).Str("resume", e.tracker.ResumePoint().String()).Msg("Stream disconnected, will reconnect")
			e.setState(StateDisconnected)

		case StateStopped:
			return lastErr

		default:
			return e.stop(fmt.Errorf("unknown supervisor state %d", e.State()))
		}
	}
}

func (e *Engine) stop(err error) error {
	e.setState(StateStopped)
	if errors.Is(err, ErrRetriesExhausted) {
		log.Error().Err(err).Msg("Giving up on the source server")
	}
	return err
}

func (e *Engine) connect(ctx context.Context) (*Connection, error) {
	start := time.Now()
	if !e.resolved {
		from, err := resolveStart(ctx, e.repo, e.opts.Mode)
		if err != nil {
			return nil, err
		}
		e.tracker.Reset(from)
		e.resolved = true
		log.Info().Str("position", from.String()).Msg("Starting from the server's current position")
	}

	from := e.tracker.ResumePoint()
	conn, err := e.connector.Connect(ctx, from)
	if err != nil {
		return nil, err
	}
	e.info.Store(&conn.Info)
	telemetry.ConnectDurationSeconds.Observe(time.Since(start).Seconds())
	log.Info().
		Str("server_version", conn.Info.Version).
		Str("flavor", conn.Info.Flavor).
		Str("position", from.String()).
		Str("checksum", conn.Checksum.String()).
		Msg("Streaming from source server")
	return conn, nil
}

// afterDisconnect discards per-session state. The in-flight transaction
// is replayed from its start after the reconnect.
func (e *Engine) afterDisconnect() {
	if g := e.tracker.AbandonInFlight(); !g.IsZero() {
		log.Info().Str("gtid", g.String()).Msg("Transaction cut by disconnect will be replayed")
	}
	// table ids are only stable within a server session
	e.tables.Purge()
	e.dispatch.Reset()
}

// stream is the read loop. It returns when the connection fails or an
// event cannot be decoded or delivered.
func (e *Engine) stream(ctx context.Context, conn *Connection) error {
	opts := []binlog.DecoderOption{binlog.WithChecksum(conn.Checksum)}
	if e.opts.SkipChecksumVerification {
		opts = append(opts, binlog.WithoutChecksumVerification())
	}
	dec, err := binlog.NewDecoder(e.tables, opts...)
	if err != nil {
		return err
	}

	// a blocked read returns once the connection is closed
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		raw, err := conn.ReadEvent()
		if err != nil {
			return err
		}
		telemetry.BytesReceivedTotal.Add(float64(len(raw)))

		ev, err := dec.Decode(ctx, raw)
		if err != nil {
			return err
		}
		if err := e.handle(ctx, ev); err != nil {
			return err
		}
	}
}

func (e *Engine) handle(ctx context.Context, ev *binlog.Event) error {
	if tp, ok := ev.Payload.(*binlog.TransactionPayload); ok {
		for _, inner := range tp.Events {
			if err := e.handle(ctx, inner); err != nil {
				return err
			}
		}
		return nil
	}

	e.track(ev)
	telemetry.EventsTotal.With(ev.Kind().String()).Inc()
	if rows, ok := ev.Payload.(*binlog.Rows); ok {
		telemetry.RowsTotal.With(rows.Action.String()).Add(float64(len(rows.Rows)))
	}

	if !e.opts.Filter.Allow(ev) {
		telemetry.FilteredEventsTotal.Inc()
		return nil
	}
	return e.dispatch.Dispatch(ctx, ev)
}

// track applies ev to the position before subscribers see it.
func (e *Engine) track(ev *binlog.Event) {
	h := ev.Header
	if h.Timestamp != 0 && !h.Artificial() {
		e.lastEvent.Store(int64(h.Timestamp))
		lag := time.Since(time.Unix(int64(h.Timestamp), 0)).Seconds()
		if lag < 0 {
			lag = 0
		}
		telemetry.ReplicationLagSeconds.Set(lag)
	}

	switch p := ev.Payload.(type) {
	case *binlog.Rotate:
		e.tracker.Rotate(p.NextFile, p.Position)
	case *binlog.GTID:
		e.tracker.BeginTransaction(p.GTID)
	case *binlog.AnonymousGTID:
		e.tracker.BeginTransaction(p.GTID.GTID)
	}

	if ev.EndsTransaction {
		e.tracker.Commit(uint64(h.LogPos))
		log.Debug().Str("position", e.tracker.Position().String()).Msg("Transaction committed")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
