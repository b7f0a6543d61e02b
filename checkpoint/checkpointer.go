package checkpoint

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/binlogtap/binlog"
	"github.com/maxpert/binlogtap/position"
	"github.com/maxpert/binlogtap/telemetry"
)

// PositionSource is implemented by the engine.
type PositionSource interface {
	Position() position.Position
}

// Saver is implemented by Store.
type Saver interface {
	Save(position.Position) error
}

// Checkpointer is an engine subscriber that saves the committed position
// every few transactions. Subscribers registered before it have already
// seen the transaction when it is saved.
type Checkpointer struct {
	store  Saver
	source PositionSource
	every  int

	mu      sync.Mutex
	commits int
	last    position.Position
	dirty   bool
}

// NewCheckpointer saves after every n committed transactions; n < 1 means 1.
func NewCheckpointer(store Saver, source PositionSource, n int) *Checkpointer {
	if n < 1 {
		n = 1
	}
	return &Checkpointer{store: store, source: source, every: n}
}

// OnEvent counts commits and saves on every n-th.
func (c *Checkpointer) OnEvent(_ context.Context, ev *binlog.Event) error {
	if !ev.EndsTransaction {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.dirty = true
	c.commits++
	if c.commits < c.every {
		return nil
	}
	c.commits = 0
	return c.saveLocked()
}

// Flush saves the current position if any commit is unsaved.
func (c *Checkpointer) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}
	return c.saveLocked()
}

// Last is the most recently saved position.
func (c *Checkpointer) Last() position.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last.Clone()
}

func (c *Checkpointer) saveLocked() error {
	pos := c.source.Position()
	pos.InFlight = position.GTID{}

	if err := c.store.Save(pos); err != nil {
		telemetry.CheckpointWritesTotal.With("error").Inc()
		return err
	}
	telemetry.CheckpointWritesTotal.With("ok").Inc()

	c.last = pos
	c.dirty = false
	log.Debug().Str("position", pos.String()).Msg("Saved checkpoint")
	return nil
}
