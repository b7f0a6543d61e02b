package position

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Tracker accumulates the resumable position as events are consumed. It
// never moves backwards: updates that would regress the authoritative
// representation are ignored.
//
// Transactions are resumed whole. A GTID event only marks the transaction
// as in flight; the GTID joins the resume set, and the file offset moves,
// when the transaction commits. A reconnect therefore replays any
// transaction that was cut off part way.
type Tracker struct {
	mu  sync.RWMutex
	pos Position
}

// NewTracker starts tracking from start. The caller owns start; the
// tracker keeps its own copy.
func NewTracker(start Position) *Tracker {
	p := start.Clone()
	if p.Mode == ModeGTID && p.GTIDs == nil {
		p.GTIDs = NewGTIDSet()
	}
	p.InFlight = GTID{}
	return &Tracker{pos: p}
}

// Position returns a snapshot of the current position, including any
// in-flight GTID.
func (t *Tracker) Position() Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pos.Clone()
}

// ResumePoint returns the last committed position, the point a reconnect
// starts from.
func (t *Tracker) ResumePoint() Position {
	p := t.Position()
	p.InFlight = GTID{}
	return p
}

// Rotate moves to a new binlog file. In file mode it is ignored when it
// would regress; in gtid mode file coordinates are informational and are
// always taken.
func (t *Tracker) Rotate(file string, offset uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := t.pos
	next.File = file
	next.Offset = offset
	if t.pos.Mode == ModeFile && !next.AtLeast(t.pos) {
		log.Debug().
			Str("file", file).
			Uint64("offset", offset).
			Str("current", t.pos.String()).
			Msg("Ignoring rotate behind current position")
		return false
	}
	t.pos.File = file
	t.pos.Offset = offset
	return true
}

// BeginTransaction records the GTID of the transaction that is starting.
func (t *Tracker) BeginTransaction(g GTID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pos.InFlight = g
}

// Commit closes the current transaction. nextOffset is the header's
// next-position of the committing event; zero leaves the offset alone.
func (t *Tracker) Commit(nextOffset uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pos.Mode == ModeGTID && !t.pos.InFlight.IsZero() {
		t.pos.GTIDs.Add(t.pos.InFlight)
	}
	t.pos.InFlight = GTID{}
	if nextOffset > t.pos.Offset {
		t.pos.Offset = nextOffset
	}
}

// AbandonInFlight drops the in-flight GTID after the stream was cut.
func (t *Tracker) AbandonInFlight() GTID {
	t.mu.Lock()
	defer t.mu.Unlock()
	g := t.pos.InFlight
	t.pos.InFlight = GTID{}
	return g
}

// Reset replaces the tracked position. It is only used to seed a tracker
// that started without a position, once the starting point is known.
func (t *Tracker) Reset(start Position) {
	p := start.Clone()
	if p.Mode == ModeGTID && p.GTIDs == nil {
		p.GTIDs = NewGTIDSet()
	}
	p.InFlight = GTID{}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.pos = p
}
