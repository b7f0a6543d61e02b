package publisher

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/binlogtap/common"
	"github.com/maxpert/binlogtap/encoding"
)

// Key layout:
//
//	e{seq:8 bytes big endian} -> msgpack(CDCEvent)
//	c{sinkName}               -> uint64 cursor
//	s                         -> uint64 last assigned sequence
const (
	prefixEvent  byte = 'e'
	prefixCursor byte = 'c'
	keySeq            = "s"
)

const (
	memTableSize                = 32 << 20
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	maxConcurrentCompactions    = 2
)

const (
	defaultReadLimit    = 100
	cleanupIntervalMask = 0x7F // every 128 sequences
)

var errLogClosed = errors.New("publish log is closed")

// PublishLog is a Pebble-backed append-only log of change events with one
// consumption cursor per sink. Transactions are appended whole, so a sink
// never observes half a transaction.
type PublishLog struct {
	db   *pebble.DB
	path string

	cursors   map[string]uint64
	cursorsMu sync.RWMutex

	// lastSeq is the highest sequence committed to the log.
	lastSeq  atomic.Uint64
	appendMu sync.Mutex

	cleanupMu      sync.Mutex
	cleanupRunning atomic.Bool
	cleanupWg      sync.WaitGroup

	closed atomic.Bool
}

// NewPublishLog creates or opens the log stored at path.
func NewPublishLog(path string) (*PublishLog, error) {
	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, common.NewError(common.KindConfiguration, "open publish log", fmt.Errorf("%s: %w", path, err))
	}

	pl := &PublishLog{
		db:      db,
		path:    path,
		cursors: make(map[string]uint64),
	}

	if err := pl.loadLastSeq(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load sequence number: %w", err)
	}
	if err := pl.loadCursors(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load cursors: %w", err)
	}

	return pl, nil
}

func (pl *PublishLog) loadLastSeq() error {
	val, closer, err := pl.db.Get([]byte(keySeq))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	if len(val) != 8 {
		return fmt.Errorf("invalid sequence value length: %d", len(val))
	}
	pl.lastSeq.Store(binary.BigEndian.Uint64(val))
	return nil
}

func (pl *PublishLog) loadCursors() error {
	lower := []byte{prefixCursor}
	iter, err := pl.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: []byte{prefixCursor + 1},
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		sink := string(iter.Key()[1:])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("corrupted cursor for sink %s: invalid length %d", sink, len(val))
		}
		pl.cursors[sink] = binary.BigEndian.Uint64(val)
	}
	if err := iter.Error(); err != nil {
		return err
	}

	if len(pl.cursors) > 0 {
		log.Info().Int("cursors", len(pl.cursors)).Str("path", pl.path).Msg("Loaded publish log cursors")
	}
	return nil
}

// Append writes events in one synced batch and assigns their sequence
// numbers. The slice is modified in place.
func (pl *PublishLog) Append(events []CDCEvent) error {
	if len(events) == 0 {
		return nil
	}
	if pl.closed.Load() {
		return errLogClosed
	}

	pl.appendMu.Lock()
	defer pl.appendMu.Unlock()

	seq := pl.lastSeq.Load()
	batch := pl.db.NewBatch()
	defer batch.Close()

	for i := range events {
		seq++
		events[i].SeqNum = seq

		val, err := encoding.Marshal(&events[i])
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		if err := batch.Set(eventKey(seq), val, nil); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
	}

	if err := batch.Set([]byte(keySeq), uint64Bytes(seq), nil); err != nil {
		return fmt.Errorf("failed to update sequence: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	pl.lastSeq.Store(seq)
	return nil
}

// LastSeq is the sequence of the newest event in the log, 0 when empty.
func (pl *PublishLog) LastSeq() uint64 {
	return pl.lastSeq.Load()
}

// ReadFrom returns up to limit events with a sequence above cursor.
func (pl *PublishLog) ReadFrom(cursor uint64, limit int) ([]CDCEvent, error) {
	if pl.closed.Load() {
		return nil, errLogClosed
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	iter, err := pl.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(cursor + 1),
		UpperBound: []byte{prefixEvent + 1},
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	events := make([]CDCEvent, 0, limit)
	for iter.First(); iter.Valid() && len(events) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var event CDCEvent
		if err := encoding.Unmarshal(val, &event); err != nil {
			log.Warn().Err(err).Uint64("seq", binary.BigEndian.Uint64(iter.Key()[1:])).Msg("Skipping unreadable change event")
			continue
		}
		events = append(events, event)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return events, nil
}

// GetCursor returns the last sequence the sink has processed, 0 for a new sink.
func (pl *PublishLog) GetCursor(sinkName string) (uint64, error) {
	if pl.closed.Load() {
		return 0, errLogClosed
	}

	pl.cursorsMu.RLock()
	defer pl.cursorsMu.RUnlock()
	return pl.cursors[sinkName], nil
}

// AdvanceCursor persists the sink's progress and triggers cleanup periodically.
func (pl *PublishLog) AdvanceCursor(sinkName string, newSeq uint64) error {
	if pl.closed.Load() {
		return errLogClosed
	}

	if err := pl.db.Set(cursorKey(sinkName), uint64Bytes(newSeq), pebble.Sync); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	pl.cursorsMu.Lock()
	pl.cursors[sinkName] = newSeq
	pl.cursorsMu.Unlock()

	if newSeq&cleanupIntervalMask == 0 && pl.cleanupRunning.CompareAndSwap(false, true) {
		pl.cleanupWg.Add(1)
		go pl.cleanupAsync()
	}
	return nil
}

// Backlog returns, per known sink, how many events it has yet to process.
func (pl *PublishLog) Backlog() map[string]uint64 {
	last := pl.lastSeq.Load()

	pl.cursorsMu.RLock()
	defer pl.cursorsMu.RUnlock()

	out := make(map[string]uint64, len(pl.cursors))
	for sink, cursor := range pl.cursors {
		if cursor < last {
			out[sink] = last - cursor
		} else {
			out[sink] = 0
		}
	}
	return out
}

// cleanup deletes entries every sink has processed.
func (pl *PublishLog) cleanup() {
	pl.cleanupMu.Lock()
	defer pl.cleanupMu.Unlock()

	if pl.closed.Load() {
		return
	}

	pl.cursorsMu.RLock()
	if len(pl.cursors) == 0 {
		pl.cursorsMu.RUnlock()
		return
	}
	minCursor := ^uint64(0)
	for _, cursor := range pl.cursors {
		minCursor = min(minCursor, cursor)
	}
	pl.cursorsMu.RUnlock()

	if minCursor == 0 {
		return
	}

	// keep the entry at minCursor so a restarted worker can find its place
	if err := pl.db.DeleteRange(eventKey(0), eventKey(minCursor), pebble.Sync); err != nil {
		log.Warn().Err(err).Uint64("min_cursor", minCursor).Msg("Failed to clean up publish log")
		return
	}
	log.Debug().Uint64("min_cursor", minCursor).Msg("Cleaned up publish log entries")
}

func (pl *PublishLog) cleanupAsync() {
	defer pl.cleanupWg.Done()
	defer pl.cleanupRunning.Store(false)
	pl.cleanup()
}

// Close waits for in-flight cleanup and closes the database.
func (pl *PublishLog) Close() error {
	if !pl.closed.CompareAndSwap(false, true) {
		return errLogClosed
	}
	pl.cleanupWg.Wait()
	return pl.db.Close()
}

func eventKey(seq uint64) []byte {
	key := make([]byte, 9)
	key[0] = prefixEvent
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}

func cursorKey(sink string) []byte {
	return append([]byte{prefixCursor}, sink...)
}

func uint64Bytes(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}
