// Package checkpoint persists the committed replication position so a
// restarted process resumes where the previous one stopped.
package checkpoint

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/maxpert/binlogtap/common"
	"github.com/maxpert/binlogtap/encoding"
	"github.com/maxpert/binlogtap/position"
)

var keyPosition = []byte("checkpoint/position")

// record is the stored form of a Position. The GTID set is kept in its text
// form so the store can be inspected with any pebble tool.
type record struct {
	Mode    string `msgpack:"mode"`
	File    string `msgpack:"file,omitempty"`
	Offset  uint64 `msgpack:"offset"`
	GTIDs   string `msgpack:"gtids,omitempty"`
	SavedAt int64  `msgpack:"saved_at"`
}

// Saved is a loaded checkpoint.
type Saved struct {
	Position position.Position
	SavedAt  time.Time
}

// Store is a Pebble database holding the last committed position.
type Store struct {
	db   *pebble.DB
	path string
	now  func() time.Time

	mu     sync.Mutex
	closed bool
}

// Open creates or opens the store in dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, common.NewError(common.KindConfiguration, "open checkpoint store", fmt.Errorf("%s: %w", dir, err))
	}
	return &Store{db: db, path: dir, now: time.Now}, nil
}

// Save replaces the stored position. The write is synced before Save returns.
func (s *Store) Save(pos position.Position) error {
	rec := record{
		Mode:    pos.Mode.String(),
		Offset:  pos.Offset,
		File:    pos.File,
		SavedAt: s.now().UnixMilli(),
	}
	if pos.Mode == position.ModeGTID {
		rec.GTIDs = pos.GTIDs.String()
	}

	val, err := encoding.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("checkpoint store is closed")
	}
	if err := s.db.Set(keyPosition, val, pebble.Sync); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// Load returns the stored position. ok is false when nothing was saved yet.
func (s *Store) Load() (saved Saved, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Saved{}, false, errors.New("checkpoint store is closed")
	}

	val, closer, err := s.db.Get(keyPosition)
	if errors.Is(err, pebble.ErrNotFound) {
		return Saved{}, false, nil
	}
	if err != nil {
		return Saved{}, false, fmt.Errorf("read checkpoint: %w", err)
	}
	defer closer.Close()

	var rec record
	if err := encoding.Unmarshal(val, &rec); err != nil {
		return Saved{}, false, common.NewError(common.KindConfiguration, "decode checkpoint", err)
	}

	pos, err := rec.position()
	if err != nil {
		return Saved{}, false, common.NewError(common.KindConfiguration, "decode checkpoint", err)
	}
	return Saved{Position: pos, SavedAt: time.UnixMilli(rec.SavedAt)}, true, nil
}

func (r record) position() (position.Position, error) {
	switch r.Mode {
	case "gtid":
		set, err := position.ParseGTIDSet(r.GTIDs)
		if err != nil {
			return position.Position{}, err
		}
		pos := position.GTIDPosition(set)
		pos.File, pos.Offset = r.File, r.Offset
		return pos, nil
	case "file":
		return position.FilePosition(r.File, r.Offset), nil
	}
	return position.Position{}, fmt.Errorf("unknown checkpoint mode %q", r.Mode)
}

// Close closes the database. Further calls fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
