package position

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// GTID identifies one transaction: the originating server's UUID plus its
// sequence number on that server.
type GTID struct {
	SID uuid.UUID
	GNO uint64
}

// IsZero reports whether g carries no transaction.
func (g GTID) IsZero() bool {
	return g.GNO == 0
}

func (g GTID) String() string {
	if g.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s:%d", g.SID, g.GNO)
}

// Interval is an inclusive range of transaction sequence numbers.
type Interval struct {
	Start uint64
	Stop  uint64
}

func (i Interval) String() string {
	if i.Start == i.Stop {
		return strconv.FormatUint(i.Start, 10)
	}
	return fmt.Sprintf("%d-%d", i.Start, i.Stop)
}

// GTIDSet maps a source UUID to its sorted, disjoint, non-adjacent intervals.
// The zero value is an empty set ready for reads; use NewGTIDSet or Clone
// before mutating.
type GTIDSet map[uuid.UUID][]Interval

// NewGTIDSet returns an empty set.
func NewGTIDSet() GTIDSet {
	return make(GTIDSet)
}

// ParseGTIDSet parses the textual form used by MySQL, for example
// "3e11fa47-71ca-11e1-9e33-c80aa9429562:1-5:7,4e11fa47-...:1-3".
// Whitespace and newlines (as returned by @@gtid_executed) are ignored.
// The empty string parses to an empty set.
func ParseGTIDSet(s string) (GTIDSet, error) {
	set := NewGTIDSet()
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)
	if s == "" {
		return set, nil
	}

	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) < 2 {
			return nil, fmt.Errorf("invalid gtid set %q: missing interval", part)
		}
		sid, err := uuid.Parse(fields[0])
		if err != nil {
			return nil, fmt.Errorf("invalid gtid source %q: %w", fields[0], err)
		}
		for _, f := range fields[1:] {
			iv, err := parseInterval(f)
			if err != nil {
				return nil, err
			}
			set.AddInterval(sid, iv)
		}
	}
	return set, nil
}

func parseInterval(s string) (Interval, error) {
	lo, hi, isRange := strings.Cut(s, "-")
	start, err := strconv.ParseUint(lo, 10, 64)
	if err != nil {
		return Interval{}, fmt.Errorf("invalid gtid interval %q: %w", s, err)
	}
	stop := start
	if isRange {
		stop, err = strconv.ParseUint(hi, 10, 64)
		if err != nil {
			return Interval{}, fmt.Errorf("invalid gtid interval %q: %w", s, err)
		}
	}
	if start == 0 || stop < start {
		return Interval{}, fmt.Errorf("invalid gtid interval %q", s)
	}
	return Interval{Start: start, Stop: stop}, nil
}

// Add records a single transaction.
func (s GTIDSet) Add(g GTID) {
	if g.IsZero() {
		return
	}
	s.AddInterval(g.SID, Interval{Start: g.GNO, Stop: g.GNO})
}

// AddInterval merges iv into the intervals for sid.
func (s GTIDSet) AddInterval(sid uuid.UUID, iv Interval) {
	s[sid] = normalize(append(s[sid], iv))
}

// Merge adds every interval of other into s.
func (s GTIDSet) Merge(other GTIDSet) {
	for sid, ivs := range other {
		s[sid] = normalize(append(append([]Interval(nil), s[sid]...), ivs...))
	}
}

func normalize(ivs []Interval) []Interval {
	if len(ivs) < 2 {
		return ivs
	}
	sort.Slice(ivs, func(i, j int) bool { return ivs[i].Start < ivs[j].Start })
	out := ivs[:1]
	for _, iv := range ivs[1:] {
		last := &out[len(out)-1]
		if iv.Start <= last.Stop+1 {
			if iv.Stop > last.Stop {
				last.Stop = iv.Stop
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// ContainsGTID reports whether g is part of the set.
func (s GTIDSet) ContainsGTID(g GTID) bool {
	for _, iv := range s[g.SID] {
		if g.GNO >= iv.Start && g.GNO <= iv.Stop {
			return true
		}
	}
	return false
}

// Contains reports whether every transaction in other is also in s.
func (s GTIDSet) Contains(other GTIDSet) bool {
	for sid, ivs := range other {
		mine := s[sid]
		for _, iv := range ivs {
			covered := false
			for _, m := range mine {
				if iv.Start >= m.Start && iv.Stop <= m.Stop {
					covered = true
					break
				}
			}
			if !covered {
				return false
			}
		}
	}
	return true
}

// Equal reports whether both sets hold the same transactions.
func (s GTIDSet) Equal(other GTIDSet) bool {
	return s.Contains(other) && other.Contains(s)
}

// IsEmpty reports whether the set holds no transactions.
func (s GTIDSet) IsEmpty() bool {
	for _, ivs := range s {
		if len(ivs) > 0 {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (s GTIDSet) Clone() GTIDSet {
	out := make(GTIDSet, len(s))
	for sid, ivs := range s {
		out[sid] = append([]Interval(nil), ivs...)
	}
	return out
}

func (s GTIDSet) sortedSIDs() []uuid.UUID {
	sids := make([]uuid.UUID, 0, len(s))
	for sid, ivs := range s {
		if len(ivs) > 0 {
			sids = append(sids, sid)
		}
	}
	sort.Slice(sids, func(i, j int) bool { return bytes.Compare(sids[i][:], sids[j][:]) < 0 })
	return sids
}

// String renders the canonical textual form with sources sorted by UUID.
func (s GTIDSet) String() string {
	var b strings.Builder
	for i, sid := range s.sortedSIDs() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(sid.String())
		for _, iv := range s[sid] {
			b.WriteByte(':')
			b.WriteString(iv.String())
		}
	}
	return b.String()
}

// Encode serialises the set in the binary layout expected by
// COM_BINLOG_DUMP_GTID and carried by PREVIOUS_GTIDS_LOG_EVENT.
// Interval ends are exclusive on the wire.
func (s GTIDSet) Encode() []byte {
	sids := s.sortedSIDs()
	buf := make([]byte, 8, 8+len(sids)*40)
	binary.LittleEndian.PutUint64(buf, uint64(len(sids)))
	for _, sid := range sids {
		buf = append(buf, sid[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(len(s[sid])))
		for _, iv := range s[sid] {
			buf = binary.LittleEndian.AppendUint64(buf, iv.Start)
			buf = binary.LittleEndian.AppendUint64(buf, iv.Stop+1)
		}
	}
	return buf
}

// DecodeGTIDSet parses the binary layout produced by Encode.
func DecodeGTIDSet(data []byte) (GTIDSet, error) {
	set := NewGTIDSet()
	if len(data) < 8 {
		return nil, fmt.Errorf("gtid set too short: %d bytes", len(data))
	}
	n := binary.LittleEndian.Uint64(data)
	pos := 8
	for i := uint64(0); i < n; i++ {
		if len(data) < pos+24 {
			return nil, fmt.Errorf("gtid set truncated at source %d", i)
		}
		sid, err := uuid.FromBytes(data[pos : pos+16])
		if err != nil {
			return nil, err
		}
		pos += 16
		count := binary.LittleEndian.Uint64(data[pos:])
		pos += 8
		if count > uint64(len(data)-pos)/16 {
			return nil, fmt.Errorf("gtid set truncated in intervals of %s", sid)
		}
		for j := uint64(0); j < count; j++ {
			start := binary.LittleEndian.Uint64(data[pos:])
			end := binary.LittleEndian.Uint64(data[pos+8:])
			pos += 16
			if end <= start {
				return nil, fmt.Errorf("invalid interval [%d,%d) for %s", start, end, sid)
			}
			set.AddInterval(sid, Interval{Start: start, Stop: end - 1})
		}
	}
	return set, nil
}
