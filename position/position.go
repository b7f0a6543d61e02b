package position

import (
	"fmt"
	"strconv"
	"strings"
)

// Mode selects which representation of a Position is authoritative for a
// session.
type Mode uint8

const (
	ModeFile Mode = iota
	ModeGTID
)

func (m Mode) String() string {
	if m == ModeGTID {
		return "gtid"
	}
	return "file"
}

// Position is a resumable point in the binary log. In ModeFile the
// (File, Offset) pair is authoritative; in ModeGTID the GTIDs set is, and
// File/Offset are kept for information only.
type Position struct {
	Mode   Mode
	File   string
	Offset uint64
	GTIDs  GTIDSet
	// InFlight is the GTID of a transaction whose GTID event has been seen
	// but whose commit has not. It is never part of the resume point.
	InFlight GTID
}

// FilePosition builds a file-mode position.
func FilePosition(file string, offset uint64) Position {
	return Position{Mode: ModeFile, File: file, Offset: offset}
}

// GTIDPosition builds a gtid-mode position.
func GTIDPosition(set GTIDSet) Position {
	if set == nil {
		set = NewGTIDSet()
	}
	return Position{Mode: ModeGTID, GTIDs: set}
}

// IsZero reports whether the position names no starting point at all.
func (p Position) IsZero() bool {
	if p.Mode == ModeGTID {
		return p.GTIDs.IsEmpty()
	}
	return p.File == ""
}

// Clone returns a copy that shares no state with p.
func (p Position) Clone() Position {
	c := p
	if p.GTIDs != nil {
		c.GTIDs = p.GTIDs.Clone()
	}
	return c
}

func (p Position) String() string {
	if p.Mode == ModeGTID {
		return p.GTIDs.String()
	}
	return fmt.Sprintf("%s:%d", p.File, p.Offset)
}

// AtLeast reports whether p is not behind prev under p's ordering: file
// name then offset in ModeFile, set inclusion in ModeGTID.
func (p Position) AtLeast(prev Position) bool {
	if p.Mode == ModeGTID {
		return p.GTIDs.Contains(prev.GTIDs)
	}
	c := CompareFiles(p.File, prev.File)
	if c != 0 {
		return c > 0
	}
	return p.Offset >= prev.Offset
}

// CompareFiles orders binlog file names. Names sharing a base are ordered by
// their numeric extension so that "binlog.1000000" follows "binlog.999999".
// The empty name sorts first.
func CompareFiles(a, b string) int {
	if a == b {
		return 0
	}
	if a == "" {
		return -1
	}
	if b == "" {
		return 1
	}
	abase, aseq, aok := splitFile(a)
	bbase, bseq, bok := splitFile(b)
	if aok && bok && abase == bbase {
		switch {
		case aseq < bseq:
			return -1
		case aseq > bseq:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}

func splitFile(name string) (string, uint64, bool) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return name, 0, false
	}
	seq, err := strconv.ParseUint(name[i+1:], 10, 64)
	if err != nil {
		return name, 0, false
	}
	return name[:i], seq, true
}
