package protocol

import (
	"fmt"

	"github.com/maxpert/binlogtap/common"
)

const (
	okPacketHeader  byte = 0x00
	authMoreData    byte = 0x01
	eofPacketHeader byte = 0xfe
	errPacketHeader byte = 0xff
)

// MySQLError represents a MySQL protocol error with error code and SQLSTATE
type MySQLError struct {
	Code     uint16
	SQLState string
	Message  string
}

func (e *MySQLError) Error() string {
	return fmt.Sprintf("ERROR %d (%s): %s", e.Code, e.SQLState, e.Message)
}

// NewMySQLError creates a new MySQL error
func NewMySQLError(code uint16, sqlState, message string) *MySQLError {
	return &MySQLError{
		Code:     code,
		SQLState: sqlState,
		Message:  message,
	}
}

// Server error codes the replica reacts to.
const (
	ErAccessDenied           uint16 = 1045
	ErMasterFatalReadingLog  uint16 = 1236
	ErUnknownSystemVariable  uint16 = 1193
	ErSpecificAccessDenied   uint16 = 1227
	ErMalformedGTIDSetSpec   uint16 = 1772
	ErMasterHasPurgedGTIDs   uint16 = 1789
	ErBinlogFileNotFoundCode uint16 = 1373
)

// ParseErrPacket decodes an ERR packet into a *MySQLError. Malformed
// packets still produce an error describing what was received.
func ParseErrPacket(data []byte) error {
	if len(data) < 3 || data[0] != errPacketHeader {
		return fmt.Errorf("malformed error packet (% x)", data)
	}
	code := uint16(data[1]) | uint16(data[2])<<8
	pos := 3
	state := "HY000"
	if len(data) >= 9 && data[3] == '#' {
		state = string(data[4:9])
		pos = 9
	}
	return NewMySQLError(code, state, string(data[pos:]))
}

// OKPacket is the subset of an OK packet the replica uses.
type OKPacket struct {
	AffectedRows uint64
	LastInsertID uint64
	StatusFlags  uint16
	Warnings     uint16
}

// ParseOKPacket decodes an OK packet (protocol 4.1 layout).
func ParseOKPacket(data []byte) (*OKPacket, error) {
	if len(data) < 1 || (data[0] != okPacketHeader && data[0] != eofPacketHeader) {
		return nil, fmt.Errorf("not an OK packet (% x)", data)
	}
	ok := &OKPacket{}
	pos := 1
	var good bool
	if ok.AffectedRows, pos, good = readLenEncInt(data, pos); !good {
		return nil, fmt.Errorf("truncated OK packet")
	}
	if ok.LastInsertID, pos, good = readLenEncInt(data, pos); !good {
		return nil, fmt.Errorf("truncated OK packet")
	}
	if ok.StatusFlags, pos, good = readUint16(data, pos); !good {
		return ok, nil
	}
	ok.Warnings, _, _ = readUint16(data, pos)
	return ok, nil
}

// readResult reads a command reply and converts it into nil or an error.
// Server errors become protocol errors wrapping *MySQLError.
func readResult(c *Conn, op string) error {
	data, err := c.ReadPacket()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return common.Errorf(common.KindProtocol, op, "empty reply")
	}
	switch data[0] {
	case okPacketHeader:
		if _, err := ParseOKPacket(data); err != nil {
			return common.NewError(common.KindProtocol, op, err)
		}
		return nil
	case errPacketHeader:
		return common.NewError(common.KindProtocol, op, ParseErrPacket(data))
	}
	return common.Errorf(common.KindProtocol, op, "unexpected reply header 0x%02x", data[0])
}
