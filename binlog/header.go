package binlog

import (
	"encoding/binary"

	"github.com/maxpert/binlogtap/common"
)

// HeaderSize is the length of the common header on every event.
const HeaderSize = 19

// FlagArtificial marks events the server synthesises for the replica, such
// as the Rotate sent at the start of a dump. Their LogPos is not a position.
const FlagArtificial uint16 = 0x0020

// EventHeader is the fixed prefix of every binlog event.
type EventHeader struct {
	Timestamp uint32
	Type      EventType
	ServerID  uint32
	EventSize uint32
	// LogPos is the absolute offset of the next event in the current file.
	LogPos uint32
	Flags  uint16
}

// DecodeHeader parses the first HeaderSize bytes of data.
func DecodeHeader(data []byte) (EventHeader, error) {
	if len(data) < HeaderSize {
		return EventHeader{}, common.Errorf(common.KindProtocol, "decode header", "need %d bytes, have %d", HeaderSize, len(data))
	}
	return EventHeader{
		Timestamp: binary.LittleEndian.Uint32(data[0:]),
		Type:      EventType(data[4]),
		ServerID:  binary.LittleEndian.Uint32(data[5:]),
		EventSize: binary.LittleEndian.Uint32(data[9:]),
		LogPos:    binary.LittleEndian.Uint32(data[13:]),
		Flags:     binary.LittleEndian.Uint16(data[17:]),
	}, nil
}

// Artificial reports whether FlagArtificial is set.
func (h EventHeader) Artificial() bool {
	return h.Flags&FlagArtificial != 0
}

// Encode writes the header in wire order.
func (h EventHeader) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], h.Timestamp)
	buf[4] = byte(h.Type)
	binary.LittleEndian.PutUint32(buf[5:], h.ServerID)
	binary.LittleEndian.PutUint32(buf[9:], h.EventSize)
	binary.LittleEndian.PutUint32(buf[13:], h.LogPos)
	binary.LittleEndian.PutUint16(buf[17:], h.Flags)
	return buf
}
