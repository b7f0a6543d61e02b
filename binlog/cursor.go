package binlog

import (
	"encoding/binary"
	"fmt"

	"github.com/maxpert/binlogtap/common"
)

// cursor reads little-endian fields from an event body. The first overrun
// sticks: later reads return zero values and err reports the overrun.
type cursor struct {
	data []byte
	pos  int
	err  error
}

func newCursor(data []byte) *cursor {
	return &cursor{data: data}
}

func (c *cursor) need(n int) bool {
	if c.err != nil {
		return false
	}
	if n < 0 || c.pos+n > len(c.data) {
		c.err = fmt.Errorf("need %d bytes at offset %d, have %d", n, c.pos, len(c.data)-c.pos)
		return false
	}
	return true
}

func (c *cursor) remaining() int {
	return len(c.data) - c.pos
}

func (c *cursor) bytes(n int) []byte {
	if !c.need(n) {
		return nil
	}
	b := c.data[c.pos : c.pos+n]
	c.pos += n
	return b
}

func (c *cursor) skip(n int) {
	c.bytes(n)
}

func (c *cursor) rest() []byte {
	if c.err != nil {
		return nil
	}
	b := c.data[c.pos:]
	c.pos = len(c.data)
	return b
}

func (c *cursor) uint8() uint8 {
	if !c.need(1) {
		return 0
	}
	v := c.data[c.pos]
	c.pos++
	return v
}

func (c *cursor) uint16() uint16 {
	if !c.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(c.data[c.pos:])
	c.pos += 2
	return v
}

func (c *cursor) uint32() uint32 {
	if !c.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(c.data[c.pos:])
	c.pos += 4
	return v
}

func (c *cursor) uint64() uint64 {
	if !c.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(c.data[c.pos:])
	c.pos += 8
	return v
}

// uintN reads an n-byte little-endian unsigned integer (n <= 8).
func (c *cursor) uintN(n int) uint64 {
	return littleEndian(c.bytes(n))
}

func (c *cursor) lenEncInt() uint64 {
	first := c.uint8()
	switch first {
	case 0xfc:
		return c.uintN(2)
	case 0xfd:
		return c.uintN(3)
	case 0xfe:
		return c.uint64()
	}
	return uint64(first)
}

func (c *cursor) lenEncBytes() []byte {
	n := c.lenEncInt()
	if c.err == nil && n > uint64(c.remaining()) {
		c.err = fmt.Errorf("length %d at offset %d exceeds remaining %d bytes", n, c.pos, c.remaining())
		return nil
	}
	return c.bytes(int(n))
}

// protocolErr wraps the sticky overrun (if any) as a protocol error.
func (c *cursor) protocolErr(op string) error {
	return common.NewError(common.KindProtocol, op, c.err)
}

func littleEndian(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func bigEndian(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

func bitmapSize(n int) int {
	return (n + 7) / 8
}

func bitSet(bitmap []byte, i int) bool {
	return bitmap[i>>3]&(1<<(uint(i)&7)) != 0
}
