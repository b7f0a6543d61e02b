package jsonb

import (
	"encoding/binary"
	"math"

	"github.com/maxpert/binlogtap/common"
)

// Type tags of the binary format.
const (
	TypeSmallObject byte = 0x00
	TypeLargeObject byte = 0x01
	TypeSmallArray  byte = 0x02
	TypeLargeArray  byte = 0x03
	TypeLiteral     byte = 0x04
	TypeInt16       byte = 0x05
	TypeUint16      byte = 0x06
	TypeInt32       byte = 0x07
	TypeUint32      byte = 0x08
	TypeInt64       byte = 0x09
	TypeUint64      byte = 0x0a
	TypeDouble      byte = 0x0b
	TypeString      byte = 0x0c
	TypeOpaque      byte = 0x0f
)

const (
	literalNull  byte = 0x00
	literalTrue  byte = 0x01
	literalFalse byte = 0x02
)

// maxDepth bounds recursion on hostile input; MySQL itself caps documents at 100.
const maxDepth = 150

func decodeErr(format string, args ...interface{}) error {
	return common.Errorf(common.KindDecode, "jsonb", format, args...)
}

// Decode parses a complete binary JSON document. An empty document decodes
// to null, matching how MySQL stores NULLs forced into NOT NULL JSON columns.
func Decode(data []byte) (Value, error) {
	if len(data) == 0 {
		return Null(), nil
	}
	return decodeValue(data[0], data[1:], 0)
}

func decodeValue(tp byte, data []byte, depth int) (Value, error) {
	if depth > maxDepth {
		return Value{}, decodeErr("document nested deeper than %d", maxDepth)
	}
	switch tp {
	case TypeSmallObject:
		return decodeContainer(data, true, true, depth)
	case TypeLargeObject:
		return decodeContainer(data, false, true, depth)
	case TypeSmallArray:
		return decodeContainer(data, true, false, depth)
	case TypeLargeArray:
		return decodeContainer(data, false, false, depth)
	case TypeLiteral:
		if len(data) < 1 {
			return Value{}, decodeErr("truncated literal")
		}
		switch data[0] {
		case literalNull:
			return Null(), nil
		case literalTrue:
			return Bool(true), nil
		case literalFalse:
			return Bool(false), nil
		}
		return Value{}, decodeErr("invalid literal 0x%02x", data[0])
	case TypeInt16:
		if len(data) < 2 {
			return Value{}, decodeErr("truncated int16")
		}
		return Int(int64(int16(binary.LittleEndian.Uint16(data)))), nil
	case TypeUint16:
		if len(data) < 2 {
			return Value{}, decodeErr("truncated uint16")
		}
		return Uint(uint64(binary.LittleEndian.Uint16(data))), nil
	case TypeInt32:
		if len(data) < 4 {
			return Value{}, decodeErr("truncated int32")
		}
		return Int(int64(int32(binary.LittleEndian.Uint32(data)))), nil
	case TypeUint32:
		if len(data) < 4 {
			return Value{}, decodeErr("truncated uint32")
		}
		return Uint(uint64(binary.LittleEndian.Uint32(data))), nil
	case TypeInt64:
		if len(data) < 8 {
			return Value{}, decodeErr("truncated int64")
		}
		return Int(int64(binary.LittleEndian.Uint64(data))), nil
	case TypeUint64:
		if len(data) < 8 {
			return Value{}, decodeErr("truncated uint64")
		}
		return Uint(binary.LittleEndian.Uint64(data)), nil
	case TypeDouble:
		if len(data) < 8 {
			return Value{}, decodeErr("truncated double")
		}
		return Double(math.Float64frombits(binary.LittleEndian.Uint64(data))), nil
	case TypeString:
		n, used, err := readVarLen(data)
		if err != nil {
			return Value{}, err
		}
		if len(data) < used+n {
			return Value{}, decodeErr("truncated string: need %d bytes, have %d", n, len(data)-used)
		}
		return String(string(data[used : used+n])), nil
	case TypeOpaque:
		if len(data) < 1 {
			return Value{}, decodeErr("truncated opaque value")
		}
		fieldType := data[0]
		n, used, err := readVarLen(data[1:])
		if err != nil {
			return Value{}, err
		}
		start := 1 + used
		if len(data) < start+n {
			return Value{}, decodeErr("truncated opaque value: need %d bytes, have %d", n, len(data)-start)
		}
		raw := make([]byte, n)
		copy(raw, data[start:start+n])
		return Opaque(fieldType, raw), nil
	}
	return Value{}, decodeErr("unknown type tag 0x%02x", tp)
}

// readVarLen reads the 7-bits-per-byte length prefix used by strings and
// opaque values. At most five bytes are consumed.
func readVarLen(data []byte) (int, int, error) {
	var length uint64
	for i := 0; i < 5 && i < len(data); i++ {
		b := data[i]
		length |= uint64(b&0x7f) << (7 * uint(i))
		if b&0x80 == 0 {
			if length > math.MaxUint32 {
				return 0, 0, decodeErr("variable length %d overflows", length)
			}
			return int(length), i + 1, nil
		}
	}
	return 0, 0, decodeErr("truncated variable length")
}

func offsetSize(small bool) int {
	if small {
		return 2
	}
	return 4
}

func readOffset(data []byte, small bool) int {
	if small {
		return int(binary.LittleEndian.Uint16(data))
	}
	return int(binary.LittleEndian.Uint32(data))
}

// inlined reports whether a value of type tp is stored directly in its
// value entry instead of behind an offset.
func inlined(tp byte, small bool) bool {
	switch tp {
	case TypeLiteral, TypeInt16, TypeUint16:
		return true
	case TypeInt32, TypeUint32:
		return !small
	}
	return false
}

// decodeContainer decodes an object or array body. Layout:
//
//	count | size | key entries (objects) | value entries | keys | values
//
// Offsets are relative to the start of the body.
func decodeContainer(data []byte, small, isObject bool, depth int) (Value, error) {
	osz := offsetSize(small)
	if len(data) < 2*osz {
		return Value{}, decodeErr("truncated container header")
	}
	count := readOffset(data, small)
	size := readOffset(data[osz:], small)
	if size > len(data) {
		return Value{}, decodeErr("container size %d exceeds available %d bytes", size, len(data))
	}
	data = data[:size]

	keyEntrySize := osz + 2
	valueEntrySize := 1 + osz
	header := 2*osz + count*valueEntrySize
	if isObject {
		header += count * keyEntrySize
	}
	if header > size {
		return Value{}, decodeErr("container header %d exceeds size %d", header, size)
	}

	var keys []string
	if isObject {
		keys = make([]string, count)
		for i := 0; i < count; i++ {
			entry := 2*osz + i*keyEntrySize
			keyOffset := readOffset(data[entry:], small)
			keyLen := int(binary.LittleEndian.Uint16(data[entry+osz:]))
			if keyOffset < header || keyOffset+keyLen > size {
				return Value{}, decodeErr("key %d out of bounds (offset %d, length %d)", i, keyOffset, keyLen)
			}
			keys[i] = string(data[keyOffset : keyOffset+keyLen])
		}
	}

	values := make([]Value, count)
	for i := 0; i < count; i++ {
		entry := 2*osz + i*valueEntrySize
		if isObject {
			entry += count * keyEntrySize
		}
		tp := data[entry]
		var (
			v   Value
			err error
		)
		if inlined(tp, small) {
			v, err = decodeValue(tp, data[entry+1:entry+valueEntrySize], depth+1)
		} else {
			off := readOffset(data[entry+1:], small)
			if off < header || off >= size {
				return Value{}, decodeErr("value %d offset %d out of bounds", i, off)
			}
			v, err = decodeValue(tp, data[off:], depth+1)
		}
		if err != nil {
			return Value{}, err
		}
		values[i] = v
	}

	if !isObject {
		return Array(values...), nil
	}
	members := make([]Member, count)
	for i := range values {
		members[i] = Member{Key: keys[i], Value: values[i]}
	}
	return NewObject(members...), nil
}
