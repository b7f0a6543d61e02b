package jsonb

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encode serialises v into the binary JSON format, choosing the small
// container layout whenever the container fits in 64KiB.
func Encode(v Value) ([]byte, error) {
	tp, body, err := encodeValue(v)
	if err != nil {
		return nil, err
	}
	return append([]byte{tp}, body...), nil
}

func encodeValue(v Value) (byte, []byte, error) {
	switch v.Kind {
	case KindNull:
		return TypeLiteral, []byte{literalNull}, nil
	case KindBool:
		if v.Bool {
			return TypeLiteral, []byte{literalTrue}, nil
		}
		return TypeLiteral, []byte{literalFalse}, nil
	case KindInt:
		switch {
		case v.Int >= math.MinInt16 && v.Int <= math.MaxInt16:
			return TypeInt16, binary.LittleEndian.AppendUint16(nil, uint16(int16(v.Int))), nil
		case v.Int >= math.MinInt32 && v.Int <= math.MaxInt32:
			return TypeInt32, binary.LittleEndian.AppendUint32(nil, uint32(int32(v.Int))), nil
		}
		return TypeInt64, binary.LittleEndian.AppendUint64(nil, uint64(v.Int)), nil
	case KindUint:
		switch {
		case v.Uint <= math.MaxUint16:
			return TypeUint16, binary.LittleEndian.AppendUint16(nil, uint16(v.Uint)), nil
		case v.Uint <= math.MaxUint32:
			return TypeUint32, binary.LittleEndian.AppendUint32(nil, uint32(v.Uint)), nil
		}
		return TypeUint64, binary.LittleEndian.AppendUint64(nil, v.Uint), nil
	case KindDouble:
		return TypeDouble, binary.LittleEndian.AppendUint64(nil, math.Float64bits(v.Double)), nil
	case KindString:
		return TypeString, append(appendVarLen(nil, len(v.String)), v.String...), nil
	case KindOpaque:
		body := append([]byte{v.OpaqueType}, appendVarLen(nil, len(v.Opaque))...)
		return TypeOpaque, append(body, v.Opaque...), nil
	case KindArray:
		return encodeContainer(nil, v.Array, false)
	case KindObject:
		var (
			keys   []string
			values []Value
		)
		if v.Object != nil {
			for pair := v.Object.Oldest(); pair != nil; pair = pair.Next() {
				if len(pair.Key) > math.MaxUint16 {
					return 0, nil, fmt.Errorf("jsonb: key of %d bytes is too long", len(pair.Key))
				}
				keys = append(keys, pair.Key)
				values = append(values, pair.Value)
			}
		}
		return encodeContainer(keys, values, true)
	}
	return 0, nil, fmt.Errorf("jsonb: cannot encode %s", v.Kind)
}

func encodeContainer(keys []string, values []Value, isObject bool) (byte, []byte, error) {
	body, ok, err := buildContainer(keys, values, isObject, true)
	if err != nil {
		return 0, nil, err
	}
	small := ok
	if !ok {
		body, _, err = buildContainer(keys, values, isObject, false)
		if err != nil {
			return 0, nil, err
		}
	}
	switch {
	case isObject && small:
		return TypeSmallObject, body, nil
	case isObject:
		return TypeLargeObject, body, nil
	case small:
		return TypeSmallArray, body, nil
	}
	return TypeLargeArray, body, nil
}

// buildContainer lays out a container body. ok is false when the small
// layout was requested but the body does not fit 16-bit offsets.
func buildContainer(keys []string, values []Value, isObject, small bool) ([]byte, bool, error) {
	osz := offsetSize(small)
	count := len(values)
	keyEntrySize := osz + 2
	valueEntrySize := 1 + osz

	header := 2*osz + count*valueEntrySize
	if isObject {
		header += count * keyEntrySize
	}
	buf := make([]byte, header)
	putOffset(buf, small, count)

	if isObject {
		for i, k := range keys {
			entry := 2*osz + i*keyEntrySize
			putOffset(buf[entry:], small, len(buf))
			binary.LittleEndian.PutUint16(buf[entry+osz:], uint16(len(k)))
			buf = append(buf, k...)
		}
	}

	for i, v := range values {
		entry := 2*osz + i*valueEntrySize
		if isObject {
			entry += count * keyEntrySize
		}
		tp, inner, err := encodeValue(v)
		if err != nil {
			return nil, false, err
		}
		buf[entry] = tp
		if inlined(tp, small) {
			copy(buf[entry+1:entry+valueEntrySize], inner)
			continue
		}
		putOffset(buf[entry+1:], small, len(buf))
		buf = append(buf, inner...)
	}

	if small && len(buf) > math.MaxUint16 {
		return nil, false, nil
	}
	putOffset(buf[osz:], small, len(buf))
	return buf, true, nil
}

func putOffset(dst []byte, small bool, v int) {
	if small {
		binary.LittleEndian.PutUint16(dst, uint16(v))
		return
	}
	binary.LittleEndian.PutUint32(dst, uint32(v))
}

func appendVarLen(dst []byte, n int) []byte {
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}
