// Package jsonb decodes MySQL's binary JSON column format into an ordered
// value tree, and encodes trees back into the same format.
package jsonb

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math"
	"strconv"

	"github.com/segmentio/encoding/json"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindUint
	KindDouble
	KindString
	KindArray
	KindObject
	// KindOpaque carries a MySQL typed value (DECIMAL, DATETIME, ...) that
	// JSON has no native form for.
	KindOpaque
)

var kindNames = [...]string{"null", "bool", "int", "uint", "double", "string", "array", "object", "opaque"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Object is a JSON object that keeps keys in encoded order.
type Object = orderedmap.OrderedMap[string, Value]

// Value is one node of a JSON document.
type Value struct {
	Kind   Kind
	Bool   bool
	Int    int64
	Uint   uint64
	Double float64
	String string
	Array  []Value
	Object *Object
	// OpaqueType is the MySQL column type code of an opaque value.
	OpaqueType byte
	Opaque     []byte
}

// Member is a key/value pair used to build objects in order.
type Member struct {
	Key   string
	Value Value
}

func Null() Value { return Value{Kind: KindNull} }
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }
func Int(i int64) Value { return Value{Kind: KindInt, Int: i} }
func Uint(u uint64) Value { return Value{Kind: KindUint, Uint: u} }
func Double(f float64) Value { return Value{Kind: KindDouble, Double: f} }
func String(s string) Value { return Value{Kind: KindString, String: s} }
func Array(vs ...Value) Value { return Value{Kind: KindArray, Array: vs} }
func Opaque(tp byte, data []byte) Value {
	return Value{Kind: KindOpaque, OpaqueType: tp, Opaque: data}
}

// NewObject builds an object holding members in the given order. Later
// duplicates overwrite the value but keep the first position.
func NewObject(members ...Member) Value {
	m := orderedmap.New[string, Value]()
	for _, mem := range members {
		m.Set(mem.Key, mem.Value)
	}
	return Value{Kind: KindObject, Object: m}
}

// Len returns the element count of an array or object, zero otherwise.
func (v Value) Len() int {
	switch v.Kind {
	case KindArray:
		return len(v.Array)
	case KindObject:
		if v.Object == nil {
			return 0
		}
		return v.Object.Len()
	}
	return 0
}

// Keys returns object keys in document order.
func (v Value) Keys() []string {
	if v.Kind != KindObject || v.Object == nil {
		return nil
	}
	keys := make([]string, 0, v.Object.Len())
	for pair := v.Object.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Get looks up an object member.
func (v Value) Get(key string) (Value, bool) {
	if v.Kind != KindObject || v.Object == nil {
		return Value{}, false
	}
	return v.Object.Get(key)
}

// Equal reports structural equality, including object key order.
func Equal(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindNull:
		return true
	case KindBool:
		return a.Bool == b.Bool
	case KindInt:
		return a.Int == b.Int
	case KindUint:
		return a.Uint == b.Uint
	case KindDouble:
		return a.Double == b.Double || (math.IsNaN(a.Double) && math.IsNaN(b.Double))
	case KindString:
		return a.String == b.String
	case KindOpaque:
		return a.OpaqueType == b.OpaqueType && bytes.Equal(a.Opaque, b.Opaque)
	case KindArray:
		if len(a.Array) != len(b.Array) {
			return false
		}
		for i := range a.Array {
			if !Equal(a.Array[i], b.Array[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if a.Len() != b.Len() {
			return false
		}
		if a.Len() == 0 {
			return true
		}
		pa, pb := a.Object.Oldest(), b.Object.Oldest()
		for pa != nil && pb != nil {
			if pa.Key != pb.Key || !Equal(pa.Value, pb.Value) {
				return false
			}
			pa, pb = pa.Next(), pb.Next()
		}
		return pa == nil && pb == nil
	}
	return false
}

// Interface converts the tree to plain Go values. Objects become
// *Object so key order survives; opaque values become their MySQL text
// form "base64:typeNN:...".
func (v Value) Interface() interface{} {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int
	case KindUint:
		return v.Uint
	case KindDouble:
		return v.Double
	case KindString:
		return v.String
	case KindArray:
		out := make([]interface{}, len(v.Array))
		for i := range v.Array {
			out[i] = v.Array[i].Interface()
		}
		return out
	case KindObject:
		return v.Object
	case KindOpaque:
		return opaqueText(v)
	}
	return nil
}

func opaqueText(v Value) string {
	return fmt.Sprintf("base64:type%d:%s", v.OpaqueType, base64.StdEncoding.EncodeToString(v.Opaque))
}

// MarshalJSON renders the document as JSON text, preserving key order.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.appendJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) appendJSON(buf *bytes.Buffer) error {
	switch v.Kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.Bool))
	case KindInt:
		buf.WriteString(strconv.FormatInt(v.Int, 10))
	case KindUint:
		buf.WriteString(strconv.FormatUint(v.Uint, 10))
	case KindDouble, KindString:
		b, err := json.Marshal(v.Interface())
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindOpaque:
		b, err := json.Marshal(opaqueText(v))
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindArray:
		buf.WriteByte('[')
		for i := range v.Array {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := v.Array[i].appendJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		buf.WriteByte('{')
		if v.Object != nil {
			first := true
			for pair := v.Object.Oldest(); pair != nil; pair = pair.Next() {
				if !first {
					buf.WriteByte(',')
				}
				first = false
				key, err := json.Marshal(pair.Key)
				if err != nil {
					return err
				}
				buf.Write(key)
				buf.WriteByte(':')
				if err := pair.Value.appendJSON(buf); err != nil {
					return err
				}
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("jsonb: cannot marshal %s", v.Kind)
	}
	return nil
}
