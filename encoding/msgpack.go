// Package encoding provides the msgpack serialization shared by the checkpoint
// store and the publisher log. Every persisted record goes through Marshal and
// Unmarshal so both sides agree on the wire shape.
//
// Marshal and Unmarshal are safe for concurrent use.
//
// When decoding into interface{}, msgpack strings come back as Go strings and
// not []byte. Row values stored in the publisher log rely on this so a VARCHAR
// key read back from disk compares equal to the one that was written.
package encoding

import (
	"bytes"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Marshal encodes a value to msgpack format. Struct fields are keyed by their
// msgpack tag, falling back to the json tag.
func Marshal(v interface{}) ([]byte, error) {
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)

	enc := msgpack.NewEncoder(buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// Unmarshal decodes msgpack data using loose interface decoding, so binary
// values decoded into interface{} become strings.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}
