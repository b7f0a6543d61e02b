package binlog

import (
	"context"
	"encoding/binary"

	"github.com/klauspost/compress/zstd"

	"github.com/maxpert/binlogtap/common"
)

const (
	payloadFieldEnd              = 0
	payloadFieldSize             = 1
	payloadFieldCompression      = 2
	payloadFieldUncompressedSize = 3
)

// Compression codes of a TransactionPayload.
const (
	CompressionZstd uint64 = 0
	CompressionNone uint64 = 255
)

// payloadReader holds the zstd decoder, created on first use and reused
// for every payload of the session.
type payloadReader struct {
	zstd *zstd.Decoder
}

func (p *payloadReader) inflate(data []byte, sizeHint uint64) ([]byte, error) {
	if p.zstd == nil {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		p.zstd = dec
	}
	var dst []byte
	if sizeHint > 0 && sizeHint < 1<<30 {
		dst = make([]byte, 0, sizeHint)
	}
	return p.zstd.DecodeAll(data, dst)
}

// decodePayload unpacks a compressed transaction. Inner events carry no
// checksum; they take the LogPos of the enclosing event since they have no
// position of their own in the file.
func (d *Decoder) decodePayload(ctx context.Context, h EventHeader, body []byte) (*TransactionPayload, error) {
	c := newCursor(body)
	p := &TransactionPayload{}
	for {
		field := c.uint8()
		if c.err != nil {
			return nil, c.protocolErr("decode transaction payload")
		}
		if field == payloadFieldEnd {
			break
		}
		n := int(c.uint8())
		if n > 8 {
			return nil, common.Errorf(common.KindProtocol, "decode transaction payload", "field %d is %d bytes wide", field, n)
		}
		v := c.uintN(n)
		switch field {
		case payloadFieldSize:
			p.Size = v
		case payloadFieldCompression:
			p.Compression = v
		case payloadFieldUncompressedSize:
			p.UncompressedSize = v
		}
	}
	data := c.rest()

	switch p.Compression {
	case CompressionNone:
	case CompressionZstd:
		inflated, err := d.payloads.inflate(data, p.UncompressedSize)
		if err != nil {
			return nil, common.NewError(common.KindDecode, "inflate transaction payload", err)
		}
		data = inflated
	default:
		return nil, common.Errorf(common.KindDecode, "decode transaction payload", "compression type %d", p.Compression)
	}

	for off := 0; off < len(data); {
		if len(data)-off < HeaderSize {
			return nil, common.Errorf(common.KindProtocol, "decode transaction payload", "%d trailing bytes at offset %d", len(data)-off, off)
		}
		size := int(binary.LittleEndian.Uint32(data[off+9:]))
		if size < HeaderSize || off+size > len(data) {
			return nil, common.Errorf(common.KindProtocol, "decode transaction payload", "inner event of %d bytes at offset %d overruns %d", size, off, len(data))
		}
		raw := data[off : off+size]
		ih, err := DecodeHeader(raw)
		if err != nil {
			return nil, err
		}
		ih.LogPos = h.LogPos
		inner, err := d.decodeBody(ctx, ih, raw[HeaderSize:])
		if err != nil {
			return nil, err
		}
		p.Events = append(p.Events, inner)
		off += size
	}
	return p, nil
}
