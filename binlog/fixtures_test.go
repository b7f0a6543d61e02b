package binlog

import (
	"encoding/binary"
	"hash/crc32"
)

const testServerVersion = "8.0.36"

// postHeaders mirrors what an 8.0 server announces.
func postHeaders() []byte {
	ph := make([]byte, int(EventGTIDTagged))
	ph[EventQuery-1] = 13
	ph[EventRotate-1] = 8
	ph[EventFormatDescription-1] = 98
	ph[EventXid-1] = 0
	ph[EventTableMap-1] = 8
	ph[EventWriteRowsV1-1] = 8
	ph[EventUpdateRowsV1-1] = 8
	ph[EventDeleteRowsV1-1] = 8
	ph[EventWriteRowsV2-1] = 10
	ph[EventUpdateRowsV2-1] = 10
	ph[EventDeleteRowsV2-1] = 10
	ph[EventGTID-1] = 42
	ph[EventAnonymousGTID-1] = 42
	ph[EventTransactionPayload-1] = 40
	return ph
}

// rawEvent frames body with a header and, when crc is set, a valid trailer.
func rawEvent(t EventType, logPos uint32, body []byte, crc bool) []byte {
	size := HeaderSize + len(body)
	if crc {
		size += checksumSize
	}
	h := EventHeader{
		Timestamp: 1700000000,
		Type:      t,
		ServerID:  1,
		EventSize: uint32(size),
		LogPos:    logPos,
	}
	raw := append(h.Encode(), body...)
	if crc {
		raw = binary.LittleEndian.AppendUint32(raw, crc32.ChecksumIEEE(raw))
	}
	return raw
}

// formatEvent builds a FormatDescription announcing alg.
func formatEvent(alg ChecksumAlgorithm) []byte {
	body := binary.LittleEndian.AppendUint16(nil, 4)
	version := make([]byte, serverVersionLength)
	copy(version, testServerVersion)
	body = append(body, version...)
	body = binary.LittleEndian.AppendUint32(body, 0)
	body = append(body, HeaderSize)
	body = append(body, postHeaders()...)
	body = append(body, byte(alg))
	if alg == ChecksumCRC32 {
		return rawEvent(EventFormatDescription, 126, body, true)
	}
	body = append(body, 0, 0, 0, 0)
	return rawEvent(EventFormatDescription, 126, body, false)
}

func lenEnc(n int) []byte {
	return []byte{byte(n)}
}

func cstr(s string) []byte {
	b := append([]byte{byte(len(s))}, s...)
	return append(b, 0)
}

func tableID(id uint64) []byte {
	b := binary.LittleEndian.AppendUint64(nil, id)
	return b[:6]
}

type testColumn struct {
	name     string
	tp       ColumnType
	meta     []byte
	nullable bool
}

// tableMapBody encodes a TableMap, with column names when names is set.
func tableMapBody(id uint64, schema, table string, cols []testColumn, names bool) []byte {
	body := tableID(id)
	body = append(body, 1, 0)
	body = append(body, cstr(schema)...)
	body = append(body, cstr(table)...)
	body = append(body, lenEnc(len(cols))...)
	var meta []byte
	for _, c := range cols {
		body = append(body, byte(c.tp))
		meta = append(meta, c.meta...)
	}
	body = append(body, lenEnc(len(meta))...)
	body = append(body, meta...)
	nulls := make([]byte, bitmapSize(len(cols)))
	for i, c := range cols {
		if c.nullable {
			nulls[i/8] |= 1 << (i % 8)
		}
	}
	body = append(body, nulls...)
	if names {
		var tlv []byte
		for _, c := range cols {
			tlv = append(tlv, byte(len(c.name)))
			tlv = append(tlv, c.name...)
		}
		body = append(body, metaColumnName)
		body = append(body, lenEnc(len(tlv))...)
		body = append(body, tlv...)
	}
	return body
}

// rowsBody encodes a v2 rows event whose every column is present.
func rowsBody(id uint64, columns int, images ...[]byte) []byte {
	body := tableID(id)
	body = append(body, 1, 0)
	body = append(body, 2, 0)
	body = append(body, lenEnc(columns)...)
	present := make([]byte, bitmapSize(columns))
	for i := 0; i < columns; i++ {
		present[i/8] |= 1 << (i % 8)
	}
	body = append(body, present...)
	for _, img := range images {
		body = append(body, img...)
	}
	return body
}

func updateRowsBody(id uint64, columns int, images ...[]byte) []byte {
	body := rowsBody(id, columns)
	present := body[len(body)-bitmapSize(columns):]
	body = append(body, present...)
	for _, img := range images {
		body = append(body, img...)
	}
	return body
}

func queryBody(schema, sql string) []byte {
	body := binary.LittleEndian.AppendUint32(nil, 9)
	body = binary.LittleEndian.AppendUint32(body, 0)
	body = append(body, byte(len(schema)))
	body = append(body, 0, 0)
	body = append(body, 0, 0)
	body = append(body, schema...)
	body = append(body, 0)
	return append(body, sql...)
}
