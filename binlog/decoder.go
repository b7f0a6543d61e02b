package binlog

import (
	"context"
	"encoding/binary"
	"hash/crc32"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
	"vitess.io/vitess/go/vt/sqlparser"

	"github.com/maxpert/binlogtap/common"
	"github.com/maxpert/binlogtap/position"
)

// ChecksumAlgorithm is the trailer appended to each event.
type ChecksumAlgorithm byte

const (
	ChecksumOff       ChecksumAlgorithm = 0
	ChecksumCRC32     ChecksumAlgorithm = 1
	ChecksumUndefined ChecksumAlgorithm = 255
)

func (a ChecksumAlgorithm) String() string {
	switch a {
	case ChecksumOff:
		return "NONE"
	case ChecksumCRC32:
		return "CRC32"
	}
	return "UNDEFINED"
}

const (
	checksumSize = 4
	// 5.6.1 is the first server version whose format description ends with
	// the checksum algorithm.
	checksumVersionProduct = 5<<16 | 6<<8 | 1

	metaSignedness           = 1
	metaColumnName           = 4
	metaSimplePrimaryKey     = 8
	metaPrimaryKeyWithPrefix = 9

	serverVersionLength = 50
	queryPostHeaderSize = 13
)

// Tables resolves table ids for the rows events that follow a TableMap.
type Tables interface {
	// Observe records a TableMap and returns the entry rows events should
	// use, which may carry metadata the binlog omitted.
	Observe(ctx context.Context, tm *TableMap) (*TableMap, error)
	Lookup(tableID uint64) (*TableMap, bool)
}

// memoryTables is the unbounded fallback when no cache is supplied.
type memoryTables map[uint64]*TableMap

func (m memoryTables) Observe(_ context.Context, tm *TableMap) (*TableMap, error) {
	m[tm.TableID] = tm
	return tm, nil
}

func (m memoryTables) Lookup(tableID uint64) (*TableMap, bool) {
	tm, ok := m[tableID]
	return tm, ok
}

// DecoderOption tunes a Decoder.
type DecoderOption func(*Decoder)

// WithChecksum sets the algorithm negotiated at connect time. It applies
// until the first FormatDescription.
func WithChecksum(alg ChecksumAlgorithm) DecoderOption {
	return func(d *Decoder) { d.checksum = alg }
}

// WithoutChecksumVerification strips trailers without checking them.
func WithoutChecksumVerification() DecoderOption {
	return func(d *Decoder) { d.verify = false }
}

// Decoder turns raw events of one session into typed Events. It keeps the
// session's FormatDescription and transaction boundary state, so a fresh
// Decoder is needed per connection. Not safe for concurrent use.
type Decoder struct {
	tables   Tables
	checksum ChecksumAlgorithm
	verify   bool
	format   *FormatDescription
	inTx     bool
	parser   *sqlparser.Parser
	payloads *payloadReader
}

// NewDecoder builds a Decoder resolving table ids through tables. A nil
// tables keeps every TableMap in memory.
func NewDecoder(tables Tables, opts ...DecoderOption) (*Decoder, error) {
	if tables == nil {
		tables = memoryTables{}
	}
	parser, err := sqlparser.New(sqlparser.Options{})
	if err != nil {
		return nil, common.NewError(common.KindConfiguration, "new decoder", err)
	}
	d := &Decoder{
		tables:   tables,
		checksum: ChecksumOff,
		verify:   true,
		parser:   parser,
		payloads: &payloadReader{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Format returns the FormatDescription in effect, or nil before one arrives.
func (d *Decoder) Format() *FormatDescription {
	return d.format
}

// InTransaction reports whether a BEGIN has been seen without its commit.
func (d *Decoder) InTransaction() bool {
	return d.inTx
}

// Decode parses one raw event: the 19-byte header followed by the body and
// checksum trailer, exactly as it arrives after the packet's OK byte.
func (d *Decoder) Decode(ctx context.Context, raw []byte) (*Event, error) {
	h, err := DecodeHeader(raw)
	if err != nil {
		return nil, err
	}
	if int(h.EventSize) != len(raw) {
		return nil, common.Errorf(common.KindProtocol, "decode event", "%s declares %d bytes, have %d", h.Type, h.EventSize, len(raw))
	}

	if h.Type == EventFormatDescription {
		fd, err := d.decodeFormat(raw)
		if err != nil {
			return nil, err
		}
		d.format = fd
		d.checksum = fd.ChecksumAlgorithm
		return &Event{Header: h, Payload: fd}, nil
	}

	if d.format == nil {
		switch h.Type {
		case EventRotate, EventHeartbeat, EventHeartbeatV2:
		default:
			return nil, common.Errorf(common.KindProtocol, "decode event", "%s before format description", h.Type)
		}
	}

	body := raw[HeaderSize:]
	if d.checksum == ChecksumCRC32 {
		if err := d.checkTrailer(raw); err != nil {
			return nil, err
		}
		body = body[:len(body)-checksumSize]
	}
	return d.decodeBody(ctx, h, body)
}

func (d *Decoder) checkTrailer(raw []byte) error {
	if len(raw) < HeaderSize+checksumSize {
		return common.Errorf(common.KindProtocol, "verify checksum", "event of %d bytes has no room for a checksum", len(raw))
	}
	if !d.verify {
		return nil
	}
	n := len(raw) - checksumSize
	want := binary.LittleEndian.Uint32(raw[n:])
	if got := crc32.ChecksumIEEE(raw[:n]); got != want {
		return common.Errorf(common.KindProtocol, "verify checksum", "crc32 mismatch: computed %08x, event carries %08x", got, want)
	}
	return nil
}

// decodeBody decodes a body whose trailer has already been removed.
func (d *Decoder) decodeBody(ctx context.Context, h EventHeader, body []byte) (*Event, error) {
	ev := &Event{Header: h}
	var err error

	switch {
	case h.Type == EventRotate:
		ev.Payload, err = decodeRotate(body)
	case h.Type == EventQuery:
		var q *Query
		q, err = d.decodeQuery(body)
		if err == nil {
			ev.Payload = q
			ev.EndsTransaction = d.observeStatement(q.Statement)
		}
	case h.Type == EventTableMap:
		var tm *TableMap
		tm, err = d.decodeTableMap(body)
		if err == nil {
			tm, err = d.tables.Observe(ctx, tm)
			ev.Payload = tm
		}
	case isRowsEvent(h.Type):
		ev.Payload, err = d.decodeRows(h.Type, body)
	case h.Type == EventXid:
		ev.Payload, err = decodeXid(body)
		ev.EndsTransaction = true
		d.inTx = false
	case h.Type == EventGTID:
		var g *GTID
		g, err = decodeGTID(body)
		ev.Payload = g
	case h.Type == EventAnonymousGTID:
		var g *GTID
		g, err = decodeGTID(body)
		if err == nil {
			ev.Payload = &AnonymousGTID{GTID: *g}
		}
	case h.Type == EventPreviousGTIDs:
		var set position.GTIDSet
		set, err = position.DecodeGTIDSet(body)
		if err != nil {
			err = common.NewError(common.KindProtocol, "decode previous gtids", err)
		}
		ev.Payload = &PreviousGTIDs{Set: set}
	case h.Type == EventHeartbeat:
		ev.Payload = &Heartbeat{File: string(body)}
	case h.Type == EventHeartbeatV2:
		ev.Payload, err = decodeHeartbeatV2(body)
	case h.Type == EventRowsQuery:
		ev.Payload = decodeRowsQuery(body)
	case h.Type == EventTransactionPayload:
		var p *TransactionPayload
		p, err = d.decodePayload(ctx, h, body)
		if err == nil {
			ev.Payload = p
			for _, inner := range p.Events {
				ev.EndsTransaction = ev.EndsTransaction || inner.EndsTransaction
			}
		}
	default:
		raw := make([]byte, len(body))
		copy(raw, body)
		ev.Payload = &Unknown{Type: h.Type, Raw: raw}
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// observeStatement advances the transaction state for a Query event and
// reports whether it closes a transaction.
func (d *Decoder) observeStatement(kind StatementKind) bool {
	switch kind {
	case StatementBegin:
		d.inTx = true
		return false
	case StatementCommit, StatementRollback, StatementDDL:
		d.inTx = false
		return true
	}
	return !d.inTx
}

func (d *Decoder) postHeaderLength(t EventType) int {
	if d.format == nil || int(t) < 1 || int(t) > len(d.format.PostHeaderLengths) {
		return -1
	}
	return int(d.format.PostHeaderLengths[t-1])
}

// tableIDSize is 4 on servers whose post-header for t is 6 bytes long.
func (d *Decoder) tableIDSize(t EventType) int {
	if d.postHeaderLength(t) == 6 {
		return 4
	}
	return 6
}

func (d *Decoder) decodeFormat(raw []byte) (*FormatDescription, error) {
	c := newCursor(raw[HeaderSize:])
	fd := &FormatDescription{
		Version:       c.uint16(),
		ServerVersion: strings.TrimRight(string(c.bytes(serverVersionLength)), "\x00"),
	}
	fd.CreateTimestamp = c.uint32()
	fd.HeaderLength = c.uint8()
	rest := c.rest()
	if c.err != nil {
		return nil, c.protocolErr("decode format description")
	}

	fd.ChecksumAlgorithm = ChecksumOff
	if versionProduct(fd.ServerVersion) >= checksumVersionProduct {
		if len(rest) < 1+checksumSize {
			return nil, common.Errorf(common.KindProtocol, "decode format description", "no room for checksum algorithm in %d bytes", len(rest))
		}
		fd.ChecksumAlgorithm = ChecksumAlgorithm(rest[len(rest)-1-checksumSize])
		rest = rest[:len(rest)-1-checksumSize]
	}
	fd.PostHeaderLengths = append([]byte(nil), rest...)

	if fd.ChecksumAlgorithm == ChecksumCRC32 {
		if err := d.checkTrailer(raw); err != nil {
			return nil, err
		}
	}
	return fd, nil
}

// versionProduct folds "major.minor.patch-suffix" into one comparable int.
func versionProduct(v string) int {
	parts := strings.SplitN(v, ".", 3)
	product := 0
	for i := 0; i < 3; i++ {
		n := 0
		if i < len(parts) {
			digits := parts[i]
			end := 0
			for end < len(digits) && digits[end] >= '0' && digits[end] <= '9' {
				end++
			}
			n, _ = strconv.Atoi(digits[:end])
		}
		product = product<<8 | n
	}
	return product
}

func decodeRotate(body []byte) (*Rotate, error) {
	c := newCursor(body)
	r := &Rotate{Position: c.uint64()}
	r.NextFile = string(c.rest())
	if c.err != nil {
		return nil, c.protocolErr("decode rotate")
	}
	return r, nil
}

func decodeXid(body []byte) (*Xid, error) {
	c := newCursor(body)
	x := &Xid{XID: c.uint64()}
	if c.err != nil {
		return nil, c.protocolErr("decode xid")
	}
	return x, nil
}

func decodeRowsQuery(body []byte) *RowsQuery {
	// the leading length byte is truncated to 255; the text runs to the end
	if len(body) == 0 {
		return &RowsQuery{}
	}
	return &RowsQuery{SQL: string(body[1:])}
}

func decodeHeartbeatV2(body []byte) (*Heartbeat, error) {
	c := newCursor(body)
	hb := &Heartbeat{}
	for c.remaining() > 0 {
		field := c.uint8()
		value := c.lenEncBytes()
		if c.err != nil {
			return nil, c.protocolErr("decode heartbeat")
		}
		switch field {
		case 0:
			hb.File = string(value)
		case 1:
			hb.Position = newCursor(value).lenEncInt()
		}
	}
	return hb, nil
}

func decodeGTID(body []byte) (*GTID, error) {
	c := newCursor(body)
	g := &GTID{Flags: c.uint8()}
	sid := c.bytes(16)
	gno := c.uint64()
	if c.err != nil {
		return nil, c.protocolErr("decode gtid")
	}
	copy(g.GTID.SID[:], sid)
	g.GTID.GNO = gno

	// logical clock, present since 5.7
	if c.remaining() >= 17 && c.data[c.pos] == 2 {
		c.skip(1)
		g.LastCommitted = int64(c.uint64())
		g.SequenceNumber = int64(c.uint64())
		if c.remaining() >= 7 {
			// the top bit flags a trailing original commit timestamp
			ts := c.uintN(7) &^ (1 << 55)
			g.CommitTime = time.UnixMicro(int64(ts)).UTC()
		}
	}
	return g, nil
}

func (d *Decoder) decodeQuery(body []byte) (*Query, error) {
	c := newCursor(body)
	q := &Query{
		ThreadID:      c.uint32(),
		ExecutionTime: c.uint32(),
	}
	schemaLen := int(c.uint8())
	q.ErrorCode = c.uint16()
	statusLen := int(c.uint16())
	if extra := d.postHeaderLength(EventQuery) - queryPostHeaderSize; extra > 0 {
		c.skip(extra)
	}
	c.skip(statusLen)
	q.Schema = string(c.bytes(schemaLen))
	c.skip(1)
	q.SQL = string(c.rest())
	if c.err != nil {
		return nil, c.protocolErr("decode query")
	}
	d.classify(q)
	return q, nil
}

func (d *Decoder) classify(q *Query) {
	switch sqlparser.Preview(q.SQL) {
	case sqlparser.StmtBegin:
		q.Statement = StatementBegin
	case sqlparser.StmtCommit:
		q.Statement = StatementCommit
	case sqlparser.StmtRollback:
		q.Statement = StatementRollback
	case sqlparser.StmtDDL:
		q.Statement = StatementDDL
		q.Tables = d.ddlTables(q)
	case sqlparser.StmtInsert, sqlparser.StmtReplace, sqlparser.StmtUpdate, sqlparser.StmtDelete:
		q.Statement = StatementDML
	}
}

func (d *Decoder) ddlTables(q *Query) []TableName {
	stmt, err := d.parser.Parse(q.SQL)
	if err != nil {
		log.Debug().Err(err).Str("sql", q.SQL).Msg("DDL not parsed; affected tables unknown")
		return nil
	}
	ddl, ok := stmt.(sqlparser.DDLStatement)
	if !ok {
		return nil
	}
	var out []TableName
	for _, t := range ddl.AffectedTables() {
		schema := t.Qualifier.String()
		if schema == "" {
			schema = q.Schema
		}
		out = append(out, TableName{Schema: schema, Table: t.Name.String()})
	}
	return out
}

func (d *Decoder) decodeTableMap(body []byte) (*TableMap, error) {
	c := newCursor(body)
	tm := &TableMap{TableID: c.uintN(d.tableIDSize(EventTableMap))}
	tm.Flags = c.uint16()
	tm.Schema = string(c.bytes(int(c.uint8())))
	c.skip(1)
	tm.Table = string(c.bytes(int(c.uint8())))
	c.skip(1)
	count := c.lenEncInt()
	if c.err == nil && count > uint64(c.remaining()) {
		return nil, common.Errorf(common.KindProtocol, "decode table map", "%d columns in %d bytes", count, c.remaining())
	}
	n := int(count)
	types := c.bytes(n)
	metaBlock := c.lenEncBytes()
	nullable := c.bytes(bitmapSize(n))
	if c.err != nil {
		return nil, c.protocolErr("decode table map")
	}

	colTypes := make([]ColumnType, n)
	for i, t := range types {
		colTypes[i] = ColumnType(t)
	}
	metas, err := readMeta(metaBlock, colTypes)
	if err != nil {
		return nil, common.NewError(common.KindProtocol, "decode table map", err)
	}
	tm.Columns = make([]Column, n)
	for i := range tm.Columns {
		tm.Columns[i] = Column{
			Type:     colTypes[i],
			Meta:     metas[i],
			Nullable: bitSet(nullable, i),
		}
	}

	for c.remaining() > 0 {
		field := c.uint8()
		value := c.lenEncBytes()
		if c.err != nil {
			return nil, c.protocolErr("decode table map metadata")
		}
		switch field {
		case metaSignedness:
			tm.HasSignedness = applySignedness(tm.Columns, value)
		case metaColumnName:
			names, err := readColumnNames(value, n)
			if err != nil {
				return nil, err
			}
			for i, name := range names {
				tm.Columns[i].Name = name
			}
			tm.HasNames = true
		case metaSimplePrimaryKey, metaPrimaryKeyWithPrefix:
			if err := applyPrimaryKey(tm.Columns, value, field == metaPrimaryKeyWithPrefix); err != nil {
				return nil, err
			}
			tm.HasPrimaryKey = true
		}
	}
	tm.Signature = Signature(tm.Columns)
	return tm, nil
}

// applySignedness walks the bitmap, one bit per numeric column, most
// significant bit first.
func applySignedness(cols []Column, bitmap []byte) bool {
	bit := 0
	for i := range cols {
		if !cols[i].Type.IsNumeric() {
			continue
		}
		if bit/8 >= len(bitmap) {
			return false
		}
		cols[i].Unsigned = bitmap[bit/8]&(0x80>>(bit%8)) != 0
		bit++
	}
	return true
}

// applyPrimaryKey marks the listed column indexes; the prefixed form pairs
// each index with a prefix length.
func applyPrimaryKey(cols []Column, data []byte, prefixed bool) error {
	c := newCursor(data)
	for c.remaining() > 0 {
		idx := c.lenEncInt()
		if prefixed {
			c.lenEncInt()
		}
		if c.err != nil {
			return c.protocolErr("decode primary key")
		}
		if idx >= uint64(len(cols)) {
			return common.Errorf(common.KindProtocol, "decode primary key", "column index %d of %d", idx, len(cols))
		}
		cols[idx].PrimaryKey = true
	}
	return nil
}

func readColumnNames(data []byte, n int) ([]string, error) {
	c := newCursor(data)
	names := make([]string, 0, n)
	for c.remaining() > 0 && len(names) < n {
		names = append(names, string(c.lenEncBytes()))
	}
	if c.err != nil {
		return nil, c.protocolErr("decode column names")
	}
	if len(names) != n {
		return nil, common.Errorf(common.KindProtocol, "decode column names", "%d names for %d columns", len(names), n)
	}
	return names, nil
}

// Signature hashes a column layout: names, types, metadata and signedness
// in order.
func Signature(cols []Column) uint64 {
	h := xxhash.New()
	var buf [4]byte
	for _, col := range cols {
		_, _ = h.WriteString(col.Name)
		buf[0] = byte(col.Type)
		binary.LittleEndian.PutUint16(buf[1:], col.Meta)
		buf[3] = 0
		if col.Unsigned {
			buf[3] = 1
		}
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}
