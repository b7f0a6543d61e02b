package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"maps"
	"slices"
	"strings"

	"vitess.io/vitess/go/mysql"
)

const (
	AuthNativePassword     = "mysql_native_password"
	AuthCachingSha2        = "caching_sha2_password"
	defaultAuthPlugin      = AuthNativePassword
	classicProtocolVersion = 10
)

// Greeting is the server's initial Handshake v10 packet.
type Greeting struct {
	ProtocolVersion byte
	ServerVersion   string
	ConnectionID    uint32
	Salt            []byte
	Capabilities    uint32
	CharacterSet    byte
	StatusFlags     uint16
	AuthPlugin      string
}

// ParseGreeting parses a Handshake v10 packet.
//
// Reference: https://dev.mysql.com/doc/dev/mysql-server/latest/page_protocol_connection_phase_packets_protocol_handshake_v10.html
func ParseGreeting(data []byte) (*Greeting, error) {
	if len(data) > 0 && data[0] == errPacketHeader {
		return nil, ParseErrPacket(data)
	}

	g := &Greeting{}
	pos := 0
	var ok bool

	g.ProtocolVersion, pos, ok = readByte(data, pos)
	if !ok {
		return nil, fmt.Errorf("empty greeting")
	}
	if g.ProtocolVersion != classicProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version %d", g.ProtocolVersion)
	}

	if g.ServerVersion, pos, ok = readNullString(data, pos); !ok {
		return nil, fmt.Errorf("failed to read server version")
	}
	if g.ConnectionID, pos, ok = readUint32(data, pos); !ok {
		return nil, fmt.Errorf("failed to read connection id")
	}

	// first 8 bytes of the scramble plus a filler byte
	salt, pos, ok := readBytesCopy(data, pos, 8)
	if !ok {
		return nil, fmt.Errorf("failed to read auth plugin data")
	}
	g.Salt = salt
	pos++

	lower, pos, ok := readUint16(data, pos)
	if !ok {
		return nil, fmt.Errorf("failed to read capability flags")
	}
	g.Capabilities = uint32(lower)
	if g.Capabilities&mysql.CapabilityClientProtocol41 == 0 {
		return nil, fmt.Errorf("server does not support protocol 4.1")
	}

	if pos >= len(data) {
		g.AuthPlugin = defaultAuthPlugin
		return g, nil
	}

	g.CharacterSet, pos, _ = readByte(data, pos)
	if g.StatusFlags, pos, ok = readUint16(data, pos); !ok {
		return nil, fmt.Errorf("failed to read status flags")
	}
	upper, pos, ok := readUint16(data, pos)
	if !ok {
		return nil, fmt.Errorf("failed to read upper capability flags")
	}
	g.Capabilities |= uint32(upper) << 16

	authDataLen, pos, ok := readByte(data, pos)
	if !ok {
		return nil, fmt.Errorf("failed to read auth plugin data length")
	}
	// reserved
	pos += 10

	if g.Capabilities&mysql.CapabilityClientSecureConnection != 0 {
		rest := int(authDataLen) - 8
		if rest < 13 {
			rest = 13
		}
		// the trailing byte of part two is a NUL terminator
		part2, next, ok := readBytesCopy(data, pos, rest)
		if !ok {
			return nil, fmt.Errorf("failed to read auth plugin data part 2")
		}
		g.Salt = append(g.Salt, bytes.TrimRight(part2, "\x00")...)
		pos = next
	}

	g.AuthPlugin = defaultAuthPlugin
	if g.Capabilities&mysql.CapabilityClientPluginAuth != 0 && pos < len(data) {
		end := bytes.IndexByte(data[pos:], 0)
		if end < 0 {
			end = len(data) - pos
		}
		if name := string(data[pos : pos+end]); name != "" {
			g.AuthPlugin = name
		}
	}
	return g, nil
}

// ServerInfo describes the server a session is connected to.
type ServerInfo struct {
	Version      string `json:"version"`
	Flavor       string `json:"flavor"`
	ConnectionID uint32 `json:"connection_id"`
	AuthPlugin   string `json:"auth_plugin"`
	Capabilities uint32 `json:"capabilities"`
}

// Info summarises the greeting.
func (g *Greeting) Info() ServerInfo {
	flavor := "mysql"
	if strings.Contains(strings.ToLower(g.ServerVersion), "mariadb") {
		flavor = "mariadb"
	}
	return ServerInfo{
		Version:      g.ServerVersion,
		Flavor:       flavor,
		ConnectionID: g.ConnectionID,
		AuthPlugin:   g.AuthPlugin,
		Capabilities: g.Capabilities,
	}
}

// clientCapabilities is what the replica asks for; it is masked by what the
// server offers.
const clientCapabilities = mysql.CapabilityClientLongPassword |
	mysql.CapabilityClientLongFlag |
	mysql.CapabilityClientProtocol41 |
	mysql.CapabilityClientTransactions |
	mysql.CapabilityClientSecureConnection |
	mysql.CapabilityClientPluginAuth |
	mysql.CapabilityClientPluginAuthLenencClientData |
	mysql.CapabilityClientConnAttr

// HandshakeResponse holds the client side of the handshake.
type HandshakeResponse struct {
	User       string
	AuthData   []byte
	Database   string
	Collation  byte
	AuthPlugin string
	Attributes map[string]string
}

// BuildHandshakeResponse encodes a HandshakeResponse41 packet for g.
//
// Reference: https://dev.mysql.com/doc/dev/mysql-server/latest/page_protocol_connection_phase_packets_protocol_handshake_response.html
func BuildHandshakeResponse(g *Greeting, resp HandshakeResponse) []byte {
	caps := clientCapabilities & (g.Capabilities | mysql.CapabilityClientProtocol41)
	if resp.Database != "" {
		caps |= mysql.CapabilityClientConnectWithDB & g.Capabilities
	}

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, caps)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(MaxPayloadLen))
	buf.WriteByte(resp.Collation)
	buf.Write(make([]byte, 23))

	buf.WriteString(resp.User)
	buf.WriteByte(0)

	switch {
	case caps&mysql.CapabilityClientPluginAuthLenencClientData != 0:
		buf.Write(packLengthEncodedInt(uint64(len(resp.AuthData))))
		buf.Write(resp.AuthData)
	case caps&mysql.CapabilityClientSecureConnection != 0:
		buf.WriteByte(byte(len(resp.AuthData)))
		buf.Write(resp.AuthData)
	default:
		buf.Write(resp.AuthData)
		buf.WriteByte(0)
	}

	if caps&mysql.CapabilityClientConnectWithDB != 0 {
		buf.WriteString(resp.Database)
		buf.WriteByte(0)
	}
	if caps&mysql.CapabilityClientPluginAuth != 0 {
		buf.WriteString(resp.AuthPlugin)
		buf.WriteByte(0)
	}
	if caps&mysql.CapabilityClientConnAttr != 0 {
		var attrs bytes.Buffer
		for _, k := range slices.Sorted(maps.Keys(resp.Attributes)) {
			writeLenEncString(&attrs, k)
			writeLenEncString(&attrs, resp.Attributes[k])
		}
		buf.Write(packLengthEncodedInt(uint64(attrs.Len())))
		buf.Write(attrs.Bytes())
	}
	return buf.Bytes()
}

// collationIDs maps a character set to the default collation id sent in the
// handshake.
var collationIDs = map[string]byte{
	"big5":    1,
	"latin1":  8,
	"latin2":  9,
	"ascii":   11,
	"ujis":    12,
	"sjis":    13,
	"gbk":     28,
	"utf8":    33,
	"utf8mb3": 33,
	"ucs2":    35,
	"utf8mb4": 45,
	"utf16":   54,
	"utf32":   60,
	"binary":  63,
	"gb18030": 248,
}

// CollationID returns the handshake collation for charset, or false when
// the charset is not recognised.
func CollationID(charset string) (byte, bool) {
	id, ok := collationIDs[strings.ToLower(charset)]
	return id, ok
}

// readByte reads a single byte from data at pos.
// Returns the byte, new position, and success flag.
func readByte(data []byte, pos int) (byte, int, bool) {
	if pos >= len(data) {
		return 0, pos, false
	}
	return data[pos], pos + 1, true
}

func readUint16(data []byte, pos int) (uint16, int, bool) {
	if pos+2 > len(data) {
		return 0, pos, false
	}
	return binary.LittleEndian.Uint16(data[pos:]), pos + 2, true
}

// readUint32 reads a little-endian uint32 from data at pos.
func readUint32(data []byte, pos int) (uint32, int, bool) {
	if pos+4 > len(data) {
		return 0, pos, false
	}
	return binary.LittleEndian.Uint32(data[pos : pos+4]), pos + 4, true
}

// readNullString reads a null-terminated string from data at pos.
// Returns the string (without null terminator), new position, and success flag.
func readNullString(data []byte, pos int) (string, int, bool) {
	start := pos
	for pos < len(data) && data[pos] != 0 {
		pos++
	}
	if pos >= len(data) {
		return "", pos, false
	}
	return string(data[start:pos]), pos + 1, true
}

// readLenEncInt reads a MySQL length-encoded integer from data at pos.
//
// - If first byte < 0xFB: value is the byte itself
// - If first byte == 0xFC: value is next 2 bytes (little-endian)
// - If first byte == 0xFD: value is next 3 bytes (little-endian)
// - If first byte == 0xFE: value is next 8 bytes (little-endian)
func readLenEncInt(data []byte, pos int) (uint64, int, bool) {
	if pos >= len(data) {
		return 0, pos, false
	}

	switch data[pos] {
	case 0xFC:
		if pos+3 > len(data) {
			return 0, pos, false
		}
		return uint64(data[pos+1]) | uint64(data[pos+2])<<8, pos + 3, true
	case 0xFD:
		if pos+4 > len(data) {
			return 0, pos, false
		}
		return uint64(data[pos+1]) | uint64(data[pos+2])<<8 | uint64(data[pos+3])<<16, pos + 4, true
	case 0xFE:
		if pos+9 > len(data) {
			return 0, pos, false
		}
		return binary.LittleEndian.Uint64(data[pos+1 : pos+9]), pos + 9, true
	default:
		return uint64(data[pos]), pos + 1, true
	}
}

// readBytesCopy reads size bytes from data at pos and returns a copy.
func readBytesCopy(data []byte, pos int, size int) ([]byte, int, bool) {
	if size < 0 || pos+size > len(data) {
		return nil, pos, false
	}
	result := make([]byte, size)
	copy(result, data[pos:pos+size])
	return result, pos + size, true
}

// readLenEncString reads a length-encoded string from data at pos.
func readLenEncString(data []byte, pos int) (string, int, bool) {
	length, pos, ok := readLenEncInt(data, pos)
	if !ok {
		return "", pos, false
	}
	str, pos, ok := readBytesCopy(data, pos, int(length))
	if !ok {
		return "", pos, false
	}
	return string(str), pos, true
}

func packLengthEncodedInt(n uint64) []byte {
	if n < 251 {
		return []byte{byte(n)}
	}
	if n < 65536 {
		return []byte{0xFC, byte(n), byte(n >> 8)}
	}
	if n < 16777216 {
		return []byte{0xFD, byte(n), byte(n >> 8), byte(n >> 16)}
	}
	buf := make([]byte, 9)
	buf[0] = 0xFE
	binary.LittleEndian.PutUint64(buf[1:], n)
	return buf
}

func writeLenEncString(buf *bytes.Buffer, s string) {
	buf.Write(packLengthEncodedInt(uint64(len(s))))
	buf.WriteString(s)
}
