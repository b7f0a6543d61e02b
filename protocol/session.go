package protocol

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"vitess.io/vitess/go/mysql"

	"github.com/maxpert/binlogtap/common"
	"github.com/maxpert/binlogtap/position"
)

const (
	cachingSha2RequestPKey byte = 0x02
	cachingSha2FastAuthOK  byte = 0x03
	cachingSha2FullAuth    byte = 0x04
)

const (
	defaultCharset        = "utf8mb4"
	defaultConnectTimeout = 10 * time.Second
	maxAuthRoundTrips     = 8
	clientName            = "binlogtap"
)

// Options configures a replication session.
type Options struct {
	Address        string
	User           string
	Password       string
	Charset        string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// Session is an authenticated connection to the source server. After
// Dump or DumpGTID succeeds the session is in streaming mode and only
// ReadEvent may be used.
type Session struct {
	conn     *Conn
	greeting *Greeting
	opts     Options
}

// Connect dials the server and authenticates.
func Connect(ctx context.Context, opts Options) (*Session, error) {
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	c, err := Dial(ctx, opts.Address, timeout)
	if err != nil {
		return nil, err
	}

	// the handshake must not outlive ctx
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	c.SetReadTimeout(timeout)
	s, err := Handshake(c, opts)
	if err != nil {
		_ = c.Close()
		if ctx.Err() != nil {
			return nil, common.NewError(common.KindTransport, "handshake", ctx.Err())
		}
		return nil, err
	}
	c.SetReadTimeout(opts.ReadTimeout)
	return s, nil
}

// Handshake reads the greeting on an established connection and
// authenticates with the configured credentials. The connection is not
// closed on failure.
func Handshake(c *Conn, opts Options) (*Session, error) {
	data, err := c.ReadPacket()
	if err != nil {
		return nil, err
	}
	g, err := ParseGreeting(data)
	if err != nil {
		return nil, common.NewError(common.KindProtocol, "read greeting", err)
	}

	charset := opts.Charset
	if charset == "" {
		charset = defaultCharset
	}
	collation, ok := CollationID(charset)
	if !ok {
		return nil, common.Errorf(common.KindConfiguration, "handshake", "unknown charset %q", charset)
	}

	plugin := g.AuthPlugin
	if plugin != AuthNativePassword && plugin != AuthCachingSha2 {
		plugin = AuthNativePassword
	}
	authData := scramble(plugin, g.Salt, opts.Password)

	resp := BuildHandshakeResponse(g, HandshakeResponse{
		User:       opts.User,
		AuthData:   authData,
		Collation:  collation,
		AuthPlugin: plugin,
		Attributes: map[string]string{"_client_name": clientName},
	})
	if err := c.WritePacket(resp); err != nil {
		return nil, err
	}

	s := &Session{conn: c, greeting: g, opts: opts}
	if err := s.authenticate(plugin, g.Salt); err != nil {
		return nil, err
	}
	log.Debug().
		Str("server_version", g.ServerVersion).
		Uint32("connection_id", g.ConnectionID).
		Str("auth_plugin", plugin).
		Msg("Authenticated with source server")
	return s, nil
}

// authenticate drives the auth exchange until the server answers OK or ERR.
func (s *Session) authenticate(plugin string, salt []byte) error {
	const op = "authenticate"
	for i := 0; i < maxAuthRoundTrips; i++ {
		data, err := s.conn.ReadPacket()
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return common.Errorf(common.KindProtocol, op, "empty auth reply")
		}

		switch data[0] {
		case okPacketHeader:
			return nil

		case errPacketHeader:
			return common.NewError(common.KindProtocol, op, ParseErrPacket(data))

		case eofPacketHeader:
			// auth switch request: plugin name, then fresh salt
			name, pos, ok := readNullString(data, 1)
			if !ok {
				return common.Errorf(common.KindProtocol, op, "malformed auth switch request")
			}
			plugin = name
			salt = bytes.TrimRight(data[pos:], "\x00")
			if plugin != AuthNativePassword && plugin != AuthCachingSha2 {
				return common.Errorf(common.KindProtocol, op, "unsupported auth plugin %q", plugin)
			}
			if err := s.conn.WritePacket(scramble(plugin, salt, s.opts.Password)); err != nil {
				return err
			}

		case authMoreData:
			if plugin != AuthCachingSha2 || len(data) < 2 {
				return common.Errorf(common.KindProtocol, op, "unexpected auth data for %s", plugin)
			}
			switch data[1] {
			case cachingSha2FastAuthOK:
				// OK packet follows
			case cachingSha2FullAuth:
				if err := s.fullAuth(salt); err != nil {
					return err
				}
			default:
				return common.Errorf(common.KindProtocol, op, "unknown caching_sha2 status 0x%02x", data[1])
			}

		default:
			return common.Errorf(common.KindProtocol, op, "unexpected auth reply 0x%02x", data[0])
		}
	}
	return common.Errorf(common.KindProtocol, op, "too many auth round trips")
}

// fullAuth sends the password encrypted with the server's RSA key, which is
// requested over the plain connection.
func (s *Session) fullAuth(salt []byte) error {
	const op = "caching_sha2 full auth"
	if err := s.conn.WritePacket([]byte{cachingSha2RequestPKey}); err != nil {
		return err
	}
	data, err := s.conn.ReadPacket()
	if err != nil {
		return err
	}
	if len(data) == 0 || data[0] != authMoreData {
		if len(data) > 0 && data[0] == errPacketHeader {
			return common.NewError(common.KindProtocol, op, ParseErrPacket(data))
		}
		return common.Errorf(common.KindProtocol, op, "expected public key")
	}
	enc, err := encryptPassword(s.opts.Password, salt, data[1:])
	if err != nil {
		return common.NewError(common.KindProtocol, op, err)
	}
	return s.conn.WritePacket(enc)
}

func encryptPassword(password string, salt, pemKey []byte) ([]byte, error) {
	if len(salt) == 0 {
		return nil, fmt.Errorf("empty auth salt")
	}
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, fmt.Errorf("invalid public key")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want RSA", key)
	}
	plain := append([]byte(password), 0)
	for i := range plain {
		plain[i] ^= salt[i%len(salt)]
	}
	return rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, plain, nil)
}

func scramble(plugin string, salt []byte, password string) []byte {
	if password == "" {
		return nil
	}
	if plugin == AuthCachingSha2 {
		return mysql.ScrambleCachingSha2Password(salt, []byte(password))
	}
	return mysql.ScrambleMysqlNativePassword(salt, []byte(password))
}

// Info describes the connected server.
func (s *Session) Info() ServerInfo {
	return s.greeting.Info()
}

// Exec runs a statement that returns no rows.
func (s *Session) Exec(query string) error {
	if err := s.conn.WriteCommand(buildQuery(query)); err != nil {
		return err
	}
	return readResult(s.conn, "exec")
}

// RegisterReplica announces this client as a replica.
func (s *Session) RegisterReplica(r ReplicaInfo) error {
	if err := s.conn.WriteCommand(buildRegisterReplica(r)); err != nil {
		return err
	}
	return readResult(s.conn, "register replica")
}

// Dump requests the binlog from a file position.
func (s *Session) Dump(serverID uint32, file string, offset uint64, flags uint16) error {
	if offset > 1<<32-1 {
		return common.Errorf(common.KindConfiguration, "binlog dump", "offset %d does not fit a file dump", offset)
	}
	log.Info().Str("file", file).Uint64("offset", offset).Msg("Requesting binlog dump")
	return s.conn.WriteCommand(buildBinlogDump(serverID, file, uint32(offset), flags))
}

// DumpGTID requests every transaction not contained in set.
func (s *Session) DumpGTID(serverID uint32, set position.GTIDSet, flags uint16) error {
	log.Info().Str("gtid", set.String()).Msg("Requesting binlog dump by GTID")
	return s.conn.WriteCommand(buildBinlogDumpGTID(serverID, "", 4, set, flags))
}

// SetReadTimeout bounds each ReadEvent. Zero disables it.
func (s *Session) SetReadTimeout(d time.Duration) {
	s.conn.SetReadTimeout(d)
}

// ReadEvent returns the next raw event (header included). A server error
// is a protocol error; the end of a non-blocking dump is io.EOF as a
// transport error.
func (s *Session) ReadEvent() ([]byte, error) {
	const op = "read event"
	data, err := s.conn.ReadPacket()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, common.Errorf(common.KindProtocol, op, "empty packet")
	}
	switch data[0] {
	case okPacketHeader:
		return data[1:], nil
	case errPacketHeader:
		return nil, common.NewError(common.KindProtocol, op, ParseErrPacket(data))
	case eofPacketHeader:
		if len(data) < 9 {
			return nil, common.NewError(common.KindTransport, op, io.EOF)
		}
	}
	return nil, common.Errorf(common.KindProtocol, op, "unexpected packet header 0x%02x", data[0])
}

// Close releases the connection. Safe to call more than once.
func (s *Session) Close() error {
	return s.conn.Close()
}
