package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/maxpert/binlogtap/common"
)

// MaxPayloadLen is the largest payload a single packet can carry. Larger
// payloads are split and the reader concatenates the pieces.
const MaxPayloadLen = 1<<24 - 1

var ErrConnClosed = errors.New("connection closed")

// Conn frames MySQL packets over a net.Conn. It does not interpret
// payloads. A Conn is used by one reader at a time; Close may be called
// from any goroutine.
type Conn struct {
	conn        net.Conn
	br          *bufio.Reader
	seq         uint8
	readTimeout time.Duration
	closed      atomic.Bool
}

// Dial opens a TCP connection to addr.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Conn, error) {
	d := net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, common.NewError(common.KindTransport, "dial "+addr, err)
	}
	return NewConn(nc), nil
}

// NewConn wraps an established connection.
func NewConn(nc net.Conn) *Conn {
	return &Conn{conn: nc, br: bufio.NewReaderSize(nc, 64*1024)}
}

// SetReadTimeout bounds every subsequent ReadPacket. Zero disables it.
func (c *Conn) SetReadTimeout(d time.Duration) {
	c.readTimeout = d
}

// ReadPacket returns the next logical payload, reassembling payloads that
// span several packets.
func (c *Conn) ReadPacket() ([]byte, error) {
	var payload []byte
	for {
		chunk, err := c.readOne()
		if err != nil {
			return nil, err
		}
		if payload == nil {
			payload = chunk
		} else {
			payload = append(payload, chunk...)
		}
		if len(chunk) < MaxPayloadLen {
			return payload, nil
		}
	}
}

func (c *Conn) readOne() ([]byte, error) {
	if c.closed.Load() {
		return nil, common.NewError(common.KindTransport, "read packet", ErrConnClosed)
	}
	if c.readTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return nil, c.transportErr("set read deadline", err)
		}
	}

	var header [4]byte
	if _, err := io.ReadFull(c.br, header[:]); err != nil {
		return nil, c.transportErr("read packet header", err)
	}
	length := int(uint32(header[0]) | uint32(header[1])<<8 | uint32(header[2])<<16)
	if seq := header[3]; seq != c.seq {
		return nil, common.Errorf(common.KindProtocol, "read packet", "sequence mismatch: got %d, want %d", seq, c.seq)
	}
	c.seq++

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.br, payload); err != nil {
		return nil, c.transportErr("read packet payload", err)
	}
	return payload, nil
}

// WriteCommand starts a new command exchange: the sequence is reset to
// zero before payload is written.
func (c *Conn) WriteCommand(payload []byte) error {
	c.seq = 0
	return c.WritePacket(payload)
}

// WritePacket writes payload continuing the current exchange, splitting
// it across packets when needed.
func (c *Conn) WritePacket(payload []byte) error {
	if c.closed.Load() {
		return common.NewError(common.KindTransport, "write packet", ErrConnClosed)
	}
	for {
		n := len(payload)
		if n > MaxPayloadLen {
			n = MaxPayloadLen
		}
		header := []byte{byte(n), byte(n >> 8), byte(n >> 16), c.seq}
		if _, err := c.conn.Write(append(header, payload[:n]...)); err != nil {
			return c.transportErr("write packet", err)
		}
		c.seq++
		payload = payload[n:]
		// an exactly full packet is followed by a (possibly empty) continuation
		if n < MaxPayloadLen {
			return nil
		}
	}
}

// Close releases the socket. It is safe to call more than once and from a
// goroutine other than the reader; a blocked ReadPacket then fails with a
// transport error.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// RemoteAddr is the server address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) transportErr(op string, err error) error {
	if c.closed.Load() {
		err = fmt.Errorf("%w: %v", ErrConnClosed, err)
	}
	return common.NewError(common.KindTransport, op, err)
}
