package stream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/binlogtap/binlog"
	"github.com/maxpert/binlogtap/common"
	"github.com/maxpert/binlogtap/position"
	"github.com/maxpert/binlogtap/protocol"
	"github.com/maxpert/binlogtap/schema"
)

// Stream is a session in streaming mode.
type Stream interface {
	// ReadEvent blocks for the next raw event, header included.
	ReadEvent() ([]byte, error)
	Close() error
}

// Connection is an established dump.
type Connection struct {
	Stream
	Info protocol.ServerInfo
	// Checksum is what the session negotiated; it applies until the first
	// FormatDescription event says otherwise.
	Checksum binlog.ChecksumAlgorithm
}

// Connector opens a stream starting at from. from is never zero.
type Connector interface {
	Connect(ctx context.Context, from position.Position) (*Connection, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, from position.Position) (*Connection, error)

func (f ConnectorFunc) Connect(ctx context.Context, from position.Position) (*Connection, error) {
	return f(ctx, from)
}

// SessionOptions configure the default connector.
type SessionOptions struct {
	Session    protocol.Options
	ServerID   uint32
	ReportHost string
	ReportPort uint16
	// Heartbeat asks the server for a heartbeat at this period; a silent
	// server is dropped after twice the period. Zero disables it.
	Heartbeat time.Duration
}

// SessionConnector connects with protocol.Session. Capabilities come
// from repo when it is set.
type SessionConnector struct {
	opts SessionOptions
	repo schema.Repository
}

func NewSessionConnector(opts SessionOptions, repo schema.Repository) *SessionConnector {
	return &SessionConnector{opts: opts, repo: repo}
}

func (c *SessionConnector) Connect(ctx context.Context, from position.Position) (*Connection, error) {
	checksum := binlog.ChecksumCRC32
	if c.repo != nil {
		caps, err := c.repo.ServerCapabilities(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Could not read server capabilities, assuming CRC32 checksums")
		} else {
			checksum = checksumFromName(caps.BinlogChecksum)
			if caps.BinlogFormat != "" && caps.BinlogFormat != "ROW" {
				log.Warn().Str("binlog_format", caps.BinlogFormat).Msg("Server is not logging rows, row events will be missing")
			}
		}
	}

	opts := c.opts.Session
	if c.opts.Heartbeat > 0 {
		opts.ReadTimeout = 2 * c.opts.Heartbeat
	}
	s, err := protocol.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}

	if err := c.prepare(s, from); err != nil {
		_ = s.Close()
		return nil, err
	}
	return &Connection{Stream: s, Info: s.Info(), Checksum: checksum}, nil
}

func (c *SessionConnector) prepare(s *protocol.Session, from position.Position) error {
	// the server only appends checksums once the replica declares it understands them
	if err := s.Exec("SET @master_binlog_checksum = @@global.binlog_checksum"); err != nil {
		return err
	}
	if c.opts.Heartbeat > 0 {
		stmt := fmt.Sprintf("SET @master_heartbeat_period = %d", c.opts.Heartbeat.Nanoseconds())
		if err := s.Exec(stmt); err != nil {
			return err
		}
	}

	if err := s.RegisterReplica(protocol.ReplicaInfo{
		ServerID: c.opts.ServerID,
		Host:     c.opts.ReportHost,
		User:     c.opts.Session.User,
		Port:     c.opts.ReportPort,
	}); err != nil {
		return err
	}

	if from.Mode == position.ModeGTID {
		return s.DumpGTID(c.opts.ServerID, from.GTIDs, 0)
	}
	return s.Dump(c.opts.ServerID, from.File, from.Offset, 0)
}

func checksumFromName(name string) binlog.ChecksumAlgorithm {
	if strings.EqualFold(name, "NONE") {
		return binlog.ChecksumOff
	}
	return binlog.ChecksumCRC32
}

// resolveStart picks the starting point when none was configured or
// checkpointed: the server's current position, or the first binlog when
// there is nobody to ask.
func resolveStart(ctx context.Context, repo schema.Repository, mode position.Mode) (position.Position, error) {
	if repo == nil {
		if mode == position.ModeGTID {
			return position.Position{}, common.Errorf(common.KindConfiguration, "resolve start", "gtid mode needs a gtid set or a schema repository")
		}
		return position.FilePosition("", 4), nil
	}

	cp, err := repo.ServerCheckpoint(ctx)
	if err != nil {
		return position.Position{}, err
	}
	if mode == position.ModeGTID {
		return position.GTIDPosition(cp.GTIDs), nil
	}
	return position.FilePosition(cp.File, cp.Offset), nil
}
