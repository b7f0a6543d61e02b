package protocol

import (
	"encoding/binary"

	"github.com/maxpert/binlogtap/position"
)

const (
	comQuery          byte = 0x03
	comBinlogDump     byte = 0x12
	comRegisterSlave  byte = 0x15
	comBinlogDumpGTID byte = 0x1e
)

// Binlog dump flags.
const (
	DumpNonBlock    uint16 = 0x01
	DumpThroughGTID uint16 = 0x04
)

// ReplicaInfo is what the replica reports about itself on registration.
type ReplicaInfo struct {
	ServerID uint32
	Host     string
	User     string
	Password string
	Port     uint16
}

func buildQuery(query string) []byte {
	buf := make([]byte, 0, 1+len(query))
	buf = append(buf, comQuery)
	return append(buf, query...)
}

// buildRegisterReplica encodes COM_REGISTER_SLAVE. Hostname, user and
// password are length prefixed with one byte each and truncated to 255.
func buildRegisterReplica(r ReplicaInfo) []byte {
	buf := make([]byte, 0, 18+len(r.Host)+len(r.User)+len(r.Password))
	buf = append(buf, comRegisterSlave)
	buf = binary.LittleEndian.AppendUint32(buf, r.ServerID)
	for _, s := range []string{r.Host, r.User, r.Password} {
		if len(s) > 255 {
			s = s[:255]
		}
		buf = append(buf, byte(len(s)))
		buf = append(buf, s...)
	}
	buf = binary.LittleEndian.AppendUint16(buf, r.Port)
	// replication rank, then master id (filled in by the server)
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	return buf
}

// buildBinlogDump encodes COM_BINLOG_DUMP for a file position. Offsets past
// 4GiB cannot be expressed by this command.
func buildBinlogDump(serverID uint32, file string, offset uint32, flags uint16) []byte {
	buf := make([]byte, 0, 11+len(file))
	buf = append(buf, comBinlogDump)
	buf = binary.LittleEndian.AppendUint32(buf, offset)
	buf = binary.LittleEndian.AppendUint16(buf, flags)
	buf = binary.LittleEndian.AppendUint32(buf, serverID)
	return append(buf, file...)
}

// buildBinlogDumpGTID encodes COM_BINLOG_DUMP_GTID. The server skips every
// transaction contained in set.
func buildBinlogDumpGTID(serverID uint32, file string, offset uint64, set position.GTIDSet, flags uint16) []byte {
	data := set.Encode()
	buf := make([]byte, 0, 23+len(file)+len(data))
	buf = append(buf, comBinlogDumpGTID)
	buf = binary.LittleEndian.AppendUint16(buf, flags|DumpThroughGTID)
	buf = binary.LittleEndian.AppendUint32(buf, serverID)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(file)))
	buf = append(buf, file...)
	buf = binary.LittleEndian.AppendUint64(buf, offset)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(data)))
	return append(buf, data...)
}
