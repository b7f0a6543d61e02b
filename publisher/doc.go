// Package publisher delivers committed row changes to external systems.
//
// # Architecture
//
//  1. TxnSubscriber: an engine subscriber that converts rows events into
//     CDCEvents and buffers them until the transaction commits
//  2. PublishLog: Pebble-backed append-only log with per-sink cursors
//  3. Worker: one per sink, polls the log and publishes with retry; an
//     append wakes idle workers through a notify.Hub
//  4. Registry: wires the above from the [[sinks]] configuration
//
// A transaction reaches the log whole or not at all. When the engine loses
// its connection mid-transaction it calls Reset, the partial buffer is
// dropped, and the replayed transaction is appended once it commits.
//
// # PublishLog
//
// Key layout:
//
//	e{seq:8 bytes big endian} -> msgpack(CDCEvent)
//	c{sinkName}               -> uint64 (cursor)
//	s                         -> uint64 (last sequence)
//
// Each sink tracks its own cursor, so sinks consume at independent rates and
// resume after a restart. Entries below the slowest cursor are deleted every
// 128 sequence numbers.
//
// # Filters
//
// GlobFilter selects tables by glob patterns on database and table names:
//
//	filter, err := NewGlobFilter(
//		[]string{"users", "orders*"},
//		[]string{"prod_*"},
//	)
//
// The same type backs the engine-wide [filter] section and the per-sink
// filter_tables / filter_databases settings.
//
// # Sinks and formats
//
// Sink types register themselves from the sink package ("kafka", "nats",
// "log"); formats from the transformer package ("debezium").
package publisher
