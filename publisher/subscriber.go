package publisher

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/binlogtap/binlog"
	"github.com/maxpert/binlogtap/common"
	"github.com/maxpert/binlogtap/stream"
)

// Appender receives the change events of one committed transaction.
type Appender interface {
	Append(events []CDCEvent) error
}

// TxnSubscriber turns rows events into CDCEvents and hands them to the log
// one whole transaction at a time. A transaction interrupted by a disconnect
// is dropped on Reset; the engine replays it from its first event.
type TxnSubscriber struct {
	out     Appender
	filter  Filter
	file    string
	gtid    string
	pending []CDCEvent
}

var (
	_ stream.Subscriber = (*TxnSubscriber)(nil)
	_ stream.Resetter   = (*TxnSubscriber)(nil)
)

// NewTxnSubscriber builds a subscriber appending to out. filter may be nil.
func NewTxnSubscriber(out Appender, filter Filter) *TxnSubscriber {
	return &TxnSubscriber{out: out, filter: filter}
}

// OnEvent buffers row changes and flushes them when the transaction ends.
func (s *TxnSubscriber) OnEvent(_ context.Context, ev *binlog.Event) error {
	switch p := ev.Payload.(type) {
	case *binlog.Rotate:
		s.file = p.NextFile
	case *binlog.GTID:
		s.gtid = p.GTID.String()
	case *binlog.AnonymousGTID:
		s.gtid = ""
	case *binlog.Rows:
		if p.Table != nil && s.filter != nil && !s.filter.Match(p.Table.Schema, p.Table.Table) {
			break
		}
		events, err := ConvertRows(Origin{
			GTID:     s.gtid,
			File:     s.file,
			Offset:   uint64(ev.Header.LogPos),
			ServerID: ev.Header.ServerID,
			Time:     ev.Time(),
		}, p)
		if err != nil {
			return common.NewError(common.KindSubscriber, "convert rows", err)
		}
		s.pending = append(s.pending, events...)
	}

	if ev.EndsTransaction {
		return s.flush()
	}
	return nil
}

func (s *TxnSubscriber) flush() error {
	defer func() { s.gtid = "" }()
	if len(s.pending) == 0 {
		return nil
	}
	if err := s.out.Append(s.pending); err != nil {
		return common.NewError(common.KindSubscriber, "append transaction", err)
	}
	log.Debug().Int("rows", len(s.pending)).Str("gtid", s.gtid).Msg("Appended transaction to publish log")
	s.pending = nil
	return nil
}

// Pending is the number of buffered row changes.
func (s *TxnSubscriber) Pending() int {
	return len(s.pending)
}

// Reset drops the partially buffered transaction.
func (s *TxnSubscriber) Reset() {
	if len(s.pending) > 0 {
		log.Info().Int("rows", len(s.pending)).Str("gtid", s.gtid).Msg("Discarding interrupted transaction")
	}
	s.pending = nil
	s.gtid = ""
}
