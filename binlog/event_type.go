package binlog

import (
	"fmt"
	"strings"
)

// EventType is the type code carried in every event header.
type EventType byte

const (
	EventUnknown            EventType = 0
	EventStartV3            EventType = 1
	EventQuery              EventType = 2
	EventStop               EventType = 3
	EventRotate             EventType = 4
	EventIntVar             EventType = 5
	EventRand               EventType = 13
	EventUserVar            EventType = 14
	EventFormatDescription  EventType = 15
	EventXid                EventType = 16
	EventBeginLoadQuery     EventType = 17
	EventExecuteLoadQuery   EventType = 18
	EventTableMap           EventType = 19
	EventWriteRowsV0        EventType = 20
	EventUpdateRowsV0       EventType = 21
	EventDeleteRowsV0       EventType = 22
	EventWriteRowsV1        EventType = 23
	EventUpdateRowsV1       EventType = 24
	EventDeleteRowsV1       EventType = 25
	EventIncident           EventType = 26
	EventHeartbeat          EventType = 27
	EventIgnorable          EventType = 28
	EventRowsQuery          EventType = 29
	EventWriteRowsV2        EventType = 30
	EventUpdateRowsV2       EventType = 31
	EventDeleteRowsV2       EventType = 32
	EventGTID               EventType = 33
	EventAnonymousGTID      EventType = 34
	EventPreviousGTIDs      EventType = 35
	EventTransactionContext EventType = 36
	EventViewChange         EventType = 37
	EventXAPrepare          EventType = 38
	EventPartialUpdateRows  EventType = 39
	EventTransactionPayload EventType = 40
	EventHeartbeatV2        EventType = 41
	EventGTIDTagged         EventType = 42
)

var eventTypeNames = map[EventType]string{
	EventStartV3:            "StartV3",
	EventQuery:              "Query",
	EventStop:               "Stop",
	EventRotate:             "Rotate",
	EventIntVar:             "IntVar",
	EventRand:               "Rand",
	EventUserVar:            "UserVar",
	EventFormatDescription:  "FormatDescription",
	EventXid:                "Xid",
	EventBeginLoadQuery:     "BeginLoadQuery",
	EventExecuteLoadQuery:   "ExecuteLoadQuery",
	EventTableMap:           "TableMap",
	EventWriteRowsV0:        "WriteRowsV0",
	EventUpdateRowsV0:       "UpdateRowsV0",
	EventDeleteRowsV0:       "DeleteRowsV0",
	EventWriteRowsV1:        "WriteRowsV1",
	EventUpdateRowsV1:       "UpdateRowsV1",
	EventDeleteRowsV1:       "DeleteRowsV1",
	EventIncident:           "Incident",
	EventHeartbeat:          "Heartbeat",
	EventIgnorable:          "Ignorable",
	EventRowsQuery:          "RowsQuery",
	EventWriteRowsV2:        "WriteRowsV2",
	EventUpdateRowsV2:       "UpdateRowsV2",
	EventDeleteRowsV2:       "DeleteRowsV2",
	EventGTID:               "GTID",
	EventAnonymousGTID:      "AnonymousGTID",
	EventPreviousGTIDs:      "PreviousGTIDs",
	EventTransactionContext: "TransactionContext",
	EventViewChange:         "ViewChange",
	EventXAPrepare:          "XAPrepare",
	EventPartialUpdateRows:  "PartialUpdateRows",
	EventTransactionPayload: "TransactionPayload",
	EventHeartbeatV2:        "HeartbeatV2",
	EventGTIDTagged:         "GTIDTagged",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", byte(t))
}

// Kind names the closed set of payload variants an event decodes to.
// Filters and subscriptions select events by Kind.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindRotate
	KindFormatDescription
	KindQuery
	KindTableMap
	KindWriteRows
	KindUpdateRows
	KindDeleteRows
	KindXid
	KindGTID
	KindAnonymousGTID
	KindPreviousGTIDs
	KindHeartbeat
	KindRowsQuery
	KindTransactionPayload
)

var kindNames = [...]string{
	KindUnknown:            "unknown",
	KindRotate:             "rotate",
	KindFormatDescription:  "format_description",
	KindQuery:              "query",
	KindTableMap:           "table_map",
	KindWriteRows:          "write_rows",
	KindUpdateRows:         "update_rows",
	KindDeleteRows:         "delete_rows",
	KindXid:                "xid",
	KindGTID:               "gtid",
	KindAnonymousGTID:      "anonymous_gtid",
	KindPreviousGTIDs:      "previous_gtids",
	KindHeartbeat:          "heartbeat",
	KindRowsQuery:          "rows_query",
	KindTransactionPayload: "transaction_payload",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind maps a configured event name to a Kind.
func ParseKind(name string) (Kind, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for k, s := range kindNames {
		if s == n {
			return Kind(k), nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown event kind %q", name)
}

// Kinds returns every Kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, len(kindNames))
	for i := range kindNames {
		out[i] = Kind(i)
	}
	return out
}

func isRowsEvent(t EventType) bool {
	switch t {
	case EventWriteRowsV1, EventUpdateRowsV1, EventDeleteRowsV1,
		EventWriteRowsV2, EventUpdateRowsV2, EventDeleteRowsV2:
		return true
	}
	return false
}
