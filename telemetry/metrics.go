package telemetry

// Histogram bucket definitions
var (
	// DispatchBuckets for synchronous subscriber call-outs
	DispatchBuckets = []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}

	// ConnectBuckets for handshake and registration
	ConnectBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
)

// Stream Metrics
var (
	// EventsTotal counts decoded events by kind
	EventsTotal CounterVec = noopCounterVec{}

	// RowsTotal counts row changes by operation (insert, update, delete)
	RowsTotal CounterVec = noopCounterVec{}

	// ErrorsTotal counts failures by error kind
	ErrorsTotal CounterVec = noopCounterVec{}

	// BytesReceivedTotal counts raw event bytes read from the source
	BytesReceivedTotal Counter = NoopStat{}

	// ReplicationLagSeconds is the age of the last event header timestamp
	ReplicationLagSeconds Gauge = NoopStat{}

	// DispatchDurationSeconds measures one event's trip through all subscribers
	DispatchDurationSeconds Histogram = NoopStat{}

	// FilteredEventsTotal counts events dropped by the database/table/event filters
	FilteredEventsTotal Counter = NoopStat{}

	// SubscribersActive tracks registered subscribers
	SubscribersActive Gauge = NoopStat{}
)

// Supervisor Metrics
var (
	// ConnectAttemptsTotal counts connection attempts by result (success, failed)
	ConnectAttemptsTotal CounterVec = noopCounterVec{}

	// ConnectDurationSeconds measures handshake through dump request
	ConnectDurationSeconds Histogram = NoopStat{}

	// SupervisorState is the numeric supervisor state
	// (0=disconnected, 1=connecting, 2=streaming, 3=stopped)
	SupervisorState Gauge = NoopStat{}

	// RetriesRemaining mirrors the supervisor's retry budget
	RetriesRemaining Gauge = NoopStat{}
)

// Table Cache Metrics
var (
	TableCacheEntries        Gauge   = NoopStat{}
	TableCacheMissesTotal    Counter = NoopStat{}
	TableCacheEvictionsTotal Counter = NoopStat{}
)

// Sink Metrics
var (
	// SinkPublishTotal counts publish attempts by sink and result
	SinkPublishTotal CounterVec = noopCounterVec{}

	// SinkBacklog tracks entries in the publish log not yet acknowledged by a sink
	SinkBacklog GaugeVec = noopGaugeVec{}

	// CheckpointWritesTotal counts persisted positions by result
	CheckpointWritesTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all metrics. Must be called after InitializeTelemetry().
func InitMetrics() {
	EventsTotal = NewCounterVec(
		"events_total",
		"Decoded binlog events by type",
		[]string{"type"},
	)
	RowsTotal = NewCounterVec(
		"rows_total",
		"Row changes by operation",
		[]string{"op"},
	)
	ErrorsTotal = NewCounterVec(
		"errors_total",
		"Errors by kind",
		[]string{"kind"},
	)
	BytesReceivedTotal = NewCounter(
		"bytes_received_total",
		"Raw binlog event bytes received",
	)
	ReplicationLagSeconds = NewGauge(
		"replication_lag_seconds",
		"Seconds between the last event's timestamp and its receipt",
	)
	DispatchDurationSeconds = NewHistogramWithBuckets(
		"dispatch_duration_seconds",
		"Time spent delivering one event to subscribers",
		DispatchBuckets,
	)
	FilteredEventsTotal = NewCounter(
		"filtered_events_total",
		"Events suppressed by filters",
	)
	SubscribersActive = NewGauge(
		"subscribers_active",
		"Registered event subscribers",
	)

	ConnectAttemptsTotal = NewCounterVec(
		"connect_attempts_total",
		"Connection attempts by result",
		[]string{"result"},
	)
	ConnectDurationSeconds = NewHistogramWithBuckets(
		"connect_duration_seconds",
		"Handshake, registration and dump request duration",
		ConnectBuckets,
	)
	SupervisorState = NewGauge(
		"supervisor_state",
		"Reconnect supervisor state (0=disconnected, 1=connecting, 2=streaming, 3=stopped)",
	)
	RetriesRemaining = NewGauge(
		"retries_remaining",
		"Connection attempts left in the retry budget",
	)

	TableCacheEntries = NewGauge(
		"table_cache_entries",
		"Entries in the table metadata cache",
	)
	TableCacheMissesTotal = NewCounter(
		"table_cache_misses_total",
		"TableMap events that were new or changed the cached layout",
	)
	TableCacheEvictionsTotal = NewCounter(
		"table_cache_evictions_total",
		"Table metadata cache evictions",
	)

	SinkPublishTotal = NewCounterVec(
		"sink_publish_total",
		"Sink publish attempts by sink and result",
		[]string{"sink", "result"},
	)
	SinkBacklog = NewGaugeVec(
		"sink_backlog",
		"Publish log entries pending per sink",
		[]string{"sink"},
	)
	CheckpointWritesTotal = NewCounterVec(
		"checkpoint_writes_total",
		"Checkpoint writes by result",
		[]string{"result"},
	)
}
