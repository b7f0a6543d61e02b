package telemetry

import (
	"sync"
	"time"
)

// StreamStats is implemented by the engine
type StreamStats interface {
	// LastEventTime is the header timestamp of the newest event, zero before the first.
	LastEventTime() time.Time
	RetriesRemaining() int
}

// BacklogProvider is implemented by the publisher registry
type BacklogProvider interface {
	Backlog() map[string]uint64
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	stream   StreamStats
	backlog  BacklogProvider
	interval time.Duration
	now      func() time.Time
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector. backlog may be nil.
func NewMetricsCollector(stream StreamStats, backlog BacklogProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		stream:   stream,
		backlog:  backlog,
		interval: interval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.stream != nil {
		// lag keeps growing while the source is quiet; heartbeats carry no timestamp
		if last := mc.stream.LastEventTime(); !last.IsZero() {
			lag := mc.now().Sub(last).Seconds()
			if lag < 0 {
				lag = 0
			}
			ReplicationLagSeconds.Set(lag)
		}
		RetriesRemaining.Set(float64(mc.stream.RetriesRemaining()))
	}

	if mc.backlog != nil {
		for sink, n := range mc.backlog.Backlog() {
			SinkBacklog.With(sink).Set(float64(n))
		}
	}
}
