package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/binlogtap/common"
	"github.com/maxpert/binlogtap/notify"
	"github.com/maxpert/binlogtap/telemetry"
)

const (
	// Default batch size for reading events per poll cycle
	DefaultBatchSize = 100
	// Default interval between poll cycles
	DefaultPollInterval = 100 * time.Millisecond
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before giving up on a publish operation
	DefaultMaxRetries = 100
)

// WorkerConfig configures a sink worker
type WorkerConfig struct {
	Name            string        // Sink name (for cursor tracking)
	Log             *PublishLog   // Publish log to read from
	Sink            Sink          // Destination sink
	Transformer     Transformer   // Event transformer
	Filter          Filter        // Event filter
	TopicPrefix     string        // Topic prefix (e.g., "binlogtap")
	BatchSize       int           // Events per poll cycle
	PollInterval    time.Duration // Poll interval
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Maximum retry attempts
	Wake            *notify.Hub   // Optional append signals that cut polls short
}

// Worker polls the PublishLog and publishes events to one sink
type Worker struct {
	config      WorkerConfig
	cursor      uint64        // Current position
	stopCh      chan struct{} // Stop signal
	doneCh      chan struct{} // Done signal
	wakeCh      <-chan uint64 // nil without a hub
	cancelWake  func()
	running     atomic.Bool
	lifecycleMu sync.Mutex // Protects Start/Stop lifecycle operations
}

// NewWorker creates a sink worker positioned at the sink's stored cursor
func NewWorker(config WorkerConfig) (*Worker, error) {
	switch {
	case config.Name == "":
		return nil, common.Errorf(common.KindConfiguration, "new worker", "worker name is required")
	case config.Log == nil:
		return nil, common.Errorf(common.KindConfiguration, "new worker", "publish log is required")
	case config.Sink == nil:
		return nil, common.Errorf(common.KindConfiguration, "new worker", "sink is required")
	case config.Transformer == nil:
		return nil, common.Errorf(common.KindConfiguration, "new worker", "transformer is required")
	case config.Filter == nil:
		return nil, common.Errorf(common.KindConfiguration, "new worker", "filter is required")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	// Load cursor from publish log
	cursor, err := config.Log.GetCursor(config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}

	// If cursor is 0 (new sink), find earliest available entry
	if cursor == 0 {
		earliest, err := findEarliestEntry(config.Log)
		if err != nil {
			return nil, fmt.Errorf("failed to find earliest entry: %w", err)
		}
		cursor = earliest
	}

	// registers the sink so cleanup and backlog account for it
	if err := config.Log.AdvanceCursor(config.Name, cursor); err != nil {
		return nil, fmt.Errorf("failed to register cursor: %w", err)
	}

	w := &Worker{
		config: config,
		cursor: cursor,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	return w, nil
}

// findEarliestEntry finds the earliest available entry in the log
func findEarliestEntry(pubLog *PublishLog) (uint64, error) {
	events, err := pubLog.ReadFrom(0, 1)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	// ReadFrom starts after the cursor
	return events[0].SeqNum - 1, nil
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return // Already running
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	if w.config.Wake != nil {
		w.wakeCh, w.cancelWake = w.config.Wake.Subscribe()
	}

	log.Info().
		Str("worker", w.config.Name).
		Uint64("cursor", w.cursor).
		Msg("Starting sink worker")

	go w.pollLoop()
}

// Stop stops the worker gracefully
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return // Not running
	}

	log.Info().Str("worker", w.config.Name).Msg("Stopping sink worker")

	close(w.stopCh)
	<-w.doneCh // Wait for goroutine to finish
	if w.cancelWake != nil {
		w.cancelWake()
		w.wakeCh, w.cancelWake = nil, nil
	}
	w.running.Store(false)

	log.Info().Str("worker", w.config.Name).Msg("Sink worker stopped")
}

// pollLoop is the main worker loop
func (w *Worker) pollLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		default:
			events, err := w.config.Log.ReadFrom(w.cursor, w.config.BatchSize)
			if err != nil {
				log.Error().
					Err(err).
					Str("worker", w.config.Name).
					Uint64("cursor", w.cursor).
					Msg("Failed to read from publish log")
				w.idle(w.config.PollInterval)
				continue
			}

			if len(events) == 0 {
				w.idle(w.config.PollInterval)
				continue
			}

			for _, event := range events {
				if err := w.processEvent(event); err != nil {
					// retries are exhausted or the worker is stopping; the
					// cursor stays put so the event is retried on restart
					log.Error().
						Err(err).
						Str("worker", w.config.Name).
						Uint64("seq", event.SeqNum).
						Msg("Failed to process event")
					return
				}
				w.cursor = event.SeqNum
			}
		}
	}
}

// processEvent publishes one event, then advances the cursor. A failed cursor
// write means the event may be published again after a restart.
func (w *Worker) processEvent(event CDCEvent) error {
	if !w.config.Filter.Match(event.Database, event.Table) {
		if err := w.config.Log.AdvanceCursor(w.config.Name, event.SeqNum); err != nil {
			log.Warn().
				Err(err).
				Str("worker", w.config.Name).
				Uint64("seq", event.SeqNum).
				Msg("Failed to advance cursor for filtered event")
		}
		return nil
	}

	data, err := w.config.Transformer.Transform(event, event.Schema())
	if err != nil {
		return fmt.Errorf("failed to transform event: %w", err)
	}

	topic := w.buildTopic(event.Database, event.Table)
	if err := w.publishWithRetry(topic, event.Key, data); err != nil {
		return err
	}

	// deletes are followed by a tombstone for log compaction
	if event.Operation == OpDelete {
		tombstone := w.config.Transformer.Tombstone(event.Key)
		if err := w.publishWithRetry(topic, event.Key, tombstone); err != nil {
			return err
		}
	}

	if err := w.config.Log.AdvanceCursor(w.config.Name, event.SeqNum); err != nil {
		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Uint64("seq", event.SeqNum).
			Msg("Failed to advance cursor after successful publish - event may be redelivered")
	}

	return nil
}

// buildTopic builds the topic name for an event
func (w *Worker) buildTopic(database, table string) string {
	if w.config.TopicPrefix == "" {
		return fmt.Sprintf("%s.%s", database, table)
	}
	return fmt.Sprintf("%s.%s.%s", w.config.TopicPrefix, database, table)
}

// publishWithRetry publishes data with exponential backoff retry
// Returns error if max retries exhausted or worker stopped
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			telemetry.SinkPublishTotal.With(w.config.Name, "ok").Inc()
			return nil
		}
		telemetry.SinkPublishTotal.With(w.config.Name, "error").Inc()

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry")
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep sleeps for the given duration, checking stopCh
// Returns true if sleep completed, false if stopped
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// idle waits for the next poll, returning early when the log is appended to
func (w *Worker) idle(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
	case <-timer.C:
	case <-w.wakeCh:
	}
}
