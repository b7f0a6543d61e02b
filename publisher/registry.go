package publisher

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/binlogtap/cfg"
	"github.com/maxpert/binlogtap/common"
	"github.com/maxpert/binlogtap/notify"
)

// RegistryConfig configures the sink registry
type RegistryConfig struct {
	DataDir     string                  // Parent of the publish log directory
	SinkConfigs []cfg.SinkConfiguration // From config
}

// Registry owns the publish log and one worker per configured sink
type Registry struct {
	log     *PublishLog
	wake    *notify.Hub
	workers []*Worker
	running atomic.Bool
	mu      sync.Mutex
}

// NewRegistry opens the publish log and builds a worker per sink.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.DataDir == "" {
		return nil, common.Errorf(common.KindConfiguration, "new registry", "data directory is required")
	}

	pubLog, err := NewPublishLog(filepath.Join(config.DataDir, "publish_log"))
	if err != nil {
		return nil, fmt.Errorf("failed to create publish log: %w", err)
	}

	registry := &Registry{
		log:     pubLog,
		wake:    notify.NewHub(),
		workers: make([]*Worker, 0, len(config.SinkConfigs)),
	}

	for _, sinkCfg := range config.SinkConfigs {
		if err := registry.AddSink(sinkCfg); err != nil {
			for _, worker := range registry.workers {
				worker.config.Sink.Close()
			}
			pubLog.Close()
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().Int("workers", len(registry.workers)).Msg("Sink registry initialized")
	return registry, nil
}

// AddSink creates and adds a worker for the given sink configuration
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	trans, err := createTransformer(config.Format)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create transformer: %w", err)
	}

	filter, err := NewGlobFilter(config.FilterTables, config.FilterDatabases)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	worker, err := NewWorker(WorkerConfig{
		Name:            config.Name,
		Log:             r.log,
		Sink:            snk,
		Transformer:     trans,
		Filter:          filter,
		TopicPrefix:     config.TopicPrefix,
		BatchSize:       config.BatchSize,
		PollInterval:    time.Duration(config.PollIntervalMS) * time.Millisecond,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
		Wake:            r.wake,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.workers = append(r.workers, worker)

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("format", config.Format).
		Msg("Added sink")
	return nil
}

// Subscriber returns an engine subscriber that appends committed
// transactions to the publish log. filter may be nil.
func (r *Registry) Subscriber(filter Filter) *TxnSubscriber {
	return NewTxnSubscriber(r, filter)
}

// Start starts all workers
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}

	log.Info().Int("workers", len(r.workers)).Msg("Starting sink registry")
	for _, worker := range r.workers {
		worker.Start()
	}
	r.running.Store(true)
	return nil
}

// Stop stops all workers, closes their sinks and the publish log
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return
	}

	log.Info().Msg("Stopping sink registry")
	for _, worker := range r.workers {
		worker.Stop()
		if err := worker.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", worker.config.Name).Msg("Failed to close sink")
		}
	}
	if err := r.log.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close publish log")
	}
}

// Append adds one committed transaction to the publish log
func (r *Registry) Append(events []CDCEvent) error {
	if !r.running.Load() {
		return fmt.Errorf("registry not running")
	}
	if err := r.log.Append(events); err != nil {
		return err
	}
	r.wake.Signal(r.log.LastSeq())
	return nil
}

// Backlog reports unpublished events per sink
func (r *Registry) Backlog() map[string]uint64 {
	if !r.running.Load() {
		return nil
	}
	return r.log.Backlog()
}

// Sinks returns the configured sink names in order
func (r *Registry) Sinks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.workers))
	for i, w := range r.workers {
		names[i] = w.config.Name
	}
	return names
}

func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, common.Errorf(common.KindConfiguration, "create sink", "unknown sink type: %s", config.Type)
	}
	return factory(config)
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

// TransformerFactory is a function that creates a Transformer
type TransformerFactory func() Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

// createTransformer creates a transformer for format, defaulting to debezium
func createTransformer(format string) (Transformer, error) {
	if format == "" {
		format = "debezium"
	}

	factoryMu.RLock()
	factory, exists := transformerFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, common.Errorf(common.KindConfiguration, "create transformer", "unknown format: %s", format)
	}
	return factory(), nil
}
