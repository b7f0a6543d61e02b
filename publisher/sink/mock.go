package sink

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/binlogtap/cfg"
	"github.com/maxpert/binlogtap/publisher"
)

func init() {
	// "log" writes every message to the debug log; useful for dry runs
	publisher.RegisterSink("log", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		return &MockSink{Name: config.Name, Log: true}, nil
	})
}

// MockSink records published messages in memory
type MockSink struct {
	Name       string
	Log        bool
	Messages   []MockMessage
	PublishErr error
	mu         sync.Mutex
}

// MockMessage represents a published message
type MockMessage struct {
	Topic string
	Key   string
	Value []byte
}

// Publish records a message for later inspection
func (m *MockSink) Publish(topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}

	m.Messages = append(m.Messages, MockMessage{Topic: topic, Key: key, Value: value})
	if m.Log {
		log.Debug().Str("sink", m.Name).Str("topic", topic).Str("key", key).RawJSON("value", jsonOrNull(value)).Msg("Published")
	}
	return nil
}

func jsonOrNull(v []byte) []byte {
	if len(v) == 0 {
		return []byte("null")
	}
	return v
}

// Close is a no-op
func (m *MockSink) Close() error {
	return nil
}

// Published returns a copy of the recorded messages
func (m *MockSink) Published() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockMessage(nil), m.Messages...)
}

// Reset clears all recorded messages
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
}
