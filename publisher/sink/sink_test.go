package sink

import (
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/binlogtap/cfg"
	"github.com/maxpert/binlogtap/common"
	"github.com/maxpert/binlogtap/publisher"
	_ "github.com/maxpert/binlogtap/publisher/transformer"
)

func TestDefaultKafkaConfig(t *testing.T) {
	config := DefaultKafkaConfig([]string{"localhost:9092", "localhost:9093"})

	assert.Len(t, config.Brokers, 2)
	assert.Equal(t, 100, config.BatchSize)
	assert.Equal(t, int64(1048576), config.BatchBytes)
	assert.Equal(t, kafka.RequireAll, config.RequiredAcks)
	assert.Equal(t, 10*time.Second, config.WriteTimeout)
}

func TestNewKafkaSink(t *testing.T) {
	sink, err := NewKafkaSink(KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		BatchSize:    50,
		BatchBytes:   2048,
		RequiredAcks: kafka.RequireOne,
	})
	require.NoError(t, err)
	defer sink.Close()

	assert.Equal(t, 50, sink.writer.BatchSize)
	assert.Equal(t, int64(2048), sink.writer.BatchBytes)
	assert.Equal(t, kafka.RequireOne, sink.writer.RequiredAcks)
	assert.False(t, sink.writer.Async, "publishes must be acknowledged before the cursor moves")
	assert.IsType(t, &kafka.Hash{}, sink.writer.Balancer)
	assert.Equal(t, DefaultKafkaWriteTimeout, sink.writeTimeout)
}

func TestNewKafkaSinkEmptyBrokers(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{})
	require.Error(t, err)
	assert.Equal(t, common.KindConfiguration, common.KindOf(err))
}

func TestNatsSinkRequiresURL(t *testing.T) {
	_, err := publisher.NewRegistry(publisher.RegistryConfig{
		DataDir:     t.TempDir(),
		SinkConfigs: []cfg.SinkConfiguration{{Name: "n", Type: "nats"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nats_url is required")
}

func TestStreamName(t *testing.T) {
	assert.Equal(t, "binlogtap_shop_users", streamName("binlogtap.shop.users"))
	assert.Equal(t, "cdc__", streamName("cdc.>"))
}

func TestMockSink(t *testing.T) {
	mock := &MockSink{}

	require.NoError(t, mock.Publish("shop.users", "[1]", []byte(`{"op":"c"}`)))
	require.NoError(t, mock.Publish("shop.users", "[1]", nil))

	msgs := mock.Published()
	require.Len(t, msgs, 2)
	assert.Equal(t, MockMessage{Topic: "shop.users", Key: "[1]", Value: []byte(`{"op":"c"}`)}, msgs[0])
	assert.Nil(t, msgs[1].Value, "tombstone")

	mock.Reset()
	assert.Empty(t, mock.Published())
	assert.NoError(t, mock.Close())
}

func TestMockSinkPublishError(t *testing.T) {
	expected := errors.New("publish failed")
	mock := &MockSink{PublishErr: expected}

	assert.ErrorIs(t, mock.Publish("t", "k", []byte("v")), expected)
	assert.Empty(t, mock.Published())
}

func TestMockSinkConcurrent(t *testing.T) {
	mock := &MockSink{Log: true}
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			_ = mock.Publish("topic", "key", []byte(`"value"`))
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	assert.Len(t, mock.Published(), 10)
}

func TestLogSinkRegistered(t *testing.T) {
	registry, err := publisher.NewRegistry(publisher.RegistryConfig{
		DataDir:     t.TempDir(),
		SinkConfigs: []cfg.SinkConfiguration{{Name: "dry-run", Type: "log"}},
	})
	require.NoError(t, err)
	require.NoError(t, registry.Start())
	defer registry.Stop()
	assert.Equal(t, []string{"dry-run"}, registry.Sinks())
}
