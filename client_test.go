package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textify/dispatch-go/contracts"
	"github.com/textify/dispatch-go/services"
	"github.com/textify/dispatch-go/topology"
)

type noopWorker struct{}

func (noopWorker) Recognize(context.Context, *contracts.TaskMessage) (*contracts.RecognitionResult, error) {
	return &contracts.RecognitionResult{Text: "ok"}, nil
}

type noopDeliverer struct {
	channel contracts.Channel
}

func (d *noopDeliverer) Channel() contracts.Channel { return d.channel }

func (d *noopDeliverer) Deliver(context.Context, *contracts.NotificationMessage) error { return nil }

func testConfig() Config {
	return Config{
		Broker: topology.BrokerConfig{
			Host:     "localhost",
			Port:     5672,
			Username: "guest",
			Password: "guest",
		},
	}
}

func TestNewOrchestrator(t *testing.T) {
	t.Run("publish-only configuration", func(t *testing.T) {
		orch, err := New(testConfig())
		require.NoError(t, err)
		defer orch.Close()

		assert.NotNil(t, orch.Tasks())
		assert.NotNil(t, orch.Statuses())
		assert.NotNil(t, orch.Notifications())
		assert.Nil(t, orch.DeadLetters(), "no archive path means no archiver")
		assert.Empty(t, orch.consumers, "nothing to consume without worker or deliverers")
	})

	t.Run("worker enables task consumption", func(t *testing.T) {
		cfg := testConfig()
		cfg.Worker = noopWorker{}

		orch, err := New(cfg)
		require.NoError(t, err)
		defer orch.Close()

		assert.Len(t, orch.consumers, 2, "normal and expedited task queues")
	})

	t.Run("deliverers enable fan-out and channel queues", func(t *testing.T) {
		cfg := testConfig()
		cfg.Deliverers = []services.ChannelDeliverer{
			&noopDeliverer{channel: contracts.ChannelSocket},
			&noopDeliverer{channel: contracts.ChannelEmail},
		}

		orch, err := New(cfg)
		require.NoError(t, err)
		defer orch.Close()

		assert.Len(t, orch.consumers, 3, "broadcast queue plus one per channel")
		assert.Len(t, orch.channelEngines, 2, "fan-out routes to each channel engine")
	})

	t.Run("duplicate channel deliverers are rejected", func(t *testing.T) {
		cfg := testConfig()
		cfg.Deliverers = []services.ChannelDeliverer{
			&noopDeliverer{channel: contracts.ChannelSocket},
			&noopDeliverer{channel: contracts.ChannelSocket},
		}

		_, err := New(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate")
	})

	t.Run("unroutable channel is rejected", func(t *testing.T) {
		cfg := testConfig()
		cfg.Deliverers = []services.ChannelDeliverer{
			&noopDeliverer{channel: contracts.Channel("pigeon")},
		}

		_, err := New(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pigeon")
	})

	t.Run("archive path enables the dead-letter archiver", func(t *testing.T) {
		cfg := testConfig()
		cfg.ArchivePath = ":memory:"

		orch, err := New(cfg)
		require.NoError(t, err)
		defer orch.Close()

		assert.NotNil(t, orch.DeadLetters())
	})
}

func TestOrchestratorHealthCheck(t *testing.T) {
	t.Run("disconnected broker fails health", func(t *testing.T) {
		orch, err := New(testConfig())
		require.NoError(t, err)
		defer orch.Close()

		healthy, failing := orch.HealthCheck(context.Background())
		assert.False(t, healthy)
		assert.Contains(t, failing, "broker")
	})

	t.Run("enabled consumers are probed individually", func(t *testing.T) {
		cfg := testConfig()
		cfg.Worker = noopWorker{}

		orch, err := New(cfg)
		require.NoError(t, err)
		defer orch.Close()

		_, failing := orch.HealthCheck(context.Background())
		assert.Contains(t, failing, "consumer:"+topology.TaskQueue)
		assert.Contains(t, failing, "consumer:"+topology.TaskHighQueue)
	})
}

func TestOrchestratorStats(t *testing.T) {
	orch, err := New(testConfig())
	require.NoError(t, err)
	defer orch.Close()

	stats := orch.Stats(context.Background())
	require.Contains(t, stats, topology.TaskQueue)
	require.Contains(t, stats, topology.StatusQueue)
	assert.Equal(t, -1, stats[topology.TaskQueue].Messages, "disconnected queues are marked, not omitted")
}

func TestOrchestratorStopBeforeStart(t *testing.T) {
	orch, err := New(testConfig())
	require.NoError(t, err)
	defer orch.Close()

	assert.NoError(t, orch.Stop(context.Background()))
}
