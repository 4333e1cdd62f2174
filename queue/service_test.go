package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/textify/dispatch-go/contracts"
	"github.com/textify/dispatch-go/topology"
)

type mockBroker struct {
	mock.Mock
}

func (m *mockBroker) Publish(ctx context.Context, exchange, routingKey string, body []byte, opts PublishOptions) error {
	args := m.Called(ctx, exchange, routingKey, body, opts)
	return args.Error(0)
}

func (m *mockBroker) SendToQueue(ctx context.Context, queue string, body []byte, opts PublishOptions) error {
	args := m.Called(ctx, queue, body, opts)
	return args.Error(0)
}

func (m *mockBroker) Consume(ctx context.Context, queue string, handler func(Delivery)) (ConsumerHandle, error) {
	args := m.Called(ctx, queue, handler)
	h, _ := args.Get(0).(ConsumerHandle)
	return h, args.Error(1)
}

func (m *mockBroker) QueueInfo(ctx context.Context, queue string) (QueueInfo, error) {
	args := m.Called(ctx, queue)
	return args.Get(0).(QueueInfo), args.Error(1)
}

type mockHandle struct {
	mock.Mock
}

func (m *mockHandle) Cancel() error {
	return m.Called().Error(0)
}

type fakeDelivery struct {
	body    []byte
	acked   bool
	nacked  bool
	requeue bool
}

func (d *fakeDelivery) Body() []byte            { return d.body }
func (d *fakeDelivery) Headers() map[string]any { return nil }
func (d *fakeDelivery) MessageID() string       { return "" }
func (d *fakeDelivery) RoutingKey() string      { return "" }
func (d *fakeDelivery) Ack() error              { d.acked = true; return nil }
func (d *fakeDelivery) Nack(requeue bool) error { d.nacked = true; d.requeue = requeue; return nil }

type retryEvent struct {
	attempt int
	delay   time.Duration
}

type recordingObserver struct {
	NoopObserver
	mu           sync.Mutex
	published    int
	processed    int
	retries      []retryEvent
	deadLettered []string
	rejected     []string
}

func (o *recordingObserver) OnPublished(queue string, env *contracts.Envelope, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.published++
}

func (o *recordingObserver) OnProcessed(queue string, env *contracts.Envelope, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.processed++
}

func (o *recordingObserver) OnRetryScheduled(queue string, env *contracts.Envelope, attempt int, delay time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries = append(o.retries, retryEvent{attempt, delay})
}

func (o *recordingObserver) OnDeadLettered(queue string, env *contracts.Envelope, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deadLettered = append(o.deadLettered, reason)
}

func (o *recordingObserver) OnRejected(queue string, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected = append(o.rejected, reason)
}

func testConfig() Config {
	return Config{
		Queue:                topology.TaskQueue,
		Exchange:             topology.WorkExchange,
		RoutingKey:           topology.TaskRoutingKey,
		RetryQueue:           topology.RetryQueue(topology.TaskQueue),
		Retry:                topology.RetryStrategy{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: 10 * time.Second, BackoffMultiplier: 2},
		DeadLetterExchange:   topology.DeadLetterExchange,
		DeadLetterRoutingKey: topology.TaskFailedRoutingKey,
	}
}

func taskEnvelope(t *testing.T) *contracts.Envelope {
	t.Helper()
	msg := contracts.NewTaskMessage(contracts.TaskParams{
		TaskID:  "task-1",
		UserID:  "user-1",
		Payload: json.RawMessage(`{"documentUrl":"gs://bucket/doc.png"}`),
	})
	env, err := contracts.NewEnvelope(msg)
	require.NoError(t, err)
	return env
}

func succeed(ctx context.Context, env *contracts.Envelope) contracts.ProcessingResult {
	return contracts.Succeed(nil)
}

func TestNewService(t *testing.T) {
	broker := &mockBroker{}

	t.Run("rejects nil broker", func(t *testing.T) {
		_, err := NewService(nil, testConfig(), ProcessorFunc(succeed))
		assert.Error(t, err)
	})

	t.Run("rejects empty queue", func(t *testing.T) {
		cfg := testConfig()
		cfg.Queue = ""
		_, err := NewService(broker, cfg, ProcessorFunc(succeed))
		assert.Error(t, err)
	})

	t.Run("rejects nil processor", func(t *testing.T) {
		_, err := NewService(broker, testConfig(), nil)
		assert.Error(t, err)
	})
}

func TestServicePublish(t *testing.T) {
	t.Run("publishes through the configured exchange", func(t *testing.T) {
		broker := &mockBroker{}
		obs := &recordingObserver{}
		svc, err := NewService(broker, testConfig(), ProcessorFunc(succeed), WithObserver(obs))
		require.NoError(t, err)

		env := taskEnvelope(t)
		broker.On("Publish", mock.Anything, topology.WorkExchange, topology.TaskRoutingKey, mock.Anything,
			mock.MatchedBy(func(opts PublishOptions) bool {
				return opts.MessageID == env.ID
			})).Return(nil)

		require.NoError(t, svc.Publish(context.Background(), env, PublishOptions{}))
		broker.AssertExpectations(t)
		assert.Equal(t, 1, obs.published)
	})

	t.Run("falls back to direct queue delivery without an exchange", func(t *testing.T) {
		broker := &mockBroker{}
		cfg := testConfig()
		cfg.Exchange = ""
		svc, err := NewService(broker, cfg, ProcessorFunc(succeed))
		require.NoError(t, err)

		broker.On("SendToQueue", mock.Anything, topology.TaskQueue, mock.Anything, mock.Anything).Return(nil)
		require.NoError(t, svc.Publish(context.Background(), taskEnvelope(t), PublishOptions{}))
		broker.AssertExpectations(t)
	})

	t.Run("surfaces broker errors and still notifies observers", func(t *testing.T) {
		broker := &mockBroker{}
		obs := &recordingObserver{}
		svc, err := NewService(broker, testConfig(), ProcessorFunc(succeed), WithObserver(obs))
		require.NoError(t, err)

		broker.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(errors.New("broker gone"))

		err = svc.Publish(context.Background(), taskEnvelope(t), PublishOptions{})
		assert.Error(t, err)
		assert.Equal(t, 1, obs.published)
	})
}

func TestHandleDeliverySuccess(t *testing.T) {
	broker := &mockBroker{}
	obs := &recordingObserver{}
	svc, err := NewService(broker, testConfig(), ProcessorFunc(succeed), WithObserver(obs))
	require.NoError(t, err)

	body, _ := json.Marshal(taskEnvelope(t))
	d := &fakeDelivery{body: body}

	svc.handleDelivery(context.Background(), d)

	assert.True(t, d.acked)
	assert.False(t, d.nacked)
	assert.Equal(t, 1, obs.processed)
	broker.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleDeliveryMalformedBody(t *testing.T) {
	broker := &mockBroker{}
	obs := &recordingObserver{}
	svc, err := NewService(broker, testConfig(), ProcessorFunc(succeed), WithObserver(obs))
	require.NoError(t, err)

	d := &fakeDelivery{body: []byte("not json")}
	svc.handleDelivery(context.Background(), d)

	assert.True(t, d.nacked)
	assert.False(t, d.requeue, "poison messages must not be requeued")
	assert.False(t, d.acked)
	assert.Len(t, obs.rejected, 1)
}

func TestHandleDeliveryRetry(t *testing.T) {
	t.Run("schedules a delayed retry and acks the original", func(t *testing.T) {
		broker := &mockBroker{}
		obs := &recordingObserver{}
		svc, err := NewService(broker, testConfig(),
			ProcessorFunc(func(ctx context.Context, env *contracts.Envelope) contracts.ProcessingResult {
				return contracts.RetryableFailure(errors.New("recognizer timeout"))
			}),
			WithObserver(obs))
		require.NoError(t, err)

		env := taskEnvelope(t)
		body, _ := json.Marshal(env)

		var retryBody []byte
		broker.On("SendToQueue", mock.Anything, topology.RetryQueue(topology.TaskQueue), mock.Anything,
			mock.MatchedBy(func(opts PublishOptions) bool {
				return opts.Expiration == time.Second && opts.MessageID != env.ID
			})).
			Run(func(args mock.Arguments) { retryBody = args.Get(2).([]byte) }).
			Return(nil)

		d := &fakeDelivery{body: body}
		svc.handleDelivery(context.Background(), d)

		assert.True(t, d.acked)
		broker.AssertExpectations(t)

		var retryEnv contracts.Envelope
		require.NoError(t, json.Unmarshal(retryBody, &retryEnv))
		assert.Equal(t, 1, retryEnv.RetryCount)
		assert.NotEqual(t, env.ID, retryEnv.ID)

		require.Len(t, obs.retries, 1)
		assert.Equal(t, 1, obs.retries[0].attempt)
		assert.Equal(t, time.Second, obs.retries[0].delay)
	})

	t.Run("backoff grows with the retry count", func(t *testing.T) {
		broker := &mockBroker{}
		obs := &recordingObserver{}
		svc, err := NewService(broker, testConfig(),
			ProcessorFunc(func(ctx context.Context, env *contracts.Envelope) contracts.ProcessingResult {
				return contracts.RetryableFailure(errors.New("still down"))
			}),
			WithObserver(obs))
		require.NoError(t, err)

		env := taskEnvelope(t)
		env.RetryCount = 2
		body, _ := json.Marshal(env)

		broker.On("SendToQueue", mock.Anything, mock.Anything, mock.Anything,
			mock.MatchedBy(func(opts PublishOptions) bool {
				return opts.Expiration == 4*time.Second
			})).Return(nil)

		svc.handleDelivery(context.Background(), &fakeDelivery{body: body})
		broker.AssertExpectations(t)
	})

	t.Run("requeues the original when the retry publish fails", func(t *testing.T) {
		broker := &mockBroker{}
		svc, err := NewService(broker, testConfig(),
			ProcessorFunc(func(ctx context.Context, env *contracts.Envelope) contracts.ProcessingResult {
				return contracts.RetryableFailure(errors.New("transient"))
			}))
		require.NoError(t, err)

		broker.On("SendToQueue", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(errors.New("channel closed"))

		body, _ := json.Marshal(taskEnvelope(t))
		d := &fakeDelivery{body: body}
		svc.handleDelivery(context.Background(), d)

		assert.True(t, d.nacked)
		assert.True(t, d.requeue)
		assert.False(t, d.acked)
	})
}

func TestHandleDeliveryDeadLetter(t *testing.T) {
	t.Run("exhausted retry budget goes to the dead-letter exchange", func(t *testing.T) {
		broker := &mockBroker{}
		obs := &recordingObserver{}
		svc, err := NewService(broker, testConfig(),
			ProcessorFunc(func(ctx context.Context, env *contracts.Envelope) contracts.ProcessingResult {
				return contracts.RetryableFailure(errors.New("recognizer timeout"))
			}),
			WithObserver(obs))
		require.NoError(t, err)

		env := taskEnvelope(t)
		env.RetryCount = 3
		body, _ := json.Marshal(env)

		broker.On("Publish", mock.Anything, topology.DeadLetterExchange, topology.TaskFailedRoutingKey, body,
			mock.MatchedBy(func(opts PublishOptions) bool {
				return opts.Headers["x-origin-queue"] == topology.TaskQueue &&
					opts.Headers["x-retry-count"] == int32(3)
			})).Return(nil)

		d := &fakeDelivery{body: body}
		svc.handleDelivery(context.Background(), d)

		assert.True(t, d.acked)
		broker.AssertExpectations(t)
		require.Len(t, obs.deadLettered, 1)
		assert.Contains(t, obs.deadLettered[0], "recognizer timeout")
	})

	t.Run("permanent failures skip the retry path entirely", func(t *testing.T) {
		broker := &mockBroker{}
		svc, err := NewService(broker, testConfig(),
			ProcessorFunc(func(ctx context.Context, env *contracts.Envelope) contracts.ProcessingResult {
				return contracts.PermanentFailure(errors.New("unsupported format"))
			}))
		require.NoError(t, err)

		broker.On("Publish", mock.Anything, topology.DeadLetterExchange, mock.Anything, mock.Anything, mock.Anything).
			Return(nil)

		body, _ := json.Marshal(taskEnvelope(t))
		d := &fakeDelivery{body: body}
		svc.handleDelivery(context.Background(), d)

		assert.True(t, d.acked)
		broker.AssertNotCalled(t, "SendToQueue", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("envelope retry budget overrides the strategy default", func(t *testing.T) {
		broker := &mockBroker{}
		svc, err := NewService(broker, testConfig(),
			ProcessorFunc(func(ctx context.Context, env *contracts.Envelope) contracts.ProcessingResult {
				return contracts.RetryableFailure(errors.New("transient"))
			}))
		require.NoError(t, err)

		env := taskEnvelope(t).WithRetryBudget(1)
		env.RetryCount = 1
		body, _ := json.Marshal(env)

		broker.On("Publish", mock.Anything, topology.DeadLetterExchange, mock.Anything, mock.Anything, mock.Anything).
			Return(nil)

		d := &fakeDelivery{body: body}
		svc.handleDelivery(context.Background(), d)

		assert.True(t, d.acked)
		broker.AssertNotCalled(t, "SendToQueue", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("requeues the original when the dead-letter publish fails", func(t *testing.T) {
		broker := &mockBroker{}
		svc, err := NewService(broker, testConfig(),
			ProcessorFunc(func(ctx context.Context, env *contracts.Envelope) contracts.ProcessingResult {
				return contracts.PermanentFailure(errors.New("bad input"))
			}))
		require.NoError(t, err)

		broker.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(errors.New("connection lost"))

		body, _ := json.Marshal(taskEnvelope(t))
		d := &fakeDelivery{body: body}
		svc.handleDelivery(context.Background(), d)

		assert.True(t, d.nacked)
		assert.True(t, d.requeue)
	})
}

func TestHandleDeliveryPanic(t *testing.T) {
	broker := &mockBroker{}
	obs := &recordingObserver{}
	svc, err := NewService(broker, testConfig(),
		ProcessorFunc(func(ctx context.Context, env *contracts.Envelope) contracts.ProcessingResult {
			panic("nil map write")
		}),
		WithObserver(obs))
	require.NoError(t, err)

	body, _ := json.Marshal(taskEnvelope(t))
	d := &fakeDelivery{body: body}
	svc.handleDelivery(context.Background(), d)

	assert.True(t, d.nacked)
	assert.False(t, d.requeue)
	assert.False(t, d.acked)
	assert.Len(t, obs.rejected, 1)
	broker.AssertNotCalled(t, "SendToQueue", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// TestRetryLifecycle drives one logical message through its whole retry
// budget: three scheduled retries with growing delays, then a dead-letter.
func TestRetryLifecycle(t *testing.T) {
	broker := &mockBroker{}
	obs := &recordingObserver{}
	svc, err := NewService(broker, testConfig(),
		ProcessorFunc(func(ctx context.Context, env *contracts.Envelope) contracts.ProcessingResult {
			return contracts.RetryableFailure(errors.New("recognizer down"))
		}),
		WithObserver(obs))
	require.NoError(t, err)

	var nextBody []byte
	broker.On("SendToQueue", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { nextBody = args.Get(2).([]byte) }).
		Return(nil)
	broker.On("Publish", mock.Anything, topology.DeadLetterExchange, mock.Anything, mock.Anything, mock.Anything).
		Return(nil)

	body, _ := json.Marshal(taskEnvelope(t))
	for i := 0; i < 4; i++ {
		d := &fakeDelivery{body: body}
		svc.handleDelivery(context.Background(), d)
		assert.True(t, d.acked, "attempt %d must end in an ack", i)
		body = nextBody
	}

	require.Len(t, obs.retries, 3)
	assert.Equal(t, []retryEvent{
		{attempt: 1, delay: time.Second},
		{attempt: 2, delay: 2 * time.Second},
		{attempt: 3, delay: 4 * time.Second},
	}, obs.retries)
	require.Len(t, obs.deadLettered, 1)
	broker.AssertNumberOfCalls(t, "SendToQueue", 3)
	broker.AssertNumberOfCalls(t, "Publish", 1)
}

func TestStartStopConsuming(t *testing.T) {
	t.Run("start is idempotent", func(t *testing.T) {
		broker := &mockBroker{}
		handle := &mockHandle{}
		svc, err := NewService(broker, testConfig(), ProcessorFunc(succeed))
		require.NoError(t, err)

		broker.On("Consume", mock.Anything, topology.TaskQueue, mock.Anything).Return(handle, nil).Once()

		require.NoError(t, svc.StartConsuming(context.Background()))
		require.NoError(t, svc.StartConsuming(context.Background()))
		broker.AssertExpectations(t)
	})

	t.Run("stop cancels the subscription and is idempotent", func(t *testing.T) {
		broker := &mockBroker{}
		handle := &mockHandle{}
		svc, err := NewService(broker, testConfig(), ProcessorFunc(succeed))
		require.NoError(t, err)

		broker.On("Consume", mock.Anything, mock.Anything, mock.Anything).Return(handle, nil)
		handle.On("Cancel").Return(nil).Once()

		require.NoError(t, svc.StartConsuming(context.Background()))
		require.NoError(t, svc.StopConsuming())
		require.NoError(t, svc.StopConsuming())
		handle.AssertExpectations(t)
	})

	t.Run("stop before start is a no-op", func(t *testing.T) {
		svc, err := NewService(&mockBroker{}, testConfig(), ProcessorFunc(succeed))
		require.NoError(t, err)
		require.NoError(t, svc.StopConsuming())
	})

	t.Run("consuming flag tracks the lifecycle", func(t *testing.T) {
		broker := &mockBroker{}
		handle := &mockHandle{}
		svc, err := NewService(broker, testConfig(), ProcessorFunc(succeed))
		require.NoError(t, err)

		broker.On("Consume", mock.Anything, mock.Anything, mock.Anything).Return(handle, nil)
		handle.On("Cancel").Return(nil)

		assert.False(t, svc.IsConsuming())
		require.NoError(t, svc.StartConsuming(context.Background()))
		assert.True(t, svc.IsConsuming())
		require.NoError(t, svc.StopConsuming())
		assert.False(t, svc.IsConsuming())
	})
}

func TestStats(t *testing.T) {
	broker := &mockBroker{}
	svc, err := NewService(broker, testConfig(), ProcessorFunc(succeed))
	require.NoError(t, err)

	broker.On("QueueInfo", mock.Anything, topology.TaskQueue).
		Return(QueueInfo{Name: topology.TaskQueue, Messages: 7, Consumers: 1}, nil)

	info, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, info.Messages)
}
