package services

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/textify/dispatch-go/contracts"
	"github.com/textify/dispatch-go/queue"
	"github.com/textify/dispatch-go/store"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, env *contracts.Envelope, opts queue.PublishOptions) error {
	args := m.Called(ctx, env, opts)
	return args.Error(0)
}

type mockStatusReporter struct {
	mock.Mock
}

func (m *mockStatusReporter) UpdateStatus(ctx context.Context, p contracts.StatusParams) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) SendNotification(ctx context.Context, p contracts.NotificationParams) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

type mockWorker struct {
	mock.Mock
}

func (m *mockWorker) Recognize(ctx context.Context, task *contracts.TaskMessage) (*contracts.RecognitionResult, error) {
	args := m.Called(ctx, task)
	res, _ := args.Get(0).(*contracts.RecognitionResult)
	return res, args.Error(1)
}

type mockStatusStore struct {
	mock.Mock
}

func (m *mockStatusStore) Save(ctx context.Context, rec store.StatusRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *mockStatusStore) Get(ctx context.Context, taskID string) (store.StatusRecord, error) {
	args := m.Called(ctx, taskID)
	return args.Get(0).(store.StatusRecord), args.Error(1)
}

func (m *mockStatusStore) Delete(ctx context.Context, taskID string) error {
	args := m.Called(ctx, taskID)
	return args.Error(0)
}

type mockDeliverer struct {
	mock.Mock
	channel contracts.Channel
}

func (m *mockDeliverer) Channel() contracts.Channel {
	return m.channel
}

func (m *mockDeliverer) Deliver(ctx context.Context, msg *contracts.NotificationMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

type mockBroker struct {
	mock.Mock
}

func (m *mockBroker) Publish(ctx context.Context, exchange, routingKey string, body []byte, opts queue.PublishOptions) error {
	args := m.Called(ctx, exchange, routingKey, body, opts)
	return args.Error(0)
}

func (m *mockBroker) SendToQueue(ctx context.Context, queueName string, body []byte, opts queue.PublishOptions) error {
	args := m.Called(ctx, queueName, body, opts)
	return args.Error(0)
}

func (m *mockBroker) Consume(ctx context.Context, queueName string, handler func(queue.Delivery)) (queue.ConsumerHandle, error) {
	args := m.Called(ctx, queueName, handler)
	h, _ := args.Get(0).(queue.ConsumerHandle)
	return h, args.Error(1)
}

func (m *mockBroker) QueueInfo(ctx context.Context, queueName string) (queue.QueueInfo, error) {
	args := m.Called(ctx, queueName)
	return args.Get(0).(queue.QueueInfo), args.Error(1)
}

type mockHandle struct {
	mock.Mock
}

func (m *mockHandle) Cancel() error {
	return m.Called().Error(0)
}

type mockFailedStore struct {
	mock.Mock
}

func (m *mockFailedStore) Save(ctx context.Context, msg store.FailedMessage) (string, error) {
	args := m.Called(ctx, msg)
	return args.String(0), args.Error(1)
}

func (m *mockFailedStore) Get(ctx context.Context, id string) (store.FailedMessage, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(store.FailedMessage), args.Error(1)
}

func (m *mockFailedStore) List(ctx context.Context, limit int) ([]store.FailedMessage, error) {
	args := m.Called(ctx, limit)
	msgs, _ := args.Get(0).([]store.FailedMessage)
	return msgs, args.Error(1)
}

func (m *mockFailedStore) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func (m *mockFailedStore) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockFailedStore) Close() error {
	return m.Called().Error(0)
}

type fakeDelivery struct {
	body      []byte
	headers   map[string]any
	messageID string
	acked     bool
	nacked    bool
	requeue   bool
}

func (d *fakeDelivery) Body() []byte            { return d.body }
func (d *fakeDelivery) Headers() map[string]any { return d.headers }
func (d *fakeDelivery) MessageID() string       { return d.messageID }
func (d *fakeDelivery) RoutingKey() string      { return "" }
func (d *fakeDelivery) Ack() error              { d.acked = true; return nil }
func (d *fakeDelivery) Nack(requeue bool) error { d.nacked = true; d.requeue = requeue; return nil }
