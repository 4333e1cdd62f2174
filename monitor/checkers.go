package monitor

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/textify/dispatch-go/internal/rabbitmq"
	"github.com/textify/dispatch-go/queue"
)

// BrokerChecker reports the connection manager's lifecycle position.
type BrokerChecker struct {
	cm *rabbitmq.ConnectionManager
}

// NewBrokerChecker wraps a connection manager.
func NewBrokerChecker(cm *rabbitmq.ConnectionManager) *BrokerChecker {
	return &BrokerChecker{cm: cm}
}

func (c *BrokerChecker) Name() string { return "broker" }

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	state := c.cm.State()
	res := CheckResult{
		Details: map[string]any{"state": state.String()},
	}
	switch state {
	case rabbitmq.StateConnected:
		res.Status = StatusHealthy
	case rabbitmq.StateConnecting, rabbitmq.StateReconnecting:
		res.Status = StatusDegraded
		res.Message = "connection is being (re)established"
	default:
		res.Status = StatusUnhealthy
		res.Message = fmt.Sprintf("connection is %s", state)
	}
	return res
}

// RedisChecker pings the status store backend.
type RedisChecker struct {
	client *redis.Client
}

// NewRedisChecker wraps a Redis client.
func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string { return "redis" }

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// ConsumingService is a queue-bound service whose consumer loop can be
// probed. The delivery engine's Service satisfies it.
type ConsumingService interface {
	Queue() string
	IsConsuming() bool
}

// ConsumerChecker reports whether one enabled consumer is actually running.
type ConsumerChecker struct {
	svc ConsumingService
}

// NewConsumerChecker wraps a consuming service.
func NewConsumerChecker(svc ConsumingService) *ConsumerChecker {
	return &ConsumerChecker{svc: svc}
}

func (c *ConsumerChecker) Name() string { return "consumer:" + c.svc.Queue() }

func (c *ConsumerChecker) Check(ctx context.Context) CheckResult {
	if !c.svc.IsConsuming() {
		return CheckResult{
			Status: StatusUnhealthy,
			Error:  fmt.Sprintf("not consuming from %s", c.svc.Queue()),
		}
	}
	return CheckResult{Status: StatusHealthy}
}

// QueueDepthChecker degrades when a queue backs up past its threshold.
type QueueDepthChecker struct {
	broker    queue.Broker
	queueName string
	threshold int
}

// NewQueueDepthChecker watches one queue's depth.
func NewQueueDepthChecker(broker queue.Broker, queueName string, threshold int) *QueueDepthChecker {
	return &QueueDepthChecker{broker: broker, queueName: queueName, threshold: threshold}
}

func (c *QueueDepthChecker) Name() string { return "queue:" + c.queueName }

func (c *QueueDepthChecker) Check(ctx context.Context) CheckResult {
	info, err := c.broker.QueueInfo(ctx, c.queueName)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}

	res := CheckResult{
		Status: StatusHealthy,
		Details: map[string]any{
			"messages":  info.Messages,
			"consumers": info.Consumers,
		},
	}
	if c.threshold > 0 && info.Messages >= c.threshold {
		res.Status = StatusDegraded
		res.Message = fmt.Sprintf("%d messages waiting (threshold %d)", info.Messages, c.threshold)
	}
	return res
}
