package topology

import "time"

// Exchange names.
const (
	WorkExchange         = "work.direct"
	EventsExchange       = "events.topic"
	NotificationExchange = "notification.fanout"
	DeadLetterExchange   = "dlx.direct"
)

// Queue names.
const (
	TaskQueue               = "task.process"
	TaskHighQueue           = "task.process.high"
	StatusQueue             = "task.status"
	NotificationQueue       = "notification.broadcast"
	SocketNotificationQueue = "notification.socket"
	EmailNotificationQueue  = "notification.email"
	SMSNotificationQueue    = "notification.sms"
	DeadLetterQueue         = "dead.letter"
)

// Routing keys.
const (
	TaskRoutingKey         = "task.process"
	TaskHighRoutingKey     = "task.process.high"
	StatusRoutingKey       = "task.status.update"
	SocketRoutingKey       = "notification.socket"
	EmailRoutingKey        = "notification.email"
	SMSRoutingKey          = "notification.sms"
	TaskFailedRoutingKey   = "task.failed"
	StatusFailedRoutingKey = "status.failed"
	NotifyFailedRoutingKey = "notification.failed"
	DeadLetterRoutingKey   = "dead.letter"
)

// Exchange describes one exchange to assert on the broker.
type Exchange struct {
	Name       string
	Kind       string // direct, topic or fanout
	Durable    bool
	AutoDelete bool
}

// Queue describes one queue to assert on the broker.
type Queue struct {
	Name                 string
	Durable              bool
	AutoDelete           bool
	Exclusive            bool
	TTL                  time.Duration
	MaxPriority          int
	MaxLength            int
	DeadLetterExchange   string
	DeadLetterRoutingKey string
}

// Arguments renders the queue's x-arguments for declaration.
func (q Queue) Arguments() map[string]any {
	args := map[string]any{}
	if q.TTL > 0 {
		args["x-message-ttl"] = q.TTL.Milliseconds()
	}
	if q.MaxPriority > 0 {
		args["x-max-priority"] = int32(q.MaxPriority)
	}
	if q.MaxLength > 0 {
		args["x-max-length"] = int32(q.MaxLength)
	}
	if q.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = q.DeadLetterExchange
		args["x-dead-letter-routing-key"] = q.DeadLetterRoutingKey
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// Binding attaches a queue to an exchange under a routing key.
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Topology is the complete broker layout asserted on connect.
type Topology struct {
	Exchanges []Exchange
	Queues    []Queue
	Bindings  []Binding
}

// RetryQueue returns the name of the delay queue paired with a work queue.
// Messages published there with a per-message expiration dead-letter back to
// the work exchange once the delay elapses, which is how retry-by-republish
// resurfaces a message after its computed backoff.
func RetryQueue(queue string) string {
	return queue + ".retry"
}

// Default builds the standard topology: the work, events, notification and
// dead-letter exchanges, the task/status/notification queues with their TTL
// and dead-letter arguments, a retry queue per work queue, and all bindings.
func Default() Topology {
	exchanges := []Exchange{
		{Name: WorkExchange, Kind: "direct", Durable: true},
		{Name: EventsExchange, Kind: "topic", Durable: true},
		{Name: NotificationExchange, Kind: "fanout", Durable: true},
		{Name: DeadLetterExchange, Kind: "direct", Durable: true},
	}

	queues := []Queue{
		{
			Name: TaskQueue, Durable: true,
			TTL: time.Hour, MaxPriority: 10,
			DeadLetterExchange: DeadLetterExchange, DeadLetterRoutingKey: TaskFailedRoutingKey,
		},
		{
			Name: TaskHighQueue, Durable: true,
			TTL: 30 * time.Minute, MaxPriority: 10,
			DeadLetterExchange: DeadLetterExchange, DeadLetterRoutingKey: TaskFailedRoutingKey,
		},
		{
			Name: StatusQueue, Durable: true,
			TTL:                10 * time.Minute,
			DeadLetterExchange: DeadLetterExchange, DeadLetterRoutingKey: StatusFailedRoutingKey,
		},
		{
			Name: NotificationQueue, Durable: true,
			TTL:                24 * time.Hour,
			DeadLetterExchange: DeadLetterExchange, DeadLetterRoutingKey: NotifyFailedRoutingKey,
		},
		{
			Name: SocketNotificationQueue, Durable: true,
			TTL:                5 * time.Minute,
			DeadLetterExchange: DeadLetterExchange, DeadLetterRoutingKey: NotifyFailedRoutingKey,
		},
		{
			Name: EmailNotificationQueue, Durable: true,
			TTL:                time.Hour,
			DeadLetterExchange: DeadLetterExchange, DeadLetterRoutingKey: NotifyFailedRoutingKey,
		},
		{
			Name: SMSNotificationQueue, Durable: true,
			TTL:                time.Hour,
			DeadLetterExchange: DeadLetterExchange, DeadLetterRoutingKey: NotifyFailedRoutingKey,
		},
		{
			Name: DeadLetterQueue, Durable: true,
			TTL: 7 * 24 * time.Hour,
		},
	}

	bindings := []Binding{
		{Queue: TaskQueue, Exchange: WorkExchange, RoutingKey: TaskRoutingKey},
		{Queue: TaskHighQueue, Exchange: WorkExchange, RoutingKey: TaskHighRoutingKey},
		{Queue: StatusQueue, Exchange: WorkExchange, RoutingKey: StatusRoutingKey},
		{Queue: NotificationQueue, Exchange: NotificationExchange, RoutingKey: ""},
		{Queue: SocketNotificationQueue, Exchange: WorkExchange, RoutingKey: SocketRoutingKey},
		{Queue: EmailNotificationQueue, Exchange: WorkExchange, RoutingKey: EmailRoutingKey},
		{Queue: SMSNotificationQueue, Exchange: WorkExchange, RoutingKey: SMSRoutingKey},
		{Queue: DeadLetterQueue, Exchange: DeadLetterExchange, RoutingKey: TaskFailedRoutingKey},
		{Queue: DeadLetterQueue, Exchange: DeadLetterExchange, RoutingKey: StatusFailedRoutingKey},
		{Queue: DeadLetterQueue, Exchange: DeadLetterExchange, RoutingKey: NotifyFailedRoutingKey},
		{Queue: DeadLetterQueue, Exchange: DeadLetterExchange, RoutingKey: DeadLetterRoutingKey},
	}

	// Each work queue gets a companion delay queue that routes expired
	// messages back to the work exchange under the original routing key.
	retryable := []struct {
		queue      string
		routingKey string
	}{
		{TaskQueue, TaskRoutingKey},
		{TaskHighQueue, TaskHighRoutingKey},
		{StatusQueue, StatusRoutingKey},
		{NotificationQueue, ""},
		{SocketNotificationQueue, SocketRoutingKey},
		{EmailNotificationQueue, EmailRoutingKey},
		{SMSNotificationQueue, SMSRoutingKey},
	}
	for _, r := range retryable {
		exchange := WorkExchange
		if r.queue == NotificationQueue {
			exchange = NotificationExchange
		}
		queues = append(queues, Queue{
			Name: RetryQueue(r.queue), Durable: true,
			DeadLetterExchange:   exchange,
			DeadLetterRoutingKey: r.routingKey,
		})
	}

	return Topology{Exchanges: exchanges, Queues: queues, Bindings: bindings}
}
