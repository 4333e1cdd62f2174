package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/textify/dispatch-go/contracts"
	"github.com/textify/dispatch-go/internal/rabbitmq"
	"github.com/textify/dispatch-go/monitor"
	"github.com/textify/dispatch-go/queue"
	"github.com/textify/dispatch-go/services"
	"github.com/textify/dispatch-go/store"
	"github.com/textify/dispatch-go/topology"
)

// Config assembles an Orchestrator. Optional collaborators switch features
// on: a Worker enables task consumption, a Redis client enables the status
// sink, deliverers enable notification fan-out and an archive path enables
// the dead-letter archiver. Submission and publishing always work.
type Config struct {
	Broker   topology.BrokerConfig
	Topology topology.Topology

	// Worker processes task deliveries.
	Worker services.Worker
	// Redis backs the status store.
	Redis *redis.Client
	// StatusTTL bounds status record lifetime. Zero keeps them forever.
	StatusTTL time.Duration
	// ArchivePath locates the SQLite dead-letter archive.
	ArchivePath string
	// Deliverers handle notification channels.
	Deliverers []services.ChannelDeliverer

	// MonitorAddr serves /healthz, /stats and /metrics when set.
	MonitorAddr string
	// QueueDepthThreshold degrades health once the task queue backs up
	// past it. Zero uses a sensible default.
	QueueDepthThreshold int

	// BlockOnReconnect makes publishes wait out a reconnect instead of
	// failing fast.
	BlockOnReconnect bool

	Logger *slog.Logger
}

const defaultQueueDepthThreshold = 1000

// Orchestrator owns the lifecycle of every component: connect, start
// consumers, stop, close.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	cm      *rabbitmq.ConnectionManager
	metrics *monitor.Metrics
	promReg *prometheus.Registry
	health  *monitor.Registry
	server  *monitor.Server

	statusStore store.StatusStore
	archive     store.FailedMessageStore

	tasks         *services.TaskService
	statuses      *services.StatusService
	notifications *services.NotificationService
	deadLetters   *services.DeadLetterService

	// engines holds every queue-bound delivery engine; consumers holds the
	// subset this deployment actually consumes from. channelEngines indexes
	// the notification channel engines for the broadcast fan-out.
	engines        map[string]*queue.Service
	channelEngines map[contracts.Channel]*queue.Service
	consumers      []*queue.Service

	mu      sync.Mutex
	started bool
}

type publisherFunc func(ctx context.Context, env *contracts.Envelope, opts queue.PublishOptions) error

func (f publisherFunc) Publish(ctx context.Context, env *contracts.Envelope, opts queue.PublishOptions) error {
	return f(ctx, env, opts)
}

// New wires the orchestrator. Nothing touches the broker until Connect.
func New(cfg Config) (*Orchestrator, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Topology.Queues) == 0 {
		cfg.Topology = topology.Default()
	}
	if cfg.QueueDepthThreshold == 0 {
		cfg.QueueDepthThreshold = defaultQueueDepthThreshold
	}

	o := &Orchestrator{
		cfg:     cfg,
		logger:  logger,
		promReg: prometheus.NewRegistry(),
		health:         monitor.NewRegistry(5 * time.Second),
		engines:        make(map[string]*queue.Service),
		channelEngines: make(map[contracts.Channel]*queue.Service),
	}
	o.metrics = monitor.NewMetrics(o.promReg)

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(logger),
		rabbitmq.WithTopology(cfg.Topology),
	}
	if cfg.BlockOnReconnect {
		connOpts = append(connOpts, rabbitmq.WithBlockOnReconnect())
	}
	o.cm = rabbitmq.NewConnectionManager(cfg.Broker, connOpts...)
	o.cm.AddStateListener(o.metrics)

	if cfg.Redis != nil {
		o.statusStore = store.NewRedisStatusStore(cfg.Redis, cfg.StatusTTL)
	}
	if cfg.ArchivePath != "" {
		archive, err := store.NewSQLiteFailedMessageStore(cfg.ArchivePath)
		if err != nil {
			return nil, err
		}
		o.archive = archive
	}

	if err := o.buildServices(); err != nil {
		if o.archive != nil {
			_ = o.archive.Close()
		}
		return nil, err
	}
	o.buildMonitoring()
	return o, nil
}

func (o *Orchestrator) buildServices() error {
	logger := o.logger

	// The engines and domain services reference each other (a service
	// publishes through its engine, the engine processes through the
	// service), so publishers are bound through late closures.
	var taskEngine, highEngine, statusEngine, notifyEngine *queue.Service

	statusSvc, err := services.NewStatusService(
		publisherFunc(func(ctx context.Context, env *contracts.Envelope, opts queue.PublishOptions) error {
			return statusEngine.Publish(ctx, env, opts)
		}),
		o.statusStore,
		services.WithStatusLogger(logger),
	)
	if err != nil {
		return err
	}

	// The broadcast consumer routes one envelope per channel onto that
	// channel's queue; the channel engines exist only after
	// buildChannelEngines, so routing goes through late lookups too.
	channelPubs := make(map[contracts.Channel]services.Publisher, len(o.cfg.Deliverers))
	for _, d := range o.cfg.Deliverers {
		ch := d.Channel()
		channelPubs[ch] = publisherFunc(func(ctx context.Context, env *contracts.Envelope, opts queue.PublishOptions) error {
			return o.channelEngines[ch].Publish(ctx, env, opts)
		})
	}

	notifySvc, err := services.NewNotificationService(
		publisherFunc(func(ctx context.Context, env *contracts.Envelope, opts queue.PublishOptions) error {
			return notifyEngine.Publish(ctx, env, opts)
		}),
		channelPubs,
		services.WithNotificationLogger(logger),
	)
	if err != nil {
		return err
	}

	taskSvc, err := services.NewTaskService(services.TaskServiceDeps{
		Tasks: publisherFunc(func(ctx context.Context, env *contracts.Envelope, opts queue.PublishOptions) error {
			return taskEngine.Publish(ctx, env, opts)
		}),
		HighTasks: publisherFunc(func(ctx context.Context, env *contracts.Envelope, opts queue.PublishOptions) error {
			return highEngine.Publish(ctx, env, opts)
		}),
		Status:       statusSvc,
		Notifier:     notifySvc,
		Worker:       o.cfg.Worker,
		StatusLookup: o.statusStore,
	}, services.WithTaskLogger(logger))
	if err != nil {
		return err
	}

	taskEngine, err = o.buildEngine(queue.Config{
		Queue:      topology.TaskQueue,
		Exchange:   topology.WorkExchange,
		RoutingKey: topology.TaskRoutingKey,
		Retry:      topology.TaskRetryStrategy,
	}, topology.TaskFailedRoutingKey, taskSvc)
	if err != nil {
		return err
	}
	highEngine, err = o.buildEngine(queue.Config{
		Queue:      topology.TaskHighQueue,
		Exchange:   topology.WorkExchange,
		RoutingKey: topology.TaskHighRoutingKey,
		Retry:      topology.TaskRetryStrategy,
	}, topology.TaskFailedRoutingKey, taskSvc)
	if err != nil {
		return err
	}
	statusEngine, err = o.buildEngine(queue.Config{
		Queue:      topology.StatusQueue,
		Exchange:   topology.WorkExchange,
		RoutingKey: topology.StatusRoutingKey,
		Retry:      topology.StatusRetryStrategy,
	}, topology.StatusFailedRoutingKey, statusSvc)
	if err != nil {
		return err
	}
	notifyEngine, err = o.buildEngine(queue.Config{
		Queue:      topology.NotificationQueue,
		Exchange:   topology.NotificationExchange,
		RoutingKey: "",
		Retry:      topology.NotificationRetryStrategy,
	}, topology.NotifyFailedRoutingKey, notifySvc)
	if err != nil {
		return err
	}

	if o.cfg.Worker != nil {
		o.consumers = append(o.consumers, taskEngine, highEngine)
	}
	if o.statusStore != nil {
		o.consumers = append(o.consumers, statusEngine)
	}
	if len(o.cfg.Deliverers) > 0 {
		o.consumers = append(o.consumers, notifyEngine)
		if err := o.buildChannelEngines(); err != nil {
			return err
		}
	}

	if o.archive != nil {
		dlq, err := services.NewDeadLetterService(o.cm, o.archive, services.WithDeadLetterLogger(logger))
		if err != nil {
			return err
		}
		o.deadLetters = dlq
	}

	o.tasks = taskSvc
	o.statuses = statusSvc
	o.notifications = notifySvc
	return nil
}

// buildChannelEngines binds each deliverer to its dedicated channel queue.
func (o *Orchestrator) buildChannelEngines() error {
	routing := map[contracts.Channel]struct {
		queue string
		key   string
	}{
		contracts.ChannelSocket: {topology.SocketNotificationQueue, topology.SocketRoutingKey},
		contracts.ChannelEmail:  {topology.EmailNotificationQueue, topology.EmailRoutingKey},
		contracts.ChannelSMS:    {topology.SMSNotificationQueue, topology.SMSRoutingKey},
	}

	for _, d := range o.cfg.Deliverers {
		r, ok := routing[d.Channel()]
		if !ok {
			return fmt.Errorf("dispatch: no queue routing for channel %s", d.Channel())
		}
		if _, exists := o.channelEngines[d.Channel()]; exists {
			return fmt.Errorf("dispatch: duplicate deliverer for channel %s", d.Channel())
		}
		engine, err := o.buildEngine(queue.Config{
			Queue:      r.queue,
			Exchange:   topology.WorkExchange,
			RoutingKey: r.key,
			Retry:      topology.NotificationRetryStrategy,
		}, topology.NotifyFailedRoutingKey, services.NewChannelProcessor(d, o.logger))
		if err != nil {
			return err
		}
		o.channelEngines[d.Channel()] = engine
		o.consumers = append(o.consumers, engine)
	}
	return nil
}

func (o *Orchestrator) buildEngine(cfg queue.Config, deadLetterKey string, proc queue.Processor) (*queue.Service, error) {
	cfg.RetryQueue = topology.RetryQueue(cfg.Queue)
	cfg.DeadLetterExchange = topology.DeadLetterExchange
	cfg.DeadLetterRoutingKey = deadLetterKey

	engine, err := queue.NewService(o.cm, cfg, proc,
		queue.WithLogger(o.logger),
		queue.WithObserver(o.metrics))
	if err != nil {
		return nil, err
	}
	o.engines[cfg.Queue] = engine
	return engine, nil
}

func (o *Orchestrator) buildMonitoring() {
	o.health.Register(monitor.NewBrokerChecker(o.cm))
	o.health.Register(monitor.NewQueueDepthChecker(o.cm, topology.TaskQueue, o.cfg.QueueDepthThreshold))
	if o.cfg.Redis != nil {
		o.health.Register(monitor.NewRedisChecker(o.cfg.Redis))
	}
	for _, engine := range o.consumers {
		o.health.Register(monitor.NewConsumerChecker(engine))
	}

	if o.cfg.MonitorAddr != "" {
		providers := make([]monitor.StatsProvider, 0, len(o.engines))
		for _, e := range o.engines {
			providers = append(providers, e)
		}
		o.server = monitor.NewServer(o.cfg.MonitorAddr, o.health, o.promReg,
			monitor.WithServerLogger(o.logger),
			monitor.WithStatsProviders(providers...))
	}
}

// Connect dials the broker and declares the topology.
func (o *Orchestrator) Connect(ctx context.Context) error {
	return o.cm.Connect(ctx)
}

// Start begins consuming on every enabled queue and serves the monitor
// endpoint. Idempotent.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return nil
	}

	for _, engine := range o.consumers {
		if err := engine.StartConsuming(ctx); err != nil {
			return err
		}
	}
	if o.deadLetters != nil {
		if err := o.deadLetters.Start(ctx); err != nil {
			return err
		}
	}
	if o.server != nil {
		go func() {
			if err := o.server.Start(); err != nil {
				o.logger.Error("monitor endpoint failed", "error", err)
			}
		}()
	}

	o.started = true
	o.logger.Info("orchestrator started", "consumers", len(o.consumers))
	return nil
}

// Stop drains consumers and shuts the monitor endpoint down. The broker
// connection stays up for publishing; Close tears everything down.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		return nil
	}

	var errs []error
	for _, engine := range o.consumers {
		if err := engine.StopConsuming(); err != nil {
			errs = append(errs, err)
		}
	}
	if o.deadLetters != nil {
		if err := o.deadLetters.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if o.server != nil {
		if err := o.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	o.started = false
	o.logger.Info("orchestrator stopped")
	return errors.Join(errs...)
}

// Close stops everything and releases the connection and the archive.
func (o *Orchestrator) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	errs := []error{o.Stop(ctx), o.cm.Close()}
	if o.archive != nil {
		errs = append(errs, o.archive.Close())
	}
	return errors.Join(errs...)
}

// HealthCheck runs every probe and reports overall health plus the names of
// the failing checks.
func (o *Orchestrator) HealthCheck(ctx context.Context) (bool, []string) {
	health := o.health.Check(ctx)
	return health.Healthy(), health.Failing()
}

// Stats snapshots every queue this orchestrator knows about. Queues that
// cannot be inspected are reported with negative counts.
func (o *Orchestrator) Stats(ctx context.Context) map[string]queue.QueueInfo {
	stats := make(map[string]queue.QueueInfo, len(o.engines))
	for name, engine := range o.engines {
		info, err := engine.Stats(ctx)
		if err != nil {
			o.logger.Warn("failed to collect queue stats", "queue", name, "error", err)
			info = queue.QueueInfo{Name: name, Messages: -1, Consumers: -1}
		}
		stats[name] = info
	}
	return stats
}

// Tasks returns the task domain service.
func (o *Orchestrator) Tasks() *services.TaskService { return o.tasks }

// Statuses returns the status domain service.
func (o *Orchestrator) Statuses() *services.StatusService { return o.statuses }

// Notifications returns the notification domain service.
func (o *Orchestrator) Notifications() *services.NotificationService { return o.notifications }

// DeadLetters returns the dead-letter archiver, nil when no archive is
// configured.
func (o *Orchestrator) DeadLetters() *services.DeadLetterService { return o.deadLetters }
