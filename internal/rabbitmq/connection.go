package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/textify/dispatch-go/topology"
)

// State is the connection lifecycle position.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateListener receives connection lifecycle notifications. Callbacks run
// on their own goroutines and must not assume ordering across transitions.
type StateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
	// OnReconnectExhausted fires once when the reconnection budget runs out.
	// The manager stays down afterwards until Connect is called again.
	OnReconnectExhausted(err error)
}

const maxReconnectDelay = 5 * time.Minute

// ConnectionManager supervises one AMQP connection: it dials, declares the
// topology, hands out purpose-keyed channels, reconnects with capped
// exponential backoff and resubscribes consumers after a drop.
type ConnectionManager struct {
	cfg              topology.BrokerConfig
	top              topology.Topology
	logger           *slog.Logger
	blockOnReconnect bool

	mu          sync.RWMutex
	conn        *amqp.Connection
	state       State
	ready       chan struct{} // closed while connected
	notifyClose chan *amqp.Error

	channels *channelRegistry

	blockedMu sync.Mutex
	blocked   bool
	unblocked chan struct{} // valid while blocked; closed on unblock

	subsMu sync.Mutex
	subs   map[string]*subscription

	listenersMu sync.RWMutex
	listeners   []StateListener

	done        chan struct{}
	closeOnce   sync.Once
	supervising bool
}

// ConnectionOption configures the ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		if logger != nil {
			cm.logger = logger
		}
	}
}

// WithTopology overrides the topology asserted on every (re)connect.
func WithTopology(top topology.Topology) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.top = top
	}
}

// WithBlockOnReconnect makes broker operations wait for the connection to
// come back instead of failing fast with ErrNotConnected. The wait is still
// bounded by the caller's context.
func WithBlockOnReconnect() ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.blockOnReconnect = true
	}
}

// NewConnectionManager builds a manager for the given broker. The default
// topology is topology.Default; nothing is dialed until Connect.
func NewConnectionManager(cfg topology.BrokerConfig, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		cfg:      cfg,
		top:      topology.Default(),
		logger:   slog.Default(),
		state:    StateDisconnected,
		ready:    make(chan struct{}),
		channels: newChannelRegistry(),
		subs:     make(map[string]*subscription),
		done:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(cm)
	}
	return cm
}

// Connect dials the broker and declares the topology. Calling it while
// already connected, connecting or reconnecting is a no-op; calling it after
// Close returns ErrShutdown.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	switch cm.state {
	case StateClosed:
		cm.mu.Unlock()
		return ErrShutdown
	case StateConnected:
		cm.mu.Unlock()
		return nil
	case StateConnecting, StateReconnecting:
		// Another Connect or the supervised reconnect loop owns the dial.
		cm.mu.Unlock()
		return nil
	}
	cm.state = StateConnecting
	cm.mu.Unlock()

	conn, err := cm.dial(ctx)
	if err != nil {
		cm.setState(StateDisconnected)
		return &ConnectionError{
			Op: "connect", URL: SanitizeURL(cm.cfg.URL()),
			Err: err, Timestamp: time.Now(), Attempts: 1,
		}
	}

	if err := cm.install(conn); err != nil {
		_ = conn.Close()
		cm.setState(StateDisconnected)
		return err
	}

	cm.mu.Lock()
	if !cm.supervising {
		cm.supervising = true
		go cm.supervise()
	}
	cm.mu.Unlock()

	cm.notifyConnected()
	return nil
}

// State returns the current lifecycle position.
func (cm *ConnectionManager) State() State {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// IsConnected reports whether the connection is up right now.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state == StateConnected && cm.conn != nil && !cm.conn.IsClosed()
}

// Close shuts the manager down for good. Idempotent.
func (cm *ConnectionManager) Close() error {
	var err error
	cm.closeOnce.Do(func() {
		close(cm.done)

		cm.mu.Lock()
		cm.state = StateClosed
		conn := cm.conn
		cm.conn = nil
		cm.mu.Unlock()

		cm.channels.closeAll()
		if conn != nil && !conn.IsClosed() {
			err = conn.Close()
		}
		cm.logger.Info("connection manager closed")
	})
	return err
}

// AddStateListener registers a lifecycle listener.
func (cm *ConnectionManager) AddStateListener(listener StateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.listeners = append(cm.listeners, listener)
}

// RemoveStateListener removes a previously registered listener.
func (cm *ConnectionManager) RemoveStateListener(listener StateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	for i, l := range cm.listeners {
		if l == listener {
			cm.listeners = append(cm.listeners[:i], cm.listeners[i+1:]...)
			break
		}
	}
}

// dial opens one connection attempt, bounded by the configured timeout.
func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	timeout := cm.cfg.ConnectionTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan dialResult, 1)

	go func() {
		props := amqp.NewConnectionProperties()
		props.SetClientConnectionName("dispatch")
		conn, err := amqp.DialConfig(cm.cfg.URL(), amqp.Config{
			Heartbeat:  cm.cfg.Heartbeat,
			Dial:       amqp.DefaultDial(timeout),
			Properties: props,
		})
		results <- dialResult{conn, err}
	}()

	return cm.awaitDial(dialCtx, results)
}

type dialResult struct {
	conn *amqp.Connection
	err  error
}

// awaitDial waits out the dial goroutine. When the wait is abandoned, the
// late result is still drained and a successful connection closed so nothing
// leaks.
func (cm *ConnectionManager) awaitDial(ctx context.Context, results chan dialResult) (*amqp.Connection, error) {
	select {
	case res := <-results:
		return res.conn, res.err
	case <-ctx.Done():
		go drainDial(results)
		return nil, ErrConnectionTimeout
	case <-cm.done:
		go drainDial(results)
		return nil, ErrShutdown
	}
}

func drainDial(results chan dialResult) {
	if res := <-results; res.conn != nil {
		_ = res.conn.Close()
	}
}

// install asserts the topology on the fresh connection and swaps it in.
func (cm *ConnectionManager) install(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return &ChannelError{Op: "open", Purpose: "topology", Err: err, Timestamp: time.Now()}
	}
	if err := declareTopology(ch, cm.top); err != nil {
		_ = ch.Close()
		return err
	}
	_ = ch.Close()

	cm.mu.Lock()
	cm.conn = conn
	cm.state = StateConnected
	cm.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
	select {
	case <-cm.ready:
		// Already open from a previous install.
	default:
		close(cm.ready)
	}
	cm.mu.Unlock()

	cm.channels.reset()
	cm.setBlocked(false)
	go cm.watchBlocked(conn.NotifyBlocked(make(chan amqp.Blocking, 1)))

	cm.resubscribeAll()
	cm.logger.Info("connected to broker", "url", SanitizeURL(cm.cfg.URL()))
	return nil
}

func (cm *ConnectionManager) setState(s State) {
	cm.mu.Lock()
	cm.state = s
	cm.mu.Unlock()
}

// supervise watches for connection loss and drives the reconnect loop. At
// most one instance runs at a time; after the reconnect budget runs out it
// exits and a later successful Connect launches a fresh one.
func (cm *ConnectionManager) supervise() {
	defer func() {
		cm.mu.Lock()
		cm.supervising = false
		cm.mu.Unlock()
	}()

	for {
		cm.mu.RLock()
		notifyClose := cm.notifyClose
		cm.mu.RUnlock()

		select {
		case amqpErr := <-notifyClose:
			select {
			case <-cm.done:
				return
			default:
			}

			var cause error
			if amqpErr != nil {
				cause = amqpErr
			}
			cm.logger.Error("connection lost", "error", cause)

			cm.mu.Lock()
			cm.state = StateReconnecting
			cm.conn = nil
			cm.ready = make(chan struct{})
			cm.mu.Unlock()

			cm.channels.reset()
			cm.setBlocked(false)
			cm.notifyDisconnected(cause)

			if !cm.reconnect() {
				return
			}

		case <-cm.done:
			return
		}
	}
}

// reconnect retries until it succeeds, the budget runs out or the manager
// shuts down. Returns false when supervision should stop.
func (cm *ConnectionManager) reconnect() bool {
	start := time.Now()

	for attempt := 1; ; attempt++ {
		if cm.cfg.MaxReconnectAttempts > 0 && attempt > cm.cfg.MaxReconnectAttempts {
			err := &ConnectionError{
				Op: "reconnect", URL: SanitizeURL(cm.cfg.URL()),
				Err: ErrReconnectExhausted, Timestamp: time.Now(),
				Attempts: attempt - 1,
			}
			cm.logger.Error("reconnection budget exhausted",
				"attempts", attempt-1,
				"elapsed", time.Since(start))
			cm.setState(StateDisconnected)
			cm.notifyReconnectExhausted(err)
			return false
		}

		cm.notifyReconnecting(attempt)
		delay := cm.backoff(attempt - 1)
		cm.logger.Info("reconnecting",
			"attempt", attempt,
			"maxAttempts", cm.cfg.MaxReconnectAttempts,
			"delay", delay)

		select {
		case <-time.After(delay):
		case <-cm.done:
			return false
		}

		conn, err := cm.dial(context.Background())
		if err != nil {
			if errors.Is(err, ErrShutdown) {
				return false
			}
			cm.logger.Warn("reconnection attempt failed", "attempt", attempt, "error", err)
			continue
		}

		if err := cm.install(conn); err != nil {
			_ = conn.Close()
			cm.logger.Warn("reconnected but setup failed", "attempt", attempt, "error", err)
			continue
		}

		cm.logger.Info("reconnected",
			"attempts", attempt,
			"elapsed", time.Since(start))
		cm.notifyConnected()
		return true
	}
}

// backoff computes the delay before a reconnection attempt: configured base
// delay doubled per attempt, capped, with ±25% jitter.
func (cm *ConnectionManager) backoff(attempt int) time.Duration {
	base := cm.cfg.ReconnectDelay
	if base == 0 {
		base = 5 * time.Second
	}
	if attempt > 6 {
		attempt = 6
	}
	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	jitter := time.Duration((rand.Float64() - 0.5) * 0.5 * float64(delay))
	return delay + jitter
}

// waitReady returns the live connection, waiting for a reconnect when the
// manager is configured to block, failing fast otherwise.
func (cm *ConnectionManager) waitReady(ctx context.Context) (*amqp.Connection, error) {
	for {
		cm.mu.RLock()
		state, conn, ready := cm.state, cm.conn, cm.ready
		cm.mu.RUnlock()

		switch {
		case state == StateClosed:
			return nil, ErrShutdown
		case state == StateConnected && conn != nil:
			return conn, nil
		case !cm.blockOnReconnect:
			return nil, ErrNotConnected
		}

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-cm.done:
			return nil, ErrShutdown
		}
	}
}

// channel returns the live channel for a purpose, opening it on first use.
// Consumer channels get the configured prefetch applied.
func (cm *ConnectionManager) channel(ctx context.Context, purpose string) (*amqp.Channel, error) {
	conn, err := cm.waitReady(ctx)
	if err != nil {
		return nil, err
	}

	return cm.channels.get(purpose, func() (*amqp.Channel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, &ChannelError{Op: "open", Purpose: purpose, Err: err, Timestamp: time.Now()}
		}
		if strings.HasPrefix(purpose, "consumer:") && cm.cfg.PrefetchCount > 0 {
			if err := ch.Qos(cm.cfg.PrefetchCount, 0, false); err != nil {
				_ = ch.Close()
				return nil, &ChannelError{Op: "qos", Purpose: purpose, Err: err, Timestamp: time.Now()}
			}
		}
		return ch, nil
	})
}

// watchBlocked tracks broker flow control for this connection. Publishes
// wait in awaitUnblocked while the broker has us blocked.
func (cm *ConnectionManager) watchBlocked(blockings chan amqp.Blocking) {
	for b := range blockings {
		if b.Active {
			cm.logger.Warn("broker blocked the connection", "reason", b.Reason)
		} else {
			cm.logger.Info("broker unblocked the connection")
		}
		cm.setBlocked(b.Active)
	}
	// Channel closes with the connection; never leave publishers parked on
	// a stale block.
	cm.setBlocked(false)
}

func (cm *ConnectionManager) setBlocked(blocked bool) {
	cm.blockedMu.Lock()
	defer cm.blockedMu.Unlock()
	if blocked == cm.blocked {
		return
	}
	cm.blocked = blocked
	if blocked {
		cm.unblocked = make(chan struct{})
	} else if cm.unblocked != nil {
		close(cm.unblocked)
	}
}

// awaitUnblocked parks until broker flow control lifts, bounded by ctx.
func (cm *ConnectionManager) awaitUnblocked(ctx context.Context) error {
	for {
		cm.blockedMu.Lock()
		if !cm.blocked {
			cm.blockedMu.Unlock()
			return nil
		}
		unblocked := cm.unblocked
		cm.blockedMu.Unlock()

		select {
		case <-unblocked:
		case <-ctx.Done():
			return ctx.Err()
		case <-cm.done:
			return ErrShutdown
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, l := range cm.listeners {
		go l.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, l := range cm.listeners {
		go l.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, l := range cm.listeners {
		go l.OnReconnecting(attempt)
	}
}

func (cm *ConnectionManager) notifyReconnectExhausted(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, l := range cm.listeners {
		go l.OnReconnectExhausted(err)
	}
}
