package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/devanshbm/runq/internal/domain"
)

// State is the connection manager's lifecycle state.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"

	// StateFailed is terminal: the retry budget is exhausted and no further
	// automatic reconnection happens.
	StateFailed State = "FAILED"
)

// Channel is the slice of *amqp.Channel the manager and topology need.
// Narrowing it keeps the state machine testable without a live broker.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Connection abstracts *amqp.Connection behind the operations the manager uses.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Dialer establishes a broker connection. Production code uses Dial;
// tests substitute a fake.
type Dialer func(url string) (Connection, error)

type amqpConnection struct {
	conn *amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) { return c.conn.Channel() }
func (c amqpConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}
func (c amqpConnection) Close() error { return c.conn.Close() }

// Dial connects to the broker over AMQP.
func Dial(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn: conn}, nil
}

// Manager owns the broker connection and its two logical channels
// (publish-side and consume-side). It detects connection loss and reconnects
// with a fixed delay up to a bounded retry count; exhausting the budget is
// terminal and only an explicit Connect call can revive the manager.
type Manager struct {
	url            string
	topology       Topology
	prefetch       int
	reconnectDelay time.Duration
	maxRetries     int
	dial           Dialer

	mu         sync.RWMutex
	state      State
	conn       Connection
	pubCh      Channel
	consCh     Channel
	attempts   int
	closed     bool
	consuming  bool
	generation int
}

// Option tweaks Manager construction.
type Option func(*Manager)

// WithDialer substitutes the connection factory. Used by tests.
func WithDialer(d Dialer) Option { return func(m *Manager) { m.dial = d } }

// WithPrefetch sets the consume-side prefetch (default 1, strictly serialized).
func WithPrefetch(n int) Option { return func(m *Manager) { m.prefetch = n } }

// WithReconnectPolicy sets the fixed reconnect delay and maximum retry count.
func WithReconnectPolicy(delay time.Duration, maxRetries int) Option {
	return func(m *Manager) {
		m.reconnectDelay = delay
		m.maxRetries = maxRetries
	}
}

// NewManager builds a manager for the given broker URL and main queue name.
// It does not connect; call Connect.
func NewManager(url, queue string, opts ...Option) *Manager {
	m := &Manager{
		url:            url,
		topology:       NewTopology(queue),
		prefetch:       1,
		reconnectDelay: 5 * time.Second,
		maxRetries:     5,
		dial:           Dial,
		state:          StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect establishes the connection, opens both channels, declares the
// queue topology and applies the consume-side prefetch. On failure it
// schedules background reconnection and returns the dial error.
func (m *Manager) Connect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("manager is closed")
	}
	m.state = StateConnecting
	m.mu.Unlock()

	conn, err := m.dial(m.url)
	if err != nil {
		slog.Error("broker connect failed", "error", err)
		m.scheduleReconnect()
		return fmt.Errorf("connecting to broker: %w", err)
	}

	pubCh, consCh, err := m.openChannels(conn)
	if err != nil {
		conn.Close()
		slog.Error("broker channel setup failed", "error", err)
		m.scheduleReconnect()
		return err
	}

	m.mu.Lock()
	m.conn = conn
	m.pubCh = pubCh
	m.consCh = consCh
	m.state = StateConnected
	m.attempts = 0
	m.consuming = false
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	// A channel can error and close while the connection survives, so every
	// link gets its own close watch.
	go m.watch(conn.NotifyClose(make(chan *amqp.Error, 1)), gen, "connection")
	go m.watch(pubCh.NotifyClose(make(chan *amqp.Error, 1)), gen, "publish channel")
	go m.watch(consCh.NotifyClose(make(chan *amqp.Error, 1)), gen, "consume channel")

	slog.Info("connected to broker", "queue", m.topology.Main, "prefetch", m.prefetch)
	return nil
}

func (m *Manager) openChannels(conn Connection) (pub, cons Channel, err error) {
	pub, err = conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("opening publish channel: %w", err)
	}
	cons, err = conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("opening consume channel: %w", err)
	}
	if err = m.topology.Declare(pub); err != nil {
		return nil, nil, err
	}
	if err = cons.Qos(m.prefetch, 0, false); err != nil {
		return nil, nil, fmt.Errorf("setting prefetch: %w", err)
	}
	return pub, cons, nil
}

// watch waits for a close event on one link and triggers reconnection.
// A nil *amqp.Error means a deliberate Close; no reconnect in that case.
func (m *Manager) watch(closeCh chan *amqp.Error, gen int, link string) {
	amqpErr, ok := <-closeCh
	if !ok || amqpErr == nil {
		return
	}
	slog.Error("broker link lost", "link", link, "error", amqpErr)
	m.connectionLost(gen)
}

// connectionLost tears down the current connection and schedules reconnection.
// The generation guard collapses the fan-out of close events one failure
// produces (a dying connection also closes both of its channels) into a
// single teardown.
func (m *Manager) connectionLost(gen int) {
	m.mu.Lock()
	if m.closed || gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.generation++
	conn := m.conn
	m.conn, m.pubCh, m.consCh = nil, nil, nil
	m.consuming = false
	m.state = StateDisconnected
	m.mu.Unlock()

	// When only a channel died the connection is still open; drop it so the
	// reconnect starts from a clean slate.
	if conn != nil {
		conn.Close()
	}
	m.scheduleReconnect()
}

// scheduleReconnect arms the next bounded reconnect attempt; exhausting the
// retry budget is terminal.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	m.state = StateDisconnected

	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.maxRetries {
		m.state = StateFailed
		m.mu.Unlock()
		slog.Error("broker reconnection attempts exhausted", "maxRetries", m.maxRetries)
		return
	}
	m.attempts++
	attempt := m.attempts
	m.mu.Unlock()

	slog.Warn("scheduling broker reconnect", "attempt", attempt, "maxRetries", m.maxRetries, "delay", m.reconnectDelay)
	time.AfterFunc(m.reconnectDelay, func() {
		if err := m.Connect(); err != nil {
			slog.Error("broker reconnect attempt failed", "attempt", attempt, "error", err)
		}
	})
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsReady reports whether the connection and both channels are live.
func (m *Manager) IsReady() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateConnected && m.pubCh != nil && m.consCh != nil
}

// PublishJob enqueues a job on the main queue as a persistent message.
func (m *Manager) PublishJob(ctx context.Context, job domain.Job) error {
	return m.publish(ctx, m.topology.Main, job)
}

// PublishRetry parks a job on the retry queue; the broker re-delivers it to
// the main queue after the retry TTL elapses.
func (m *Manager) PublishRetry(ctx context.Context, job domain.Job) error {
	return m.publish(ctx, m.topology.Retry, job)
}

func (m *Manager) publish(ctx context.Context, queue string, job domain.Job) error {
	m.mu.RLock()
	ch := m.pubCh
	ready := m.state == StateConnected && ch != nil
	m.mu.RUnlock()

	if !ready {
		return domain.ErrBrokerUnavailable
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}

	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publishing job %s: %w", job.ID, err)
	}
	return nil
}

// ReplayDeadLetters drains up to limit messages from the dead-letter queue
// and re-enqueues each through the retry queue, which re-delivers it to the
// main queue after the retry TTL. Undecodable dead letters are discarded; a
// publish failure leaves the message on the dead-letter queue. Returns the
// number of messages replayed.
func (m *Manager) ReplayDeadLetters(ctx context.Context, limit int) (int, error) {
	m.mu.RLock()
	ch := m.pubCh
	ready := m.state == StateConnected && ch != nil
	m.mu.RUnlock()

	if !ready {
		return 0, domain.ErrBrokerUnavailable
	}

	replayed := 0
	for replayed < limit {
		msg, ok, err := ch.Get(m.topology.DLQ, false)
		if err != nil {
			return replayed, fmt.Errorf("reading dead-letter queue: %w", err)
		}
		if !ok {
			return replayed, nil
		}

		var job domain.Job
		if err := json.Unmarshal(msg.Body, &job); err != nil {
			slog.Error("discarding undecodable dead letter", "messageId", msg.MessageId, "error", err)
			msg.Reject(false)
			continue
		}
		if err := m.PublishRetry(ctx, job); err != nil {
			msg.Nack(false, true)
			return replayed, err
		}
		msg.Ack(false)
		replayed++
		slog.Info("replayed dead letter", "jobId", job.ID, "queue", m.topology.Retry)
	}
	return replayed, nil
}

// Consume binds a manual-ack consumer to the main queue. At most one consume
// loop per manager; the prefetch limit bounds in-flight deliveries.
func (m *Manager) Consume(ctx context.Context) (<-chan amqp.Delivery, error) {
	m.mu.Lock()
	ch := m.consCh
	ready := m.state == StateConnected && ch != nil
	if ready && m.consuming {
		m.mu.Unlock()
		return nil, fmt.Errorf("consumer already bound to %s", m.topology.Main)
	}
	if ready {
		m.consuming = true
	}
	m.mu.Unlock()

	if !ready {
		return nil, domain.ErrBrokerUnavailable
	}

	deliveries, err := ch.ConsumeWithContext(ctx, m.topology.Main, "", false, false, false, false, nil)
	if err != nil {
		m.mu.Lock()
		m.consuming = false
		m.mu.Unlock()
		return nil, fmt.Errorf("starting consumer: %w", err)
	}

	// Forward deliveries and release the consumer slot once the stream ends,
	// so the caller can bind again after a reconnect.
	out := make(chan amqp.Delivery)
	go func() {
		defer close(out)
		for d := range deliveries {
			out <- d
		}
		m.mu.Lock()
		m.consuming = false
		m.mu.Unlock()
	}()
	return out, nil
}

// Close releases both channels and the connection and disables reconnection.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	conn, pubCh, consCh := m.conn, m.pubCh, m.consCh
	m.conn, m.pubCh, m.consCh = nil, nil, nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if pubCh != nil {
		if err := pubCh.Close(); err != nil {
			slog.Warn("closing publish channel", "error", err)
		}
	}
	if consCh != nil {
		if err := consCh.Close(); err != nil {
			slog.Warn("closing consume channel", "error", err)
		}
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}
