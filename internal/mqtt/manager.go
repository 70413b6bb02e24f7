// Package mqtt owns the bridge's broker connection: presence with a last
// will, persistent subscriptions re-applied on every connect, best-effort
// publishing, and a constant-interval reconnect loop.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"docker2mqtt/internal/topic"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultRetryDelay     = 10 * time.Second
	defaultConnectTimeout = 30 * time.Second
	disconnectQuiesce     = 250 * time.Millisecond
)

// ErrNotConnected is returned by operations that need a live connection.
var ErrNotConnected = errors.New("mqtt not connected")

// State is the connection state of a Manager.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configures a Manager.
type Options struct {
	Dialer    Dialer
	Broker    string
	ClientID  string
	Username  string
	Password  string
	KeepAlive time.Duration
	// ConnectTimeout bounds a single dial.
	ConnectTimeout time.Duration
	QoS            byte
	// PresenceTopic carries "online"/"offline"; "offline" is the last will.
	PresenceTopic string
	// RetryDelay is the fixed wait between failed connection attempts.
	RetryDelay time.Duration
	// Debug logs every inbound and outbound message.
	Debug bool
}

type subscription struct {
	filter  string
	handler Handler
}

// Manager owns one broker connection at a time.
type Manager struct {
	opts Options
	log  *slog.Logger

	mu    sync.Mutex
	state State
	conn  Conn
	gen   uint64
	subs  []subscription
	hooks []func()

	// lostGen is the last generation reported lost by the dialer.
	lostGen uint64
	lost    chan struct{}
}

func NewManager(opts Options) *Manager {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	return &Manager{
		opts: opts,
		log:  slog.With("component", "mqtt"),
		lost: make(chan struct{}, 1),
	}
}

// Subscribe registers a subscription that is applied on every connect, and
// immediately when already connected.
func (m *Manager) Subscribe(filter string, h Handler) {
	m.mu.Lock()
	m.subs = append(m.subs, subscription{filter: filter, handler: h})
	conn := m.conn
	connected := m.state == Connected
	m.mu.Unlock()

	if connected {
		if err := conn.Subscribe(filter, m.opts.QoS, m.wrap(h)); err != nil {
			m.log.Error("failed to subscribe", "filter", filter, "err", err)
		}
	}
}

// OnConnect registers fn to run after every successful connect, once
// subscriptions are in place and presence is online.
func (m *Manager) OnConnect(fn func()) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Connected() bool { return m.State() == Connected }

// Publish sends payload with the configured QoS. Publishing is best-effort:
// while disconnected the message is dropped.
func (m *Manager) Publish(t, payload string, retain bool) {
	m.PublishQoS(t, payload, m.opts.QoS, retain)
}

func (m *Manager) PublishQoS(t, payload string, qos byte, retain bool) {
	if err := m.publish(Message{Topic: t, Payload: []byte(payload), QoS: qos, Retained: retain}); err != nil {
		if errors.Is(err, ErrNotConnected) {
			m.log.Debug("dropped publish while disconnected", "topic", t)
			return
		}
		m.log.Warn("mqtt publish failed", "topic", t, "err", err)
	}
}

func (m *Manager) publish(msg Message) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == Connected
	m.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	if m.opts.Debug {
		m.log.Debug("sending to mqtt", "topic", msg.Topic, "payload", string(msg.Payload), "retain", msg.Retained)
	}
	return conn.Publish(msg)
}

// Connect makes one connection attempt. On success every registered
// subscription is applied, presence is published online and the on-connect
// hooks run, in that order.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.state = Connecting
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	select {
	case <-m.lost:
	default:
	}

	m.log.Info("connecting to mqtt broker", "broker", m.opts.Broker)
	dialCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()
	conn, err := m.opts.Dialer.Dial(dialCtx, ConnectOptions{
		Broker:         m.opts.Broker,
		ClientID:       m.opts.ClientID,
		Username:       m.opts.Username,
		Password:       m.opts.Password,
		KeepAlive:      m.opts.KeepAlive,
		ConnectTimeout: m.opts.ConnectTimeout,
		Will: Message{
			Topic:    m.opts.PresenceTopic,
			Payload:  []byte(topic.PresenceOffline),
			QoS:      m.opts.QoS,
			Retained: true,
		},
		OnConnectionLost: func(err error) { m.connectionLost(gen, err) },
	})
	if err != nil {
		m.setDisconnected(gen)
		return fmt.Errorf("connect to %s: %w", m.opts.Broker, err)
	}

	m.mu.Lock()
	if m.gen != gen || m.lostGen == gen {
		m.mu.Unlock()
		conn.Disconnect(0)
		return fmt.Errorf("connect to %s: connection dropped during setup", m.opts.Broker)
	}
	m.conn = conn
	m.state = Connected
	subs := append([]subscription(nil), m.subs...)
	hooks := append([]func(){}, m.hooks...)
	m.mu.Unlock()

	for _, s := range subs {
		if err := conn.Subscribe(s.filter, m.opts.QoS, m.wrap(s.handler)); err != nil {
			m.setDisconnected(gen)
			conn.Disconnect(0)
			return fmt.Errorf("subscribe %s: %w", s.filter, err)
		}
	}
	m.Publish(m.opts.PresenceTopic, topic.PresenceOnline, true)
	m.log.Info("connected to mqtt broker", "broker", m.opts.Broker)

	for _, fn := range hooks {
		fn()
	}
	return nil
}

// Run keeps the connection up until ctx is cancelled, retrying failed
// connects after a fixed delay. On return presence is set offline.
func (m *Manager) Run(ctx context.Context) error {
	defer m.Close()

	for {
		op := func() error {
			if err := ctx.Err(); err != nil {
				return backoff.Permanent(err)
			}
			return m.Connect(ctx)
		}
		notify := func(err error, next time.Duration) {
			m.log.Warn("mqtt not connected, retrying", "err", err, "retry_in", next)
		}
		b := backoff.WithContext(backoff.NewConstantBackOff(m.opts.RetryDelay), ctx)
		if err := backoff.RetryNotify(op, b, notify); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-m.lost:
			m.log.Warn("mqtt connection lost, reconnecting")
		}
	}
}

// Close publishes offline presence and disconnects.
func (m *Manager) Close() {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == Connected
	m.conn = nil
	m.state = Disconnected
	m.gen++
	m.mu.Unlock()

	if conn == nil {
		return
	}
	m.log.Info("disconnecting from mqtt voluntarily")
	if connected {
		err := conn.Publish(Message{
			Topic:    m.opts.PresenceTopic,
			Payload:  []byte(topic.PresenceOffline),
			QoS:      m.opts.QoS,
			Retained: true,
		})
		if err != nil {
			m.log.Warn("failed to publish offline presence", "err", err)
		}
	}
	conn.Disconnect(disconnectQuiesce)
}

func (m *Manager) connectionLost(gen uint64, err error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.lostGen = gen
	m.state = Disconnected
	m.conn = nil
	m.mu.Unlock()

	m.log.Warn("disconnected from mqtt broker", "err", err)
	select {
	case m.lost <- struct{}{}:
	default:
	}
}

// setDisconnected drops the connection of generation gen unless a newer
// attempt has started.
func (m *Manager) setDisconnected(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen == gen {
		m.state = Disconnected
		m.conn = nil
	}
}

func (m *Manager) wrap(h Handler) Handler {
	if !m.opts.Debug {
		return h
	}
	return func(msg Message) {
		m.log.Debug("message received", "topic", msg.Topic, "payload", string(msg.Payload), "retained", msg.Retained)
		h(msg)
	}
}
