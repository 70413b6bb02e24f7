package fake

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"docker2mqtt/internal/mqtt"
	"docker2mqtt/internal/topic"
)

var (
	_ mqtt.Dialer = (*Broker)(nil)
	_ mqtt.Conn   = (*brokerConn)(nil)
)

var errConnClosed = errors.New("connection closed")

type brokerSub struct {
	filter  string
	handler mqtt.Handler
	conn    *brokerConn
}

// Broker is an in-process MQTT broker that also acts as the dialer for
// mqtt.Manager. Delivery is synchronous on the publishing goroutine.
type Broker struct {
	mu        sync.Mutex
	retained  map[string][]byte
	published []mqtt.Message
	subs      []brokerSub
	conns     []*brokerConn
	dials     int
	last      mqtt.ConnectOptions

	// DialErr, when set, is consulted before every dial.
	DialErr func(ctx context.Context, opts mqtt.ConnectOptions) error
}

func NewBroker() *Broker {
	return &Broker{retained: make(map[string][]byte)}
}

func (b *Broker) Dial(ctx context.Context, opts mqtt.ConnectOptions) (mqtt.Conn, error) {
	b.mu.Lock()
	b.dials++
	b.last = opts
	b.mu.Unlock()

	if b.DialErr != nil {
		if err := b.DialErr(ctx, opts); err != nil {
			return nil, err
		}
	}
	c := &brokerConn{broker: b, opts: opts, open: true}
	b.mu.Lock()
	b.conns = append(b.conns, c)
	b.mu.Unlock()
	return c, nil
}

// Dials reports how many connection attempts were made.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// LastOptions returns the options of the most recent dial.
func (b *Broker) LastOptions() mqtt.ConnectOptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Drop severs every open connection abruptly: wills are published and each
// client's connection-lost callback fires.
func (b *Broker) Drop(err error) {
	b.mu.Lock()
	var dropped []*brokerConn
	for _, c := range b.conns {
		if c.open {
			c.open = false
			dropped = append(dropped, c)
		}
	}
	b.removeSubs(dropped...)
	b.mu.Unlock()

	for _, c := range dropped {
		if c.opts.Will.Topic != "" {
			b.route(c.opts.Will)
		}
		if c.opts.OnConnectionLost != nil {
			c.opts.OnConnectionLost(err)
		}
	}
}

// Publish routes a message as a client without a session would. It lets
// the broker stand in directly for the bridge's publish side.
func (b *Broker) Publish(t, payload string, retained bool) {
	b.route(mqtt.Message{Topic: t, Payload: []byte(payload), QoS: 1, Retained: retained})
}

// Retained returns a copy of the retained store.
func (b *Broker) Retained() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.retained))
	for t, p := range b.retained {
		out[t] = string(p)
	}
	return out
}

// RetainedTopics returns the sorted topics in the retained store.
func (b *Broker) RetainedTopics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.retained))
	for t := range b.retained {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Published returns every message routed through the broker, in order.
func (b *Broker) Published() []mqtt.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]mqtt.Message(nil), b.published...)
}

// PublishedTo returns the payloads routed to t, in order.
func (b *Broker) PublishedTo(t string) []string {
	var out []string
	for _, m := range b.Published() {
		if m.Topic == t {
			out = append(out, string(m.Payload))
		}
	}
	return out
}

// Subscriptions returns the filters of open connections, in subscribe order.
func (b *Broker) Subscriptions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, s.filter)
	}
	return out
}

// Reset forgets published history but keeps retained messages and sessions.
func (b *Broker) Reset() {
	b.mu.Lock()
	b.published = nil
	b.mu.Unlock()
}

func (b *Broker) route(msg mqtt.Message) {
	b.mu.Lock()
	b.published = append(b.published, msg)
	if msg.Retained {
		if len(msg.Payload) == 0 {
			delete(b.retained, msg.Topic)
		} else {
			b.retained[msg.Topic] = append([]byte(nil), msg.Payload...)
		}
	}
	var targets []mqtt.Handler
	for _, s := range b.subs {
		if topic.Match(s.filter, msg.Topic) {
			targets = append(targets, s.handler)
		}
	}
	b.mu.Unlock()

	// Live deliveries never carry the retain flag.
	live := msg
	live.Retained = false
	for _, h := range targets {
		h(live)
	}
}

func (b *Broker) removeSubs(conns ...*brokerConn) {
	kept := b.subs[:0]
	for _, s := range b.subs {
		drop := false
		for _, c := range conns {
			if s.conn == c {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, s)
		}
	}
	b.subs = kept
}

type brokerConn struct {
	broker *Broker
	opts   mqtt.ConnectOptions
	open   bool
}

func (c *brokerConn) Publish(msg mqtt.Message) error {
	c.broker.mu.Lock()
	open := c.open
	c.broker.mu.Unlock()
	if !open {
		return errConnClosed
	}
	c.broker.route(msg)
	return nil
}

func (c *brokerConn) Subscribe(filter string, _ byte, h mqtt.Handler) error {
	b := c.broker
	b.mu.Lock()
	if !c.open {
		b.mu.Unlock()
		return errConnClosed
	}
	b.subs = append(b.subs, brokerSub{filter: filter, handler: h, conn: c})
	var replay []mqtt.Message
	for t, p := range b.retained {
		if topic.Match(filter, t) {
			replay = append(replay, mqtt.Message{Topic: t, Payload: append([]byte(nil), p...), QoS: 1, Retained: true})
		}
	}
	b.mu.Unlock()

	sort.Slice(replay, func(i, j int) bool { return replay[i].Topic < replay[j].Topic })
	for _, m := range replay {
		h(m)
	}
	return nil
}

func (c *brokerConn) Disconnect(time.Duration) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	c.open = false
	b.removeSubs(c)
}
