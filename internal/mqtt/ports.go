package mqtt

import (
	"context"
	"time"
)

// Message is one MQTT publication.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Handler receives inbound messages. It is called on the transport's
// delivery goroutine.
type Handler func(Message)

// ConnectOptions describes a single connection attempt.
type ConnectOptions struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	Will           Message
	// OnConnectionLost is called once when an established connection drops.
	OnConnectionLost func(error)
}

// Conn is an established broker connection.
// Production: paho client (PahoDialer). Testing: adapter/fake.Broker.
type Conn interface {
	Publish(msg Message) error
	Subscribe(filter string, qos byte, h Handler) error
	Disconnect(quiesce time.Duration)
}

// Dialer opens broker connections.
type Dialer interface {
	Dial(ctx context.Context, opts ConnectOptions) (Conn, error)
}
