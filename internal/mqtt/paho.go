package mqtt

import (
	"context"
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

const pahoOpTimeout = 10 * time.Second

var errOpTimeout = errors.New("mqtt operation timed out")

var _ Dialer = PahoDialer{}

// PahoDialer connects with the Eclipse Paho client. Paho's own reconnect
// logic is disabled; Manager owns retries.
type PahoDialer struct{}

func (PahoDialer) Dial(ctx context.Context, o ConnectOptions) (Conn, error) {
	opts := paho.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetUsername(o.Username).
		SetPassword(o.Password).
		SetKeepAlive(o.KeepAlive).
		SetConnectTimeout(o.ConnectTimeout).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(false)
	if o.Will.Topic != "" {
		opts.SetBinaryWill(o.Will.Topic, o.Will.Payload, o.Will.QoS, o.Will.Retained)
	}
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		if o.OnConnectionLost != nil {
			o.OnConnectionLost(err)
		}
	})

	client := paho.NewClient(opts)
	if err := waitToken(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return nil, err
	}
	return &pahoConn{client: client}, nil
}

type pahoConn struct {
	client paho.Client
}

func (c *pahoConn) Publish(msg Message) error {
	tok := c.client.Publish(msg.Topic, msg.QoS, msg.Retained, msg.Payload)
	if !tok.WaitTimeout(pahoOpTimeout) {
		return fmt.Errorf("publish %s: %w", msg.Topic, errOpTimeout)
	}
	return tok.Error()
}

func (c *pahoConn) Subscribe(filter string, qos byte, h Handler) error {
	tok := c.client.Subscribe(filter, qos, func(_ paho.Client, m paho.Message) {
		h(Message{
			Topic:    m.Topic(),
			Payload:  m.Payload(),
			QoS:      m.Qos(),
			Retained: m.Retained(),
		})
	})
	if !tok.WaitTimeout(pahoOpTimeout) {
		return fmt.Errorf("subscribe %s: %w", filter, errOpTimeout)
	}
	return tok.Error()
}

func (c *pahoConn) Disconnect(quiesce time.Duration) {
	c.client.Disconnect(uint(quiesce.Milliseconds()))
}

func waitToken(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
