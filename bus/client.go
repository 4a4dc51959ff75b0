// Package bus connects the service to the NATS message bus: request/reply
// calls to other domains, queue subscriptions serving this domain and the
// JetStream stream transactions are published to.
package bus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/messages/config"
	"github.com/mesmerverse/vettid-dev/messages/domainerr"
)

var (
	// ErrTimeout is returned when a request gets no reply in time.
	ErrTimeout = errors.New("bus request timed out")
	// ErrNoResponders is returned when nobody serves the subject.
	ErrNoResponders = errors.New("no responders on subject")
)

// Requester performs request/reply calls and forwards requests on behalf
// of another caller.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error)
	PublishRequest(subject, reply string, data []byte) error
}

// Client wraps a NATS connection
type Client struct {
	conn   *nats.Conn
	config config.NATSConfig
	subs   []*nats.Subscription
}

// Connect dials NATS, retrying the initial connection with a constant
// backoff. Later disconnections are handled by the NATS reconnect logic.
func Connect(cfg config.NATSConfig, name string) (*Client, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	}

	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
		}
	}

	var conn *nats.Conn
	connect := func() error {
		var err error
		conn, err = nats.Connect(cfg.URL, opts...)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.URL).Msg("NATS connect failed, retrying")
		}
		return err
	}
	retries := uint64(max(cfg.ConnectRetries, 0))
	wait := time.Duration(cfg.ReconnectWait) * time.Millisecond
	if err := backoff.Retry(connect, backoff.WithMaxRetries(backoff.NewConstantBackOff(wait), retries)); err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS")
	return &Client{conn: conn, config: cfg}, nil
}

// Conn exposes the underlying connection for JetStream.
func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// QueueSubscribe registers handler on subject within queue. An empty queue
// subscribes every instance.
func (c *Client) QueueSubscribe(subject, queue string, handler nats.MsgHandler) error {
	var sub *nats.Subscription
	var err error
	if queue == "" {
		sub, err = c.conn.Subscribe(subject, handler)
	} else {
		sub, err = c.conn.QueueSubscribe(subject, queue, handler)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}

	c.subs = append(c.subs, sub)
	log.Debug().Str("subject", subject).Str("queue", queue).Msg("Subscribed to NATS")
	return nil
}

// Publish publishes a message to a subject
func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishRequest publishes data on subject with someone else's reply inbox,
// so the responder answers that caller directly.
func (c *Client) PublishRequest(subject, reply string, data []byte) error {
	return c.conn.PublishRequest(subject, reply, data)
}

// Request sends a request and waits for a response until timeout or ctx
// expires, whichever comes first.
func (c *Client) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	switch {
	case err == nil:
		return msg.Data, nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return nil, fmt.Errorf("%s: %w", subject, ErrTimeout)
	case errors.Is(err, nats.ErrNoResponders):
		return nil, fmt.Errorf("%s: %w", subject, ErrNoResponders)
	default:
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}
}

// Drain stops subscriptions, letting in-flight callbacks finish.
func (c *Client) Drain() {
	for _, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Warn().Err(err).Str("subject", sub.Subject).Msg("Failed to drain subscription")
		}
	}
	c.subs = nil
}

// Close closes the NATS connection
func (c *Client) Close() {
	for _, sub := range c.subs {
		sub.Unsubscribe()
	}
	c.conn.Close()
}

// IsConnected returns true if connected to NATS
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// Status returns the connection status
func (c *Client) Status() string {
	switch c.conn.Status() {
	case nats.CONNECTED:
		return "connected"
	case nats.CONNECTING:
		return "connecting"
	case nats.RECONNECTING:
		return "reconnecting"
	case nats.DISCONNECTED:
		return "disconnected"
	case nats.CLOSED:
		return "closed"
	default:
		return "unknown"
	}
}

// Classify maps a request error to RemoteTimeout or RemoteFailure.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) {
		return domainerr.Wrap(domainerr.RemoteTimeout, op, err)
	}
	return domainerr.Wrap(domainerr.RemoteFailure, op, err)
}
