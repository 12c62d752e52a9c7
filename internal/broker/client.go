// Package broker wraps the NATS JetStream client behind the two operations
// the pipeline needs: an acknowledged publish with a bounded timeout, and a
// durable pull consumer that dispatches to a fixed-size worker pool.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/TechGeekConnectTech/demised/internal/config"
	"github.com/TechGeekConnectTech/demised/internal/pipeline/message"
)

// headerKey carries the partitioning key (server id) so a real multi-stream
// deployment can keep a server's messages order-affine.
const headerKey = "Demise-Key"

type Client struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	cfg config.BrokerConfig
	log *zap.Logger
}

// Connect dials the broker and binds the JetStream context. Reconnects are
// unbounded; connection state changes are logged, not surfaced.
func Connect(cfg config.BrokerConfig, log *zap.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("demised"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("broker disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("broker reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to broker at %s: %w", cfg.URL, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bind jetstream context: %w", err)
	}

	return &Client{nc: nc, js: js, cfg: cfg, log: log}, nil
}

// EnsureStream creates the pipeline stream if it does not exist. The
// duplicate window doubles as a broker-side idempotency net for publishes
// carrying a message id.
func (c *Client) EnsureStream(dedupeWindow time.Duration) error {
	_, err := c.js.StreamInfo(c.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", c.cfg.Stream, err)
	}

	if dedupeWindow <= 0 {
		dedupeWindow = 2 * time.Minute
	}
	_, err = c.js.AddStream(&nats.StreamConfig{
		Name:       c.cfg.Stream,
		Subjects:   []string{c.cfg.Subject},
		Retention:  nats.LimitsPolicy,
		Duplicates: dedupeWindow,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", c.cfg.Stream, err)
	}
	c.log.Info("created pipeline stream",
		zap.String("stream", c.cfg.Stream),
		zap.String("subject", c.cfg.Subject))
	return nil
}

// Produce publishes a pipeline message and blocks until the broker
// acknowledges it or the publish timeout expires. Failure is reported as a
// boolean; the caller decides whether to retry, drop or escalate. Errors
// never propagate past this boundary.
func (c *Client) Produce(ctx context.Context, m *message.Message) bool {
	data, err := m.Encode()
	if err != nil {
		c.log.Error("encode message", zap.String("id", m.ID), zap.Error(err))
		return false
	}

	pubCtx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()

	msg := &nats.Msg{
		Subject: c.cfg.Subject,
		Header:  nats.Header{},
		Data:    data,
	}
	if key := m.Data.ServerID(); key != "" {
		msg.Header.Set(headerKey, key)
	}

	_, err = c.js.PublishMsg(msg, nats.Context(pubCtx), nats.MsgId(m.ID))
	if err != nil {
		c.log.Error("publish failed",
			zap.String("id", m.ID),
			zap.String("action", string(m.Action)),
			zap.Error(err))
		return false
	}
	return true
}

// Close drains in-flight work and closes the connection.
func (c *Client) Close() {
	if c.nc == nil {
		return
	}
	if err := c.nc.Drain(); err != nil {
		c.log.Warn("broker drain", zap.Error(err))
	}
	c.nc.Close()
}
