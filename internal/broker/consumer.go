package broker

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Handler processes one raw message. Handlers convert their own failures
// into pipeline messages; they never return an error to the consume loop.
type Handler func(ctx context.Context, data []byte)

// Consume runs a durable pull consumer on the pipeline subject and blocks
// until ctx is cancelled. Each stage gets its own durable, so every stage
// sees every message (broadcast across stages); a stage's workers share the
// one durable (load balancing within the stage).
//
// Messages are acknowledged on dispatch (the auto-commit model): stages
// convert their own failures into terminal pipeline messages instead of
// relying on broker redelivery, so holding the ack would buy nothing and
// would couple polling to handler latency.
func (c *Client) Consume(ctx context.Context, durable string, handler Handler, workers int) error {
	sub, err := c.js.PullSubscribe(c.cfg.Subject, durable)
	if err != nil {
		return err
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			c.log.Warn("unsubscribe", zap.String("durable", durable), zap.Error(err))
		}
	}()

	log := c.log.With(zap.String("durable", durable))
	pool := newWorkerPool(c.cfg.FetchBatch, handler, log)
	pool.start(ctx, workers)
	defer pool.close()

	log.Info("consuming", zap.Int("workers", workers))

	for ctx.Err() == nil {
		msgs, err := sub.Fetch(c.cfg.FetchBatch, nats.MaxWait(c.cfg.FetchTimeout))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				break
			}
			log.Error("fetch failed", zap.Error(err))
			// Back off so a broker outage does not spin the loop.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}

		for _, msg := range msgs {
			if !pool.submit(ctx, msg.Data) {
				return nil
			}
			if err := msg.Ack(); err != nil {
				log.Warn("ack failed", zap.Error(err))
			}
		}
	}
	return nil
}
