package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/glimte/stagerelay/internal/reliability"
	"github.com/glimte/stagerelay/messaging"
)

// Consumer reads a topic as a member of a consumer group. Each partition it
// owns is processed by its own goroutine, one message at a time.
type Consumer struct {
	bus   *Bus
	topic string
	group string

	mu     sync.Mutex
	closed bool
	owned  []*partition
}

// Consume implements messaging.Consumer
func (c *Consumer) Consume(ctx context.Context, handler messaging.Handler) error {
	if handler == nil {
		return messaging.ErrNilHandler
	}

	owned, err := c.claim()
	if err != nil {
		return err
	}
	defer c.release()

	var wg sync.WaitGroup
	errCh := make(chan error, len(owned))
	for _, p := range owned {
		wg.Add(1)
		go func(p *partition) {
			defer wg.Done()
			if err := c.run(ctx, p, handler); err != nil {
				errCh <- err
			}
		}(p)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if !errors.Is(err, errClosed) {
			return err
		}
	}
	return nil
}

// Close implements messaging.Consumer
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Consumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// claim takes every partition of the topic not owned by another member of
// the group
func (c *Consumer) claim() ([]*partition, error) {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()

	if c.bus.closed {
		return nil, messaging.ErrTransportClosed
	}

	t := c.bus.topicLocked(c.topic)
	var owned []*partition
	for _, p := range t.partitions {
		if owner, ok := p.owners[c.group]; ok && owner != c {
			continue
		}
		p.owners[c.group] = c
		owned = append(owned, p)
	}
	if len(owned) == 0 {
		return nil, fmt.Errorf("memory: no free partitions on %s for group %s", c.topic, c.group)
	}

	c.mu.Lock()
	c.owned = owned
	c.mu.Unlock()
	return owned, nil
}

func (c *Consumer) release() {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.owned {
		if p.owners[c.group] == c {
			delete(p.owners, c.group)
		}
	}
	c.owned = nil
}

// next blocks until the partition has an uncommitted message
func (c *Consumer) next(ctx context.Context, p *partition) (record, int64, error) {
	for {
		c.bus.mu.Lock()
		if c.bus.closed {
			c.bus.mu.Unlock()
			return record{}, 0, errClosed
		}
		offset := p.offsets[c.group]
		if offset < int64(len(p.log)) {
			r := p.log[offset]
			c.bus.mu.Unlock()
			return r, offset, nil
		}
		wait := p.notifyCh
		c.bus.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return record{}, 0, ctx.Err()
		case <-c.bus.done:
			return record{}, 0, errClosed
		}
	}
}

func (c *Consumer) commit(p *partition, offset int64) {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	if p.offsets[c.group] == offset {
		p.offsets[c.group] = offset + 1
	}
}

func (c *Consumer) run(ctx context.Context, p *partition, handler messaging.Handler) error {
	for {
		if c.isClosed() {
			return errClosed
		}

		r, offset, err := c.next(ctx, p)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		d := &messaging.Delivery{
			ID:         fmt.Sprintf("%s/%d/%d", c.topic, p.index, offset),
			Topic:      c.topic,
			Key:        r.msg.Key,
			Value:      r.msg.Value,
			Headers:    r.msg.Headers,
			Partition:  p.index,
			Offset:     offset,
			ReceivedAt: r.receivedAt,
		}

		// Redeliver in place until the handler succeeds; later messages of
		// the partition wait behind it.
		for attempt := 1; ; attempt++ {
			d.Attempt = attempt
			err := c.invoke(ctx, handler, d)
			if err == nil {
				c.commit(p, offset)
				break
			}
			c.bus.logger.Warn("message handler failed, redelivering",
				"topic", c.topic,
				"group", c.group,
				"deliveryId", d.ID,
				"attempt", attempt,
				"error", err,
			)

			if err := reliability.Sleep(ctx, c.bus.redeliveryDelay); err != nil {
				return nil
			}
			if c.isClosed() {
				return errClosed
			}
		}
	}
}

// invoke runs the handler detached from ctx cancellation so a shutdown lets
// the in-flight message finish
func (c *Consumer) invoke(ctx context.Context, handler messaging.Handler, d *messaging.Delivery) error {
	hctx := context.WithoutCancel(ctx)
	if c.bus.handlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, c.bus.handlerTimeout)
		defer cancel()
	}
	return handler(hctx, d)
}

var _ messaging.Consumer = (*Consumer)(nil)
