package collab

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Outbox holds durable writes that failed because the store was unavailable
// and retries them with exponential backoff. The engine applies such
// operations optimistically in memory first, so the outbox only affects
// durability, never local responsiveness. Presence never goes through here:
// failed presence publishes are dropped by design.
type Outbox struct {
	log *logrus.Logger

	mu      sync.Mutex
	queue   []outboxEntry
	wake    chan struct{}
	maxWait time.Duration
	recheck time.Duration
}

type outboxEntry struct {
	id      string
	attempt func(ctx context.Context) error
}

func NewOutbox(log *logrus.Logger) *Outbox {
	return &Outbox{
		log:     log,
		wake:    make(chan struct{}, 1),
		maxWait: 2 * time.Minute,
		recheck: 30 * time.Second,
	}
}

// Enqueue adds a retryable write. attempt must be safe to call repeatedly;
// all store writes here are idempotent (inserts keyed by operation id).
func (o *Outbox) Enqueue(id string, attempt func(ctx context.Context) error) {
	o.mu.Lock()
	o.queue = append(o.queue, outboxEntry{id: id, attempt: attempt})
	depth := len(o.queue)
	o.mu.Unlock()

	o.log.Warnf("outbox: queued %s for retry (depth %d)", id, depth)
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Depth returns the number of writes awaiting retry.
func (o *Outbox) Depth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Run drains the queue until ctx is cancelled. Entries retry in order with
// exponential backoff; an entry that exhausts its backoff stays at the head
// and is retried on the next wake or recheck tick. The tick covers outages
// longer than maxWait during which no new Enqueue arrives to wake the loop.
func (o *Outbox) Run(ctx context.Context) {
	tick := time.NewTicker(o.recheck)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		case <-tick.C:
			if o.Depth() == 0 {
				continue
			}
		}
		o.drain(ctx)
	}
}

func (o *Outbox) drain(ctx context.Context) {
	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			o.mu.Unlock()
			return
		}
		entry := o.queue[0]
		o.mu.Unlock()

		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = o.maxWait
		err := backoff.Retry(func() error {
			return entry.attempt(ctx)
		}, backoff.WithContext(bo, ctx))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.log.Errorf("outbox: %s still failing after backoff: %v", entry.id, err)
			// Leave it queued; the next wake or recheck tick retries it.
			return
		}

		o.log.Infof("outbox: flushed %s", entry.id)
		o.mu.Lock()
		o.queue = o.queue[1:]
		o.mu.Unlock()
	}
}
