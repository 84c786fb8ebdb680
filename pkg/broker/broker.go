package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/guardant/guardant/pkg/log"
	"github.com/guardant/guardant/pkg/metrics"
)

// Disposition is the handler's verdict on a delivered message.
type Disposition int

const (
	// Ack removes the message from the queue.
	Ack Disposition = iota
	// NackRequeue puts the message back for another delivery attempt.
	NackRequeue
	// DeadLetter moves the message to the stream's DLQ immediately.
	DeadLetter
	// Abandon leaves the message pending without an ack. The claim loop
	// redelivers it to a live consumer after ClaimIdle. Used when a handler
	// is torn down mid-work and cannot vouch for the outcome.
	Abandon
)

// Message is one delivery handed to a subscriber.
type Message struct {
	ID         string
	Stream     string
	Payload    []byte
	Deliveries int
}

// Handler processes one message and returns its disposition. Handlers must
// be idempotent: redelivery after a crash or requeue is expected.
type Handler func(ctx context.Context, msg Message) Disposition

// Options tune a Broker. Zero values take the defaults below.
type Options struct {
	// MaxDeliveries before a message is dead-lettered (default 5).
	MaxDeliveries int
	// MaxLen is the approximate per-stream cap enforced on publish
	// (default 100000). Oldest entries are trimmed first.
	MaxLen int64
	// ClaimIdle is how long a message may sit pending on a dead consumer
	// before another consumer claims it (default 60s).
	ClaimIdle time.Duration
	// Block is the XREADGROUP block duration (default 2s).
	Block time.Duration
}

func (o *Options) defaults() {
	if o.MaxDeliveries == 0 {
		o.MaxDeliveries = 5
	}
	if o.MaxLen == 0 {
		o.MaxLen = 100000
	}
	if o.ClaimIdle == 0 {
		o.ClaimIdle = 60 * time.Second
	}
	if o.Block == 0 {
		o.Block = 2 * time.Second
	}
}

// Broker is a typed pub/sub layer over Redis Streams. Publishes are
// fire-and-forget with server acknowledgement; subscriptions are competing
// consumers with manual ack, bounded redelivery and dead-lettering.
type Broker struct {
	client *redis.Client
	opts   Options
	logger zerolog.Logger
}

// New connects a broker to the given Redis URL.
func New(url string, opts Options) (*Broker, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse broker URL: %w", err)
	}
	return NewFromClient(redis.NewClient(ropts), opts), nil
}

// NewFromClient wraps an existing client. Used by tests.
func NewFromClient(client *redis.Client, opts Options) *Broker {
	opts.defaults()
	return &Broker{
		client: client,
		opts:   opts,
		logger: log.WithComponent("broker"),
	}
}

// Publish JSON-encodes v and appends it to the stream. The stream is capped
// at MaxLen entries (approximate trim); a full queue sheds its oldest
// messages rather than blocking producers.
func (b *Broker) Publish(ctx context.Context, stream string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return b.publishRaw(ctx, stream, payload, 1)
}

func (b *Broker) publishRaw(ctx context.Context, stream string, payload []byte, deliveries int) error {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.opts.MaxLen,
		Approx: true,
		Values: map[string]any{
			"payload":    payload,
			"deliveries": deliveries,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	metrics.MessagesPublished.WithLabelValues(stream).Inc()
	return nil
}

// QueueDepth returns the number of entries currently in a stream. The
// scheduler uses this for region backpressure.
func (b *Broker) QueueDepth(ctx context.Context, stream string) (int64, error) {
	n, err := b.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read depth of %s: %w", stream, err)
	}
	return n, nil
}

// DeleteStream drops a stream entirely. Control queues are deleted when
// their worker is revoked.
func (b *Broker) DeleteStream(ctx context.Context, stream string) error {
	if err := b.client.Del(ctx, stream).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", stream, err)
	}
	return nil
}

// Ping verifies broker connectivity.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Subscribe consumes a stream as part of a consumer group until ctx is
// cancelled. Up to concurrency messages are in flight at once; each is
// acked, requeued or dead-lettered strictly after its handler returns.
// In-flight messages are drained before Subscribe returns.
func (b *Broker) Subscribe(ctx context.Context, stream, group, consumer string, concurrency int, handler Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}
	if err := b.ensureGroup(ctx, stream, group); err != nil {
		return err
	}

	logger := b.logger.With().Str("stream", stream).Str("group", group).Logger()
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	backoff := time.Second
	lastClaim := time.Time{}

	for ctx.Err() == nil {
		// Periodically reclaim messages stuck pending on dead consumers.
		if time.Since(lastClaim) >= b.opts.ClaimIdle/2 {
			b.claimStale(ctx, stream, group, consumer, sem, &wg, handler)
			lastClaim = time.Now()
		}

		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    int64(concurrency),
			Block:    b.opts.Block,
		}).Result()
		if err == redis.Nil {
			backoff = time.Second
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Warn().Err(err).Msg("read failed, backing off")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, sr := range res {
			for _, xmsg := range sr.Messages {
				b.dispatch(ctx, stream, group, xmsg, sem, &wg, handler)
			}
		}
	}

	wg.Wait()
	return nil
}

// dispatch runs one message on the bounded pool.
func (b *Broker) dispatch(ctx context.Context, stream, group string, xmsg redis.XMessage, sem chan struct{}, wg *sync.WaitGroup, handler Handler) {
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return // unacked, redelivered after restart
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { <-sem }()
		b.handleOne(ctx, stream, group, xmsg, handler)
	}()
}

func (b *Broker) handleOne(ctx context.Context, stream, group string, xmsg redis.XMessage, handler Handler) {
	msg := Message{
		ID:         xmsg.ID,
		Stream:     stream,
		Payload:    fieldBytes(xmsg.Values, "payload"),
		Deliveries: fieldInt(xmsg.Values, "deliveries"),
	}
	if msg.Deliveries == 0 {
		msg.Deliveries = 1
	}

	disp := b.safeHandle(ctx, msg, handler)

	// A handler may finish during shutdown, after ctx is cancelled. Its
	// verdict still has to reach Redis or the message is redelivered and
	// the work repeated.
	opCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	switch disp {
	case Abandon:
		metrics.MessagesConsumed.WithLabelValues(stream, "abandoned").Inc()
		return
	case Ack:
		metrics.MessagesConsumed.WithLabelValues(stream, "ack").Inc()
	case NackRequeue:
		if msg.Deliveries >= b.opts.MaxDeliveries {
			disp = DeadLetter
		} else {
			metrics.MessagesConsumed.WithLabelValues(stream, "requeue").Inc()
			if err := b.publishRaw(opCtx, stream, msg.Payload, msg.Deliveries+1); err != nil {
				// Leave it pending; the claim loop will redeliver.
				b.logger.Warn().Err(err).Str("stream", stream).Msg("requeue failed")
				return
			}
		}
	}
	if disp == DeadLetter {
		metrics.MessagesConsumed.WithLabelValues(stream, "dead_letter").Inc()
		if err := b.publishRaw(opCtx, DLQ(stream), msg.Payload, msg.Deliveries); err != nil {
			b.logger.Warn().Err(err).Str("stream", stream).Msg("dead-letter failed")
			return
		}
	}

	if err := b.client.XAck(opCtx, stream, group, xmsg.ID).Err(); err != nil && opCtx.Err() == nil {
		b.logger.Warn().Err(err).Str("stream", stream).Str("id", xmsg.ID).Msg("ack failed")
	}
}

// safeHandle converts handler panics into requeues.
func (b *Broker) safeHandle(ctx context.Context, msg Message, handler Handler) (disp Disposition) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("stream", msg.Stream).Msg("handler panicked")
			disp = NackRequeue
		}
	}()
	return handler(ctx, msg)
}

// claimStale transfers messages pending longer than ClaimIdle from dead
// consumers to this one and redelivers them.
func (b *Broker) claimStale(ctx context.Context, stream, group, consumer string, sem chan struct{}, wg *sync.WaitGroup, handler Handler) {
	start := "0-0"
	for {
		msgs, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  b.opts.ClaimIdle,
			Start:    start,
			Count:    100,
		}).Result()
		if err != nil {
			if ctx.Err() == nil && err != redis.Nil {
				b.logger.Debug().Err(err).Str("stream", stream).Msg("autoclaim failed")
			}
			return
		}
		for _, xmsg := range msgs {
			b.dispatch(ctx, stream, group, xmsg, sem, wg, handler)
		}
		if next == "0-0" || len(msgs) == 0 {
			return
		}
		start = next
	}
}

func (b *Broker) ensureGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("failed to create group %s on %s: %w", group, stream, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func fieldBytes(values map[string]any, key string) []byte {
	switch v := values[key].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	}
	return nil
}

func fieldInt(values map[string]any, key string) int {
	switch v := values[key].(type) {
	case string:
		n, _ := strconv.Atoi(v)
		return n
	case int64:
		return int(v)
	}
	return 0
}
