package notify

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/guardant/guardant/pkg/broker"
	"github.com/guardant/guardant/pkg/log"
	"github.com/guardant/guardant/pkg/metrics"
	"github.com/guardant/guardant/pkg/types"
)

const (
	retryBackoffMin = time.Minute
	retryBackoffMax = 30 * time.Minute
	maxAttempts     = 6

	// retrySetKey parks failed webhook deliveries, scored by their due
	// time. Parking lives in Redis so a notifier restart resumes the
	// backoff schedule instead of forgetting it.
	retrySetKey = "notify:webhook:retries"

	retryPollInterval = 5 * time.Second
	retryDrainBatch   = 100
)

var kinds = []types.NotificationKind{
	types.NotifIncidentStarted,
	types.NotifIncidentResolved,
	types.NotifMaintenanceStarted,
	types.NotifMaintenanceEnded,
}

// Dispatcher fans notification events out to their delivery channels. Each
// kind stream is consumed by two independent groups so a slow webhook
// endpoint never delays email queueing.
type Dispatcher struct {
	broker   *broker.Broker
	webhooks *WebhookSender
	emails   EmailQueue
	redis    *redis.Client
	logger   zerolog.Logger
}

// NewDispatcher wires the delivery channels together.
func NewDispatcher(br *broker.Broker, webhooks *WebhookSender, emails EmailQueue, client *redis.Client) *Dispatcher {
	return &Dispatcher{
		broker:   br,
		webhooks: webhooks,
		emails:   emails,
		redis:    client,
		logger:   log.WithComponent("notifier"),
	}
}

// Run consumes every notification kind until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	go d.retryLoop(ctx)

	var wg sync.WaitGroup
	for _, kind := range kinds {
		stream := broker.NotificationStream(kind)
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := d.broker.Subscribe(ctx, stream, broker.GroupWebhook, "webhook", 4, d.handleWebhook); err != nil && ctx.Err() == nil {
				d.logger.Error().Err(err).Str("stream", stream).Msg("webhook consumer stopped")
			}
		}()
		go func() {
			defer wg.Done()
			if err := d.broker.Subscribe(ctx, stream, broker.GroupEmail, "email", 2, d.handleEmail); err != nil && ctx.Err() == nil {
				d.logger.Error().Err(err).Str("stream", stream).Msg("email consumer stopped")
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func decodeEvent(msg broker.Message) (*types.NotificationEvent, bool) {
	var event types.NotificationEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil || event.NestID == "" {
		return nil, false
	}
	return &event, true
}

func (d *Dispatcher) handleWebhook(ctx context.Context, msg broker.Message) broker.Disposition {
	event, ok := decodeEvent(msg)
	if !ok {
		return broker.DeadLetter
	}
	for _, url := range event.Webhooks {
		d.deliver(ctx, url, event, 1)
	}
	return broker.Ack
}

func (d *Dispatcher) handleEmail(ctx context.Context, msg broker.Message) broker.Disposition {
	event, ok := decodeEvent(msg)
	if !ok {
		return broker.DeadLetter
	}
	for _, addr := range event.Emails {
		if err := d.emails.Enqueue(ctx, addr, event); err != nil {
			d.logger.Warn().Err(err).Str("to", addr).Msg("email enqueue failed")
			return broker.NackRequeue
		}
		metrics.NotificationsSent.WithLabelValues("email", "queued").Inc()
	}
	return broker.Ack
}

// deliver attempts one webhook delivery and parks a retry on failure.
func (d *Dispatcher) deliver(ctx context.Context, url string, event *types.NotificationEvent, attempt int) {
	err := d.webhooks.Send(ctx, url, event)
	if err == nil {
		metrics.NotificationsSent.WithLabelValues("webhook", "ok").Inc()
		return
	}

	if attempt >= maxAttempts {
		metrics.NotificationsSent.WithLabelValues("webhook", "failed").Inc()
		d.logger.Error().Err(err).
			Str("url", url).
			Str("kind", string(event.Kind)).
			Int("attempts", attempt).
			Msg("webhook delivery abandoned")
		return
	}

	backoff := retryBackoffMin << (attempt - 1)
	if backoff > retryBackoffMax {
		backoff = retryBackoffMax
	}
	d.logger.Warn().Err(err).
		Str("url", url).
		Int("attempt", attempt).
		Dur("retry_in", backoff).
		Msg("webhook delivery failed")

	entry, merr := json.Marshal(pendingDelivery{URL: url, Event: event, Attempt: attempt + 1})
	if merr != nil {
		d.logger.Error().Err(merr).Str("url", url).Msg("failed to encode retry entry")
		return
	}
	if zerr := d.redis.ZAdd(ctx, retrySetKey, redis.Z{
		Score:  float64(time.Now().Add(backoff).UnixMilli()),
		Member: string(entry),
	}).Err(); zerr != nil {
		d.logger.Error().Err(zerr).Str("url", url).Msg("failed to park retry")
	}
}

func (d *Dispatcher) retryLoop(ctx context.Context) {
	ticker := time.NewTicker(retryPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drainDue(ctx)
		}
	}
}

// drainDue claims and redelivers every parked retry whose due time passed.
// The ZRem is the claim: with multiple notifiers only the remover delivers.
func (d *Dispatcher) drainDue(ctx context.Context) {
	due, err := d.redis.ZRangeByScore(ctx, retrySetKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(time.Now().UnixMilli(), 10),
		Count: retryDrainBatch,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Warn().Err(err).Msg("failed to read parked retries")
		}
		return
	}

	for _, raw := range due {
		removed, err := d.redis.ZRem(ctx, retrySetKey, raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		var p pendingDelivery
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			d.logger.Warn().Err(err).Msg("dropping undecodable retry entry")
			continue
		}
		d.deliver(ctx, p.URL, p.Event, p.Attempt)
	}
}

// PendingRetries reports parked webhook retries, for tests.
func (d *Dispatcher) PendingRetries() int {
	n, err := d.redis.ZCard(context.Background(), retrySetKey).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

type pendingDelivery struct {
	URL     string                   `json:"url"`
	Event   *types.NotificationEvent `json:"event"`
	Attempt int                      `json:"attempt"`
}
