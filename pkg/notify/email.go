package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guardant/guardant/pkg/types"
)

// emailQueueKey holds queued email tasks for the external mailer to drain.
const emailQueueKey = "email:queue"

// EmailTask is one queued email delivery.
type EmailTask struct {
	To         string                   `json:"to"`
	Event      *types.NotificationEvent `json:"event"`
	Subject    string                   `json:"subject"`
	EnqueuedAt int64                    `json:"enqueuedAt"`
}

// EmailQueue accepts email tasks. Actual SMTP delivery is handled by a
// separate mailer process draining the queue.
type EmailQueue interface {
	Enqueue(ctx context.Context, to string, event *types.NotificationEvent) error
}

// RedisEmailQueue pushes tasks onto a Redis list.
type RedisEmailQueue struct {
	client *redis.Client
}

// NewRedisEmailQueue wraps an existing client.
func NewRedisEmailQueue(client *redis.Client) *RedisEmailQueue {
	return &RedisEmailQueue{client: client}
}

func (q *RedisEmailQueue) Enqueue(ctx context.Context, to string, event *types.NotificationEvent) error {
	task := EmailTask{
		To:         to,
		Event:      event,
		Subject:    subjectFor(event),
		EnqueuedAt: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal email task: %w", err)
	}
	if err := q.client.LPush(ctx, emailQueueKey, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue email: %w", err)
	}
	return nil
}

func subjectFor(event *types.NotificationEvent) string {
	name := event.ServiceName
	if name == "" {
		name = event.ServiceID
	}
	switch event.Kind {
	case types.NotifIncidentStarted:
		return fmt.Sprintf("[GuardAnt] %s is down", name)
	case types.NotifIncidentResolved:
		return fmt.Sprintf("[GuardAnt] %s recovered", name)
	case types.NotifMaintenanceStarted:
		return fmt.Sprintf("[GuardAnt] maintenance started for %s", name)
	case types.NotifMaintenanceEnded:
		return fmt.Sprintf("[GuardAnt] maintenance ended for %s", name)
	}
	return fmt.Sprintf("[GuardAnt] update for %s", name)
}
