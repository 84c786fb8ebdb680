package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guardant/guardant/pkg/types"
)

// Sink receives sealed buckets. Implementations must tolerate the same
// bucket being written twice, which happens when an aggregator restarts
// mid-seal.
type Sink interface {
	Write(ctx context.Context, m *types.AggregatedMetrics) error
}

// retention per period. Minute roll-ups feed live dashboards, day roll-ups
// back long uptime views.
func retention(p types.Period) time.Duration {
	switch p {
	case types.PeriodHour:
		return 30 * 24 * time.Hour
	case types.PeriodDay:
		return 400 * 24 * time.Hour
	default:
		return 48 * time.Hour
	}
}

// RedisSink persists sealed buckets as JSON values with a sorted-set index
// per (service, region, period) scored by periodStart, so range reads come
// straight off ZRANGEBYSCORE.
type RedisSink struct {
	client *redis.Client
}

// NewRedisSink wraps an existing client.
func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client}
}

func metricKey(m *types.AggregatedMetrics) string {
	return fmt.Sprintf("metrics:%s:%s:%s:%s:%d", m.NestID, m.ServiceID, m.RegionID, m.Period, m.PeriodStart)
}

func metricIndexKey(m *types.AggregatedMetrics) string {
	return fmt.Sprintf("metrics:index:%s:%s:%s:%s", m.NestID, m.ServiceID, m.RegionID, m.Period)
}

func (s *RedisSink) Write(ctx context.Context, m *types.AggregatedMetrics) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal bucket: %w", err)
	}

	ttl := retention(m.Period)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, metricKey(m), data, ttl)
	pipe.ZAdd(ctx, metricIndexKey(m), redis.Z{Score: float64(m.PeriodStart), Member: m.PeriodStart})
	pipe.Expire(ctx, metricIndexKey(m), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to persist bucket: %w", err)
	}
	return nil
}

// Read returns the sealed buckets for one series between fromMs and toMs
// inclusive, oldest first.
func (s *RedisSink) Read(ctx context.Context, nestID, serviceID, regionID string, period types.Period, fromMs, toMs int64) ([]*types.AggregatedMetrics, error) {
	index := fmt.Sprintf("metrics:index:%s:%s:%s:%s", nestID, serviceID, regionID, period)
	starts, err := s.client.ZRangeByScore(ctx, index, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", fromMs),
		Max: fmt.Sprintf("%d", toMs),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read bucket index: %w", err)
	}

	out := make([]*types.AggregatedMetrics, 0, len(starts))
	for _, start := range starts {
		key := fmt.Sprintf("metrics:%s:%s:%s:%s:%s", nestID, serviceID, regionID, period, start)
		data, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue // value expired ahead of its index entry
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read bucket %s: %w", key, err)
		}
		var m types.AggregatedMetrics
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		out = append(out, &m)
	}
	return out, nil
}
