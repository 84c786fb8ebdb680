package aggregate

import (
	"container/list"
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/guardant/guardant/pkg/broker"
	"github.com/guardant/guardant/pkg/log"
	"github.com/guardant/guardant/pkg/metrics"
	"github.com/guardant/guardant/pkg/types"
)

const (
	// maxLiveBuckets caps in-memory state. Beyond it the least recently
	// touched bucket is sealed early.
	maxLiveBuckets = 10000

	sealSweepInterval = 15 * time.Second
)

// sealGrace is how long past a period's end late results are still folded
// in before the bucket is sealed.
func sealGrace(p types.Period) time.Duration {
	switch p {
	case types.PeriodHour:
		return 10 * time.Minute
	case types.PeriodDay:
		return time.Hour
	default:
		return 2 * time.Minute
	}
}

var periods = []types.Period{types.PeriodMinute, types.PeriodHour, types.PeriodDay}

type bucketKey struct {
	NestID      string
	ServiceID   string
	RegionID    string
	Period      types.Period
	PeriodStart int64
}

type bucket struct {
	metrics  types.AggregatedMetrics
	sumMs    int64
	lruEntry *list.Element
}

// Aggregator folds probe results into minute, hour and day roll-ups and
// seals them to a Sink once their grace window passes. One result updates
// three buckets; a bucket is mutated only until sealed.
type Aggregator struct {
	sink   Sink
	broker *broker.Broker
	logger zerolog.Logger

	mu      sync.Mutex
	buckets map[bucketKey]*bucket
	lru     *list.List // front = most recently touched, values are bucketKey
}

// New creates an aggregator writing sealed buckets to sink.
func New(br *broker.Broker, sink Sink) *Aggregator {
	return &Aggregator{
		sink:    sink,
		broker:  br,
		logger:  log.WithComponent("aggregator"),
		buckets: make(map[bucketKey]*bucket),
		lru:     list.New(),
	}
}

// Run consumes the aggregate stream until ctx is cancelled, then seals
// everything still live.
func (a *Aggregator) Run(ctx context.Context) error {
	go a.sealLoop(ctx)
	err := a.broker.Subscribe(ctx, broker.AggregateStream, broker.GroupAggregator, "aggregator", 4, a.handle)
	a.SealAll(context.Background())
	return err
}

func (a *Aggregator) handle(ctx context.Context, msg broker.Message) broker.Disposition {
	var res types.ProbeResult
	if err := json.Unmarshal(msg.Payload, &res); err != nil || res.ServiceID == "" {
		return broker.DeadLetter
	}
	a.Observe(&res)
	return broker.Ack
}

// Observe folds one result into its minute, hour and day buckets. Results
// older than a period's seal horizon are dropped for that period.
func (a *Aggregator) Observe(res *types.ProbeResult) {
	now := time.Now().UnixMilli()

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, period := range periods {
		widthMs := period.Duration().Milliseconds()
		start := (res.StartedAt / widthMs) * widthMs
		if start+widthMs+sealGrace(period).Milliseconds() < now {
			continue // arrived after the bucket would have sealed
		}
		a.fold(bucketKey{
			NestID:      res.NestID,
			ServiceID:   res.ServiceID,
			RegionID:    res.RegionID,
			Period:      period,
			PeriodStart: start,
		}, res)
	}
}

func (a *Aggregator) fold(key bucketKey, res *types.ProbeResult) {
	b, ok := a.buckets[key]
	if !ok {
		b = &bucket{
			metrics: types.AggregatedMetrics{
				NestID:              key.NestID,
				ServiceID:           key.ServiceID,
				RegionID:            key.RegionID,
				Period:              key.Period,
				PeriodStart:         key.PeriodStart,
				MinDurationMs:       res.DurationMs,
				StatusCodeHistogram: make(map[string]int),
				ErrorClassHistogram: make(map[string]int),
			},
		}
		b.lruEntry = a.lru.PushFront(key)
		a.buckets[key] = b
		metrics.BucketsLive.Set(float64(len(a.buckets)))
		a.evictLocked()
	} else {
		a.lru.MoveToFront(b.lruEntry)
	}

	m := &b.metrics
	m.TotalChecks++
	switch res.Status {
	case types.StatusUp:
		m.UpChecks++
	case types.StatusDown:
		m.DownChecks++
	case types.StatusDegraded:
		m.DegradedChecks++
	}
	b.sumMs += res.DurationMs
	m.AvgDurationMs = float64(b.sumMs) / float64(m.TotalChecks)
	if res.DurationMs < m.MinDurationMs {
		m.MinDurationMs = res.DurationMs
	}
	if res.DurationMs > m.MaxDurationMs {
		m.MaxDurationMs = res.DurationMs
	}
	if res.StatusCode != 0 {
		m.StatusCodeHistogram[strconv.Itoa(res.StatusCode)]++
	}
	if res.ErrorClass != "" {
		m.ErrorClassHistogram[string(res.ErrorClass)]++
	}
}

// evictLocked force-seals the least recently touched buckets while over the
// live cap.
func (a *Aggregator) evictLocked() {
	for len(a.buckets) > maxLiveBuckets {
		oldest := a.lru.Back()
		if oldest == nil {
			return
		}
		key := oldest.Value.(bucketKey)
		a.logger.Warn().
			Str("service_id", key.ServiceID).
			Str("period", string(key.Period)).
			Msg("live bucket cap reached, sealing early")
		a.sealLocked(key)
	}
}

func (a *Aggregator) sealLoop(ctx context.Context) {
	ticker := time.NewTicker(sealSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sealExpired()
		}
	}
}

func (a *Aggregator) sealExpired() {
	now := time.Now().UnixMilli()

	a.mu.Lock()
	defer a.mu.Unlock()
	for key := range a.buckets {
		end := key.PeriodStart + key.Period.Duration().Milliseconds()
		if end+sealGrace(key.Period).Milliseconds() < now {
			a.sealLocked(key)
		}
	}
}

// SealAll flushes every live bucket, used on shutdown.
func (a *Aggregator) SealAll(context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key := range a.buckets {
		a.sealLocked(key)
	}
}

func (a *Aggregator) sealLocked(key bucketKey) {
	b, ok := a.buckets[key]
	if !ok {
		return
	}
	delete(a.buckets, key)
	a.lru.Remove(b.lruEntry)
	metrics.BucketsLive.Set(float64(len(a.buckets)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.sink.Write(ctx, &b.metrics); err != nil {
		a.logger.Error().Err(err).
			Str("service_id", key.ServiceID).
			Str("period", string(key.Period)).
			Int64("period_start", key.PeriodStart).
			Msg("failed to persist sealed bucket")
		return
	}
	metrics.BucketsSealed.WithLabelValues(string(key.Period)).Inc()
}

// LiveBuckets reports the number of unsealed buckets, for tests and
// diagnostics.
func (a *Aggregator) LiveBuckets() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buckets)
}
