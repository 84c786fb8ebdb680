package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/guardant/guardant/pkg/broker"
	"github.com/guardant/guardant/pkg/log"
	"github.com/guardant/guardant/pkg/metrics"
	"github.com/guardant/guardant/pkg/store"
	"github.com/guardant/guardant/pkg/types"
)

// Ingestor consumes worker results, maintains live status, drives the
// incident state machine and fans results out to aggregation and
// notifications. Safe to run replicated: replicas compete on the results
// stream and handlers are idempotent on resultId.
type Ingestor struct {
	store       store.Store
	broker      *broker.Broker
	consumer    string
	concurrency int
	validate    *validator.Validate
	logger      zerolog.Logger

	// Per-service locks keep same-service results in receipt order while
	// different services proceed in parallel.
	locks sync.Map // serviceID -> *sync.Mutex
}

// New creates an ingestor.
func New(st store.Store, br *broker.Broker, concurrency int) *Ingestor {
	return &Ingestor{
		store:       st,
		broker:      br,
		consumer:    "ingestor-" + uuid.New().String()[:8],
		concurrency: concurrency,
		validate:    validator.New(),
		logger:      log.WithComponent("ingestor"),
	}
}

// Run consumes the results stream until ctx is cancelled.
func (i *Ingestor) Run(ctx context.Context) error {
	i.logger.Info().Str("consumer", i.consumer).Msg("ingestor starting")
	return i.broker.Subscribe(ctx, broker.ResultStream, broker.GroupIngest, i.consumer, i.concurrency, i.Handle)
}

// Handle processes one result message.
func (i *Ingestor) Handle(ctx context.Context, msg broker.Message) broker.Disposition {
	started := time.Now()
	defer func() {
		metrics.IngestDuration.Observe(time.Since(started).Seconds())
	}()

	var result types.ProbeResult
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		i.logger.Warn().Err(err).Msg("undecodable result message")
		metrics.ResultsIngested.WithLabelValues("invalid").Inc()
		return broker.DeadLetter
	}
	if err := i.validate.Struct(&result); err != nil {
		i.logger.Warn().Err(err).Str("result_id", result.ResultID).Msg("result failed schema validation")
		metrics.ResultsIngested.WithLabelValues("invalid").Inc()
		return broker.DeadLetter
	}

	svc, err := i.store.GetService(ctx, result.ServiceID)
	if err == store.ErrNotFound {
		metrics.ResultsIngested.WithLabelValues("orphan").Inc()
		return broker.Ack
	}
	if err != nil {
		return broker.NackRequeue
	}
	if !svc.IsActive {
		metrics.ResultsIngested.WithLabelValues("inactive").Inc()
		return broker.Ack
	}

	fresh, err := i.store.MarkResultSeen(ctx, result.ResultID)
	if err != nil {
		return broker.NackRequeue
	}
	if !fresh {
		metrics.ResultsIngested.WithLabelValues("duplicate").Inc()
		return broker.Ack
	}

	mu := i.lockFor(result.ServiceID)
	mu.Lock()
	err = i.apply(ctx, svc, &result)
	mu.Unlock()
	if err != nil {
		i.logger.Warn().Err(err).Str("service_id", result.ServiceID).Msg("failed to apply result")
		// Release the dedupe mark or the requeued delivery would be
		// discarded as a duplicate and the result lost.
		if uerr := i.store.UnmarkResultSeen(ctx, result.ResultID); uerr != nil {
			i.logger.Warn().Err(uerr).Str("result_id", result.ResultID).Msg("failed to release dedupe mark")
		}
		return broker.NackRequeue
	}

	// Fan out to the aggregator. Aggregation is best-effort relative to the
	// live-status write; a lost fan-out shows up as a sparse bucket, not a
	// wrong status.
	if err := i.broker.Publish(ctx, broker.AggregateStream, &result); err != nil {
		i.logger.Warn().Err(err).Msg("aggregation fan-out failed")
	}

	metrics.ResultsIngested.WithLabelValues("applied").Inc()
	return broker.Ack
}

// apply updates live status and advances the incident machine under the
// service lock.
func (i *Ingestor) apply(ctx context.Context, svc *types.Service, result *types.ProbeResult) error {
	ls, err := i.store.GetLiveStatus(ctx, svc.NestID, svc.ID)
	if err == store.ErrNotFound {
		ls = &types.LiveStatus{
			ServiceID: svc.ID,
			NestID:    svc.NestID,
			PerRegion: make(map[string]types.RegionStatus),
		}
	} else if err != nil {
		return err
	}
	if ls.PerRegion == nil {
		ls.PerRegion = make(map[string]types.RegionStatus)
	}

	// Stale guard: an old observation never overwrites a newer one for the
	// same region. Cache replays after a worker restart arrive late.
	if prev, ok := ls.PerRegion[result.RegionID]; !ok || result.StartedAt >= prev.LastAt {
		ls.PerRegion[result.RegionID] = types.RegionStatus{
			LastStatus:     result.Status,
			LastDurationMs: result.DurationMs,
			LastAt:         result.StartedAt,
		}
		ls.LastResult = result
	}

	now := time.Now()
	intervalMs := int64(svc.IntervalSeconds) * 1000
	freshCutoff := now.UnixMilli() - 2*intervalMs
	ls.AggregatedStatus = Aggregate(ls.PerRegion, svc.Monitoring.Regions, svc.Monitoring.Strategy, freshCutoff)

	// Down and up observations drive the counters; degraded and unknown
	// leave them untouched so a flapping degraded state neither opens nor
	// resolves incidents.
	switch ls.AggregatedStatus {
	case types.StatusDown:
		ls.ConsecutiveDowns++
		ls.ConsecutiveUps = 0
	case types.StatusUp:
		ls.ConsecutiveUps++
		ls.ConsecutiveDowns = 0
	}
	ls.UpdatedAt = now.UnixMilli()

	if err := i.store.PutLiveStatus(ctx, ls); err != nil {
		return err
	}

	return i.advanceIncident(ctx, svc, ls, result, now)
}

// advanceIncident runs one step of the incident state machine.
func (i *Ingestor) advanceIncident(ctx context.Context, svc *types.Service, ls *types.LiveStatus, result *types.ProbeResult, now time.Time) error {
	open, err := i.store.GetOpenIncident(ctx, svc.NestID, svc.ID)
	if err != nil && err != store.ErrNotFound {
		return err
	}

	down := ls.AggregatedStatus == types.StatusDown

	if open == nil {
		if !down || ls.ConsecutiveDowns < svc.AlertThreshold() {
			return nil
		}
		inc := &types.Incident{
			IncidentID:     uuid.New().String(),
			ServiceID:      svc.ID,
			NestID:         svc.NestID,
			OpenedAt:       now,
			AffectedChecks: ls.ConsecutiveDowns,
			ErrorCounts:    map[string]int{},
			LastSeenAt:     now,
		}
		countError(inc, result)
		inc.Reason = dominantReason(inc)
		if err := i.store.PutOpenIncident(ctx, inc); err != nil {
			return err
		}
		metrics.IncidentTransitions.WithLabelValues("opened").Inc()
		i.logger.Warn().
			Str("service_id", svc.ID).
			Str("incident_id", inc.IncidentID).
			Str("reason", string(inc.Reason)).
			Msg("incident opened")
		i.notify(ctx, svc, inc, types.NotifIncidentStarted, now)
		return nil
	}

	if down {
		open.AffectedChecks++
		open.LastSeenAt = now
		countError(open, result)
		open.Reason = dominantReason(open)
		return i.store.PutOpenIncident(ctx, open)
	}

	if ls.ConsecutiveUps >= svc.RecoveryThreshold() {
		closed := now
		open.ClosedAt = &closed
		if err := i.store.CloseIncident(ctx, open); err != nil {
			return err
		}
		metrics.IncidentTransitions.WithLabelValues("resolved").Inc()
		i.logger.Info().
			Str("service_id", svc.ID).
			Str("incident_id", open.IncidentID).
			Msg("incident resolved")
		i.notify(ctx, svc, open, types.NotifIncidentResolved, now)
	}
	return nil
}

// notify publishes an incident transition to the notification exchange.
// Delivery failures are logged, not propagated: the incident write already
// happened and redelivering the result would double-count it.
func (i *Ingestor) notify(ctx context.Context, svc *types.Service, inc *types.Incident, kind types.NotificationKind, now time.Time) {
	event := &types.NotificationEvent{
		Kind:        kind,
		NestID:      svc.NestID,
		ServiceID:   svc.ID,
		ServiceName: svc.Name,
		Incident:    inc,
		Webhooks:    svc.Notifications.Webhooks,
		Emails:      svc.Notifications.Emails,
		Timestamp:   now.UnixMilli(),
	}
	if err := i.broker.Publish(ctx, broker.NotificationStream(kind), event); err != nil {
		i.logger.Error().Err(err).Str("kind", string(kind)).Msg("notification publish failed")
	}
}

func (i *Ingestor) lockFor(serviceID string) *sync.Mutex {
	mu, _ := i.locks.LoadOrStore(serviceID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func countError(inc *types.Incident, result *types.ProbeResult) {
	if inc.ErrorCounts == nil {
		inc.ErrorCounts = map[string]int{}
	}
	if result.Status != types.StatusUp && result.ErrorClass != "" {
		inc.ErrorCounts[string(result.ErrorClass)]++
	}
}

// dominantReason picks the most common error class seen during the incident.
func dominantReason(inc *types.Incident) types.ErrorClass {
	best := inc.Reason
	bestN := 0
	for class, n := range inc.ErrorCounts {
		if n > bestN {
			best = types.ErrorClass(class)
			bestN = n
		}
	}
	if best == "" {
		best = types.ErrClassInternal
	}
	return best
}
