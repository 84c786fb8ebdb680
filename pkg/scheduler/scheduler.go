package scheduler

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/guardant/guardant/pkg/broker"
	"github.com/guardant/guardant/pkg/log"
	"github.com/guardant/guardant/pkg/metrics"
	"github.com/guardant/guardant/pkg/store"
	"github.com/guardant/guardant/pkg/types"
)

// tickInterval bounds how often due entries are drained. Schedules have
// second granularity so 500ms keeps cadence error well under the jitter.
const tickInterval = 500 * time.Millisecond

// jitterFraction spreads emissions ±5% of the interval to avoid fleet-wide
// synchrony.
const jitterFraction = 0.05

// Config tunes a scheduler instance.
type Config struct {
	InstanceID   string
	LeaseTTL     time.Duration
	LeaseRenewal time.Duration
	PollInterval time.Duration
}

// Scheduler is the authoritative producer of probe commands. Instances run
// active-passive: only the lease holder emits; the passive instance keeps
// trying to acquire and takes over within one lease TTL of a leader failure.
type Scheduler struct {
	store  store.Store
	broker *broker.Broker
	cfg    Config
	logger zerolog.Logger

	sched    *schedule
	services map[string]*types.Service

	// emitted tracks (serviceId, region) -> dedup window start, so a leader
	// flap cannot double-emit within one interval window.
	emitted map[string]int64

	// capacity is per-region fleet capacity (sum of active workers'
	// maxConcurrency), refreshed on each poll.
	capacity map[string]int

	rnd *rand.Rand
}

// New creates a scheduler instance.
func New(st store.Store, br *broker.Broker, cfg Config) *Scheduler {
	return &Scheduler{
		store:    st,
		broker:   br,
		cfg:      cfg,
		logger:   log.WithComponent("scheduler").With().Str("instance", cfg.InstanceID).Logger(),
		sched:    newSchedule(),
		services: make(map[string]*types.Service),
		emitted:  make(map[string]int64),
		capacity: make(map[string]int),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run blocks until ctx is cancelled, alternating between standby (acquiring
// the lease) and leading (emitting commands).
func (s *Scheduler) Run(ctx context.Context) error {
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.store.ReleaseLease(releaseCtx, s.cfg.InstanceID)
	}()

	metrics.RegisterComponent("scheduler", false)
	metrics.UpdateComponent("scheduler", true, "standby")

	for ctx.Err() == nil {
		ok, err := s.store.AcquireLease(ctx, s.cfg.InstanceID, s.cfg.LeaseTTL)
		if err != nil {
			s.logger.Warn().Err(err).Msg("lease acquisition failed")
		}
		if !ok {
			select {
			case <-time.After(s.cfg.LeaseRenewal):
			case <-ctx.Done():
			}
			continue
		}

		s.logger.Info().Msg("acquired scheduler lease")
		metrics.SchedulerLeader.Set(1)
		metrics.UpdateComponent("scheduler", true, "leading")
		s.lead(ctx)
		metrics.SchedulerLeader.Set(0)
		metrics.UpdateComponent("scheduler", true, "standby")
		s.logger.Info().Msg("lost scheduler lease")
	}
	return ctx.Err()
}

// lead runs the emit loop while the lease holds. On renewal failure it
// returns within one tick without emitting further commands.
func (s *Scheduler) lead(ctx context.Context) {
	// A new leader rebuilds its view from the store; persisted schedule
	// entries carry cadence across failovers.
	if err := s.syncServices(ctx); err != nil {
		s.logger.Error().Err(err).Msg("initial service sync failed")
		return
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	renew := time.NewTicker(s.cfg.LeaseRenewal)
	defer renew.Stop()
	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-renew.C:
			ok, err := s.store.RenewLease(ctx, s.cfg.InstanceID, s.cfg.LeaseTTL)
			if err != nil || !ok {
				return
			}
		case <-poll.C:
			if err := s.syncServices(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("service sync failed")
			}
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick drains all due entries and emits their commands.
func (s *Scheduler) tick(ctx context.Context) {
	started := time.Now()
	nowMs := started.UnixMilli()

	for {
		entry := s.sched.popDue(nowMs)
		if entry == nil {
			break
		}
		svc, ok := s.services[entry.ServiceID]
		if !ok {
			continue
		}

		s.emit(ctx, svc, entry, nowMs)

		next := nowMs + entry.IntervalMs + s.jitter(entry.IntervalMs)
		s.sched.reschedule(entry, next)
		if err := s.store.PutScheduleEntry(ctx, entry); err != nil {
			s.logger.Warn().Err(err).Str("service_id", entry.ServiceID).Msg("failed to persist schedule entry")
		}
	}

	metrics.SchedulerTickDuration.Observe(time.Since(started).Seconds())
}

// emit publishes one command per configured region, respecting the dedup
// window and per-region backpressure.
func (s *Scheduler) emit(ctx context.Context, svc *types.Service, entry *types.ScheduleEntry, nowMs int64) {
	window := (nowMs / entry.IntervalMs) * entry.IntervalMs

	for _, region := range entry.Regions {
		key := entry.ServiceID + "|" + region
		if s.emitted[key] == window {
			continue // already emitted this window (leader flap protection)
		}

		if s.overloaded(ctx, region) {
			metrics.CommandsDropped.WithLabelValues(region).Inc()
			s.logger.Warn().
				Str("region", region).
				Str("service_id", svc.ID).
				Msg("region backlogged, dropping due probe")
			continue
		}

		cmd := &types.ProbeCommand{
			CommandID:   uuid.New().String(),
			Service:     svc.Snapshot(),
			RegionID:    region,
			ScheduledAt: nowMs,
			Deadline:    nowMs + entry.IntervalMs,
			Attempt:     1,
		}
		if err := s.broker.Publish(ctx, broker.ProbeStream(region), cmd); err != nil {
			s.logger.Warn().Err(err).Str("region", region).Msg("command publish failed")
			continue
		}
		s.emitted[key] = window
		metrics.CommandsEmitted.WithLabelValues(region).Inc()
	}
}

// overloaded reports whether a region's queue depth exceeds twice its fleet
// capacity.
func (s *Scheduler) overloaded(ctx context.Context, region string) bool {
	cap, ok := s.capacity[region]
	if !ok || cap <= 0 {
		// No approved capacity known; queue anyway so a joining worker has
		// work waiting.
		return false
	}
	depth, err := s.broker.QueueDepth(ctx, broker.ProbeStream(region))
	if err != nil {
		return false
	}
	return depth > int64(cap*2)
}

// syncServices refreshes the in-memory service set, schedule and regional
// capacity from the state store.
func (s *Scheduler) syncServices(ctx context.Context) error {
	services, err := s.store.ListServices(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(services))
	nowMs := time.Now().UnixMilli()

	for _, svc := range services {
		if !svc.IsActive {
			continue
		}
		seen[svc.ID] = true
		intervalMs := int64(svc.IntervalSeconds) * 1000

		current := s.sched.get(svc.ID)
		if current == nil {
			s.services[svc.ID] = svc
			entry := s.restoreEntry(ctx, svc, intervalMs, nowMs)
			s.sched.upsert(entry)
			continue
		}

		if svc.Revision != current.Revision || intervalMs != current.IntervalMs {
			// Interval changes restart the cadence from now.
			next := current.NextDueAt
			if intervalMs != current.IntervalMs {
				next = nowMs + intervalMs
			}
			s.sched.upsert(&types.ScheduleEntry{
				ServiceID:  svc.ID,
				NextDueAt:  next,
				IntervalMs: intervalMs,
				Regions:    svc.Monitoring.Regions,
				Revision:   svc.Revision,
			})
		}
		s.services[svc.ID] = svc
	}

	// Drop services that disappeared or went inactive. In-flight commands
	// keep running; the ingestor discards their results.
	for id := range s.services {
		if !seen[id] {
			delete(s.services, id)
			s.sched.remove(id)
			if err := s.store.DeleteScheduleEntry(ctx, id); err != nil {
				s.logger.Warn().Err(err).Str("service_id", id).Msg("failed to delete schedule entry")
			}
		}
	}
	for key := range s.emitted {
		id, _, _ := strings.Cut(key, "|")
		if !seen[id] {
			delete(s.emitted, key)
		}
	}

	metrics.ServicesTotal.Set(float64(s.sched.len()))
	s.refreshCapacity(ctx)
	return nil
}

// restoreEntry resumes the persisted cursor when it is still coherent with
// the service, otherwise schedules immediately.
func (s *Scheduler) restoreEntry(ctx context.Context, svc *types.Service, intervalMs, nowMs int64) *types.ScheduleEntry {
	if persisted, err := s.store.GetScheduleEntry(ctx, svc.ID); err == nil &&
		persisted.Revision == svc.Revision && persisted.IntervalMs == intervalMs {
		persisted.Regions = svc.Monitoring.Regions
		if persisted.NextDueAt < nowMs {
			persisted.NextDueAt = nowMs
		}
		return persisted
	}
	return &types.ScheduleEntry{
		ServiceID:  svc.ID,
		NextDueAt:  nowMs,
		IntervalMs: intervalMs,
		Regions:    svc.Monitoring.Regions,
		Revision:   svc.Revision,
	}
}

// refreshCapacity recomputes per-region capacity from fresh active workers.
func (s *Scheduler) refreshCapacity(ctx context.Context) {
	workers, err := s.store.ListWorkers(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to list workers for capacity")
		return
	}
	capacity := make(map[string]int)
	for _, w := range workers {
		if w.Status != types.WorkerActive {
			continue
		}
		fresh, err := s.store.WorkerHeartbeatFresh(ctx, w.ID)
		if err != nil || !fresh {
			continue
		}
		capacity[w.RegionID] += w.Capabilities.MaxConcurrency
	}
	s.capacity = capacity
}

// jitter returns a random offset in ±jitterFraction of the interval.
func (s *Scheduler) jitter(intervalMs int64) int64 {
	span := int64(float64(intervalMs) * jitterFraction)
	if span <= 0 {
		return 0
	}
	return s.rnd.Int63n(2*span+1) - span
}
