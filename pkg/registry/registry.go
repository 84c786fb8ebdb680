package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/guardant/guardant/pkg/broker"
	"github.com/guardant/guardant/pkg/log"
	"github.com/guardant/guardant/pkg/metrics"
	"github.com/guardant/guardant/pkg/store"
	"github.com/guardant/guardant/pkg/types"
)

// staleSweepInterval is how often active workers are checked for expired
// heartbeats.
const staleSweepInterval = 30 * time.Second

// Registry tracks worker identities, regions, capabilities and admission
// state, and exposes the fleet view. It is the single writer for worker
// records.
type Registry struct {
	store           store.Store
	broker          *broker.Broker
	brokerPublicURL string
	endpoints       map[string]string
	logger          zerolog.Logger
}

// New creates a registry.
func New(st store.Store, br *broker.Broker, brokerPublicURL string, endpoints map[string]string) *Registry {
	return &Registry{
		store:           st,
		broker:          br,
		brokerPublicURL: brokerPublicURL,
		endpoints:       endpoints,
		logger:          log.WithComponent("registry"),
	}
}

// Register admits a new worker as pending, or re-issues credentials to a
// previously approved worker that restarted. Revoked workers are rejected
// until an operator clears them.
func (r *Registry) Register(ctx context.Context, req *types.RegisterRequest) (*types.RegisterResponse, error) {
	existing, err := r.store.GetWorker(ctx, req.WorkerID)
	if err != nil && err != store.ErrNotFound {
		return nil, err
	}

	if existing != nil {
		switch existing.Status {
		case types.WorkerRevoked:
			return &types.RegisterResponse{Status: types.WorkerRevoked}, nil
		case types.WorkerActive, types.WorkerApproved, types.WorkerStale:
			// Known worker coming back: refresh its capabilities and hand
			// out credentials immediately.
			existing.Capabilities = req.Capabilities
			existing.Version = req.Version
			existing.Status = types.WorkerActive
			if err := r.store.PutWorker(ctx, existing); err != nil {
				return nil, err
			}
			return r.activeResponse(existing), nil
		default:
			return &types.RegisterResponse{Status: types.WorkerPending}, nil
		}
	}

	worker := &types.WorkerAnt{
		ID:           req.WorkerID,
		RegionID:     req.RegionHint,
		Capabilities: req.Capabilities,
		Version:      req.Version,
		Status:       types.WorkerPending,
		OwnerEmail:   req.OwnerEmail,
		RegisteredAt: time.Now(),
	}
	if err := r.store.PutWorker(ctx, worker); err != nil {
		return nil, err
	}
	r.logger.Info().
		Str("worker_id", worker.ID).
		Str("region_hint", req.RegionHint).
		Str("owner", req.OwnerEmail).
		Msg("worker registered, awaiting approval")
	return &types.RegisterResponse{Status: types.WorkerPending}, nil
}

// Approve assigns the worker to a region and transitions it to active.
func (r *Registry) Approve(ctx context.Context, workerID, regionID string) (*types.WorkerAnt, error) {
	worker, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if worker.Status == types.WorkerRevoked {
		return nil, fmt.Errorf("worker %s is revoked", workerID)
	}
	worker.RegionID = regionID
	worker.Status = types.WorkerActive
	if err := r.store.PutWorker(ctx, worker); err != nil {
		return nil, err
	}
	r.logger.Info().Str("worker_id", workerID).Str("region", regionID).Msg("worker approved")
	return worker, nil
}

// Drain asks a worker to finish in-flight probes and stop receiving.
func (r *Registry) Drain(ctx context.Context, workerID string) error {
	return r.transition(ctx, workerID, types.WorkerDraining, types.ControlDrain)
}

// Revoke cuts a worker off immediately. Its control queue is removed after
// the revoke message so the worker sees it first.
func (r *Registry) Revoke(ctx context.Context, workerID string) error {
	return r.transition(ctx, workerID, types.WorkerRevoked, types.ControlRevoke)
}

func (r *Registry) transition(ctx context.Context, workerID string, status types.WorkerStatus, action types.ControlAction) error {
	worker, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	worker.Status = status
	if err := r.store.PutWorker(ctx, worker); err != nil {
		return err
	}
	msg := &types.ControlMessage{
		Action:   action,
		WorkerID: workerID,
		IssuedAt: time.Now().UnixMilli(),
	}
	if err := r.broker.Publish(ctx, broker.ControlStream(workerID), msg); err != nil {
		return fmt.Errorf("state updated but control message failed: %w", err)
	}
	r.logger.Info().Str("worker_id", workerID).Str("action", string(action)).Msg("worker state changed")
	return nil
}

// Heartbeat records a fleet signal. A stale worker that heartbeats again
// returns to active.
func (r *Registry) Heartbeat(ctx context.Context, hb *types.Heartbeat) error {
	worker, err := r.store.GetWorker(ctx, hb.WorkerID)
	if err == store.ErrNotFound {
		return fmt.Errorf("heartbeat from unknown worker %s", hb.WorkerID)
	}
	if err != nil {
		return err
	}
	if worker.Status == types.WorkerRevoked {
		return nil // ignored until re-registration is cleared
	}

	at := time.UnixMilli(hb.Timestamp)
	worker.LastHeartbeatAt = at
	worker.CountersCompleted = hb.CountersCompleted
	worker.CountersFailed = hb.CountersFailed
	if worker.Status == types.WorkerStale {
		worker.Status = types.WorkerActive
		r.logger.Info().Str("worker_id", worker.ID).Msg("stale worker recovered")
	}
	if err := r.store.PutWorker(ctx, worker); err != nil {
		return err
	}
	return r.store.TouchWorkerHeartbeat(ctx, worker.ID, at)
}

// ListFilter narrows the fleet view.
type ListFilter struct {
	RegionID string
	Status   types.WorkerStatus
}

// List returns the fleet view for operators.
func (r *Registry) List(ctx context.Context, filter ListFilter) ([]*types.WorkerAnt, error) {
	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	out := workers[:0]
	for _, w := range workers {
		if filter.RegionID != "" && w.RegionID != filter.RegionID {
			continue
		}
		if filter.Status != "" && w.Status != filter.Status {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

// RegionCapacity sums maxConcurrency over fresh active workers per region.
func (r *Registry) RegionCapacity(ctx context.Context) (map[string]int, error) {
	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	capacity := make(map[string]int)
	for _, w := range workers {
		if w.Status != types.WorkerActive {
			continue
		}
		fresh, err := r.store.WorkerHeartbeatFresh(ctx, w.ID)
		if err != nil || !fresh {
			continue
		}
		capacity[w.RegionID] += w.Capabilities.MaxConcurrency
	}
	return capacity, nil
}

// Run consumes the heartbeat stream and sweeps for stale workers until ctx
// is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	go r.sweepLoop(ctx)
	return r.broker.Subscribe(ctx, broker.HeartbeatStream, broker.GroupRegistry, "registry", 4, r.handleHeartbeat)
}

func (r *Registry) handleHeartbeat(ctx context.Context, msg broker.Message) broker.Disposition {
	var hb types.Heartbeat
	if err := json.Unmarshal(msg.Payload, &hb); err != nil || hb.WorkerID == "" {
		return broker.DeadLetter
	}
	if err := r.Heartbeat(ctx, &hb); err != nil {
		r.logger.Debug().Err(err).Str("worker_id", hb.WorkerID).Msg("heartbeat rejected")
	}
	return broker.Ack
}

// sweepLoop marks active workers stale once their heartbeat key expired and
// keeps the fleet gauges current.
func (r *Registry) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(staleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Registry) sweep(ctx context.Context) {
	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("stale sweep failed")
		return
	}

	counts := make(map[[2]string]int)
	for _, w := range workers {
		if w.Status == types.WorkerActive {
			fresh, err := r.store.WorkerHeartbeatFresh(ctx, w.ID)
			if err == nil && !fresh {
				w.Status = types.WorkerStale
				if err := r.store.PutWorker(ctx, w); err != nil {
					r.logger.Warn().Err(err).Str("worker_id", w.ID).Msg("failed to mark worker stale")
				} else {
					r.logger.Warn().Str("worker_id", w.ID).Msg("worker went stale")
				}
			}
		}
		counts[[2]string{w.RegionID, string(w.Status)}]++
	}

	metrics.WorkersTotal.Reset()
	for key, n := range counts {
		metrics.WorkersTotal.WithLabelValues(key[0], key[1]).Set(float64(n))
	}
}

func (r *Registry) activeResponse(worker *types.WorkerAnt) *types.RegisterResponse {
	return &types.RegisterResponse{
		Status:   types.WorkerActive,
		RegionID: worker.RegionID,
		BrokerCredentials: &types.BrokerCredentials{
			URL:      r.brokerPublicURL,
			Username: worker.ID,
			Password: newToken(),
		},
		Endpoints: r.endpoints,
	}
}

// newToken mints a per-approval broker credential. Credential enforcement
// happens in the broker's ACL layer, provisioned outside the core.
func newToken() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}
