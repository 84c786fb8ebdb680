package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/guardant/guardant/pkg/broker"
	"github.com/guardant/guardant/pkg/cache"
	"github.com/guardant/guardant/pkg/config"
	"github.com/guardant/guardant/pkg/log"
	"github.com/guardant/guardant/pkg/metrics"
	"github.com/guardant/guardant/pkg/probe"
	"github.com/guardant/guardant/pkg/store"
	"github.com/guardant/guardant/pkg/types"
)

const (
	// registerPollInterval paces registration retries while approval is
	// pending.
	registerPollInterval = 30 * time.Second

	// maxCommandAttempts bounds redelivery of one probe command. Beyond it
	// the worker reports a synthetic timeout instead of probing again.
	maxCommandAttempts = 3

	// flushStallLimit is how long results may fail to reach the broker
	// before the worker revokes itself and starts over with a new identity.
	flushStallLimit = 10 * time.Minute

	watchdogInterval = time.Minute

	// probeClaimIdle is how long a command may sit pending on this worker
	// before a peer claims it. It must exceed the longest probe timeout
	// (5 minutes) by a wide margin or a slow-but-alive probe gets executed
	// twice.
	probeClaimIdle = 15 * time.Minute
)

// errSelfRevoked signals that the worker abandoned its identity after a
// prolonged flush stall.
var errSelfRevoked = errors.New("worker self-revoked after flush stall")

// Worker is one WorkerAnt process: it registers with the control plane,
// executes probe commands for its region and reports results through the
// crash-safe local cache.
type Worker struct {
	cfg    *config.Worker
	logger zerolog.Logger

	id       identity
	regionID string

	store  store.Store
	broker *broker.Broker
	cache  *cache.Cache
	engine *probe.Engine

	paused    atomic.Bool
	draining  atomic.Bool
	completed atomic.Int64
	failed    atomic.Int64
	inflight  atomic.Int32

	// probeCancel tears down the probe subscription on pause/drain;
	// lifecycleCancel ends the whole run on drain or revoke. execCtx
	// outlives both so in-flight probes finish and report instead of
	// being cut off mid-measurement; it dies only at the drain deadline.
	mu              sync.Mutex
	probeCancel     context.CancelFunc
	probeDone       chan struct{}
	lifecycleCancel context.CancelFunc
	execCtx         context.Context
}

// New creates a worker from configuration.
func New(cfg *config.Worker) *Worker {
	return &Worker{cfg: cfg, logger: log.WithComponent("worker")}
}

// Run is the worker lifecycle. It blocks until ctx is cancelled or the
// worker is revoked. A self-revocation discards the identity and re-enters
// registration as a brand new worker.
func (w *Worker) Run(ctx context.Context) error {
	for {
		err := w.runOnce(ctx)
		if errors.Is(err, errSelfRevoked) {
			w.logger.Warn().Msg("restarting with a fresh identity")
			continue
		}
		return err
	}
}

func (w *Worker) runOnce(ctx context.Context) error {
	id, err := loadOrCreateIdentity(w.cfg.DataDir, w.cfg.WorkerID)
	if err != nil {
		return err
	}
	w.id = id
	w.logger = log.WithWorkerID(id.WorkerID)

	regionHint := w.cfg.RegionOverride
	if regionHint == "" {
		regionHint = detectRegion(ctx)
	}

	resp, err := w.register(ctx, regionHint)
	if err != nil {
		return err
	}
	w.regionID = resp.RegionID
	w.logger.Info().Str("region", w.regionID).Msg("worker approved and active")

	st, err := store.NewRedisStore(w.cfg.StoreURL)
	if err != nil {
		return fmt.Errorf("failed to connect to store: %w", err)
	}
	defer st.Close()
	w.store = st

	brokerURL := w.cfg.BrokerURL
	if resp.BrokerCredentials != nil && resp.BrokerCredentials.URL != "" {
		brokerURL = resp.BrokerCredentials.URL
	}
	br, err := broker.New(brokerURL, broker.Options{ClaimIdle: probeClaimIdle})
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer br.Close()
	w.broker = br

	c, err := cache.Open(w.cfg.DataDir, resultPublisher{br}, cache.Options{})
	if err != nil {
		return err
	}
	defer c.Close()
	w.cache = c

	w.engine = probe.NewEngine(id.WorkerID, w.regionID, st)
	w.paused.Store(false)
	w.draining.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	execCtx, execCancel := context.WithCancel(context.Background())
	defer execCancel()
	w.mu.Lock()
	w.lifecycleCancel = cancel
	w.execCtx = execCtx
	w.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.heartbeatLoop(runCtx)
	}()
	watchdogErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		if err := w.watchdog(runCtx); err != nil {
			watchdogErr <- err
			cancel()
		}
	}()

	w.startProbes(runCtx)

	// The control stream drives the rest of the lifecycle.
	err = w.broker.Subscribe(runCtx, broker.ControlStream(id.WorkerID), broker.GroupWorkers, id.WorkerID, 1, w.handleControl)
	cancel()
	// In-flight probes keep running on execCtx until the drain deadline;
	// past it they are cut off and their commands left for a peer.
	force := time.AfterFunc(w.cfg.DrainDeadline, execCancel)
	w.stopProbes()
	force.Stop()
	wg.Wait()

	select {
	case werr := <-watchdogErr:
		return werr
	default:
	}
	if w.draining.Load() {
		return w.drainOut()
	}
	if ctx.Err() != nil {
		// Normal shutdown: push out what we can within the drain deadline.
		flushCtx, flushCancel := context.WithTimeout(context.Background(), w.cfg.DrainDeadline)
		defer flushCancel()
		_ = w.cache.ForceFlush(flushCtx)
		return ctx.Err()
	}
	return err
}

// register posts the registration request and polls until the control plane
// approves the worker.
func (w *Worker) register(ctx context.Context, regionHint string) (*types.RegisterResponse, error) {
	req := types.RegisterRequest{
		WorkerID:   w.id.WorkerID,
		OwnerEmail: w.cfg.OwnerEmail,
		RegionHint: regionHint,
		Capabilities: types.Capabilities{
			Types:          probe.SupportedTypes(),
			MaxConcurrency: w.cfg.MaxConcurrency,
		},
		Version: w.cfg.Version,
	}

	announced := false
	for {
		resp, err := w.postRegister(ctx, &req)
		if err != nil {
			w.logger.Warn().Err(err).Msg("registration attempt failed")
		} else {
			switch resp.Status {
			case types.WorkerActive:
				return resp, nil
			case types.WorkerRevoked:
				return nil, fmt.Errorf("worker %s is revoked by the control plane", w.id.WorkerID)
			default:
				if !announced {
					w.logger.Info().Str("region_hint", regionHint).Msg("registered, awaiting operator approval")
					announced = true
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(registerPollInterval):
		}
	}
}

func (w *Worker) postRegister(ctx context.Context, req *types.RegisterRequest) (*types.RegisterResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	url := w.cfg.ControlPlaneURL + "/api/public/workers/register"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusForbidden {
		return &types.RegisterResponse{Status: types.WorkerRevoked}, nil
	}
	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("registration answered %d", httpResp.StatusCode)
	}
	var resp types.RegisterResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode registration response: %w", err)
	}
	return &resp, nil
}

// startProbes begins consuming the region's command queue.
func (w *Worker) startProbes(parent context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.probeCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	w.probeCancel = cancel
	w.probeDone = done

	go func() {
		defer close(done)
		err := w.broker.Subscribe(ctx, broker.ProbeStream(w.regionID), broker.GroupWorkers, w.id.WorkerID, w.cfg.MaxConcurrency, w.handleCommand)
		if err != nil && ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("probe consumer stopped")
		}
	}()
}

func (w *Worker) stopProbes() {
	w.mu.Lock()
	cancel, done := w.probeCancel, w.probeDone
	w.probeCancel, w.probeDone = nil, nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (w *Worker) handleCommand(ctx context.Context, msg broker.Message) broker.Disposition {
	var cmd types.ProbeCommand
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil || cmd.CommandID == "" {
		return broker.DeadLetter
	}

	w.inflight.Add(1)
	defer w.inflight.Add(-1)

	// Probes run on execCtx, not the subscription context: a drain must
	// not turn a half-finished measurement into a bogus down result.
	w.mu.Lock()
	execCtx := w.execCtx
	w.mu.Unlock()

	var result *types.ProbeResult
	if cmd.Attempt > maxCommandAttempts || int(msg.Deliveries) > maxCommandAttempts {
		result = w.syntheticTimeout(&cmd)
	} else {
		result = w.engine.Execute(execCtx, &cmd)
	}
	if execCtx.Err() != nil {
		// Hard teardown aborted the probe. Report nothing and leave the
		// command for another worker.
		return broker.Abandon
	}

	if result.Status == types.StatusUp {
		w.completed.Add(1)
	} else {
		w.failed.Add(1)
	}

	// Ack only after the result is durable locally. The cache flusher owns
	// delivery to the broker from here.
	if err := w.cache.Store(result); err != nil {
		w.logger.Error().Err(err).Str("command_id", cmd.CommandID).Msg("failed to persist result")
		return broker.NackRequeue
	}
	return broker.Ack
}

func (w *Worker) syntheticTimeout(cmd *types.ProbeCommand) *types.ProbeResult {
	now := time.Now()
	return &types.ProbeResult{
		ResultID:   uuid.NewString(),
		CommandID:  cmd.CommandID,
		ServiceID:  cmd.Service.ID,
		NestID:     cmd.Service.NestID,
		WorkerID:   w.id.WorkerID,
		RegionID:   cmd.RegionID,
		Revision:   cmd.Service.Revision,
		StartedAt:  now.UnixMilli(),
		Status:     types.StatusDown,
		Message:    fmt.Sprintf("giving up after %d delivery attempts", cmd.Attempt),
		ErrorClass: types.ErrClassTimeout,
	}
}

func (w *Worker) handleControl(ctx context.Context, msg broker.Message) broker.Disposition {
	var cm types.ControlMessage
	if err := json.Unmarshal(msg.Payload, &cm); err != nil || cm.Action == "" {
		return broker.DeadLetter
	}
	w.logger.Info().Str("action", string(cm.Action)).Msg("control message received")

	switch cm.Action {
	case types.ControlPause:
		if w.paused.CompareAndSwap(false, true) {
			w.stopProbes()
		}
	case types.ControlResume:
		if w.paused.CompareAndSwap(true, false) {
			w.startProbes(ctx)
		}
	case types.ControlDrain:
		w.draining.Store(true)
		w.endLifecycle()
	case types.ControlRevoke:
		if err := discardIdentity(w.cfg.DataDir); err != nil {
			w.logger.Error().Err(err).Msg("failed to discard identity")
		}
		w.draining.Store(true)
		w.endLifecycle()
	case types.ControlUpdate:
		// Binary swaps are handled by the process supervisor; just surface
		// the request.
		w.logger.Info().Str("binary_url", cm.BinaryURL).Msg("update requested")
	default:
		return broker.DeadLetter
	}
	return broker.Ack
}

func (w *Worker) endLifecycle() {
	w.mu.Lock()
	cancel := w.lifecycleCancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// drainOut finishes in-flight work and flushes the cache within the drain
// deadline.
func (w *Worker) drainOut() error {
	w.logger.Info().Msg("draining")
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.DrainDeadline)
	defer cancel()
	if err := w.cache.ForceFlush(ctx); err != nil {
		w.logger.Warn().Err(err).Int("pending", w.cache.Pending()).Msg("drain flush incomplete")
	}
	return nil
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	usage := newUsageSampler()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cpu, mem := usage.sample()
			hb := &types.Heartbeat{
				WorkerID:          w.id.WorkerID,
				Timestamp:         time.Now().UnixMilli(),
				CountersCompleted: w.completed.Load(),
				CountersFailed:    w.failed.Load(),
				Inflight:          int(w.inflight.Load()),
				CPUPercent:        cpu,
				MemBytes:          mem,
			}
			if err := w.broker.Publish(ctx, broker.HeartbeatStream, hb); err != nil {
				w.logger.Warn().Err(err).Msg("heartbeat publish failed")
			}
		}
	}
}

// watchdog self-revokes when the cache has not flushed for flushStallLimit
// while results are pending. A worker that cannot deliver is worse than a
// missing worker: the scheduler keeps counting its capacity.
func (w *Worker) watchdog(ctx context.Context) error {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	metrics.RegisterComponent("result_delivery", false)
	metrics.UpdateComponent("result_delivery", true, "idle")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pending := w.cache.Pending()
			if pending == 0 {
				metrics.UpdateComponent("result_delivery", true, "idle")
				continue
			}
			stall := time.Since(w.cache.LastFlushSuccess())
			metrics.UpdateComponent("result_delivery", stall < flushStallLimit/2,
				fmt.Sprintf("%d pending, last flush %s ago", pending, stall.Round(time.Second)))
			if stall > flushStallLimit {
				w.logger.Error().
					Dur("stalled_for", stall).
					Int("pending", pending).
					Msg("result delivery stalled, revoking self")
				if err := discardIdentity(w.cfg.DataDir); err != nil {
					w.logger.Error().Err(err).Msg("failed to discard identity")
				}
				return errSelfRevoked
			}
		}
	}
}

// resultPublisher adapts the broker to the cache's Publisher interface.
type resultPublisher struct {
	broker *broker.Broker
}

func (p resultPublisher) PublishResult(ctx context.Context, result *types.ProbeResult) error {
	return p.broker.Publish(ctx, broker.ResultStream, result)
}
