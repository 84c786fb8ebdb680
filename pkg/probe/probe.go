package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/guardant/guardant/pkg/log"
	"github.com/guardant/guardant/pkg/metrics"
	"github.com/guardant/guardant/pkg/store"
	"github.com/guardant/guardant/pkg/types"
)

// graceMs is the hard margin added to a command's timeout. Execute always
// returns within timeoutMs + graceMs, even if a prober misbehaves.
const graceMs = 250

// Outcome is what a prober reports back to the engine.
type Outcome struct {
	Status     types.ProbeStatus
	StatusCode int
	Message    string
	ErrorClass types.ErrorClass
	Details    map[string]any
}

// Prober executes one kind of check against a service target.
type Prober interface {
	// Probe runs the check. It must respect ctx and never panic; errors are
	// reported as down/degraded outcomes, not returned.
	Probe(ctx context.Context, cmd *types.ProbeCommand) Outcome

	// Type returns the service type this prober handles.
	Type() types.ServiceType
}

// Engine dispatches probe commands to type-specific probers and converts
// outcomes into immutable probe results. It performs no I/O beyond the probe
// itself and never retries; retry policy belongs to the scheduler.
type Engine struct {
	probers  map[types.ServiceType]Prober
	workerID string
	regionID string
	logger   zerolog.Logger
}

// NewEngine builds an engine with the full prober set. st may be nil on
// workers that do not serve heartbeat probes.
func NewEngine(workerID, regionID string, st store.Store) *Engine {
	e := &Engine{
		probers:  make(map[types.ServiceType]Prober),
		workerID: workerID,
		regionID: regionID,
		logger:   log.WithComponent("probe"),
	}
	web := NewWebProber()
	tcp := NewTCPProber()
	for _, p := range []Prober{
		web,
		tcp,
		NewPingProber(),
		NewDNSProber(),
		NewKeywordProber(web),
		NewHeartbeatProber(st),
		NewGitHubProber(),
		NewUptimeAPIProber(),
	} {
		e.probers[p.Type()] = p
	}
	// port is tcp under another name, kept for UX parity with the dashboard.
	e.probers[types.ServiceTypePort] = tcp
	return e
}

// SupportedTypes lists the probe types this build executes, advertised in
// worker capabilities.
func SupportedTypes() []types.ServiceType {
	return []types.ServiceType{
		types.ServiceTypeWeb,
		types.ServiceTypeTCP,
		types.ServiceTypePort,
		types.ServiceTypePing,
		types.ServiceTypeDNS,
		types.ServiceTypeKeyword,
		types.ServiceTypeHeartbeat,
		types.ServiceTypeGitHub,
		types.ServiceTypeUptimeAPI,
	}
}

// Execute runs one command to completion and returns its result. The call
// returns within timeoutMs + 250ms on every path.
func (e *Engine) Execute(ctx context.Context, cmd *types.ProbeCommand) *types.ProbeResult {
	started := time.Now()
	timeout := time.Duration(cmd.Service.TimeoutMs) * time.Millisecond
	if cmd.Deadline > 0 {
		if remaining := time.UnixMilli(cmd.Deadline).Sub(started); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return e.result(cmd, started, 0, Outcome{
			Status:     types.StatusDown,
			Message:    "command deadline passed before execution",
			ErrorClass: types.ErrClassTimeout,
		})
	}

	prober, ok := e.probers[cmd.Service.Type]
	if !ok {
		return e.result(cmd, started, time.Since(started), Outcome{
			Status:     types.StatusDown,
			Message:    fmt.Sprintf("unsupported probe type %q", cmd.Service.Type),
			ErrorClass: types.ErrClassValidation,
		})
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The prober runs on its own goroutine so a stuck implementation cannot
	// break the return-time guarantee; the goroutine is abandoned past the
	// hard limit and its outcome discarded.
	done := make(chan Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error().Interface("panic", r).
					Str("service_id", cmd.Service.ID).
					Msg("prober panicked")
				done <- Outcome{
					Status:     types.StatusDown,
					Message:    fmt.Sprintf("probe panicked: %v", r),
					ErrorClass: types.ErrClassInternal,
				}
			}
		}()
		done <- prober.Probe(probeCtx, cmd)
	}()

	hard := time.NewTimer(timeout + graceMs*time.Millisecond)
	defer hard.Stop()

	var out Outcome
	select {
	case out = <-done:
	case <-hard.C:
		out = Outcome{
			Status:     types.StatusDown,
			Message:    fmt.Sprintf("probe exceeded %s", timeout),
			ErrorClass: types.ErrClassTimeout,
		}
	}

	return e.result(cmd, started, time.Since(started), out)
}

func (e *Engine) result(cmd *types.ProbeCommand, started time.Time, elapsed time.Duration, out Outcome) *types.ProbeResult {
	if out.Status == types.StatusDown && out.Message == "" {
		out.Message = "probe failed"
	}
	// An up result slower than the configured timeout is a contradiction;
	// the probe context should have expired. Guard the invariant anyway.
	if out.Status == types.StatusUp && elapsed.Milliseconds() > int64(cmd.Service.TimeoutMs) {
		out = Outcome{
			Status:     types.StatusDown,
			Message:    fmt.Sprintf("probe exceeded %dms timeout", cmd.Service.TimeoutMs),
			ErrorClass: types.ErrClassTimeout,
		}
	}

	metrics.ProbesExecuted.WithLabelValues(string(cmd.Service.Type), string(out.Status)).Inc()
	metrics.ProbeDuration.WithLabelValues(string(cmd.Service.Type)).Observe(elapsed.Seconds())

	return &types.ProbeResult{
		ResultID:   uuid.New().String(),
		CommandID:  cmd.CommandID,
		ServiceID:  cmd.Service.ID,
		NestID:     cmd.Service.NestID,
		WorkerID:   e.workerID,
		RegionID:   e.regionID,
		Revision:   cmd.Service.Revision,
		StartedAt:  started.UnixMilli(),
		DurationMs: elapsed.Milliseconds(),
		Status:     out.Status,
		StatusCode: out.StatusCode,
		Message:    out.Message,
		ErrorClass: out.ErrorClass,
		Details:    out.Details,
	}
}

// Config accessors shared by probers. Type configs arrive as JSON maps, so
// numbers are float64.

func cfgString(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return def
}

func cfgBool(cfg map[string]any, key string, def bool) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return def
}

func cfgInt(cfg map[string]any, key string, def int) int {
	switch v := cfg[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func cfgStrings(cfg map[string]any, key string) []string {
	raw, ok := cfg[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
