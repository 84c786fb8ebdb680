package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/guardant/guardant/pkg/store"
	"github.com/guardant/guardant/pkg/types"
)

// defaultToleranceMs is applied when a heartbeat service omits
// typeConfig.toleranceMs.
const defaultToleranceMs = 5 * 60 * 1000

// HeartbeatProber checks push-style heartbeats: the monitored system writes
// a timestamp into the state store and the probe verifies it is recent
// enough. No outbound I/O beyond the store read.
type HeartbeatProber struct {
	store store.Store
}

// NewHeartbeatProber creates a heartbeat prober over the given store.
func NewHeartbeatProber(st store.Store) *HeartbeatProber {
	return &HeartbeatProber{store: st}
}

func (h *HeartbeatProber) Type() types.ServiceType {
	return types.ServiceTypeHeartbeat
}

func (h *HeartbeatProber) Probe(ctx context.Context, cmd *types.ProbeCommand) Outcome {
	if h.store == nil {
		return Outcome{
			Status:     types.StatusDown,
			Message:    "this worker has no state store access for heartbeat probes",
			ErrorClass: types.ErrClassValidation,
		}
	}

	heartbeatID := cfgString(cmd.Service.TypeConfig, "heartbeatId", "")
	if heartbeatID == "" {
		return Outcome{
			Status:     types.StatusDown,
			Message:    "heartbeat probe requires typeConfig.heartbeatId",
			ErrorClass: types.ErrClassValidation,
		}
	}

	last, err := h.store.GetServiceHeartbeat(ctx, heartbeatID)
	if err == store.ErrNotFound {
		return Outcome{
			Status:     types.StatusDown,
			Message:    fmt.Sprintf("no heartbeat recorded for %q", heartbeatID),
			ErrorClass: types.ErrClassValidation,
		}
	}
	if err != nil {
		return downFrom(err)
	}

	tolerance := time.Duration(cfgInt(cmd.Service.TypeConfig, "toleranceMs", defaultToleranceMs)) * time.Millisecond
	age := time.Since(last)
	details := map[string]any{
		"lastHeartbeatAt": last.UnixMilli(),
		"ageMs":           age.Milliseconds(),
	}

	if age > tolerance {
		return Outcome{
			Status:     types.StatusDown,
			Message:    fmt.Sprintf("last heartbeat %s ago exceeds tolerance %s", age.Round(time.Second), tolerance),
			ErrorClass: types.ErrClassTimeout,
			Details:    details,
		}
	}

	return Outcome{Status: types.StatusUp, Details: details}
}
