package probe

import (
	"context"
	"fmt"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/guardant/guardant/pkg/types"
)

// PingProber sends ICMP echoes to a host. Raw sockets are tried first; when
// unavailable (unprivileged containers) the prober falls back to UDP ping.
// One returned echo within the timeout means up.
type PingProber struct{}

// NewPingProber creates an ICMP prober.
func NewPingProber() *PingProber {
	return &PingProber{}
}

func (p *PingProber) Type() types.ServiceType {
	return types.ServiceTypePing
}

func (p *PingProber) Probe(ctx context.Context, cmd *types.ProbeCommand) Outcome {
	count := cfgInt(cmd.Service.TypeConfig, "count", 3)

	out, permErr := p.run(ctx, cmd, count, true)
	if permErr {
		// Raw sockets unavailable; retry as UDP ping.
		out, _ = p.run(ctx, cmd, count, false)
	}
	return out
}

func (p *PingProber) run(ctx context.Context, cmd *types.ProbeCommand, count int, privileged bool) (Outcome, bool) {
	pinger, err := probing.NewPinger(cmd.Service.Target)
	if err != nil {
		return Outcome{
			Status:     types.StatusDown,
			Message:    fmt.Sprintf("invalid ping target: %v", err),
			ErrorClass: types.ErrClassValidation,
		}, false
	}
	pinger.SetPrivileged(privileged)
	pinger.Count = count
	if deadline, ok := ctx.Deadline(); ok {
		pinger.Timeout = time.Until(deadline)
	}

	if err := pinger.RunWithContext(ctx); err != nil {
		if privileged {
			// Typically "operation not permitted" without CAP_NET_RAW.
			return Outcome{}, true
		}
		return downFrom(err), false
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return Outcome{
			Status: types.StatusDown,
			Message: fmt.Sprintf("no echo received (sent %d, loss %.0f%%)",
				stats.PacketsSent, stats.PacketLoss),
			ErrorClass: types.ErrClassTimeout,
		}, false
	}

	return Outcome{
		Status: types.StatusUp,
		Details: map[string]any{
			"avgRttMs":    stats.AvgRtt.Milliseconds(),
			"packetsSent": stats.PacketsSent,
			"packetsRecv": stats.PacketsRecv,
			"packetLoss":  stats.PacketLoss,
		},
	}, false
}
