package probe

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/guardant/guardant/pkg/types"
)

// TCPProber checks that a TCP connection to host:port can be established
// within the timeout. Also serves the "port" service type.
type TCPProber struct{}

// NewTCPProber creates a TCP prober.
func NewTCPProber() *TCPProber {
	return &TCPProber{}
}

func (t *TCPProber) Type() types.ServiceType {
	return types.ServiceTypeTCP
}

func (t *TCPProber) Probe(ctx context.Context, cmd *types.ProbeCommand) Outcome {
	target := cmd.Service.Target
	if _, _, err := net.SplitHostPort(target); err != nil {
		return Outcome{
			Status:     types.StatusDown,
			Message:    fmt.Sprintf("target must be host:port: %v", err),
			ErrorClass: types.ErrClassValidation,
		}
	}

	start := time.Now()
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return downFrom(err)
	}
	defer conn.Close()

	return Outcome{
		Status: types.StatusUp,
		Details: map[string]any{
			"connectMs": time.Since(start).Milliseconds(),
		},
	}
}
