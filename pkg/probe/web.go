package probe

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/guardant/guardant/pkg/types"
)

const (
	userAgent    = "GuardAnt-Monitor/1.0 (+https://guardant.me)"
	maxRedirects = 5
)

// WebProber checks HTTP(S) endpoints. 2xx within the timeout is up; 4xx is
// down unless listed in typeConfig.degradedOn; unresolved 3xx is degraded;
// 5xx, network, TLS and timeout failures are down.
type WebProber struct {
	transport *http.Transport
}

// NewWebProber creates a web prober with a shared transport.
func NewWebProber() *WebProber {
	return &WebProber{
		transport: &http.Transport{
			MaxIdleConns:        64,
			IdleConnTimeout:     90 * time.Second,
			DisableCompression:  false,
			MaxIdleConnsPerHost: 4,
		},
	}
}

// Type returns the service type handled by this prober.
func (w *WebProber) Type() types.ServiceType {
	return types.ServiceTypeWeb
}

// Probe performs the HTTP request.
func (w *WebProber) Probe(ctx context.Context, cmd *types.ProbeCommand) Outcome {
	method := cfgString(cmd.Service.TypeConfig, "method", http.MethodHead)
	resp, out, ok := w.do(ctx, method, cmd.Service.Target, cmd)
	if !ok {
		return out
	}
	defer resp.Body.Close()
	return w.evaluate(resp, cmd)
}

// do issues the request and returns either a response or a terminal outcome.
// Shared with the keyword prober.
func (w *WebProber) do(ctx context.Context, method, target string, cmd *types.ProbeCommand) (*http.Response, Outcome, bool) {
	client := &http.Client{
		Transport: w.transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, Outcome{
			Status:     types.StatusDown,
			Message:    fmt.Sprintf("invalid target: %v", err),
			ErrorClass: types.ErrClassValidation,
		}, false
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, downFrom(err), false
	}
	return resp, Outcome{}, true
}

func (w *WebProber) evaluate(resp *http.Response, cmd *types.ProbeCommand) Outcome {
	details := map[string]any{
		"finalUrl": resp.Request.URL.String(),
	}
	if resp.TLS != nil && len(resp.TLS.PeerCertificates) > 0 {
		expiry := resp.TLS.PeerCertificates[0].NotAfter
		details["tlsExpiryDays"] = int(time.Until(expiry).Hours() / 24)
	}

	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return Outcome{
			Status:     types.StatusUp,
			StatusCode: code,
			Details:    details,
		}
	case code >= 300 && code < 400:
		// Only unresolved redirects land here (redirect cap reached).
		return Outcome{
			Status:     types.StatusDegraded,
			StatusCode: code,
			Message:    fmt.Sprintf("redirect not resolved after %d hops", maxRedirects),
			ErrorClass: types.ErrClassHTTPStatus,
			Details:    details,
		}
	case code >= 400 && code < 500:
		for _, degraded := range cfgStrings(cmd.Service.TypeConfig, "degradedOn") {
			if degraded == fmt.Sprintf("%d", code) {
				return Outcome{
					Status:     types.StatusDegraded,
					StatusCode: code,
					Message:    fmt.Sprintf("HTTP %d treated as degraded", code),
					ErrorClass: types.ErrClassHTTPStatus,
					Details:    details,
				}
			}
		}
		fallthrough
	default:
		return Outcome{
			Status:     types.StatusDown,
			StatusCode: code,
			Message:    fmt.Sprintf("HTTP %d %s", code, http.StatusText(code)),
			ErrorClass: types.ErrClassHTTPStatus,
			Details:    details,
		}
	}
}
