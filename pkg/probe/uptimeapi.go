package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/itchyny/gojq"

	"github.com/guardant/guardant/pkg/types"
)

// UptimeAPIProber fetches a JSON document and compares the value selected by
// typeConfig.jsonPath (a jq expression, e.g. ".status") against
// typeConfig.expectedValue.
type UptimeAPIProber struct {
	client *http.Client
}

// NewUptimeAPIProber creates an uptime-api prober.
func NewUptimeAPIProber() *UptimeAPIProber {
	return &UptimeAPIProber{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    16,
				IdleConnTimeout: 90 * time.Second,
			},
		},
	}
}

func (u *UptimeAPIProber) Type() types.ServiceType {
	return types.ServiceTypeUptimeAPI
}

func (u *UptimeAPIProber) Probe(ctx context.Context, cmd *types.ProbeCommand) Outcome {
	path := cfgString(cmd.Service.TypeConfig, "jsonPath", "")
	if path == "" {
		return Outcome{
			Status:     types.StatusDown,
			Message:    "uptime-api probe requires typeConfig.jsonPath",
			ErrorClass: types.ErrClassValidation,
		}
	}
	query, err := gojq.Parse(path)
	if err != nil {
		return Outcome{
			Status:     types.StatusDown,
			Message:    fmt.Sprintf("invalid jsonPath %q: %v", path, err),
			ErrorClass: types.ErrClassValidation,
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cmd.Service.Target, nil)
	if err != nil {
		return Outcome{
			Status:     types.StatusDown,
			Message:    fmt.Sprintf("invalid target: %v", err),
			ErrorClass: types.ErrClassValidation,
		}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return downFrom(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Outcome{
			Status:     types.StatusDown,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
			ErrorClass: types.ErrClassHTTPStatus,
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return downFrom(err)
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return Outcome{
			Status:     types.StatusDown,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("response is not valid JSON: %v", err),
			ErrorClass: types.ErrClassValidation,
		}
	}

	iter := query.RunWithContext(ctx, doc)
	value, ok := iter.Next()
	if !ok || value == nil {
		return Outcome{
			Status:     types.StatusDown,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("jsonPath %q matched nothing", path),
			ErrorClass: types.ErrClassValidation,
		}
	}
	if err, isErr := value.(error); isErr {
		return Outcome{
			Status:     types.StatusDown,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("jsonPath %q failed: %v", path, err),
			ErrorClass: types.ErrClassValidation,
		}
	}

	got := fmt.Sprint(value)
	expected := cfgString(cmd.Service.TypeConfig, "expectedValue", "")
	details := map[string]any{"value": got}

	if expected != "" && got != expected {
		return Outcome{
			Status:     types.StatusDown,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("expected %q at %s, got %q", expected, path, got),
			ErrorClass: types.ErrClassValidation,
			Details:    details,
		}
	}

	return Outcome{
		Status:     types.StatusUp,
		StatusCode: resp.StatusCode,
		Details:    details,
	}
}
