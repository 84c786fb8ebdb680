package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardant/guardant/pkg/types"
)

func command(svcType types.ServiceType, target string, typeConfig map[string]any) *types.ProbeCommand {
	return &types.ProbeCommand{
		CommandID: "cmd-1",
		Service: types.ServiceSnapshot{
			ID:         "svc-1",
			NestID:     "nest-1",
			Type:       svcType,
			Target:     target,
			TimeoutMs:  2000,
			TypeConfig: typeConfig,
		},
		RegionID:    "eu-west",
		ScheduledAt: time.Now().UnixMilli(),
		Attempt:     1,
	}
}

func testEngine() *Engine {
	return NewEngine("ant-test", "eu-west", nil)
}

func TestWebProbeUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res := testEngine().Execute(context.Background(), command(types.ServiceTypeWeb, srv.URL, nil))
	assert.Equal(t, types.StatusUp, res.Status)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ant-test", res.WorkerID)
	assert.Equal(t, "eu-west", res.RegionID)
	assert.NotEmpty(t, res.ResultID)
}

func TestWebProbeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	res := testEngine().Execute(context.Background(), command(types.ServiceTypeWeb, srv.URL, nil))
	assert.Equal(t, types.StatusDown, res.Status)
	assert.Equal(t, types.ErrClassHTTPStatus, res.ErrorClass)
	assert.NotEmpty(t, res.Message, "down results always carry a message")
}

func TestWebProbeDegradedOn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	// 429 is down by default
	res := testEngine().Execute(context.Background(), command(types.ServiceTypeWeb, srv.URL, nil))
	assert.Equal(t, types.StatusDown, res.Status)

	// but degraded when listed in degradedOn
	cfg := map[string]any{"degradedOn": []any{"429"}}
	res = testEngine().Execute(context.Background(), command(types.ServiceTypeWeb, srv.URL, cfg))
	assert.Equal(t, types.StatusDegraded, res.Status)
}

func TestWebProbeConnectionRefused(t *testing.T) {
	// a listener that is immediately closed leaves a port nothing answers on
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	res := testEngine().Execute(context.Background(), command(types.ServiceTypeWeb, "http://"+addr, nil))
	assert.Equal(t, types.StatusDown, res.Status)
	assert.Equal(t, types.ErrClassConnect, res.ErrorClass)
}

func TestKeywordProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>All Systems Operational</html>")
	}))
	defer srv.Close()

	tests := []struct {
		name string
		cfg  map[string]any
		want types.ProbeStatus
	}{
		{"keyword present", map[string]any{"keyword": "Operational"}, types.StatusUp},
		{"keyword missing", map[string]any{"keyword": "Outage"}, types.StatusDown},
		{"case insensitive match", map[string]any{"keyword": "operational", "caseSensitive": false}, types.StatusUp},
		{"case sensitive miss", map[string]any{"keyword": "operational"}, types.StatusDown},
		{"absence expected and absent", map[string]any{"keyword": "Outage", "shouldContain": false}, types.StatusUp},
		{"absence expected but present", map[string]any{"keyword": "Operational", "shouldContain": false}, types.StatusDown},
		{"missing keyword config", map[string]any{}, types.StatusDown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := testEngine().Execute(context.Background(), command(types.ServiceTypeKeyword, srv.URL, tt.cfg))
			assert.Equal(t, tt.want, res.Status)
		})
	}
}

func TestTCPProbe(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	res := testEngine().Execute(context.Background(), command(types.ServiceTypeTCP, l.Addr().String(), nil))
	assert.Equal(t, types.StatusUp, res.Status)

	// "port" is an alias for tcp
	res = testEngine().Execute(context.Background(), command(types.ServiceTypePort, l.Addr().String(), nil))
	assert.Equal(t, types.StatusUp, res.Status)

	res = testEngine().Execute(context.Background(), command(types.ServiceTypeTCP, "not-a-hostport", nil))
	assert.Equal(t, types.StatusDown, res.Status)
	assert.Equal(t, types.ErrClassValidation, res.ErrorClass)
}

func TestEngineReturnsWithinHardLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
	}))
	defer srv.Close()

	cmd := command(types.ServiceTypeWeb, srv.URL, nil)
	cmd.Service.TimeoutMs = 300

	start := time.Now()
	res := testEngine().Execute(context.Background(), cmd)
	elapsed := time.Since(start)

	assert.Equal(t, types.StatusDown, res.Status)
	assert.Equal(t, types.ErrClassTimeout, res.ErrorClass)
	assert.Less(t, elapsed, 300*time.Millisecond+graceMs*time.Millisecond+200*time.Millisecond,
		"engine must return within timeout plus grace")
}

func TestEngineExpiredDeadline(t *testing.T) {
	cmd := command(types.ServiceTypeWeb, "https://example.com", nil)
	cmd.Deadline = time.Now().Add(-time.Second).UnixMilli()

	start := time.Now()
	res := testEngine().Execute(context.Background(), cmd)

	assert.Equal(t, types.StatusDown, res.Status)
	assert.Equal(t, types.ErrClassTimeout, res.ErrorClass)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "expired commands fail without probing")
}

func TestEngineUnsupportedType(t *testing.T) {
	res := testEngine().Execute(context.Background(), command("carrier-pigeon", "example.com", nil))
	assert.Equal(t, types.StatusDown, res.Status)
	assert.Equal(t, types.ErrClassValidation, res.ErrorClass)
}

func TestUptimeAPIProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status": {"indicator": "none"}}`)
	}))
	defer srv.Close()

	cfg := map[string]any{"jsonPath": ".status.indicator", "expectedValue": "none"}
	res := testEngine().Execute(context.Background(), command(types.ServiceTypeUptimeAPI, srv.URL, cfg))
	assert.Equal(t, types.StatusUp, res.Status)

	cfg["expectedValue"] = "major"
	res = testEngine().Execute(context.Background(), command(types.ServiceTypeUptimeAPI, srv.URL, cfg))
	assert.Equal(t, types.StatusDown, res.Status)
	assert.Equal(t, types.ErrClassValidation, res.ErrorClass)
}
