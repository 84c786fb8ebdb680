package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardant/guardant/pkg/broker"
	"github.com/guardant/guardant/pkg/cache"
	"github.com/guardant/guardant/pkg/probe"
	"github.com/guardant/guardant/pkg/store"
	"github.com/guardant/guardant/pkg/types"
)

// nullPublisher parks cached results so tests can inspect Pending().
type nullPublisher struct{}

func (nullPublisher) PublishResult(ctx context.Context, result *types.ProbeResult) error {
	return context.Canceled
}

func newTestWorker(t *testing.T, execCtx context.Context) *Worker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c, err := cache.Open(t.TempDir(), nullPublisher{}, cache.Options{BackoffMin: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return &Worker{
		logger:  zerolog.Nop(),
		engine:  probe.NewEngine("ant-test", "eu-west", store.NewRedisStoreFromClient(client)),
		cache:   c,
		execCtx: execCtx,
	}
}

func probeCommandMsg(t *testing.T, target string) broker.Message {
	t.Helper()
	now := time.Now()
	cmd := types.ProbeCommand{
		CommandID: "cmd-1",
		Service: types.ServiceSnapshot{
			ID:        "svc-1",
			NestID:    "nest-1",
			Type:      types.ServiceTypeWeb,
			Target:    target,
			TimeoutMs: 2000,
			Revision:  1,
		},
		RegionID:    "eu-west",
		ScheduledAt: now.UnixMilli(),
		Deadline:    now.Add(time.Minute).UnixMilli(),
		Attempt:     1,
	}
	payload, err := json.Marshal(&cmd)
	require.NoError(t, err)
	return broker.Message{ID: "1-1", Payload: payload, Deliveries: 1}
}

func TestCommandResultIsCachedThenAcked(t *testing.T) {
	w := newTestWorker(t, context.Background())

	ts := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	disp := w.handleCommand(context.Background(), probeCommandMsg(t, ts.URL))
	assert.Equal(t, broker.Ack, disp)
	assert.Equal(t, 1, w.cache.Pending(), "result must be durable before the ack")
	assert.EqualValues(t, 1, w.completed.Load())
}

func TestTeardownAbortedProbeIsNotReported(t *testing.T) {
	execCtx, cancel := context.WithCancel(context.Background())
	cancel()
	w := newTestWorker(t, execCtx)

	// The execution context died mid-drain: whatever the aborted probe
	// observed is noise, not a down. The command stays pending for a peer.
	disp := w.handleCommand(context.Background(), probeCommandMsg(t, "https://example.com/health"))
	assert.Equal(t, broker.Abandon, disp)
	assert.Equal(t, 0, w.cache.Pending(), "no result from an aborted probe")
	assert.EqualValues(t, 0, w.failed.Load())
}

func TestExhaustedCommandReportsSyntheticTimeout(t *testing.T) {
	w := newTestWorker(t, context.Background())
	w.id = identity{WorkerID: "ant-test"}

	msg := probeCommandMsg(t, "https://example.com/health")
	msg.Deliveries = maxCommandAttempts + 1

	disp := w.handleCommand(context.Background(), msg)
	assert.Equal(t, broker.Ack, disp)
	assert.Equal(t, 1, w.cache.Pending())
	assert.EqualValues(t, 1, w.failed.Load())
}

func TestClaimIdleOutlivesLongestProbe(t *testing.T) {
	// Service timeouts are capped at 5 minutes; a pending command must not
	// be claimable by a peer while its probe may still be running.
	const maxProbeTimeout = 300_000 * time.Millisecond
	assert.GreaterOrEqual(t, probeClaimIdle, 2*maxProbeTimeout)
}
