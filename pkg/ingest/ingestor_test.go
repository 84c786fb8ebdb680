package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardant/guardant/pkg/broker"
	"github.com/guardant/guardant/pkg/store"
	"github.com/guardant/guardant/pkg/types"
)

func newTestIngestor(t *testing.T) (*Ingestor, *redis.Client, store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	st := store.NewRedisStoreFromClient(client)
	br := broker.NewFromClient(client, broker.Options{})
	return New(st, br, 1), client, st
}

func seedService(t *testing.T, client *redis.Client, svc *types.Service) {
	t.Helper()
	data, err := json.Marshal(svc)
	require.NoError(t, err)
	require.NoError(t, client.Set(context.Background(), "service:"+svc.ID, data, 0).Err())
}

func testService() *types.Service {
	return &types.Service{
		ID:              "svc-1",
		NestID:          "nest-1",
		Name:            "checkout API",
		Type:            types.ServiceTypeWeb,
		Target:          "https://example.com/health",
		IntervalSeconds: 60,
		TimeoutMs:       5000,
		Monitoring:      types.MonitoringConfig{Regions: []string{"eu-west"}},
		Notifications:   types.NotificationConfig{Webhooks: []string{"https://hooks.example.com/x"}},
		IsActive:        true,
		Revision:        1,
	}
}

func resultMsg(t *testing.T, result *types.ProbeResult) broker.Message {
	t.Helper()
	payload, err := json.Marshal(result)
	require.NoError(t, err)
	return broker.Message{ID: "1-1", Stream: broker.ResultStream, Payload: payload, Deliveries: 1}
}

func downResult(id string) *types.ProbeResult {
	return &types.ProbeResult{
		ResultID:   id,
		CommandID:  "cmd-" + id,
		ServiceID:  "svc-1",
		NestID:     "nest-1",
		RegionID:   "eu-west",
		StartedAt:  time.Now().UnixMilli(),
		DurationMs: 5000,
		Status:     types.StatusDown,
		Message:    "connection refused",
		ErrorClass: types.ErrClassConnect,
	}
}

func upResult(id string) *types.ProbeResult {
	return &types.ProbeResult{
		ResultID:   id,
		CommandID:  "cmd-" + id,
		ServiceID:  "svc-1",
		NestID:     "nest-1",
		RegionID:   "eu-west",
		StartedAt:  time.Now().UnixMilli(),
		DurationMs: 120,
		Status:     types.StatusUp,
		StatusCode: 200,
	}
}

func TestHandleRejectsGarbage(t *testing.T) {
	ing, _, _ := newTestIngestor(t)

	disp := ing.Handle(context.Background(), broker.Message{Payload: []byte("not json")})
	assert.Equal(t, broker.DeadLetter, disp)

	// schema-invalid: missing required fields
	disp = ing.Handle(context.Background(), resultMsg(t, &types.ProbeResult{ResultID: "r1"}))
	assert.Equal(t, broker.DeadLetter, disp)
}

func TestHandleAcksOrphanAndInactive(t *testing.T) {
	ing, client, _ := newTestIngestor(t)

	// no such service
	disp := ing.Handle(context.Background(), resultMsg(t, downResult("r1")))
	assert.Equal(t, broker.Ack, disp)

	svc := testService()
	svc.IsActive = false
	seedService(t, client, svc)
	disp = ing.Handle(context.Background(), resultMsg(t, downResult("r2")))
	assert.Equal(t, broker.Ack, disp)

	_, err := ing.store.GetLiveStatus(context.Background(), "nest-1", "svc-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIncidentOpensAfterConsecutiveDowns(t *testing.T) {
	ing, client, st := newTestIngestor(t)
	ctx := context.Background()
	seedService(t, client, testService())

	// first down: below threshold, no incident yet
	assert.Equal(t, broker.Ack, ing.Handle(ctx, resultMsg(t, downResult("r1"))))
	_, err := st.GetOpenIncident(ctx, "nest-1", "svc-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	ls, err := st.GetLiveStatus(ctx, "nest-1", "svc-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDown, ls.AggregatedStatus)
	assert.Equal(t, 1, ls.ConsecutiveDowns)

	// second down: threshold reached, incident opens
	assert.Equal(t, broker.Ack, ing.Handle(ctx, resultMsg(t, downResult("r2"))))
	inc, err := st.GetOpenIncident(ctx, "nest-1", "svc-1")
	require.NoError(t, err)
	assert.Equal(t, types.ErrClassConnect, inc.Reason)
	assert.Equal(t, 2, inc.AffectedChecks)
	assert.Nil(t, inc.ClosedAt)

	// an incident-started event reached the notification stream
	n, err := client.XLen(ctx, broker.NotificationStream(types.NotifIncidentStarted)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestIncidentResolvesAfterConsecutiveUps(t *testing.T) {
	ing, client, st := newTestIngestor(t)
	ctx := context.Background()
	seedService(t, client, testService())

	assert.Equal(t, broker.Ack, ing.Handle(ctx, resultMsg(t, downResult("r1"))))
	assert.Equal(t, broker.Ack, ing.Handle(ctx, resultMsg(t, downResult("r2"))))
	_, err := st.GetOpenIncident(ctx, "nest-1", "svc-1")
	require.NoError(t, err)

	// one up is not enough to resolve
	assert.Equal(t, broker.Ack, ing.Handle(ctx, resultMsg(t, upResult("r3"))))
	_, err = st.GetOpenIncident(ctx, "nest-1", "svc-1")
	require.NoError(t, err)

	// second consecutive up resolves
	assert.Equal(t, broker.Ack, ing.Handle(ctx, resultMsg(t, upResult("r4"))))
	_, err = st.GetOpenIncident(ctx, "nest-1", "svc-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// closed incident went to the history list
	hist, err := client.LLen(ctx, "incident:log:nest-1:svc-1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), hist)

	n, err := client.XLen(ctx, broker.NotificationStream(types.NotifIncidentResolved)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestDuplicateResultIsIdempotent(t *testing.T) {
	ing, client, st := newTestIngestor(t)
	ctx := context.Background()
	seedService(t, client, testService())

	r := downResult("r1")
	assert.Equal(t, broker.Ack, ing.Handle(ctx, resultMsg(t, r)))
	assert.Equal(t, broker.Ack, ing.Handle(ctx, resultMsg(t, r)))

	ls, err := st.GetLiveStatus(ctx, "nest-1", "svc-1")
	require.NoError(t, err)
	assert.Equal(t, 1, ls.ConsecutiveDowns, "redelivery must not advance counters")
}

func TestFailedApplyIsRetriableOnRedelivery(t *testing.T) {
	ing, client, st := newTestIngestor(t)
	ctx := context.Background()
	seedService(t, client, testService())

	// Corrupt the live-status key so apply fails after the dedupe mark.
	require.NoError(t, client.Set(ctx, "status:nest-1:svc-1", "{broken", 0).Err())

	r := downResult("r1")
	assert.Equal(t, broker.NackRequeue, ing.Handle(ctx, resultMsg(t, r)))

	// Store recovers; the redelivered message must be applied, not
	// discarded as a duplicate of the failed attempt.
	require.NoError(t, client.Del(ctx, "status:nest-1:svc-1").Err())
	assert.Equal(t, broker.Ack, ing.Handle(ctx, resultMsg(t, r)))

	ls, err := st.GetLiveStatus(ctx, "nest-1", "svc-1")
	require.NoError(t, err)
	assert.Equal(t, 1, ls.ConsecutiveDowns)
}

func TestStaleResultDoesNotOverwriteNewer(t *testing.T) {
	ing, client, st := newTestIngestor(t)
	ctx := context.Background()
	seedService(t, client, testService())

	newer := upResult("r1")
	assert.Equal(t, broker.Ack, ing.Handle(ctx, resultMsg(t, newer)))

	// a cache replay from before the up observation
	older := downResult("r2")
	older.StartedAt = newer.StartedAt - 30_000
	assert.Equal(t, broker.Ack, ing.Handle(ctx, resultMsg(t, older)))

	ls, err := st.GetLiveStatus(ctx, "nest-1", "svc-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusUp, ls.PerRegion["eu-west"].LastStatus)
}

func TestDegradedLeavesIncidentCountersAlone(t *testing.T) {
	ing, client, st := newTestIngestor(t)
	ctx := context.Background()
	seedService(t, client, testService())

	assert.Equal(t, broker.Ack, ing.Handle(ctx, resultMsg(t, downResult("r1"))))

	deg := downResult("r2")
	deg.Status = types.StatusDegraded
	deg.ErrorClass = types.ErrClassHTTPStatus
	assert.Equal(t, broker.Ack, ing.Handle(ctx, resultMsg(t, deg)))

	ls, err := st.GetLiveStatus(ctx, "nest-1", "svc-1")
	require.NoError(t, err)
	assert.Equal(t, 1, ls.ConsecutiveDowns)
	assert.Equal(t, 0, ls.ConsecutiveUps)
}
