package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
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

func newTestSender(t *testing.T) (*WebhookSender, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	require.NoError(t, client.Set(context.Background(), "nest:secret:nest-1", "s3cret", 0).Err())
	return NewWebhookSender(store.NewRedisStoreFromClient(client)), client
}

func incidentEvent(webhooks ...string) *types.NotificationEvent {
	return &types.NotificationEvent{
		Kind:        types.NotifIncidentStarted,
		NestID:      "nest-1",
		ServiceID:   "svc-1",
		ServiceName: "checkout API",
		Webhooks:    webhooks,
		Timestamp:   time.Now().UnixMilli(),
	}
}

func TestSignature(t *testing.T) {
	body := []byte(`{"type":"incident-started"}`)
	sig := Signature("s3cret", 1700000000000, body)

	// A receiver verifies with the raw hex digest, no scheme prefix.
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write([]byte("1700000000000." + string(body)))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), sig)

	// Any input change invalidates the signature.
	assert.NotEqual(t, sig, Signature("s3cret", 1700000000001, body))
	assert.NotEqual(t, sig, Signature("other", 1700000000000, body))
	assert.NotEqual(t, sig, Signature("s3cret", 1700000000000, []byte(`{}`)))
}

func TestWebhookDeliveryIsSigned(t *testing.T) {
	sender, _ := newTestSender(t)

	var gotBody []byte
	var gotSig, gotTS string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-GuardAnt-Signature")
		gotTS = r.Header.Get("X-GuardAnt-Timestamp")
		assert.Equal(t, "GuardAnt-Notifier/1.0", r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	event := incidentEvent(ts.URL)
	require.NoError(t, sender.Send(context.Background(), ts.URL, event))

	// The receiver-side check: recompute the HMAC over ts.body.
	tsMillis, err := strconv.ParseInt(gotTS, 10, 64)
	require.NoError(t, err)
	assert.Equal(t, Signature("s3cret", tsMillis, gotBody), gotSig)

	var delivered types.NotificationEvent
	require.NoError(t, json.Unmarshal(gotBody, &delivered))
	assert.Equal(t, types.NotifIncidentStarted, delivered.Kind)
	assert.Equal(t, "svc-1", delivered.ServiceID)
}

func TestWebhookNon2xxIsError(t *testing.T) {
	sender, _ := newTestSender(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	err := sender.Send(context.Background(), ts.URL, incidentEvent(ts.URL))
	assert.Error(t, err)
}

func TestWebhookMissingSecretIsError(t *testing.T) {
	sender, _ := newTestSender(t)
	event := incidentEvent("http://127.0.0.1:1/hook")
	event.NestID = "nest-unknown"
	err := sender.Send(context.Background(), "http://127.0.0.1:1/hook", event)
	assert.Error(t, err)
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	sender, _ := newTestSender(t)

	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	event := incidentEvent(ts.URL)
	for i := 0; i < 3; i++ {
		require.Error(t, sender.Send(context.Background(), ts.URL, event))
	}
	assert.EqualValues(t, 3, hits.Load())

	// Breaker is open: the endpoint is no longer contacted.
	require.Error(t, sender.Send(context.Background(), ts.URL, event))
	assert.EqualValues(t, 3, hits.Load())
}

func TestBreakersAreIsolatedPerURL(t *testing.T) {
	sender, _ := newTestSender(t)

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer dead.Close()
	alive := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer alive.Close()

	for i := 0; i < 4; i++ {
		_ = sender.Send(context.Background(), dead.URL, incidentEvent(dead.URL))
	}
	assert.NoError(t, sender.Send(context.Background(), alive.URL, incidentEvent(alive.URL)))
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *WebhookSender, *redis.Client) {
	t.Helper()
	sender, client := newTestSender(t)
	br := broker.NewFromClient(client, broker.Options{})
	return NewDispatcher(br, sender, NewRedisEmailQueue(client), client), sender, client
}

func TestHandleWebhookParksRetryOnFailure(t *testing.T) {
	d, _, client := newTestDispatcher(t)
	ctx := context.Background()

	// Unreachable endpoint: delivery fails and is parked for retry.
	event := incidentEvent("http://127.0.0.1:1/hook")
	payload, err := json.Marshal(event)
	require.NoError(t, err)

	disp := d.handleWebhook(ctx, broker.Message{Payload: payload, Deliveries: 1})
	assert.Equal(t, broker.Ack, disp, "broker message is acked, retries are parked")
	assert.Equal(t, 1, d.PendingRetries())

	parked, err := client.ZRangeWithScores(ctx, retrySetKey, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, parked, 1)

	var p pendingDelivery
	require.NoError(t, json.Unmarshal([]byte(parked[0].Member.(string)), &p))
	assert.Equal(t, 2, p.Attempt)
	assert.Equal(t, "http://127.0.0.1:1/hook", p.URL)

	dueIn := time.Until(time.UnixMilli(int64(parked[0].Score)))
	assert.InDelta(t, retryBackoffMin.Seconds(), dueIn.Seconds(), 5)
}

func TestParkedRetriesSurviveRestart(t *testing.T) {
	d, _, client := newTestDispatcher(t)
	ctx := context.Background()

	d.deliver(ctx, "http://127.0.0.1:1/hook", incidentEvent("http://127.0.0.1:1/hook"), 1)
	require.Equal(t, 1, d.PendingRetries())

	// A fresh dispatcher on the same Redis picks the schedule back up.
	sender := NewWebhookSender(store.NewRedisStoreFromClient(client))
	restarted := NewDispatcher(broker.NewFromClient(client, broker.Options{}), sender, NewRedisEmailQueue(client), client)
	assert.Equal(t, 1, restarted.PendingRetries())
}

func TestRetryAbandonedAfterMaxAttempts(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	event := incidentEvent("http://127.0.0.1:1/hook")
	d.deliver(context.Background(), "http://127.0.0.1:1/hook", event, maxAttempts)
	assert.Equal(t, 0, d.PendingRetries())
}

func TestDrainDueRedelivers(t *testing.T) {
	d, _, client := newTestDispatcher(t)
	ctx := context.Background()

	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	entry, err := json.Marshal(pendingDelivery{URL: ts.URL, Event: incidentEvent(ts.URL), Attempt: 2})
	require.NoError(t, err)
	require.NoError(t, client.ZAdd(ctx, retrySetKey, redis.Z{
		Score:  float64(time.Now().Add(-time.Second).UnixMilli()),
		Member: string(entry),
	}).Err())

	d.drainDue(ctx)
	assert.EqualValues(t, 1, hits.Load())
	assert.Equal(t, 0, d.PendingRetries())
}

func TestDrainDueLeavesFutureRetriesParked(t *testing.T) {
	d, _, client := newTestDispatcher(t)
	ctx := context.Background()

	entry, err := json.Marshal(pendingDelivery{URL: "http://127.0.0.1:1/hook", Event: incidentEvent(), Attempt: 2})
	require.NoError(t, err)
	require.NoError(t, client.ZAdd(ctx, retrySetKey, redis.Z{
		Score:  float64(time.Now().Add(time.Minute).UnixMilli()),
		Member: string(entry),
	}).Err())

	d.drainDue(ctx)
	assert.Equal(t, 1, d.PendingRetries(), "not due yet")
}

func TestHandleWebhookGarbageDeadLetters(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	disp := d.handleWebhook(context.Background(), broker.Message{Payload: []byte("{broken"), Deliveries: 1})
	assert.Equal(t, broker.DeadLetter, disp)
}

func TestHandleEmailEnqueuesTask(t *testing.T) {
	d, _, client := newTestDispatcher(t)

	event := incidentEvent()
	event.Emails = []string{"oncall@example.com"}
	payload, err := json.Marshal(event)
	require.NoError(t, err)

	disp := d.handleEmail(context.Background(), broker.Message{Payload: payload, Deliveries: 1})
	assert.Equal(t, broker.Ack, disp)

	raw, err := client.LPop(context.Background(), "email:queue").Result()
	require.NoError(t, err)

	var task EmailTask
	require.NoError(t, json.Unmarshal([]byte(raw), &task))
	assert.Equal(t, "oncall@example.com", task.To)
	assert.Equal(t, "[GuardAnt] checkout API is down", task.Subject)
	assert.Equal(t, types.NotifIncidentStarted, task.Event.Kind)
}

func TestSubjectFor(t *testing.T) {
	cases := []struct {
		kind types.NotificationKind
		want string
	}{
		{types.NotifIncidentStarted, "[GuardAnt] api is down"},
		{types.NotifIncidentResolved, "[GuardAnt] api recovered"},
		{types.NotifMaintenanceStarted, "[GuardAnt] maintenance started for api"},
		{types.NotifMaintenanceEnded, "[GuardAnt] maintenance ended for api"},
	}
	for _, tc := range cases {
		got := subjectFor(&types.NotificationEvent{Kind: tc.kind, ServiceName: "api"})
		assert.Equal(t, tc.want, got)
	}

	// Falls back to the service id when the name is empty.
	got := subjectFor(&types.NotificationEvent{Kind: types.NotifIncidentStarted, ServiceID: "svc-9"})
	assert.Equal(t, "[GuardAnt] svc-9 is down", got)
}
