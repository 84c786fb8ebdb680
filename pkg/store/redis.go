package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guardant/guardant/pkg/types"
)

// Key layout. Values are JSON unless noted.
const (
	keyNest           = "nest:%s"                // -> Nest
	keyNestSubdomain  = "nest:subdomain:%s"      // -> nestId (plain string)
	keyNestSecret     = "nest:secret:%s"         // -> webhook signing secret (plain string)
	keyService        = "service:%s"             // -> Service
	keyServiceByNest  = "service:index:nest:%s"  // -> set of serviceIds
	keySchedule       = "schedule:%s"            // -> ScheduleEntry
	keyLiveStatus     = "status:%s:%s"           // nestId, serviceId -> LiveStatus, TTL 300s
	keyIncident       = "incident:%s:%s"         // nestId, serviceId -> open Incident
	keyIncidentLog    = "incident:log:%s:%s"     // list of closed incidents, newest first
	keyWorker         = "worker:%s"              // -> WorkerAnt
	keyWorkerHB       = "worker:heartbeat:%s"    // -> epoch ms (plain), TTL 90s
	keyServiceHB      = "heartbeat:last:%s"      // heartbeatId -> epoch ms (plain)
	keySchedulerLease = "scheduler:leader"       // -> holder id, TTL = lease TTL
)

// incidentLogMax bounds the per-service closed-incident history.
const incidentLogMax = 100

// RedisStore implements Store on a Redis key-value server.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the state store at the given URL
// (redis://host:port/db).
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse store URL: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests and by
// processes sharing one connection pool between store and broker.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) getJSON(ctx context.Context, key string, out any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) putJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// GetNest returns a tenant by id.
func (s *RedisStore) GetNest(ctx context.Context, nestID string) (*types.Nest, error) {
	var n types.Nest
	if err := s.getJSON(ctx, fmt.Sprintf(keyNest, nestID), &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// GetNestIDBySubdomain resolves a subdomain to its nest id.
func (s *RedisStore) GetNestIDBySubdomain(ctx context.Context, subdomain string) (string, error) {
	id, err := s.client.Get(ctx, fmt.Sprintf(keyNestSubdomain, subdomain)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve subdomain: %w", err)
	}
	return id, nil
}

// GetNestSecret returns the per-nest webhook signing secret.
func (s *RedisStore) GetNestSecret(ctx context.Context, nestID string) (string, error) {
	secret, err := s.client.Get(ctx, fmt.Sprintf(keyNestSecret, nestID)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read nest secret: %w", err)
	}
	return secret, nil
}

// GetService returns a service by id.
func (s *RedisStore) GetService(ctx context.Context, serviceID string) (*types.Service, error) {
	var svc types.Service
	if err := s.getJSON(ctx, fmt.Sprintf(keyService, serviceID), &svc); err != nil {
		return nil, err
	}
	return &svc, nil
}

// ListServices returns every service in the store. The scheduler calls this
// on startup and on each poll tick.
func (s *RedisStore) ListServices(ctx context.Context) ([]*types.Service, error) {
	var services []*types.Service
	iter := s.client.Scan(ctx, 0, "service:*", 500).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasPrefix(key, "service:index:") {
			continue
		}
		var svc types.Service
		if err := s.getJSON(ctx, key, &svc); err != nil {
			if err == ErrNotFound {
				continue // deleted between scan and get
			}
			return nil, err
		}
		services = append(services, &svc)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan services: %w", err)
	}
	return services, nil
}

// ListServicesByNest returns the services owned by one nest via the index
// set maintained by the admin API.
func (s *RedisStore) ListServicesByNest(ctx context.Context, nestID string) ([]*types.Service, error) {
	ids, err := s.client.SMembers(ctx, fmt.Sprintf(keyServiceByNest, nestID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read service index: %w", err)
	}
	services := make([]*types.Service, 0, len(ids))
	for _, id := range ids {
		svc, err := s.GetService(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	return services, nil
}

// PutScheduleEntry persists the scheduler's cursor for one service.
func (s *RedisStore) PutScheduleEntry(ctx context.Context, entry *types.ScheduleEntry) error {
	return s.putJSON(ctx, fmt.Sprintf(keySchedule, entry.ServiceID), entry, 0)
}

// GetScheduleEntry returns the persisted cursor for one service.
func (s *RedisStore) GetScheduleEntry(ctx context.Context, serviceID string) (*types.ScheduleEntry, error) {
	var e types.ScheduleEntry
	if err := s.getJSON(ctx, fmt.Sprintf(keySchedule, serviceID), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// DeleteScheduleEntry removes the cursor of a deleted service.
func (s *RedisStore) DeleteScheduleEntry(ctx context.Context, serviceID string) error {
	if err := s.client.Del(ctx, fmt.Sprintf(keySchedule, serviceID)).Err(); err != nil {
		return fmt.Errorf("failed to delete schedule entry: %w", err)
	}
	return nil
}

// PutLiveStatus writes the per-service view with its freshness TTL.
func (s *RedisStore) PutLiveStatus(ctx context.Context, status *types.LiveStatus) error {
	key := fmt.Sprintf(keyLiveStatus, status.NestID, status.ServiceID)
	return s.putJSON(ctx, key, status, LiveStatusTTL)
}

// GetLiveStatus returns the current view, or ErrNotFound once the TTL lapsed.
func (s *RedisStore) GetLiveStatus(ctx context.Context, nestID, serviceID string) (*types.LiveStatus, error) {
	var ls types.LiveStatus
	if err := s.getJSON(ctx, fmt.Sprintf(keyLiveStatus, nestID, serviceID), &ls); err != nil {
		return nil, err
	}
	return &ls, nil
}

// PutOpenIncident writes the open incident for a service. The key's
// presence is the "open" marker.
func (s *RedisStore) PutOpenIncident(ctx context.Context, inc *types.Incident) error {
	return s.putJSON(ctx, fmt.Sprintf(keyIncident, inc.NestID, inc.ServiceID), inc, 0)
}

// GetOpenIncident returns the open incident, or ErrNotFound when none.
func (s *RedisStore) GetOpenIncident(ctx context.Context, nestID, serviceID string) (*types.Incident, error) {
	var inc types.Incident
	if err := s.getJSON(ctx, fmt.Sprintf(keyIncident, nestID, serviceID), &inc); err != nil {
		return nil, err
	}
	return &inc, nil
}

// CloseIncident removes the open marker and prepends the closed incident to
// the per-service history list.
func (s *RedisStore) CloseIncident(ctx context.Context, inc *types.Incident) error {
	data, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("failed to encode incident: %w", err)
	}
	logKey := fmt.Sprintf(keyIncidentLog, inc.NestID, inc.ServiceID)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, fmt.Sprintf(keyIncident, inc.NestID, inc.ServiceID))
	pipe.LPush(ctx, logKey, data)
	pipe.LTrim(ctx, logKey, 0, incidentLogMax-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to close incident: %w", err)
	}
	return nil
}

// PutWorker persists a worker record.
func (s *RedisStore) PutWorker(ctx context.Context, w *types.WorkerAnt) error {
	return s.putJSON(ctx, fmt.Sprintf(keyWorker, w.ID), w, 0)
}

// GetWorker returns a worker record by id.
func (s *RedisStore) GetWorker(ctx context.Context, workerID string) (*types.WorkerAnt, error) {
	var w types.WorkerAnt
	if err := s.getJSON(ctx, fmt.Sprintf(keyWorker, workerID), &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// ListWorkers returns every known worker.
func (s *RedisStore) ListWorkers(ctx context.Context) ([]*types.WorkerAnt, error) {
	var workers []*types.WorkerAnt
	iter := s.client.Scan(ctx, 0, "worker:*", 500).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasPrefix(key, "worker:heartbeat:") {
			continue
		}
		var w types.WorkerAnt
		if err := s.getJSON(ctx, key, &w); err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		workers = append(workers, &w)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan workers: %w", err)
	}
	return workers, nil
}

// TouchWorkerHeartbeat refreshes the TTL-bound heartbeat key.
func (s *RedisStore) TouchWorkerHeartbeat(ctx context.Context, workerID string, at time.Time) error {
	key := fmt.Sprintf(keyWorkerHB, workerID)
	if err := s.client.Set(ctx, key, at.UnixMilli(), HeartbeatTTL).Err(); err != nil {
		return fmt.Errorf("failed to touch heartbeat: %w", err)
	}
	return nil
}

// WorkerHeartbeatFresh reports whether the worker's heartbeat key still
// exists (it expires after HeartbeatTTL).
func (s *RedisStore) WorkerHeartbeatFresh(ctx context.Context, workerID string) (bool, error) {
	n, err := s.client.Exists(ctx, fmt.Sprintf(keyWorkerHB, workerID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check heartbeat: %w", err)
	}
	return n > 0, nil
}

// GetServiceHeartbeat returns the last push timestamp for a heartbeat-probe
// target.
func (s *RedisStore) GetServiceHeartbeat(ctx context.Context, heartbeatID string) (time.Time, error) {
	ms, err := s.client.Get(ctx, fmt.Sprintf(keyServiceHB, heartbeatID)).Int64()
	if err == redis.Nil {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read service heartbeat: %w", err)
	}
	return time.UnixMilli(ms), nil
}

// resultSeenTTL is the dedupe window for ingested results. Redeliveries and
// cache replays land well inside it.
const resultSeenTTL = time.Hour

// MarkResultSeen records a result id for idempotent ingestion. Returns false
// when the id was already seen.
func (s *RedisStore) MarkResultSeen(ctx context.Context, resultID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, "ingest:seen:"+resultID, 1, resultSeenTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark result seen: %w", err)
	}
	return ok, nil
}

// UnmarkResultSeen drops the dedupe mark for a result whose apply failed, so
// the requeued delivery is not mistaken for a duplicate.
func (s *RedisStore) UnmarkResultSeen(ctx context.Context, resultID string) error {
	if err := s.client.Del(ctx, "ingest:seen:"+resultID).Err(); err != nil {
		return fmt.Errorf("failed to unmark result seen: %w", err)
	}
	return nil
}

// renewLeaseScript extends the lease only while we still hold it.
var renewLeaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// releaseLeaseScript deletes the lease only if we hold it.
var releaseLeaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0
`)

// AcquireLease attempts a set-if-absent claim on the scheduler lease.
func (s *RedisStore) AcquireLease(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, keySchedulerLease, holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return ok, nil
}

// RenewLease extends the lease TTL if this holder still owns it.
func (s *RedisStore) RenewLease(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	n, err := renewLeaseScript.Run(ctx, s.client, []string{keySchedulerLease}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to renew lease: %w", err)
	}
	return n == 1, nil
}

// ReleaseLease gives up the lease on clean shutdown.
func (s *RedisStore) ReleaseLease(ctx context.Context, holder string) error {
	if err := releaseLeaseScript.Run(ctx, s.client, []string{keySchedulerLease}, holder).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// CurrentLeader returns the current lease holder, or ErrNotFound.
func (s *RedisStore) CurrentLeader(ctx context.Context) (string, error) {
	holder, err := s.client.Get(ctx, keySchedulerLease).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read lease: %w", err)
	}
	return holder, nil
}

// Ping verifies store connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
