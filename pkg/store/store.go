package store

import (
	"context"
	"errors"
	"time"

	"github.com/guardant/guardant/pkg/types"
)

// ErrNotFound is returned when a key is absent from the state store.
var ErrNotFound = errors.New("store: not found")

// LiveStatusTTL bounds how long a live status view survives without fresh
// results.
const LiveStatusTTL = 300 * time.Second

// HeartbeatTTL is the freshness window for worker heartbeat keys. A worker
// whose key has expired is stale.
const HeartbeatTTL = 90 * time.Second

// Store is the shared state store. The admin API owns nests and services;
// the core reads them and owns the rest. Writers are partitioned: the
// scheduler writes schedule entries and the lease, the ingestor writes live
// status and incidents, the registry writes workers.
type Store interface {
	// Nests (read-only to the core)
	GetNest(ctx context.Context, nestID string) (*types.Nest, error)
	GetNestIDBySubdomain(ctx context.Context, subdomain string) (string, error)
	GetNestSecret(ctx context.Context, nestID string) (string, error)

	// Services (read-only to the core)
	GetService(ctx context.Context, serviceID string) (*types.Service, error)
	ListServices(ctx context.Context) ([]*types.Service, error)
	ListServicesByNest(ctx context.Context, nestID string) ([]*types.Service, error)

	// Schedule entries (scheduler is single writer)
	PutScheduleEntry(ctx context.Context, entry *types.ScheduleEntry) error
	GetScheduleEntry(ctx context.Context, serviceID string) (*types.ScheduleEntry, error)
	DeleteScheduleEntry(ctx context.Context, serviceID string) error

	// Live status (ingestor is single writer; TTL-bound)
	PutLiveStatus(ctx context.Context, status *types.LiveStatus) error
	GetLiveStatus(ctx context.Context, nestID, serviceID string) (*types.LiveStatus, error)

	// Incidents (ingestor is single writer; key absent when none open)
	PutOpenIncident(ctx context.Context, inc *types.Incident) error
	GetOpenIncident(ctx context.Context, nestID, serviceID string) (*types.Incident, error)
	CloseIncident(ctx context.Context, inc *types.Incident) error

	// Workers (registry is single writer)
	PutWorker(ctx context.Context, w *types.WorkerAnt) error
	GetWorker(ctx context.Context, workerID string) (*types.WorkerAnt, error)
	ListWorkers(ctx context.Context) ([]*types.WorkerAnt, error)
	TouchWorkerHeartbeat(ctx context.Context, workerID string, at time.Time) error
	WorkerHeartbeatFresh(ctx context.Context, workerID string) (bool, error)

	// Service heartbeats (push targets for heartbeat probes)
	GetServiceHeartbeat(ctx context.Context, heartbeatID string) (time.Time, error)

	// Result dedupe. MarkResultSeen returns false when the result id was
	// already recorded inside the dedupe window. UnmarkResultSeen releases
	// the mark so a redelivery can try again after a failed apply.
	MarkResultSeen(ctx context.Context, resultID string) (bool, error)
	UnmarkResultSeen(ctx context.Context, resultID string) error

	// Leader lease
	AcquireLease(ctx context.Context, holder string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, holder string) error
	CurrentLeader(ctx context.Context) (string, error)

	// Utility
	Ping(ctx context.Context) error
	Close() error
}
