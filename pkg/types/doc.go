/*
Package types defines the core data structures used throughout GuardAnt.

This package contains the domain model shared by every component of the
monitoring pipeline: tenants (nests), monitored services, regions, worker
nodes, the probe command/result wire messages, live status views, incidents,
and metric roll-ups. All other packages depend on it; it depends on nothing
but the standard library.

# Core Types

Tenancy and targets:
  - Nest: tenant account owning services
  - Service: a monitored target with interval, timeout and per-type config
  - Region: a named pool of workers sharing a location

Fleet:
  - WorkerAnt: a worker node with capabilities and admission status
  - Heartbeat: the periodic fleet signal published by every worker
  - ControlMessage: operator commands (pause, resume, drain, revoke, update)

Pipeline messages:
  - ProbeCommand: scheduler → worker, carries an immutable ServiceSnapshot;
    CommandID is the idempotency key
  - ProbeResult: worker → ingestor; ResultID is the idempotency key, so
    duplicate deliveries after redelivery or cache replay are harmless

Derived state:
  - LiveStatus: per-service current view across regions with the
    strategy-aggregated status
  - Incident: one disruption window; at most one open per service
  - AggregatedMetrics: per-minute/hour/day roll-ups

Wire structs carry both json tags (the broker and HTTP contract is JSON) and
validator tags consumed by the ingestor's and registry's schema validation.
*/
package types
