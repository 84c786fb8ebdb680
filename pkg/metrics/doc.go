/*
Package metrics exposes Prometheus instrumentation and component health for
all GuardAnt processes.

Counters and histograms are package-level variables registered in init();
components record into them directly (commands emitted and dropped, probes by
type and status, cache occupancy and drops, broker publishes and consumer
dispositions, ingest outcomes, incident transitions, aggregation buckets,
notification deliveries).

The health registry tracks per-component liveness: components register
themselves at startup (critical components gate /ready) and update their
state as dependencies come and go. HealthHandler, ReadyHandler and Handler
(Prometheus) plug into each binary's HTTP listener.
*/
package metrics
