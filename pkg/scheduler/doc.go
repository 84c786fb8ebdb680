/*
Package scheduler decides what to probe, when, and where.

A scheduler instance is active-passive: it emits probe commands only while it
holds the TTL lease in the state store, renewing well inside the TTL and
stepping down within one tick when renewal fails. The active instance keeps a
min-heap of per-service cursors; each tick pops the due entries and publishes
one command per configured region, with ±5% jitter on the next due time and a
per-(service, region) dedup window that absorbs double emissions across a
leader flap. Service creation, edits and deletion are picked up by polling
the store; persisted cursors let a new leader resume cadence instead of
probing everything at once.

Backpressure: when a region's command queue depth exceeds twice the region's
active fleet capacity, due probes for that region are dropped and counted.
*/
package scheduler
