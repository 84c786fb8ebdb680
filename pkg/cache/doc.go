/*
Package cache is the worker's durable buffer between probe execution and the
broker.

Results are written through to a BoltDB append-only log keyed by sequence
number, mirrored by an in-memory queue. A background flusher publishes
head-of-line to the broker with exponential backoff (250ms to 30s) and
removes records only after a successful publish, so a crash between probe
and publish is repaired by replay on the next start. Capacity is bounded
(100k records / 256 MiB by default) with drop-oldest and a dropped counter.
Duplicate publishes after a crash are expected; the ingestor dedupes on
resultId.
*/
package cache
