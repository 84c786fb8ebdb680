/*
Package broker is the message transport coupling the scheduler, workers,
ingestor, aggregator and notifier, built on Redis Streams.

Topology: one command stream per region (consumer group "workers", shared by
every approved worker in that region), one results stream (group "ingest"
across ingestor replicas), per-worker control streams, a heartbeat stream for
the registry, an aggregation stream, and per-kind notification streams.
Every stream has a companion dead-letter stream.

Delivery is at-least-once. A handler returns one of three dispositions: ack,
requeue or dead-letter. Requeued messages carry a delivery counter and are
dead-lettered after MaxDeliveries attempts. Messages pending on a crashed
consumer are reclaimed by surviving group members once they exceed the claim
idle threshold. Publishes trim streams to an approximate maximum length so a
stalled consumer sheds oldest-first instead of growing without bound.
*/
package broker
