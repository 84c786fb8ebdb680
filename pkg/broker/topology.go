package broker

import "github.com/guardant/guardant/pkg/types"

// Stream naming. Region-scoped probe queues are competing-consumer streams
// shared by every approved worker in the region; control streams are
// per-worker and trimmed aggressively.
const (
	streamPrefix = "guardant:"

	// ResultStream carries ProbeResults from workers to the ingestor group.
	ResultStream = streamPrefix + "results"

	// HeartbeatStream fans worker heartbeats out to the registry.
	HeartbeatStream = streamPrefix + "heartbeats"

	// AggregateStream carries ingested results onward to the aggregator.
	AggregateStream = streamPrefix + "aggregate"

	// dlqSuffix marks the dead-letter companion of any stream.
	dlqSuffix = ":dlq"
)

// Consumer group names.
const (
	GroupWorkers    = "workers"
	GroupIngest     = "ingest"
	GroupRegistry   = "registry"
	GroupAggregator = "aggregator"
	GroupWebhook    = "webhook"
	GroupEmail      = "email"
)

// ProbeStream returns the shared command queue for one region.
func ProbeStream(regionID string) string {
	return streamPrefix + "probes:" + regionID
}

// ControlStream returns the per-worker control queue.
func ControlStream(workerID string) string {
	return streamPrefix + "control:" + workerID
}

// NotificationStream returns the per-kind notification queue.
func NotificationStream(kind types.NotificationKind) string {
	return streamPrefix + "notifications:" + string(kind)
}

// DLQ returns the dead-letter stream for a source stream.
func DLQ(stream string) string {
	return stream + dlqSuffix
}
