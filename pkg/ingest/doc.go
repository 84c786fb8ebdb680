/*
Package ingest turns the stream of raw probe results into live status and
incident lifecycle.

For each result the ingestor validates the schema, drops results for deleted
or inactive services, dedupes on resultId, merges the observation into the
service's per-region view, recomputes the aggregated status under the
service's strategy, and advances the incident state machine: k consecutive
down observations open an incident, r consecutive ups resolve it (both
per-service configurable, default 2). Regions with no fresh observation are
unknown and never open an incident by themselves; the live-status TTL turns
a silent service into "stale", not "down".

Applied results fan out to the aggregation stream; incident transitions fan
out to the per-kind notification streams.
*/
package ingest
