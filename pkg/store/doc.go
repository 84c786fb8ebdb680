/*
Package store implements the shared state store over Redis.

The key layout is the platform contract: nests and services are written by
the admin API and only read here; the scheduler owns schedule entries and the
leader lease; the ingestor owns live status (TTL 300s) and incidents; the
registry owns worker records and their TTL-bound heartbeat keys.

The leader lease is a plain set-if-absent with TTL. Renewal and release are
compare-and-operate Lua scripts so a scheduler that lost its lease cannot
extend or delete a successor's claim.
*/
package store
