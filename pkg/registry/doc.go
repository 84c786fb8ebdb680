// Package registry is the fleet membership authority. It admits workers
// through a pending-approval flow, tracks liveness from heartbeats, detects
// stale workers, and serves the public registration API plus the operator
// fleet view.
package registry
