// Package worker implements the WorkerAnt process: registration with the
// control plane, region detection, probe command consumption for its
// region, heartbeating, and the crash-safe result path through the local
// cache. Control messages pause, resume, drain or revoke a running worker;
// a worker that cannot deliver results for too long revokes itself.
package worker
