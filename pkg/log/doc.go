/*
Package log provides structured logging for all GuardAnt components.

It wraps zerolog behind a small global logger initialized once at process
startup. Components obtain child loggers with stable fields via
WithComponent, WithWorkerID, WithServiceID and WithNestID so that log lines
from the scheduler, workers and ingestors can be correlated per service and
tenant. Output is JSON in production and a console writer for interactive
use, selected by Config.JSONOutput.
*/
package log
