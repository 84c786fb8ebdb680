/*
Package probe executes individual checks against monitored targets.

Each service type has a Prober implementation (web, tcp, ping, dns, keyword,
heartbeat, github, uptime-api; "port" aliases tcp). The Engine dispatches a
ProbeCommand to the right prober and converts its Outcome into an immutable
ProbeResult.

Contracts the engine enforces regardless of prober behavior:

  - every Execute call returns within timeoutMs + 250ms
  - probers never panic outward; panics become down/internal_error results
  - failures are classified into the fixed error taxonomy (dns_error,
    connect_error, tls_error, timeout, http_status, validation_error,
    internal_error)
  - no internal retries; the scheduler owns retry policy

Probers read their knobs from the service snapshot's typeConfig map, which
arrives as parsed JSON.
*/
package probe
