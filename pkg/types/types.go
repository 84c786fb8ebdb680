package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ServiceType identifies the probe performed against a service target.
type ServiceType string

const (
	ServiceTypeWeb       ServiceType = "web"
	ServiceTypeTCP       ServiceType = "tcp"
	ServiceTypePing      ServiceType = "ping"
	ServiceTypeDNS       ServiceType = "dns"
	ServiceTypeKeyword   ServiceType = "keyword"
	ServiceTypeHeartbeat ServiceType = "heartbeat"
	ServiceTypeGitHub    ServiceType = "github"
	ServiceTypePort      ServiceType = "port"
	ServiceTypeUptimeAPI ServiceType = "uptime-api"
)

// ValidServiceTypes lists every probe type the platform accepts.
var ValidServiceTypes = []ServiceType{
	ServiceTypeWeb, ServiceTypeTCP, ServiceTypePing, ServiceTypeDNS,
	ServiceTypeKeyword, ServiceTypeHeartbeat, ServiceTypeGitHub,
	ServiceTypePort, ServiceTypeUptimeAPI,
}

// ProbeStatus is the outcome classification of a single probe.
type ProbeStatus string

const (
	StatusUp       ProbeStatus = "up"
	StatusDown     ProbeStatus = "down"
	StatusDegraded ProbeStatus = "degraded"
	// StatusUnknown appears only in aggregated views, for regions with no
	// recent result. Probers never emit it.
	StatusUnknown ProbeStatus = "unknown"
)

// ErrorClass is the fixed taxonomy for probe failures.
type ErrorClass string

const (
	ErrClassDNS        ErrorClass = "dns_error"
	ErrClassConnect    ErrorClass = "connect_error"
	ErrClassTLS        ErrorClass = "tls_error"
	ErrClassTimeout    ErrorClass = "timeout"
	ErrClassHTTPStatus ErrorClass = "http_status"
	ErrClassValidation ErrorClass = "validation_error"
	ErrClassInternal   ErrorClass = "internal_error"
)

// Nest is a tenant account. The core only reads nests; the admin API owns
// their lifecycle.
type Nest struct {
	ID          string    `json:"id"`
	Subdomain   string    `json:"subdomain"`
	Name        string    `json:"name"`
	OwnerUserID string    `json:"ownerUserId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// MonitoringConfig selects where and how a service is probed.
type MonitoringConfig struct {
	Regions  []string `json:"regions" validate:"required,min=1"`
	Strategy Strategy `json:"strategy"`
}

// NotificationConfig lists delivery targets for incident events.
type NotificationConfig struct {
	Webhooks []string `json:"webhooks,omitempty"`
	Emails   []string `json:"emails,omitempty"`
}

// Service is a monitored target owned by exactly one nest.
type Service struct {
	ID              string             `json:"id" validate:"required"`
	NestID          string             `json:"nestId" validate:"required"`
	Name            string             `json:"name" validate:"required"`
	Type            ServiceType        `json:"type" validate:"required"`
	Target          string             `json:"target" validate:"required"`
	IntervalSeconds int                `json:"intervalSeconds" validate:"min=10"`
	TimeoutMs       int                `json:"timeoutMs" validate:"min=1,max=300000"`
	TypeConfig      map[string]any     `json:"typeConfig,omitempty"`
	Monitoring      MonitoringConfig   `json:"monitoring"`
	Notifications   NotificationConfig `json:"notifications"`
	IsActive        bool               `json:"isActive"`
	Revision        int64              `json:"revision"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// AlertThreshold returns k, the consecutive down observations required to
// open an incident. Configurable per service, default 2.
func (s *Service) AlertThreshold() int {
	return s.intConfig("alertThreshold", 2)
}

// RecoveryThreshold returns r, the consecutive up observations required to
// resolve an incident. Default 2.
func (s *Service) RecoveryThreshold() int {
	return s.intConfig("recoveryThreshold", 2)
}

func (s *Service) intConfig(key string, def int) int {
	if s.TypeConfig == nil {
		return def
	}
	switch v := s.TypeConfig[key].(type) {
	case float64:
		if v >= 1 {
			return int(v)
		}
	case int:
		if v >= 1 {
			return v
		}
	}
	return def
}

// Region is a named pool of workers sharing a location.
type Region struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Continent   string `json:"continent"`
}

// WorkerStatus tracks a worker through its admission lifecycle.
type WorkerStatus string

const (
	WorkerPending  WorkerStatus = "pending"
	WorkerApproved WorkerStatus = "approved"
	WorkerActive   WorkerStatus = "active"
	WorkerStale    WorkerStatus = "stale"
	WorkerDraining WorkerStatus = "draining"
	WorkerRevoked  WorkerStatus = "revoked"
)

// Capabilities declares what a worker can probe and how hard it can be
// driven.
type Capabilities struct {
	Types          []ServiceType `json:"types"`
	MaxConcurrency int           `json:"maxConcurrency"`
}

// Supports reports whether the worker can execute the given probe type.
func (c Capabilities) Supports(t ServiceType) bool {
	for _, ct := range c.Types {
		if ct == t {
			return true
		}
	}
	return false
}

// WorkerAnt is a worker node known to the registry.
type WorkerAnt struct {
	ID                string       `json:"id"`
	RegionID          string       `json:"regionId"`
	Capabilities      Capabilities `json:"capabilities"`
	Version           string       `json:"version"`
	Status            WorkerStatus `json:"status"`
	OwnerEmail        string       `json:"ownerEmail"`
	RegisteredAt      time.Time    `json:"registeredAt"`
	LastHeartbeatAt   time.Time    `json:"lastHeartbeatAt"`
	CountersCompleted int64        `json:"countersCompleted"`
	CountersFailed    int64        `json:"countersFailed"`
}

// ServiceSnapshot is the immutable slice of a Service a worker needs to run
// one probe. Snapshots travel inside ProbeCommands so in-flight work is
// unaffected by concurrent service edits.
type ServiceSnapshot struct {
	ID         string         `json:"id" validate:"required"`
	NestID     string         `json:"nestId" validate:"required"`
	Type       ServiceType    `json:"type" validate:"required"`
	Target     string         `json:"target" validate:"required"`
	TypeConfig map[string]any `json:"typeConfig,omitempty"`
	TimeoutMs  int            `json:"timeoutMs" validate:"min=1,max=300000"`
	Revision   int64          `json:"revision"`
}

// Snapshot extracts the probe-relevant fields of a service.
func (s *Service) Snapshot() ServiceSnapshot {
	return ServiceSnapshot{
		ID:         s.ID,
		NestID:     s.NestID,
		Type:       s.Type,
		Target:     s.Target,
		TypeConfig: s.TypeConfig,
		TimeoutMs:  s.TimeoutMs,
		Revision:   s.Revision,
	}
}

// ProbeCommand instructs one worker to execute one probe. CommandID is the
// idempotency key; the command is discarded after a single ack.
type ProbeCommand struct {
	CommandID   string          `json:"commandId" validate:"required"`
	Service     ServiceSnapshot `json:"serviceSnapshot"`
	RegionID    string          `json:"regionId" validate:"required"`
	ScheduledAt int64           `json:"scheduledAt"`
	Deadline    int64           `json:"deadline"`
	Attempt     int             `json:"attempt" validate:"min=1"`
}

// Expired reports whether the command's absolute deadline has passed.
func (c *ProbeCommand) Expired(now time.Time) bool {
	return c.Deadline > 0 && now.UnixMilli() > c.Deadline
}

// ProbeResult is the immutable outcome of one probe execution. ResultID is
// the idempotency key for ingestion; duplicate deliveries are expected.
type ProbeResult struct {
	ResultID   string         `json:"resultId" validate:"required"`
	CommandID  string         `json:"commandId" validate:"required"`
	ServiceID  string         `json:"serviceId" validate:"required"`
	NestID     string         `json:"nestId" validate:"required"`
	WorkerID   string         `json:"workerId"`
	RegionID   string         `json:"regionId" validate:"required"`
	Revision   int64          `json:"revision"`
	StartedAt  int64          `json:"startedAt"`
	DurationMs int64          `json:"durationMs"`
	Status     ProbeStatus    `json:"status" validate:"required,oneof=up down degraded"`
	StatusCode int            `json:"statusCode,omitempty"`
	Message    string         `json:"message,omitempty"`
	ErrorClass ErrorClass     `json:"errorClass,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// RegionStatus is the last observation from one region for one service.
type RegionStatus struct {
	LastStatus     ProbeStatus `json:"lastStatus"`
	LastDurationMs int64       `json:"lastDurationMs"`
	LastAt         int64       `json:"lastAt"`
}

// LiveStatus is the short-lived current view of a service across regions.
type LiveStatus struct {
	ServiceID        string                  `json:"serviceId"`
	NestID           string                  `json:"nestId"`
	LastResult       *ProbeResult            `json:"lastResult,omitempty"`
	PerRegion        map[string]RegionStatus `json:"perRegion"`
	AggregatedStatus ProbeStatus             `json:"aggregatedStatus"`
	// The incident counters live with the view so an ingestor restart keeps
	// the state machine's progress.
	ConsecutiveDowns int   `json:"consecutiveDowns"`
	ConsecutiveUps   int   `json:"consecutiveUps"`
	UpdatedAt        int64 `json:"updatedAt"`
}

// Incident is one disruption of one service. At most one incident per
// service may be open (ClosedAt == nil) at any time.
type Incident struct {
	IncidentID     string         `json:"incidentId"`
	ServiceID      string         `json:"serviceId"`
	NestID         string         `json:"nestId"`
	OpenedAt       time.Time      `json:"openedAt"`
	ClosedAt       *time.Time     `json:"closedAt,omitempty"`
	Reason         ErrorClass     `json:"reason"`
	AffectedChecks int            `json:"affectedChecks"`
	ErrorCounts    map[string]int `json:"errorCounts,omitempty"`
	LastSeenAt     time.Time      `json:"lastSeenAt"`
}

// Period is the aggregation bucket width.
type Period string

const (
	PeriodMinute Period = "minute"
	PeriodHour   Period = "hour"
	PeriodDay    Period = "day"
)

// Duration returns the wall-clock width of the period.
func (p Period) Duration() time.Duration {
	switch p {
	case PeriodMinute:
		return time.Minute
	case PeriodHour:
		return time.Hour
	case PeriodDay:
		return 24 * time.Hour
	}
	return time.Minute
}

// AggregatedMetrics is the per-period roll-up for one (nest, service,
// region). Immutable once its period is sealed.
type AggregatedMetrics struct {
	NestID              string         `json:"nestId"`
	ServiceID           string         `json:"serviceId"`
	RegionID            string         `json:"regionId"`
	Period              Period         `json:"period"`
	PeriodStart         int64          `json:"periodStart"`
	TotalChecks         int64          `json:"totalChecks"`
	UpChecks            int64          `json:"upChecks"`
	DownChecks          int64          `json:"downChecks"`
	DegradedChecks      int64          `json:"degradedChecks"`
	AvgDurationMs       float64        `json:"avgDurationMs"`
	MinDurationMs       int64          `json:"minDurationMs"`
	MaxDurationMs       int64          `json:"maxDurationMs"`
	StatusCodeHistogram map[string]int `json:"statusCodeHistogram,omitempty"`
	ErrorClassHistogram map[string]int `json:"errorClassHistogram,omitempty"`
}

// ScheduleEntry is the scheduler's per-service cursor.
type ScheduleEntry struct {
	ServiceID  string   `json:"serviceId"`
	NextDueAt  int64    `json:"nextDueAt"`
	IntervalMs int64    `json:"intervalMs"`
	Regions    []string `json:"regions"`
	Revision   int64    `json:"revision"`
}

// Heartbeat is the periodic fleet signal published by every worker.
type Heartbeat struct {
	WorkerID          string  `json:"workerId" validate:"required"`
	Timestamp         int64   `json:"ts"`
	CountersCompleted int64   `json:"countersCompleted"`
	CountersFailed    int64   `json:"countersFailed"`
	Inflight          int     `json:"inflight"`
	CPUPercent        float64 `json:"cpu"`
	MemBytes          uint64  `json:"mem"`
}

// ControlAction is an operator command delivered on a worker's control queue.
type ControlAction string

const (
	ControlPause  ControlAction = "pause"
	ControlResume ControlAction = "resume"
	ControlDrain  ControlAction = "drain"
	ControlRevoke ControlAction = "revoke"
	ControlUpdate ControlAction = "update"
)

// ControlMessage is the payload on control queues.
type ControlMessage struct {
	Action    ControlAction `json:"action" validate:"required"`
	WorkerID  string        `json:"workerId"`
	BinaryURL string        `json:"binaryUrl,omitempty"`
	IssuedAt  int64         `json:"issuedAt"`
}

// NotificationKind labels incident lifecycle events on the notification
// exchange.
type NotificationKind string

const (
	NotifIncidentStarted    NotificationKind = "incident-started"
	NotifIncidentResolved   NotificationKind = "incident-resolved"
	NotifMaintenanceStarted NotificationKind = "maintenance-started"
	NotifMaintenanceEnded   NotificationKind = "maintenance-ended"
)

// NotificationEvent is published by the ingestor on incident transitions and
// consumed by the dispatcher.
type NotificationEvent struct {
	Kind        NotificationKind `json:"type" validate:"required"`
	NestID      string           `json:"nestId" validate:"required"`
	ServiceID   string           `json:"serviceId" validate:"required"`
	ServiceName string           `json:"serviceName"`
	Incident    *Incident        `json:"incident,omitempty"`
	Webhooks    []string         `json:"webhooks,omitempty"`
	Emails      []string         `json:"emails,omitempty"`
	Timestamp   int64            `json:"timestamp"`
}

// RegisterRequest is the worker registration payload posted to the public
// boundary.
type RegisterRequest struct {
	WorkerID     string       `json:"workerId" validate:"required"`
	OwnerEmail   string       `json:"ownerEmail" validate:"required,email"`
	RegionHint   string       `json:"regionHint"`
	Capabilities Capabilities `json:"capabilities"`
	Version      string       `json:"version"`
}

// BrokerCredentials carry the per-worker broker access issued on approval.
type BrokerCredentials struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// RegisterResponse answers a registration attempt. Status stays "pending"
// until an operator approves the worker.
type RegisterResponse struct {
	Status            WorkerStatus       `json:"status"`
	RegionID          string             `json:"regionId,omitempty"`
	BrokerCredentials *BrokerCredentials `json:"brokerCredentials,omitempty"`
	Endpoints         map[string]string  `json:"endpoints,omitempty"`
}

// StrategyKind is the aggregation rule family.
type StrategyKind string

const (
	StrategyAll     StrategyKind = "all"
	StrategyClosest StrategyKind = "closest"
	StrategyAny     StrategyKind = "any"
	StrategyQuorum  StrategyKind = "quorum"
)

// Strategy converts per-region outcomes into one aggregated status. The wire
// form is "all", "closest", "any" or "quorum(n)".
type Strategy string

// DefaultStrategy is applied when a service omits an explicit strategy.
const DefaultStrategy Strategy = Strategy(StrategyAll)

// Parse splits a strategy into its kind and quorum size. Unknown or empty
// strategies fall back to "all".
func (s Strategy) Parse() (StrategyKind, int) {
	raw := strings.TrimSpace(string(s))
	if raw == "" {
		return StrategyAll, 0
	}
	if strings.HasPrefix(raw, "quorum(") && strings.HasSuffix(raw, ")") {
		n, err := strconv.Atoi(raw[len("quorum(") : len(raw)-1])
		if err != nil || n < 1 {
			return StrategyAll, 0
		}
		return StrategyQuorum, n
	}
	switch StrategyKind(raw) {
	case StrategyAll, StrategyClosest, StrategyAny:
		return StrategyKind(raw), 0
	}
	return StrategyAll, 0
}

// QuorumStrategy builds the wire form for a quorum of n regions.
func QuorumStrategy(n int) Strategy {
	return Strategy(fmt.Sprintf("quorum(%d)", n))
}
