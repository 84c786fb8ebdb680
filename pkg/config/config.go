package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/guardant/guardant/pkg/log"
)

// Common holds settings shared by every GuardAnt process.
type Common struct {
	BrokerURL string
	StoreURL  string
	LogLevel  log.Level
	LogJSON   bool
	HTTPAddr  string // health + metrics listener
}

// ControlPlane configures the scheduler, ingestor, aggregator, registry and
// notifier processes.
type ControlPlane struct {
	Common

	InstanceID        string
	LeaseTTL          time.Duration
	LeaseRenewal      time.Duration
	PollInterval      time.Duration
	RegistryAddr      string // public worker registration listener
	PublicURL         string // advertised control-plane base URL
	BrokerPublicURL   string // broker URL handed to approved workers
	DrainDeadline     time.Duration
	IngestConcurrency int
}

// Worker configures a WorkerAnt process.
type Worker struct {
	Common

	WorkerID          string
	OwnerEmail        string
	RegionOverride    string
	ControlPlaneURL   string
	DataDir           string
	MaxConcurrency    int
	HeartbeatInterval time.Duration
	DrainDeadline     time.Duration
	Version           string
}

// WorkerFile is the optional YAML config written by the install script.
// Environment variables override file values.
type WorkerFile struct {
	OwnerEmail      string `yaml:"ownerEmail"`
	Region          string `yaml:"region"`
	ControlPlaneURL string `yaml:"controlPlaneUrl"`
	BrokerURL       string `yaml:"brokerUrl"`
	DataDir         string `yaml:"dataDir"`
	MaxConcurrency  int    `yaml:"maxConcurrency"`
}

func common() Common {
	return Common{
		BrokerURL: envStr("GUARDANT_BROKER_URL", "redis://localhost:6379"),
		StoreURL:  envStr("GUARDANT_STORE_URL", "redis://localhost:6379"),
		LogLevel:  log.Level(envStr("GUARDANT_LOG_LEVEL", "info")),
		LogJSON:   envBool("GUARDANT_LOG_JSON", true),
		HTTPAddr:  envStr("GUARDANT_HTTP_ADDR", ":9090"),
	}
}

// LoadControlPlane builds control-plane configuration from the environment.
func LoadControlPlane() (*ControlPlane, error) {
	cfg := &ControlPlane{
		Common:            common(),
		InstanceID:        envStr("GUARDANT_INSTANCE_ID", hostnameID("scheduler")),
		LeaseTTL:          envDuration("GUARDANT_LEASE_TTL", 15*time.Second),
		LeaseRenewal:      envDuration("GUARDANT_LEASE_RENEWAL", 5*time.Second),
		PollInterval:      envDuration("GUARDANT_POLL_INTERVAL", 5*time.Second),
		RegistryAddr:      envStr("GUARDANT_REGISTRY_ADDR", ":8080"),
		PublicURL:         envStr("GUARDANT_PUBLIC_URL", "http://localhost:8080"),
		BrokerPublicURL:   envStr("GUARDANT_BROKER_PUBLIC_URL", ""),
		DrainDeadline:     envDuration("GUARDANT_DRAIN_DEADLINE", 30*time.Second),
		IngestConcurrency: envInt("GUARDANT_INGEST_CONCURRENCY", 8),
	}
	if cfg.BrokerPublicURL == "" {
		cfg.BrokerPublicURL = cfg.BrokerURL
	}
	if cfg.LeaseRenewal >= cfg.LeaseTTL {
		return nil, fmt.Errorf("lease renewal %s must be shorter than TTL %s", cfg.LeaseRenewal, cfg.LeaseTTL)
	}
	return cfg, nil
}

// LoadWorker builds worker configuration from an optional YAML file plus the
// environment.
func LoadWorker(path string) (*Worker, error) {
	var file WorkerFile
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg := &Worker{
		Common:            common(),
		WorkerID:          envStr("GUARDANT_WORKER_ID", ""),
		OwnerEmail:        envStr("GUARDANT_OWNER_EMAIL", file.OwnerEmail),
		RegionOverride:    envStr("GUARDANT_REGION", file.Region),
		ControlPlaneURL:   envStr("GUARDANT_CONTROL_PLANE_URL", file.ControlPlaneURL),
		DataDir:           envStr("GUARDANT_DATA_DIR", orDefault(file.DataDir, "/var/lib/guardant")),
		MaxConcurrency:    envInt("GUARDANT_MAX_CONCURRENCY", orDefaultInt(file.MaxConcurrency, 8)),
		HeartbeatInterval: envDuration("GUARDANT_HEARTBEAT_INTERVAL", 30*time.Second),
		DrainDeadline:     envDuration("GUARDANT_DRAIN_DEADLINE", 30*time.Second),
		Version:           envStr("GUARDANT_VERSION", "dev"),
	}
	if file.BrokerURL != "" && os.Getenv("GUARDANT_BROKER_URL") == "" {
		cfg.BrokerURL = file.BrokerURL
	}
	if cfg.OwnerEmail == "" {
		return nil, fmt.Errorf("owner email is required (GUARDANT_OWNER_EMAIL)")
	}
	if cfg.ControlPlaneURL == "" {
		return nil, fmt.Errorf("control plane URL is required (GUARDANT_CONTROL_PLANE_URL)")
	}
	if cfg.MaxConcurrency < 1 {
		return nil, fmt.Errorf("max concurrency must be at least 1")
	}
	return cfg, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func orDefaultInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func hostnameID(role string) string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%s", role, host)
}
