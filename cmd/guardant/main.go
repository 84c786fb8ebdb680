package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/guardant/guardant/pkg/aggregate"
	"github.com/guardant/guardant/pkg/broker"
	"github.com/guardant/guardant/pkg/config"
	"github.com/guardant/guardant/pkg/ingest"
	"github.com/guardant/guardant/pkg/log"
	"github.com/guardant/guardant/pkg/metrics"
	"github.com/guardant/guardant/pkg/notify"
	"github.com/guardant/guardant/pkg/registry"
	"github.com/guardant/guardant/pkg/scheduler"
	"github.com/guardant/guardant/pkg/store"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "guardant",
	Short: "GuardAnt - distributed service monitoring control plane",
	Long: `GuardAnt is a multi-tenant monitoring platform. Worker ants probe
services from multiple regions; the control plane schedules probes,
ingests results, tracks incidents and delivers notifications.

Each subcommand runs one control-plane role; "all" runs every role in
a single process for small deployments.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"GuardAnt version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(ingestorCmd)
	rootCmd.AddCommand(aggregatorCmd)
	rootCmd.AddCommand(registryCmd)
	rootCmd.AddCommand(notifierCmd)
	rootCmd.AddCommand(allCmd)
}

// deps is the shared control-plane plumbing behind every role.
type deps struct {
	cfg    *config.ControlPlane
	store  store.Store
	broker *broker.Broker
	redis  *redis.Client
}

func setup() (*deps, error) {
	cfg, err := config.LoadControlPlane()
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{Level: cfg.LogLevel, JSONOutput: cfg.LogJSON})

	st, err := store.NewRedisStore(cfg.StoreURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to store: %w", err)
	}
	br, err := broker.New(cfg.BrokerURL, broker.Options{})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	opts, err := redis.ParseURL(cfg.StoreURL)
	if err != nil {
		st.Close()
		br.Close()
		return nil, fmt.Errorf("invalid store URL: %w", err)
	}

	return &deps{cfg: cfg, store: st, broker: br, redis: redis.NewClient(opts)}, nil
}

func (d *deps) close() {
	d.broker.Close()
	d.store.Close()
	d.redis.Close()
}

// runRole is the shared skeleton: setup, signal handling, ops listener,
// then the role body until shutdown.
func runRole(role string, body func(ctx context.Context, d *deps) error) error {
	d, err := setup()
	if err != nil {
		return err
	}
	defer d.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Logger.Info().Str("role", role).Str("version", Version).Msg("guardant starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveOps(ctx, d.cfg.HTTPAddr) })
	g.Go(func() error { return watchDeps(ctx, d) })
	g.Go(func() error { return body(ctx, d) })

	err = g.Wait()
	if err == context.Canceled {
		err = nil
	}
	log.Logger.Info().Str("role", role).Msg("guardant stopped")
	return err
}

// watchDeps reflects store and broker connectivity into the health registry
// backing /health and /ready.
func watchDeps(ctx context.Context, d *deps) error {
	metrics.RegisterComponent("store", true)
	metrics.RegisterComponent("broker", true)

	check := func() {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := d.store.Ping(pingCtx); err != nil {
			metrics.UpdateComponent("store", false, err.Error())
		} else {
			metrics.UpdateComponent("store", true, "connected")
		}
		if err := d.broker.Ping(pingCtx); err != nil {
			metrics.UpdateComponent("broker", false, err.Error())
		} else {
			metrics.UpdateComponent("broker", true, "connected")
		}
	}
	check()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			check()
		}
	}
}

// serveOps exposes health and metrics for one process.
func serveOps(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the probe scheduler",
	Long: `The scheduler is the single producer of probe commands. Instances
compete for a store lease; only the holder emits commands, standbys take
over within one lease TTL.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRole("scheduler", func(ctx context.Context, d *deps) error {
			return scheduler.New(d.store, d.broker, scheduler.Config{
				InstanceID:   d.cfg.InstanceID,
				LeaseTTL:     d.cfg.LeaseTTL,
				LeaseRenewal: d.cfg.LeaseRenewal,
				PollInterval: d.cfg.PollInterval,
			}).Run(ctx)
		})
	},
}

var ingestorCmd = &cobra.Command{
	Use:   "ingestor",
	Short: "Run the result ingestor",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRole("ingestor", func(ctx context.Context, d *deps) error {
			return ingest.New(d.store, d.broker, d.cfg.IngestConcurrency).Run(ctx)
		})
	},
}

var aggregatorCmd = &cobra.Command{
	Use:   "aggregator",
	Short: "Run the metrics aggregator",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRole("aggregator", func(ctx context.Context, d *deps) error {
			return aggregate.New(d.broker, aggregate.NewRedisSink(d.redis)).Run(ctx)
		})
	},
}

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Run the worker registry and public registration API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRole("registry", func(ctx context.Context, d *deps) error {
			return runRegistry(ctx, d)
		})
	},
}

var notifierCmd = &cobra.Command{
	Use:   "notifier",
	Short: "Run the notification dispatcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRole("notifier", func(ctx context.Context, d *deps) error {
			return runNotifier(ctx, d)
		})
	},
}

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Run every control-plane role in one process",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRole("all", func(ctx context.Context, d *deps) error {
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return scheduler.New(d.store, d.broker, scheduler.Config{
					InstanceID:   d.cfg.InstanceID,
					LeaseTTL:     d.cfg.LeaseTTL,
					LeaseRenewal: d.cfg.LeaseRenewal,
					PollInterval: d.cfg.PollInterval,
				}).Run(ctx)
			})
			g.Go(func() error { return ingest.New(d.store, d.broker, d.cfg.IngestConcurrency).Run(ctx) })
			g.Go(func() error { return aggregate.New(d.broker, aggregate.NewRedisSink(d.redis)).Run(ctx) })
			g.Go(func() error { return runRegistry(ctx, d) })
			g.Go(func() error { return runNotifier(ctx, d) })
			return g.Wait()
		})
	},
}

func runRegistry(ctx context.Context, d *deps) error {
	reg := registry.New(d.store, d.broker, d.cfg.BrokerPublicURL, map[string]string{
		"controlPlane": d.cfg.PublicURL,
		"results":      broker.ResultStream,
		"heartbeats":   broker.HeartbeatStream,
	})
	srv := registry.NewServer(d.cfg.RegistryAddr, d.cfg.PublicURL, reg)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reg.Run(ctx) })
	g.Go(func() error {
		err := srv.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runNotifier(ctx context.Context, d *deps) error {
	dispatcher := notify.NewDispatcher(
		d.broker,
		notify.NewWebhookSender(d.store),
		notify.NewRedisEmailQueue(d.redis),
		d.redis,
	)
	return dispatcher.Run(ctx)
}
