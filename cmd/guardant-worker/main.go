package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/guardant/guardant/pkg/config"
	"github.com/guardant/guardant/pkg/log"
	"github.com/guardant/guardant/pkg/metrics"
	"github.com/guardant/guardant/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "guardant-worker",
	Short: "GuardAnt worker ant - regional probe executor",
	Long: `A worker ant registers with a GuardAnt control plane, waits for
operator approval, then executes probe commands for its region. Results
are cached locally so broker outages never lose observations.`,
	Version: Version,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Register and start probing",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadWorker(configPath)
		if err != nil {
			return err
		}
		cfg.Version = Version
		log.Init(log.Config{Level: cfg.LogLevel, JSONOutput: cfg.LogJSON})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go serveOps(ctx, cfg.HTTPAddr)

		err = worker.New(cfg).Run(ctx)
		if err == context.Canceled {
			err = nil
		}
		return err
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"GuardAnt worker version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to worker YAML config")
	rootCmd.AddCommand(runCmd)
}

func serveOps(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger := log.WithComponent("ops")
		logger.Warn().Err(err).Msg("ops listener failed")
	}
}
