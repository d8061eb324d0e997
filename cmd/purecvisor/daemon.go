package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/HardcoreMonk/purecvisor/internal/config"
	"github.com/HardcoreMonk/purecvisor/internal/engine"
	"github.com/HardcoreMonk/purecvisor/internal/logging"
	"github.com/HardcoreMonk/purecvisor/internal/metrics"
	"github.com/HardcoreMonk/purecvisor/internal/observability"
)

func daemonCmd() *cobra.Command {
	var (
		socketPath  string
		pool        string
		logLevel    string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the hypervisor control-plane daemon",
		Long:  "Run the engine: bind the control socket, manage VM lifecycles, and serve JSON-RPC requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("socket") {
				cfg.Daemon.SocketPath = socketPath
			}
			if cmd.Flags().Changed("pool") {
				cfg.Storage.Pool = pool
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Daemon.MetricsAddr = metricsAddr
			}

			logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)

			// Every operation shells to zfs and talks to libvirt; nothing
			// works unprivileged, so refuse early with a clear message.
			if os.Geteuid() != 0 {
				return errors.New("purecvisor must run as root to manage VMs and ZFS datasets")
			}

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Tracing.Enabled,
				Endpoint:    cfg.Tracing.Endpoint,
				ServiceName: cfg.Tracing.ServiceName,
				SampleRate:  cfg.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Daemon.MetricsAddr != "" {
				metrics.Init("purecvisor")
			}

			eng, err := engine.New(cfg)
			if err != nil {
				return err
			}

			// A dying client must not take the daemon with it.
			signal.Ignore(syscall.SIGPIPE)
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logging.Op().Info("engine starting",
				"socket", cfg.Daemon.SocketPath,
				"pool", cfg.Storage.Pool,
			)
			return eng.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&socketPath, "socket", "/tmp/purecvisor.sock", "Control socket path")
	cmd.Flags().StringVar(&pool, "pool", "tank", "ZFS pool holding VM volumes")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus listener address (empty disables)")

	return cmd
}
