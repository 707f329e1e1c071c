// Command server runs the dbflow HTTP API, the ticket orchestrator and its
// periodic tasks.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nomis52/dbflow/buildinfo"
	"github.com/nomis52/dbflow/config"
	"github.com/nomis52/dbflow/logging"
	"github.com/nomis52/dbflow/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:          "dbflow-server",
		Short:        "dbflow server - database operations orchestration",
		Version:      buildinfo.Get().Version,
		SilenceUsage: true,
		Example: `  dbflow-server --config /etc/dbflow/config.yaml
  DBFLOW_LISTEN_ADDR=:9090 dbflow-server -c config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}

	cmd.Flags().StringP("config", "c", "", "path to the config file")
	cmd.Flags().String("listen-addr", "", "listen address, overrides listener.addr")
	cmd.Flags().String("log-level", "", "log level, overrides logging.level")
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("DBFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return cmd
}

func run(ctx context.Context, v *viper.Viper) error {
	path := v.GetString("config")
	if path == "" {
		return fmt.Errorf("config flag (-c or --config) or DBFLOW_CONFIG is required")
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}
	if level := v.GetString("log-level"); level != "" {
		if _, err := logging.ParseLevel(level); err != nil {
			return err
		}
		cfg.Logging.Level = level
	}

	var opts []server.Option
	if addr := v.GetString("listen-addr"); addr != "" {
		opts = append(opts, server.WithListenAddr(addr))
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	srv.Logger().Info("dbflow starting", "version", buildinfo.Get().Version, "config_path", path)
	return srv.Run(ctx)
}
