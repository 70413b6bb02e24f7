package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"docker2mqtt/config"
	"docker2mqtt/internal/bridge"
	"docker2mqtt/internal/buildinfo"
	"docker2mqtt/internal/logging"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		logFormat  string
		dataDir    string
		driver     string
	)

	cmd := &cobra.Command{
		Use:           "docker2mqtt",
		Short:         "Bridge Docker container state to MQTT and Home Assistant",
		Version:       buildinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
				return fmt.Errorf("environment: %w", err)
			}
			flags := cmd.Flags()
			if flags.Changed("debug") {
				cfg.Debug = debug
			}
			if flags.Changed("log-format") {
				cfg.LogFormat = logFormat
			}
			if flags.Changed("data-dir") {
				cfg.DataDir = dataDir
			}
			if flags.Changed("driver") {
				cfg.Runtime.Driver = driver
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			level := logging.LevelInfo
			if cfg.Debug {
				level = logging.LevelDebug
			}
			if err := logging.Configure(level, cfg.LogFormat); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			slog.Info("starting docker2mqtt",
				"version", buildinfo.Version,
				"broker", cfg.MQTT.Broker(),
				"driver", cfg.Runtime.Driver,
				"hostname", cfg.Hostname)
			b, err := bridge.Wire(ctx, cfg)
			if err != nil {
				return err
			}
			err = b.Run(ctx)
			slog.Info("docker2mqtt stopped")
			return err
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&logFormat, "log-format", logging.FormatText, "Log format (text or json)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory for the topic ledger and event cursor (empty keeps them in memory)")
	cmd.Flags().StringVar(&driver, "driver", config.DriverAPI, "Runtime driver (api or cli)")
	return cmd
}
