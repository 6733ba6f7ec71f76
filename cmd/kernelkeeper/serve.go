package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/kernelkeeper"
)

func createServeCommand(flags *GlobalFlags) *cobra.Command {
	var autoStart bool
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the kernelkeeper daemon",
		Long: `Start the daemon serving the HTTP API, event streams and (optionally) metrics.
Configuration comes from the TOML file, KERNELKEEPER_* environment variables
and built-in defaults.

Examples:
  kernelkeeper serve                      # defaults and environment only
  kernelkeeper serve kernelkeeper.toml
  kernelkeeper serve --start              # also start the kernel`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, path, autoStart)
		},
	}
	cmd.Flags().BoolVar(&autoStart, "start", false, "start the kernel once the daemon is up")
	return cmd
}

func runServe(ctx context.Context, path string, autoStart bool) error {
	cfg, err := kernelkeeper.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	k, err := kernelkeeper.New(cfg)
	if err != nil {
		return err
	}
	if autoStart {
		if err := k.Start(); err != nil {
			k.Logger().Error("kernel start failed", "error", err)
		}
	}
	return k.Serve(ctx)
}
