package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/kernelkeeper/pkg/client"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

// remote builds a command that calls the daemon and prints the JSON result.
func remote(flags *GlobalFlags, use, short string, call func(context.Context, *client.Client) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := call(cmd.Context(), flags.client())
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), v)
			return nil
		},
	}
}

func createStartCommand(flags *GlobalFlags) *cobra.Command {
	return remote(flags, "start", "Start the kernel", func(ctx context.Context, c *client.Client) (any, error) {
		return c.Start(ctx)
	})
}

func createStopCommand(flags *GlobalFlags) *cobra.Command {
	return remote(flags, "stop", "Stop the kernel", func(ctx context.Context, c *client.Client) (any, error) {
		return c.Stop(ctx)
	})
}

func createRestartCommand(flags *GlobalFlags) *cobra.Command {
	return remote(flags, "restart", "Restart the kernel", func(ctx context.Context, c *client.Client) (any, error) {
		return c.Restart(ctx)
	})
}

func createStatusCommand(flags *GlobalFlags) *cobra.Command {
	var detail bool
	cmd := remote(flags, "status", "Show kernel status", func(ctx context.Context, c *client.Client) (any, error) {
		return c.Status(ctx, detail)
	})
	cmd.Flags().BoolVar(&detail, "detail", false, "include process details (memory, start time)")
	return cmd
}

func createVersionCommand(flags *GlobalFlags) *cobra.Command {
	return remote(flags, "version", "Show the installed kernel version", func(ctx context.Context, c *client.Client) (any, error) {
		return c.Version(ctx)
	})
}

func createLatestCommand(flags *GlobalFlags) *cobra.Command {
	return remote(flags, "latest", "Compare the installed kernel with the latest release", func(ctx context.Context, c *client.Client) (any, error) {
		return c.Latest(ctx)
	})
}

func createDownloadCommand(flags *GlobalFlags) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download and install the latest kernel release",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := flags.client()
			out := cmd.OutOrStdout()
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			watching := make(chan struct{})
			if !quiet {
				go func() {
					defer close(watching)
					_ = c.Watch(ctx, []string{"download-progress"}, func(ev client.Event) error {
						var p struct {
							Status   string `json:"status"`
							Progress int    `json:"progress"`
							Message  string `json:"message"`
						}
						if json.Unmarshal(ev.Payload, &p) == nil {
							_, _ = fmt.Fprintf(out, "[%3d%%] %s: %s\n", p.Progress, p.Status, p.Message)
						}
						return nil
					})
				}()
			} else {
				close(watching)
			}

			res, err := c.Download(ctx)
			cancel()
			<-watching
			if err != nil {
				var apiErr *client.APIError
				if errors.As(err, &apiErr) && apiErr.Instructions != "" {
					return fmt.Errorf("%w\n%s", err, apiErr.Instructions)
				}
				return err
			}
			printJSON(out, res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&quiet, "quiet", false, "do not print progress")
	return cmd
}

func createRelayCommand(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Control the telemetry relay",
	}
	cmd.AddCommand(
		remote(flags, "start", "Start a relay session (replaces the current one)", func(ctx context.Context, c *client.Client) (any, error) {
			return c.RelayStart(ctx)
		}),
		remote(flags, "stop", "Stop the relay session", func(ctx context.Context, c *client.Client) (any, error) {
			stopped, err := c.RelayStop(ctx)
			return map[string]bool{"stopped": stopped}, err
		}),
		remote(flags, "status", "Show relay session health", func(ctx context.Context, c *client.Client) (any, error) {
			return c.RelayStatus(ctx)
		}),
	)
	return cmd
}

func createWatchCommand(flags *GlobalFlags) *cobra.Command {
	var names string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream daemon events as JSON lines",
		Long: `Stream events from the daemon until interrupted. Event names:
traffic-data, memory-data, log-data, connections-data, download-progress, kernel-status.

Examples:
  kernelkeeper watch
  kernelkeeper watch --events traffic-data,memory-data`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter []string
			for _, n := range strings.Split(names, ",") {
				if n = strings.TrimSpace(n); n != "" {
					filter = append(filter, n)
				}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			err := flags.client().Watch(cmd.Context(), filter, func(ev client.Event) error {
				return enc.Encode(ev)
			})
			if err != nil && cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&names, "events", "", "comma separated event names (default all)")
	return cmd
}
