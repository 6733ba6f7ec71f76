package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/kernelkeeper/pkg/client"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags are shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

func (g *GlobalFlags) client() *client.Client {
	return client.New(client.Config{BaseURL: g.APIUrl, Timeout: g.APITimeout})
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := createRootCommand(flags)
	root.AddCommand(
		createServeCommand(flags),
		createStartCommand(flags),
		createStopCommand(flags),
		createRestartCommand(flags),
		createStatusCommand(flags),
		createVersionCommand(flags),
		createDownloadCommand(flags),
		createLatestCommand(flags),
		createRelayCommand(flags),
		createWatchCommand(flags),
		createKernelConfigCommand(flags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "kernelkeeper",
		Short: "sing-box kernel supervisor and telemetry relay",
		Long: `kernelkeeper runs a sing-box kernel, relays its traffic, memory, log and
connection streams to local subscribers, and installs kernel releases.

Examples:
  kernelkeeper serve kernelkeeper.toml   # Start daemon
  kernelkeeper start                     # Start the kernel via the daemon
  kernelkeeper watch --events traffic-data
  kernelkeeper status --api-url=http://remote:9530/api`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", client.DefaultBaseURL, "daemon API base URL")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "daemon API request timeout")

	return root
}
