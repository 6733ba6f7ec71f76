package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loykin/kernelkeeper"
	"github.com/loykin/kernelkeeper/internal/jsonconfig"
)

// KernelConfigFlags select the kernel JSON config file to edit.
type KernelConfigFlags struct {
	File   string
	Create bool
}

func (f *KernelConfigFlags) path(g *GlobalFlags) (string, error) {
	if f.File != "" {
		return f.File, nil
	}
	cfg, err := kernelkeeper.LoadConfig(g.ConfigPath)
	if err != nil {
		return "", fmt.Errorf("error loading config: %w", err)
	}
	return cfg.KernelConfigPath(), nil
}

func createKernelConfigCommand(flags *GlobalFlags) *cobra.Command {
	kf := &KernelConfigFlags{}
	cmd := &cobra.Command{
		Use:   "kernel-config",
		Short: "Read or edit the kernel's JSON config file",
		Long: `Read or edit keys of the kernel config (JSON, comments allowed) by dotted path.
The file defaults to <work_dir>/sing-box/<kernel.config_file> from --config.

Examples:
  kernelkeeper kernel-config get experimental.clash_api.secret
  kernelkeeper kernel-config set experimental.clash_api.external_controller '"127.0.0.1:9090"'
  kernelkeeper kernel-config set log.level debug --create`,
	}
	cmd.PersistentFlags().StringVar(&kf.File, "file", "", "kernel config file (overrides --config)")

	get := &cobra.Command{
		Use:   "get [key.path]",
		Short: "Print a value (the whole document without a key)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := kf.path(flags)
			if err != nil {
				return err
			}
			doc, err := jsonconfig.Load(p)
			if err != nil {
				return err
			}
			var keys []string
			if len(args) == 1 {
				keys = jsonconfig.SplitPath(args[0])
			}
			v, err := doc.Get(keys...)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), v)
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set <key.path> <value>",
		Short: "Replace a value; the value is parsed as JSON, falling back to a string",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := kf.path(flags)
			if err != nil {
				return err
			}
			doc, err := jsonconfig.Load(p)
			if err != nil {
				return err
			}
			keys := jsonconfig.SplitPath(args[0])
			v := jsonconfig.ParseValue(args[1])
			if kf.Create {
				err = doc.Set(keys, v)
			} else {
				err = doc.Modify(keys, v)
			}
			if err != nil {
				return err
			}
			if err := doc.Save(); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "updated %s in %s\n", args[0], p)
			return nil
		},
	}
	set.Flags().BoolVar(&kf.Create, "create", false, "create missing keys and intermediate objects")

	cmd.AddCommand(get, set)
	return cmd
}
