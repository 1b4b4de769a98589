package main

import (
	"fmt"

	"github.com/BranchIntl/queuectl/config"
	"github.com/spf13/cobra"
)

func configCmd(a *app) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show [key]",
		Short: "Print the effective configuration, or one value",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				value, err := a.cfg.Get(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), value)
				return nil
			}

			data, err := a.cfg.Marshal()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value in the config file",
		Long: `Set a configuration value in the config file. Keys are dotted paths such as
worker.job_timeout, or one of the short aliases max-retries, backoff-base,
max-backoff, workers, job-timeout and stale-after.`,
		Args:        cobra.ExactArgs(2),
		Annotations: map[string]string{skipConfigLoad: ""},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.path()
			cfg, err := config.LoadFile(path)
			if err != nil {
				return err
			}
			if err := cfg.Set(args[0], args[1]); err != nil {
				return err
			}
			if err := cfg.Save(path); err != nil {
				return err
			}

			value, err := cfg.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s (saved to %s)\n", args[0], value, path)
			return nil
		},
	}

	pathCmd := &cobra.Command{
		Use:         "path",
		Short:       "Print the config file path",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfigLoad: ""},
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), a.path())
			return nil
		},
	}

	configCmd.AddCommand(showCmd, setCmd, pathCmd)
	return configCmd
}
