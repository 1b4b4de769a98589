package main

import (
	"github.com/BranchIntl/queuectl/core"
	"github.com/spf13/cobra"
)

func workerCmd(a *app) *cobra.Command {
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run workers",
	}

	var (
		count int
		drain bool
		shell bool
	)

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start workers in the foreground until interrupted",
		Long: `Start workers in the foreground. SIGINT or SIGTERM lets in-flight jobs
finish before exiting. With --drain the workers exit once no eligible job
is left.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("count") {
				count = a.cfg.Worker.Count
			}
			if !cmd.Flags().Changed("shell") {
				shell = a.cfg.Worker.Shell
			}

			store, err := a.newStore()
			if err != nil {
				return err
			}
			stats, err := a.newStatistics()
			if err != nil {
				return err
			}

			engine := core.NewEngine(store, a.newExecutor(shell), stats, a.engineOptions(count, drain)...)
			return engine.Run(cmd.Context())
		},
	}
	startCmd.Flags().IntVarP(&count, "count", "n", 1, "number of concurrent workers (default worker.count)")
	startCmd.Flags().BoolVar(&drain, "drain", false, "exit once the queue has no eligible jobs")
	startCmd.Flags().BoolVar(&shell, "shell", true, "run commands through /bin/sh -c (default worker.shell)")

	workerCmd.AddCommand(startCmd)
	return workerCmd
}
