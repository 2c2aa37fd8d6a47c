package cli

import (
	"github.com/spf13/cobra"

	"github.com/ent0n29/foreman/internal/config"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "foreman",
		Short: "Supervise AI coding assistant sessions and their task queues",
		Long: `foreman keeps one interactive AI coding assistant per project running
inside a detachable tmux session, feeds it queued commands in priority order,
and commits or pushes the project's work according to its git policy.

Running 'foreman' without a subcommand is equivalent to 'foreman serve'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, args)
		},
	}

	root.PersistentFlags().String("projects", "", "Path to the project registry (overrides PROJECTS_FILE)")
	root.PersistentFlags().String("database-url", "", "Store URL (overrides DATABASE_URL)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newProjectsCmd())
	root.AddCommand(newTasksCmd())
	return root
}

// Execute runs the command tree against os.Args.
func Execute() error {
	return newRootCmd().Execute()
}

// loadConfig reads the environment and applies persistent flag overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if v, _ := cmd.Flags().GetString("projects"); v != "" {
		cfg.ProjectsFile = v
	}
	if v, _ := cmd.Flags().GetString("database-url"); v != "" {
		cfg.DatabaseURL = v
	}
	return cfg, nil
}
