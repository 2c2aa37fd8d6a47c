package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ent0n29/foreman/internal/project"
	"github.com/ent0n29/foreman/internal/session"
	"github.com/ent0n29/foreman/internal/store"
	"github.com/ent0n29/foreman/internal/tasks"
)

var errNoDurableStore = errors.New("task commands need a durable store: set DATABASE_URL or --database-url")

func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage project task queues in the configured store",
	}

	add := &cobra.Command{
		Use:   "add",
		Short: "Queue a command for a project",
		Args:  cobra.NoArgs,
		RunE:  runTasksAdd,
	}
	add.Flags().StringP("project", "p", "", "Project id (required)")
	add.Flags().StringP("command", "m", "", "Command sent to the assistant (required)")
	add.Flags().StringP("description", "d", "", "Human-readable description used in commit messages")
	add.Flags().Int("priority", 5, "Priority 0-10, higher runs first within a sort order")
	add.Flags().Int("sort-order", 0, "Explicit position; lower runs first")
	_ = add.MarkFlagRequired("project")
	_ = add.MarkFlagRequired("command")

	list := &cobra.Command{
		Use:   "list",
		Short: "List a project's tasks in pick order",
		Args:  cobra.NoArgs,
		RunE:  runTasksList,
	}
	list.Flags().StringP("project", "p", "", "Project id (required)")
	list.Flags().String("status", "", "Filter by status (pending, processing, completed, failed)")
	list.Flags().Int("limit", 50, "Maximum number of tasks")
	_ = list.MarkFlagRequired("project")

	reset := &cobra.Command{
		Use:   "reset <task-id>",
		Short: "Return a stale processing task to pending",
		Args:  cobra.ExactArgs(1),
		RunE:  runTasksReset,
	}

	cmd.AddCommand(add, list, reset)
	return cmd
}

// openTaskStore opens the configured store and registry; the in-memory
// store is refused because it would vanish with this process.
func openTaskStore(cmd *cobra.Command) (store.Store, *project.Registry, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, errNoDurableStore
	}
	reg, err := project.LoadRegistry(cfg.ProjectsFile)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cmd.Context(), cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return st, reg, nil
}

func runTasksAdd(cmd *cobra.Command, _ []string) error {
	st, reg, err := openTaskStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	projectID, _ := cmd.Flags().GetString("project")
	if _, err := reg.Get(projectID); err != nil {
		return err
	}
	command, _ := cmd.Flags().GetString("command")
	description, _ := cmd.Flags().GetString("description")
	priority, _ := cmd.Flags().GetInt("priority")
	sortOrder, _ := cmd.Flags().GetInt("sort-order")

	t, err := tasks.NewManager(st).Create(cmd.Context(), tasks.CreateRequest{
		ProjectID:   projectID,
		Command:     command,
		Description: description,
		Priority:    &priority,
		SortOrder:   sortOrder,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), t.ID)
	return nil
}

func runTasksList(cmd *cobra.Command, _ []string) error {
	st, reg, err := openTaskStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	projectID, _ := cmd.Flags().GetString("project")
	if _, err := reg.Get(projectID); err != nil {
		return err
	}
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")

	list, err := tasks.NewManager(st).List(cmd.Context(), projectID, tasks.ListFilter{
		Status: tasks.Status(status),
		Limit:  limit,
	})
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tORDER\tPRIORITY\tCOMMAND")
	for _, t := range list {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", t.ID, t.Status, t.SortOrder, t.Priority, t.Label())
	}
	return tw.Flush()
}

func runTasksReset(cmd *cobra.Command, args []string) error {
	st, _, err := openTaskStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	t, err := st.GetTask(ctx, args[0])
	if err != nil {
		return err
	}
	if err := ensureSessionIdle(ctx, st, t.ProjectID); err != nil {
		return err
	}
	reset, err := tasks.NewManager(st).Reset(ctx, t.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", reset.ID, reset.Status)
	return nil
}

// ensureSessionIdle refuses while the store records a running session for the
// project. Without tmux access the stored status is the best available signal.
func ensureSessionIdle(ctx context.Context, st session.Store, projectID string) error {
	latest, err := st.LatestSession(ctx, projectID)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if latest.Running() {
		return fmt.Errorf("project %s has a running session (%s); stop it before resetting tasks", projectID, latest.ID)
	}
	return nil
}
