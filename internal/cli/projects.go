package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ent0n29/foreman/internal/project"
)

func newProjectsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "Inspect the project registry",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered projects and whether their directories are usable",
		Args:  cobra.NoArgs,
		RunE:  runProjectsList,
	})
	return cmd
}

func runProjectsList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	reg, err := project.LoadRegistry(cfg.ProjectsFile)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPATH\tDIRECTORY\tGIT")
	for _, p := range reg.List() {
		dir := "ok"
		if err := project.CheckDirectory(p.Path); err != nil {
			dir = "unavailable"
		}
		git := "off"
		if p.Git.Enabled {
			git = string(p.Git.CommitFrequency)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Path, dir, git)
	}
	return tw.Flush()
}
