package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nhle/roadmap-sync/internal/model"
	"github.com/nhle/roadmap-sync/internal/source/azure"
	"github.com/nhle/roadmap-sync/internal/theme"
)

func newProjectsCommand(e *env) *cobra.Command {
	var (
		org      string
		patStdin bool
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "projects [ROADMAP]",
		Short: "List the Azure DevOps projects a token can see",
		Long: `List the Azure DevOps projects a token can see.

With a ROADMAP the stored organization and token are used unless --org or
--pat-stdin override them. Without one both must be given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			override := azure.Connection{OrganizationURL: org}
			if patStdin {
				if override.PAT, err = readSecret(cmd.InOrStdin()); err != nil {
					return err
				}
			}

			roadmapID := ""
			if len(args) == 1 {
				r, err := resolveRoadmap(ctx, a.Store, args[0])
				if err != nil {
					return err
				}
				roadmapID = r.ID
			} else if override.OrganizationURL == "" || override.PAT == "" {
				return fmt.Errorf("without a roadmap both --org and --pat-stdin are required")
			}

			projects, err := a.Service.ListProjects(ctx, roadmapID, override)
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), projects)
			}
			rows := make([][]string, 0, len(projects))
			for _, p := range projects {
				rows = append(rows, []string{p.Name, p.State, truncate(p.Description, 60)})
			}
			fmt.Fprintln(cmd.OutOrStdout(), theme.Table([]string{"Name", "State", "Description"}, rows, nil))
			return nil
		},
	}

	cmd.Flags().StringVar(&org, "org", "", "organization URL")
	cmd.Flags().BoolVar(&patStdin, "pat-stdin", false, "read the personal access token from stdin")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newResolveCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve ROADMAP URL",
		Short: "Map a single work item URL to a roadmap item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			r, err := resolveRoadmap(ctx, a.Store, args[0])
			if err != nil {
				return err
			}
			item, err := a.Service.ResolveWorkItem(ctx, r.ID, args[1])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), item)
		},
	}
}

func newCommentsCommand(e *env) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "comments ROADMAP WORK_ITEM_ID",
		Short: "Show the discussion of a work item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			r, err := resolveRoadmap(ctx, a.Store, args[0])
			if err != nil {
				return err
			}
			comments, err := a.Service.FetchComments(ctx, r.ID, args[1])
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), comments)
			}
			if len(comments) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), theme.HelpStyle.Render("no comments"))
				return nil
			}
			for _, c := range comments {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n%s\n\n",
					theme.HeaderStyle.Render(c.Author), theme.HelpStyle.Render(c.CreatedAt), c.Body)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newRelatedCommand(e *env) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "related ROADMAP WORK_ITEM_ID",
		Short: "List the work items linked to a work item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			r, err := resolveRoadmap(ctx, a.Store, args[0])
			if err != nil {
				return err
			}
			related, err := a.Service.FetchRelatedItems(ctx, r.ID, args[1])
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), related)
			}
			rows := make([][]string, 0, len(related))
			for _, it := range related {
				rows = append(rows, []string{it.ID, it.Relation, it.Type, truncate(it.Title, 48), it.State})
			}
			fmt.Fprintln(cmd.OutOrStdout(), theme.Table([]string{"ID", "Relation", "Type", "Title", "State"}, rows, nil))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newValidateCommand(e *env) *cobra.Command {
	var (
		patStdin bool
		asJSON   bool
		flags    azureFlags
	)

	cmd := &cobra.Command{
		Use:   "validate ROADMAP",
		Short: "Dry-run an Azure DevOps configuration without saving it",
		Long: `Dry-run an Azure DevOps configuration without saving it.

Flags are applied on top of the stored configuration; --pat-stdin tests a
token other than the stored one. Warnings never block fetching; missing
fields name explicit mappings the organization does not define.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			r, err := resolveRoadmap(ctx, a.Store, args[0])
			if err != nil {
				return err
			}

			var candidate *model.AzureConfig
			if flags.changed(cmd) {
				sum, err := a.Service.Summary(ctx, r.ID)
				if err != nil {
					return err
				}
				cfg := model.AzureConfig{}
				if sum.Config != nil {
					cfg = *sum.Config
				}
				flags.apply(cmd, &cfg)
				candidate = &cfg
			}

			var pat *string
			if patStdin {
				s, err := readSecret(cmd.InOrStdin())
				if err != nil {
					return err
				}
				pat = &s
			}

			res, err := a.Service.ValidateConfig(ctx, r.ID, candidate, pat)
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			for _, f := range res.MissingFields {
				fmt.Fprintln(cmd.OutOrStdout(), theme.ErrorStyle.Render("missing field: "+f))
			}
			for _, w := range res.Warnings {
				fmt.Fprintln(cmd.OutOrStdout(), theme.WarningStyle.Render("warning: "+w))
			}
			if len(res.MissingFields) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), theme.StateStyle("synced").Render("configuration is usable"))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&patStdin, "pat-stdin", false, "read the personal access token from stdin")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	flags.register(cmd)
	return cmd
}

func newSampleCommand(e *env) *cobra.Command {
	var size int

	cmd := &cobra.Command{
		Use:   "sample ROADMAP",
		Short: "Print raw work item documents for field-mapping diagnosis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			r, err := resolveRoadmap(ctx, a.Store, args[0])
			if err != nil {
				return err
			}
			docs, err := a.Service.SampleRaw(ctx, r.ID, size)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), docs); err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), theme.HelpStyle.Render(strconv.Itoa(len(docs))+" documents"))
			return nil
		},
	}

	cmd.Flags().IntVarP(&size, "size", "n", 5, "number of documents (1-200)")
	return cmd
}
