package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/nhle/roadmap-sync/internal/model"
	"github.com/nhle/roadmap-sync/internal/theme"
)

func newCreateCommand(e *env) *cobra.Command {
	var csvPath string

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a roadmap backed by CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			r, err := a.Store.CreateRoadmap(ctx, model.Roadmap{Name: args[0]})
			if err != nil {
				return err
			}

			if csvPath != "" {
				text, err := readInput(cmd.InOrStdin(), csvPath)
				if err != nil {
					return err
				}
				items, err := a.Service.ImportCSV(ctx, r.ID, text)
				if err != nil {
					return fmt.Errorf("roadmap %s created but the CSV was rejected: %w", r.ID, err)
				}
				a.Logger.Debug("imported csv", "roadmap", r.ID, "items", len(items))
			}

			fmt.Fprintln(cmd.OutOrStdout(), r.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&csvPath, "csv", "", "initial CSV document (- for stdin)")
	return cmd
}

func newListCommand(e *env) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List roadmaps with their datasource state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			roadmaps, err := a.Store.ListRoadmaps(ctx)
			if err != nil {
				return err
			}

			type entry struct {
				model.Roadmap
				Datasource any `json:"datasource"`
			}
			entries := make([]entry, 0, len(roadmaps))
			rows := make([][]string, 0, len(roadmaps))
			states := make([]string, 0, len(roadmaps))
			for _, r := range roadmaps {
				sum, err := a.Service.Summary(ctx, r.ID)
				if err != nil {
					return err
				}
				entries = append(entries, entry{Roadmap: r, Datasource: sum})
				states = append(states, string(sum.State))
				rows = append(rows, []string{
					r.ID,
					r.Name,
					string(sum.Type),
					string(sum.State),
					strconv.Itoa(sum.SnapshotItems),
					formatTime(sum.LastSyncAt),
				})
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), theme.HelpStyle.Render("no roadmaps yet; create one with 'roadmap create NAME'"))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), theme.Table(
				[]string{"ID", "Name", "Type", "State", "Cached", "Last sync"},
				rows,
				func(row, col int, base lipgloss.Style) lipgloss.Style {
					if col == 3 && row >= 0 && row < len(states) {
						return base.Inherit(theme.StateStyle(states[row]))
					}
					return base
				},
			))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newDeleteCommand(e *env) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete ROADMAP",
		Short: "Delete a roadmap and its datasource",
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

			if !yes {
				confirmed := false
				err := huh.NewConfirm().
					Title(fmt.Sprintf("Delete roadmap %q?", r.Name)).
					Description("Its datasource configuration, token and cached items are removed too.").
					Affirmative("Delete").
					Negative("Cancel").
					Value(&confirmed).
					Run()
				if errors.Is(err, huh.ErrUserAborted) || (err == nil && !confirmed) {
					fmt.Fprintln(cmd.OutOrStdout(), "cancelled")
					return nil
				}
				if err != nil {
					return err
				}
			}

			if err := a.Store.DeleteRoadmap(ctx, r.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", r.ID)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func newImportCSVCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "import-csv ROADMAP FILE",
		Short: "Replace a roadmap's CSV document (- reads stdin)",
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
			text, err := readInput(cmd.InOrStdin(), args[1])
			if err != nil {
				return err
			}
			items, err := a.Service.ImportCSV(ctx, r.ID, text)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "imported %d items into %s\n", len(items), r.Name)

			sum, err := a.Service.Summary(ctx, r.ID)
			if err == nil && sum.Type != model.DatasourceCSV {
				fmt.Fprintln(cmd.ErrOrStderr(), theme.WarningStyle.Render(
					"note: the roadmap reads from "+string(sum.Type)+"; the CSV is used once it is switched back to csv"))
			}
			return nil
		},
	}
}
