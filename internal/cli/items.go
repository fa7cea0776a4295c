package cli

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nhle/roadmap-sync/internal/model"
	"github.com/nhle/roadmap-sync/internal/source/csv"
	"github.com/nhle/roadmap-sync/internal/theme"
)

func newItemsCommand(e *env) *cobra.Command {
	var (
		force  bool
		format string
		out    string
	)

	cmd := &cobra.Command{
		Use:   "items ROADMAP",
		Short: "Print a roadmap's items",
		Long: `Print a roadmap's items.

Azure DevOps roadmaps are answered from the cached snapshot while it is
fresh; --force always fetches live. When a live fetch fails and a snapshot
exists, the snapshot is printed and a warning goes to stderr.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch format {
			case formatTable, formatJSON, formatCSV:
			default:
				return fmt.Errorf("unsupported format %q (want table, json or csv)", format)
			}

			a, err := e.open(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			r, err := resolveRoadmap(ctx, a.Store, args[0])
			if err != nil {
				return err
			}
			res, err := a.Service.FetchItems(ctx, r.ID, force)
			if err != nil {
				return err
			}

			if res.Warning != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), theme.WarningStyle.Render("warning: "+res.Warning))
			}
			if res.Truncated {
				fmt.Fprintln(cmd.ErrOrStderr(), theme.WarningStyle.Render("warning: results were truncated; raise --max-items to see more"))
			}

			var rendered string
			switch format {
			case formatJSON:
				var buf bytes.Buffer
				if err := writeJSON(&buf, res); err != nil {
					return err
				}
				rendered = buf.String()
			case formatCSV:
				if rendered, err = csv.Serialize(res.Items); err != nil {
					return err
				}
			default:
				rendered = itemsTable(res.Items) + "\n" + itemsFooter(res.Items, res.Stale)
			}

			if err := emit(cmd.OutOrStdout(), out, rendered); err != nil {
				return err
			}
			if out != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d items to %s\n", len(res.Items), out)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "bypass the cached snapshot")
	cmd.Flags().StringVar(&format, "format", formatTable, "output format: table, json or csv")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to a file instead of stdout")
	return cmd
}

func itemsFooter(items []model.RoadmapItem, stale bool) string {
	footer := strconv.Itoa(len(items)) + " items"
	if stale {
		footer += " (stale)"
	}
	return theme.HelpStyle.Render(footer) + "\n"
}

func newStatusCommand(e *env) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status ROADMAP",
		Short: "Show a roadmap's datasource configuration and sync state",
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
			sum, err := a.Service.Summary(ctx, r.ID)
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), sum)
			}

			pairs := [][2]string{
				{"Roadmap", r.Name + " (" + r.ID + ")"},
				{"Type", string(sum.Type)},
				{"State", theme.StateStyle(string(sum.State)).Render(string(sum.State))},
			}
			if cfg := sum.Config; cfg != nil {
				pairs = append(pairs,
					[2]string{"Organization", cfg.OrganizationURL},
					[2]string{"Project", cfg.Project},
					[2]string{"Query mode", cfg.QueryMode},
					[2]string{"Refresh", strconv.Itoa(cfg.RefreshMinutes) + " min"},
					[2]string{"Max items", strconv.Itoa(cfg.MaxItems)},
					[2]string{"Missing dates", cfg.MissingDateStrategy},
					[2]string{"Token stored", strconv.FormatBool(sum.HasSecret)},
				)
			}
			if sum.Type == model.DatasourceAzure {
				pairs = append(pairs,
					[2]string{"Cached items", strconv.Itoa(sum.SnapshotItems)},
					[2]string{"Fresh", strconv.FormatBool(sum.Fresh)},
					[2]string{"Last sync", formatTime(sum.LastSyncAt)},
					[2]string{"Last attempt", formatTime(sum.LastAttemptAt)},
					[2]string{"Duration", strconv.FormatInt(sum.LastSyncDurationMs, 10) + " ms"},
				)
				if sum.LastSyncError != "" {
					pairs = append(pairs, [2]string{"Last error", theme.ErrorStyle.Render(sum.LastSyncError)})
				}
			}

			fmt.Fprintln(cmd.OutOrStdout(), keyValueTable(pairs))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
