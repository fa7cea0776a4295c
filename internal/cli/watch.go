package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	appsync "github.com/nhle/roadmap-sync/internal/sync"
	"github.com/nhle/roadmap-sync/internal/theme"
)

func newWatchCommand(e *env) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep Azure DevOps snapshots warm in the foreground",
		Long: `Keep Azure DevOps snapshots warm in the foreground.

Every interval each azure-devops roadmap is asked for its items without
forcing, so only expired snapshots are fetched. Press Ctrl+C to stop.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p := a.NewPoller(interval)
			p.Start(ctx)
			defer p.Stop()

			out := cmd.OutOrStdout()
			for {
				select {
				case <-ctx.Done():
					fmt.Fprintln(out, theme.HelpStyle.Render(summarizeStatuses(p.Statuses())))
					return nil
				case res := <-p.Results():
					fmt.Fprintln(out, formatSyncResult(res))
				}
			}
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval (default from sync.poll_interval_sec)")
	return cmd
}

func formatSyncResult(res appsync.SyncResult) string {
	stamp := time.Now().Format("15:04:05")
	switch {
	case res.AuthError:
		return fmt.Sprintf("%s %s %s", stamp, res.RoadmapID,
			theme.ErrorStyle.Render("authentication failed; store a new token with 'roadmap configure --pat-stdin'"))
	case res.Error != nil:
		return fmt.Sprintf("%s %s %s", stamp, res.RoadmapID, theme.ErrorStyle.Render(res.Error.Error()))
	case res.Stale:
		return fmt.Sprintf("%s %s %d items %s", stamp, res.RoadmapID, res.Items, theme.WarningStyle.Render("(stale: "+res.Warning+")"))
	default:
		return fmt.Sprintf("%s %s %d items", stamp, res.RoadmapID, res.Items)
	}
}

// summarizeStatuses returns a short string describing the combined state.
func summarizeStatuses(statuses []appsync.SyncStatus) string {
	if len(statuses) == 0 {
		return "no azure-devops roadmaps"
	}

	running := 0
	var failed []string
	for _, s := range statuses {
		switch s.State {
		case appsync.SyncRunning:
			running++
		case appsync.SyncError:
			failed = append(failed, s.RoadmapID)
		}
	}

	if running > 0 {
		return fmt.Sprintf("syncing (%d)", running)
	}
	if len(failed) > 0 {
		return "failing: " + strings.Join(failed, ", ")
	}
	return fmt.Sprintf("%d roadmaps idle", len(statuses))
}
