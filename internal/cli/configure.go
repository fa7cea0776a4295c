package cli

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nhle/roadmap-sync/internal/model"
	appsync "github.com/nhle/roadmap-sync/internal/sync"
	"github.com/nhle/roadmap-sync/internal/theme"
)

// azureFlags are the Azure DevOps settings accepted on the command line.
// Only flags the user set are applied on top of the stored configuration.
type azureFlags struct {
	org               string
	project           string
	team              string
	areaPath          string
	types             []string
	includeClosed     bool
	stakeholderPrefix string
	regionPrefix      string
	queryMode         string
	queryType         string
	query             string
	queryTemplate     string
	refreshMinutes    int
	maxItems          int
	missingDates      string
	fields            map[string]string
}

func (f *azureFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.org, "org", "", "organization URL, e.g. https://dev.azure.com/contoso")
	fs.StringVar(&f.project, "project", "", "project name")
	fs.StringVar(&f.team, "team", "", "team name")
	fs.StringVar(&f.areaPath, "area-path", "", "area path filter (defaults to the project)")
	fs.StringSliceVar(&f.types, "types", nil, "work item types (default Epic,Feature)")
	fs.BoolVar(&f.includeClosed, "include-closed", false, "include Closed, Done and Removed items")
	fs.StringVar(&f.stakeholderPrefix, "stakeholder-prefix", "", "tag prefix marking impacted stakeholders")
	fs.StringVar(&f.regionPrefix, "region-prefix", "", "tag prefix marking the region")
	fs.StringVar(&f.queryMode, "query-mode", "", "simple or advanced")
	fs.StringVar(&f.queryType, "query-type", "", "wiql or saved (advanced mode)")
	fs.StringVar(&f.query, "query", "", "WIQL text or saved query id (advanced mode)")
	fs.StringVar(&f.queryTemplate, "query-template", "", "WIQL template with {project}, {areaPath} and {workItemTypes}")
	fs.IntVar(&f.refreshMinutes, "refresh-minutes", 0, "snapshot freshness window in minutes")
	fs.IntVar(&f.maxItems, "max-items", 0, "maximum number of items fetched")
	fs.StringVar(&f.missingDates, "missing-dates", "", "fallback, skip or unplanned")
	fs.StringToStringVar(&f.fields, "field", nil, "field mapping override, e.g. --field criticality=Custom.Criticality")
}

// changed reports whether any Azure DevOps flag was set.
func (f *azureFlags) changed(cmd *cobra.Command) bool {
	for _, name := range []string{
		"org", "project", "team", "area-path", "types", "include-closed",
		"stakeholder-prefix", "region-prefix", "query-mode", "query-type",
		"query", "query-template", "refresh-minutes", "max-items",
		"missing-dates", "field",
	} {
		if cmd.Flags().Changed(name) {
			return true
		}
	}
	return false
}

func (f *azureFlags) apply(cmd *cobra.Command, cfg *model.AzureConfig) {
	set := cmd.Flags().Changed
	if set("org") {
		cfg.OrganizationURL = f.org
	}
	if set("project") {
		cfg.Project = f.project
	}
	if set("team") {
		cfg.Team = f.team
	}
	if set("area-path") {
		cfg.AreaPath = f.areaPath
	}
	if set("types") {
		cfg.WorkItemTypes = f.types
	}
	if set("include-closed") {
		cfg.IncludeClosed = f.includeClosed
	}
	if set("stakeholder-prefix") {
		cfg.StakeholderTagPrefix = f.stakeholderPrefix
	}
	if set("region-prefix") {
		cfg.RegionTagPrefix = f.regionPrefix
	}
	if set("query-mode") {
		cfg.QueryMode = f.queryMode
	}
	if set("query-type") {
		cfg.QueryType = f.queryType
	}
	if set("query") {
		cfg.Query = f.query
	}
	if set("query-template") {
		cfg.QueryTemplate = f.queryTemplate
	}
	if set("refresh-minutes") {
		cfg.RefreshMinutes = f.refreshMinutes
	}
	if set("max-items") {
		cfg.MaxItems = f.maxItems
	}
	if set("missing-dates") {
		cfg.MissingDateStrategy = f.missingDates
	}
	if set("field") {
		merged := make(map[string]string, len(cfg.FieldMap)+len(f.fields))
		for k, v := range cfg.FieldMap {
			merged[k] = v
		}
		for k, v := range f.fields {
			merged[k] = v
		}
		cfg.FieldMap = merged
	}
}

func newConfigureCommand(e *env) *cobra.Command {
	var (
		typ         string
		patStdin    bool
		clearPAT    bool
		interactive bool
		flags       azureFlags
	)

	cmd := &cobra.Command{
		Use:   "configure ROADMAP",
		Short: "Set a roadmap's datasource",
		Long: `Set a roadmap's datasource to csv or azure-devops.

Azure DevOps settings not given as flags keep their stored values. The
personal access token is read from stdin with --pat-stdin or entered in
the interactive form; it is never accepted as a flag.`,
		Example: `  echo "$PAT" | roadmap configure Platform --type azure-devops \
      --org https://dev.azure.com/contoso --project Roadmap --pat-stdin
  roadmap configure Platform -i
  roadmap configure Platform --type csv`,
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
			current, err := a.Service.Summary(ctx, r.ID)
			if err != nil {
				return err
			}

			update := appsync.Update{Type: current.Type, ClearSecret: clearPAT}
			if cmd.Flags().Changed("type") {
				update.Type = model.DatasourceType(typ)
			} else if interactive || flags.changed(cmd) {
				update.Type = model.DatasourceAzure
			}

			if update.Type == model.DatasourceAzure {
				cfg := model.AzureConfig{}
				if current.Config != nil {
					cfg = *current.Config
				}
				flags.apply(cmd, &cfg)

				var pat string
				if patStdin {
					if pat, err = readSecret(cmd.InOrStdin()); err != nil {
						return err
					}
				}
				if interactive {
					if err := runAzureForm(&cfg, &pat, current.HasSecret); err != nil {
						if errors.Is(err, huh.ErrUserAborted) {
							fmt.Fprintln(cmd.OutOrStdout(), "cancelled")
							return nil
						}
						return err
					}
				}
				update.Azure = &cfg
				if pat != "" {
					update.Secret = &pat
				}
			}

			sum, err := a.Service.UpdateConfig(ctx, r.ID, update)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s now reads from %s (%s)\n",
				r.Name, sum.Type, theme.StateStyle(string(sum.State)).Render(string(sum.State)))
			if sum.Type == model.DatasourceAzure && !sum.HasSecret {
				fmt.Fprintln(cmd.ErrOrStderr(), theme.WarningStyle.Render(
					"no personal access token stored; fetching will fail until one is set with --pat-stdin"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&typ, "type", "", "datasource type: csv or azure-devops")
	cmd.Flags().BoolVar(&patStdin, "pat-stdin", false, "read the personal access token from stdin")
	cmd.Flags().BoolVar(&clearPAT, "clear-pat", false, "remove the stored personal access token")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "edit the configuration in a form")
	flags.register(cmd)
	return cmd
}

// runAzureForm edits cfg and pat in place.
func runAzureForm(cfg *model.AzureConfig, pat *string, hasSecret bool) error {
	types := strings.Join(cfg.WorkItemTypes, ", ")
	refresh := ""
	if cfg.RefreshMinutes > 0 {
		refresh = strconv.Itoa(cfg.RefreshMinutes)
	}
	strategy := cfg.MissingDateStrategy
	if strategy == "" {
		strategy = model.MissingDateFallback
	}

	patHelp := "Needs Work Items (Read) scope"
	if hasSecret {
		patHelp = "Leave blank to keep the stored token"
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Organization URL").
				Description("Azure DevOps organization (e.g., https://dev.azure.com/contoso)").
				Placeholder("https://dev.azure.com/contoso").
				Value(&cfg.OrganizationURL).
				Validate(validateURL),
			huh.NewInput().
				Title("Project").
				Value(&cfg.Project).
				Validate(validateRequired("Project")),
			huh.NewInput().
				Title("Personal Access Token").
				Description(patHelp).
				EchoMode(huh.EchoModePassword).
				Value(pat).
				Validate(func(s string) error {
					if hasSecret {
						return nil
					}
					return validateRequired("Token")(s)
				}),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Team").
				Description("Optional; scopes @CurrentIteration and team macros").
				Value(&cfg.Team),
			huh.NewInput().
				Title("Area path").
				Description("Defaults to the whole project").
				Value(&cfg.AreaPath),
			huh.NewInput().
				Title("Work item types").
				Description("Comma-separated; defaults to Epic, Feature").
				Value(&types),
			huh.NewConfirm().
				Title("Include closed items?").
				Value(&cfg.IncludeClosed),
			huh.NewInput().
				Title("Refresh interval (minutes)").
				Placeholder(strconv.Itoa(model.DefaultRefreshMinutes)).
				Value(&refresh).
				Validate(validateOptionalMinutes),
			huh.NewSelect[string]().
				Title("Items without dates").
				Options(
					huh.NewOption("Estimate a 90-day window", model.MissingDateFallback),
					huh.NewOption("Leave them out", model.MissingDateSkip),
					huh.NewOption("Keep them, tagged Unplanned", model.MissingDateUnplanned),
				).
				Value(&strategy),
		),
	)

	if err := form.Run(); err != nil {
		return err
	}

	cfg.WorkItemTypes = nil
	for _, t := range strings.Split(types, ",") {
		if t = strings.TrimSpace(t); t != "" {
			cfg.WorkItemTypes = append(cfg.WorkItemTypes, t)
		}
	}
	cfg.RefreshMinutes, _ = strconv.Atoi(strings.TrimSpace(refresh))
	cfg.MissingDateStrategy = strategy
	return nil
}

func validateRequired(fieldName string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", fieldName)
		}
		return nil
	}
}

func validateURL(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("URL is required")
	}
	parsed, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("URL must include scheme and host (e.g., https://dev.azure.com/contoso)")
	}
	return nil
}

func validateOptionalMinutes(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return fmt.Errorf("refresh interval must be a positive number of minutes")
	}
	if n > model.MaxRefreshMinutes {
		return fmt.Errorf("refresh interval must be at most %d minutes", model.MaxRefreshMinutes)
	}
	return nil
}
