package azure

import (
	"strings"

	"github.com/nhle/roadmap-sync/internal/model"
)

// closedStates are excluded from simple queries unless IncludeClosed is set.
var closedStates = []string{"Closed", "Done", "Removed"}

// defaultWorkItemTypes apply when no types are configured.
var defaultWorkItemTypes = []string{"Epic", "Feature"}

const orderClause = " ORDER BY [Microsoft.VSTS.Scheduling.StartDate] ASC, [System.Id] ASC"

// wiqlString quotes a WIQL string literal.
func wiqlString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func wiqlList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = wiqlString(v)
	}
	return strings.Join(quoted, ", ")
}

// BuildWIQL returns the WIQL statement for a sanitized configuration. Saved
// queries have no statement and return "".
//
// A simple-mode QueryTemplate may reference {project}, {areaPath} and
// {workItemTypes}; each is replaced by an already quoted WIQL literal (or
// literal list), so templates write `[System.AreaPath] UNDER {areaPath}`.
func BuildWIQL(cfg model.AzureConfig) string {
	if cfg.QueryMode == model.QueryModeAdvanced {
		if cfg.QueryType == model.QueryTypeSaved {
			return ""
		}
		return cfg.Query
	}

	types := cfg.WorkItemTypes
	if len(types) == 0 {
		types = defaultWorkItemTypes
	}

	if cfg.QueryTemplate != "" {
		areaPath := cfg.AreaPath
		if areaPath == "" {
			areaPath = cfg.Project
		}
		return strings.NewReplacer(
			"{project}", wiqlString(cfg.Project),
			"{areaPath}", wiqlString(areaPath),
			"{workItemTypes}", wiqlList(types),
		).Replace(cfg.QueryTemplate)
	}

	clauses := []string{"[System.TeamProject] = " + wiqlString(cfg.Project)}
	if cfg.AreaPath != "" {
		clauses = append(clauses, "[System.AreaPath] UNDER "+wiqlString(cfg.AreaPath))
	}
	clauses = append(clauses, "[System.WorkItemType] IN ("+wiqlList(types)+")")
	if !cfg.IncludeClosed {
		clauses = append(clauses, "[System.State] NOT IN ("+wiqlList(closedStates)+")")
	}

	return "SELECT [System.Id] FROM WorkItems WHERE " + strings.Join(clauses, " AND ") + orderClause
}
