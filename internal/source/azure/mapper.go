package azure

import (
	"html"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nhle/roadmap-sync/internal/model"
	"github.com/nhle/roadmap-sync/internal/normalize"
)

// Reference names read regardless of the field map.
const (
	refAreaPath    = "System.AreaPath"
	refCreatedDate = "System.CreatedDate"
	refTeamProject = "System.TeamProject"
	refTitle       = "System.Title"
	refState       = "System.State"
	refType        = "System.WorkItemType"
)

// DefaultFieldMap maps canonical fields to the Azure DevOps reference names
// used when the configuration does not override them.
var DefaultFieldMap = map[string]string{
	model.FieldTitle:                 "System.Title",
	model.FieldSubmitterName:         "System.CreatedBy",
	model.FieldSubmitterPriority:     "Microsoft.VSTS.Common.Priority",
	model.FieldLongDescription:       "System.Description",
	model.FieldDisposition:           "System.State",
	model.FieldStartDate:             "Microsoft.VSTS.Scheduling.StartDate",
	model.FieldEndDate:               "Microsoft.VSTS.Scheduling.TargetDate",
	model.FieldRequestedDeliveryDate: "Microsoft.VSTS.Scheduling.DueDate",
	model.FieldPointOfContact:        "System.AssignedTo",
	model.FieldLead:                  "System.AssignedTo",
	model.FieldTags:                  "System.Tags",
}

// UnplannedTag marks items kept by the unplanned missing date strategy.
const UnplannedTag = "Unplanned"

const (
	shortDescriptionLimit = 200
	fallbackWindow        = 90 * 24 * time.Hour
)

// htmlTagPattern matches HTML tags for stripping.
var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// stripHTML converts rich-text field values to plain text.
func stripHTML(s string) string {
	if s == "" {
		return ""
	}

	result := s
	for _, tag := range []string{
		"<br>", "<br/>", "<br />", "</p>", "</div>", "</li>",
	} {
		result = strings.ReplaceAll(result, tag, "\n")
	}

	result = htmlTagPattern.ReplaceAllString(result, "")
	result = strings.ReplaceAll(html.UnescapeString(result), "\u00a0", " ")

	for strings.Contains(result, "\n\n\n") {
		result = strings.ReplaceAll(result, "\n\n\n", "\n\n")
	}

	return strings.TrimSpace(result)
}

// mapper turns work items into canonical items for one configuration.
type mapper struct {
	fields            map[string]string
	stakeholderPrefix string
	regionPrefix      string
	orgURL            string
	project           string
}

func newMapper(cfg model.AzureConfig, orgURL string) mapper {
	return mapper{
		fields:            effectiveFieldMap(cfg),
		stakeholderPrefix: strings.ToLower(cfg.StakeholderTagPrefix),
		regionPrefix:      strings.ToLower(cfg.RegionTagPrefix),
		orgURL:            orgURL,
		project:           cfg.Project,
	}
}

// effectiveFieldMap overlays the configured field map on the defaults.
func effectiveFieldMap(cfg model.AzureConfig) map[string]string {
	fields := make(map[string]string, len(DefaultFieldMap)+len(cfg.FieldMap))
	for k, v := range DefaultFieldMap {
		fields[k] = v
	}
	for k, v := range cfg.FieldMap {
		if k == model.FieldID || k == model.FieldURL {
			continue
		}
		fields[k] = v
	}
	return fields
}

func (m mapper) toItem(wi WorkItem) model.RoadmapItem {
	var item model.RoadmapItem

	for field, ref := range m.fields {
		if field == model.FieldTags {
			continue
		}
		value := wi.Fields.Text(ref)
		if field == model.FieldLongDescription || field == model.FieldShortDescription {
			value = stripHTML(value)
		}
		item.Set(field, value)
	}

	project := wi.Fields.Text(refTeamProject)
	if project == "" {
		project = m.project
	}
	item.ID = strconv.Itoa(wi.ID)
	item.URL = workItemLink(m.orgURL, project, wi.ID)

	tags, stakeholders, regions := m.splitTags(wi.Fields.Text(m.fields[model.FieldTags]))
	item.Tags = strings.Join(tags, normalize.ListSeparator)
	item.ImpactedStakeholders = joinList(item.ImpactedStakeholders, stakeholders)
	item.Region = joinList(item.Region, regions)

	if _, mapped := m.fields[model.FieldShortDescription]; !mapped {
		item.ShortDescription = firstLine(item.LongDescription, shortDescriptionLimit)
	}
	if _, mapped := m.fields[model.FieldPillar]; !mapped {
		item.Pillar = lastAreaSegment(wi.Fields.Text(refAreaPath))
	}

	return normalize.Item(item)
}

// splitTags separates prefixed stakeholder and region tags from plain tags.
// System.Tags is a "; " separated list.
func (m mapper) splitTags(raw string) (tags, stakeholders, regions []string) {
	for _, tag := range strings.Split(raw, ";") {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		lower := strings.ToLower(tag)
		switch {
		case m.stakeholderPrefix != "" && strings.HasPrefix(lower, m.stakeholderPrefix):
			if v := strings.TrimSpace(tag[len(m.stakeholderPrefix):]); v != "" {
				stakeholders = append(stakeholders, v)
			}
		case m.regionPrefix != "" && strings.HasPrefix(lower, m.regionPrefix):
			if v := strings.TrimSpace(tag[len(m.regionPrefix):]); v != "" {
				regions = append(regions, v)
			}
		default:
			tags = append(tags, tag)
		}
	}
	return tags, stakeholders, regions
}

func joinList(existing string, extra []string) string {
	if len(extra) == 0 {
		return existing
	}
	if strings.TrimSpace(existing) != "" {
		extra = append([]string{existing}, extra...)
	}
	return strings.Join(extra, normalize.ListSeparator)
}

func firstLine(s string, limit int) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	line = strings.TrimSpace(line)
	if r := []rune(line); len(r) > limit {
		line = strings.TrimSpace(string(r[:limit]))
	}
	return line
}

func lastAreaSegment(areaPath string) string {
	segments := strings.Split(areaPath, `\`)
	return strings.TrimSpace(segments[len(segments)-1])
}

// applyMissingDates applies the configured strategy to an item lacking a
// start or end date. It reports whether the item is kept.
func applyMissingDates(item *model.RoadmapItem, wi WorkItem, strategy string, now time.Time) bool {
	switch strategy {
	case model.MissingDateSkip:
		return false
	case model.MissingDateUnplanned:
		item.StartDate, item.EndDate = "", ""
		item.Tags = normalize.Tags(joinList(item.Tags, []string{UnplannedTag}))
		return true
	}

	start, startOK := parseDate(item.StartDate)
	end, endOK := parseDate(item.EndDate)
	switch {
	case !startOK && !endOK:
		start = now
		if v, ok := wi.Fields.Lookup(refCreatedDate); ok && v.Kind == ValueDate {
			start = v.Time
		}
		end = start.Add(fallbackWindow)
	case !startOK:
		start = end.Add(-fallbackWindow)
	case !endOK:
		end = start.Add(fallbackWindow)
	}
	item.StartDate = start.Format(normalize.DateLayout)
	item.EndDate = end.Format(normalize.DateLayout)
	return true
}

func parseDate(s string) (time.Time, bool) {
	t, err := time.Parse(normalize.DateLayout, s)
	return t, err == nil
}

func hasPlannedDates(item model.RoadmapItem) bool {
	_, startOK := parseDate(item.StartDate)
	_, endOK := parseDate(item.EndDate)
	return startOK && endOK
}

// unmappedFields lists canonical fields that neither the field map nor a
// derivation rule can fill.
func unmappedFields(cfg model.AzureConfig) []string {
	fields := effectiveFieldMap(cfg)
	var out []string
	for _, f := range model.ItemFields {
		if _, ok := fields[f]; ok {
			continue
		}
		switch {
		case f == model.FieldID, f == model.FieldURL,
			f == model.FieldShortDescription, f == model.FieldPillar,
			f == model.FieldImpactedStakeholders && cfg.StakeholderTagPrefix != "",
			f == model.FieldRegion && cfg.RegionTagPrefix != "":
			continue
		}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
