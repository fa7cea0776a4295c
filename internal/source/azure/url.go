package azure

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/nhle/roadmap-sync/internal/source"
)

// WorkItemRef identifies a work item parsed from a browser or API URL.
type WorkItemRef struct {
	OrganizationURL string
	Organization    string
	Project         string
	ID              int
}

// ParseWorkItemURL accepts
//
//	https://dev.azure.com/{org}/{project}/_workitems/edit/{id}
//	https://{org}.visualstudio.com/{project}/_workitems/edit/{id}
//
// and the matching _apis/wit/workItems/{id} REST URLs.
func ParseWorkItemURL(raw string) (WorkItemRef, error) {
	raw = strings.TrimSpace(raw)
	invalid := func(reason string) (WorkItemRef, error) {
		return WorkItemRef{}, &source.InvalidURLError{URL: raw, Reason: reason}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return invalid("not a URL")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return invalid("scheme must be http or https")
	}

	host := strings.ToLower(u.Hostname())
	segments := splitPath(u.Path)

	var ref WorkItemRef
	switch {
	case host == "dev.azure.com":
		if len(segments) < 2 {
			return invalid("missing organization or project")
		}
		ref.Organization = segments[0]
		ref.OrganizationURL = "https://dev.azure.com/" + escape(segments[0])
		segments = segments[1:]
	case strings.HasSuffix(host, ".visualstudio.com"):
		ref.Organization = strings.TrimSuffix(host, ".visualstudio.com")
		ref.OrganizationURL = "https://" + host
		if len(segments) > 0 && strings.EqualFold(segments[0], "DefaultCollection") {
			segments = segments[1:]
		}
	default:
		return invalid("host is not an Azure DevOps organization")
	}

	if len(segments) < 3 {
		return invalid("missing work item id")
	}
	ref.Project = segments[0]
	rest := segments[1:]

	var idSegment string
	switch {
	case len(rest) >= 3 && strings.EqualFold(rest[0], "_workitems") && strings.EqualFold(rest[1], "edit"):
		idSegment = rest[2]
	case len(rest) >= 4 && strings.EqualFold(rest[0], "_apis") && strings.EqualFold(rest[1], "wit") &&
		strings.EqualFold(rest[2], "workitems"):
		idSegment = rest[3]
	default:
		return invalid("not a work item link")
	}

	id, err := strconv.Atoi(idSegment)
	if err != nil || id <= 0 {
		return invalid("work item id must be a positive number")
	}
	ref.ID = id

	return ref, nil
}

func splitPath(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// workItemLink builds the browser URL of a work item.
func workItemLink(orgURL, project string, id int) string {
	return trimOrgURL(orgURL) + "/" + escape(project) + "/_workitems/edit/" + strconv.Itoa(id)
}

// idFromAPIURL extracts the trailing work item id of a relation URL such as
// https://dev.azure.com/org/_apis/wit/workItems/42.
func idFromAPIURL(raw string) (int, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return 0, false
	}
	segments := splitPath(u.Path)
	if len(segments) < 2 || !strings.EqualFold(segments[len(segments)-2], "workitems") {
		return 0, false
	}
	id, err := strconv.Atoi(segments[len(segments)-1])
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
