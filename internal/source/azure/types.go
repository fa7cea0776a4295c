package azure

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// ValueKind tags the dynamic type of a work item field value.
type ValueKind int

const (
	ValueNull ValueKind = iota
	ValueString
	ValueNumber
	ValueBool
	ValueDate
	ValueIdentity
)

// IdentityRef is the shape Azure DevOps uses for person fields such as
// System.AssignedTo.
type IdentityRef struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	UniqueName  string `json:"uniqueName"`
}

// FieldValue is a decoded work item field. Exactly one payload member is
// meaningful, selected by Kind.
type FieldValue struct {
	Kind     ValueKind
	Str      string
	Num      float64
	Bool     bool
	Time     time.Time
	Identity IdentityRef
}

// UnmarshalJSON decodes any JSON value into the matching kind. Strings that
// parse as RFC 3339 timestamps become dates; objects carrying a display or
// unique name become identities; other objects and arrays are kept as their
// compact JSON text.
func (v *FieldValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*v = FieldValue{}

	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			v.Kind, v.Time = ValueDate, t
			return nil
		}
		v.Kind, v.Str = ValueString, s
	case 't', 'f':
		if err := json.Unmarshal(data, &v.Bool); err != nil {
			return err
		}
		v.Kind = ValueBool
	case '{':
		var id IdentityRef
		if err := json.Unmarshal(data, &id); err == nil && (id.DisplayName != "" || id.UniqueName != "") {
			v.Kind, v.Identity = ValueIdentity, id
			return nil
		}
		v.Kind, v.Str = ValueString, compactJSON(data)
	case '[':
		v.Kind, v.Str = ValueString, compactJSON(data)
	default:
		if err := json.Unmarshal(data, &v.Num); err != nil {
			return err
		}
		v.Kind = ValueNumber
	}
	return nil
}

// MarshalJSON writes the value back in its natural JSON form.
func (v FieldValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case ValueString:
		return json.Marshal(v.Str)
	case ValueNumber:
		return json.Marshal(v.Num)
	case ValueBool:
		return json.Marshal(v.Bool)
	case ValueDate:
		return json.Marshal(v.Time.Format(time.RFC3339Nano))
	case ValueIdentity:
		return json.Marshal(v.Identity)
	default:
		return []byte("null"), nil
	}
}

func compactJSON(data []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return string(data)
	}
	return buf.String()
}

// Text renders the value as a canonical item string. Dates become
// YYYY-MM-DD and identities their display name.
func (v FieldValue) Text() string {
	switch v.Kind {
	case ValueString:
		return v.Str
	case ValueNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case ValueBool:
		return strconv.FormatBool(v.Bool)
	case ValueDate:
		return v.Time.Format("2006-01-02")
	case ValueIdentity:
		if v.Identity.DisplayName != "" {
			return v.Identity.DisplayName
		}
		return v.Identity.UniqueName
	default:
		return ""
	}
}

// Fields holds a work item's fields keyed by reference name.
type Fields map[string]FieldValue

// Lookup finds a field by reference name. Reference names are matched
// case-insensitively, as Azure DevOps does.
func (f Fields) Lookup(ref string) (FieldValue, bool) {
	if v, ok := f[ref]; ok {
		return v, true
	}
	for k, v := range f {
		if strings.EqualFold(k, ref) {
			return v, true
		}
	}
	return FieldValue{}, false
}

// Text returns the canonical text of a field, or "" when absent.
func (f Fields) Text(ref string) string {
	v, _ := f.Lookup(ref)
	return v.Text()
}

// WorkItem is a single work item as returned by the work item APIs.
type WorkItem struct {
	ID        int        `json:"id"`
	Rev       int        `json:"rev"`
	Fields    Fields     `json:"fields"`
	Relations []Relation `json:"relations,omitempty"`
	URL       string     `json:"url"`
}

// Relation is a link from a work item to another resource.
type Relation struct {
	Rel        string         `json:"rel"`
	URL        string         `json:"url"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// ProjectInfo is an entry of GET _apis/projects.
type ProjectInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	State       string `json:"state"`
}

// ProjectList is the response of GET _apis/projects.
type ProjectList struct {
	Count int           `json:"count"`
	Value []ProjectInfo `json:"value"`
}

// WorkItemReference is a query hit.
type WorkItemReference struct {
	ID  int    `json:"id"`
	URL string `json:"url"`
}

// WorkItemLink is a hit of a tree or one-hop query.
type WorkItemLink struct {
	Rel    string             `json:"rel"`
	Source *WorkItemReference `json:"source"`
	Target *WorkItemReference `json:"target"`
}

// WIQLResult is the response of a WIQL query.
type WIQLResult struct {
	QueryType         string              `json:"queryType"`
	WorkItems         []WorkItemReference `json:"workItems"`
	WorkItemRelations []WorkItemLink      `json:"workItemRelations"`
}

// IDs returns the distinct work item ids of the result in query order.
func (r WIQLResult) IDs() []int {
	seen := make(map[int]bool)
	var ids []int
	add := func(ref *WorkItemReference) {
		if ref == nil || ref.ID == 0 || seen[ref.ID] {
			return
		}
		seen[ref.ID] = true
		ids = append(ids, ref.ID)
	}
	for i := range r.WorkItems {
		add(&r.WorkItems[i])
	}
	for _, link := range r.WorkItemRelations {
		add(link.Target)
	}
	return ids
}

// batchRequest is the body of POST _apis/wit/workitemsbatch.
type batchRequest struct {
	IDs         []int    `json:"ids"`
	Fields      []string `json:"fields,omitempty"`
	ErrorPolicy string   `json:"errorPolicy"`
}

// batchResponse keeps raw documents so debug sampling can return them as-is.
type batchResponse struct {
	Count int               `json:"count"`
	Value []json.RawMessage `json:"value"`
}

// CommentList is the response of the work item comments API.
type CommentList struct {
	TotalCount        int           `json:"totalCount"`
	Count             int           `json:"count"`
	Comments          []CommentInfo `json:"comments"`
	ContinuationToken string        `json:"continuationToken"`
}

// CommentInfo is a single work item comment.
type CommentInfo struct {
	ID          int         `json:"id"`
	Text        string      `json:"text"`
	CreatedBy   IdentityRef `json:"createdBy"`
	CreatedDate string      `json:"createdDate"`
}

// FieldDefinition is an entry of GET _apis/wit/fields.
type FieldDefinition struct {
	Name          string `json:"name"`
	ReferenceName string `json:"referenceName"`
	Type          string `json:"type"`
}

// FieldList is the response of GET _apis/wit/fields.
type FieldList struct {
	Count int               `json:"count"`
	Value []FieldDefinition `json:"value"`
}

// errorResponse is the standard Azure DevOps error body.
type errorResponse struct {
	Message string `json:"message"`
	TypeKey string `json:"typeKey"`
}
