package model

import (
	"encoding/json"
	"net/url"
	"sort"
	"strings"
	"time"
)

// DatasourceType identifies where a roadmap's items come from.
type DatasourceType string

const (
	DatasourceCSV   DatasourceType = "csv"
	DatasourceAzure DatasourceType = "azure-devops"
)

// ParseDatasourceType validates a raw type string.
func ParseDatasourceType(s string) (DatasourceType, error) {
	switch t := DatasourceType(strings.TrimSpace(s)); t {
	case DatasourceCSV, DatasourceAzure:
		return t, nil
	default:
		return "", configErrorf("unsupported datasource type %q", s)
	}
}

// Query modes and types for Azure DevOps configurations.
const (
	QueryModeSimple   = "simple"
	QueryModeAdvanced = "advanced"

	QueryTypeWIQL  = "wiql"
	QueryTypeSaved = "saved"
)

// Missing date strategies applied when a work item has no start/end date.
const (
	MissingDateFallback  = "fallback"
	MissingDateSkip      = "skip"
	MissingDateUnplanned = "unplanned"
)

// Defaults and bounds for Azure DevOps configurations.
const (
	DefaultRefreshMinutes = 30
	MaxRefreshMinutes     = 24 * 60
	DefaultMaxItems       = 500
	MaxItemsLimit         = 5000
)

// AzureConfig holds the settings of an Azure DevOps datasource.
type AzureConfig struct {
	OrganizationURL      string            `json:"organizationUrl"`
	Project              string            `json:"project"`
	Team                 string            `json:"team,omitempty"`
	QueryMode            string            `json:"queryMode"`
	QueryTemplate        string            `json:"queryTemplate,omitempty"`
	AreaPath             string            `json:"areaPath,omitempty"`
	WorkItemTypes        []string          `json:"workItemTypes,omitempty"`
	IncludeClosed        bool              `json:"includeClosed"`
	StakeholderTagPrefix string            `json:"stakeholderTagPrefix,omitempty"`
	RegionTagPrefix      string            `json:"regionTagPrefix,omitempty"`
	QueryType            string            `json:"queryType"`
	Query                string            `json:"query,omitempty"`
	RefreshMinutes       int               `json:"refreshMinutes"`
	MaxItems             int               `json:"maxItems"`
	MissingDateStrategy  string            `json:"missingDateStrategy"`
	FieldMap             map[string]string `json:"fieldMap,omitempty"`
}

// Sanitize returns a trimmed copy of c with defaults applied. It fails with
// a ConfigurationError when the configuration cannot be used at all.
func (c AzureConfig) Sanitize() (AzureConfig, error) {
	out := AzureConfig{
		OrganizationURL:      strings.TrimRight(strings.TrimSpace(c.OrganizationURL), "/"),
		Project:              strings.TrimSpace(c.Project),
		Team:                 strings.TrimSpace(c.Team),
		QueryMode:            strings.ToLower(strings.TrimSpace(c.QueryMode)),
		QueryTemplate:        strings.TrimSpace(c.QueryTemplate),
		AreaPath:             strings.TrimSpace(c.AreaPath),
		IncludeClosed:        c.IncludeClosed,
		StakeholderTagPrefix: strings.TrimSpace(c.StakeholderTagPrefix),
		RegionTagPrefix:      strings.TrimSpace(c.RegionTagPrefix),
		QueryType:            strings.ToLower(strings.TrimSpace(c.QueryType)),
		Query:                strings.TrimSpace(c.Query),
		RefreshMinutes:       c.RefreshMinutes,
		MaxItems:             c.MaxItems,
		MissingDateStrategy:  strings.ToLower(strings.TrimSpace(c.MissingDateStrategy)),
	}

	if out.OrganizationURL == "" {
		return AzureConfig{}, configErrorf("organization URL is required")
	}
	u, err := url.Parse(out.OrganizationURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return AzureConfig{}, configErrorf("organization URL %q must be an absolute http(s) URL", out.OrganizationURL)
	}
	if out.Project == "" {
		return AzureConfig{}, configErrorf("project is required")
	}

	for _, t := range c.WorkItemTypes {
		if t = strings.TrimSpace(t); t != "" {
			out.WorkItemTypes = append(out.WorkItemTypes, t)
		}
	}

	switch out.QueryMode {
	case "":
		out.QueryMode = QueryModeSimple
	case QueryModeSimple, QueryModeAdvanced:
	default:
		return AzureConfig{}, configErrorf("unsupported query mode %q", c.QueryMode)
	}

	switch out.QueryType {
	case "":
		out.QueryType = QueryTypeWIQL
	case QueryTypeWIQL, QueryTypeSaved:
	default:
		return AzureConfig{}, configErrorf("unsupported query type %q", c.QueryType)
	}

	if out.QueryMode == QueryModeAdvanced && out.Query == "" {
		return AzureConfig{}, configErrorf("advanced query mode requires a query")
	}

	switch out.MissingDateStrategy {
	case "":
		out.MissingDateStrategy = MissingDateFallback
	case MissingDateFallback, MissingDateSkip, MissingDateUnplanned:
	default:
		return AzureConfig{}, configErrorf("unsupported missing date strategy %q", c.MissingDateStrategy)
	}

	switch {
	case out.RefreshMinutes <= 0:
		out.RefreshMinutes = DefaultRefreshMinutes
	case out.RefreshMinutes > MaxRefreshMinutes:
		out.RefreshMinutes = MaxRefreshMinutes
	}
	switch {
	case out.MaxItems <= 0:
		out.MaxItems = DefaultMaxItems
	case out.MaxItems > MaxItemsLimit:
		out.MaxItems = MaxItemsLimit
	}

	for field, ref := range c.FieldMap {
		field, ref = strings.TrimSpace(field), strings.TrimSpace(ref)
		if ref == "" || !IsField(field) {
			continue
		}
		if out.FieldMap == nil {
			out.FieldMap = make(map[string]string)
		}
		out.FieldMap[field] = ref
	}

	return out, nil
}

// RefreshInterval returns the snapshot freshness window.
func (c AzureConfig) RefreshInterval() time.Duration {
	minutes := c.RefreshMinutes
	if minutes <= 0 {
		minutes = DefaultRefreshMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// Fingerprint identifies the query shape of the configuration. Two configs
// with the same fingerprint produce the same item set, so a cached snapshot
// stays valid across edits that only change the refresh interval.
func (c AzureConfig) Fingerprint() string {
	c.RefreshMinutes = 0
	types := append([]string(nil), c.WorkItemTypes...)
	sort.Strings(types)
	c.WorkItemTypes = types
	// encoding/json sorts map keys, so FieldMap is stable.
	data, _ := json.Marshal(c)
	return string(data)
}

// Snapshot is the last successfully fetched item set of a roadmap.
type Snapshot struct {
	Items     []RoadmapItem `json:"items"`
	Truncated bool          `json:"truncated"`
	Warning   string        `json:"warning,omitempty"`
	FetchedAt time.Time     `json:"fetchedAt"`
}

// DatasourceRecord is the per-roadmap datasource state. There is exactly one
// record per roadmap and it is removed only together with its roadmap.
type DatasourceRecord struct {
	RoadmapID string         `json:"roadmapId"`
	Type      DatasourceType `json:"type"`

	// Config is the sanitized Azure DevOps configuration; nil for csv.
	Config *AzureConfig `json:"config,omitempty"`

	// EncryptedSecret is opaque ciphertext produced by the secret codec.
	EncryptedSecret *string `json:"-"`

	Snapshot *Snapshot `json:"-"`

	// LastSyncAt is the time of the last successful sync.
	LastSyncAt         *time.Time `json:"lastSyncAt,omitempty"`
	LastAttemptAt      *time.Time `json:"lastAttemptAt,omitempty"`
	LastSyncDurationMs int64      `json:"lastSyncDurationMs"`
	LastSyncItemCount  int        `json:"lastSyncItemCount"`
	LastSyncError      string     `json:"lastSyncError,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// NewCSVRecord returns the default record created alongside a roadmap.
func NewCSVRecord(roadmapID string) DatasourceRecord {
	return DatasourceRecord{
		RoadmapID: roadmapID,
		Type:      DatasourceCSV,
	}
}

// HasSecret reports whether an encrypted secret is stored.
func (r *DatasourceRecord) HasSecret() bool {
	return r.EncryptedSecret != nil && *r.EncryptedSecret != ""
}

// ClearSync drops the cached snapshot and all sync metadata.
func (r *DatasourceRecord) ClearSync() {
	r.Snapshot = nil
	r.LastSyncAt = nil
	r.LastAttemptAt = nil
	r.LastSyncDurationMs = 0
	r.LastSyncItemCount = 0
	r.LastSyncError = ""
}
