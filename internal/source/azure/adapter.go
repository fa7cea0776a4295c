// Package azure implements the Azure DevOps Boards datasource: WIQL
// queries, batched work item reads and the field mapping into roadmap items.
package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nhle/roadmap-sync/internal/model"
	"github.com/nhle/roadmap-sync/internal/source"
)

const (
	batchSize        = 200
	batchConcurrency = 4

	// MaxSampleSize bounds SampleRaw.
	MaxSampleSize = 200

	commentsAPIVersion = "7.1-preview.4"
)

// Connection is the per-call target of an adapter operation. The adapter
// keeps no credential state between calls.
type Connection struct {
	OrganizationURL string
	PAT             string
}

// Options configures the shared transport of an Adapter. Zero values fall
// back to the defaults.
type Options struct {
	Timeout    time.Duration
	MaxRetries int
	RateLimit  float64
	RateBurst  int
	Transport  http.RoundTripper
	Logger     *slog.Logger
}

// Adapter talks to Azure DevOps. It is safe for concurrent use; the rate
// limiter is shared by every call.
type Adapter struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time
	retryWait  func(resp *http.Response, attempt int) time.Duration
}

// NewAdapter creates an adapter with the given transport options.
func NewAdapter(opts Options) *Adapter {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 10
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Adapter{
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: opts.Transport,
		},
		limiter:    rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst),
		maxRetries: opts.MaxRetries,
		logger:     opts.Logger.With("component", "azure"),
		now:        time.Now,
		retryWait:  retryAfterDuration,
	}
}

func (a *Adapter) client(conn Connection) (*client, error) {
	orgURL := trimOrgURL(conn.OrganizationURL)
	if orgURL == "" {
		return nil, &model.ConfigurationError{Message: "organization URL is required"}
	}
	if strings.TrimSpace(conn.PAT) == "" {
		return nil, source.Errorf(source.KindAuth, nil, "a personal access token is required")
	}
	return &client{
		baseURL:    orgURL,
		auth:       basicAuth(conn.PAT),
		httpClient: a.httpClient,
		limiter:    a.limiter,
		maxRetries: a.maxRetries,
		retryWait:  a.retryWait,
		logger:     a.logger,
	}, nil
}

// ListProjects returns every project the credential can see.
func (a *Adapter) ListProjects(ctx context.Context, conn Connection) ([]source.Project, error) {
	c, err := a.client(conn)
	if err != nil {
		return nil, err
	}

	projects := []source.Project{}
	token := ""
	for {
		q := url.Values{"$top": {"100"}}
		if token != "" {
			q.Set("continuationToken", token)
		}

		var page ProjectList
		header, err := c.get(ctx, "/_apis/projects", q, &page)
		if err != nil {
			if statusCode(err) == http.StatusNotFound {
				return nil, source.Errorf(source.KindUnreachable, err,
					"organization %s was not found", c.baseURL)
			}
			return nil, err
		}

		for _, p := range page.Value {
			projects = append(projects, source.Project{
				ID:          p.ID,
				Name:        p.Name,
				Description: p.Description,
				State:       p.State,
			})
		}

		token = header.Get("x-ms-continuationtoken")
		if token == "" || len(page.Value) == 0 {
			return projects, nil
		}
	}
}

// FetchItems runs the configured query and maps the hits into normalized
// roadmap items. cfg must be sanitized.
func (a *Adapter) FetchItems(ctx context.Context, conn Connection, cfg model.AzureConfig) (*source.FetchResult, error) {
	c, err := a.client(conn)
	if err != nil {
		return nil, err
	}

	maxItems := cfg.MaxItems
	if maxItems <= 0 {
		maxItems = model.DefaultMaxItems
	}

	ids, err := a.queryIDs(ctx, c, cfg, maxItems+1)
	if err != nil {
		return nil, err
	}

	result := &source.FetchResult{Items: []model.RoadmapItem{}}
	if len(ids) > maxItems {
		result.Truncated = true
		ids = ids[:maxItems]
	}

	docs, err := a.fetchWorkItems(ctx, c, cfg.Project, ids, nil)
	if err != nil {
		return nil, err
	}

	m := newMapper(cfg, c.baseURL)
	now := a.now()
	missing := 0
	for _, doc := range docs {
		var wi WorkItem
		if err := json.Unmarshal(doc, &wi); err != nil {
			return nil, source.Errorf(source.KindRemote, err, "Azure DevOps returned an unreadable work item")
		}

		item := m.toItem(wi)
		if !hasPlannedDates(item) {
			missing++
			if !applyMissingDates(&item, wi, cfg.MissingDateStrategy, now) {
				continue
			}
		}
		result.Items = append(result.Items, item)
	}

	var warnings []string
	if missing > 0 {
		warnings = append(warnings, missingDatesWarning(cfg.MissingDateStrategy, missing))
	}
	if result.Truncated {
		warnings = append(warnings, fmt.Sprintf("more than %d work items matched; only the first %d are shown", maxItems, maxItems))
	}
	result.Warning = strings.Join(warnings, "; ")

	a.logger.Info("fetched work items",
		"project", cfg.Project,
		"ids", len(ids),
		"items", len(result.Items),
		"truncated", result.Truncated,
		"missingDates", missing,
	)

	return result, nil
}

func missingDatesWarning(strategy string, n int) string {
	switch strategy {
	case model.MissingDateSkip:
		return fmt.Sprintf("%d work items without planned dates were skipped", n)
	case model.MissingDateUnplanned:
		return fmt.Sprintf("%d work items have no planned dates and are tagged %s", n, UnplannedTag)
	default:
		return fmt.Sprintf("%d work items had no planned dates; a default window was applied", n)
	}
}

// queryIDs executes the configured WIQL or saved query and returns at most
// top ids in query order.
func (a *Adapter) queryIDs(ctx context.Context, c *client, cfg model.AzureConfig, top int) ([]int, error) {
	q := url.Values{"$top": {strconv.Itoa(top)}}
	base := projectPath(cfg.Project, cfg.Team)

	var res WIQLResult
	if cfg.QueryMode == model.QueryModeAdvanced && cfg.QueryType == model.QueryTypeSaved {
		if _, err := c.get(ctx, base+"/_apis/wit/wiql/"+escape(cfg.Query), q, &res); err != nil {
			return nil, err
		}
	} else {
		body := map[string]string{"query": BuildWIQL(cfg)}
		if _, err := c.post(ctx, base+"/_apis/wit/wiql", q, body, &res); err != nil {
			return nil, err
		}
	}

	ids := res.IDs()
	if len(ids) > top {
		ids = ids[:top]
	}
	return ids, nil
}

// fetchWorkItems reads work items in batches of batchSize, running up to
// batchConcurrency batches at once. The returned documents keep the order
// of ids; items the credential cannot see are dropped.
func (a *Adapter) fetchWorkItems(
	ctx context.Context,
	c *client,
	project string,
	ids []int,
	fields []string,
) ([]json.RawMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	batches := make([][]json.RawMessage, (len(ids)+batchSize-1)/batchSize)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)

	for i := range batches {
		chunk := ids[i*batchSize : min((i+1)*batchSize, len(ids))]
		g.Go(func() error {
			req := batchRequest{IDs: chunk, Fields: fields, ErrorPolicy: "omit"}
			var resp batchResponse
			if _, err := c.post(gctx, projectPath(project, "")+"/_apis/wit/workitemsbatch", nil, req, &resp); err != nil {
				return err
			}
			batches[i] = resp.Value
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	docs := make([]json.RawMessage, 0, len(ids))
	for _, batch := range batches {
		for _, doc := range batch {
			if len(bytes.TrimSpace(doc)) == 0 || bytes.Equal(bytes.TrimSpace(doc), []byte("null")) {
				continue
			}
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// ResolveWorkItem fetches the work item behind a browser URL and maps it
// with cfg's field map. The organization in the URL wins over conn's.
func (a *Adapter) ResolveWorkItem(
	ctx context.Context,
	conn Connection,
	cfg model.AzureConfig,
	rawURL string,
) (*model.RoadmapItem, error) {
	ref, err := ParseWorkItemURL(rawURL)
	if err != nil {
		return nil, err
	}

	conn.OrganizationURL = ref.OrganizationURL
	c, err := a.client(conn)
	if err != nil {
		return nil, err
	}

	var wi WorkItem
	path := projectPath(ref.Project, "") + "/_apis/wit/workitems/" + strconv.Itoa(ref.ID)
	if _, err := c.get(ctx, path, nil, &wi); err != nil {
		return nil, err
	}

	cfg.Project = ref.Project
	item := newMapper(cfg, c.baseURL).toItem(wi)
	return &item, nil
}

// Comments returns the discussion of a work item, oldest first.
func (a *Adapter) Comments(ctx context.Context, conn Connection, project string, id int) ([]source.Comment, error) {
	c, err := a.client(conn)
	if err != nil {
		return nil, err
	}

	comments := []source.Comment{}
	path := projectPath(project, "") + "/_apis/wit/workItems/" + strconv.Itoa(id) + "/comments"
	token := ""
	for {
		q := url.Values{
			"api-version": {commentsAPIVersion},
			"$top":        {"200"},
			"order":       {"asc"},
		}
		if token != "" {
			q.Set("continuationToken", token)
		}

		var page CommentList
		if _, err := c.get(ctx, path, q, &page); err != nil {
			return nil, err
		}
		for _, cm := range page.Comments {
			author := cm.CreatedBy.DisplayName
			if author == "" {
				author = cm.CreatedBy.UniqueName
			}
			comments = append(comments, source.Comment{
				ID:        strconv.Itoa(cm.ID),
				Author:    author,
				Body:      stripHTML(cm.Text),
				CreatedAt: cm.CreatedDate,
			})
		}

		token = page.ContinuationToken
		if token == "" || len(page.Comments) == 0 {
			return comments, nil
		}
	}
}

// RelatedItems returns the work items linked to id. Hyperlinks, commits and
// attachments are ignored.
func (a *Adapter) RelatedItems(ctx context.Context, conn Connection, project string, id int) ([]source.RelatedItem, error) {
	c, err := a.client(conn)
	if err != nil {
		return nil, err
	}

	var wi WorkItem
	path := projectPath(project, "") + "/_apis/wit/workitems/" + strconv.Itoa(id)
	if _, err := c.get(ctx, path, url.Values{"$expand": {"relations"}}, &wi); err != nil {
		return nil, err
	}

	related := []source.RelatedItem{}
	var targets []int
	for _, rel := range wi.Relations {
		targetID, ok := idFromAPIURL(rel.URL)
		if !ok {
			continue
		}
		name := rel.Rel
		if n, ok := rel.Attributes["name"].(string); ok && n != "" {
			name = n
		}
		related = append(related, source.RelatedItem{
			ID:       strconv.Itoa(targetID),
			Relation: name,
			URL:      workItemLink(c.baseURL, project, targetID),
		})
		targets = append(targets, targetID)
	}
	if len(targets) == 0 {
		return related, nil
	}

	docs, err := a.fetchWorkItems(ctx, c, project, targets,
		[]string{refTitle, refState, refType, refTeamProject})
	if err != nil {
		return nil, err
	}

	byID := make(map[string]WorkItem, len(docs))
	for _, doc := range docs {
		var target WorkItem
		if json.Unmarshal(doc, &target) == nil {
			byID[strconv.Itoa(target.ID)] = target
		}
	}
	for i := range related {
		target, ok := byID[related[i].ID]
		if !ok {
			continue
		}
		related[i].Title = target.Fields.Text(refTitle)
		related[i].State = target.Fields.Text(refState)
		related[i].Type = target.Fields.Text(refType)
		if p := target.Fields.Text(refTeamProject); p != "" {
			related[i].URL = workItemLink(c.baseURL, p, target.ID)
		}
	}

	return related, nil
}

// ValidateConfig checks reachability and the field map without running the
// query. Problems that do not prevent fetching come back as warnings.
func (a *Adapter) ValidateConfig(ctx context.Context, conn Connection, cfg model.AzureConfig) (*source.ValidationResult, error) {
	c, err := a.client(conn)
	if err != nil {
		return nil, err
	}

	result := &source.ValidationResult{Warnings: []string{}, MissingFields: []string{}}

	if _, err := c.get(ctx, "/_apis/projects/"+escape(cfg.Project), nil, nil); err != nil {
		if statusCode(err) != http.StatusNotFound {
			return nil, err
		}
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("project %q was not found in %s", cfg.Project, c.baseURL))
	}

	var defs FieldList
	if _, err := c.get(ctx, "/_apis/wit/fields", nil, &defs); err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(defs.Value))
	for _, d := range defs.Value {
		known[strings.ToLower(d.ReferenceName)] = true
	}

	fields := effectiveFieldMap(cfg)
	for _, field := range model.ItemFields {
		ref, ok := fields[field]
		if !ok || known[strings.ToLower(ref)] {
			continue
		}
		if _, explicit := cfg.FieldMap[field]; explicit {
			result.MissingFields = append(result.MissingFields, fmt.Sprintf("%s (%s)", field, ref))
		} else {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("default field %s for %s does not exist in this organization", ref, field))
		}
	}

	if unmapped := unmappedFields(cfg); len(unmapped) > 0 {
		result.Warnings = append(result.Warnings,
			"no source field mapped for "+strings.Join(unmapped, ", "))
	}

	if cfg.QueryMode == model.QueryModeAdvanced && cfg.QueryType == model.QueryTypeSaved {
		path := projectPath(cfg.Project, "") + "/_apis/wit/queries/" + escape(cfg.Query)
		if _, err := c.get(ctx, path, nil, nil); err != nil {
			if statusCode(err) != http.StatusNotFound {
				return nil, err
			}
			result.Warnings = append(result.Warnings, fmt.Sprintf("saved query %s was not found", cfg.Query))
		}
	}

	return result, nil
}

// SampleRaw returns the unmodified work item documents of the first size
// query hits. size is clamped to 1..MaxSampleSize.
func (a *Adapter) SampleRaw(ctx context.Context, conn Connection, cfg model.AzureConfig, size int) ([]json.RawMessage, error) {
	size = max(1, min(size, MaxSampleSize))

	c, err := a.client(conn)
	if err != nil {
		return nil, err
	}

	ids, err := a.queryIDs(ctx, c, cfg, size)
	if err != nil {
		return nil, err
	}

	docs, err := a.fetchWorkItems(ctx, c, cfg.Project, ids, nil)
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []json.RawMessage{}
	}
	return docs, nil
}
