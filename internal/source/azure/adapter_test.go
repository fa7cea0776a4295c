package azure

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/roadmap-sync/internal/model"
	"github.com/nhle/roadmap-sync/internal/source"
)

const testPAT = "test-pat"

func workItemDoc(id int, title, start, target string) map[string]any {
	fields := map[string]any{
		"System.Id":                      id,
		"System.Title":                   title,
		"System.State":                   "active",
		"System.WorkItemType":            "Feature",
		"System.AreaPath":                `Roadmap\Growth`,
		"System.TeamProject":             "Roadmap",
		"System.CreatedDate":             "2025-01-10T08:00:00Z",
		"System.CreatedBy":               map[string]any{"displayName": "Ada Lovelace", "uniqueName": "ada@example.com"},
		"System.Tags":                    "Stakeholder: finance; Region: usa; Beta",
		"System.Description":             "<div>Move billing</div><div>Details &amp; more</div>",
		"Microsoft.VSTS.Common.Priority": 2,
		"Custom.Criticality":             "high",
	}
	if start != "" {
		fields["Microsoft.VSTS.Scheduling.StartDate"] = start
	}
	if target != "" {
		fields["Microsoft.VSTS.Scheduling.TargetDate"] = target
	}
	return map[string]any{"id": id, "rev": 1, "fields": fields}
}

// fakeDevOps serves the subset of the Azure DevOps REST API the adapter uses.
type fakeDevOps struct {
	t *testing.T

	mu         sync.Mutex
	items      map[int]map[string]any
	hits       []int
	relations  []map[string]any
	comments   []map[string]any
	fields     []string
	wiql       []string
	tops       []string
	batches    [][]int
	requests   int
	failures   []int // statuses returned before serving normally
	savedQuery string
}

func newFakeDevOps(t *testing.T) (*fakeDevOps, *httptest.Server) {
	f := &fakeDevOps{t: t, items: map[int]map[string]any{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeDevOps) addItems(docs ...map[string]any) {
	for _, d := range docs {
		id := d["id"].(int)
		f.items[id] = d
		f.hits = append(f.hits, id)
	}
}

func (f *fakeDevOps) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		f.t.Errorf("encoding response: %v", err)
	}
}

func (f *fakeDevOps) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++

	if len(f.failures) > 0 {
		status := f.failures[0]
		f.failures = f.failures[1:]
		w.WriteHeader(status)
		return
	}

	if r.Header.Get("Authorization") != basicAuth(testPAT) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if r.URL.Query().Get("api-version") == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	path := r.URL.Path
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/_apis/wit/wiql"):
		var body struct {
			Query string `json:"query"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.wiql = append(f.wiql, body.Query)
		f.writeQueryResult(w, r)

	case r.Method == http.MethodGet && strings.Contains(path, "/_apis/wit/wiql/"):
		if !strings.HasSuffix(path, "/"+f.savedQuery) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		f.writeQueryResult(w, r)

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/_apis/wit/workitemsbatch"):
		var req batchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.batches = append(f.batches, req.IDs)
		value := make([]any, len(req.IDs))
		for i, id := range req.IDs {
			if doc, ok := f.items[id]; ok {
				value[i] = doc
			}
		}
		f.writeJSON(w, map[string]any{"count": len(value), "value": value})

	case r.Method == http.MethodGet && strings.HasSuffix(path, "/comments"):
		f.writeJSON(w, map[string]any{"totalCount": len(f.comments), "count": len(f.comments), "comments": f.comments})

	case r.Method == http.MethodGet && strings.Contains(path, "/_apis/wit/workitems/"):
		id, _ := strconv.Atoi(path[strings.LastIndex(path, "/")+1:])
		doc, ok := f.items[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			f.writeJSON(w, map[string]any{"message": fmt.Sprintf("TF401232: Work item %d does not exist", id)})
			return
		}
		out := map[string]any{}
		for k, v := range doc {
			out[k] = v
		}
		if r.URL.Query().Get("$expand") == "relations" {
			out["relations"] = f.relations
		}
		f.writeJSON(w, out)

	case r.Method == http.MethodGet && strings.HasSuffix(path, "/_apis/wit/fields"):
		defs := make([]map[string]string, len(f.fields))
		for i, ref := range f.fields {
			defs[i] = map[string]string{"referenceName": ref, "name": ref}
		}
		f.writeJSON(w, map[string]any{"count": len(defs), "value": defs})

	case r.Method == http.MethodGet && strings.Contains(path, "/_apis/projects/"):
		name := path[strings.LastIndex(path, "/")+1:]
		if name != "Roadmap" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		f.writeJSON(w, map[string]any{"id": "p1", "name": name})

	case r.Method == http.MethodGet && strings.HasSuffix(path, "/_apis/projects"):
		if r.URL.Query().Get("continuationToken") == "" {
			w.Header().Set("x-ms-continuationtoken", "page2")
			f.writeJSON(w, map[string]any{"count": 1, "value": []map[string]string{{"id": "p1", "name": "Roadmap", "state": "wellFormed"}}})
			return
		}
		f.writeJSON(w, map[string]any{"count": 1, "value": []map[string]string{{"id": "p2", "name": "Platform", "state": "wellFormed"}}})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeDevOps) writeQueryResult(w http.ResponseWriter, r *http.Request) {
	top := r.URL.Query().Get("$top")
	f.tops = append(f.tops, top)
	hits := f.hits
	if n, err := strconv.Atoi(top); err == nil && n < len(hits) {
		hits = hits[:n]
	}
	refs := make([]map[string]any, len(hits))
	for i, id := range hits {
		refs[i] = map[string]any{"id": id, "url": fmt.Sprintf("https://example.invalid/_apis/wit/workItems/%d", id)}
	}
	f.writeJSON(w, map[string]any{"queryType": "flat", "workItems": refs})
}

func newTestAdapter(srv *httptest.Server) *Adapter {
	a := NewAdapter(Options{
		Timeout:    5 * time.Second,
		MaxRetries: 2,
		RateLimit:  1000,
		RateBurst:  100,
		Transport:  srv.Client().Transport,
	})
	a.now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
	a.retryWait = func(*http.Response, int) time.Duration { return 0 }
	return a
}

func testConn(srv *httptest.Server) Connection {
	return Connection{OrganizationURL: srv.URL + "/contoso", PAT: testPAT}
}

func testConfig(t *testing.T) model.AzureConfig {
	t.Helper()
	cfg, err := model.AzureConfig{
		OrganizationURL:      "https://dev.azure.com/contoso",
		Project:              "Roadmap",
		AreaPath:             `Roadmap\Growth`,
		StakeholderTagPrefix: "Stakeholder:",
		RegionTagPrefix:      "Region:",
	}.Sanitize()
	require.NoError(t, err)
	return cfg
}

func TestAdapter_FetchItems(t *testing.T) {
	fake, srv := newFakeDevOps(t)
	fake.addItems(
		workItemDoc(2, "Second", "2025-03-01T00:00:00Z", "2025-05-01T00:00:00Z"),
		workItemDoc(1, "First", "2025-02-01T00:00:00Z", "2025-04-30T00:00:00Z"),
	)

	res, err := newTestAdapter(srv).FetchItems(context.Background(), testConn(srv), testConfig(t))
	require.NoError(t, err)

	require.Len(t, res.Items, 2)
	assert.Equal(t, "2", res.Items[0].ID)
	assert.Equal(t, "First", res.Items[1].Title)
	assert.Equal(t, srv.URL+"/contoso/Roadmap/_workitems/edit/2", res.Items[0].URL)
	assert.Equal(t, "Finance", res.Items[0].ImpactedStakeholders)
	assert.False(t, res.Truncated)
	assert.Empty(t, res.Warning)

	require.Len(t, fake.wiql, 1)
	assert.Contains(t, fake.wiql[0], `[System.AreaPath] UNDER 'Roadmap\Growth'`)
	assert.Equal(t, []string{strconv.Itoa(model.DefaultMaxItems + 1)}, fake.tops)
}

func TestAdapter_FetchItems_Truncates(t *testing.T) {
	fake, srv := newFakeDevOps(t)
	for i := 1; i <= 5; i++ {
		fake.addItems(workItemDoc(i, fmt.Sprintf("Item %d", i), "2025-01-01T00:00:00Z", "2025-02-01T00:00:00Z"))
	}
	cfg := testConfig(t)
	cfg.MaxItems = 3

	res, err := newTestAdapter(srv).FetchItems(context.Background(), testConn(srv), cfg)
	require.NoError(t, err)

	assert.True(t, res.Truncated)
	assert.Len(t, res.Items, 3)
	assert.Contains(t, res.Warning, "more than 3 work items matched")
	assert.Equal(t, []string{"4"}, fake.tops)
}

func TestAdapter_FetchItems_BatchesKeepQueryOrder(t *testing.T) {
	fake, srv := newFakeDevOps(t)
	for i := 450; i >= 1; i-- {
		fake.addItems(workItemDoc(i, fmt.Sprintf("Item %d", i), "2025-01-01T00:00:00Z", "2025-02-01T00:00:00Z"))
	}

	res, err := newTestAdapter(srv).FetchItems(context.Background(), testConn(srv), testConfig(t))
	require.NoError(t, err)

	require.Len(t, res.Items, 450)
	for i, item := range res.Items {
		assert.Equal(t, strconv.Itoa(450-i), item.ID)
	}

	require.Len(t, fake.batches, 3)
	sizes := []int{len(fake.batches[0]), len(fake.batches[1]), len(fake.batches[2])}
	assert.ElementsMatch(t, []int{200, 200, 50}, sizes)
}

func TestAdapter_FetchItems_MissingDateStrategies(t *testing.T) {
	tests := []struct {
		strategy string
		count    int
		warning  string
	}{
		{model.MissingDateFallback, 2, "a default window was applied"},
		{model.MissingDateSkip, 1, "were skipped"},
		{model.MissingDateUnplanned, 2, "tagged Unplanned"},
	}

	for _, tt := range tests {
		t.Run(tt.strategy, func(t *testing.T) {
			fake, srv := newFakeDevOps(t)
			fake.addItems(
				workItemDoc(1, "Planned", "2025-01-01T00:00:00Z", "2025-02-01T00:00:00Z"),
				workItemDoc(2, "Unplanned", "", ""),
			)
			cfg := testConfig(t)
			cfg.MissingDateStrategy = tt.strategy

			res, err := newTestAdapter(srv).FetchItems(context.Background(), testConn(srv), cfg)
			require.NoError(t, err)
			assert.Len(t, res.Items, tt.count)
			assert.Contains(t, res.Warning, "1 work items")
			assert.Contains(t, res.Warning, tt.warning)
		})
	}
}

func TestAdapter_FetchItems_SavedQuery(t *testing.T) {
	fake, srv := newFakeDevOps(t)
	fake.savedQuery = "4f1c2a"
	fake.addItems(workItemDoc(1, "First", "2025-01-01T00:00:00Z", "2025-02-01T00:00:00Z"))

	cfg := testConfig(t)
	cfg.QueryMode = model.QueryModeAdvanced
	cfg.QueryType = model.QueryTypeSaved
	cfg.Query = "4f1c2a"

	res, err := newTestAdapter(srv).FetchItems(context.Background(), testConn(srv), cfg)
	require.NoError(t, err)
	assert.Len(t, res.Items, 1)
	assert.Empty(t, fake.wiql)
}

func TestAdapter_AuthFailures(t *testing.T) {
	t.Run("401", func(t *testing.T) {
		_, srv := newFakeDevOps(t)
		conn := testConn(srv)
		conn.PAT = "wrong"

		_, err := newTestAdapter(srv).FetchItems(context.Background(), conn, testConfig(t))
		require.Error(t, err)
		assert.True(t, source.IsAuthError(err))
	})

	t.Run("203 sign-in page", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			w.WriteHeader(http.StatusNonAuthoritativeInfo)
			fmt.Fprint(w, "<html>Sign in</html>")
		}))
		defer srv.Close()

		_, err := newTestAdapter(srv).ListProjects(context.Background(), testConn(srv))
		assert.True(t, source.IsAuthError(err))
	})

	t.Run("empty token makes no request", func(t *testing.T) {
		fake, srv := newFakeDevOps(t)
		conn := testConn(srv)
		conn.PAT = " "

		_, err := newTestAdapter(srv).ListProjects(context.Background(), conn)
		assert.True(t, source.IsAuthError(err))
		assert.Zero(t, fake.requests)
	})
}

func TestAdapter_RetriesThrottledRequests(t *testing.T) {
	fake, srv := newFakeDevOps(t)
	fake.failures = []int{http.StatusTooManyRequests, http.StatusServiceUnavailable}

	projects, err := newTestAdapter(srv).ListProjects(context.Background(), testConn(srv))
	require.NoError(t, err)
	assert.Len(t, projects, 2)
}

func TestAdapter_GivesUpAfterRetries(t *testing.T) {
	fake, srv := newFakeDevOps(t)
	fake.failures = []int{500, 500, 500, 500}

	_, err := newTestAdapter(srv).ListProjects(context.Background(), testConn(srv))
	require.Error(t, err)

	var dsErr *source.DatasourceError
	require.ErrorAs(t, err, &dsErr)
	assert.Equal(t, source.KindRemote, dsErr.Kind)
	assert.Equal(t, 3, fake.requests)
}

func TestAdapter_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	conn := testConn(srv)
	a := newTestAdapter(srv)
	srv.Close()

	_, err := a.ListProjects(context.Background(), conn)
	require.Error(t, err)
	assert.True(t, source.IsUnreachable(err))
	assert.True(t, source.IsRemote(err))
}

func TestAdapter_Timeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestAdapter(srv).ListProjects(ctx, testConn(srv))
	var dsErr *source.DatasourceError
	require.ErrorAs(t, err, &dsErr)
	assert.Equal(t, source.KindTimeout, dsErr.Kind)
}

func TestAdapter_ListProjectsPages(t *testing.T) {
	_, srv := newFakeDevOps(t)

	projects, err := newTestAdapter(srv).ListProjects(context.Background(), testConn(srv))
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, "Roadmap", projects[0].Name)
	assert.Equal(t, "Platform", projects[1].Name)
}

func TestAdapter_ResolveWorkItem(t *testing.T) {
	fake, srv := newFakeDevOps(t)
	fake.addItems(workItemDoc(42, "Billing", "2025-02-01T00:00:00Z", "2025-04-30T00:00:00Z"))
	a := newTestAdapter(srv)

	// Route the public host to the fake server.
	a.httpClient.Transport = rewriteHost(srv)

	item, err := a.ResolveWorkItem(context.Background(), testConn(srv), model.AzureConfig{},
		"https://dev.azure.com/contoso/Roadmap/_workitems/edit/42")
	require.NoError(t, err)
	assert.Equal(t, "42", item.ID)
	assert.Equal(t, "Billing", item.Title)
	assert.Equal(t, "https://dev.azure.com/contoso/Roadmap/_workitems/edit/42", item.URL)

	_, err = a.ResolveWorkItem(context.Background(), testConn(srv), model.AzureConfig{}, "https://example.com/x")
	var urlErr *source.InvalidURLError
	assert.ErrorAs(t, err, &urlErr)
}

type hostRewriter struct {
	target string
	next   http.RoundTripper
}

func (h hostRewriter) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.URL.Scheme = "http"
	r.URL.Host = h.target
	return h.next.RoundTrip(r)
}

func rewriteHost(srv *httptest.Server) http.RoundTripper {
	return hostRewriter{target: strings.TrimPrefix(srv.URL, "http://"), next: srv.Client().Transport}
}

func TestAdapter_Comments(t *testing.T) {
	fake, srv := newFakeDevOps(t)
	a := newTestAdapter(srv)

	comments, err := a.Comments(context.Background(), testConn(srv), "Roadmap", 1)
	require.NoError(t, err)
	assert.NotNil(t, comments)
	assert.Empty(t, comments)

	fake.comments = []map[string]any{{
		"id":          7,
		"text":        "<p>Looks good</p>",
		"createdBy":   map[string]any{"displayName": "Grace Hopper"},
		"createdDate": "2025-03-01T10:00:00Z",
	}}
	comments, err = a.Comments(context.Background(), testConn(srv), "Roadmap", 1)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, source.Comment{ID: "7", Author: "Grace Hopper", Body: "Looks good", CreatedAt: "2025-03-01T10:00:00Z"}, comments[0])
}

func TestAdapter_RelatedItems(t *testing.T) {
	fake, srv := newFakeDevOps(t)
	fake.addItems(
		workItemDoc(1, "Parent", "", ""),
		workItemDoc(2, "Child", "", ""),
	)
	a := newTestAdapter(srv)

	related, err := a.RelatedItems(context.Background(), testConn(srv), "Roadmap", 1)
	require.NoError(t, err)
	assert.NotNil(t, related)
	assert.Empty(t, related)

	fake.relations = []map[string]any{
		{"rel": "System.LinkTypes.Hierarchy-Forward", "url": srv.URL + "/contoso/_apis/wit/workItems/2", "attributes": map[string]any{"name": "Child"}},
		{"rel": "Hyperlink", "url": "https://example.com/spec"},
		{"rel": "System.LinkTypes.Related", "url": srv.URL + "/contoso/_apis/wit/workItems/99"},
	}
	related, err = a.RelatedItems(context.Background(), testConn(srv), "Roadmap", 1)
	require.NoError(t, err)
	require.Len(t, related, 2)

	assert.Equal(t, source.RelatedItem{
		ID:       "2",
		Relation: "Child",
		Title:    "Child",
		State:    "active",
		Type:     "Feature",
		URL:      srv.URL + "/contoso/Roadmap/_workitems/edit/2",
	}, related[0])
	assert.Equal(t, "99", related[1].ID)
	assert.Equal(t, "System.LinkTypes.Related", related[1].Relation)
	assert.Empty(t, related[1].Title)
}

func TestAdapter_ValidateConfig(t *testing.T) {
	fake, srv := newFakeDevOps(t)
	fake.fields = []string{
		"System.Title", "System.CreatedBy", "Microsoft.VSTS.Common.Priority",
		"System.Description", "System.State", "Microsoft.VSTS.Scheduling.StartDate",
		"Microsoft.VSTS.Scheduling.TargetDate", "System.AssignedTo", "System.Tags",
	}

	cfg := testConfig(t)
	cfg.FieldMap = map[string]string{model.FieldCriticality: "Custom.Criticality"}

	res, err := newTestAdapter(srv).ValidateConfig(context.Background(), testConn(srv), cfg)
	require.NoError(t, err)

	assert.Equal(t, []string{"criticality (Custom.Criticality)"}, res.MissingFields)
	assert.Contains(t, strings.Join(res.Warnings, "\n"), "Microsoft.VSTS.Scheduling.DueDate")
	assert.Contains(t, strings.Join(res.Warnings, "\n"), "no source field mapped for")
	assert.Empty(t, fake.wiql)
	assert.Empty(t, fake.batches)
}

func TestAdapter_ValidateConfig_UnknownProject(t *testing.T) {
	_, srv := newFakeDevOps(t)
	cfg := testConfig(t)
	cfg.Project = "Nope"

	res, err := newTestAdapter(srv).ValidateConfig(context.Background(), testConn(srv), cfg)
	require.NoError(t, err)
	assert.Contains(t, strings.Join(res.Warnings, "\n"), `project "Nope" was not found`)
}

func TestAdapter_SampleRaw(t *testing.T) {
	fake, srv := newFakeDevOps(t)
	for i := 1; i <= 3; i++ {
		fake.addItems(workItemDoc(i, "x", "", ""))
	}
	a := newTestAdapter(srv)

	docs, err := a.SampleRaw(context.Background(), testConn(srv), testConfig(t), 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(docs[0], &doc))
	assert.EqualValues(t, 1, doc["id"])

	_, err = a.SampleRaw(context.Background(), testConn(srv), testConfig(t), 10_000)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", strconv.Itoa(MaxSampleSize)}, fake.tops)
}
