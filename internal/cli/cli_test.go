package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/roadmap-sync/internal/model"
	"github.com/nhle/roadmap-sync/internal/source"
	"github.com/nhle/roadmap-sync/internal/store"
	appsync "github.com/nhle/roadmap-sync/internal/sync"
)

// setupEnv points the configuration at a temporary database and a static
// master secret.
func setupEnv(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("ROADMAP_DB_PATH", filepath.Join(dir, "roadmap.db"))
	t.Setenv("ROADMAP_SECRET_KEY", "cli-test-master-secret")
	t.Setenv("ROADMAP_KEYRING_ENABLED", "false")
	t.Setenv("ROADMAP_HTTP_MAX_RETRIES", "0")
	t.Setenv("ROADMAP_LOG_LEVEL", "error")
}

func run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()

	root, cleanup := NewRootCommand()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}, args...))

	err := root.ExecuteContext(context.Background())
	require.NoError(t, cleanup())
	return stdout.String(), stderr.String(), err
}

func createRoadmap(t *testing.T, name, csvText string) string {
	t.Helper()
	out, _, err := run(t, csvText, "create", name, "--csv", "-")
	require.NoError(t, err)
	return strings.TrimSpace(out)
}

func TestCreateAndListRoadmaps(t *testing.T) {
	setupEnv(t)
	id := createRoadmap(t, "Platform", "title,startDate\nBilling,2025-01-31\n")
	assert.NotEmpty(t, id)

	out, _, err := run(t, "", "list", "--json")
	require.NoError(t, err)

	var entries []struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		Datasource struct {
			Type  string `json:"type"`
			State string `json:"state"`
		} `json:"datasource"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
	assert.Equal(t, "Platform", entries[0].Name)
	assert.Equal(t, "csv", entries[0].Datasource.Type)
	assert.Equal(t, "csv", entries[0].Datasource.State)

	out, _, err = run(t, "", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Platform")
}

func TestItems_Formats(t *testing.T) {
	setupEnv(t)
	createRoadmap(t, "Platform", "title,startDate\nBilling,2025-01-31\n")

	out, _, err := run(t, "", "items", "platform", "--format", "json")
	require.NoError(t, err)
	var res appsync.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res.Items, 1)
	assert.Equal(t, "Billing", res.Items[0].Title)
	assert.Equal(t, "2025-01-31", res.Items[0].StartDate)

	out, _, err = run(t, "", "items", "Platform", "--format", "csv")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, strings.Join(model.CSVColumns, ",")+"\n"))
	assert.Contains(t, out, "Billing")

	out, _, err = run(t, "", "items", "Platform")
	require.NoError(t, err)
	assert.Contains(t, out, "Billing")
	assert.Contains(t, out, "1 items")

	_, _, err = run(t, "", "items", "Platform", "--format", "xml")
	assert.Error(t, err)
}

func TestItems_WritesFileAtomically(t *testing.T) {
	setupEnv(t)
	createRoadmap(t, "Platform", "title\nBilling\n")
	path := filepath.Join(t.TempDir(), "items.csv")

	_, stderr, err := run(t, "", "items", "Platform", "--format", "csv", "--out", path)
	require.NoError(t, err)
	assert.Contains(t, stderr, "wrote 1 items")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Billing")
}

func TestImportCSV_ReplacesItems(t *testing.T) {
	setupEnv(t)
	createRoadmap(t, "Platform", "title\nBilling\n")

	out, _, err := run(t, "title\nSearch\nLedger\n", "import-csv", "Platform", "-")
	require.NoError(t, err)
	assert.Contains(t, out, "imported 2 items")

	_, _, err = run(t, "title\n\"broken\n", "import-csv", "Platform", "-")
	assert.Error(t, err)
}

func TestUnknownRoadmap(t *testing.T) {
	setupEnv(t)

	_, _, err := run(t, "", "items", "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteRoadmap(t *testing.T) {
	setupEnv(t)
	id := createRoadmap(t, "Platform", "")

	out, _, err := run(t, "", "delete", id, "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted "+id)

	_, _, err = run(t, "", "status", id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConfigureAzureAndFetchAuthFailure(t *testing.T) {
	setupEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	createRoadmap(t, "Platform", "")

	_, _, err := run(t, "pat-123\n", "configure", "Platform",
		"--org", srv.URL+"/contoso",
		"--project", "Roadmap",
		"--types", "Epic,Feature",
		"--pat-stdin",
	)
	require.NoError(t, err)

	out, _, err := run(t, "", "status", "Platform", "--json")
	require.NoError(t, err)
	var sum appsync.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, model.DatasourceAzure, sum.Type)
	assert.True(t, sum.HasSecret)
	assert.Equal(t, appsync.StateConfigured, sum.State)
	require.NotNil(t, sum.Config)
	assert.Equal(t, []string{"Epic", "Feature"}, sum.Config.WorkItemTypes)

	_, _, err = run(t, "", "items", "Platform", "--force")
	require.Error(t, err)
	assert.True(t, source.IsAuthError(err))

	out, _, err = run(t, "", "status", "Platform", "--json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, appsync.StateFailed, sum.State)
	assert.NotEmpty(t, sum.LastSyncError)

	// Partial updates keep the stored settings.
	_, _, err = run(t, "", "configure", "Platform", "--refresh-minutes", "60")
	require.NoError(t, err)
	out, _, err = run(t, "", "status", "Platform", "--json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, "Roadmap", sum.Config.Project)
	assert.Equal(t, 60, sum.Config.RefreshMinutes)
	assert.True(t, sum.HasSecret)

	_, _, err = run(t, "", "configure", "Platform", "--type", "csv")
	require.NoError(t, err)
	out, _, err = run(t, "", "status", "Platform", "--json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, model.DatasourceCSV, sum.Type)
	assert.False(t, sum.HasSecret)
}

func TestConfigure_RejectsInvalidSettings(t *testing.T) {
	setupEnv(t)
	createRoadmap(t, "Platform", "")

	_, _, err := run(t, "", "configure", "Platform", "--type", "azure-devops", "--project", "Roadmap")
	assert.True(t, model.IsConfigurationError(err))

	_, _, err = run(t, "", "configure", "Platform", "--type", "jira")
	assert.True(t, model.IsConfigurationError(err))
}

func TestProjects_RequiresConnectionWithoutRoadmap(t *testing.T) {
	setupEnv(t)

	_, _, err := run(t, "", "projects")
	assert.Error(t, err)
}

func TestSummarizeStatuses(t *testing.T) {
	assert.Equal(t, "no azure-devops roadmaps", summarizeStatuses(nil))
	assert.Equal(t, "syncing (1)", summarizeStatuses([]appsync.SyncStatus{
		{RoadmapID: "a", State: appsync.SyncRunning},
		{RoadmapID: "b", State: appsync.SyncError},
	}))
	assert.Equal(t, "failing: b", summarizeStatuses([]appsync.SyncStatus{
		{RoadmapID: "a", State: appsync.SyncIdle},
		{RoadmapID: "b", State: appsync.SyncError, Error: errors.New("x")},
	}))
	assert.Equal(t, "2 roadmaps idle", summarizeStatuses([]appsync.SyncStatus{
		{RoadmapID: "a"}, {RoadmapID: "b"},
	}))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a b", truncate("a\n  b", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
