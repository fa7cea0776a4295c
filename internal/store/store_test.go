package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/roadmap-sync/internal/model"
	"github.com/nhle/roadmap-sync/internal/store"
	"github.com/nhle/roadmap-sync/tests/testutil"
)

func TestCreateRoadmap_CreatesCSVRecord(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	r := testutil.CreateRoadmap(t, s, "  Platform  ", "id,title\n1,A\n")
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, "Platform", r.Name)

	got, err := s.GetRoadmap(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "id,title\n1,A\n", got.CSVText)

	rec, err := s.GetDatasource(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DatasourceCSV, rec.Type)
	assert.Nil(t, rec.Config)
	assert.False(t, rec.HasSecret())
	assert.Nil(t, rec.Snapshot)
	assert.Nil(t, rec.LastSyncAt)
}

func TestCreateRoadmap_RejectsEmptyName(t *testing.T) {
	s := testutil.NewTestStore(t)

	_, err := s.CreateRoadmap(context.Background(), model.Roadmap{Name: " "})
	assert.Error(t, err)
}

func TestGetRoadmap_NotFound(t *testing.T) {
	s := testutil.NewTestStore(t)

	_, err := s.GetRoadmap(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.GetDatasource(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, s.SetRoadmapCSV(context.Background(), "missing", "x"), store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteRoadmap(context.Background(), "missing"), store.ErrNotFound)
}

func TestListRoadmaps_OrderedByName(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.CreateRoadmap(t, s, "Zeta", "")
	testutil.CreateRoadmap(t, s, "Alpha", "")

	roadmaps, err := s.ListRoadmaps(context.Background())
	require.NoError(t, err)
	require.Len(t, roadmaps, 2)
	assert.Equal(t, "Alpha", roadmaps[0].Name)
	assert.Equal(t, "Zeta", roadmaps[1].Name)
}

func TestUpsertDatasource_RoundTrip(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	r := testutil.CreateRoadmap(t, s, "Platform", "")

	syncedAt := time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)
	secret := "nonce.tag.body"
	rec := model.DatasourceRecord{
		RoadmapID: r.ID,
		Type:      model.DatasourceAzure,
		Config: &model.AzureConfig{
			OrganizationURL: "https://dev.azure.com/contoso",
			Project:         "Roadmap",
			QueryMode:       model.QueryModeSimple,
			FieldMap:        map[string]string{"criticality": "Custom.Criticality"},
		},
		EncryptedSecret: &secret,
		Snapshot: &model.Snapshot{
			Items:     []model.RoadmapItem{{ID: "1", Title: "Billing"}},
			Truncated: true,
			Warning:   "truncated",
			FetchedAt: syncedAt,
		},
		LastSyncAt:         &syncedAt,
		LastAttemptAt:      &syncedAt,
		LastSyncDurationMs: 1200,
		LastSyncItemCount:  1,
	}
	require.NoError(t, s.UpsertDatasource(ctx, rec))

	got, err := s.GetDatasource(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DatasourceAzure, got.Type)
	assert.Equal(t, rec.Config, got.Config)
	require.NotNil(t, got.EncryptedSecret)
	assert.Equal(t, secret, *got.EncryptedSecret)
	require.NotNil(t, got.Snapshot)
	assert.Equal(t, rec.Snapshot.Items, got.Snapshot.Items)
	assert.True(t, got.Snapshot.Truncated)
	require.NotNil(t, got.LastSyncAt)
	assert.True(t, syncedAt.Equal(*got.LastSyncAt))
	assert.Equal(t, int64(1200), got.LastSyncDurationMs)

	// Clearing fields on the next upsert must null them out.
	rec.EncryptedSecret = nil
	rec.Snapshot = nil
	rec.LastSyncAt = nil
	require.NoError(t, s.UpsertDatasource(ctx, rec))

	got, err = s.GetDatasource(ctx, r.ID)
	require.NoError(t, err)
	assert.Nil(t, got.EncryptedSecret)
	assert.Nil(t, got.Snapshot)
	assert.Nil(t, got.LastSyncAt)
}

func TestUpsertDatasource_UnknownRoadmap(t *testing.T) {
	s := testutil.NewTestStore(t)

	err := s.UpsertDatasource(context.Background(), model.NewCSVRecord("missing"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteRoadmap_RemovesDatasource(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	r := testutil.CreateRoadmap(t, s, "Platform", "")

	require.NoError(t, s.DeleteRoadmap(ctx, r.ID))

	_, err := s.GetDatasource(ctx, r.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListDatasources_FiltersByType(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	a := testutil.CreateRoadmap(t, s, "A", "")
	testutil.CreateRoadmap(t, s, "B", "")

	rec := model.DatasourceRecord{
		RoadmapID: a.ID,
		Type:      model.DatasourceAzure,
		Config:    &model.AzureConfig{OrganizationURL: "https://dev.azure.com/x", Project: "P"},
	}
	require.NoError(t, s.UpsertDatasource(ctx, rec))

	azure, err := s.ListDatasources(ctx, model.DatasourceAzure)
	require.NoError(t, err)
	require.Len(t, azure, 1)
	assert.Equal(t, a.ID, azure[0].RoadmapID)

	all, err := s.ListDatasources(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.DeleteByRoadmap(ctx, a.ID))
	require.NoError(t, s.DeleteByRoadmap(ctx, a.ID))
	all, err = s.ListDatasources(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
