package store

import (
	"context"
	"errors"

	"github.com/nhle/roadmap-sync/internal/model"
)

// ErrNotFound is returned when a roadmap or its datasource record does not
// exist.
var ErrNotFound = errors.New("not found")

// RoadmapStore persists roadmaps. Creating a roadmap also creates its default
// csv datasource record; deleting it removes the record.
type RoadmapStore interface {
	CreateRoadmap(ctx context.Context, roadmap model.Roadmap) (*model.Roadmap, error)
	GetRoadmap(ctx context.Context, id string) (*model.Roadmap, error)
	ListRoadmaps(ctx context.Context) ([]model.Roadmap, error)
	SetRoadmapCSV(ctx context.Context, id, csvText string) error
	DeleteRoadmap(ctx context.Context, id string) error
}

// DatasourceStore persists the per-roadmap datasource record, including the
// encrypted secret and the cached snapshot.
type DatasourceStore interface {
	GetDatasource(ctx context.Context, roadmapID string) (*model.DatasourceRecord, error)
	UpsertDatasource(ctx context.Context, rec model.DatasourceRecord) error
	DeleteByRoadmap(ctx context.Context, roadmapID string) error

	// ListDatasources returns records of the given type, or all records when
	// typ is empty.
	ListDatasources(ctx context.Context, typ model.DatasourceType) ([]model.DatasourceRecord, error)
}

// Store combines both stores, as implemented by SQLiteStore.
type Store interface {
	RoadmapStore
	DatasourceStore
}
