package testutil

import (
	"context"
	"testing"

	"github.com/nhle/roadmap-sync/internal/model"
	"github.com/nhle/roadmap-sync/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// CreateRoadmap inserts a roadmap named name, optionally with a CSV
// document, and returns it.
func CreateRoadmap(t *testing.T, s store.RoadmapStore, name, csvText string) *model.Roadmap {
	t.Helper()

	r, err := s.CreateRoadmap(context.Background(), model.Roadmap{Name: name, CSVText: csvText})
	if err != nil {
		t.Fatalf("creating roadmap %q: %v", name, err)
	}
	return r
}
