package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/roadmap-sync/internal/model"
)

// CreateRoadmap inserts a roadmap together with its default csv datasource
// record. A missing ID is generated.
func (s *SQLiteStore) CreateRoadmap(ctx context.Context, roadmap model.Roadmap) (*model.Roadmap, error) {
	roadmap.Name = strings.TrimSpace(roadmap.Name)
	if roadmap.Name == "" {
		return nil, fmt.Errorf("roadmap name must not be empty")
	}
	if roadmap.ID == "" {
		roadmap.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	roadmap.CreatedAt = now
	roadmap.UpdatedAt = now

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO roadmaps (id, name, csv_text, created_at, updated_at)
		VALUES (:id, :name, :csv_text, :created_at, :updated_at)`,
		roadmap,
	)
	if err != nil {
		return nil, fmt.Errorf("creating roadmap: %w", err)
	}

	row, err := toRow(model.NewCSVRecord(roadmap.ID), now)
	if err != nil {
		return nil, err
	}
	if _, err := tx.NamedExecContext(ctx, insertDatasourceSQL, row); err != nil {
		return nil, fmt.Errorf("creating datasource for roadmap %s: %w", roadmap.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing roadmap %s: %w", roadmap.ID, err)
	}
	return &roadmap, nil
}

// GetRoadmap retrieves a roadmap by ID.
func (s *SQLiteStore) GetRoadmap(ctx context.Context, id string) (*model.Roadmap, error) {
	var roadmap model.Roadmap
	err := s.db.GetContext(ctx, &roadmap,
		"SELECT id, name, csv_text, created_at, updated_at FROM roadmaps WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("roadmap %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting roadmap %s: %w", id, err)
	}
	return &roadmap, nil
}

// ListRoadmaps returns all roadmaps ordered by name.
func (s *SQLiteStore) ListRoadmaps(ctx context.Context) ([]model.Roadmap, error) {
	roadmaps := []model.Roadmap{}
	err := s.db.SelectContext(ctx, &roadmaps,
		"SELECT id, name, csv_text, created_at, updated_at FROM roadmaps ORDER BY name, created_at")
	if err != nil {
		return nil, fmt.Errorf("listing roadmaps: %w", err)
	}
	return roadmaps, nil
}

// SetRoadmapCSV replaces the CSV document of a roadmap.
func (s *SQLiteStore) SetRoadmapCSV(ctx context.Context, id, csvText string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE roadmaps SET csv_text = ?, updated_at = ? WHERE id = ?",
		csvText, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating csv of roadmap %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("roadmap %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteRoadmap removes a roadmap and its datasource record.
func (s *SQLiteStore) DeleteRoadmap(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM roadmap_datasources WHERE roadmap_id = ?", id); err != nil {
		return fmt.Errorf("deleting datasource of roadmap %s: %w", id, err)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM roadmaps WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting roadmap %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("roadmap %s: %w", id, ErrNotFound)
	}

	return tx.Commit()
}
