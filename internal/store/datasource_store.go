package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/roadmap-sync/internal/model"
)

// datasourceRow is the roadmap_datasources row. Config and snapshot are
// stored as JSON text.
type datasourceRow struct {
	RoadmapID          string         `db:"roadmap_id"`
	Type               string         `db:"type"`
	Config             string         `db:"config"`
	EncryptedSecret    sql.NullString `db:"encrypted_secret"`
	Snapshot           sql.NullString `db:"snapshot"`
	LastSyncAt         sql.NullTime   `db:"last_sync_at"`
	LastAttemptAt      sql.NullTime   `db:"last_attempt_at"`
	LastSyncDurationMs int64          `db:"last_sync_duration_ms"`
	LastSyncItemCount  int            `db:"last_sync_item_count"`
	LastSyncError      string         `db:"last_sync_error"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

const datasourceColumns = `roadmap_id, type, config, encrypted_secret, snapshot,
	last_sync_at, last_attempt_at, last_sync_duration_ms, last_sync_item_count,
	last_sync_error, updated_at`

const insertDatasourceSQL = `
	INSERT INTO roadmap_datasources (` + datasourceColumns + `)
	VALUES (
		:roadmap_id, :type, :config, :encrypted_secret, :snapshot,
		:last_sync_at, :last_attempt_at, :last_sync_duration_ms, :last_sync_item_count,
		:last_sync_error, :updated_at
	)
	ON CONFLICT(roadmap_id) DO UPDATE SET
		type = excluded.type,
		config = excluded.config,
		encrypted_secret = excluded.encrypted_secret,
		snapshot = excluded.snapshot,
		last_sync_at = excluded.last_sync_at,
		last_attempt_at = excluded.last_attempt_at,
		last_sync_duration_ms = excluded.last_sync_duration_ms,
		last_sync_item_count = excluded.last_sync_item_count,
		last_sync_error = excluded.last_sync_error,
		updated_at = excluded.updated_at`

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func toRow(rec model.DatasourceRecord, now time.Time) (datasourceRow, error) {
	row := datasourceRow{
		RoadmapID:          rec.RoadmapID,
		Type:               string(rec.Type),
		LastSyncAt:         nullTime(rec.LastSyncAt),
		LastAttemptAt:      nullTime(rec.LastAttemptAt),
		LastSyncDurationMs: rec.LastSyncDurationMs,
		LastSyncItemCount:  rec.LastSyncItemCount,
		LastSyncError:      rec.LastSyncError,
		UpdatedAt:          now,
	}
	if row.Type == "" {
		row.Type = string(model.DatasourceCSV)
	}

	if rec.Config != nil {
		data, err := json.Marshal(rec.Config)
		if err != nil {
			return datasourceRow{}, fmt.Errorf("marshaling datasource config: %w", err)
		}
		row.Config = string(data)
	}
	if rec.EncryptedSecret != nil {
		row.EncryptedSecret = sql.NullString{String: *rec.EncryptedSecret, Valid: true}
	}
	if rec.Snapshot != nil {
		data, err := json.Marshal(rec.Snapshot)
		if err != nil {
			return datasourceRow{}, fmt.Errorf("marshaling snapshot: %w", err)
		}
		row.Snapshot = sql.NullString{String: string(data), Valid: true}
	}

	return row, nil
}

// toRecord decodes a row. A malformed config is a configuration error; a
// malformed snapshot is dropped since it is only a cache.
func (r datasourceRow) toRecord() (*model.DatasourceRecord, error) {
	rec := &model.DatasourceRecord{
		RoadmapID:          r.RoadmapID,
		Type:               model.DatasourceType(r.Type),
		LastSyncAt:         timePtr(r.LastSyncAt),
		LastAttemptAt:      timePtr(r.LastAttemptAt),
		LastSyncDurationMs: r.LastSyncDurationMs,
		LastSyncItemCount:  r.LastSyncItemCount,
		LastSyncError:      r.LastSyncError,
		UpdatedAt:          r.UpdatedAt,
	}

	if r.Config != "" {
		var cfg model.AzureConfig
		if err := json.Unmarshal([]byte(r.Config), &cfg); err != nil {
			return nil, &model.ConfigurationError{
				Message: fmt.Sprintf("stored configuration of roadmap %s is malformed", r.RoadmapID),
				Err:     err,
			}
		}
		rec.Config = &cfg
	}
	if r.EncryptedSecret.Valid {
		secret := r.EncryptedSecret.String
		rec.EncryptedSecret = &secret
	}
	if r.Snapshot.Valid {
		var snap model.Snapshot
		if err := json.Unmarshal([]byte(r.Snapshot.String), &snap); err == nil {
			rec.Snapshot = &snap
		}
	}

	return rec, nil
}

// GetDatasource returns the datasource record of a roadmap.
func (s *SQLiteStore) GetDatasource(ctx context.Context, roadmapID string) (*model.DatasourceRecord, error) {
	var row datasourceRow
	err := s.db.GetContext(ctx, &row,
		"SELECT "+datasourceColumns+" FROM roadmap_datasources WHERE roadmap_id = ?", roadmapID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("datasource of roadmap %s: %w", roadmapID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting datasource of roadmap %s: %w", roadmapID, err)
	}
	return row.toRecord()
}

// UpsertDatasource inserts or replaces the record of an existing roadmap.
func (s *SQLiteStore) UpsertDatasource(ctx context.Context, rec model.DatasourceRecord) error {
	row, err := toRow(rec, time.Now().UTC())
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.GetContext(ctx, &exists, "SELECT COUNT(*) FROM roadmaps WHERE id = ?", rec.RoadmapID); err != nil {
		return fmt.Errorf("checking roadmap %s: %w", rec.RoadmapID, err)
	}
	if exists == 0 {
		return fmt.Errorf("roadmap %s: %w", rec.RoadmapID, ErrNotFound)
	}

	if _, err := tx.NamedExecContext(ctx, insertDatasourceSQL, row); err != nil {
		return fmt.Errorf("upserting datasource of roadmap %s: %w", rec.RoadmapID, err)
	}

	return tx.Commit()
}

// DeleteByRoadmap removes the datasource record of a roadmap. Deleting a
// missing record is not an error.
func (s *SQLiteStore) DeleteByRoadmap(ctx context.Context, roadmapID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM roadmap_datasources WHERE roadmap_id = ?", roadmapID)
	if err != nil {
		return fmt.Errorf("deleting datasource of roadmap %s: %w", roadmapID, err)
	}
	return nil
}

// ListDatasources returns records of type typ, or all when typ is empty.
func (s *SQLiteStore) ListDatasources(ctx context.Context, typ model.DatasourceType) ([]model.DatasourceRecord, error) {
	query := "SELECT " + datasourceColumns + " FROM roadmap_datasources"
	var args []interface{}
	if typ != "" {
		query += " WHERE type = ?"
		args = append(args, string(typ))
	}
	query += " ORDER BY roadmap_id"

	var rows []datasourceRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing datasources: %w", err)
	}

	records := make([]model.DatasourceRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}
