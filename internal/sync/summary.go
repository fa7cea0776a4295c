package sync

import (
	"context"
	"time"

	"github.com/nhle/roadmap-sync/internal/model"
)

// State is the coarse sync state of a roadmap's datasource.
type State string

const (
	StateNoConfig   State = "no-config"
	StateCSV        State = "csv"
	StateConfigured State = "azure-configured"
	StateSyncing    State = "syncing"
	StateSynced     State = "synced"
	StateFailed     State = "sync-failed"
)

// Summary describes a datasource record without its secret or items.
type Summary struct {
	RoadmapID          string               `json:"roadmapId"`
	Type               model.DatasourceType `json:"type"`
	State              State                `json:"state"`
	Config             *model.AzureConfig   `json:"config,omitempty"`
	HasSecret          bool                 `json:"hasSecret"`
	Fresh              bool                 `json:"fresh"`
	SnapshotItems      int                  `json:"snapshotItems"`
	LastSyncAt         *time.Time           `json:"lastSyncAt,omitempty"`
	LastAttemptAt      *time.Time           `json:"lastAttemptAt,omitempty"`
	LastSyncDurationMs int64                `json:"lastSyncDurationMs"`
	LastSyncItemCount  int                  `json:"lastSyncItemCount"`
	LastSyncError      string               `json:"lastSyncError,omitempty"`
}

// Summary returns the sanitized view of a roadmap's datasource.
func (s *Service) Summary(ctx context.Context, roadmapID string) (*Summary, error) {
	rec, err := s.GetRecord(ctx, roadmapID)
	if err != nil {
		return nil, err
	}
	return s.summarize(rec), nil
}

func (s *Service) summarize(rec *model.DatasourceRecord) *Summary {
	sum := &Summary{
		RoadmapID:          rec.RoadmapID,
		Type:               rec.Type,
		State:              s.stateOf(rec),
		Config:             rec.Config,
		HasSecret:          rec.HasSecret(),
		Fresh:              rec.Snapshot != nil && s.fresh(rec),
		LastSyncAt:         rec.LastSyncAt,
		LastAttemptAt:      rec.LastAttemptAt,
		LastSyncDurationMs: rec.LastSyncDurationMs,
		LastSyncItemCount:  rec.LastSyncItemCount,
		LastSyncError:      rec.LastSyncError,
	}
	if rec.Snapshot != nil {
		sum.SnapshotItems = len(rec.Snapshot.Items)
	}
	return sum
}

func (s *Service) stateOf(rec *model.DatasourceRecord) State {
	switch {
	case rec.Type == model.DatasourceCSV:
		return StateCSV
	case rec.Config == nil:
		return StateNoConfig
	case s.Syncing(rec.RoadmapID):
		return StateSyncing
	case rec.LastSyncError != "":
		return StateFailed
	case rec.LastSyncAt != nil:
		return StateSynced
	default:
		return StateConfigured
	}
}
