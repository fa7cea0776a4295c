package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	gosync "sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nhle/roadmap-sync/internal/model"
	"github.com/nhle/roadmap-sync/internal/source"
	"github.com/nhle/roadmap-sync/internal/source/azure"
	"github.com/nhle/roadmap-sync/internal/source/csv"
	"github.com/nhle/roadmap-sync/internal/store"
)

// ErrCredentialUnavailable wraps secret codec failures on the stored
// personal access token. Recovering requires storing a new token.
var ErrCredentialUnavailable = errors.New("unable to access stored credential")

// Tracker is the remote tracker the service fetches from. *azure.Adapter
// implements it.
type Tracker interface {
	ListProjects(ctx context.Context, conn azure.Connection) ([]source.Project, error)
	FetchItems(ctx context.Context, conn azure.Connection, cfg model.AzureConfig) (*source.FetchResult, error)
	ResolveWorkItem(ctx context.Context, conn azure.Connection, cfg model.AzureConfig, rawURL string) (*model.RoadmapItem, error)
	Comments(ctx context.Context, conn azure.Connection, project string, id int) ([]source.Comment, error)
	RelatedItems(ctx context.Context, conn azure.Connection, project string, id int) ([]source.RelatedItem, error)
	ValidateConfig(ctx context.Context, conn azure.Connection, cfg model.AzureConfig) (*source.ValidationResult, error)
	SampleRaw(ctx context.Context, conn azure.Connection, cfg model.AzureConfig, size int) ([]json.RawMessage, error)
}

// SecretCodec encrypts personal access tokens at rest. *secret.Codec
// implements it.
type SecretCodec interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(payload string) (string, error)
}

// Options tunes the service. Zero values select the defaults.
type Options struct {
	// FetchTimeout bounds a single live fetch (default 30s).
	FetchTimeout time.Duration

	// StaleGrace is how long a caller holding an expired snapshot waits for
	// the live fetch before the snapshot is returned as stale. Zero waits
	// for the fetch to finish.
	StaleGrace time.Duration

	// MaxStaleness caps the age of a snapshot served as stale. Zero means
	// unbounded.
	MaxStaleness time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// storeTimeout bounds record writes made on behalf of a detached fetch.
const storeTimeout = 10 * time.Second

// Service owns datasource records: configuration, encrypted secret, cached
// snapshot and sync metadata. It guarantees at most one live fetch per
// roadmap.
type Service struct {
	roadmaps store.RoadmapStore
	records  store.DatasourceStore
	tracker  Tracker
	codec    SecretCodec
	logger   *slog.Logger
	now      func() time.Time

	fetchTimeout time.Duration
	staleGrace   time.Duration
	maxStaleness time.Duration

	group singleflight.Group

	mu       gosync.Mutex
	locks    map[string]*roadmapLock
	inflight map[string]bool
}

// NewService wires a service from its collaborators.
func NewService(
	roadmaps store.RoadmapStore,
	records store.DatasourceStore,
	tracker Tracker,
	codec SecretCodec,
	opts Options,
) *Service {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		roadmaps:     roadmaps,
		records:      records,
		tracker:      tracker,
		codec:        codec,
		logger:       opts.Logger.With("component", "sync"),
		now:          opts.Now,
		fetchTimeout: opts.FetchTimeout,
		staleGrace:   opts.StaleGrace,
		maxStaleness: opts.MaxStaleness,
		locks:        make(map[string]*roadmapLock),
		inflight:     make(map[string]bool),
	}
}

// Result is the answer to an item request.
type Result struct {
	Items     []model.RoadmapItem `json:"items"`
	Stale     bool                `json:"stale"`
	Truncated bool                `json:"truncated"`
	Warning   string              `json:"warning,omitempty"`
	FetchedAt *time.Time          `json:"fetchedAt,omitempty"`
}

func snapshotResult(snap *model.Snapshot, stale bool, warning string) *Result {
	fetchedAt := snap.FetchedAt
	items := snap.Items
	if items == nil {
		items = []model.RoadmapItem{}
	}
	if warning == "" {
		warning = snap.Warning
	}
	return &Result{
		Items:     items,
		Stale:     stale,
		Truncated: snap.Truncated,
		Warning:   warning,
		FetchedAt: &fetchedAt,
	}
}

// roadmapLock serializes config updates and live fetches of one roadmap.
// refs counts holders and waiters; the entry is dropped when it reaches zero.
type roadmapLock struct {
	mu   gosync.Mutex
	refs int
}

// lock acquires the roadmap's lock and returns its release func.
func (s *Service) lock(roadmapID string) (unlock func()) {
	s.mu.Lock()
	l, ok := s.locks[roadmapID]
	if !ok {
		l = &roadmapLock{}
		s.locks[roadmapID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		s.mu.Lock()
		defer s.mu.Unlock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, roadmapID)
		}
	}
}

func (s *Service) setInflight(roadmapID string, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v {
		s.inflight[roadmapID] = true
	} else {
		delete(s.inflight, roadmapID)
	}
}

// Syncing reports whether a live fetch of the roadmap is in flight.
func (s *Service) Syncing(roadmapID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[roadmapID]
}

// GetRecord returns the datasource record of a roadmap, creating the
// default csv record when the roadmap has none.
func (s *Service) GetRecord(ctx context.Context, roadmapID string) (*model.DatasourceRecord, error) {
	rec, err := s.records.GetDatasource(ctx, roadmapID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if _, err := s.roadmaps.GetRoadmap(ctx, roadmapID); err != nil {
		return nil, err
	}
	def := model.NewCSVRecord(roadmapID)
	if err := s.records.UpsertDatasource(ctx, def); err != nil {
		return nil, fmt.Errorf("creating default datasource: %w", err)
	}
	return s.records.GetDatasource(ctx, roadmapID)
}

// Update is a configuration change. Secret, when non-nil and non-blank,
// replaces the stored token; ClearSecret removes it.
type Update struct {
	Type        model.DatasourceType
	Azure       *model.AzureConfig
	Secret      *string
	ClearSecret bool
}

// UpdateConfig applies u to the roadmap's record and returns the new
// summary. It never fetches. A change of type or of the query shape drops
// the cached snapshot and its sync metadata.
func (s *Service) UpdateConfig(ctx context.Context, roadmapID string, u Update) (*Summary, error) {
	typ, err := model.ParseDatasourceType(string(u.Type))
	if err != nil {
		return nil, err
	}

	unlock := s.lock(roadmapID)
	defer unlock()

	rec, err := s.GetRecord(ctx, roadmapID)
	if err != nil {
		return nil, err
	}

	switch typ {
	case model.DatasourceCSV:
		if rec.Type != model.DatasourceCSV {
			rec.ClearSync()
		}
		rec.Type = model.DatasourceCSV
		rec.Config = nil
		rec.EncryptedSecret = nil

	case model.DatasourceAzure:
		if u.Azure == nil {
			return nil, &model.ConfigurationError{Message: "azure-devops datasource requires a configuration"}
		}
		cfg, err := u.Azure.Sanitize()
		if err != nil {
			return nil, err
		}
		if rec.Type != model.DatasourceAzure || rec.Config == nil || rec.Config.Fingerprint() != cfg.Fingerprint() {
			rec.ClearSync()
		}
		rec.Type = model.DatasourceAzure
		rec.Config = &cfg

		if u.ClearSecret {
			rec.EncryptedSecret = nil
		}
		if u.Secret != nil {
			if plaintext := strings.TrimSpace(*u.Secret); plaintext != "" {
				enc, err := s.codec.Encrypt(plaintext)
				if err != nil {
					return nil, fmt.Errorf("encrypting personal access token: %w", err)
				}
				rec.EncryptedSecret = &enc
			}
		}
	}

	if err := s.records.UpsertDatasource(ctx, *rec); err != nil {
		return nil, err
	}

	s.logger.Info("datasource updated",
		"roadmap", roadmapID,
		"type", rec.Type,
		"hasSecret", rec.HasSecret(),
	)
	return s.summarize(rec), nil
}

// ImportCSV validates text and stores it as the roadmap's CSV document.
func (s *Service) ImportCSV(ctx context.Context, roadmapID, text string) ([]model.RoadmapItem, error) {
	items, err := csv.Parse(text)
	if err != nil {
		return nil, err
	}
	if err := s.roadmaps.SetRoadmapCSV(ctx, roadmapID, text); err != nil {
		return nil, err
	}
	return items, nil
}

// FetchItems returns the roadmap's items.
//
// csv roadmaps parse the stored CSV text and never touch the network.
// azure-devops roadmaps answer from the snapshot while it is younger than
// the refresh interval unless force is set; otherwise a live fetch runs.
// Callers that are not forcing and find a fetch already running get the
// snapshot marked stale. A failed live fetch falls back to the snapshot
// (stale, with a warning) when one exists and propagates otherwise.
func (s *Service) FetchItems(ctx context.Context, roadmapID string, force bool) (*Result, error) {
	rec, err := s.GetRecord(ctx, roadmapID)
	if err != nil {
		return nil, err
	}

	if rec.Type == model.DatasourceCSV {
		return s.csvResult(ctx, roadmapID)
	}
	if rec.Config == nil {
		return nil, &model.ConfigurationError{Message: fmt.Sprintf("roadmap %s has no azure-devops configuration", roadmapID)}
	}

	if !force && rec.Snapshot != nil && s.fresh(rec) {
		return snapshotResult(rec.Snapshot, false, ""), nil
	}

	servable := rec.Snapshot != nil && s.servable(rec.Snapshot)
	if !force && servable && s.Syncing(roadmapID) {
		return snapshotResult(rec.Snapshot, true, "a refresh is in progress; showing cached items"), nil
	}

	ch := s.group.DoChan(roadmapID, func() (any, error) {
		return s.refresh(roadmapID)
	})

	var grace <-chan time.Time
	if !force && servable && s.staleGrace > 0 {
		timer := time.NewTimer(s.staleGrace)
		defer timer.Stop()
		grace = timer.C
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		out := *res.Val.(*Result)
		return &out, nil
	case <-grace:
		return snapshotResult(rec.Snapshot, true, "the refresh is taking longer than expected; showing cached items"), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) csvResult(ctx context.Context, roadmapID string) (*Result, error) {
	roadmap, err := s.roadmaps.GetRoadmap(ctx, roadmapID)
	if err != nil {
		return nil, err
	}
	items, err := csv.Parse(roadmap.CSVText)
	if err != nil {
		return nil, err
	}
	return &Result{Items: items}, nil
}

// fresh reports whether the last successful sync is within the refresh
// interval.
func (s *Service) fresh(rec *model.DatasourceRecord) bool {
	if rec.LastSyncAt == nil || rec.Config == nil {
		return false
	}
	return s.now().Sub(*rec.LastSyncAt) < rec.Config.RefreshInterval()
}

// servable reports whether snap may still be served as stale.
func (s *Service) servable(snap *model.Snapshot) bool {
	return s.maxStaleness <= 0 || s.now().Sub(snap.FetchedAt) <= s.maxStaleness
}

// refresh is the single live fetch of a roadmap. It runs detached from the
// caller that started it so abandoned requests still warm the cache.
func (s *Service) refresh(roadmapID string) (*Result, error) {
	s.setInflight(roadmapID, true)
	defer s.setInflight(roadmapID, false)

	unlock := s.lock(roadmapID)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.fetchTimeout)
	defer cancel()

	// Re-read under the lock; a config update may have landed meanwhile.
	rec, err := s.records.GetDatasource(ctx, roadmapID)
	if err != nil {
		return nil, err
	}
	if rec.Type == model.DatasourceCSV {
		return s.csvResult(ctx, roadmapID)
	}
	if rec.Config == nil {
		return nil, &model.ConfigurationError{Message: fmt.Sprintf("roadmap %s has no azure-devops configuration", roadmapID)}
	}

	conn, err := s.connection(rec)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	res, fetchErr := s.tracker.FetchItems(ctx, conn, *rec.Config)
	elapsed := time.Since(started)

	attemptAt := s.now()
	rec.LastAttemptAt = &attemptAt
	rec.LastSyncDurationMs = elapsed.Milliseconds()

	if fetchErr != nil {
		rec.LastSyncError = fetchErr.Error()
		persistErr := s.persist(rec)

		s.logger.Warn("live fetch failed",
			"roadmap", roadmapID,
			"duration", elapsed,
			"err", fetchErr,
		)

		if source.IsRemote(fetchErr) && rec.Snapshot != nil && s.servable(rec.Snapshot) {
			warning := "showing cached items: " + fetchErr.Error()
			if persistErr != nil {
				warning += "; the failure could not be recorded: " + persistErr.Error()
			}
			return snapshotResult(rec.Snapshot, true, warning), nil
		}
		return nil, fetchErr
	}

	rec.Snapshot = &model.Snapshot{
		Items:     res.Items,
		Truncated: res.Truncated,
		Warning:   res.Warning,
		FetchedAt: attemptAt,
	}
	rec.LastSyncAt = &attemptAt
	rec.LastSyncItemCount = len(res.Items)
	rec.LastSyncError = ""
	if err := s.persist(rec); err != nil {
		return nil, err
	}

	s.logger.Info("live fetch succeeded",
		"roadmap", roadmapID,
		"duration", elapsed,
		"items", len(res.Items),
		"truncated", res.Truncated,
	)

	return snapshotResult(rec.Snapshot, false, ""), nil
}

// persist writes rec with its own deadline so a slow fetch cannot starve the
// write.
func (s *Service) persist(rec *model.DatasourceRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := s.records.UpsertDatasource(ctx, *rec); err != nil {
		s.logger.Error("persisting sync outcome",
			"roadmap", rec.RoadmapID,
			"err", err,
		)
		return fmt.Errorf("persisting sync outcome: %w", err)
	}
	return nil
}

// connection decrypts the stored token of an azure-devops record. The
// plaintext lives only in the returned value.
func (s *Service) connection(rec *model.DatasourceRecord) (azure.Connection, error) {
	if !rec.HasSecret() {
		return azure.Connection{}, &model.ConfigurationError{
			Message: fmt.Sprintf("roadmap %s has no personal access token", rec.RoadmapID),
		}
	}
	pat, err := s.codec.Decrypt(*rec.EncryptedSecret)
	if err != nil {
		if model.IsConfigurationError(err) {
			return azure.Connection{}, err
		}
		return azure.Connection{}, fmt.Errorf("%w: %w", ErrCredentialUnavailable, err)
	}
	return azure.Connection{OrganizationURL: rec.Config.OrganizationURL, PAT: pat}, nil
}

// azureRecord loads a record that must be an azure-devops datasource.
func (s *Service) azureRecord(ctx context.Context, roadmapID string) (*model.DatasourceRecord, azure.Connection, error) {
	rec, err := s.GetRecord(ctx, roadmapID)
	if err != nil {
		return nil, azure.Connection{}, err
	}
	if rec.Type != model.DatasourceAzure || rec.Config == nil {
		return nil, azure.Connection{}, &model.ConfigurationError{
			Message: fmt.Sprintf("roadmap %s is not an azure-devops datasource", roadmapID),
		}
	}
	conn, err := s.connection(rec)
	if err != nil {
		return nil, azure.Connection{}, err
	}
	return rec, conn, nil
}

func parseWorkItemID(raw string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || id <= 0 {
		return 0, &model.ConfigurationError{Message: fmt.Sprintf("invalid work item id %q", raw)}
	}
	return id, nil
}

// ResolveWorkItem maps the work item behind rawURL with the roadmap's
// field map.
func (s *Service) ResolveWorkItem(ctx context.Context, roadmapID, rawURL string) (*model.RoadmapItem, error) {
	rec, conn, err := s.azureRecord(ctx, roadmapID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()
	return s.tracker.ResolveWorkItem(ctx, conn, *rec.Config, rawURL)
}

// FetchComments returns the comments of a work item in the roadmap's project.
func (s *Service) FetchComments(ctx context.Context, roadmapID, workItemID string) ([]source.Comment, error) {
	id, err := parseWorkItemID(workItemID)
	if err != nil {
		return nil, err
	}
	rec, conn, err := s.azureRecord(ctx, roadmapID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()
	return s.tracker.Comments(ctx, conn, rec.Config.Project, id)
}

// FetchRelatedItems returns the work items linked to a work item.
func (s *Service) FetchRelatedItems(ctx context.Context, roadmapID, workItemID string) ([]source.RelatedItem, error) {
	id, err := parseWorkItemID(workItemID)
	if err != nil {
		return nil, err
	}
	rec, conn, err := s.azureRecord(ctx, roadmapID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()
	return s.tracker.RelatedItems(ctx, conn, rec.Config.Project, id)
}

// ValidateConfig dry-runs a configuration. candidate and pat default to the
// stored configuration and token. Nothing is written.
func (s *Service) ValidateConfig(
	ctx context.Context,
	roadmapID string,
	candidate *model.AzureConfig,
	pat *string,
) (*source.ValidationResult, error) {
	rec, err := s.GetRecord(ctx, roadmapID)
	if err != nil {
		return nil, err
	}

	var cfg model.AzureConfig
	switch {
	case candidate != nil:
		if cfg, err = candidate.Sanitize(); err != nil {
			return nil, err
		}
	case rec.Config != nil:
		cfg = *rec.Config
	default:
		return nil, &model.ConfigurationError{Message: "no azure-devops configuration to validate"}
	}

	conn := azure.Connection{OrganizationURL: cfg.OrganizationURL}
	if pat != nil && strings.TrimSpace(*pat) != "" {
		conn.PAT = strings.TrimSpace(*pat)
	} else {
		stored, err := s.connection(rec)
		if err != nil {
			return nil, err
		}
		conn.PAT = stored.PAT
	}

	ctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()
	return s.tracker.ValidateConfig(ctx, conn, cfg)
}

// ListProjects lists the projects visible to a connection. Empty fields of
// override fall back to the roadmap's stored organization and token.
func (s *Service) ListProjects(ctx context.Context, roadmapID string, override azure.Connection) ([]source.Project, error) {
	conn := override
	if conn.OrganizationURL == "" || conn.PAT == "" {
		rec, err := s.GetRecord(ctx, roadmapID)
		if err != nil {
			return nil, err
		}
		if rec.Config == nil {
			if conn.OrganizationURL == "" {
				return nil, &model.ConfigurationError{Message: "organization URL is required"}
			}
		} else {
			if conn.OrganizationURL == "" {
				conn.OrganizationURL = rec.Config.OrganizationURL
			}
			if conn.PAT == "" {
				stored, err := s.connection(rec)
				if err != nil {
					return nil, err
				}
				conn.PAT = stored.PAT
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()
	return s.tracker.ListProjects(ctx, conn)
}

// SampleRaw returns raw work item documents for field-mapping diagnosis.
// It does not touch the cache.
func (s *Service) SampleRaw(ctx context.Context, roadmapID string, size int) ([]json.RawMessage, error) {
	rec, conn, err := s.azureRecord(ctx, roadmapID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()
	return s.tracker.SampleRaw(ctx, conn, *rec.Config, size)
}
