package sync

import (
	"context"
	"log/slog"
	"sort"
	gosync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nhle/roadmap-sync/internal/model"
	"github.com/nhle/roadmap-sync/internal/source"
	"github.com/nhle/roadmap-sync/internal/store"
)

// SyncState represents the warming state of one roadmap.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
)

func (s SyncState) String() string {
	switch s {
	case SyncRunning:
		return "running"
	case SyncError:
		return "error"
	default:
		return "idle"
	}
}

// SyncStatus holds the warming state for a single roadmap.
type SyncStatus struct {
	RoadmapID string
	State     SyncState
	LastSync  time.Time
	Items     int
	Stale     bool
	Error     error
}

// SyncResult is emitted after every warming attempt.
type SyncResult struct {
	RoadmapID string
	Items     int
	Stale     bool
	Warning   string
	Error     error
	AuthError bool
}

// Warmer fetches the items of a roadmap through the cache. *Service
// implements it.
type Warmer interface {
	FetchItems(ctx context.Context, roadmapID string, force bool) (*Result, error)
}

// warmConcurrency bounds how many roadmaps are warmed at once.
const warmConcurrency = 4

const defaultPollInterval = 5 * time.Minute

// Poller keeps the snapshots of azure-devops roadmaps warm in the
// background. Each pass asks the warmer for every azure-devops roadmap
// without forcing, so fresh snapshots cost nothing and expired ones are
// refreshed through the single-flight path.
type Poller struct {
	warmer    Warmer
	records   store.DatasourceStore
	interval  time.Duration
	logger    *slog.Logger
	statuses  map[string]*SyncStatus
	resultCh  chan SyncResult
	triggerCh chan string
	stopCh    chan struct{}
	doneCh    chan struct{}
	mu        gosync.Mutex
	running   bool
}

// NewPoller creates a poller. A non-positive interval selects the default.
func NewPoller(w Warmer, records store.DatasourceStore, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		warmer:    w,
		records:   records,
		interval:  interval,
		logger:    logger.With("component", "poller"),
		statuses:  make(map[string]*SyncStatus),
		resultCh:  make(chan SyncResult, 64),
		triggerCh: make(chan string, 16),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the polling loop. It warms once immediately, then on every
// tick and on every trigger until Stop is called or ctx ends.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	go p.loop(ctx)
}

// Stop halts the polling loop and waits for the current pass to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	<-p.doneCh
}

// Results delivers one SyncResult per warming attempt. Results are dropped
// when nobody reads them.
func (p *Poller) Results() <-chan SyncResult {
	return p.resultCh
}

// RefreshAll triggers an immediate pass over all azure-devops roadmaps.
func (p *Poller) RefreshAll() {
	p.RefreshRoadmap("")
}

// RefreshRoadmap triggers an immediate warm of one roadmap.
func (p *Poller) RefreshRoadmap(roadmapID string) {
	select {
	case p.triggerCh <- roadmapID:
	default:
		// Channel full; a pass is already pending.
	}
}

// Statuses returns the warming status of every roadmap seen so far, ordered
// by roadmap ID.
func (p *Poller) Statuses() []SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]SyncStatus, 0, len(p.statuses))
	for _, s := range p.statuses {
		statuses = append(statuses, *s)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].RoadmapID < statuses[j].RoadmapID
	})
	return statuses
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.WarmOnce(ctx, "")

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.WarmOnce(ctx, "")
		case id := <-p.triggerCh:
			p.WarmOnce(ctx, id)
		}
	}
}

// WarmOnce runs a single warming pass. An empty roadmapID warms every
// azure-devops roadmap.
func (p *Poller) WarmOnce(ctx context.Context, roadmapID string) {
	var ids []string
	if roadmapID != "" {
		ids = []string{roadmapID}
	} else {
		records, err := p.records.ListDatasources(ctx, model.DatasourceAzure)
		if err != nil {
			p.logger.Error("listing azure-devops datasources", "err", err)
			return
		}
		for _, rec := range records {
			ids = append(ids, rec.RoadmapID)
		}
	}

	var g errgroup.Group
	g.SetLimit(warmConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			p.warm(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Poller) warm(ctx context.Context, roadmapID string) {
	p.setStatus(roadmapID, func(s *SyncStatus) {
		s.State = SyncRunning
	})

	res, err := p.warmer.FetchItems(ctx, roadmapID, false)
	if err != nil {
		p.setStatus(roadmapID, func(s *SyncStatus) {
			s.State = SyncError
			s.Error = err
		})
		p.logger.Warn("warming failed", "roadmap", roadmapID, "err", err)
		p.sendResult(SyncResult{
			RoadmapID: roadmapID,
			Error:     err,
			AuthError: source.IsAuthError(err),
		})
		return
	}

	p.setStatus(roadmapID, func(s *SyncStatus) {
		s.State = SyncIdle
		s.Error = nil
		s.Items = len(res.Items)
		s.Stale = res.Stale
		if res.FetchedAt != nil {
			s.LastSync = *res.FetchedAt
		}
	})
	p.sendResult(SyncResult{
		RoadmapID: roadmapID,
		Items:     len(res.Items),
		Stale:     res.Stale,
		Warning:   res.Warning,
	})
}

func (p *Poller) setStatus(roadmapID string, update func(*SyncStatus)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, ok := p.statuses[roadmapID]
	if !ok {
		status = &SyncStatus{RoadmapID: roadmapID}
		p.statuses[roadmapID] = status
	}
	update(status)
}

// sendResult sends a SyncResult without blocking.
func (p *Poller) sendResult(res SyncResult) {
	select {
	case p.resultCh <- res:
	default:
		// Drop if channel is full to avoid blocking the poller
	}
}
