// Package app wires configuration, storage, the secret codec, the Azure
// DevOps adapter and the sync service into one process-wide value.
package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nhle/roadmap-sync/internal/model"
	"github.com/nhle/roadmap-sync/internal/secret"
	"github.com/nhle/roadmap-sync/internal/source/azure"
	"github.com/nhle/roadmap-sync/internal/store"
	appsync "github.com/nhle/roadmap-sync/internal/sync"
)

// App holds the long-lived collaborators of a process.
type App struct {
	Config  *model.AppConfig
	Logger  *slog.Logger
	Store   *store.SQLiteStore
	Keyring secret.KeyringProvider
	Codec   *secret.Codec
	Adapter *azure.Adapter
	Service *appsync.Service
}

// NewLogger returns a text logger on w at the named level. Unknown levels
// fall back to info.
func NewLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// MasterKeyProvider returns the master secret chain for cfg: the configured
// secret first, then the keyring when enabled.
func MasterKeyProvider(cfg *model.AppConfig) (secret.ChainProvider, secret.KeyringProvider) {
	ring := secret.KeyringProvider{FileDir: cfg.Keyring.FileDir}
	chain := secret.ChainProvider{secret.StaticProvider(cfg.SecretKey)}
	if cfg.Keyring.Enabled {
		chain = append(chain, ring)
	}
	return chain, ring
}

// New opens the database and builds the service graph.
func New(cfg *model.AppConfig, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	chain, ring := MasterKeyProvider(cfg)
	codec := secret.NewCodec(chain)

	adapter := azure.NewAdapter(azure.Options{
		Timeout:    time.Duration(cfg.HTTP.TimeoutSec) * time.Second,
		MaxRetries: cfg.HTTP.MaxRetries,
		RateLimit:  cfg.HTTP.RateLimit,
		RateBurst:  cfg.HTTP.RateBurst,
		Logger:     logger,
	})

	svc := appsync.NewService(st, st, adapter, codec, appsync.Options{
		FetchTimeout: time.Duration(cfg.Sync.FetchTimeoutSec) * time.Second,
		StaleGrace:   time.Duration(cfg.Sync.StaleGraceMs) * time.Millisecond,
		MaxStaleness: time.Duration(cfg.Sync.MaxStalenessMin) * time.Minute,
		Logger:       logger,
	})

	return &App{
		Config:  cfg,
		Logger:  logger,
		Store:   st,
		Keyring: ring,
		Codec:   codec,
		Adapter: adapter,
		Service: svc,
	}, nil
}

// NewPoller returns a background warmer. A non-positive interval uses the
// configured poll interval.
func (a *App) NewPoller(interval time.Duration) *appsync.Poller {
	if interval <= 0 {
		interval = time.Duration(a.Config.Sync.PollIntervalSec) * time.Second
	}
	return appsync.NewPoller(a.Service, a.Store, interval, a.Logger)
}

// Close releases the database.
func (a *App) Close() error {
	return a.Store.Close()
}
