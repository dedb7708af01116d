// Package app wires configuration into the components the modelup tools
// share: logger, schema catalog, upgrade pipeline, object storage and
// ledger. Storage and ledger are opened on first use.
package app

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/modelup/modelup/internal/batch"
	"github.com/modelup/modelup/internal/catalog"
	"github.com/modelup/modelup/internal/config"
	uperrors "github.com/modelup/modelup/internal/errors"
	"github.com/modelup/modelup/internal/ledger"
	"github.com/modelup/modelup/internal/observability"
	"github.com/modelup/modelup/internal/pipeline"
	"github.com/modelup/modelup/internal/storage"
)

// App holds the shared components for one process.
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	catalog *catalog.Catalog
	pipe    *pipeline.Pipeline

	mu      sync.Mutex
	store   storage.ObjectStorage
	ledger  *ledger.Ledger
	closers []io.Closer
}

// New validates cfg and builds the logger, catalog and pipeline.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := observability.NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	var cat *catalog.Catalog
	if cfg.Catalog.SchemaDir != "" {
		cat, err = catalog.LoadDir(cfg.Catalog.SchemaDir)
	} else {
		cat, err = catalog.Bundled()
	}
	if err != nil {
		return nil, err
	}

	pipe, err := pipeline.New(cat,
		pipeline.WithLogger(logger.Named("pipeline")),
		pipeline.WithMaxDepth(cfg.Upgrade.MaxDepth))
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, logger: logger, catalog: cat, pipe: pipe}
	a.RegisterCloser(closerFunc(func() error {
		// Sync fails on terminals; the error carries no information.
		_ = logger.Sync()
		return nil
	}))
	return a, nil
}

// Config returns the resolved configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Catalog returns the schema catalog.
func (a *App) Catalog() *catalog.Catalog { return a.catalog }

// Pipeline returns the upgrade pipeline.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipe }

// Storage opens the configured object storage on first call.
func (a *App) Storage(ctx context.Context) (storage.ObjectStorage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.store != nil {
		return a.store, nil
	}
	if err := a.cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, a.cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.logger.Debug("storage opened", zap.String("type", a.cfg.Storage.Type))
	return store, nil
}

// Ledger opens the SQLite ledger on first call.
func (a *App) Ledger() (*ledger.Ledger, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ledger != nil {
		return a.ledger, nil
	}
	if err := a.cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	l, err := ledger.Open(a.cfg.Batch.LedgerPath)
	if err != nil {
		return nil, err
	}
	a.ledger = l
	a.closers = append(a.closers, l)
	a.logger.Debug("ledger opened", zap.String("path", a.cfg.Batch.LedgerPath))
	return l, nil
}

// BatchRunner builds a runner over the configured storage and ledger.
func (a *App) BatchRunner(ctx context.Context) (*batch.Runner, error) {
	store, err := a.Storage(ctx)
	if err != nil {
		return nil, err
	}
	l, err := a.Ledger()
	if err != nil {
		return nil, err
	}
	return batch.NewRunner(store, a.pipe, a.cfg.Batch,
		batch.WithLedger(l),
		batch.WithLogger(a.logger.Named("batch")),
		batch.WithTarget(a.cfg.Upgrade.TargetVersion),
		batch.WithCompression(a.cfg.Output.Compression)), nil
}

// RegisterCloser adds a closer to be called by Close. Closers run in
// reverse order of registration.
func (a *App) RegisterCloser(c io.Closer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, c)
}

// Close releases every registered resource.
func (a *App) Close() error {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	var result *multierror.Error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			result = multierror.Append(result, uperrors.NewInternalError("close failed", err))
		}
	}
	return result.ErrorOrNil()
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
