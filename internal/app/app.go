// Package app wires configuration, storage, the optional bus, the queue
// service, and metrics into one startable unit shared by the server binary
// and the integration tests.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bobmcallan/crawlq/internal/bus"
	"github.com/bobmcallan/crawlq/internal/common"
	"github.com/bobmcallan/crawlq/internal/interfaces"
	"github.com/bobmcallan/crawlq/internal/metrics"
	"github.com/bobmcallan/crawlq/internal/queue"
	"github.com/bobmcallan/crawlq/internal/storage/postgres"
)

// App holds the initialized queue stack.
type App struct {
	Config  *common.Config
	Logger  *common.Logger
	Store   interfaces.Store
	Bus     interfaces.Bus // nil when no bus URL is configured
	Queue   *queue.Service
	Metrics *metrics.Collector

	cancel context.CancelFunc
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// NewApp loads configuration, opens the store, ensures the schema, and builds
// the queue service. configPath may be empty; resolution falls back to
// CRAWLQ_CONFIG, then crawlq.toml next to the binary, then the development
// path.
func NewApp(ctx context.Context, configPath string) (*App, error) {
	if configPath == "" {
		configPath = os.Getenv("CRAWLQ_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(getBinaryDir(), "crawlq.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/crawlq.toml"
		}
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := common.NewLogger(config.Logging.Level)

	store, err := postgres.New(ctx, postgres.Options{
		URL:      config.Database.URL,
		MaxConns: config.Database.MaxConns,
		Queue:    config.Queue.Name,
		Mode:     config.Queue.GetConcurrencyMode(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	var b interfaces.Bus
	if config.Bus.Enabled() {
		b = bus.New(config.Bus.URL, config.Queue.Name, logger)
	}

	q := queue.NewService(store, b, queue.Options{
		QueueName:        config.Queue.Name,
		WaitMode:         config.Queue.GetWaitMode(config.Bus.Enabled()),
		LeaseTTL:         config.Queue.GetLeaseTTL(),
		PrefetchBatch:    config.Queue.GetPrefetchBatch(),
		ChannelID:        config.Queue.GetChannelID(),
		PrefetchInterval: config.Queue.GetPrefetchInterval(),
		ReapInterval:     config.Queue.GetReapInterval(),
		SweepInterval:    config.Queue.GetSweepInterval(),
	}, logger)

	collector := metrics.NewCollector(store, config.Queue.Name, 0, logger)

	return &App{
		Config:  config,
		Logger:  logger,
		Store:   store,
		Bus:     b,
		Queue:   q,
		Metrics: collector,
	}, nil
}

// Start launches the queue's background loops and the metrics sampler.
func (a *App) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.Queue.Start(runCtx)
	go a.Metrics.Run(runCtx)
}

// Close stops the background loops and releases the store and bus.
func (a *App) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	a.Queue.Stop()
	if a.Bus != nil {
		if err := a.Bus.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Bus close failed")
		}
	}
	a.Store.Close()
}
