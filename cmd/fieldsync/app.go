package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hyperengineering/fieldsync/internal/auth"
	"github.com/hyperengineering/fieldsync/internal/config"
	"github.com/hyperengineering/fieldsync/internal/dao"
	"github.com/hyperengineering/fieldsync/internal/entity"
	"github.com/hyperengineering/fieldsync/internal/logging"
	"github.com/hyperengineering/fieldsync/internal/metadata"
	"github.com/hyperengineering/fieldsync/internal/remote"
	"github.com/hyperengineering/fieldsync/internal/store"
	"github.com/hyperengineering/fieldsync/internal/syncer"
)

// app holds the components shared by every command.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
	store     *store.SQLiteStore
	reg       *dao.Registry
	meta      *metadata.Repository
	deviceID  string
	tokens    *auth.TokenSource
	client    *remote.Client
	engine    *syncer.Engine
}

// openApp loads configuration, installs the process logger and opens the
// local store and remote client.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, closer := logging.New(cfg.Log)
	slog.SetDefault(logger)
	slog.Info("configuration loaded", "level", cfg.Log.Level, "format", cfg.Log.Format)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		closer.Close()
		return nil, err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	a := &app{
		cfg:       cfg,
		logger:    logger,
		logCloser: closer,
		store:     st,
		reg:       dao.NewRegistry(st, entity.Default(), dao.WithLogger(logger)),
		meta:      metadata.NewRepository(st),
	}

	a.deviceID, err = a.meta.DeviceID(ctx)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("device id: %w", err)
	}

	a.tokens = auth.NewTokenSource(cfg.Auth.TokenFile, cfg.Auth.Token,
		time.Duration(cfg.Auth.PollInterval), auth.WithLogger(logger))
	a.client = remote.NewClient(cfg.Remote.BaseURL, a.tokens,
		remote.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Remote.Timeout)}),
		remote.WithDeviceID(a.deviceID),
		remote.WithLogger(logger),
	)
	a.engine = syncer.New(a.reg, a.client, a.meta,
		syncer.WithPageLimit(cfg.Remote.PageLimit),
		syncer.WithLogger(logger),
	)
	slog.Info("sync engine initialized", "remote", cfg.Remote.BaseURL, "device_id", a.deviceID)
	return a, nil
}

// metricsPeriods returns the configured dashboard periods, defaulting to today.
func (a *app) metricsPeriods() []string {
	if len(a.cfg.Sync.MetricsPeriods) == 0 {
		return []string{"today"}
	}
	return a.cfg.Sync.MetricsPeriods
}

// Close releases the store and the log file.
func (a *app) Close() error {
	var first error
	if err := a.store.Close(); err != nil {
		slog.Error("store close error", "error", err)
		first = err
	}
	if err := a.logCloser.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
