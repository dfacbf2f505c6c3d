package main

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/lachiem1/drexpay/internal/config"
	"github.com/lachiem1/drexpay/internal/logger"
	"github.com/lachiem1/drexpay/internal/storage"
	"github.com/lachiem1/drexpay/internal/tracker"
	"go.uber.org/zap"
)

// app is the local wiring shared by every command that opens the database.
type app struct {
	cfg   config.Config
	log   *zap.Logger
	db    *sql.DB
	store *storage.TrackerStore
	svc   *tracker.Service
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load("")
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLogger logs to the configured path. Interactive commands default to a
// file next to the database so output does not corrupt the screen.
func newLogger(cfg config.Config, interactive bool) (*zap.Logger, error) {
	path := cfg.Log.Path
	if path == "" && interactive {
		dbCfg, err := storage.ResolvePath(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		path = filepath.Join(filepath.Dir(dbCfg.Path), "drexpay.log")
	}
	return logger.New(cfg.Log.Level, path)
}

func openApp(ctx context.Context, cfg config.Config, interactive bool) (*app, error) {
	log, err := newLogger(cfg, interactive)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	db, dbCfg, err := storage.Open(ctx, cfg.DBPath)
	if err != nil {
		_ = log.Sync()
		return nil, fmt.Errorf("open database: %w", err)
	}
	log.Info("database opened", zap.String("path", dbCfg.Path), zap.String("mode", string(dbCfg.Mode)))

	store := storage.NewTrackerStore(db, log)
	services, err := cfg.LedgerServices()
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := store.Services().ReplaceSnapshot(ctx, services, time.Now()); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed services: %w", err)
	}

	anchor, err := cfg.Periods.PeriodAnchor()
	if err != nil {
		db.Close()
		return nil, err
	}
	svc := tracker.NewService(store, log, tracker.Options{
		PeriodAnchor: anchor,
		PeriodCount:  cfg.Periods.Count,
	})

	return &app{cfg: cfg, log: log, db: db, store: store, svc: svc}, nil
}

func (a *app) Close() {
	a.svc.Close()
	if err := a.db.Close(); err != nil {
		a.log.Warn("close database", zap.Error(err))
	}
	_ = a.log.Sync()
}
