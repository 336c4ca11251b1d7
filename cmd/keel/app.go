package main

import (
	"context"
	"time"

	"github.com/Driftware-Labs/keel/pkg/config"
	"github.com/Driftware-Labs/keel/pkg/fault"
	"github.com/Driftware-Labs/keel/pkg/lifecycle"
	"github.com/Driftware-Labs/keel/pkg/query"
	"github.com/Driftware-Labs/keel/pkg/registry"
	"github.com/Driftware-Labs/keel/pkg/scheduler"
	"github.com/Driftware-Labs/keel/pkg/store"
	"github.com/Driftware-Labs/keel/pkg/store/filestore"
	"github.com/Driftware-Labs/keel/pkg/store/pgstore"
	"github.com/Driftware-Labs/keel/pkg/store/redisstore"
	"github.com/Driftware-Labs/keel/pkg/store/sqlitestore"
	"github.com/Driftware-Labs/keel/pkg/telemetry"
)

// app wires the configured backend into the coordination components.
type app struct {
	cfg   *config.Config
	st    store.Store
	tel   *telemetry.Provider
	reg   *registry.Registry
	ctl   *lifecycle.Controller
	sch   *scheduler.Scheduler
	query *query.Engine
	clock func() time.Time
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	tel, err := telemetry.New(ctx, &telemetry.Config{
		ServiceName:    "keel",
		ServiceVersion: "0.3.0",
		Environment:    "production",
		SpanFilePath:   cfg.SpanFilePath,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		OTLPInsecure:   cfg.OTLPInsecure,
		SampleRate:     cfg.SampleRate,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
	})
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	reg := registry.New(registry.Options{
		Store:        st,
		Telemetry:    tel,
		HeartbeatTTL: cfg.HeartbeatTTL,
	})
	ctl := lifecycle.New(lifecycle.Options{
		Store:     st,
		Registry:  reg,
		Telemetry: tel,
	})

	var ranker scheduler.Ranker
	if cfg.RankerURL != "" {
		ranker = scheduler.NewHTTPRanker(cfg.RankerURL, cfg.RankerBudget)
	}
	sch := scheduler.New(scheduler.Options{
		Store:      st,
		Registry:   reg,
		Telemetry:  tel,
		Ranker:     ranker,
		RankBudget: cfg.RankerBudget,
	})

	q, err := query.NewEngine()
	if err != nil {
		_ = st.Close()
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	return &app{
		cfg:   cfg,
		st:    st,
		tel:   tel,
		reg:   reg,
		ctl:   ctl,
		sch:   sch,
		query: q,
		clock: time.Now,
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	lock := store.LockParams{
		Budget:         cfg.LockBudget,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	}
	switch cfg.Backend {
	case config.BackendFile:
		return filestore.Open(filestore.Options{Dir: cfg.DataDir, Lock: lock})
	case config.BackendSQLite:
		return sqlitestore.Open(sqlitestore.Options{Path: cfg.SQLitePath, Lock: lock})
	case config.BackendPostgres:
		return pgstore.Open(pgstore.Options{DSN: cfg.PostgresDSN, Lock: lock})
	case config.BackendRedis:
		return redisstore.Open(ctx, redisstore.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
			Lock: lock,
		})
	}
	return nil, fault.New(fault.Validation, "cli", "", "unknown backend "+string(cfg.Backend))
}

func (a *app) now() time.Time { return a.clock() }

func (a *app) Close(ctx context.Context) {
	_ = a.st.Close()
	_ = a.tel.Shutdown(ctx)
}
