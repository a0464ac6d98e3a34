package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/super-productivity/sync-core/internal/config"
	"github.com/super-productivity/sync-core/pkg/logging"
	"github.com/super-productivity/sync-core/pkg/materializer"
	"github.com/super-productivity/sync-core/pkg/metrics"
	"github.com/super-productivity/sync-core/pkg/oplog"
	"github.com/super-productivity/sync-core/pkg/orchestrator"
	"github.com/super-productivity/sync-core/pkg/remote"
	"github.com/super-productivity/sync-core/pkg/rewrite"
	"github.com/super-productivity/sync-core/pkg/syncimport"
	"github.com/super-productivity/sync-core/pkg/vectorclock"
)

// app bundles the wired dependency graph one invocation of synccli needs,
// the same way ollamacron's Application struct holds the process's
// engines/logger/config together for its subcommands to share.
type app struct {
	cfg          config.Config
	logger       zerolog.Logger
	store        *oplog.LevelDBStore
	mat          *materializer.Materializer
	orchestrator *orchestrator.Orchestrator
}

func newApp() (*app, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	level := logging.Level(cfg.Logging.Level)
	logger := logging.New("synccli", logging.Config{
		Level:    level,
		Pretty:   cfg.Logging.Pretty,
		ClientID: cfg.Client.ID,
	})

	store, err := oplog.OpenLevelDBStore(storeDir(cfg), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open op-log store: %w", err)
	}
	closeFn := func() { _ = store.Close() }

	if err := ensureLocalClientID(store, &cfg); err != nil {
		closeFn()
		return nil, nil, err
	}

	mat := materializer.New(logger)
	if cache, ok, err := store.LoadStateCache(); err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("load state cache: %w", err)
	} else if ok {
		if err := mat.LoadSnapshot(cache.Snapshot); err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("restore materialized state: %w", err)
		}
	}

	metricsReg := metrics.NewRegistry(prometheus.NewRegistry())

	rewriter := rewrite.New(store, mat, cfg.Sync.MaxVectorClockSize, logger, metricsReg)
	filter := syncimport.New(cfg.Sync.MaxVectorClockSize, logger, metricsReg)

	codec := remote.NewYAMLCodec()
	file := remote.NewLocalFile()
	adapter := remote.New(codec, file, cfg.Remote.Path, cfg.Sync.RecentOpsWindow, cfg.Sync.MaxVectorClockSize, logger, metricsReg)

	orch := orchestrator.New(store, adapter, mat, mat, filter, rewriter, cfg.Sync.MaxLWWRewriteRounds, cfg.Sync.IOTimeout, logger, metricsReg)

	return &app{cfg: cfg, logger: logger, store: store, mat: mat, orchestrator: orch}, closeFn, nil
}

// ensureLocalClientID assigns a fresh client ID on first run, the way a
// real client provisions its device identity the first time it opens a
// store with no prior local_client meta key.
func ensureLocalClientID(store *oplog.LevelDBStore, cfg *config.Config) error {
	if cfg.Client.ID != "" {
		if _, ok, err := store.GetLocalClientID(); err != nil {
			return err
		} else if !ok {
			return store.SetLocalClientID(vectorclock.ClientID(cfg.Client.ID))
		}
		return nil
	}

	_, ok, err := store.GetLocalClientID()
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	id := vectorclock.ClientID(uuid.NewString())
	return store.SetLocalClientID(id)
}

func storeDir(cfg config.Config) string {
	if cfg.Remote.Path == "" {
		return "synccli-data"
	}
	return cfg.Remote.Path + ".d"
}

// persistSnapshot saves the materializer's current projection into the
// store's snapshot cache, backing up the prior generation first per
// spec.md §3's "Snapshot cache" migration-safety rule.
func (a *app) persistSnapshot() error {
	snap, err := a.mat.CurrentSnapshot()
	if err != nil {
		return err
	}
	if err := a.store.SaveStateCacheBackup(); err != nil {
		return err
	}
	clock, err := a.store.GetCurrentVectorClock()
	if err != nil {
		return err
	}
	lastSeq, err := a.store.GetLastSeq()
	if err != nil {
		return err
	}
	return a.store.SaveStateCache(oplog.StateCache{
		Snapshot:         snap,
		LastAppliedOpSeq: lastSeq,
		VectorClock:      clock,
		CompactedAt:      oplog.NowMillis(),
		SchemaVersion:    remote.CurrentSchemaVersion,
	})
}
