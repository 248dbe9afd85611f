package main

import (
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/jamsite/jam-offline/internal/bridge"
	"github.com/jamsite/jam-offline/internal/cache"
	"github.com/jamsite/jam-offline/internal/config"
	"github.com/jamsite/jam-offline/internal/manifest"
	"github.com/jamsite/jam-offline/internal/metadb"
	"github.com/jamsite/jam-offline/internal/syncer"
	"github.com/jamsite/jam-offline/internal/upstream"
)

const metadbFile = "jam-offline.db"

// appRuntime 持有各命令共享的存储与同步组件。
type appRuntime struct {
	storage *cache.Storage
	blobs   cache.Cache
	db      *metadb.DB
	bridge  *bridge.Bridge
	orch    *syncer.Orchestrator
}

// openRuntime 按“缓存目录 → 元数据库 → bridge → 编排器”顺序组装运行时。
// publisher 为空时进度事件发布到 bridge。
func openRuntime(cfg *config.Config, logger *logrus.Logger, publisher syncer.Publisher) (*appRuntime, error) {
	storage, err := cache.NewStorage(cfg.Global.StoragePath)
	if err != nil {
		return nil, err
	}
	blobs, err := storage.Open(config.ContentCacheName)
	if err != nil {
		return nil, err
	}
	db, err := metadb.Open(filepath.Join(cfg.Global.StoragePath, metadbFile))
	if err != nil {
		return nil, err
	}

	b := bridge.New()
	if publisher == nil {
		publisher = b
	}
	syncClient := upstream.NewSyncClient(cfg)
	retry := upstream.RetryPolicyFromConfig(cfg)
	orch, err := syncer.New(syncer.Options{
		Manifest:          manifest.NewFetcher(syncClient, cfg.Site.Upstream, cfg.Site.ManifestPath, retry),
		Meta:              db,
		Blobs:             blobs,
		Publisher:         publisher,
		Logger:            logger,
		Client:            syncClient,
		BaseURL:           cfg.Site.Upstream,
		ContentURL:        cfg.Site.ContentURLPath,
		Retry:             retry,
		DownloadRateLimit: cfg.Site.DownloadRateLimit,
	})
	if err != nil {
		b.Close()
		_ = db.Close()
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}

	return &appRuntime{
		storage: storage,
		blobs:   blobs,
		db:      db,
		bridge:  b,
		orch:    orch,
	}, nil
}

// Close 释放 bridge 与元数据库。
func (r *appRuntime) Close() {
	r.bridge.Close()
	_ = r.db.Close()
}
