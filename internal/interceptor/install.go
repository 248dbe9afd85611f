package interceptor

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"github.com/jamsite/jam-offline/internal/cache"
	"github.com/jamsite/jam-offline/internal/config"
	"github.com/jamsite/jam-offline/internal/logging"
	"github.com/jamsite/jam-offline/internal/upstream"
)

// revalidateHeader 让安装时的抓取绕过 HTTP 缓存。
var revalidateHeader = http.Header{
	"Cache-Control": []string{"no-cache"},
	"Pragma":        []string{"no-cache"},
}

// Installer 管理静态资源缓存的安装与激活。
type Installer struct {
	storage *cache.Storage
	handler *Handler
	client  *http.Client
	site    config.SiteConfig
	logger  *logrus.Logger
}

// NewInstaller 创建 Installer，安装成功后会切换 handler 的静态缓存。
func NewInstaller(storage *cache.Storage, handler *Handler, client *http.Client, site config.SiteConfig, logger *logrus.Logger) *Installer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Installer{
		storage: storage,
		handler: handler,
		client:  client,
		site:    site,
		logger:  logger,
	}
}

// Install 预取 StaticAssets 中的全部资源写入当前版本的静态缓存。
// 任一资源失败则整体失败，新建的缓存会被删除，之前的版本继续生效。
func (i *Installer) Install(ctx context.Context) error {
	name := i.site.StaticCacheName()
	existed := i.storage.Has(name)
	static, err := i.storage.Open(name)
	if err != nil {
		return fmt.Errorf("open static cache %s: %w", name, err)
	}

	concurrency := i.site.InstallConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	p := pool.New().WithMaxGoroutines(concurrency).WithContext(ctx).WithCancelOnError()
	for _, asset := range i.site.StaticAssets {
		p.Go(func(ctx context.Context) error {
			return i.fetchAsset(ctx, static, asset)
		})
	}
	if err := p.Wait(); err != nil {
		if !existed {
			if _, delErr := i.storage.Delete(name); delErr != nil {
				i.logger.WithError(delErr).WithField("cache", name).Warn("static_cache_rollback_failed")
			}
		}
		return fmt.Errorf("install %s: %w", name, err)
	}

	i.handler.SetStatic(static)
	i.logger.WithFields(logrus.Fields{
		"action": "install",
		"cache":  name,
		"assets": len(i.site.StaticAssets),
	}).Info("static_cache_installed")
	return nil
}

func (i *Installer) fetchAsset(ctx context.Context, static cache.Cache, asset string) error {
	resp, err := upstream.Get(ctx, i.client, i.site.Upstream+asset, revalidateHeader, upstream.RetryPolicy{})
	if err != nil {
		return fmt.Errorf("fetch %s: %w", asset, err)
	}
	defer resp.Body.Close()
	if _, err := static.Put(ctx, asset, resp.Body, cache.PutOptions{
		Header:  storedHeaders(resp.Header),
		ModTime: extractModTime(resp.Header),
	}); err != nil {
		return fmt.Errorf("store %s: %w", asset, err)
	}
	return nil
}

// Activate 删除除当前静态缓存与内容缓存以外的全部缓存，并让拦截器改用当前版本。
// 返回被删除的缓存名。
func (i *Installer) Activate(ctx context.Context) ([]string, error) {
	current := i.site.StaticCacheName()
	names, err := i.storage.Names()
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}

	var deleted []string
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if name == current || name == config.ContentCacheName {
			continue
		}
		if _, err := i.storage.Delete(name); err != nil {
			return deleted, fmt.Errorf("delete cache %s: %w", name, err)
		}
		deleted = append(deleted, name)
		i.logger.WithFields(logrus.Fields{"action": "activate", "cache": name}).Info("old_cache_deleted")
	}

	if i.storage.Has(current) {
		static, err := i.storage.Open(current)
		if err != nil {
			return deleted, fmt.Errorf("open static cache %s: %w", current, err)
		}
		i.handler.SetStatic(static)
	}
	return deleted, nil
}
