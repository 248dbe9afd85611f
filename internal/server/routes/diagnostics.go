package routes

import (
	"context"

	"github.com/gofiber/fiber/v3"

	"github.com/jamsite/jam-offline/internal/config"
	"github.com/jamsite/jam-offline/internal/version"
)

// ChartCounter 返回已缓存章节数量，*metadb.DB 满足该接口。
type ChartCounter interface {
	Count(ctx context.Context) (int, error)
}

// CacheLister 列出磁盘上的命名缓存，*cache.Storage 满足该接口。
type CacheLister interface {
	Names() ([]string, error)
}

// DiagnosticsDeps 汇总诊断接口依赖。
type DiagnosticsDeps struct {
	Status StatusSource
	Charts ChartCounter
	Caches CacheLister
}

type diagnosticsPayload struct {
	SiteVersion   string `json:"site_version"`
	CachedCharts  int    `json:"cached_charts"`
	ManifestTotal int    `json:"manifest_total"`
	State         string `json:"state"`
	Build         string `json:"build"`
}

// RegisterDiagnosticsRoutes 暴露 /-/diagnostics，输出站点版本、缓存进度与同步状态。
func RegisterDiagnosticsRoutes(app *fiber.App, deps DiagnosticsDeps) {
	if app == nil || deps.Status == nil {
		return
	}

	app.Get("/-/diagnostics", func(c fiber.Ctx) error {
		snap := deps.Status.Snapshot()
		payload := diagnosticsPayload{
			ManifestTotal: snap.ManifestTotal,
			State:         snap.State.String(),
			Build:         version.Full(),
		}
		if deps.Caches != nil {
			if names, err := deps.Caches.Names(); err == nil {
				payload.SiteVersion = siteVersion(names)
			}
		}
		if deps.Charts != nil {
			count, err := deps.Charts.Count(c.Context())
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "metadata_read_failed"})
			}
			payload.CachedCharts = count
		}
		return c.JSON(payload)
	})
}

// siteVersion 从缓存名中找出静态资源版本，没有时返回空串。
func siteVersion(names []string) string {
	for _, name := range names {
		if v := config.StaticVersionFromCacheName(name); v != "" {
			return v
		}
	}
	return ""
}
