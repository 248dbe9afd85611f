package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/jamsite/jam-offline/internal/bridge"
	"github.com/jamsite/jam-offline/internal/config"
	"github.com/jamsite/jam-offline/internal/interceptor"
	"github.com/jamsite/jam-offline/internal/logging"
	"github.com/jamsite/jam-offline/internal/server"
	"github.com/jamsite/jam-offline/internal/server/routes"
	"github.com/jamsite/jam-offline/internal/syncer"
	"github.com/jamsite/jam-offline/internal/upstream"
	"github.com/jamsite/jam-offline/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath string
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	os.Exit(execute(os.Args[1:]))
}

// loadForCommand 读取配置并初始化日志，失败时输出到 stdErr 并返回 nil。
func loadForCommand(opts cliOptions) (*config.Config, *logrus.Logger) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return nil, nil
	}
	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return nil, nil
	}
	return cfg, logger
}

// runCheckConfig 仅校验配置，成功返回 0。
func runCheckConfig(opts cliOptions) int {
	cfg, logger := loadForCommand(opts)
	if cfg == nil {
		return 1
	}
	fields := logging.BaseFields("check_config", opts.configPath)
	fields["upstream"] = cfg.Site.Upstream
	fields["static_cache"] = cfg.Site.StaticCacheName()
	fields["static_assets"] = len(cfg.Site.StaticAssets)
	fields["result"] = "ok"
	logger.WithFields(fields).Info("配置校验通过")
	return 0
}

// runServe 启动本地代理：安装静态缓存、恢复离线偏好、启动同步编排器与 HTTP 服务。
func runServe(opts cliOptions) int {
	cfg, logger := loadForCommand(opts)
	if cfg == nil {
		return 1
	}

	rt, err := openRuntime(cfg, logger, nil)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化存储失败: %v\n", err)
		return 1
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := upstream.NewClient(cfg)
	handler := interceptor.NewHandler(client, logger, cfg.Site, rt.blobs)
	handler.SetStreamClient(upstream.NewStreamClient(cfg))
	installer := interceptor.NewInstaller(rt.storage, handler, client, cfg.Site, logger)
	prepareStaticCache(ctx, installer, rt, cfg, logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["upstream"] = cfg.Site.Upstream
	fields["listen_port"] = cfg.Global.ListenPort
	fields["static_cache"] = cfg.Site.StaticCacheName()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	var wg conc.WaitGroup
	wg.Go(func() {
		if err := rt.orch.Run(ctx, rt.bridge.Commands()); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("orchestrator_stopped")
		}
	})
	resumeOffline(ctx, rt, logger)

	err = startHTTPServer(ctx, cfg, rt, handler, logger)
	stop()
	wg.Wait()
	if err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// prepareStaticCache 安装并激活当前版本的静态缓存；安装失败（例如离线启动）时沿用磁盘上已有的同版本缓存。
func prepareStaticCache(ctx context.Context, installer *interceptor.Installer, rt *appRuntime, cfg *config.Config, logger *logrus.Logger) {
	if err := installer.Install(ctx); err != nil {
		logger.WithError(err).WithField("action", "install").Warn("static_install_failed")
		if rt.storage.Has(cfg.Site.StaticCacheName()) {
			if _, err := installer.Activate(ctx); err != nil {
				logger.WithError(err).WithField("action", "activate").Warn("static_activate_failed")
			}
		}
		return
	}
	if _, err := installer.Activate(ctx); err != nil {
		logger.WithError(err).WithField("action", "activate").Warn("static_activate_failed")
	}
}

// resumeOffline 在偏好开启时自动下发 START，让离线镜像跨重启持续收敛。
func resumeOffline(ctx context.Context, rt *appRuntime, logger *logrus.Logger) {
	enabled, err := rt.db.OfflineEnabled(ctx)
	if err != nil {
		logger.WithError(err).WithField("action", "offline_preference").Warn("preference_read_failed")
		return
	}
	if !enabled {
		return
	}
	if rt.bridge.Send(bridge.CommandStart) {
		logger.WithFields(logging.SyncFields("resume", syncer.StateStopped.String())).Info("offline_resumed")
	}
}

func startHTTPServer(ctx context.Context, cfg *config.Config, rt *appRuntime, handler server.Interceptor, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:      logger,
		Interceptor: handler,
		ListenPort:  port,
	})
	if err != nil {
		return err
	}
	routes.RegisterOfflineRoutes(app, routes.OfflineDeps{
		Bridge:      rt.bridge,
		Status:      rt.orch,
		Preferences: rt.db,
		Logger:      logger,
	})
	routes.RegisterDiagnosticsRoutes(app, routes.DiagnosticsDeps{
		Status: rt.orch,
		Charts: rt.db,
		Caches: rt.storage,
	})

	go func() {
		<-ctx.Done()
		// SSE 长连接需先随 bridge 关闭而结束。
		rt.bridge.Close()
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
