package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jamsite/jam-offline/internal/bridge"
	"github.com/jamsite/jam-offline/internal/logging"
	"github.com/jamsite/jam-offline/internal/syncer"
)

const configEnv = "JAM_OFFLINE_CONFIG"

// exitCode 让子命令把退出码传回 execute。
type exitCode int

func (e exitCode) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

func codeToError(code int) error {
	if code == 0 {
		return nil
	}
	return exitCode(code)
}

// execute 解析参数并执行对应子命令，返回进程退出码。
func execute(args []string) int {
	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(stdOut)
	root.SetErr(stdErr)

	if err := root.Execute(); err != nil {
		var code exitCode
		if errors.As(err, &code) {
			return int(code)
		}
		fmt.Fprintln(stdErr, err.Error())
		return 2
	}
	return 0
}

// newRootCommand 构建 jam-offline 根命令，未指定子命令时等同于 serve。
func newRootCommand() *cobra.Command {
	var configFlag string
	resolve := func() cliOptions {
		return cliOptions{configPath: resolveConfigPath(configFlag)}
	}

	root := &cobra.Command{
		Use:           "jam-offline",
		Short:         "Offline proxy for the jam song site",
		Long:          "Serves the song site through a local cache and keeps an offline mirror of every chart.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return codeToError(runServe(resolve()))
		},
	}
	root.PersistentFlags().StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnv+" 覆盖）")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the local proxy and the sync orchestrator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return codeToError(runServe(resolve()))
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation cycle and print progress events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return codeToError(runSync(resolve()))
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every offline chart and its metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return codeToError(runClear(resolve()))
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return codeToError(runCheckConfig(resolve()))
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			printVersion()
		},
	})
	return root
}

// resolveConfigPath 结合 flag 与环境变量计算最终的配置路径，flag 优先。
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(configEnv); env != "" {
		return env
	}
	return "config.toml"
}

// eventPrinter 把进度事件逐行输出为 JSON。
type eventPrinter struct {
	mu sync.Mutex
}

func (p *eventPrinter) Publish(ev bridge.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(stdOut, string(data))
}

// runSync 在前台执行一次完整对账；成功进入 SYNCED 返回 0。
func runSync(opts cliOptions) int {
	cfg, logger := loadForCommand(opts)
	if cfg == nil {
		return 1
	}
	rt, err := openRuntime(cfg, logger, &eventPrinter{})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化存储失败: %v\n", err)
		return 1
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt.orch.Handle(bridge.CommandStart)
	rt.orch.Drain(ctx)

	snap := rt.orch.Snapshot()
	fields := logging.SyncFields("sync_command", snap.State.String())
	fields["manifest_total"] = snap.ManifestTotal
	fields["downloads"] = snap.Downloads
	if snap.State != syncer.StateSynced {
		logger.WithFields(fields).Error("同步未完成")
		return 1
	}
	logger.WithFields(fields).Info("同步完成")
	return 0
}

// runClear 清空元数据与内容缓存，并关闭离线偏好。
func runClear(opts cliOptions) int {
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

	ctx := context.Background()
	// 与编排器的驱逐顺序一致：先元数据，再正文。
	if err := rt.db.Clear(ctx); err != nil {
		fmt.Fprintf(stdErr, "清空元数据失败: %v\n", err)
		return 1
	}
	if err := rt.blobs.Clear(ctx); err != nil {
		fmt.Fprintf(stdErr, "清空内容缓存失败: %v\n", err)
		return 1
	}
	if err := rt.db.SetOfflineEnabled(ctx, false); err != nil {
		fmt.Fprintf(stdErr, "更新离线偏好失败: %v\n", err)
		return 1
	}
	logger.WithFields(logging.SyncFields("clear", syncer.StateStopped.String())).Info("离线存储已清空")
	(&eventPrinter{}).Publish(bridge.Event{Status: bridge.StatusCleared})
	return 0
}
