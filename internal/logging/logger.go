package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jamsite/jam-offline/internal/config"
)

const (
	appName = "jam-offline"

	defaultMaxSizeMB  = 100
	defaultMaxBackups = 10
	// 章节下载日志量大，旧文件最多保留四周。
	defaultMaxAgeDays = 28
)

// 日志消息多为事件名（sync_failed、static_cache_installed），JSON 中以 event 输出。
var jsonFieldMap = logrus.FieldMap{
	logrus.FieldKeyTime: "ts",
	logrus.FieldKeyMsg:  "event",
}

// InitLogger 根据全局配置初始化 JSON 结构化日志。
// 每条日志带 app 与 pid，便于区分 serve 与一次性 sync/clear 命令写入同一文件的记录。
func InitLogger(cfg config.GlobalConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("无法解析日志级别: %w", err)
	}

	output, outErr := openOutput(cfg)
	if outErr != nil {
		fmt.Fprintf(os.Stderr, "logger_fallback: %v\n", outErr)
	}

	logger := logrus.New()
	logger.SetReportCaller(level >= logrus.DebugLevel)
	logger.SetLevel(level)
	logger.SetOutput(output)
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap:        jsonFieldMap,
	})
	logger.AddHook(processHook{pid: os.Getpid()})

	logrus.SetFormatter(logger.Formatter)
	logrus.SetOutput(logger.Out)
	logrus.SetLevel(logger.GetLevel())

	if outErr != nil {
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
		}).Warn(outErr.Error())
	}

	return logger, nil
}

// openOutput 返回日志 Writer：未配置文件时写 stdout，目录无法创建时降级到 stdout 并返回错误。
func openOutput(cfg config.GlobalConfig) (io.Writer, error) {
	if cfg.LogFilePath == "" {
		return os.Stdout, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogFilePath), 0o755); err != nil {
		return os.Stdout, fmt.Errorf("创建日志目录失败: %w", err)
	}
	return newRotator(cfg), nil
}

func newRotator(cfg config.GlobalConfig) *lumberjack.Logger {
	maxSize := cfg.LogMaxSize
	if maxSize <= 0 {
		maxSize = defaultMaxSizeMB
	}
	maxBackups := cfg.LogMaxBackups
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}
	return &lumberjack.Logger{
		Filename:   cfg.LogFilePath,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     defaultMaxAgeDays,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}
}

// processHook 给每条日志补上 app 与 pid，已有同名字段时不覆盖。
type processHook struct {
	pid int
}

func (processHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h processHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["app"]; !ok {
		entry.Data["app"] = appName
	}
	if _, ok := entry.Data["pid"]; !ok {
		entry.Data["pid"] = h.pid
	}
	return nil
}

// Discard 返回丢弃全部输出的 logger，供测试与一次性命令使用。
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.DebugLevel)
	return logger
}
