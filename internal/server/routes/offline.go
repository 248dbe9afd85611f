package routes

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/jamsite/jam-offline/internal/bridge"
	"github.com/jamsite/jam-offline/internal/syncer"
)

// sseKeepAlive 定期写入注释行，借助写失败发现断开的客户端。
const sseKeepAlive = 15 * time.Second

// StatusSource 提供编排器快照。
type StatusSource interface {
	Snapshot() syncer.Snapshot
}

// Preferences 持久化“离线可用”开关。
type Preferences interface {
	OfflineEnabled(ctx context.Context) (bool, error)
	SetOfflineEnabled(ctx context.Context, enabled bool) error
}

// OfflineDeps 汇总离线控制接口所需依赖。
type OfflineDeps struct {
	Bridge      *bridge.Bridge
	Status      StatusSource
	Preferences Preferences
	Logger      *logrus.Logger
}

// RegisterOfflineRoutes 暴露 /-/offline 控制接口：下发命令、订阅进度、查询状态。
func RegisterOfflineRoutes(app *fiber.App, deps OfflineDeps) {
	if app == nil || deps.Bridge == nil || deps.Status == nil {
		return
	}
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Post("/-/offline/commands", func(c fiber.Ctx) error {
		var msg bridge.CommandMessage
		if err := json.Unmarshal(c.Body(), &msg); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
		}
		cmd, err := bridge.ParseCommand(msg.Type)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_command"})
		}

		if !deps.Bridge.Send(cmd) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "command_queue_full"})
		}

		// 只有命令入队后才改写偏好，被丢弃的 STOP 不影响下次启动时的自动恢复。
		if deps.Preferences != nil && cmd != bridge.CommandSync {
			enabled := cmd == bridge.CommandStart
			if err := deps.Preferences.SetOfflineEnabled(c.Context(), enabled); err != nil {
				logger.WithError(err).WithField("action", "offline_preference").Warn("preference_write_failed")
			}
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"accepted": cmd.String()})
	})

	app.Get("/-/offline/events", func(c fiber.Ctx) error {
		events, unsubscribe := deps.Bridge.Subscribe()
		c.Set(fiber.HeaderContentType, "text/event-stream")
		c.Set(fiber.HeaderCacheControl, "no-cache")
		c.Set(fiber.HeaderConnection, "keep-alive")
		c.Response().SetBodyStreamWriter(func(w *bufio.Writer) {
			defer unsubscribe()
			streamEvents(w, events, sseKeepAlive)
		})
		return nil
	})

	app.Get("/-/offline/status", func(c fiber.Ctx) error {
		payload := fiber.Map{"sync": deps.Status.Snapshot()}
		if deps.Preferences != nil {
			enabled, err := deps.Preferences.OfflineEnabled(c.Context())
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "preference_read_failed"})
			}
			payload["offline_enabled"] = enabled
		}
		return c.JSON(payload)
	})
}

// streamEvents 把进度事件写成 SSE，直到通道关闭或写入失败。
func streamEvents(w *bufio.Writer, events <-chan bridge.Event, keepAlive time.Duration) {
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := w.WriteString(": keep-alive\n\n"); err != nil {
				return
			}
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}
