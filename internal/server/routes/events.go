package routes

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/wine-cellar/asset-gate/internal/notify"
)

// DefaultKeepAlive 是 SSE 心跳间隔，断开的连接最迟在一个间隔后被发现。
const DefaultKeepAlive = 15 * time.Second

// Subscriber 管理客户端订阅，*notify.Hub 实现该接口。
type Subscriber interface {
	Subscribe(kind notify.Kind) *notify.Client
	Unsubscribe(id string)
}

// RegisterEventRoutes 暴露 GET /-/events：每个连接是一个客户端，
// 以 Server-Sent Events 接收 version-update 消息。
func RegisterEventRoutes(app *fiber.App, hub Subscriber, logger *logrus.Logger, keepAlive time.Duration) {
	if app == nil || hub == nil {
		return
	}
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}

	app.Get("/-/events", func(c fiber.Ctx) error {
		kind := notify.ParseKind(c.Query("type"))
		client := hub.Subscribe(kind)

		c.Set(fiber.HeaderContentType, "text/event-stream")
		c.Set(fiber.HeaderCacheControl, "no-cache")
		c.Set(fiber.HeaderConnection, "keep-alive")
		c.Set("X-Accel-Buffering", "no")

		fields := logrus.Fields{
			"action":    "client_stream",
			"client_id": client.ID,
			"kind":      string(kind),
		}
		if logger != nil {
			logger.WithFields(fields).Info("client_connected")
		}

		return c.SendStreamWriter(func(w *bufio.Writer) {
			defer func() {
				hub.Unsubscribe(client.ID)
				if logger != nil {
					logger.WithFields(fields).Info("client_disconnected")
				}
			}()
			streamClient(w, client, keepAlive, logger, fields)
		})
	})
}

func streamClient(w *bufio.Writer, client *notify.Client, keepAlive time.Duration, logger *logrus.Logger, fields logrus.Fields) {
	ready, _ := json.Marshal(map[string]string{"id": client.ID, "kind": string(client.Kind)})
	if err := writeEvent(w, "ready", ready); err != nil {
		return
	}

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.Messages():
			if !ok {
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				if logger != nil {
					logger.WithFields(fields).WithError(err).Warn("client_message_encode_failed")
				}
				continue
			}
			if err := writeEvent(w, "", payload); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}

func writeEvent(w *bufio.Writer, event string, data []byte) error {
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}
