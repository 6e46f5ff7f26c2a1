package routes

import (
	"context"

	"github.com/gofiber/fiber/v3"

	"github.com/wine-cellar/asset-gate/internal/interceptor"
	"github.com/wine-cellar/asset-gate/internal/notify"
)

// StatusSource 提供拦截器的诊断快照，*interceptor.Interceptor 实现该接口。
type StatusSource interface {
	Status(ctx context.Context) (interceptor.Status, error)
}

// ClientLister 提供已连接客户端视图，*notify.Hub 实现该接口。
type ClientLister interface {
	MatchAll(kind notify.Kind, includeUncontrolled bool) []notify.ClientInfo
}

// RegisterStatusRoutes 暴露 /-/status 诊断接口，供 SRE 查询当前版本、分区与客户端。
func RegisterStatusRoutes(app *fiber.App, source StatusSource, clients ClientLister) {
	if app == nil || source == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		ctx := c.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		status, err := source.Status(ctx)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "status_unavailable"})
		}
		return c.JSON(statusPayload{
			Status:  status,
			Clients: encodeClients(clients),
		})
	})

	app.Get("/-/clients", func(c fiber.Ctx) error {
		if clients == nil {
			return c.JSON(fiber.Map{"clients": []notify.ClientInfo{}})
		}
		kind := notify.ParseKind(c.Query("type"))
		includeUncontrolled := c.Query("include_uncontrolled") != "false"
		return c.JSON(fiber.Map{"clients": clients.MatchAll(kind, includeUncontrolled)})
	})
}

type statusPayload struct {
	interceptor.Status
	Clients clientsPayload `json:"clients"`
}

type clientsPayload struct {
	Window     int `json:"window"`
	Worker     int `json:"worker"`
	Controlled int `json:"controlled"`
}

func encodeClients(clients ClientLister) clientsPayload {
	if clients == nil {
		return clientsPayload{}
	}
	var payload clientsPayload
	for _, kind := range []notify.Kind{notify.KindWindow, notify.KindWorker} {
		infos := clients.MatchAll(kind, true)
		for _, info := range infos {
			if info.Controlled {
				payload.Controlled++
			}
		}
		if kind == notify.KindWindow {
			payload.Window = len(infos)
		} else {
			payload.Worker = len(infos)
		}
	}
	return payload
}
