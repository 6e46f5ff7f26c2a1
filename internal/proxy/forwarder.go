package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/wine-cellar/asset-gate/internal/server"
)

// Forwarder 包装实际的 ProxyHandler，负责缺失 handler 与 panic 的兜底响应，
// 保证单个请求的失败不会影响整个进程。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder；handler 为空时所有请求返回 500。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx) error {
	requestID := server.RequestID(c)
	if f.handler == nil {
		return f.respondMissingHandler(c, requestID)
	}
	return f.invokeHandler(c, requestID)
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, requestID string) error {
	f.logHandlerError(c, "proxy_handler_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "proxy_handler_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, r, requestID)
		}
	}()
	return f.handler.Handle(c)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, recovered interface{}, requestID string) error {
	f.logHandlerError(c, "proxy_handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	c.Response().Reset()
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "proxy_handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logHandlerError(c fiber.Ctx, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := logrus.Fields{
		"action": "proxy",
		"error":  code,
		"method": c.Method(),
		"path":   string(c.Request().URI().Path()),
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("proxy handler unavailable")
}
