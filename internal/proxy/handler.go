package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/wine-cellar/asset-gate/internal/interceptor"
	"github.com/wine-cellar/asset-gate/internal/logging"
	"github.com/wine-cellar/asset-gate/internal/origin"
	"github.com/wine-cellar/asset-gate/internal/server"
)

const (
	headerCache     = "X-Asset-Gate-Cache"
	headerPartition = "X-Asset-Gate-Partition"
)

// Handler 把 Fiber 请求翻译成拦截器调用：manifest / 脚本走缓存策略，其余直通源站。
type Handler struct {
	ic     *interceptor.Interceptor
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler around an interceptor.
func NewHandler(ic *interceptor.Interceptor, logger *logrus.Logger) *Handler {
	return &Handler{ic: ic, logger: logger}
}

// Handle 根据请求分类选择策略；激活完成之前所有请求都直通。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	cleanPath := interceptor.CleanPath(string(c.Request().URI().Path()))

	class := interceptor.ClassPassthrough
	if h.ic.Ready() {
		class = h.ic.Classify(c.Method(), server.HostHeader(c), cleanPath)
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	req := origin.Request{
		Method:   c.Method(),
		Path:     cleanPath,
		RawQuery: string(c.Request().URI().QueryString()),
		Header:   fiberHeadersAsHTTP(c),
	}

	var (
		result *interceptor.Result
		err    error
	)
	switch class {
	case interceptor.ClassManifest:
		result, err = h.ic.HandleManifest(ctx, req)
	case interceptor.ClassScript:
		result, err = h.ic.ServeScript(ctx, req)
	default:
		return h.passthrough(c, ctx, req, requestID, started)
	}

	if errors.Is(err, interceptor.ErrNotReady) {
		// 关闭过程中 Ready 可能在分类之后变为 false。
		return h.passthrough(c, ctx, req, requestID, started)
	}
	if err != nil {
		h.logResult(class, req.Path, "", interceptor.CacheMiss, requestID, 0, started, err)
		return h.writeError(c, err)
	}
	return h.writeResult(c, class, req.Path, result, requestID, started)
}

func (h *Handler) writeResult(
	c fiber.Ctx,
	class interceptor.Class,
	path string,
	result *interceptor.Result,
	requestID string,
	started time.Time,
) error {
	resp := result.Response
	copyResponseHeaders(c, resp.Header)
	c.Set(headerCache, result.CacheStatus)
	if result.Partition != "" {
		c.Set(headerPartition, result.Partition)
	}
	setRequestIDHeader(c, requestID)
	c.Status(resp.Status)

	_, err := c.Response().BodyWriter().Write(resp.Body)
	h.logResult(class, path, result.Partition, result.CacheStatus, requestID, resp.Status, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("write response failed: %v", err))
	}
	return nil
}

func (h *Handler) passthrough(c fiber.Ctx, ctx context.Context, req origin.Request, requestID string, started time.Time) error {
	req.Body = bytesReader(c.Body())
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())

	resp, err := h.ic.Passthrough(ctx, req)
	if err != nil {
		h.logResult(interceptor.ClassPassthrough, req.Path, "", interceptor.CacheBypass, requestID, 0, started, err)
		return h.writeError(c, err)
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(headerCache, interceptor.CacheBypass)
	setRequestIDHeader(c, requestID)
	c.Status(resp.StatusCode)

	if req.Method == http.MethodHead {
		h.logResult(interceptor.ClassPassthrough, req.Path, "", interceptor.CacheBypass, requestID, resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(interceptor.ClassPassthrough, req.Path, "", interceptor.CacheBypass, requestID, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) writeError(c fiber.Ctx, err error) error {
	if errors.Is(err, interceptor.ErrCache) {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_failed"})
	}
	return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_failed"})
}

func (h *Handler) logResult(
	class interceptor.Class,
	path string,
	partition string,
	cacheStatus string,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	if h.logger == nil {
		return
	}
	fields := logging.RequestFields(class.String(), path, partition, cacheStatus)
	fields["action"] = "proxy"
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(append([]byte(nil), b...))
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 复制上游头部；Content-Length 由 fasthttp 按实际正文计算。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if origin.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == fiber.HeaderContentLength {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
