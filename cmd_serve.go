package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/wine-cellar/asset-gate/internal/cache"
	"github.com/wine-cellar/asset-gate/internal/config"
	"github.com/wine-cellar/asset-gate/internal/interceptor"
	"github.com/wine-cellar/asset-gate/internal/logging"
	"github.com/wine-cellar/asset-gate/internal/notify"
	"github.com/wine-cellar/asset-gate/internal/origin"
	"github.com/wine-cellar/asset-gate/internal/proxy"
	"github.com/wine-cellar/asset-gate/internal/server"
	"github.com/wine-cellar/asset-gate/internal/server/routes"
	"github.com/wine-cellar/asset-gate/internal/version"
)

// gateway 聚合一次 serve 运行所需的全部组件。
type gateway struct {
	cfg    *config.Config
	logger *logrus.Logger
	hub    *notify.Hub
	ic     *interceptor.Interceptor
	app    *fiber.App
}

func runServe(parent context.Context, opts cliOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return &exitError{code: 1, err: fmt.Errorf("加载配置失败: %w", err)}
	}
	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		return &exitError{code: 1, err: fmt.Errorf("初始化日志失败: %w", err)}
	}

	gw, err := buildGateway(cfg, logger)
	if err != nil {
		return &exitError{code: 1, err: err}
	}

	fields := logging.BaseFields("startup", opts.configPath)
	for key, value := range cfg.Origin.Summary() {
		fields[key] = value
	}
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Global.ListenPort))
	if err != nil {
		return &exitError{code: 1, err: fmt.Errorf("HTTP 服务启动失败: %w", err)}
	}
	return gw.serve(ctx, ln)
}

// buildGateway 按“缓存目录 → 源站客户端 → 通知中心 → 拦截器 → Fiber”顺序装配组件。
func buildGateway(cfg *config.Config, logger *logrus.Logger) (*gateway, error) {
	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}

	fetcher := origin.NewFetcher(origin.NewUpstreamClient(cfg), cfg.Origin.UpstreamURL())
	hub := notify.NewHub(cfg.Origin.ClientBuffer, logger)

	ic, err := interceptor.New(interceptor.Options{
		Origin:  cfg.Origin,
		Store:   store,
		Fetcher: fetcher,
		Clients: hub,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化拦截器失败: %w", err)
	}

	forwarder := proxy.NewForwarder(proxy.NewHandler(ic, logger), logger)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      forwarder,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterStatusRoutes(app, ic, hub)
	routes.RegisterEventRoutes(app, hub, logger, routes.DefaultKeepAlive)

	return &gateway{cfg: cfg, logger: logger, hub: hub, ic: ic, app: app}, nil
}

// serve 先开始监听，让早到的客户端也能订阅事件；安装与激活完成前请求一律直通。
func (g *gateway) serve(ctx context.Context, ln net.Listener) error {
	listenErr := make(chan error, 1)
	go func() {
		listenErr <- g.app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
	}()
	g.logger.WithFields(logrus.Fields{
		"action": "listen",
		"addr":   ln.Addr().String(),
	}).Info("Fiber 服务启动")

	if err := g.start(ctx); err != nil {
		g.shutdown()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return &exitError{code: 1, err: err}
	}

	select {
	case <-ctx.Done():
		g.logger.WithField("action", "shutdown").Info("收到退出信号")
	case err := <-listenErr:
		g.shutdown()
		if err != nil {
			return &exitError{code: 1, err: fmt.Errorf("HTTP 服务异常退出: %w", err)}
		}
		return nil
	}
	return g.shutdown()
}

func (g *gateway) start(ctx context.Context) error {
	if err := g.ic.Install(ctx); err != nil {
		return err
	}
	return g.ic.Activate(ctx)
}

// shutdown 先结束所有 SSE 流，否则 Fiber 会一直等待长连接。
func (g *gateway) shutdown() error {
	timeout := g.cfg.Global.ShutdownTimeout.DurationValue()
	closed := g.hub.Close()

	var errs []error
	if err := g.app.ShutdownWithTimeout(timeout); err != nil {
		errs = append(errs, fmt.Errorf("关闭 HTTP 服务失败: %w", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := g.ic.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("等待后台刷新失败: %w", err))
	}

	entry := g.logger.WithFields(logrus.Fields{
		"action":         "shutdown",
		"closed_streams": closed,
	})
	if err := errors.Join(errs...); err != nil {
		entry.WithError(err).Warn("服务退出不完整")
		return &exitError{code: 1, err: err}
	}
	entry.Info("服务已退出")
	return nil
}
