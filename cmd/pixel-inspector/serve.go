package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vanhao1997/unified-pixel-inspector/internal/badge"
	"github.com/vanhao1997/unified-pixel-inspector/internal/browser"
	"github.com/vanhao1997/unified-pixel-inspector/internal/cdp"
	"github.com/vanhao1997/unified-pixel-inspector/internal/config"
	"github.com/vanhao1997/unified-pixel-inspector/internal/httpapi"
	"github.com/vanhao1997/unified-pixel-inspector/internal/logger"
	"github.com/vanhao1997/unified-pixel-inspector/internal/metrics"
	"github.com/vanhao1997/unified-pixel-inspector/internal/notify"
	"github.com/vanhao1997/unified-pixel-inspector/internal/pool"
	"github.com/vanhao1997/unified-pixel-inspector/internal/service"
	"github.com/vanhao1997/unified-pixel-inspector/internal/store"
	"github.com/vanhao1997/unified-pixel-inspector/pkg/api"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session engine with its HTTP endpoint and optional browser bridge",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

// serve 组装各组件并运行到 ctx 结束
func serve(ctx context.Context, cfg *config.Config) error {
	l := logger.New(logger.Options{Level: cfg.Log.Level, Writers: cfg.Log.Writer, File: cfg.Log.File})
	m := metrics.New()

	backend, closeBackend, err := openBackend(cfg.Storage, l)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeBackend(); err != nil {
			l.Err(err, "关闭会话存储失败")
		}
	}()

	p := pool.New(cfg.Pool.Concurrency, cfg.Pool.Queue)
	p.SetLogger(l)
	p.SetMetrics(m)
	p.Start(ctx)
	defer p.Stop()

	clk := clock.New()
	badges := badge.NewTable()
	svc := api.NewService(service.Config{
		Store:            store.New(backend, store.Options{MaxEvents: cfg.Storage.MaxEvents, Clock: clk, Logger: l}),
		Broadcaster:      notify.New(l, m),
		Badges:           badges,
		Pool:             p,
		Clock:            clk,
		DataLayerTimeout: cfg.CDP.DataLayerTimeout,
		Logger:           l,
		Metrics:          m,
	})

	g, gctx := errgroup.WithContext(ctx)

	var targets httpapi.TargetLister
	if cfg.CDP.Enabled {
		devtoolsURL := cfg.CDP.DevToolsURL
		if cfg.CDP.Launch {
			b, err := browser.Start(ctx, browser.Options{
				ExecPath: cfg.CDP.BrowserPath,
				Headless: cfg.CDP.Headless,
				Logger:   l,
			})
			if err != nil {
				return err
			}
			defer func() { _ = b.Stop(shutdownTimeout) }()
			devtoolsURL = b.DevToolsURL
		}

		bridge := cdp.New(svc, cdp.Options{
			DevToolsURL:  devtoolsURL,
			PollInterval: cfg.CDP.PollInterval,
			RequestTTL:   cfg.CDP.RequestTTL,
			Clock:        clk,
			Logger:       l,
			Metrics:      m,
		})
		svc.SetInspector(bridge)
		targets = bridge
		g.Go(func() error { return bridge.Run(gctx) })
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: httpapi.NewServer(svc, httpapi.Options{
			Badges:   badges,
			Targets:  targets,
			Metrics:  m,
			Logger:   l,
			WSBuffer: cfg.Notify.Buffer,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		// WebSocket 连接被劫持后不受 Shutdown 管理，随 gctx 取消退出
		BaseContext: func(net.Listener) context.Context { return gctx },
	}
	g.Go(func() error {
		l.Info("HTTP 服务已启动", "addr", cfg.Server.Addr, "storage", cfg.Storage.Driver, "cdp", cfg.CDP.Enabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	l.Info("会话引擎已退出")
	return err
}
