package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"locsrc-svr/internal/config"
	"locsrc-svr/internal/dispatcher"
	"locsrc-svr/internal/grpcclient"
	"locsrc-svr/internal/link"
	"locsrc-svr/internal/location"
	"locsrc-svr/internal/observability"
	"locsrc-svr/internal/server"
	"locsrc-svr/internal/store"
)

func main() {
	cfg := config.Load()
	logger := observability.NewLogger(cfg.LogLevel)
	logger.Info("Starting locsrc-svr...", "port", cfg.TCPPort)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	autoEnable, err := location.ParseSources(cfg.EnableSources)
	if err != nil {
		logger.Error("bad ENABLE_SOURCES", "error", err)
		os.Exit(1)
	}

	// Redis es opcional: sin el, no hay limites diarios ni estado compartido.
	st, err := store.InitRedis(ctx, cfg.RedisAddr, cfg.RedisDB, logger)
	if err != nil {
		logger.Warn("Redis init failed, running without store", "error", err)
		st = nil
	}
	defer st.Close()

	uplink := link.New(cfg.ProxyAddr, logger, nil)

	opts := server.Options{
		Logger:      logger,
		Uplink:      uplink,
		Store:       st,
		AutoEnable:  autoEnable,
		SuplServer:  cfg.SuplServer,
		TraceFrames: cfg.TraceFrames,
		TraceDir:    cfg.TraceDir,
	}
	if cfg.GRPCServer != "" {
		fwd, err := grpcclient.NewGRPCClient(cfg.GRPCServer, logger)
		if err != nil {
			logger.Error("gRPC client init failed", "error", err)
			os.Exit(1)
		}
		defer fwd.Close()
		opts.Forwarder = fwd
	}

	var disp *dispatcher.Dispatcher
	opts.OnClose = func(id string) { disp.ResetSession(id) }
	srv := server.New(opts)

	disp = dispatcher.New(func(id string) (dispatcher.Target, bool) {
		m, ok := srv.Lookup(id)
		if !ok {
			return nil, false
		}
		return m, true
	}, st, logger, dispatcher.Limits{
		Daily:       cfg.CmdDailyLimit,
		Session:     cfg.CmdSessionLimit,
		MinInterval: cfg.CmdMinInterval,
	})
	uplink.SetHandler(disp)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return observability.StartMetricsServer(ctx, cfg.MetricsPort) })
	g.Go(func() error { return uplink.Run(ctx) })
	g.Go(func() error { return srv.ListenAndServe(ctx, ":"+cfg.TCPPort) })

	if err := g.Wait(); err != nil {
		logger.Error("locsrc-svr stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("locsrc-svr stopped")
}
