// pdssim conecta un dispositivo simulado al gateway y emite NMEA mientras
// el motor GPS esta encendido.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"locsrc-svr/internal/config"
	"locsrc-svr/internal/devsim"
	"locsrc-svr/internal/observability"
	"locsrc-svr/internal/pds"
)

func main() {
	cfg := config.LoadSim()
	logger := observability.NewLogger(cfg.LogLevel).With("device", cfg.DeviceID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flags := parseFlags(cfg.Flags)
	dev := devsim.New(cfg.DeviceID, flags).WithLogger(logger)
	if flags&pds.FlagCDMA != 0 {
		dev.SetBaseStation(&pds.BaseStation{ID: cfg.BaseStationID, Latitude: cfg.Lat, Longitude: cfg.Lon})
	}

	conn, err := net.DialTimeout("tcp", cfg.GatewayAddr, 10*time.Second)
	if err != nil {
		logger.Error("dial gateway failed", "addr", cfg.GatewayAddr, "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	if err := dev.Handshake(conn); err != nil {
		logger.Error("handshake failed", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to gateway", "addr", cfg.GatewayAddr, "flags", cfg.Flags)

	g, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g.Go(func() error {
		// si el gateway cuelga se detiene tambien el stream
		defer cancel()
		return dev.Serve(ctx, conn)
	})
	g.Go(func() error {
		return dev.Stream(ctx, cfg.StreamInterval, devsim.Walk(cfg.Lat, cfg.Lon, 0.0001))
	})
	if err := g.Wait(); err != nil {
		logger.Error("pdssim stopped", "error", err)
		os.Exit(1)
	}
}

func parseFlags(names []string) pds.DeviceFlags {
	var f pds.DeviceFlags
	for _, n := range names {
		switch n {
		case "pds":
			f |= pds.FlagPDS
		case "3gpp":
			f |= pds.Flag3GPP
		case "cdma":
			f |= pds.FlagCDMA
		}
	}
	return f
}
