package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"jackdaw/hub/internal/auth"
	"jackdaw/hub/internal/config"
	"jackdaw/hub/internal/httpapi"
	"jackdaw/hub/internal/jack"
	"jackdaw/hub/internal/ports"
	"jackdaw/hub/internal/rooms"
	"jackdaw/hub/internal/store"
	"jackdaw/hub/internal/transport"
	"jackdaw/hub/internal/ws"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

// snapshotInterval is the coalesced patchbay snapshot cadence.
const snapshotInterval = 10 * time.Second

func main() {
	dbPath := flag.String("db", "", "SQLite database path (overrides HUB_DB)")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("load configuration", "err", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	// Admin subcommands run against the store and exit.
	if RunCLI(flag.Args(), cfg.DBPath) {
		return
	}

	if err := run(cfg); err != nil {
		slog.Error("hub error", "err", err)
		os.Exit(1)
	}
	slog.Info("hub stopped")
}

func run(cfg config.Config) error {
	slog.Info("starting hub",
		"version", Version,
		"host", cfg.HubHost,
		"port", cfg.HubPort,
		"transport_ports", fmt.Sprintf("[%d, %d)", cfg.TransportBasePort, cfg.TransportBasePort+cfg.TransportPortRange),
		"single_room", cfg.SingleRoomMode)

	credStore, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}
	defer func() {
		if err := credStore.Close(); err != nil {
			slog.Error("close credential store", "err", err)
		}
	}()

	allocator, err := ports.New(cfg.TransportBasePort, cfg.TransportPortRange)
	if err != nil {
		return fmt.Errorf("port allocator: %w", err)
	}

	supervisor := transport.New(cfg.TransportBin)
	adapter := jack.New()
	kernel := auth.Kernel{SingleRoomMode: cfg.SingleRoomMode}

	registry := rooms.New(rooms.Options{
		HubHost:           cfg.HubHost,
		TransportChannels: cfg.TransportChannels,
		SingleRoomMode:    cfg.SingleRoomMode,
		DefaultMaxSize:    cfg.DefaultMaxParticipants,
	}, allocator, supervisor)
	supervisor.SetExitHandler(registry.HandleTransportExit)

	broker := ws.NewBroker(adapter, credStore, kernel)
	registry.SetChangeListener(broker.RoomChanged)

	api := httpapi.New(credStore, registry, adapter, broker, kernel, cfg.HubHost, Version)

	tlsCfg, fingerprint, err := loadOrCreateTLS(cfg.SSLCertFile, cfg.SSLKeyFile, cfg.CertsDir, cfg.HubHost)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	slog.Info("tls ready", "fingerprint", fingerprint)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The default room must exist before any user logs in.
	if cfg.SingleRoomMode {
		if _, err := registry.InitDefaultRoom(ctx, cfg.BandName, cfg.DefaultMaxParticipants); err != nil {
			return fmt.Errorf("initialize default room: %w", err)
		}
	}

	// First signal drains gracefully; a second one forces exit.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("received signal, shutting down")
		cancel()
		<-sigCh
		slog.Warn("second signal, forcing exit")
		os.Exit(1)
	}()

	addr := fmt.Sprintf(":%d", cfg.HubPort)
	slog.Info("listening", "addr", addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.Run(gctx, addr, tlsCfg)
	})
	g.Go(func() error {
		runReaper(gctx, registry, time.Duration(cfg.ReapGraceSecs)*time.Second)
		return nil
	})
	g.Go(func() error {
		broker.RunPeriodicSnapshots(gctx, snapshotInterval)
		return nil
	})
	g.Go(func() error {
		RunMetrics(gctx, registry, broker, time.Minute)
		return nil
	})

	err = g.Wait()

	// Tear down in dependency order: rooms first (stops transports and
	// releases ports), then the patchbay subscribers.
	registry.DestroyAll()
	broker.CloseAll()
	return err
}

// runReaper periodically destroys rooms that have sat empty beyond the
// grace window. Leave already destroys empty rooms; this catches rooms
// created and never joined.
func runReaper(ctx context.Context, registry *rooms.Registry, grace time.Duration) {
	ticker := time.NewTicker(grace / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := registry.Reap(grace); n > 0 {
				slog.Info("reaped empty rooms", "count", n)
			}
		}
	}
}
