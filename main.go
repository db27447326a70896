// Command fleetd is the fleet node daemon: it manages local game servers over
// UDP, takes part in the group election and serves the control surface while
// it is master.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/xiaot623/fleet/internal/adapter/natsbus"
	"github.com/xiaot623/fleet/internal/bus"
	"github.com/xiaot623/fleet/internal/config"
	"github.com/xiaot623/fleet/internal/coordinator"
	"github.com/xiaot623/fleet/internal/dispatch"
	"github.com/xiaot623/fleet/internal/domain"
	"github.com/xiaot623/fleet/internal/gateway"
	"github.com/xiaot623/fleet/internal/hub"
	"github.com/xiaot623/fleet/internal/logging"
	"github.com/xiaot623/fleet/internal/policy"
	"github.com/xiaot623/fleet/internal/protocol"
	"github.com/xiaot623/fleet/internal/repository"
	"github.com/xiaot623/fleet/internal/snapshot"
	"github.com/xiaot623/fleet/internal/telemetry"
	"github.com/xiaot623/fleet/internal/tracing"
	controlhttp "github.com/xiaot623/fleet/internal/transport/http"
	"github.com/xiaot623/fleet/internal/transport/rpc"
	"github.com/xiaot623/fleet/internal/transport/ws"
)

var version = "dev"

func main() {
	// Load configuration
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting fleetd",
		zap.String("version", version),
		zap.String("node", cfg.NodeID),
		zap.String("group", cfg.GroupID),
		zap.String("udp", cfg.UDPListenAddr),
		zap.String("bus_transport", cfg.BusTransport),
		zap.Int("http_port", cfg.HTTPPort),
	)

	shutdownTracing, err := tracing.Setup(cfg.TraceStdout)
	if err != nil {
		logger.Fatal("failed to initialize tracing", zap.Error(err))
	}
	telemetry.SetBuildInfo(version, cfg.HookVersion)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize store
	db, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to initialize store", zap.Error(err))
	}
	defer db.Close()

	snaps, err := snapshot.NewBadgerStore(cfg.SnapshotDir)
	if err != nil {
		logger.Fatal("failed to open snapshot store", zap.Error(err))
	}
	defer snaps.Close()

	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		logger.Fatal("failed to initialize policy engine", zap.Error(err))
	}

	eventHub := hub.NewHub(logger)
	go eventHub.Run(ctx)

	// Transport gateway
	dispatcher := dispatch.New()
	gw := gateway.New(gateway.Options{
		ListenAddr:           cfg.UDPListenAddr,
		HookVersion:          cfg.HookVersion,
		RequestTimeout:       cfg.RequestTimeout,
		MaxPendingPerCommand: cfg.MaxPendingPerCommand,
	}, dispatcher, logger)

	busAddr, err := advertiseAddr(cfg)
	if err != nil {
		logger.Fatal("invalid bus address", zap.Error(err))
	}

	// Election; master duties are the control surface
	var coord *coordinator.Coordinator
	var serviceBus *bus.Bus
	wsServer := ws.NewServer(ws.DefaultOptions(), eventHub, logger)
	surface := controlhttp.NewControlSurface(fmt.Sprintf(":%d", cfg.HTTPPort), func() *echo.Echo {
		return controlhttp.NewControlServer(coord, serviceBus, wsServer, version)
	}, logger)
	coord = coordinator.New(db, coordinator.Options{
		GroupID:      cfg.GroupID,
		NodeID:       cfg.NodeID,
		BusAddr:      busAddr,
		PollInterval: cfg.PollInterval,
	}, surface, logger)

	// Service bus
	serviceBus = bus.New(coord, gw, nil, policyEngine, logger)
	for _, svc := range []bus.Service{
		bus.NodeService(coord, gw, time.Now()),
		bus.ServersService(gw, snaps),
		bus.EventsService(eventHub),
	} {
		if err := serviceBus.Register(svc); err != nil {
			logger.Fatal("failed to register service", zap.String("service", svc.Name), zap.Error(err))
		}
	}
	dispatcher.MustRegister(protocol.CommandRPC, bus.ServerRPCHandler(serviceBus), dispatch.Async())

	closeRelay, err := startRelay(cfg, serviceBus, logger)
	if err != nil {
		logger.Fatal("failed to start bus relay", zap.Error(err))
	}

	forwarder := bus.NewEventForwarder(serviceBus, 0, logger)
	go forwarder.Run(ctx)

	recorder := snapshot.NewRecorder(snaps, logger)
	recorderDone := make(chan struct{})
	go func() {
		recorder.Run(ctx)
		close(recorderDone)
	}()

	gw.SetHooks(gateway.Hooks{
		OnRegister: recorder.Record,
		OnUnregister: func(name string) {
			logger.Info("server unregistered", zap.String("server", name))
		},
		OnEvent: func(srv domain.ManagedServer, msg protocol.Message) {
			forwarder.Enqueue(bus.NewEvent(cfg.NodeID, msg))
		},
	})
	if err := gw.Start(ctx); err != nil {
		logger.Fatal("failed to start gateway", zap.Error(err))
	}

	coordDone := make(chan error, 1)
	go func() {
		coordDone <- coord.Run(ctx)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-coordDone:
		logger.Error("coordinator stopped", zap.Error(err))
		coordDone <- err
	}

	logger.Info("shutting down fleetd")
	cancel()
	<-coordDone

	if err := closeRelay(); err != nil {
		logger.Warn("failed to close bus relay", zap.Error(err))
	}
	if err := gw.Close(); err != nil {
		logger.Warn("failed to close gateway", zap.Error(err))
	}
	<-recorderDone

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := surface.Stop(shutdownCtx); err != nil {
		logger.Warn("failed to stop control surface", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("failed to flush traces", zap.Error(err))
	}

	logger.Info("fleetd stopped")
}

// advertiseAddr is the address other nodes reach this node's bus at.
func advertiseAddr(cfg *config.Config) (string, error) {
	if cfg.BusTransport == "nats" {
		return natsbus.Subject(cfg.GroupID, cfg.NodeID), nil
	}
	if cfg.BusAdvertiseAddr != "" {
		return cfg.BusAdvertiseAddr, nil
	}
	host, port, err := net.SplitHostPort(cfg.BusListenAddr)
	if err != nil {
		return "", fmt.Errorf("bus listen address %q: %w", cfg.BusListenAddr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host, err = os.Hostname()
		if err != nil {
			return "", fmt.Errorf("resolve hostname: %w", err)
		}
	}
	return net.JoinHostPort(host, port), nil
}

// startRelay connects the bus to the configured relay transport and returns
// its closer.
func startRelay(cfg *config.Config, b *bus.Bus, logger *zap.Logger) (func() error, error) {
	switch cfg.BusTransport {
	case "nats":
		relay, err := natsbus.Connect(cfg.NATSURL, "fleetd-"+cfg.NodeID, logger)
		if err != nil {
			return nil, err
		}
		if err := relay.Serve(natsbus.Subject(cfg.GroupID, cfg.NodeID), b); err != nil {
			relay.Close()
			return nil, err
		}
		b.SetRelay(relay)
		return func() error { relay.Close(); return nil }, nil

	case "rpc", "":
		server, err := rpc.NewServer(b, logger)
		if err != nil {
			return nil, err
		}
		if err := server.Listen(cfg.BusListenAddr); err != nil {
			return nil, fmt.Errorf("listen %s: %w", cfg.BusListenAddr, err)
		}
		go func() {
			if err := server.Serve(); err != nil {
				logger.Error("bus relay stopped", zap.Error(err))
			}
		}()
		logger.Info("bus relay listening", zap.String("addr", server.Addr().String()))
		client := rpc.NewClient(5 * time.Second)
		b.SetRelay(client)
		return func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Close()
			return server.Shutdown(ctx)
		}, nil
	}
	return nil, fmt.Errorf("unknown bus transport %q", cfg.BusTransport)
}
