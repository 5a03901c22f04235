package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/philsphicas/rpcbridge/internal/bridgeserver"
	"github.com/philsphicas/rpcbridge/internal/command"
	"github.com/philsphicas/rpcbridge/internal/config"
	"github.com/philsphicas/rpcbridge/internal/hyco"
	"github.com/philsphicas/rpcbridge/internal/ipcserver"
	"github.com/philsphicas/rpcbridge/internal/metrics"
	"github.com/philsphicas/rpcbridge/internal/procinfo"
	"github.com/philsphicas/rpcbridge/internal/registry"
	"github.com/philsphicas/rpcbridge/internal/router"
	"github.com/philsphicas/rpcbridge/internal/session"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Long: `Listen for Rich Presence IPC clients and for bridge websockets, and
relay commands between them until interrupted.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, path, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	if path != "" {
		logger.Info("loaded config file", "path", path)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := newServer(cfg, logger)
	if err != nil {
		return err
	}
	return s.run(ctx)
}

// server owns the listeners and the router of a running relay.
type server struct {
	cfg      config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	router   *router.Router
	ipc      *ipcserver.Server
	bridgeLn net.Listener
	metricLn net.Listener
	hyco     *hyco.ControlConfig
}

// newServer opens every listener so that startup errors surface before
// anything is served.
func newServer(cfg config.Config, logger *slog.Logger) (*server, error) {
	s := &server{cfg: cfg, logger: logger}

	var err error
	if s.metrics, s.metricLn, err = resolveMetrics(cfg); err != nil {
		return nil, err
	}

	s.router = router.New(registry.New(), router.Config{
		RequestTimeout: cfg.RequestTimeout,
		Commands:       command.Default(command.Info{Name: "rpcbridge", Version: version}),
		Session: session.Config{
			MaxFrameSize: uint32(cfg.MaxFrameSize),
			QueueSize:    cfg.OutboundQueue,
			Ready:        cfg.Ready(),
			Logger:       logger,
			Metrics:      s.metrics,
		},
		Logger:      logger,
		Metrics:     s.metrics,
		ProcessName: procinfo.Lookup(procinfo.DefaultTimeout),
	})

	if cfg.HycoEnabled() {
		if s.hyco, err = resolveHyco(cfg); err != nil {
			s.closeListeners()
			return nil, err
		}
		s.hyco.Logger = logger
		s.hyco.Metrics = s.metrics
		s.hyco.Handler = func(ctx context.Context, ws *websocket.Conn) {
			if err := s.router.ServeBridge(ctx, ws, hyco.Source); err != nil {
				logger.Warn("remote bridge connection ended", "error", err)
			}
		}
	}

	if s.ipc, err = ipcserver.Listen(ipcserver.Config{Dir: cfg.IPCDir, Slots: cfg.IPCSlots, Logger: logger}); err != nil {
		s.closeListeners()
		return nil, err
	}
	if s.bridgeLn, err = net.Listen("tcp", cfg.BridgeAddr); err != nil {
		s.closeListeners()
		return nil, fmt.Errorf("bridge listen on %s: %w", cfg.BridgeAddr, err)
	}
	return s, nil
}

func (s *server) closeListeners() {
	if s.metricLn != nil {
		_ = s.metricLn.Close()
	}
	if s.ipc != nil {
		_ = s.ipc.Close()
	}
	if s.bridgeLn != nil {
		_ = s.bridgeLn.Close()
	}
}

// run serves until ctx is cancelled or a listener fails. On the way out the
// router is shut down first, so the bridge sees presence cleared before the
// client sockets close.
func (s *server) run(ctx context.Context) error {
	serveCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(serveCtx)

	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-gctx.Done():
		}
		s.logger.Info("shutting down")
		s.router.Shutdown()
		cancel()
		return nil
	})
	g.Go(func() error {
		return s.ipc.Serve(gctx, s.router)
	})
	g.Go(func() error {
		return bridgeserver.Serve(gctx, s.bridgeLn, bridgeserver.Config{
			Origins: s.cfg.BridgeOrigins,
			Logger:  s.logger,
			Metrics: s.metrics,
		}, s.router)
	})
	if s.metricLn != nil {
		g.Go(func() error {
			return s.metrics.Serve(gctx, s.metricLn, s.logger)
		})
	}
	if s.hyco != nil {
		g.Go(func() error {
			if err := hyco.ListenAndServe(gctx, *s.hyco); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	s.logger.Info("relay started",
		"version", version,
		"ipc", s.ipc.Path(),
		"bridge", s.bridgeLn.Addr().String(),
		"hyco", s.hyco != nil,
	)
	return g.Wait()
}

// resolveMetrics creates a Metrics instance and its listener if
// metrics-addr is set. It returns nil values when metrics are disabled.
func resolveMetrics(cfg config.Config) (*metrics.Metrics, net.Listener, error) {
	if cfg.MetricsAddr == "" {
		return nil, nil, nil
	}
	ln, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics listen on %s: %w", cfg.MetricsAddr, err)
	}
	m := metrics.New()
	m.MaxClientIDs = cfg.MetricsMaxClientIDs
	return m, ln, nil
}

// resolveHyco determines the relay endpoint and token provider for remote
// bridges.
//
// Auth resolution:
//  1. RPCBRIDGE_HYCO_KEY_NAME + RPCBRIDGE_HYCO_KEY → SAS auth
//  2. Otherwise → Entra ID auth (DefaultAzureCredential)
func resolveHyco(cfg config.Config) (*hyco.ControlConfig, error) {
	suffix := cfg.HycoRelaySuffix
	if suffix == "" {
		suffix = hyco.DefaultRelaySuffix
	}
	endpoint := hyco.ParseRelayEndpoint(cfg.HycoRelay, suffix)
	if endpoint == "" {
		return nil, fmt.Errorf("invalid relay endpoint: %q", cfg.HycoRelay)
	}
	tp, err := hyco.NewTokenProvider(cfg.HycoKeyName, cfg.HycoKey)
	if err != nil {
		return nil, fmt.Errorf("hyco auth (RPCBRIDGE_HYCO_KEY_NAME/RPCBRIDGE_HYCO_KEY or Entra ID): %w", err)
	}
	return &hyco.ControlConfig{
		Endpoint:       endpoint,
		EntityPath:     cfg.HycoName,
		TokenProvider:  tp,
		MaxConnections: cfg.HycoMaxConnections,
	}, nil
}
