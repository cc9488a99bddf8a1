package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"pongarena/broker/internal/broker"
	"pongarena/broker/internal/config"
	relaygrpc "pongarena/broker/internal/grpc"
	httpapi "pongarena/broker/internal/http"
	"pongarena/broker/internal/logging"
	"pongarena/broker/internal/match"
	"pongarena/broker/internal/physics"
	"pongarena/broker/internal/replay"
	"pongarena/broker/internal/simulation"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	shutdownTimeout        = 10 * time.Second
	retentionSweepInterval = 10 * time.Minute
	adminWindow            = time.Minute
	adminBurst             = 5
)

// server owns every long-lived component of the broker process.
type server struct {
	cfg       *config.Config
	log       *logging.Logger
	registry  *match.Registry
	scheduler *simulation.Scheduler
	broker    *broker.Broker
	gateway   *broker.Gateway
	recorder  *replay.MatchRecorder
	cleaner   *replay.Cleaner
	router    *mux.Router

	grpcServer *grpc.Server
	health     *health.Server
}

// newServer wires the broker from cfg. The registry is initialised before it returns.
func newServer(cfg *config.Config, logger *logging.Logger) (*server, error) {
	if logger == nil {
		logger = logging.L()
	}
	s := &server{cfg: cfg, log: logger}

	//1.- Simulation: one scheduler drives every running room at the configured rate.
	s.scheduler = simulation.NewScheduler(cfg.TickInterval(),
		simulation.WithLogger(logger),
		simulation.WithTickMonitor(simulation.NewTickMonitor()),
	)
	physicsCfg := physics.DefaultConfig()
	physicsCfg.WinScore = cfg.WinScore
	s.registry = match.NewRegistry(s.scheduler, match.WithEngine(physics.NewEngine(physicsCfg)))
	if err := s.registry.Init(); err != nil {
		return nil, err
	}

	//2.- Optional recording of match lifecycles and sampled frames.
	brokerOpts := []broker.Option{broker.WithLogger(logger)}
	if cfg.Replay.Enabled() {
		recorder, err := replay.NewMatchRecorder(cfg.Replay.Directory, nil, logger)
		if err != nil {
			return nil, err
		}
		s.recorder = recorder
		s.cleaner = replay.NewCleaner(cfg.Replay.Directory, replay.RetentionPolicy{
			MaxRecordings: cfg.Replay.MaxMatches,
			MaxAge:        cfg.Replay.MaxAge,
		}, logger)
		brokerOpts = append(brokerOpts, broker.WithRecorder(recorder))
	}
	s.broker = broker.New(s.registry, s.scheduler, brokerOpts...)

	//3.- Real-time gateway with optional signed identity tokens.
	resolver, err := newIdentityResolver(cfg.AuthSecret)
	if err != nil {
		return nil, err
	}
	s.gateway = broker.NewGateway(s.broker, broker.GatewayOptions{
		AllowedOrigins:  cfg.AllowedOrigins,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		PingInterval:    cfg.PingInterval,
		SendBuffer:      cfg.SendBuffer,
		Resolver:        resolver,
		Logger:          logger,
	})

	//4.- HTTP routes: operations first, then rooms.
	s.router = mux.NewRouter()
	s.router.Use(logging.HTTPTraceMiddleware(logger))
	opsOpts := httpapi.Options{
		Logger:      logger,
		Version:     version,
		Readiness:   s.registry,
		Stats:       s.broker,
		Connections: s.gateway.Active,
		Delivery:    s.broker.Metrics(),
		Ticks:       s.scheduler.Monitor(),
		AdminToken:  cfg.AdminToken,
		RateLimiter: httpapi.NewSlidingWindowLimiter(adminWindow, adminBurst, nil),
	}
	if s.recorder != nil {
		opsOpts.Recorder = s.recorder.Stats
		opsOpts.Retention = s.cleaner
	}
	httpapi.NewHandlerSet(opsOpts).Register(s.router)
	httpapi.NewRoomHandlers(httpapi.RoomOptions{
		Logger:        logger,
		Rooms:         s.broker,
		Gateway:       s.gateway,
		CreateLimiter: httpapi.NewKeyedLimiter(cfg.CreateWindow, cfg.CreateBurst, nil),
		Resolver:      resolver,
	}).Register(s.router)

	//5.- gRPC relay, unless disabled.
	if cfg.GRPCAddress != "" {
		opts, err := grpcServerOptions(cfg, logger)
		if err != nil {
			return nil, err
		}
		s.grpcServer = grpc.NewServer(opts...)
		s.health = relaygrpc.Register(s.grpcServer, relaygrpc.NewService(s.broker))
	}
	return s, nil
}

// Handler returns the HTTP entry point.
func (s *server) Handler() http.Handler { return s.router }

// run serves HTTP and gRPC until ctx is cancelled or a listener fails, then
// shuts everything down.
func (s *server) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpServer := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		if s.cfg.TLSCertPath != "" {
			err = httpServer.ListenAndServeTLS(s.cfg.TLSCertPath, s.cfg.TLSKeyPath)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()
	urls := listenerURLs(s.cfg.Address, s.cfg.TLSCertPath != "")
	s.log.Info("broker listening",
		logging.String("http", urls.HTTP),
		logging.String("socket", urls.Socket),
		logging.Int("tick_rate", s.cfg.TickRate),
	)

	if s.grpcServer != nil {
		listener, err := net.Listen("tcp", s.cfg.GRPCAddress)
		if err != nil {
			errs <- err
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
					errs <- err
				}
			}()
			s.log.Info("gRPC relay listening", logging.String("address", listener.Addr().String()), logging.String("auth_mode", string(s.cfg.GRPCAuthMode)))
		}
	}

	if s.cleaner != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.cleaner.Run(ctx, retentionSweepInterval)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.log.Info("shutdown requested")
	case runErr = <-errs:
		s.log.Error("listener failed", logging.Error(runErr))
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := s.shutdown(shutdownCtx, httpServer); err != nil && runErr == nil {
		runErr = err
	}
	wg.Wait()
	return runErr
}

// shutdown drains listeners first so no new work arrives while rooms are torn down.
func (s *server) shutdown(ctx context.Context, httpServer *http.Server) error {
	var errs []error
	if s.health != nil {
		s.health.Shutdown()
	}
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	//1.- Broker shutdown closes sockets and relay subscriptions, which lets
	// hijacked connections and relay streams finish.
	if err := s.broker.Shutdown(); err != nil && !errors.Is(err, match.ErrUninitialized) {
		errs = append(errs, err)
	}
	if s.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpcServer.Stop()
		}
	}
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.log.Info("broker stopped")
	return errors.Join(errs...)
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.L().Warn("failed to load .env file", logging.Error(err))
	}
	cfg, err := config.Load()
	if err != nil {
		logging.NewWriterLogger(os.Stderr, logging.InfoLevel).Fatal("invalid configuration", logging.Error(err))
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		logging.NewWriterLogger(os.Stderr, logging.InfoLevel).Fatal("failed to initialise logging", logging.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	srv, err := newServer(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build broker", logging.Error(err))
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := srv.run(ctx); err != nil {
		logger.Error("broker exited with error", logging.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}
