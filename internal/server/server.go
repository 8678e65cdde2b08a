package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/chunkvault/chunkvault/internal/config"
	"github.com/chunkvault/chunkvault/internal/infra"
	"github.com/chunkvault/chunkvault/internal/logging"
	"github.com/chunkvault/chunkvault/internal/notification"
	"github.com/chunkvault/chunkvault/internal/routes"
	"github.com/chunkvault/chunkvault/internal/settlement"
	"github.com/chunkvault/chunkvault/internal/tasks"
)

// Server wraps the Fiber application together with the background work and
// external connections it owns.
type Server struct {
	app      *fiber.App
	cfg      config.Config
	logger   *slog.Logger
	services *routes.Services
	tasks    *tasks.Registry
	closers  []func() error
}

// New connects to the settlement network, builds the notifier and task
// registry, and delegates route wiring to routes.Setup.
func New(ctx context.Context, cfg config.Config, backends *infra.Backends, logger *slog.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger}

	network, err := s.dialNetwork(ctx)
	if err != nil {
		return nil, err
	}
	notifier := s.buildNotifier()
	s.tasks = tasks.NewRegistry(context.Background(), cfg.Deposit.MaxWatchers, logging.Component(logger, "tasks"))

	s.app = fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	s.services, err = routes.Setup(s.app, routes.Deps{
		Cfg:      cfg,
		DB:       backends.DB,
		Cache:    backends.Cache,
		Logger:   logger,
		Network:  network,
		Tasks:    s.tasks,
		Notifier: notifier,
	})
	if err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *Server) dialNetwork(ctx context.Context) (settlement.Network, error) {
	if s.cfg.Chain.RPCURL == "" {
		s.logger.Warn("ETH_RPC_URL not set; using an in-memory settlement network")
		return settlement.NewMemoryNetwork(), nil
	}
	network, err := settlement.DialEthereum(ctx, s.cfg.Chain.RPCURL, s.cfg.Chain.Confirmations, logging.Component(s.logger, "settlement"))
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, func() error {
		network.Close()
		return nil
	})
	return network, nil
}

func (s *Server) buildNotifier() notification.Notifier {
	logger := logging.Component(s.logger, "notification")
	if len(s.cfg.Kafka.Brokers) == 0 {
		return notification.NewLoggerNotifier(logger)
	}
	kafkaNotifier := notification.NewKafkaNotifier(s.cfg.Kafka.Brokers, s.cfg.Kafka.Topic, logger)
	s.closers = append(s.closers, kafkaNotifier.Close)
	logger.Info("kafka notifier enabled", "topic", s.cfg.Kafka.Topic)
	return kafkaNotifier
}

// Start resumes watchers for deposit wallets left pending by a previous run
// and launches the interest scheduler.
func (s *Server) Start(ctx context.Context) error {
	if _, err := s.services.Deposits.Resume(ctx); err != nil {
		return err
	}
	if err := s.tasks.Go("interest-scheduler", s.services.Interest.Run); err != nil {
		return fmt.Errorf("start interest scheduler: %w", err)
	}
	return nil
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// Shutdown stops accepting requests, then cancels background tasks and waits
// for them within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.tasks.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("background tasks: %w", err))
	}
	if err := s.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Server) close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// App exposes the Fiber application, for tests.
func (s *Server) App() *fiber.App {
	return s.app
}
