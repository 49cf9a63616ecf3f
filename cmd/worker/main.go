package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/shipwright/outbox"
	"github.com/shipwright/outbox/dispatch"
	"github.com/shipwright/outbox/internal/config"
	"github.com/shipwright/outbox/internal/database"
	"github.com/shipwright/outbox/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker_boot_failed: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker_boot_failed: %v\n", err)
		os.Exit(1)
	}
	logger = logger.With(zap.String("service", "worker"))
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("worker_boot_failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.Database.URL, cfg.Database.PoolSize)
	if err != nil {
		return err
	}
	defer db.Close()

	dispatcher, closer, err := newDispatcher(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closer.Close(); err != nil {
			logger.Warn("dispatcher_close_failed", zap.Error(err))
		}
	}()

	worker := outbox.NewWorker(
		outbox.NewDBContext(db.DB, db.Dialect),
		dispatcher,
		outbox.WithPollInterval(cfg.Outbox.PollInterval),
		outbox.WithBatchSize(cfg.Outbox.BatchSize),
		outbox.WithMaxRetries(cfg.Outbox.MaxRetries),
		outbox.WithDispatchTimeout(cfg.Outbox.DispatchTimeout),
		outbox.WithLogger(logger),
	)

	worker.Run(ctx)
	logger.Info("worker_stopped")
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func newDispatcher(cfg *config.Config, logger *zap.Logger) (outbox.Dispatcher, io.Closer, error) {
	noop := closerFunc(func() error { return nil })

	switch cfg.Outbox.Dispatcher {
	case config.DispatcherKafka:
		d := dispatch.NewKafka(dispatch.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		return d, d, nil
	case config.DispatcherRabbitMQ:
		d, err := dispatch.DialRabbitMQ(cfg.AMQP.URL, cfg.AMQP.Queue)
		if err != nil {
			return nil, nil, err
		}
		return d, d, nil
	case config.DispatcherNATS:
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("outbox-worker"))
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to nats: %w", err)
		}
		return dispatch.NewNATS(nc, cfg.NATS.Subject), closerFunc(func() error { return nc.Drain() }), nil
	case config.DispatcherLog:
		return dispatch.NewLog(logger), noop, nil
	default:
		return nil, nil, errors.New("unknown dispatcher " + cfg.Outbox.Dispatcher)
	}
}
