// Package main starts the telemetry relay binary.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ibs-source/telemetry-relay/internal/codec"
	"github.com/ibs-source/telemetry-relay/internal/config"
	"github.com/ibs-source/telemetry-relay/internal/control"
	"github.com/ibs-source/telemetry-relay/internal/deadletter"
	"github.com/ibs-source/telemetry-relay/internal/health"
	"github.com/ibs-source/telemetry-relay/internal/log"
	"github.com/ibs-source/telemetry-relay/internal/message"
	"github.com/ibs-source/telemetry-relay/internal/mqtt"
	"github.com/ibs-source/telemetry-relay/internal/postgres"
	"github.com/ibs-source/telemetry-relay/internal/redis"
	"github.com/ibs-source/telemetry-relay/internal/relay"
	"github.com/ibs-source/telemetry-relay/internal/sink"
)

// shutdownGrace is added to the relay drain timeout before the process gives up
const shutdownGrace = 5 * time.Second

// services holds everything run() has to close on exit
type services struct {
	rdb        *goredis.Client
	subscriber *mqtt.Client
	pool       *mqtt.Pool
	source     *redis.Source
	writer     *sink.Writer
	escalator  *deadletter.Escalator
	sessions   *control.Manager
	commands   *commander
	relay      *relay.Relay
	health     *health.Server
}

func run() int {
	logger := log.New()
	defer func() { _ = logger.Close() }()
	logger.Info("Starting telemetry relay")

	cfg, err := loadAndLogConfig(logger)
	if err != nil {
		return 1
	}

	svc, err := initializeServices(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize services: %v", err)
		return 1
	}
	defer closeServices(svc, logger)

	return runMainLoop(svc, cfg, logger)
}

func loadAndLogConfig(logger *log.Logger) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}

	logger.Info("Configuration loaded successfully")
	logger.Info("Store: %s, write timeout %s", cfg.Store.Driver, cfg.Store.WriteTimeout)
	if cfg.MQTT.Enabled {
		logger.Info("MQTT: %s, Telemetry: %s, Control: %s, Acks: %s",
			cfg.MQTT.Broker, cfg.MQTT.TelemetryTopic, cfg.MQTT.ControlTopic, cfg.MQTT.CommandAckTopic)
	}
	if cfg.Redis.StreamEnabled {
		logger.Info("Redis stream: %s, Stream: %s, Group: %s", cfg.Redis.Address, cfg.Redis.Stream, cfg.Redis.Group)
	}
	logger.Info("Relay: Queue=%d, Batch=%d, MaxInFlight=%d, MaxRetries=%d",
		cfg.Relay.QueueCapacity, cfg.Relay.BatchSize, cfg.Relay.MaxInFlight, cfg.Relay.MaxRetries)
	return cfg, nil
}

func initializeServices(cfg *config.Config, logger *log.Logger) (*services, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout+cfg.MQTT.ConnectTimeout)
	defer cancel()

	svc := &services{}
	ok := false
	defer func() {
		if !ok {
			closeServices(svc, logger)
		}
	}()

	if cfg.Store.Driver == config.StoreRedis || cfg.Redis.StreamEnabled {
		rdb, err := redis.Connect(ctx, &cfg.Redis)
		if err != nil {
			return nil, err
		}
		svc.rdb = rdb
		logger.Info("Connected to Redis at %s", cfg.Redis.Address)
	}

	if cfg.MQTT.Enabled {
		sub, err := mqtt.NewClient(&cfg.MQTT, cfg.Relay.AdmitTimeout, logger, mqtt.WithSubscriberSession())
		if err != nil {
			return nil, fmt.Errorf("mqtt subscriber: %w", err)
		}
		svc.subscriber = sub

		pool, err := mqtt.NewPool(&cfg.MQTT, cfg.MQTT.PoolSize, logger)
		if err != nil {
			return nil, fmt.Errorf("mqtt pool: %w", err)
		}
		svc.pool = pool
		logger.Info("Connected to MQTT broker with %d publish connections", cfg.MQTT.PoolSize)
	}

	store, err := openStore(cfg, svc.rdb, logger)
	if err != nil {
		return nil, err
	}
	svc.writer = sink.NewWriter(store, cfg.Store.WriteTimeout, logger)

	cdc, err := codec.New(codec.Options{
		Lenient:        cfg.Relay.LenientDecode,
		ValidateSchema: cfg.Relay.ValidateSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}

	var pub deadletter.Publisher
	if svc.pool != nil {
		pub = svc.pool
	}
	target, err := deadletter.NewTarget(cfg, pub, logger)
	if err != nil {
		return nil, err
	}
	svc.escalator = deadletter.New(target, cdc, cfg.Escalation.Timeout, logger)

	var opts []relay.Option
	var cmds *commander
	if cfg.Control.Enabled {
		if svc.pool == nil {
			logger.Warn("Control sessions need MQTT to publish commands; disabled")
		} else {
			svc.sessions = control.NewManager(cfg.Control, logger)
			cmds = &commander{
				cfg:      &cfg.MQTT,
				codec:    cdc,
				pub:      svc.pool,
				sessions: svc.sessions,
				log:      logger,
			}
			opts = append(opts, relay.WithPersistedHook(cmds.persisted))
		}
	}
	svc.relay = relay.New(cfg.Relay, cdc, svc.writer, svc.escalator, logger, opts...)
	if cmds != nil {
		cmds.relay = svc.relay
		svc.commands = cmds
	}

	if cfg.Redis.StreamEnabled {
		source, err := redis.NewSource(ctx, svc.rdb, &cfg.Redis, &cfg.Relay, logger)
		if err != nil {
			return nil, err
		}
		svc.source = source
	}

	if cfg.Health.Enabled {
		svc.health = health.NewServer(cfg.Health, svc.relay, logger)
	}

	ok = true
	return svc, nil
}

// openStore selects the document store behind the sink writer
func openStore(cfg *config.Config, rdb *goredis.Client, logger *log.Logger) (sink.Store, error) {
	switch cfg.Store.Driver {
	case config.StoreMemory:
		logger.Warn("Using in-memory store: documents are lost on exit")
		return sink.NewMemoryStore(), nil
	case config.StoreRedis:
		return redis.NewStore(rdb, cfg.Redis.KeyPrefix), nil
	case config.StorePostgres:
		return postgres.NewStore(cfg.Postgres, logger), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func runMainLoop(svc *services, cfg *config.Config, logger *log.Logger) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case sig := <-sigChan:
			logger.Info("Received signal %v, initiating graceful shutdown", sig)
			cancel()
		case <-gctx.Done():
		}
		return nil
	})
	g.Go(func() error { return svc.relay.Run(gctx) })

	if svc.subscriber != nil {
		if err := subscribe(svc, cfg); err != nil {
			logger.Error("MQTT subscription failed: %v", err)
			cancel()
			_ = g.Wait()
			return 1
		}
	}
	if svc.source != nil {
		g.Go(func() error { return ignoreCanceled(svc.source.Run(gctx, svc.relay.Handle)) })
	}
	if svc.sessions != nil {
		g.Go(func() error {
			return ignoreCanceled(svc.sessions.Run(gctx, func(cmd control.Command) {
				svc.commands.issue(cmd)
			}))
		})
	}
	if svc.health != nil {
		// health stays up during the drain so readiness reports the shutdown
		g.Go(func() error {
			hctx, stop := untilClosed(svc.relay.Done())
			defer stop()
			return ignoreCanceled(svc.health.Run(hctx))
		})
	}

	logger.Info("Relay started")

	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait() }()

	select {
	case err := <-waitErr:
		return exitCode(err, logger)
	case <-gctx.Done():
	}

	select {
	case err := <-waitErr:
		return exitCode(err, logger)
	case <-time.After(cfg.Relay.ShutdownTimeout + shutdownGrace):
		logger.Error("Shutdown timeout exceeded")
		return 1
	}
}

// subscribe attaches the relay and the control sessions to the MQTT topics
func subscribe(svc *services, cfg *config.Config) error {
	for _, topic := range []string{cfg.MQTT.TelemetryTopic, cfg.MQTT.ControlTopic} {
		if topic == "" {
			continue
		}
		if err := svc.subscriber.SubscribeDeliveries(topic, svc.relay.Handle); err != nil {
			return err
		}
	}
	if svc.sessions != nil && cfg.MQTT.CommandAckTopic != "" {
		return svc.subscriber.SubscribeAcks(cfg.MQTT.CommandAckTopic, func(ack message.CommandAck) {
			svc.sessions.Acknowledge(ack)
		})
	}
	return nil
}

func closeServices(svc *services, logger *log.Logger) {
	if svc.subscriber != nil {
		if err := svc.subscriber.Close(); err != nil {
			logger.Error("Error closing MQTT subscriber: %v", err)
		}
	}
	if svc.escalator != nil {
		if err := svc.escalator.Close(); err != nil {
			logger.Error("Error closing dead letter target: %v", err)
		}
	}
	if svc.pool != nil {
		if err := svc.pool.Close(); err != nil {
			logger.Error("Error closing MQTT pool: %v", err)
		}
	}
	if svc.writer != nil {
		if err := svc.writer.Close(); err != nil {
			logger.Error("Error closing store: %v", err)
		}
	}
	if svc.rdb != nil {
		if err := svc.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			logger.Error("Error closing Redis client: %v", err)
		}
	}
}

func exitCode(err error, logger *log.Logger) int {
	if err != nil {
		logger.Error("Relay error: %v", err)
		return 1
	}
	logger.Info("Graceful shutdown completed")
	return 0
}

// untilClosed returns a context cancelled once done is closed
func untilClosed(done <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func main() {
	// Keep main minimal to ensure defers in run() execute correctly.
	os.Exit(run())
}
