package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	segkafka "github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/health"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/notifier"
	"github.com/Ramsey-B/fern/pkg/queue"
	fredis "github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/tracing/exporters"
)

// Version is stamped at build time with -ldflags
var Version = "dev"

const notifierLockPrefix = "fern:lock:"

// Server is fern backed by postgres, redis streams and kafka
type Server struct {
	cfg     *config.Config
	logger  ectologger.Logger
	startup *startup.Startup
	health  *health.Checker

	DB       *sqlx.DB
	dbi      database.DB
	Redis    *fredis.Client
	Streams  *fredis.Streams
	DLQ      *fredis.DeadLetterQueue
	Producer *kafka.Producer
	*Core

	processor *queue.Processor
	notifier  *notifier.Notifier
	consumer  *kafka.Consumer
	http      *http.Server

	shutdownTracing func(context.Context) error
}

func NewServer(cfg *config.Config, logger ectologger.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		startup: startup.NewStartup(logger, cfg.StartupMaxAttempts),
		health:  health.NewChecker(Version),
	}

	s.startup.AddDependency(startup.Func{Name: "tracing", OnStart: s.startTracing, OnStop: s.stopTracing})
	s.startup.AddDependency(startup.Func{Name: "database", OnStart: s.connectDatabase, OnStop: s.closeDatabase})
	s.startup.AddDependency(startup.Func{Name: "redis", OnStart: s.connectRedis, OnStop: s.closeRedis})
	s.startup.AddDependency(startup.Func{Name: "kafka", OnStart: s.connectKafka, OnStop: s.closeKafka})
	s.startup.AddDependency(startup.Func{
		Name:     "core",
		Requires: []string{"tracing", "database", "redis", "kafka"},
		OnStart:  s.buildCore,
	})
	return s
}

// Open connects to every backing service and builds the engine. Operator commands stop here.
func (s *Server) Open(ctx context.Context) error {
	return s.startup.Start(ctx)
}

// Serve starts the job processor, notifier, response consumer and ops HTTP server,
// then blocks until ctx ends and shuts everything down.
func (s *Server) Serve(ctx context.Context) error {
	s.startup.AddDependency(startup.Func{Name: "processor", Requires: []string{"core"}, OnStart: s.startProcessor, OnStop: s.stopProcessor})
	s.startup.AddDependency(startup.Func{Name: "notifier", Requires: []string{"core"}, OnStart: s.startNotifier, OnStop: s.stopNotifier})
	s.startup.AddDependency(startup.Func{Name: "consumer", Requires: []string{"core"}, OnStart: s.startConsumer, OnStop: s.stopConsumer})
	s.startup.AddDependency(startup.Func{Name: "http", Requires: []string{"core"}, OnStart: s.startHTTP, OnStop: s.stopHTTP})

	if err := s.startup.Start(ctx); err != nil {
		return err
	}
	s.health.SetReady(true)
	s.logger.WithContext(ctx).Infof("fern %s serving on :%d", Version, s.cfg.Port)

	<-ctx.Done()
	s.health.SetReady(false)
	return nil
}

// Close stops everything that was started, in reverse order
func (s *Server) Close(ctx context.Context) error {
	return s.startup.Stop(ctx)
}

func (s *Server) startTracing(ctx context.Context) error {
	shutdown, err := tracing.Setup(ctx, s.cfg.AppName, s.cfg.OTLPEnabled, exporters.OTLPConfig{
		Endpoint: s.cfg.OTLPEndpoint,
		Protocol: s.cfg.OTLPProtocol,
		Insecure: s.cfg.OTLPInsecure,
		Headers:  exporters.ParseHeaders(s.cfg.OTLPHeaders),
	})
	if err != nil {
		return err
	}
	s.shutdownTracing = shutdown
	return nil
}

func (s *Server) stopTracing(ctx context.Context) error {
	return s.shutdownTracing(ctx)
}

func (s *Server) databaseConfig() database.Config {
	return database.Config{
		Driver:          s.cfg.DatabaseDriver,
		Host:            s.cfg.DatabaseHost,
		Port:            s.cfg.DatabasePort,
		User:            s.cfg.DatabaseUserName,
		Password:        s.cfg.DatabasePassword,
		Name:            s.cfg.DatabaseName,
		SSLMode:         s.cfg.DatabaseSSLMode,
		MaxOpenConns:    s.cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    s.cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: s.cfg.DatabaseConnMaxLifetime,
		RetryCount:      s.cfg.DatabaseReconnectRetryCount,
	}
}

func (s *Server) connectDatabase(ctx context.Context) error {
	db, err := database.Connect(ctx, s.databaseConfig(), s.logger)
	if err != nil {
		return err
	}
	s.DB = db
	s.dbi = database.NewDatabaseInstance(db, s.logger)
	s.health.AddCheck("database", health.DatabaseCheck(db), true)
	return nil
}

func (s *Server) closeDatabase(context.Context) error {
	return s.DB.Close()
}

func (s *Server) connectRedis(ctx context.Context) error {
	client, err := fredis.NewClient(ctx, fredis.Config{
		Host:     s.cfg.RedisHost,
		Port:     s.cfg.RedisPort,
		Password: s.cfg.RedisPassword,
		DB:       s.cfg.RedisDB,
		PoolSize: s.cfg.RedisPoolSize,
	}, s.logger)
	if err != nil {
		return err
	}
	s.Redis = client
	s.Streams = fredis.NewStreams(client)
	s.DLQ = fredis.NewDeadLetterQueue(client, s.cfg.RedisDLQStream, s.logger)
	s.health.AddCheck("redis", health.RedisCheck(client.Redis()), true)
	return nil
}

func (s *Server) closeRedis(context.Context) error {
	return s.Redis.Close()
}

func (s *Server) kafkaConfig() kafka.Config {
	return kafka.Config{
		Brokers:        kafka.ParseBrokers(s.cfg.KafkaBrokers),
		TaskTopic:      s.cfg.KafkaTaskTopic,
		InterruptTopic: s.cfg.KafkaInterruptTopic,
		TaskAbortTopic: s.cfg.KafkaTaskAbortTopic,
		LifecycleTopic: s.cfg.KafkaLifecycleTopic,
		ResponseTopic:  s.cfg.KafkaResponseTopic,
		ConsumerGroup:  s.cfg.KafkaConsumerGroup,
	}
}

func (s *Server) connectKafka(ctx context.Context) error {
	cfg := s.kafkaConfig()
	if len(cfg.Brokers) == 0 {
		return errors.New("KAFKA_BROKERS is empty")
	}
	s.Producer = kafka.NewProducer(cfg, s.logger)
	// kafka is degraded rather than down: tasks queue up in wait instances until it returns
	s.health.AddCheck("kafka", kafkaCheck(cfg.Brokers), false)
	return nil
}

func (s *Server) closeKafka(context.Context) error {
	return s.Producer.Close()
}

func (s *Server) buildCore(context.Context) error {
	handlers := queue.NewHandlers()
	publisher := queue.NewPublisher(s.Streams, s.cfg.RedisStreamsJobQueue)
	core, err := NewCore(s.cfg, Stores{
		Nodes:      repositories.NewNodeExecutionRepository(s.dbi, s.logger),
		Plans:      repositories.NewPlanExecutionRepository(s.dbi, s.logger),
		Interrupts: repositories.NewInterruptRepository(s.dbi, s.logger),
		WaitNotify: repositories.NewWaitNotifyRepository(s.dbi, s.logger),
	}, publisher, handlers, s.Producer, s.logger)
	if err != nil {
		return err
	}
	s.Core = core
	return nil
}

func (s *Server) startProcessor(ctx context.Context) error {
	s.processor = queue.NewProcessor(s.Streams, s.DLQ, s.Handlers, queue.ProcessorConfig{
		Stream:        s.cfg.RedisStreamsJobQueue,
		ConsumerGroup: s.cfg.RedisStreamsConsumerGroup,
		ConsumerName:  s.cfg.RedisStreamsConsumerName,
		MaxRetries:    s.cfg.RedisStreamsMaxRetries,
		WorkerCount:   s.cfg.RedisStreamsWorkerCount,
	}, s.logger)
	return s.processor.Start(ctx)
}

func (s *Server) stopProcessor(ctx context.Context) error {
	return s.processor.Stop(ctx)
}

func (s *Server) startNotifier(ctx context.Context) error {
	if !s.cfg.NotifierEnabled {
		s.logger.WithContext(ctx).Warn("Notifier disabled; lost notify events and expired waits will not be swept")
		return nil
	}
	s.notifier = notifier.NewNotifier(
		repositories.NewWaitNotifyRepository(s.dbi, s.logger),
		queue.NewPublisher(s.Streams, s.cfg.RedisStreamsJobQueue),
		fredis.NewLocker(s.Redis, notifierLockPrefix),
		notifier.Config{
			PollInterval:      s.cfg.NotifierPollInterval,
			LockTTL:           s.cfg.NotifierLockTTL,
			PageSize:          s.cfg.NotifierPageSize,
			MaxPages:          s.cfg.NotifierMaxPages,
			Concurrency:       s.cfg.NotifierConcurrency,
			ResponseRetention: s.cfg.NotifierResponseRetention,
			ClaimLease:        s.cfg.NotifierClaimLease,
		},
		s.logger,
	)
	s.health.AddCheck("notifier", func(context.Context) error {
		if !s.notifier.IsRunning() {
			return errors.New("notifier is not running")
		}
		return nil
	}, false)
	return s.notifier.Start(ctx)
}

func (s *Server) stopNotifier(ctx context.Context) error {
	if s.notifier == nil {
		return nil
	}
	return s.notifier.Stop(ctx)
}

func (s *Server) startConsumer(ctx context.Context) error {
	cfg := kafka.DefaultConsumerConfig()
	cfg.Brokers = kafka.ParseBrokers(s.cfg.KafkaBrokers)
	cfg.Topic = s.cfg.KafkaResponseTopic
	cfg.GroupID = s.cfg.KafkaConsumerGroup

	consumer, err := kafka.NewConsumer(cfg, s.Waiter, s.logger)
	if err != nil {
		return err
	}
	s.consumer = consumer
	return consumer.Start(ctx)
}

func (s *Server) stopConsumer(context.Context) error {
	return s.consumer.Stop()
}

func (s *Server) startHTTP(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              ":" + strconv.Itoa(s.cfg.Port),
		Handler:           s.newRouter(),
		ReadTimeout:       time.Duration(s.cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.ReadHeaderTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    s.cfg.MaxHeaderBytes,
	}

	listener, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.http.Addr, err)
	}
	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("Ops HTTP server stopped")
		}
	}()
	return nil
}

func (s *Server) stopHTTP(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func kafkaCheck(brokers []string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		var lastErr error
		for _, broker := range brokers {
			conn, err := segkafka.DialContext(ctx, "tcp", broker)
			if err == nil {
				return conn.Close()
			}
			lastErr = err
		}
		return lastErr
	}
}
