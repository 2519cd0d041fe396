package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fintrack-auth/internal/audit"
	"fintrack-auth/internal/bucketing"
	"fintrack-auth/internal/client"
	"fintrack-auth/internal/clock"
	"fintrack-auth/internal/config"
	"fintrack-auth/internal/encryption"
	"fintrack-auth/internal/handler"
	"fintrack-auth/internal/hashing"
	"fintrack-auth/internal/notify"
	"fintrack-auth/internal/repository/memory"
	"fintrack-auth/internal/repository/postgres"
	rediscache "fintrack-auth/internal/repository/redis"
	"fintrack-auth/internal/repository/scylla"
	"fintrack-auth/internal/service"
	"fintrack-auth/internal/store"
	"fintrack-auth/internal/tls"
	"fintrack-auth/internal/util"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	logger     *zap.Logger
	clock      *clock.System
	tlsManager *tls.TLSManager

	store store.Store

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	notifier       notify.Channel
	recorder       *audit.Recorder
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	logger := util.Init(cfg.ServiceName, cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	clk, err := clock.NewSystem(cfg.OTP.Timezone)
	if err != nil {
		return nil, err
	}

	f := &Factory{
		config: cfg,
		logger: logger,
		clock:  clk,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager, err = tls.NewTLSManager(cfg.Server, cfg.IsProduction(), logger.Named("tls"))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize TLS: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	f.bucketingManager = bucketing.NewBucketingManager(cfg.Bucketing)

	if err := f.initializeStore(); err != nil {
		return nil, err
	}
	if err := f.initializeClients(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeManagers(ctx); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.initializeNotifier(); err != nil {
		f.Close()
		return nil, err
	}
	f.initializeAudit(ctx)

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("db_driver", cfg.Database.Driver),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("redis_enabled", f.redisClient != nil),
	)

	return f, nil
}

func (f *Factory) initializeStore() error {
	switch f.config.Database.Driver {
	case "postgres":
		db, err := postgres.Connect(f.config.Database, f.logger)
		if err != nil {
			return err
		}
		f.store = postgres.NewStore(db)
	default:
		f.logger.Warn("Using in-memory store; data is lost on restart")
		f.store = memory.New(f.bucketingManager)
	}
	return nil
}

// initializeClients connects the optional infrastructure. Outside
// production a failing dependency is logged and left out.
func (f *Factory) initializeClients(ctx context.Context) error {
	var initErrors []error
	requireTLS := f.config.IsProduction()

	if f.config.Redis.Enabled {
		if c, err := client.NewRedisClient(ctx, f.config.Redis, f.logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = c
			util.Info("Redis client initialized and healthy")
		}
	}

	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config.Kafka, f.logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	for _, sink := range f.config.Audit.Sinks {
		switch sink {
		case "clickhouse":
			if c, err := client.NewClickHouseClient(ctx, f.config.Clickhouse, requireTLS, f.logger); err != nil {
				initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
			} else {
				f.clickhouseClient = c
				util.Info("ClickHouse client initialized and healthy")
			}
		case "elasticsearch":
			if c, err := client.NewElasticsearchClient(ctx, f.config.Elasticsearch, !requireTLS, f.logger); err != nil {
				initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
			} else {
				f.esClient = c
				util.Info("Elasticsearch client initialized and healthy")
			}
		case "scylla":
			if c, err := scylla.NewScyllaClient(f.config.Scylla, requireTLS, f.logger); err != nil {
				initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
			} else {
				f.scyllaClient = c
				util.Info("ScyllaDB client initialized and healthy")
			}
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return errors.Join(initErrors...)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}
	return nil
}

// initializeManagers initializes hashing and encryption
func (f *Factory) initializeManagers(ctx context.Context) error {
	hasher, err := hashing.NewHasher(f.config.Hashing)
	if err != nil {
		return fmt.Errorf("hasher: %w", err)
	}
	f.hasher = hasher

	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}

	f.encryptionManager, err = encryption.NewEncryptionManager(f.config.KMS, kmsClient, f.logger.Named("encryption"))
	if err != nil {
		return fmt.Errorf("encryption: %w", err)
	}

	util.Info("Managers initialized successfully",
		util.Int("pepper_versions", len(f.config.Hashing.Peppers)),
		util.Bool("kms_enabled", f.config.KMS.Enabled),
	)
	return nil
}

func (f *Factory) initializeNotifier() error {
	sms, err := f.channel(f.config.Notify.SMSProvider, func() (notify.Channel, error) {
		return notify.NewTwilioChannel(f.config.Twilio)
	}, "twilio")
	if err != nil {
		return fmt.Errorf("sms channel: %w", err)
	}
	email, err := f.channel(f.config.Notify.EmailProvider, func() (notify.Channel, error) {
		return notify.NewSendGridChannel(f.config.SendGrid)
	}, "sendgrid")
	if err != nil {
		return fmt.Errorf("email channel: %w", err)
	}

	f.notifier = notify.NewRouter(sms, email, f.config.Notify.Timeout, f.logger.Named("notify"))
	return nil
}

// channel builds the named provider. vendor is the provider name served by
// newVendor.
func (f *Factory) channel(provider string, newVendor func() (notify.Channel, error), vendor string) (notify.Channel, error) {
	switch provider {
	case vendor:
		return newVendor()
	case "kafka":
		if f.kafkaProducer == nil {
			return nil, errors.New("kafka provider selected but kafka is not available")
		}
		return notify.NewKafkaChannel(f.kafkaProducer, f.config.Kafka.NotificationTopic), nil
	case "log", "":
		if f.config.IsProduction() {
			return nil, errors.New("log provider is not allowed in production")
		}
		return notify.NewLogChannel(f.logger.Named("notify")), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

func (f *Factory) initializeAudit(ctx context.Context) {
	var sinks []audit.Sink
	for _, name := range f.config.Audit.Sinks {
		switch name {
		case "clickhouse":
			if f.clickhouseClient == nil {
				continue
			}
			sink := audit.NewClickHouseSink(f.clickhouseClient)
			if err := sink.EnsureTable(ctx); err != nil {
				util.Warn("ClickHouse audit table unavailable", util.ErrorField(err))
				continue
			}
			sinks = append(sinks, sink)
		case "elasticsearch":
			if f.esClient != nil {
				sinks = append(sinks, audit.NewElasticsearchSink(f.esClient, f.config.Elasticsearch.Index))
			}
		case "scylla":
			if f.scyllaClient != nil {
				repo := scylla.NewSecurityEventRepository(f.scyllaClient, f.logger)
				sinks = append(sinks, audit.NewScyllaSink(repo))
			}
		case "log":
			sinks = append(sinks, audit.NewLogSink(f.logger.Named("audit")))
		default:
			util.Warn("Unknown audit sink ignored", util.String("sink", name))
		}
	}

	f.recorder = audit.NewRecorder(sinks, f.bucketingManager, f.clock, f.config.Audit.Timeout, f.logger.Named("audit"))
	util.Info("Audit recorder initialized", util.Int("sinks", len(sinks)))
}

// ==============================
// Service Factory
// ==============================
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		deps := service.Deps{
			Store:    f.store,
			Notifier: f.notifier,
			Hasher:   f.hasher,
			Sealer:   f.encryptionManager,
			Recorder: f.recorder,
			Clock:    f.clock,
		}
		if f.redisClient != nil {
			deps.RevocationCache = rediscache.NewBlacklistCache(f.redisClient, f.logger)
			deps.PinLimiter = rediscache.NewPinAttemptCache(
				f.redisClient,
				f.config.RateLimit.PinMaxAttempts,
				f.config.RateLimit.PinLockTTL,
				f.logger,
			)
		}
		f.serviceFactory = service.NewServiceFactory(deps, f.config.OTP, f.config.JWT, f.logger)
	}
	return f.serviceFactory
}

// RouterDeps assembles what the HTTP layer mounts.
func (f *Factory) RouterDeps() handler.RouterDeps {
	auth := f.ServiceFactory().AuthService()
	deps := handler.RouterDeps{
		Auth:   handler.NewAuthHandler(auth, f.clock, f.logger.Named("http")),
		Bearer: auth,
		Checks: f.HealthChecks(),
	}
	if f.redisClient != nil && f.config.RateLimit.IPRequests > 0 {
		deps.IPLimiter = rediscache.NewRateLimitCache(
			f.redisClient,
			f.config.RateLimit.IPRequests,
			f.config.RateLimit.IPWindow,
			f.logger,
		)
	}
	return deps
}

// ==============================
// Health Checks
// ==============================

// HealthChecks lists every initialized dependency.
func (f *Factory) HealthChecks() []handler.HealthCheck {
	checks := []handler.HealthCheck{{Name: "store", Check: f.store.HealthCheck}}
	if f.redisClient != nil {
		checks = append(checks, handler.HealthCheck{Name: "redis", Check: f.redisClient.HealthCheck})
	}
	if f.kafkaProducer != nil {
		checks = append(checks, handler.HealthCheck{Name: "kafka", Check: f.kafkaProducer.HealthCheck})
	}
	if f.clickhouseClient != nil {
		checks = append(checks, handler.HealthCheck{Name: "clickhouse", Check: f.clickhouseClient.HealthCheck})
	}
	if f.esClient != nil {
		checks = append(checks, handler.HealthCheck{Name: "elasticsearch", Check: f.esClient.HealthCheck})
	}
	if f.scyllaClient != nil {
		checks = append(checks, handler.HealthCheck{Name: "scylla", Check: f.scyllaClient.HealthCheck})
	}
	return checks
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		if f.store != nil {
			if err := f.store.Close(); err != nil {
				util.Error("Failed to close store", util.ErrorField(err))
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) Logger() *zap.Logger {
	return f.logger
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}
