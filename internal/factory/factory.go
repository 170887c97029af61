package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"golang.org/x/sync/errgroup"

	"invite-gate/internal/bucketing"
	"invite-gate/internal/client"
	"invite-gate/internal/config"
	"invite-gate/internal/encryption"
	"invite-gate/internal/handler"
	"invite-gate/internal/repository"
	"invite-gate/internal/repository/clickhouse"
	"invite-gate/internal/repository/redis"
	"invite-gate/internal/repository/scylla"
	"invite-gate/internal/service"
	"invite-gate/internal/tls"
	"invite-gate/internal/transport/telegram"
	"invite-gate/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	clickhouseClient *client.ClickHouseClient
	telegramClient   *telegram.Client

	// Managers
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	// Repositories
	linkStore      repository.LinkStore
	challengeStore repository.ChallengeStore
	directory      repository.RecipientDirectory
	runStore       repository.BroadcastRunStore
	deliveryLog    *clickhouse.DeliveryLog

	serviceFactory *service.ServiceFactory
	botHandler     *handler.BotHandler

	root       context.Context
	cancelRoot context.CancelFunc
	closeOnce  sync.Once
	closed     chan struct{}
}

// NewFactory creates and initializes all application dependencies. The logger
// must already be initialised through util.Init.
func NewFactory(cfg *config.Config) (*Factory, error) {
	root, cancel := context.WithCancel(context.Background())
	factory := &Factory{
		config:     cfg,
		root:       root,
		cancelRoot: cancel,
		closed:     make(chan struct{}),
	}

	factory.tlsManager = tls.NewTLSManager(&tls.TLSConfig{
		EnableTLS:   cfg.Server.EnableTLS,
		AutoCert:    cfg.Server.AutoCert,
		Domain:      cfg.Server.Domain,
		CertFile:    cfg.Server.CertFile,
		KeyFile:     cfg.Server.KeyFile,
		AutoCertDir: cfg.Server.AutoCertDir,
		Email:       cfg.Server.Email,
		Environment: cfg.Environment,
	})

	if err := factory.initializeClients(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	factory.initializeRepositories()
	factory.initializeServices()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("bot", factory.telegramClient.Username()),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("scylla_enabled", factory.scyllaClient != nil),
		util.Bool("kafka_enabled", factory.kafkaProducer != nil),
		util.Bool("clickhouse_enabled", factory.clickhouseClient != nil),
	)

	return factory, nil
}

// initializeClients connects Redis and the messaging platform, which are
// required, and every optional backend that is enabled. An enabled optional
// backend that fails is fatal in production and skipped otherwise.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rc, err := client.NewRedisClient(f.config, util.Get())
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	f.redisClient = rc
	util.Info("Redis client initialized and healthy")

	tg, err := telegram.NewClient(f.config, util.Get())
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	f.telegramClient = tg

	var initErrors []error

	if f.config.Scylla.Enabled {
		if sc, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else if err := sc.EnsureSchema(ctx); err != nil {
			sc.Close()
			initErrors = append(initErrors, fmt.Errorf("scylla schema: %w", err))
		} else {
			f.scyllaClient = sc
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	if f.config.Clickhouse.Enabled {
		if ch, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			log := clickhouse.NewDeliveryLog(ch)
			if err := log.EnsureSchema(ctx); err != nil {
				_ = ch.Close()
				initErrors = append(initErrors, fmt.Errorf("clickhouse schema: %w", err))
			} else {
				f.clickhouseClient = ch
				f.deliveryLog = log
				util.Info("ClickHouse client initialized and healthy")
			}
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Optional backend disabled", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes encryption and bucketing managers
func (f *Factory) initializeManagers() error {
	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("aws config: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}

	em, err := encryption.NewEncryptionManager(f.config, kmsClient)
	if err != nil {
		return err
	}
	f.encryptionManager = em
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	util.Info("Managers initialized successfully",
		util.Bool("kms", kmsClient != nil),
		util.Int("lock_stripes", f.bucketingManager.Stripes()),
	)
	return nil
}

func (f *Factory) initializeRepositories() {
	f.linkStore = redis.NewLinkStore(f.redisClient, f.encryptionManager, f.config.Gateway.LinkTTL)
	f.challengeStore = redis.NewChallengeStore(f.redisClient, f.config.Gateway.ChallengeTTL)
	f.directory = redis.NewRecipientDirectory(f.redisClient)

	if f.scyllaClient != nil {
		f.runStore = scylla.NewBroadcastRunRepository(f.scyllaClient)
	} else {
		f.runStore = redis.NewBroadcastRunStore(f.redisClient)
	}
}

// initializeServices builds every service eagerly so the lazy getters are never
// raced by concurrent webhook calls.
func (f *Factory) initializeServices() {
	var events service.EventPublisher = service.NopPublisher{}
	if f.kafkaProducer != nil {
		events = service.NewKafkaEventPublisher(f.kafkaProducer, util.Get().Named("events"))
	}

	var deliveries repository.DeliveryRecorder
	if f.deliveryLog != nil {
		deliveries = f.deliveryLog
	}

	f.serviceFactory = service.NewServiceFactory(f.root, f.config, service.Backends{
		Links:      f.linkStore,
		Challenges: f.challengeStore,
		Directory:  f.directory,
		Runs:       f.runStore,
		Deliveries: deliveries,
		Messenger:  f.telegramClient,
		Events:     events,
		Health:     f.HealthCheck,
	}, f.telegramClient.Username(), util.Get())

	f.botHandler = handler.NewBotHandler(handler.BotDeps{
		Gateway:     f.serviceFactory.Gateway(),
		Broadcaster: f.serviceFactory.Broadcaster(),
		Admin:       f.serviceFactory.AdminService(),
		Directory:   f.directory,
		Locks:       f.bucketingManager,
		Messenger:   f.telegramClient,
	}, util.Get().Named("bot"))
}

// ==============================
// Health Checks
// ==============================

// HealthCheck probes every configured backend concurrently. A nil entry means
// the backend is healthy.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	probes := map[string]func(context.Context) error{
		"redis": f.redisClient.HealthCheck,
	}
	if f.scyllaClient != nil {
		probes["scylla"] = f.scyllaClient.HealthCheck
	}
	if f.kafkaProducer != nil {
		probes["kafka"] = f.kafkaProducer.HealthCheck
	}
	if f.clickhouseClient != nil {
		probes["clickhouse"] = f.clickhouseClient.HealthCheck
	}

	var mu sync.Mutex
	results := make(map[string]error, len(probes))
	var g errgroup.Group
	for name, probe := range probes {
		g.Go(func() error {
			err := probe(ctx)
			mu.Lock()
			results[name] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	for name, err := range f.HealthCheck(ctx) {
		if err != nil && name != "kafka" {
			return false
		}
	}
	return true
}

// Close stops running broadcasts, waits for them to record their summaries,
// then releases every client.
func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")
		f.cancelRoot()

		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
			util.Info("Service factory cleaned up")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Info("Factory shutdown completed")
		util.Sync()
		close(f.closed)
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Messenger() *telegram.Client {
	return f.telegramClient
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	return f.serviceFactory
}

func (f *Factory) BotHandler() *handler.BotHandler {
	return f.botHandler
}

func (f *Factory) EncryptionManager() *encryption.EncryptionManager {
	return f.encryptionManager
}

func (f *Factory) BucketingManager() *bucketing.BucketingManager {
	return f.bucketingManager
}
