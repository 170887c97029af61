package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MembershipPolicy decides what an unknown membership lookup means.
type MembershipPolicy string

const (
	MembershipFailOpen   MembershipPolicy = "fail-open"
	MembershipFailClosed MembershipPolicy = "fail-closed"
)

type Config struct {
	Environment string
	Server      ServerConfig
	Logging     LoggingConfig
	Redis       RedisConfig
	Scylla      ScyllaConfig
	Kafka       KafkaConfig
	Clickhouse  ClickhouseConfig
	KMS         KMSConfig
	Encryption  EncryptionConfig
	Telegram    TelegramConfig
	Gateway     GatewayConfig
	Broadcast   BroadcastConfig
	Bucketing   BucketingConfig
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Enabled  bool
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Database string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type EncryptionConfig struct {
	// MasterKey wraps locally generated data keys when KMS is disabled.
	MasterKey []byte
}

type TelegramConfig struct {
	BotToken       string
	BotUsername    string
	APIEndpoint    string
	WebhookURL     string
	WebhookSecret  string
	RequestTimeout time.Duration
}

// RequiredChannel is a group the recipient must belong to before a challenge is issued.
type RequiredChannel struct {
	Ref     string
	JoinURL string
}

type GatewayConfig struct {
	RequiredChannels []RequiredChannel
	MembershipPolicy MembershipPolicy
	AllowedLinkHosts []string
	ChallengeTTL     time.Duration
	LinkTTL          time.Duration
}

type BroadcastConfig struct {
	OperatorID    int64
	Delay         time.Duration
	ProgressEvery int
	FlushEvery    int
}

type BucketingConfig struct {
	RecipientLockStripes int
}

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	var parseErrs []error
	dur := func(key string, def time.Duration) time.Duration {
		v, err := getDuration(key, def)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		return v
	}
	num := func(key string, def int) int {
		v, err := getInt(key, def)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		return v
	}

	cfg := &Config{
		Environment: getEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Port:         num("SERVER_PORT", 8080),
			TLSPort:      num("SERVER_TLS_PORT", 8443),
			EnableTLS:    getBool("ENABLE_TLS", false),
			AutoCert:     getBool("AUTO_CERT", false),
			Domain:       getEnv("SERVER_DOMAIN", ""),
			CertFile:     getEnv("TLS_CERT_FILE", ""),
			KeyFile:      getEnv("TLS_KEY_FILE", ""),
			AutoCertDir:  getEnv("AUTO_CERT_DIR", "./certs"),
			Email:        getEnv("AUTO_CERT_EMAIL", ""),
			ReadTimeout:  dur("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: dur("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  dur("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       num("REDIS_DB", 0),
			PoolSize: num("REDIS_POOL_SIZE", 20),
		},
		Scylla: ScyllaConfig{
			Enabled:  getBool("SCYLLA_ENABLED", false),
			Nodes:    getList("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "invite_gate"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Enabled: getBool("KAFKA_ENABLED", false),
			Brokers: getList("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:   getEnv("KAFKA_TOPIC", "invite-gate.events"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  getBool("CLICKHOUSE_ENABLED", false),
			URL:      getEnv("CLICKHOUSE_URL", "http://localhost:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "invite_gate"),
		},
		KMS: KMSConfig{
			Enabled: getBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("AWS_REGION", "us-east-1"),
		},
		Telegram: TelegramConfig{
			BotToken:       getEnv("BOT_TOKEN", ""),
			BotUsername:    strings.TrimPrefix(getEnv("BOT_USERNAME", ""), "@"),
			APIEndpoint:    getEnv("TELEGRAM_API_ENDPOINT", "https://api.telegram.org/bot%s/%s"),
			WebhookURL:     getEnv("WEBHOOK_URL", ""),
			WebhookSecret:  getEnv("WEBHOOK_SECRET", ""),
			RequestTimeout: dur("TELEGRAM_TIMEOUT", 10*time.Second),
		},
		Gateway: GatewayConfig{
			MembershipPolicy: MembershipPolicy(strings.ToLower(getEnv("MEMBERSHIP_POLICY", string(MembershipFailOpen)))),
			AllowedLinkHosts: getList("ALLOWED_LINK_HOSTS", []string{"t.me", "telegram.me", "telegram.dog"}),
			ChallengeTTL:     dur("CHALLENGE_TTL", 300*time.Second),
			LinkTTL:          dur("LINK_TTL", 30*24*time.Hour),
		},
		Broadcast: BroadcastConfig{
			Delay:         dur("BROADCAST_DELAY", 50*time.Millisecond),
			ProgressEvery: num("BROADCAST_PROGRESS_EVERY", 10),
			FlushEvery:    num("BROADCAST_FLUSH_EVERY", 100),
		},
		Bucketing: BucketingConfig{
			RecipientLockStripes: num("RECIPIENT_LOCK_STRIPES", 256),
		},
	}

	channels, err := ParseRequiredChannels(getEnv("REQUIRED_CHANNELS", ""))
	if err != nil {
		parseErrs = append(parseErrs, err)
	}
	cfg.Gateway.RequiredChannels = channels

	if raw := getEnv("ADMIN_USER_ID", ""); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("ADMIN_USER_ID: %w", err))
		}
		cfg.Broadcast.OperatorID = id
	}

	if raw := getEnv("ENCRYPTION_MASTER_KEY", ""); raw != "" {
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("ENCRYPTION_MASTER_KEY: %w", err))
		}
		cfg.Encryption.MasterKey = key
	}

	if len(parseErrs) > 0 {
		return nil, errors.Join(parseErrs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that parsing alone cannot catch.
func (c *Config) Validate() error {
	var problems []error

	if c.Telegram.BotToken == "" {
		problems = append(problems, errors.New("BOT_TOKEN is required"))
	}
	switch c.Gateway.MembershipPolicy {
	case MembershipFailOpen, MembershipFailClosed:
	default:
		problems = append(problems, fmt.Errorf("MEMBERSHIP_POLICY must be %q or %q, got %q",
			MembershipFailOpen, MembershipFailClosed, c.Gateway.MembershipPolicy))
	}
	if len(c.Gateway.AllowedLinkHosts) == 0 {
		problems = append(problems, errors.New("ALLOWED_LINK_HOSTS must not be empty"))
	}
	if c.Gateway.ChallengeTTL <= 0 || c.Gateway.LinkTTL <= 0 {
		problems = append(problems, errors.New("CHALLENGE_TTL and LINK_TTL must be positive"))
	}
	if c.Broadcast.ProgressEvery <= 0 {
		problems = append(problems, errors.New("BROADCAST_PROGRESS_EVERY must be positive"))
	}
	if c.Broadcast.Delay < 0 {
		problems = append(problems, errors.New("BROADCAST_DELAY must not be negative"))
	}
	if n := len(c.Encryption.MasterKey); n != 0 && n != 32 {
		problems = append(problems, fmt.Errorf("ENCRYPTION_MASTER_KEY must decode to 32 bytes, got %d", n))
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		problems = append(problems, errors.New("KMS_KEY_ID is required when KMS_ENABLED=true"))
	}
	if c.IsProduction() && !c.KMS.Enabled && len(c.Encryption.MasterKey) == 0 {
		problems = append(problems, errors.New("production requires KMS or ENCRYPTION_MASTER_KEY"))
	}
	if c.Bucketing.RecipientLockStripes <= 0 {
		problems = append(problems, errors.New("RECIPIENT_LOCK_STRIPES must be positive"))
	}

	return errors.Join(problems...)
}

// ParseRequiredChannels parses "ref" or "ref|joinURL" entries separated by commas.
// A public "@name" ref derives its join URL from the name.
func ParseRequiredChannels(raw string) ([]RequiredChannel, error) {
	var channels []RequiredChannel
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		ref, joinURL, _ := strings.Cut(entry, "|")
		ref = strings.TrimSpace(ref)
		joinURL = strings.TrimSpace(joinURL)
		if joinURL == "" {
			if !strings.HasPrefix(ref, "@") {
				return nil, fmt.Errorf("REQUIRED_CHANNELS: %q needs a join URL (ref|url)", ref)
			}
			joinURL = "https://t.me/" + strings.TrimPrefix(ref, "@")
		}
		channels = append(channels, RequiredChannel{Ref: ref, JoinURL: joinURL})
	}
	return channels, nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// MembershipGated reports whether a channel membership check precedes every challenge.
func (c *Config) MembershipGated() bool {
	return len(c.Gateway.RequiredChannels) > 0
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	v, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(defaultValue)))
	if err != nil {
		return defaultValue
	}
	return v
}

func getInt(key string, defaultValue int) (int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getList(key string, defaultValue []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
