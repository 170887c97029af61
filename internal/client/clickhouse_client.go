package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"invite-gate/internal/config"
)

// Native protocol ports.
const (
	clickhousePort       = "9000"
	clickhouseSecurePort = "9440"
)

var errClickHouseClosed = errors.New("clickhouse client is closed")

// ClickHouseClient is the write side of the delivery analytics store.
type ClickHouseClient struct {
	mu     sync.RWMutex
	conn   driver.Conn
	logger *zap.Logger
}

// NewClickHouseClient dials the native protocol endpoint in CLICKHOUSE_URL.
// Schemes clickhouses:// and https:// select TLS, which production always uses.
func NewClickHouseClient(cfg *config.Config, logger *zap.Logger) (*ClickHouseClient, error) {
	chConfig := cfg.Clickhouse

	addr, secure, err := clickhouseAddr(chConfig.URL)
	if err != nil {
		return nil, err
	}
	secure = secure || cfg.IsProduction()

	opts := &ch.Options{
		Addr: []string{addr},
		Auth: ch.Auth{
			Username: chConfig.Username,
			Password: chConfig.Password,
			Database: chConfig.Database,
		},
		Compression:      &ch.Compression{Method: ch.CompressionLZ4},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     5,
		MaxIdleConns:     2,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: ch.ConnOpenInOrder,
	}
	if secure {
		host, _, _ := net.SplitHostPort(addr)
		if opts.TLS, err = clickhouseTLSConfig(host); err != nil {
			return nil, err
		}
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	logger.Info("ClickHouse client initialized",
		zap.String("addr", addr),
		zap.String("database", chConfig.Database),
		zap.Bool("tls_enabled", opts.TLS != nil))

	return &ClickHouseClient{conn: conn, logger: logger}, nil
}

// clickhouseAddr turns a URL or bare host[:port] into a dial address.
func clickhouseAddr(raw string) (addr string, secure bool, err error) {
	if !strings.Contains(raw, "://") {
		raw = "clickhouse://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "", false, fmt.Errorf("invalid CLICKHOUSE_URL %q", raw)
	}

	switch u.Scheme {
	case "clickhouse", "tcp", "http":
	case "clickhouses", "https":
		secure = true
	default:
		return "", false, fmt.Errorf("unsupported CLICKHOUSE_URL scheme %q", u.Scheme)
	}

	port := u.Port()
	if port == "" {
		port = clickhousePort
		if secure {
			port = clickhouseSecurePort
		}
	}
	return net.JoinHostPort(u.Hostname(), port), secure, nil
}

func clickhouseTLSConfig(serverName string) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: serverName}

	caFile := getEnv("CLICKHOUSE_CA_FILE", "")
	if caFile == "" {
		return tlsConfig, nil
	}
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read ClickHouse CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to append ClickHouse CA cert")
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...interface{}) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return errClickHouseClosed
	}
	return c.conn.Exec(ctx, query, args...)
}

// BatchInsert sends every row in one native block. Nothing is written when any
// row fails to append.
func (c *ClickHouseClient) BatchInsert(ctx context.Context, query string, data [][]interface{}) error {
	if len(data) == 0 {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return errClickHouseClosed
	}

	batch, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for i, row := range data {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append row %d: %w", i, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch of %d rows: %w", len(data), err)
	}
	return nil
}

func (c *ClickHouseClient) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return errClickHouseClosed
	}
	return c.conn.Ping(ctx)
}

func (c *ClickHouseClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		c.logger.Error("Failed to close ClickHouse connection", zap.Error(err))
		return err
	}
	return nil
}
