package scylla

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"invite-gate/internal/config"
	"invite-gate/internal/util"
)

// Statements holds the CQL used by the repositories. gocql prepares and caches
// each statement on first execution; queries are built per call since a
// *gocql.Query is not safe to share.
type Statements struct {
	CreateRun      string
	UpdateProgress string
	CompleteRun    string
	GetRun         string
	CountRuns      string
}

var statements = Statements{
	CreateRun: `
        INSERT INTO broadcast_runs (
            run_id, initiator_id, payload_kind, total_recipients,
            succeeded, failed, status, started_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`,

	UpdateProgress: `
        UPDATE broadcast_runs SET succeeded = ?, failed = ?
        WHERE run_id = ? IF status = 'running'`,

	CompleteRun: `
        UPDATE broadcast_runs SET succeeded = ?, failed = ?, status = 'completed', completed_at = ?
        WHERE run_id = ? IF status = 'running'`,

	GetRun: `
        SELECT initiator_id, payload_kind, total_recipients, succeeded, failed,
            status, started_at, completed_at
        FROM broadcast_runs WHERE run_id = ?`,

	CountRuns: `SELECT COUNT(*) FROM broadcast_runs`,
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS broadcast_runs (
        run_id text PRIMARY KEY,
        initiator_id bigint,
        payload_kind text,
        total_recipients int,
        succeeded int,
        failed int,
        status text,
        started_at timestamp,
        completed_at timestamp
    )`,
}

type ScyllaClient struct {
	Session    *gocql.Session
	config     *config.ScyllaConfig
	Statements Statements
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 2
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 100
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if cfg.IsProduction() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 getEnv("SCYLLA_TLS_CA_FILE", "/app/certs/scylla-ca.pem"),
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session:    session,
		config:     &scyllaConfig,
		Statements: statements,
	}

	if err := client.EnsureSchema(context.Background()); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to ensure scylla schema: %w", err)
	}

	logger.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

// EnsureSchema creates the tables the repositories use. The keyspace itself is
// provisioned out of band.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for _, stmt := range schema {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return err
		}
	}
	util.Debug("ScyllaDB schema ensured", zap.Int("tables", len(schema)))
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// ScanWithRetry retries reads with a linear backoff; a missing row is final.
func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			lastErr = err
			if errors.Is(err, gocql.ErrNotFound) {
				return err
			}
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
