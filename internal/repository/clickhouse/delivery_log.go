package clickhouse

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"invite-gate/internal/models"
	"invite-gate/internal/repository"
	"invite-gate/internal/util"
)

const createDeliveriesTable = `
CREATE TABLE IF NOT EXISTS broadcast_deliveries (
    run_id       String,
    recipient_id Int64,
    delivered    Bool,
    permanent    Bool,
    removed      Bool,
    reason       String,
    at           DateTime64(3, 'UTC')
) ENGINE = MergeTree
ORDER BY (run_id, recipient_id)
TTL toDateTime(at) + INTERVAL 90 DAY`

const insertDeliveries = `INSERT INTO broadcast_deliveries (run_id, recipient_id, delivered, permanent, removed, reason, at)`

// Conn is the slice of client.ClickHouseClient the log writes through.
type Conn interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
}

// DeliveryLog appends per-recipient broadcast outcomes to ClickHouse.
type DeliveryLog struct {
	conn Conn
}

var _ repository.DeliveryRecorder = (*DeliveryLog)(nil)

func NewDeliveryLog(conn Conn) *DeliveryLog {
	return &DeliveryLog{conn: conn}
}

func (l *DeliveryLog) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := l.conn.Exec(ctx, createDeliveriesTable); err != nil {
		return fmt.Errorf("failed to create broadcast_deliveries: %w", err)
	}
	return nil
}

func (l *DeliveryLog) RecordDeliveries(ctx context.Context, outcomes []models.DeliveryOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows := make([][]interface{}, 0, len(outcomes))
	for _, o := range outcomes {
		rows = append(rows, []interface{}{
			o.RunID, o.RecipientID, o.Delivered, o.Permanent, o.Removed, o.Reason, o.At.UTC(),
		})
	}

	if err := l.conn.BatchInsert(ctx, insertDeliveries, rows); err != nil {
		util.Error("Failed to record deliveries",
			util.String("run_id", outcomes[0].RunID),
			util.Int("rows", len(rows)),
			zap.Error(err))
		return fmt.Errorf("failed to record deliveries: %w", err)
	}

	util.Debug("Deliveries recorded", util.String("run_id", outcomes[0].RunID), util.Int("rows", len(rows)))
	return nil
}
