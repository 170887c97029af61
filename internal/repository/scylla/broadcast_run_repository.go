package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"invite-gate/internal/errs"
	"invite-gate/internal/models"
	"invite-gate/internal/repository"
	"invite-gate/internal/util"
)

type BroadcastRunRepository struct {
	client *ScyllaClient
}

var _ repository.BroadcastRunStore = (*BroadcastRunRepository)(nil)

func NewBroadcastRunRepository(client *ScyllaClient) *BroadcastRunRepository {
	return &BroadcastRunRepository{client: client}
}

func (r *BroadcastRunRepository) Create(ctx context.Context, run *models.BroadcastRun) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	existing := map[string]interface{}{}
	applied, err := r.client.Query(ctx, r.client.Statements.CreateRun,
		run.ID, run.InitiatorID, run.PayloadKind, run.TotalRecipients,
		run.Succeeded, run.Failed, string(models.RunRunning), run.StartedAt,
	).MapScanCAS(existing)
	if err != nil {
		util.Error("Failed to create broadcast run", util.String("run_id", run.ID), zap.Error(err))
		return fmt.Errorf("failed to create broadcast run: %w", err)
	}
	if !applied {
		return fmt.Errorf("broadcast run %s: %w", run.ID, errs.ErrAlreadyExists)
	}

	run.Status = models.RunRunning
	util.Info("Broadcast run created",
		util.String("run_id", run.ID),
		util.Int("total_recipients", run.TotalRecipients))
	return nil
}

func (r *BroadcastRunRepository) UpdateProgress(ctx context.Context, id string, succeeded, failed int) error {
	current := map[string]interface{}{}
	applied, err := r.client.Query(ctx, r.client.Statements.UpdateProgress,
		succeeded, failed, id,
	).MapScanCAS(current)
	if err != nil {
		return fmt.Errorf("failed to update broadcast run: %w", err)
	}
	return casError(id, applied, current)
}

func (r *BroadcastRunRepository) Complete(ctx context.Context, id string, succeeded, failed int, completedAt time.Time) error {
	current := map[string]interface{}{}
	applied, err := r.client.Query(ctx, r.client.Statements.CompleteRun,
		succeeded, failed, completedAt, id,
	).MapScanCAS(current)
	if err != nil {
		util.Error("Failed to complete broadcast run", util.String("run_id", id), zap.Error(err))
		return fmt.Errorf("failed to complete broadcast run: %w", err)
	}
	if err := casError(id, applied, current); err != nil {
		return err
	}

	util.Info("Broadcast run completed",
		util.String("run_id", id),
		util.Int("succeeded", succeeded),
		util.Int("failed", failed))
	return nil
}

// casError maps a rejected `IF status = 'running'` to the store contract. A row
// that does not exist comes back without a status column.
func casError(id string, applied bool, current map[string]interface{}) error {
	if applied {
		return nil
	}
	status, _ := current["status"].(string)
	if status == "" {
		return fmt.Errorf("broadcast run %s: %w", id, errs.ErrNotFound)
	}
	return fmt.Errorf("broadcast run %s: %w", id, errs.ErrAlreadyCompleted)
}

func (r *BroadcastRunRepository) Get(ctx context.Context, id string) (*models.BroadcastRun, error) {
	run := &models.BroadcastRun{ID: id}
	var status string
	var completedAt time.Time

	err := r.client.ScanWithRetry(r.client.Query(ctx, r.client.Statements.GetRun, id),
		&run.InitiatorID, &run.PayloadKind, &run.TotalRecipients,
		&run.Succeeded, &run.Failed, &status, &run.StartedAt, &completedAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, fmt.Errorf("broadcast run %s: %w", id, errs.ErrNotFound)
		}
		util.Error("Failed to get broadcast run", util.String("run_id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get broadcast run: %w", err)
	}

	run.Status = models.RunStatus(status)
	run.StartedAt = run.StartedAt.UTC()
	if !completedAt.IsZero() {
		at := completedAt.UTC()
		run.CompletedAt = &at
	}
	return run, nil
}

func (r *BroadcastRunRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.client.ScanWithRetry(r.client.Query(ctx, r.client.Statements.CountRuns), &n); err != nil {
		return 0, fmt.Errorf("failed to count broadcast runs: %w", err)
	}
	return n, nil
}
