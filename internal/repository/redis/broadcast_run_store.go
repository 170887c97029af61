package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"invite-gate/internal/client"
	"invite-gate/internal/errs"
	"invite-gate/internal/models"
	"invite-gate/internal/repository"
	"invite-gate/internal/util"
)

const (
	broadcastPrefix   = "broadcast:"
	broadcastsStarted = "broadcasts"
)

// status transitions: -1 missing, 0 already completed, 1 applied.
// KEYS[1] = run key; ARGV = succeeded, failed, [completed_at ms]
var updateRunScript = goredis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return -1
end
if status == 'completed' then
  return 0
end
redis.call('HSET', KEYS[1], 'succeeded', ARGV[1], 'failed', ARGV[2])
if ARGV[3] then
  redis.call('HSET', KEYS[1], 'status', 'completed', 'completed_at', ARGV[3])
end
return 1
`)

type BroadcastRunStore struct {
	client *client.RedisClient
}

var _ repository.BroadcastRunStore = (*BroadcastRunStore)(nil)

func NewBroadcastRunStore(client *client.RedisClient) *BroadcastRunStore {
	return &BroadcastRunStore{client: client}
}

func (s *BroadcastRunStore) Create(ctx context.Context, run *models.BroadcastRun) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := broadcastPrefix + run.ID
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"initiator_id", run.InitiatorID,
		"payload_kind", run.PayloadKind,
		"total", run.TotalRecipients,
		"succeeded", run.Succeeded,
		"failed", run.Failed,
		"status", string(models.RunRunning),
		"started_at", run.StartedAt.UnixMilli(),
	)
	pipe.ZAdd(ctx, broadcastsStarted, goredis.Z{Score: float64(run.StartedAt.UnixMilli()), Member: run.ID})

	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to create broadcast run", util.String("run_id", run.ID), zap.Error(err))
		return fmt.Errorf("failed to create broadcast run: %w", err)
	}
	run.Status = models.RunRunning
	return nil
}

func (s *BroadcastRunStore) UpdateProgress(ctx context.Context, id string, succeeded, failed int) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.client.RunScript(ctx, updateRunScript, []string{broadcastPrefix + id}, succeeded, failed).Int()
	if err != nil {
		return fmt.Errorf("failed to update broadcast run: %w", err)
	}
	return runTransitionError(id, res)
}

func (s *BroadcastRunStore) Complete(ctx context.Context, id string, succeeded, failed int, completedAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.client.RunScript(ctx, updateRunScript, []string{broadcastPrefix + id},
		succeeded, failed, completedAt.UnixMilli()).Int()
	if err != nil {
		util.Error("Failed to complete broadcast run", util.String("run_id", id), zap.Error(err))
		return fmt.Errorf("failed to complete broadcast run: %w", err)
	}
	return runTransitionError(id, res)
}

func runTransitionError(id string, res int) error {
	switch res {
	case -1:
		return fmt.Errorf("broadcast run %s: %w", id, errs.ErrNotFound)
	case 0:
		return fmt.Errorf("broadcast run %s: %w", id, errs.ErrAlreadyCompleted)
	}
	return nil
}

func (s *BroadcastRunStore) Get(ctx context.Context, id string) (*models.BroadcastRun, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, broadcastPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("failed to read broadcast run: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("broadcast run %s: %w", id, errs.ErrNotFound)
	}

	run := &models.BroadcastRun{
		ID:              id,
		InitiatorID:     parseInt64(fields["initiator_id"]),
		PayloadKind:     fields["payload_kind"],
		TotalRecipients: atoi(fields["total"]),
		Succeeded:       atoi(fields["succeeded"]),
		Failed:          atoi(fields["failed"]),
		Status:          models.RunStatus(fields["status"]),
		StartedAt:       time.UnixMilli(parseInt64(fields["started_at"])).UTC(),
	}
	if raw, ok := fields["completed_at"]; ok {
		at := time.UnixMilli(parseInt64(raw)).UTC()
		run.CompletedAt = &at
	}
	return run, nil
}

func (s *BroadcastRunStore) Count(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	n, err := s.client.Client.ZCard(ctx, broadcastsStarted).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count broadcast runs: %w", err)
	}
	return n, nil
}

func atoi(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}
