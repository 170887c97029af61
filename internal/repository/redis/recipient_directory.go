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
	recipientPrefix          = "recipient:"
	recipientsByActivity     = "recipients:last_active"
	recipientsByInteractions = "recipients:interactions"
)

// RecipientDirectory stores one hash per recipient and two sorted-set indexes.
// recipients:last_active is the authoritative membership set.
type RecipientDirectory struct {
	client *client.RedisClient
}

var _ repository.RecipientDirectory = (*RecipientDirectory)(nil)

func NewRecipientDirectory(client *client.RedisClient) *RecipientDirectory {
	return &RecipientDirectory{client: client}
}

func recipientKey(id int64) string {
	return recipientPrefix + strconv.FormatInt(id, 10)
}

func (d *RecipientDirectory) Touch(ctx context.Context, p models.Profile) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UTC().UnixMilli()
	key := recipientKey(p.ID)
	member := strconv.FormatInt(p.ID, 10)

	pipe := d.client.TxPipeline()
	pipe.HSetNX(ctx, key, "first_seen_at", now)
	pipe.HSet(ctx, key, "last_active_at", now)
	setOrClear(ctx, pipe, key, "display_name", p.DisplayName)
	setOrClear(ctx, pipe, key, "handle", p.Handle)
	pipe.HIncrBy(ctx, key, "interaction_count", 1)
	pipe.ZAdd(ctx, recipientsByActivity, goredis.Z{Score: float64(now), Member: member})
	pipe.ZIncrBy(ctx, recipientsByInteractions, 1, member)

	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to touch recipient", util.RecipientID(p.ID), zap.Error(err))
		return fmt.Errorf("failed to touch recipient: %w", err)
	}
	return nil
}

// Metadata mirrors the latest event; a missing value clears the stored one.
func setOrClear(ctx context.Context, pipe goredis.Pipeliner, key, field, value string) {
	if value == "" {
		pipe.HDel(ctx, key, field)
		return
	}
	pipe.HSet(ctx, key, field, value)
}

func (d *RecipientDirectory) Get(ctx context.Context, id int64) (*models.Recipient, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	fields, err := d.client.HGetAll(ctx, recipientKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to read recipient: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("recipient %d: %w", id, errs.ErrNotFound)
	}
	return decodeRecipient(id, fields), nil
}

func (d *RecipientDirectory) Delete(ctx context.Context, id int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	member := strconv.FormatInt(id, 10)
	pipe := d.client.TxPipeline()
	del := pipe.Del(ctx, recipientKey(id))
	rem := pipe.ZRem(ctx, recipientsByActivity, member)
	pipe.ZRem(ctx, recipientsByInteractions, member)

	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to delete recipient", util.RecipientID(id), zap.Error(err))
		return false, fmt.Errorf("failed to delete recipient: %w", err)
	}
	return del.Val() > 0 || rem.Val() > 0, nil
}

func (d *RecipientDirectory) SnapshotIDs(ctx context.Context) ([]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	members, err := d.client.Client.ZRange(ctx, recipientsByActivity, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot recipients: %w", err)
	}
	return parseMembers(members), nil
}

func (d *RecipientDirectory) Count(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	n, err := d.client.Client.ZCard(ctx, recipientsByActivity).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count recipients: %w", err)
	}
	return n, nil
}

func (d *RecipientDirectory) CountActiveSince(ctx context.Context, since time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	lower := strconv.FormatInt(since.UTC().UnixMilli(), 10)
	n, err := d.client.Client.ZCount(ctx, recipientsByActivity, lower, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count active recipients: %w", err)
	}
	return n, nil
}

func (d *RecipientDirectory) TopByInteractions(ctx context.Context, n int) ([]*models.Recipient, error) {
	if n <= 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	members, err := d.client.Client.ZRevRange(ctx, recipientsByInteractions, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to rank recipients: %w", err)
	}
	return d.load(ctx, parseMembers(members))
}

func (d *RecipientDirectory) ListByActivity(ctx context.Context, offset, limit int) ([]*models.Recipient, error) {
	if limit <= 0 || offset < 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	members, err := d.client.Client.ZRevRange(ctx, recipientsByActivity, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list recipients: %w", err)
	}
	return d.load(ctx, parseMembers(members))
}

// load reads hashes in one round trip, preserving order and skipping ids whose
// hash vanished in between.
func (d *RecipientDirectory) load(ctx context.Context, ids []int64) ([]*models.Recipient, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := d.client.Client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, recipientKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load recipients: %w", err)
	}

	out := make([]*models.Recipient, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		out = append(out, decodeRecipient(ids[i], fields))
	}
	return out, nil
}

func decodeRecipient(id int64, fields map[string]string) *models.Recipient {
	return &models.Recipient{
		ID:               id,
		DisplayName:      fields["display_name"],
		Handle:           fields["handle"],
		FirstSeenAt:      time.UnixMilli(parseInt64(fields["first_seen_at"])).UTC(),
		LastActiveAt:     time.UnixMilli(parseInt64(fields["last_active_at"])).UTC(),
		InteractionCount: parseInt64(fields["interaction_count"]),
	}
}

func parseMembers(members []string) []int64 {
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			util.Warn("Skipping malformed recipient id", util.String("member", m))
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
