package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"invite-gate/internal/client"
	"invite-gate/internal/encryption"
	"invite-gate/internal/errs"
	"invite-gate/internal/models"
	"invite-gate/internal/repository"
	"invite-gate/internal/util"
)

const (
	linkPrefix  = "link:"
	opTimeout   = 5 * time.Second
	scanTimeout = 30 * time.Second
)

// FieldCipher seals the target URL at rest.
type FieldCipher interface {
	EncryptField(ctx context.Context, plaintext string) (*encryption.EncryptedData, error)
	DecryptField(ctx context.Context, data *encryption.EncryptedData) (string, error)
}

// KEYS[1] = link key
// ARGV = target_ct, target_dek, target_key_id, target_ver, owner_id, created_at (ms), ttl (ms)
var createLinkScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'target_ct', ARGV[1], 'target_dek', ARGV[2], 'target_key_id', ARGV[3], 'target_ver', ARGV[4],
  'owner_id', ARGV[5], 'created_at', ARGV[6], 'release_count', 0)
redis.call('PEXPIRE', KEYS[1], ARGV[7])
return 1
`)

// HINCRBY alone would resurrect an expired link as a bare counter.
var recordReleaseScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
return redis.call('HINCRBY', KEYS[1], 'release_count', 1)
`)

type LinkStore struct {
	client *client.RedisClient
	cipher FieldCipher
	ttl    time.Duration
}

var _ repository.LinkStore = (*LinkStore)(nil)

func NewLinkStore(client *client.RedisClient, cipher FieldCipher, ttl time.Duration) *LinkStore {
	return &LinkStore{client: client, cipher: cipher, ttl: ttl}
}

func (s *LinkStore) Create(ctx context.Context, link *models.ProtectedLink) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	sealed, err := s.cipher.EncryptField(ctx, link.TargetURL)
	if err != nil {
		return fmt.Errorf("failed to seal link target: %w", err)
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}

	created, err := s.client.RunScript(ctx, createLinkScript, []string{linkPrefix + link.Token},
		sealed.EncryptedValue, sealed.EncryptedDEK, sealed.KeyID, sealed.Version,
		link.OwnerID, link.CreatedAt.UnixMilli(), s.ttl.Milliseconds(),
	).Int()
	if err != nil {
		util.Error("Failed to create link", util.Token(link.Token), zap.Error(err))
		return fmt.Errorf("failed to create link: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("link %s: %w", link.Token, errs.ErrAlreadyExists)
	}

	util.Debug("Link stored", util.Token(link.Token), util.Int64("owner_id", link.OwnerID), util.Duration("ttl", s.ttl))
	return nil
}

func (s *LinkStore) Resolve(ctx context.Context, token string) (*models.ProtectedLink, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, linkPrefix+token)
	if err != nil {
		util.Error("Failed to resolve link", util.Token(token), zap.Error(err))
		return nil, fmt.Errorf("failed to resolve link: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("link %s: %w", token, errs.ErrNotFound)
	}

	target, err := s.cipher.DecryptField(ctx, &encryption.EncryptedData{
		EncryptedValue: fields["target_ct"],
		EncryptedDEK:   fields["target_dek"],
		KeyID:          fields["target_key_id"],
		Version:        fields["target_ver"],
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open link target: %w", err)
	}

	return &models.ProtectedLink{
		Token:        token,
		TargetURL:    target,
		OwnerID:      parseInt64(fields["owner_id"]),
		CreatedAt:    time.UnixMilli(parseInt64(fields["created_at"])).UTC(),
		ReleaseCount: parseInt64(fields["release_count"]),
	}, nil
}

func (s *LinkStore) RecordRelease(ctx context.Context, token string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	count, err := s.client.RunScript(ctx, recordReleaseScript, []string{linkPrefix + token}).Int64()
	if err != nil {
		util.Error("Failed to record release", util.Token(token), zap.Error(err))
		return 0, fmt.Errorf("failed to record release: %w", err)
	}
	if count < 0 {
		return 0, fmt.Errorf("link %s: %w", token, errs.ErrNotFound)
	}
	return count, nil
}

func (s *LinkStore) Count(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()
	return s.client.CountKeys(ctx, linkPrefix+"*")
}

func (s *LinkStore) CountCreatedSince(ctx context.Context, since time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	cutoff := since.UnixMilli()
	var count int64
	err := s.client.ScanKeys(ctx, linkPrefix+"*", func(key string) error {
		raw, err := s.client.Client.HGet(ctx, key, "created_at").Result()
		if errors.Is(err, goredis.Nil) {
			return nil // expired between SCAN and HGET
		}
		if err != nil {
			return err
		}
		if parseInt64(raw) >= cutoff {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count recent links: %w", err)
	}
	return count, nil
}

func parseInt64(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
