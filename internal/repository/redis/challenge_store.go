package redis

import (
	"context"
	"encoding/json"
	"errors"
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
	challengePrefix     = "challenge:"
	challengeCodePrefix = "challenge_code:"
)

// KEYS[1] = challenge key; ARGV[1] = record, ARGV[2] = ttl (ms). Returns the replaced record.
var replaceChallengeScript = goredis.NewScript(`
local old = redis.call('GET', KEYS[1])
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
if old then
  return old
end
return ''
`)

// ChallengeStore keeps one live challenge per recipient under challenge:<recipient>,
// plus a soft reservation per code under challenge_code:<code>. Both expire natively.
type ChallengeStore struct {
	client *client.RedisClient
	ttl    time.Duration
}

var _ repository.ChallengeStore = (*ChallengeStore)(nil)

func NewChallengeStore(client *client.RedisClient, ttl time.Duration) *ChallengeStore {
	return &ChallengeStore{client: client, ttl: ttl}
}

func challengeKey(recipientID int64) string {
	return challengePrefix + strconv.FormatInt(recipientID, 10)
}

func (s *ChallengeStore) Replace(ctx context.Context, ch *models.Challenge) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("failed to encode challenge: %w", err)
	}

	old, err := s.client.RunScript(ctx, replaceChallengeScript, []string{challengeKey(ch.RecipientID)},
		data, s.ttl.Milliseconds()).Text()
	if err != nil {
		util.Error("Failed to store challenge",
			util.RecipientID(ch.RecipientID), util.Token(ch.Token), zap.Error(err))
		return fmt.Errorf("failed to store challenge: %w", err)
	}

	if old != "" {
		var prev models.Challenge
		if err := json.Unmarshal([]byte(old), &prev); err == nil && prev.Code != ch.Code {
			if _, err := s.client.Del(ctx, challengeCodePrefix+prev.Code); err != nil {
				util.Warn("Failed to drop replaced code reservation", util.RecipientID(ch.RecipientID), zap.Error(err))
			}
		}
		util.Debug("Challenge replaced", util.RecipientID(ch.RecipientID), util.String("previous_token", prev.Token))
	}

	util.Debug("Challenge stored",
		util.RecipientID(ch.RecipientID), util.Token(ch.Token), util.Duration("ttl", s.ttl))
	return nil
}

func (s *ChallengeStore) ReserveCode(ctx context.Context, code string, recipientID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ok, err := s.client.SetNX(ctx, challengeCodePrefix+code, recipientID, s.ttl)
	if err != nil {
		return false, fmt.Errorf("failed to reserve challenge code: %w", err)
	}
	return ok, nil
}

func (s *ChallengeStore) ReleaseCode(ctx context.Context, code string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.client.Del(ctx, challengeCodePrefix+code); err != nil {
		return fmt.Errorf("failed to release challenge code: %w", err)
	}
	return nil
}

func (s *ChallengeStore) Consume(ctx context.Context, recipientID int64) (*models.Challenge, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := s.client.GetDel(ctx, challengeKey(recipientID))
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, fmt.Errorf("challenge for %d: %w", recipientID, errs.ErrNotFound)
		}
		util.Error("Failed to consume challenge", util.RecipientID(recipientID), zap.Error(err))
		return nil, fmt.Errorf("failed to consume challenge: %w", err)
	}

	ch, err := decodeChallenge(raw)
	if err != nil {
		return nil, err
	}
	if _, err := s.client.Del(ctx, challengeCodePrefix+ch.Code); err != nil {
		util.Warn("Failed to drop consumed code reservation", util.RecipientID(recipientID), zap.Error(err))
	}
	return ch, nil
}

func (s *ChallengeStore) Peek(ctx context.Context, recipientID int64) (*models.Challenge, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := s.client.Get(ctx, challengeKey(recipientID))
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, fmt.Errorf("challenge for %d: %w", recipientID, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read challenge: %w", err)
	}
	return decodeChallenge(raw)
}

func (s *ChallengeStore) Count(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()
	return s.client.CountKeys(ctx, challengePrefix+"*")
}

func decodeChallenge(raw string) (*models.Challenge, error) {
	var ch models.Challenge
	if err := json.Unmarshal([]byte(raw), &ch); err != nil {
		return nil, fmt.Errorf("failed to decode challenge: %w", err)
	}
	return &ch, nil
}
