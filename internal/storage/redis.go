package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kalambet/leadchat/internal/lead"
)

const (
	challengeKeyPrefix  = "leadchat:challenge:"
	DefaultChallengeTTL = 30 * time.Minute
)

// RedisChallenges keeps pending challenges in Redis so that several
// gateway processes can resume each other's sessions.
type RedisChallenges struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisChallenges wraps an already connected client. A non-positive ttl
// selects DefaultChallengeTTL.
func NewRedisChallenges(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisChallenges {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &RedisChallenges{client: client, ttl: ttl, logger: logger}
}

type redisChallenge struct {
	Challenge lead.ChallengeContext `json:"challenge"`
	CreatedAt time.Time             `json:"createdAt"`
}

func challengeKey(conversationID string) string {
	return challengeKeyPrefix + conversationID
}

func (r *RedisChallenges) PutChallenge(ctx context.Context, conversationID string, c lead.ChallengeContext) error {
	data, err := json.Marshal(redisChallenge{Challenge: c, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encoding challenge: %w", err)
	}
	if err := r.client.Set(ctx, challengeKey(conversationID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("storing challenge: %w", err)
	}
	return nil
}

func (r *RedisChallenges) GetChallenge(ctx context.Context, conversationID string) (lead.ChallengeContext, error) {
	data, err := r.client.Get(ctx, challengeKey(conversationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return lead.ChallengeContext{}, ErrNotFound
	}
	if err != nil {
		return lead.ChallengeContext{}, fmt.Errorf("loading challenge: %w", err)
	}

	var rc redisChallenge
	if err := json.Unmarshal(data, &rc); err != nil {
		r.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("dropping undecodable challenge")
		r.client.Del(ctx, challengeKey(conversationID))
		return lead.ChallengeContext{}, ErrNotFound
	}
	return rc.Challenge, nil
}

func (r *RedisChallenges) DeleteChallenge(ctx context.Context, conversationID string) error {
	return r.client.Del(ctx, challengeKey(conversationID)).Err()
}

// ListChallenges scans all pending challenges. Order is unspecified.
func (r *RedisChallenges) ListChallenges(ctx context.Context) ([]PendingChallenge, error) {
	var results []PendingChallenge
	iter := r.client.Scan(ctx, 0, challengeKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := r.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", key, err)
		}
		var rc redisChallenge
		if err := json.Unmarshal(data, &rc); err != nil {
			continue
		}
		results = append(results, PendingChallenge{
			ConversationID: key[len(challengeKeyPrefix):],
			Challenge:      rc.Challenge,
			CreatedAt:      rc.CreatedAt,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// PruneChallenges is a no-op: Redis expires challenges by TTL.
func (r *RedisChallenges) PruneChallenges(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// HealthCheck pings Redis.
func (r *RedisChallenges) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
