package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/slotbook/internal/model"
)

const redisKeyPrefix = "slotbook:idem:"

// RedisStore はRedisを使用したStore実装。
// 複数インスタンス構成でもキーの予約はSETNXで原子的に行われる。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore はRedisStoreを生成する。ttlが0以下の場合はDefaultTTLを使用する。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

// NewRedisClient はURLからRedisクライアントを生成し、疎通を確認する。
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("Redis URLのパースに失敗しました: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("Redisへの接続に失敗しました: %w", err)
	}
	return rdb, nil
}

// Begin はキーを予約する。
func (s *RedisStore) Begin(ctx context.Context, key, fingerprint string) (*model.BookingResult, error) {
	k := redisKeyPrefix + hashKey(key)

	ok, err := s.rdb.SetNX(ctx, k, encodePending(fingerprint), pendingTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("冪等性キーの予約に失敗しました: %w", err)
	}
	if ok {
		return nil, nil
	}

	data, err := s.rdb.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		// SETNXとGETの間に期限切れになった
		return nil, &model.IdempotencyConflictError{Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("冪等性キーの取得に失敗しました: %w", err)
	}
	return decide(key, fingerprint, data)
}

// Complete は処理結果を保存する。
func (s *RedisStore) Complete(ctx context.Context, key, fingerprint string, result *model.BookingResult) error {
	data, err := encodeResult(fingerprint, result)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, redisKeyPrefix+hashKey(key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("冪等性レコードの保存に失敗しました: %w", err)
	}
	return nil
}

// Release はキーの予約を解除する。
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, redisKeyPrefix+hashKey(key)).Err(); err != nil {
		return fmt.Errorf("冪等性キーの解除に失敗しました: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
