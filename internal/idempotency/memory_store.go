package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/slotbook/internal/model"
)

// MemoryStore はプロセス内メモリを使用したStore実装。
// REDIS_URL未設定の単一インスタンス構成とテストで使用する。
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// NewMemoryStore はMemoryStoreを生成する。ttlが0以下の場合はDefaultTTLを使用する。
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memoryEntry),
	}
}

// Begin はキーを予約する。
func (s *MemoryStore) Begin(_ context.Context, key, fingerprint string) (*model.BookingResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := hashKey(key)
	now := s.now()
	if e, ok := s.entries[k]; ok && now.Before(e.expiresAt) {
		return decide(key, fingerprint, e.data)
	}
	s.entries[k] = memoryEntry{data: encodePending(fingerprint), expiresAt: now.Add(pendingTTL)}
	return nil, nil
}

// Complete は処理結果を保存する。
func (s *MemoryStore) Complete(_ context.Context, key, fingerprint string, result *model.BookingResult) error {
	data, err := encodeResult(fingerprint, result)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[hashKey(key)] = memoryEntry{data: data, expiresAt: s.now().Add(s.ttl)}
	s.evictExpired()
	return nil
}

// Release はキーの予約を解除する。
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, hashKey(key))
	return nil
}

// evictExpired は期限切れのエントリを削除する。呼び出し元がロックを保持すること。
func (s *MemoryStore) evictExpired() {
	now := s.now()
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
