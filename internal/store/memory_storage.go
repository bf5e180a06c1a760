package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/storage/memory/v2"
	"github.com/spf13/cast"
)

// MemoryStorage adapts gofiber's in-process storage to the Storage
// contract. It backs tests and single-node development runs; production
// deployments use RedisStorage.
type MemoryStorage struct {
	mu        sync.Mutex
	storage   *memory.Storage
	deadlines map[string]time.Time // counter windows, so Incr does not extend TTLs
}

func (s *MemoryStorage) Get(ctx context.Context, key string, val any) error {
	data, err := s.storage.Get(key)
	if err != nil {
		return err
	}
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, val)
}

func (s *MemoryStorage) Set(ctx context.Context, key string, val any, expiresIn time.Duration) error {
	data, err := json.Marshal(val)
	if err != nil {
		return err
	}
	if expiresIn < 0 {
		expiresIn = 0
	}
	return s.storage.Set(key, data, expiresIn)
}

func (s *MemoryStorage) Delete(ctx context.Context, key string) error {
	data, err := s.storage.Get(key)
	if err != nil {
		return err
	}
	if data == nil {
		return ErrNotFound
	}
	return s.storage.Delete(key)
}

func (s *MemoryStorage) Incr(ctx context.Context, key string, delta int64, expiresIn time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	data, err := s.storage.Get(key)
	if err != nil {
		return 0, err
	}
	if data != nil {
		count, err = cast.ToInt64E(string(data))
		if err != nil {
			return 0, err
		}
	}
	count += delta

	remaining := time.Duration(0)
	deadline, tracked := s.deadlines[key]
	switch {
	case data == nil && expiresIn > 0:
		deadline = time.Now().Add(expiresIn)
		s.deadlines[key] = deadline
		remaining = expiresIn
	case tracked:
		remaining = time.Until(deadline)
		if remaining <= 0 {
			delete(s.deadlines, key)
			count = delta
			remaining = expiresIn
			if expiresIn > 0 {
				s.deadlines[key] = time.Now().Add(expiresIn)
			}
		}
	}
	if err := s.storage.Set(key, []byte(cast.ToString(count)), remaining); err != nil {
		return 0, err
	}
	return count, nil
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		storage:   memory.New(),
		deadlines: make(map[string]time.Time),
	}
}
