package broker

import (
	"context"
	"sync"
	"time"

	"github.com/openquant/brokerlink/model"
)

// MemoryStore is the process-local Store variant used by tests and
// offline runs. Ops on the same config are serialized by the service's
// per-config lock; the mutex here only protects map access.
type MemoryStore struct {
	mu      sync.RWMutex
	configs map[uint64]model.BrokerConfig
	tokens  map[uint64]model.BrokerToken // keyed by config id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs: make(map[uint64]model.BrokerConfig),
		tokens:  make(map[uint64]model.BrokerToken),
	}
}

func (s *MemoryStore) Configs() ConfigRepository { return (*memoryConfigRepository)(s) }
func (s *MemoryStore) Tokens() TokenRepository   { return (*memoryTokenRepository)(s) }

func (s *MemoryStore) Transaction(ctx context.Context, fn func(Store) error) error {
	return fn(s)
}

type memoryConfigRepository MemoryStore

func (r *memoryConfigRepository) GetByID(ctx context.Context, id uint64) (*model.BrokerConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &cfg, nil
}

func (r *memoryConfigRepository) GetByUser(ctx context.Context, userID, brokerName string) (*model.BrokerConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cfg := range r.configs {
		if cfg.UserID == userID && cfg.BrokerName == brokerName {
			found := cfg
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memoryConfigRepository) Create(ctx context.Context, cfg *model.BrokerConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	r.configs[cfg.ID] = *cfg
	return nil
}

func (r *memoryConfigRepository) Update(ctx context.Context, cfg *model.BrokerConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg.UpdatedAt = time.Now()
	r.configs[cfg.ID] = *cfg
	return nil
}

type memoryTokenRepository MemoryStore

func (r *memoryTokenRepository) GetByConfigID(ctx context.Context, configID uint64) (*model.BrokerToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	token, ok := r.tokens[configID]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return &token, nil
}

func (r *memoryTokenRepository) Create(ctx context.Context, token *model.BrokerToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	token.CreatedAt = now
	token.UpdatedAt = now
	if token.Version == 0 {
		token.Version = 1
	}
	r.tokens[token.ConfigID] = *token
	return nil
}

func (r *memoryTokenRepository) Update(ctx context.Context, token *model.BrokerToken, expectedVersion uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.tokens[token.ConfigID]
	if !ok || current.Version != expectedVersion {
		return ErrConflict
	}
	token.Version = expectedVersion + 1
	token.CreatedAt = current.CreatedAt
	token.UpdatedAt = time.Now()
	r.tokens[token.ConfigID] = *token
	return nil
}

func (r *memoryTokenRepository) DeleteByConfigID(ctx context.Context, configID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, configID)
	return nil
}
