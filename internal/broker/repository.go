package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/openquant/brokerlink/model"
	"gorm.io/gorm"
)

// ConfigRepository persists per-user brokerage configurations.
type ConfigRepository interface {
	GetByID(ctx context.Context, id uint64) (*model.BrokerConfig, error)
	GetByUser(ctx context.Context, userID, brokerName string) (*model.BrokerConfig, error)
	Create(ctx context.Context, cfg *model.BrokerConfig) error
	Update(ctx context.Context, cfg *model.BrokerConfig) error
}

// TokenRepository persists the token pair for a configuration. Update
// is guarded by an optimistic version check.
type TokenRepository interface {
	GetByConfigID(ctx context.Context, configID uint64) (*model.BrokerToken, error)
	Create(ctx context.Context, token *model.BrokerToken) error
	Update(ctx context.Context, token *model.BrokerToken, expectedVersion uint64) error
	DeleteByConfigID(ctx context.Context, configID uint64) error
}

// Store bundles the repositories with a transactional boundary, so that
// deleting a token and flipping the connection state happen together.
type Store interface {
	Configs() ConfigRepository
	Tokens() TokenRepository
	Transaction(ctx context.Context, fn func(Store) error) error
}

type gormStore struct {
	db      *gorm.DB
	configs ConfigRepository
	tokens  TokenRepository
}

func NewGormStore(db *gorm.DB) Store {
	return &gormStore{
		db:      db,
		configs: &gormConfigRepository{db: db},
		tokens:  &gormTokenRepository{db: db},
	}
}

func (s *gormStore) Configs() ConfigRepository { return s.configs }
func (s *gormStore) Tokens() TokenRepository   { return s.tokens }

func (s *gormStore) Transaction(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewGormStore(tx))
	})
}

type gormConfigRepository struct {
	db *gorm.DB
}

func (r *gormConfigRepository) GetByID(ctx context.Context, id uint64) (*model.BrokerConfig, error) {
	var cfg model.BrokerConfig
	result := r.db.WithContext(ctx).First(&cfg, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get broker config: %w", result.Error)
	}
	return &cfg, nil
}

func (r *gormConfigRepository) GetByUser(ctx context.Context, userID, brokerName string) (*model.BrokerConfig, error) {
	var cfg model.BrokerConfig
	result := r.db.WithContext(ctx).First(&cfg, "user_id = ? AND broker_name = ?", userID, brokerName)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get broker config: %w", result.Error)
	}
	return &cfg, nil
}

func (r *gormConfigRepository) Create(ctx context.Context, cfg *model.BrokerConfig) error {
	err := r.db.WithContext(ctx).Create(cfg).Error
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		// lost a cross-process race on the user/broker unique index
		return fmt.Errorf("%w: broker config already exists", ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create broker config: %w", err)
	}
	return nil
}

func (r *gormConfigRepository) Update(ctx context.Context, cfg *model.BrokerConfig) error {
	if err := r.db.WithContext(ctx).Save(cfg).Error; err != nil {
		return fmt.Errorf("failed to update broker config: %w", err)
	}
	return nil
}

type gormTokenRepository struct {
	db *gorm.DB
}

func (r *gormTokenRepository) GetByConfigID(ctx context.Context, configID uint64) (*model.BrokerToken, error) {
	var token model.BrokerToken
	result := r.db.WithContext(ctx).First(&token, "config_id = ?", configID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get broker token: %w", result.Error)
	}
	return &token, nil
}

func (r *gormTokenRepository) Create(ctx context.Context, token *model.BrokerToken) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("failed to create broker token: %w", err)
	}
	return nil
}

func (r *gormTokenRepository) Update(ctx context.Context, token *model.BrokerToken, expectedVersion uint64) error {
	token.Version = expectedVersion + 1
	result := r.db.WithContext(ctx).
		Model(&model.BrokerToken{}).
		Where("config_id = ? AND version = ?", token.ConfigID, expectedVersion).
		Updates(map[string]interface{}{
			"access_token_encrypted":  token.AccessTokenEncrypted,
			"refresh_token_encrypted": token.RefreshTokenEncrypted,
			"token_type":              token.TokenType,
			"expires_at":              token.ExpiresAt,
			"broker_user_id":          token.BrokerUserID,
			"broker_user_type":        token.BrokerUserType,
			"version":                 token.Version,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update broker token: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (r *gormTokenRepository) DeleteByConfigID(ctx context.Context, configID uint64) error {
	if err := r.db.WithContext(ctx).Delete(&model.BrokerToken{}, "config_id = ?", configID).Error; err != nil {
		return fmt.Errorf("failed to delete broker token: %w", err)
	}
	return nil
}
