package model

import "time"

// BrokerToken is the token pair obtained from the brokerage for one
// BrokerConfig. At most one row exists per config and only while the
// config is connected. Version guards concurrent overwrites.
type BrokerToken struct {
	ID                    uint64    `gorm:"primaryKey"`
	ConfigID              uint64    `gorm:"not null;uniqueIndex"`
	AccessTokenEncrypted  string    `gorm:"size:1024;not null"`
	RefreshTokenEncrypted string    `gorm:"size:1024;not null"`
	TokenType             string    `gorm:"size:32;not null;default:Bearer"`
	ExpiresAt             time.Time `gorm:"not null"`
	BrokerUserID          string    `gorm:"size:128"`
	BrokerUserType        string    `gorm:"size:32"`
	Version               uint64    `gorm:"not null;default:1"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (BrokerToken) TableName() string {
	return "broker_token"
}
