package model

import "time"

// ConnectionState is the lifecycle state of a brokerage link.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)

// BrokerConfig holds one user's credentials for one brokerage.
// The API secret is stored encrypted and must never appear in logs or
// responses. PendingAuthState is non-empty exactly while the link is in
// the connecting state.
type BrokerConfig struct {
	ID                 uint64          `gorm:"primaryKey" json:"id"`
	UserID             string          `gorm:"size:36;not null;uniqueIndex:idx_user_broker" json:"userId"`
	BrokerName         string          `gorm:"size:64;not null;uniqueIndex:idx_user_broker" json:"brokerName"`
	APIKey             string          `gorm:"size:128;not null" json:"apiKey"`
	APISecretEncrypted string          `gorm:"size:512;not null" json:"-"`
	ConnectionState    ConnectionState `gorm:"size:16;not null;default:disconnected" json:"connectionState"`
	PendingAuthState   string          `gorm:"size:64" json:"-"`
	NotifyEmail        string          `gorm:"size:254" json:"-"`
	LastStatusMessage  string          `gorm:"size:512" json:"lastStatusMessage"`
	LastCheckedAt      time.Time       `json:"lastCheckedAt"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

func (BrokerConfig) TableName() string {
	return "broker_config"
}
