package model

import "time"

type AuditEvent struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	ConfigID  uint64    `gorm:"index"`                  // zero when the failure happened before a config existed
	UserID    string    `gorm:"size:36;index"`          // canonical user id, may be empty pre-normalization
	Action    string    `gorm:"size:32;not null;index"` // setup_initiated, token_exchanged...
	Status    string    `gorm:"size:16;not null"`       // success or failure
	Detail    string    `gorm:"size:512"`               // secret-free context
	IP        string    `gorm:"size:45"`                // IPv4/IPv6
	UserAgent string    `gorm:"size:512"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (AuditEvent) TableName() string {
	return "audit"
}
