package models

import (
	"time"

	"gorm.io/gorm"
)

// OAuthTokenRecord stores a user's OAuth session with a broker. Both tokens
// are encrypted before they reach this struct. Records are soft-invalidated
// (IsValid=false) on revocation or irrecoverable refresh failure and only
// physically deleted on explicit disconnect, so the audit trail survives.
type OAuthTokenRecord struct {
	gorm.Model
	UserID                string `gorm:"uniqueIndex:idx_user_broker_token;not null"`
	BrokerKey             string `gorm:"uniqueIndex:idx_user_broker_token;not null"`
	EncryptedAccessToken  string
	EncryptedRefreshToken string
	ExpiresAt             time.Time
	Scopes                string
	IsValid               bool `gorm:"default:true"`
	ConnectedAt           time.Time
	LastRefreshAttempt    *time.Time
	LastRefreshError      string
}
