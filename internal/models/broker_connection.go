package models

import (
	"time"

	"gorm.io/gorm"
)

// Connection status values.
const (
	ConnectionActive   = "active"
	ConnectionInactive = "inactive"
	ConnectionError    = "error"
)

// BrokerConnection links a user to a configured broker. Credentials are
// stored only as an encrypted blob; at most one connection may exist per
// (user, broker, environment).
type BrokerConnection struct {
	gorm.Model
	UserID         string `gorm:"uniqueIndex:idx_user_broker_env;not null"`
	BrokerKey      string `gorm:"uniqueIndex:idx_user_broker_env;not null"`
	Environment    string `gorm:"uniqueIndex:idx_user_broker_env;default:live"` // live|paper|testnet
	AuthMethod     string `gorm:"not null"`                                     // api-key|oauth|tws-gateway
	EncryptedCreds string
	Status         string `gorm:"default:active"`
	ConfiguredAt   time.Time
	LastVerifiedAt *time.Time
}
