package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/chendrizzy/discord-trade-exec-sub003/internal/broker"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/gate"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/models"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/oauthmgr"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/registry"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/secrets"
)

// ConnectionPool resolves live adapter instances for a user's configured
// brokers. The executor depends on this narrow surface so tests can swap in
// pre-built adapters.
type ConnectionPool interface {
	// Adapter returns the live adapter for (user, broker), constructing
	// and caching it on first use.
	Adapter(ctx context.Context, userID, brokerKey string) (broker.Adapter, error)
	// Connected lists the user's active broker connections.
	Connected(userID string) ([]models.BrokerConnection, error)
}

// Pool is the production ConnectionPool: connections persisted through gorm,
// credentials encrypted at rest, adapters built by the registry and cached
// per (user, broker). Each cached instance is exclusively owned by its pair.
type Pool struct {
	db     *gorm.DB
	reg    *registry.Registry
	enc    secrets.Encryptor
	oauth  *oauthmgr.Manager
	tiers  *gate.Checker
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]broker.Adapter
}

// NewPool builds a Pool.
func NewPool(db *gorm.DB, reg *registry.Registry, enc secrets.Encryptor, oauth *oauthmgr.Manager, tiers *gate.Checker, logger *zap.Logger) *Pool {
	return &Pool{
		db:     db,
		reg:    reg,
		enc:    enc,
		oauth:  oauth,
		tiers:  tiers,
		logger: logger.Named("pool"),
		cache:  make(map[string]broker.Adapter),
	}
}

// AddBroker configures a broker connection for a user: tier gate, deployment
// gate and credential schema are all checked before anything is persisted,
// and nothing here touches the broker's network.
func (p *Pool) AddBroker(userID, tier, brokerKey, authMethod, environment string, creds broker.Credentials) error {
	var connected int64
	if err := p.db.Model(&models.BrokerConnection{}).
		Where("user_id = ? AND status = ?", userID, models.ConnectionActive).
		Count(&connected).Error; err != nil {
		return fmt.Errorf("count connections: %w", err)
	}
	if err := p.tiers.CheckAddBroker(tier, brokerKey, int(connected)); err != nil {
		return err
	}
	if err := p.reg.ValidateDeploymentMode(brokerKey); err != nil {
		return err
	}
	if err := p.reg.ValidateCredentials(brokerKey, authMethod, creds); err != nil {
		return err
	}

	creds = p.reg.ApplyDefaults(brokerKey, creds)
	blob, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("serialize credentials: %w", err)
	}
	sealed, err := p.enc.Encrypt(userID, string(blob))
	if err != nil {
		return fmt.Errorf("encrypt credentials: %w", err)
	}

	if environment == "" {
		environment = "live"
	}
	conn := models.BrokerConnection{
		UserID:         userID,
		BrokerKey:      brokerKey,
		Environment:    environment,
		AuthMethod:     authMethod,
		EncryptedCreds: sealed,
		Status:         models.ConnectionActive,
		ConfiguredAt:   time.Now(),
	}
	if err := p.db.Create(&conn).Error; err != nil {
		return fmt.Errorf("persist connection: %w", err)
	}

	p.logger.Info("broker connection added",
		zap.String("user_id", userID),
		zap.String("broker", brokerKey),
		zap.String("auth_method", authMethod),
		zap.String("environment", environment),
	)
	return nil
}

// RemoveBroker drops a connection and evicts any cached adapter.
func (p *Pool) RemoveBroker(userID, brokerKey string) error {
	res := p.db.Unscoped().
		Where("user_id = ? AND broker_key = ?", userID, brokerKey).
		Delete(&models.BrokerConnection{})
	if res.Error != nil {
		return fmt.Errorf("delete connection: %w", res.Error)
	}
	p.mu.Lock()
	delete(p.cache, userID+"|"+brokerKey)
	p.mu.Unlock()
	return nil
}

// Connected lists the user's active connections.
func (p *Pool) Connected(userID string) ([]models.BrokerConnection, error) {
	var conns []models.BrokerConnection
	err := p.db.Where("user_id = ? AND status = ?", userID, models.ConnectionActive).
		Order("broker_key").
		Find(&conns).Error
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	return conns, nil
}

// Adapter resolves the live adapter for (user, broker). Credentials are
// decrypted only at construction time; defaults are re-applied after
// decryption to cover connections saved before a default existed.
func (p *Pool) Adapter(ctx context.Context, userID, brokerKey string) (broker.Adapter, error) {
	key := userID + "|" + brokerKey
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.cache[key]; ok {
		return a, nil
	}

	var conn models.BrokerConnection
	err := p.db.Where("user_id = ? AND broker_key = ? AND status = ?",
		userID, brokerKey, models.ConnectionActive).First(&conn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &broker.ValidationError{
			Field:   "broker",
			Message: fmt.Sprintf("%s is not connected for this user", brokerKey),
		}
	}
	if err != nil {
		return nil, fmt.Errorf("load connection: %w", err)
	}

	creds, err := p.decryptCreds(userID, conn.EncryptedCreds)
	if err != nil {
		return nil, err
	}
	creds = p.reg.ApplyDefaults(brokerKey, creds)

	opts := registry.Options{
		UserID:      userID,
		AuthMethod:  conn.AuthMethod,
		Environment: conn.Environment,
	}
	if conn.AuthMethod == "oauth" {
		opts.Tokens = p.oauth.TokenSource(userID, brokerKey)
	}

	a, err := p.reg.CreateBroker(brokerKey, creds, opts)
	if err != nil {
		return nil, err
	}
	p.cache[key] = a
	return a, nil
}

func (p *Pool) decryptCreds(userID, sealed string) (broker.Credentials, error) {
	if sealed == "" {
		return broker.Credentials{}, nil
	}
	plain, err := p.enc.Decrypt(userID, sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}
	var creds broker.Credentials
	if err := json.Unmarshal([]byte(plain), &creds); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return creds, nil
}
