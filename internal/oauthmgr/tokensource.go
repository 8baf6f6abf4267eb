package oauthmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/chendrizzy/discord-trade-exec-sub003/internal/broker"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/models"
)

// refreshMargin is how early the on-demand path refreshes ahead of expiry so
// a token never dies mid-request.
const refreshMargin = time.Minute

// TokenSource returns a broker.TokenSource scoped to one (user, broker)
// connection. Adapters call AccessToken before each authenticated request;
// the source refreshes transparently when the stored token is expired or
// about to expire.
func (m *Manager) TokenSource(userID, brokerKey string) broker.TokenSource {
	return &tokenSource{mgr: m, userID: userID, brokerKey: brokerKey}
}

type tokenSource struct {
	mgr       *Manager
	userID    string
	brokerKey string
	mu        sync.Mutex
}

func (t *tokenSource) AccessToken(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.load()
	if err != nil {
		return "", err
	}
	if !rec.IsValid {
		return "", &broker.AuthenticationError{BrokerKey: t.brokerKey, Reason: "connection revoked, reconnect required"}
	}

	if t.mgr.now().Add(refreshMargin).After(rec.ExpiresAt) {
		if err := t.mgr.Refresh(ctx, t.userID, t.brokerKey); err != nil {
			return "", err
		}
		if rec, err = t.load(); err != nil {
			return "", err
		}
	}

	token, err := t.mgr.enc.Decrypt(t.userID, rec.EncryptedAccessToken)
	if err != nil {
		return "", fmt.Errorf("decrypt access token: %w", err)
	}
	return token, nil
}

func (t *tokenSource) load() (*models.OAuthTokenRecord, error) {
	var rec models.OAuthTokenRecord
	err := t.mgr.db.Where("user_id = ? AND broker_key = ?", t.userID, t.brokerKey).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &broker.AuthenticationError{BrokerKey: t.brokerKey, Reason: "not connected"}
	}
	if err != nil {
		return nil, fmt.Errorf("load token record: %w", err)
	}
	return &rec, nil
}
