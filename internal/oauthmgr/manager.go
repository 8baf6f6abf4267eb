// Package oauthmgr owns the OAuth credential lifecycle for broker
// connections: authorization URL issuance, callback exchange, token
// persistence (encrypted), proactive refresh, revocation and disconnect.
// Adapters never see raw tokens; they consume a broker.TokenSource.
package oauthmgr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"github.com/chendrizzy/discord-trade-exec-sub003/internal/broker"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/config"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/models"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/secrets"
)

// Connection states reported by Status.
const (
	StateDisconnected = "disconnected"
	StateConnected    = "connected"
	StateExpiring     = "expiring"
	StateExpired      = "expired"
	StateRevoked      = "revoked"
)

// expiringWindow is how close to expiry a valid token is reported as
// "expiring" and refreshed on demand.
const expiringWindow = time.Hour

// defaultRefreshLead is the sweep's refresh margin when a provider does not
// configure one.
const defaultRefreshLead = 5 * time.Minute

// Manager drives the per-(user, broker) OAuth state machine.
type Manager struct {
	db        *gorm.DB
	enc       secrets.Encryptor
	providers map[string]config.OAuthProvider
	redirect  string
	states    *stateStore
	cron      *cron.Cron
	renew     *resty.Client
	logger    *zap.Logger
	now       func() time.Time
}

// New builds a Manager from the operator OAuth config.
func New(db *gorm.DB, enc secrets.Encryptor, cfg config.OAuth, logger *zap.Logger) *Manager {
	return &Manager{
		db:        db,
		enc:       enc,
		providers: cfg.Providers,
		redirect:  strings.TrimRight(cfg.RedirectBaseURL, "/"),
		states:    newStateStore(),
		cron:      cron.New(cron.WithSeconds()),
		renew:     resty.New().SetTimeout(15 * time.Second),
		logger:    logger.Named("oauth"),
		now:       time.Now,
	}
}

func (m *Manager) provider(brokerKey string) (config.OAuthProvider, error) {
	p, ok := m.providers[brokerKey]
	if !ok {
		return config.OAuthProvider{}, &broker.ValidationError{
			Field:   "broker",
			Message: fmt.Sprintf("no OAuth provider configured for %q", brokerKey),
		}
	}
	return p, nil
}

func (m *Manager) oauthConfig(p config.OAuthProvider) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.AuthURL,
			TokenURL: p.TokenURL,
		},
		RedirectURL: m.redirect + "/auth/broker/callback",
		Scopes:      p.Scopes,
	}
}

// AuthorizeURL starts an authorization round for (user, broker) and returns
// the provider URL to send the user to. The embedded state nonce is single
// use and expires after ten minutes.
func (m *Manager) AuthorizeURL(userID, brokerKey string) (string, error) {
	p, err := m.provider(brokerKey)
	if err != nil {
		return "", err
	}
	state := m.states.Issue(userID, brokerKey)
	m.logger.Info("authorization started",
		zap.String("user_id", userID),
		zap.String("broker", brokerKey),
	)
	return m.oauthConfig(p).AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

// HandleCallback finishes the authorization round: it validates the state,
// exchanges the code, encrypts both tokens and persists the connection.
// Reconnecting an existing (user, broker) pair keeps the original
// ConnectedAt. GET and POST callbacks both land here.
func (m *Manager) HandleCallback(ctx context.Context, state, code string) error {
	userID, brokerKey, ok := m.states.Consume(state)
	if !ok {
		return &broker.AuthenticationError{Reason: "unknown or expired authorization state"}
	}
	p, err := m.provider(brokerKey)
	if err != nil {
		return err
	}

	tok, err := m.oauthConfig(p).Exchange(ctx, code)
	if err != nil {
		return &broker.AuthenticationError{
			BrokerKey: brokerKey,
			Reason:    fmt.Sprintf("code exchange failed: %v", err),
		}
	}

	encAccess, err := m.enc.Encrypt(userID, tok.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	encRefresh, err := m.enc.Encrypt(userID, tok.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	now := m.now()
	var rec models.OAuthTokenRecord
	err = m.db.Where("user_id = ? AND broker_key = ?", userID, brokerKey).First(&rec).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		rec = models.OAuthTokenRecord{
			UserID:      userID,
			BrokerKey:   brokerKey,
			ConnectedAt: now,
		}
	case err != nil:
		return fmt.Errorf("load token record: %w", err)
	}

	rec.EncryptedAccessToken = encAccess
	rec.EncryptedRefreshToken = encRefresh
	rec.ExpiresAt = tok.Expiry
	rec.Scopes = strings.Join(p.Scopes, " ")
	rec.IsValid = true
	rec.LastRefreshError = ""
	if err := m.db.Save(&rec).Error; err != nil {
		return fmt.Errorf("persist token record: %w", err)
	}

	m.logger.Info("broker connected",
		zap.String("user_id", userID),
		zap.String("broker", brokerKey),
		zap.Time("expires_at", rec.ExpiresAt),
	)
	return nil
}

// Status reports the lifecycle state for (user, broker).
func (m *Manager) Status(userID, brokerKey string) (string, error) {
	var rec models.OAuthTokenRecord
	err := m.db.Where("user_id = ? AND broker_key = ?", userID, brokerKey).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return StateDisconnected, nil
	}
	if err != nil {
		return "", err
	}
	now := m.now()
	switch {
	case !rec.IsValid:
		return StateRevoked, nil
	case now.After(rec.ExpiresAt):
		return StateExpired, nil
	case now.Add(expiringWindow).After(rec.ExpiresAt):
		return StateExpiring, nil
	default:
		return StateConnected, nil
	}
}

// Refresh exchanges the stored refresh token for a new access token and
// persists the result. Every attempt, successful or not, stamps
// LastRefreshAttempt; IsValid flips to false only when the provider
// explicitly revoked the grant.
func (m *Manager) Refresh(ctx context.Context, userID, brokerKey string) error {
	var rec models.OAuthTokenRecord
	if err := m.db.Where("user_id = ? AND broker_key = ?", userID, brokerKey).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &broker.AuthenticationError{BrokerKey: brokerKey, Reason: "not connected"}
		}
		return fmt.Errorf("load token record: %w", err)
	}
	if !rec.IsValid {
		return &broker.AuthenticationError{BrokerKey: brokerKey, Reason: "connection revoked, reconnect required"}
	}
	p, err := m.provider(brokerKey)
	if err != nil {
		return err
	}

	refreshToken, err := m.enc.Decrypt(userID, rec.EncryptedRefreshToken)
	if err != nil {
		return fmt.Errorf("decrypt refresh token: %w", err)
	}

	var tok *oauth2.Token
	if p.UseOAuth1 {
		tok, err = m.renewOAuth1(ctx, p, refreshToken)
	} else {
		tok, err = m.oauthConfig(p).TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	}

	now := m.now()
	rec.LastRefreshAttempt = &now
	if err != nil {
		rec.LastRefreshError = err.Error()
		if isRevocation(err) {
			rec.IsValid = false
			m.logger.Warn("broker grant revoked",
				zap.String("user_id", userID),
				zap.String("broker", brokerKey),
			)
		}
		if saveErr := m.db.Save(&rec).Error; saveErr != nil {
			return fmt.Errorf("record refresh failure: %w", saveErr)
		}
		return &broker.AuthenticationError{
			BrokerKey: brokerKey,
			Reason:    fmt.Sprintf("token refresh failed: %v", err),
		}
	}

	if !tok.Expiry.After(rec.ExpiresAt) {
		// A refresh that does not extend the session is treated as a
		// provider fault, not silently accepted.
		rec.LastRefreshError = "refresh did not extend token expiry"
		if saveErr := m.db.Save(&rec).Error; saveErr != nil {
			return fmt.Errorf("record refresh failure: %w", saveErr)
		}
		return &broker.AuthenticationError{BrokerKey: brokerKey, Reason: rec.LastRefreshError}
	}

	if rec.EncryptedAccessToken, err = m.enc.Encrypt(userID, tok.AccessToken); err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	// Providers may rotate the refresh token on use; keep the old one when
	// they do not.
	if tok.RefreshToken != "" {
		if rec.EncryptedRefreshToken, err = m.enc.Encrypt(userID, tok.RefreshToken); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	rec.ExpiresAt = tok.Expiry
	rec.LastRefreshError = ""
	if err := m.db.Save(&rec).Error; err != nil {
		return fmt.Errorf("persist refreshed token: %w", err)
	}

	m.logger.Info("token refreshed",
		zap.String("user_id", userID),
		zap.String("broker", brokerKey),
		zap.Time("expires_at", rec.ExpiresAt),
	)
	return nil
}

// renewOAuth1 handles providers on a pre-OAuth2 renewal flow: a form POST to
// the configured renew endpoint rather than a standard token grant.
func (m *Manager) renewOAuth1(ctx context.Context, p config.OAuthProvider, refreshToken string) (*oauth2.Token, error) {
	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	resp, err := m.renew.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"client_id":     p.ClientID,
			"client_secret": p.ClientSecret,
			"refresh_token": refreshToken,
		}).
		SetResult(&out).
		Post(p.RenewURL)
	if err != nil {
		return nil, &broker.NetworkError{Op: "token renewal", Err: err}
	}
	if resp.IsError() {
		if strings.Contains(strings.ToLower(string(resp.Body())), "invalid_grant") {
			return nil, errRevoked
		}
		return nil, fmt.Errorf("token renewal returned status %d", resp.StatusCode())
	}
	return &oauth2.Token{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		Expiry:       m.now().Add(time.Duration(out.ExpiresIn) * time.Second),
	}, nil
}

var errRevoked = errors.New("invalid_grant: authorization revoked")

// isRevocation reports whether a refresh failure means the provider
// invalidated the grant, as opposed to a transient fault.
func isRevocation(err error) bool {
	if errors.Is(err, errRevoked) {
		return true
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.ErrorCode == "invalid_grant" {
			return true
		}
		return strings.Contains(strings.ToLower(string(rerr.Body)), "invalid_grant")
	}
	return false
}

// Revoke marks the connection invalid without deleting the record, keeping
// the audit trail. Calls needing a token fail until the user reconnects.
func (m *Manager) Revoke(userID, brokerKey string) error {
	res := m.db.Model(&models.OAuthTokenRecord{}).
		Where("user_id = ? AND broker_key = ?", userID, brokerKey).
		Update("is_valid", false)
	if res.Error != nil {
		return fmt.Errorf("revoke token record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &broker.AuthenticationError{BrokerKey: brokerKey, Reason: "not connected"}
	}
	m.logger.Info("broker revoked", zap.String("user_id", userID), zap.String("broker", brokerKey))
	return nil
}

// Disconnect deletes the stored tokens entirely. The delete is hard so the
// unique (user, broker) index is free for a later reconnect.
func (m *Manager) Disconnect(userID, brokerKey string) error {
	res := m.db.Unscoped().Where("user_id = ? AND broker_key = ?", userID, brokerKey).
		Delete(&models.OAuthTokenRecord{})
	if res.Error != nil {
		return fmt.Errorf("delete token record: %w", res.Error)
	}
	m.logger.Info("broker disconnected", zap.String("user_id", userID), zap.String("broker", brokerKey))
	return nil
}

// StartSweep schedules the proactive refresh loop on the given cron spec
// (six-field, with seconds) and starts the scheduler.
func (m *Manager) StartSweep(schedule string) error {
	_, err := m.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		m.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule refresh sweep: %w", err)
	}
	m.cron.Start()
	return nil
}

// StopSweep stops the scheduler and waits for a running sweep to finish.
func (m *Manager) StopSweep() {
	<-m.cron.Stop().Done()
}

// Sweep refreshes every valid token inside its provider's lead window.
// Providers with short-lived tokens configure a small lead so the sweep
// catches them each pass; long-lived tokens only match close to expiry.
func (m *Manager) Sweep(ctx context.Context) {
	var records []models.OAuthTokenRecord
	if err := m.db.Where("is_valid = ?", true).Find(&records).Error; err != nil {
		m.logger.Error("refresh sweep query failed", zap.Error(err))
		return
	}

	now := m.now()
	for _, rec := range records {
		p, ok := m.providers[rec.BrokerKey]
		if !ok {
			continue
		}
		lead := defaultRefreshLead
		if p.RefreshLeadMinutes > 0 {
			lead = time.Duration(p.RefreshLeadMinutes) * time.Minute
		}
		if now.Add(lead).Before(rec.ExpiresAt) {
			continue
		}
		if err := m.Refresh(ctx, rec.UserID, rec.BrokerKey); err != nil {
			m.logger.Warn("sweep refresh failed",
				zap.String("user_id", rec.UserID),
				zap.String("broker", rec.BrokerKey),
				zap.Error(err),
			)
		}
	}
}
