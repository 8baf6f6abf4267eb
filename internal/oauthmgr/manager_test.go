package oauthmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/chendrizzy/discord-trade-exec-sub003/internal/broker"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/config"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/models"
	"github.com/chendrizzy/discord-trade-exec-sub003/internal/secrets"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.OAuthTokenRecord{}))
	return db
}

func testManager(t *testing.T, tokenURL string) (*Manager, *gorm.DB) {
	t.Helper()
	db := testDB(t)
	cfg := config.OAuth{
		RedirectBaseURL: "https://engine.example.com",
		Providers: map[string]config.OAuthProvider{
			"tradier": {
				ClientID:     "client-id",
				ClientSecret: "client-secret",
				AuthURL:      "https://auth.example.com/authorize",
				TokenURL:     tokenURL,
				Scopes:       []string{"read", "trade"},
			},
		},
	}
	return New(db, secrets.NewAESEncryptor("test-master"), cfg, zap.NewNop()), db
}

// tokenServer answers standard token-grant POSTs with the given access
// token and lifetime.
func tokenServer(t *testing.T, accessToken string, expiresIn int, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  accessToken,
			"refresh_token": "rotated-refresh",
			"token_type":    "bearer",
			"expires_in":    expiresIn,
		})
	}))
}

func TestAuthorizeURLCarriesBoundState(t *testing.T) {
	m, _ := testManager(t, "https://token.example.com/token")

	raw, err := m.AuthorizeURL("u1", "tradier")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.com/authorize", u.Scheme+"://"+u.Host+u.Path)
	assert.Equal(t, "client-id", u.Query().Get("client_id"))
	assert.Equal(t, "https://engine.example.com/auth/broker/callback", u.Query().Get("redirect_uri"))
	assert.NotEmpty(t, u.Query().Get("state"))

	userID, brokerKey, ok := m.states.Consume(u.Query().Get("state"))
	require.True(t, ok)
	assert.Equal(t, "u1", userID)
	assert.Equal(t, "tradier", brokerKey)
}

func TestAuthorizeURLUnknownProvider(t *testing.T) {
	m, _ := testManager(t, "https://token.example.com/token")

	_, err := m.AuthorizeURL("u1", "binance")
	var vErr *broker.ValidationError
	assert.True(t, errors.As(err, &vErr))
}

func TestCallbackExchangesAndPersists(t *testing.T) {
	srv := tokenServer(t, "access-1", 3600, nil)
	defer srv.Close()
	m, db := testManager(t, srv.URL+"/token")

	raw, err := m.AuthorizeURL("u1", "tradier")
	require.NoError(t, err)
	u, _ := url.Parse(raw)
	state := u.Query().Get("state")

	require.NoError(t, m.HandleCallback(context.Background(), state, "auth-code"))

	var rec models.OAuthTokenRecord
	require.NoError(t, db.Where("user_id = ? AND broker_key = ?", "u1", "tradier").First(&rec).Error)
	assert.True(t, rec.IsValid)
	assert.False(t, rec.ConnectedAt.IsZero())
	assert.True(t, rec.ExpiresAt.After(time.Now()))

	// Tokens at rest are ciphertext, not the raw grant.
	assert.NotEqual(t, "access-1", rec.EncryptedAccessToken)
	plain, err := m.enc.Decrypt("u1", rec.EncryptedAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "access-1", plain)

	// The state nonce is single use.
	err = m.HandleCallback(context.Background(), state, "auth-code")
	var aErr *broker.AuthenticationError
	assert.True(t, errors.As(err, &aErr))
}

func TestCallbackPreservesConnectedAtOnReconnect(t *testing.T) {
	srv := tokenServer(t, "access-2", 3600, nil)
	defer srv.Close()
	m, db := testManager(t, srv.URL+"/token")

	firstConnect := time.Now().Add(-48 * time.Hour).Truncate(time.Second)
	require.NoError(t, db.Create(&models.OAuthTokenRecord{
		UserID:      "u1",
		BrokerKey:   "tradier",
		IsValid:     false,
		ConnectedAt: firstConnect,
	}).Error)

	raw, err := m.AuthorizeURL("u1", "tradier")
	require.NoError(t, err)
	u, _ := url.Parse(raw)
	require.NoError(t, m.HandleCallback(context.Background(), u.Query().Get("state"), "code"))

	var rec models.OAuthTokenRecord
	require.NoError(t, db.Where("user_id = ? AND broker_key = ?", "u1", "tradier").First(&rec).Error)
	assert.True(t, rec.IsValid, "reconnect restores validity")
	assert.WithinDuration(t, firstConnect, rec.ConnectedAt, time.Second)
}

func TestCallbackRejectsUnknownState(t *testing.T) {
	m, _ := testManager(t, "https://token.example.com/token")

	err := m.HandleCallback(context.Background(), "never-issued", "code")
	var aErr *broker.AuthenticationError
	require.True(t, errors.As(err, &aErr))
	assert.Contains(t, aErr.Reason, "state")
}

func seedToken(t *testing.T, m *Manager, db *gorm.DB, userID, access, refresh string, expiresAt time.Time) {
	t.Helper()
	encAccess, err := m.enc.Encrypt(userID, access)
	require.NoError(t, err)
	encRefresh, err := m.enc.Encrypt(userID, refresh)
	require.NoError(t, err)
	require.NoError(t, db.Create(&models.OAuthTokenRecord{
		UserID:                userID,
		BrokerKey:             "tradier",
		EncryptedAccessToken:  encAccess,
		EncryptedRefreshToken: encRefresh,
		ExpiresAt:             expiresAt,
		IsValid:               true,
		ConnectedAt:           time.Now(),
	}).Error)
}

func TestRefreshMovesExpiryStrictlyForward(t *testing.T) {
	srv := tokenServer(t, "access-new", 3600, nil)
	defer srv.Close()
	m, db := testManager(t, srv.URL+"/token")

	oldExpiry := time.Now().Add(2 * time.Minute)
	seedToken(t, m, db, "u1", "access-old", "refresh-old", oldExpiry)

	require.NoError(t, m.Refresh(context.Background(), "u1", "tradier"))

	var rec models.OAuthTokenRecord
	require.NoError(t, db.Where("user_id = ?", "u1").First(&rec).Error)
	assert.True(t, rec.ExpiresAt.After(oldExpiry), "expiry must move strictly forward")
	assert.Empty(t, rec.LastRefreshError)
	require.NotNil(t, rec.LastRefreshAttempt)

	plain, err := m.enc.Decrypt("u1", rec.EncryptedAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "access-new", plain)

	// The rotated refresh token replaced the stored one.
	plain, err = m.enc.Decrypt("u1", rec.EncryptedRefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "rotated-refresh", plain)
}

func TestRefreshTransientFailureKeepsRecordValid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()
	m, db := testManager(t, srv.URL+"/token")
	seedToken(t, m, db, "u1", "access-old", "refresh-old", time.Now().Add(time.Minute))

	err := m.Refresh(context.Background(), "u1", "tradier")
	var aErr *broker.AuthenticationError
	require.True(t, errors.As(err, &aErr))

	var rec models.OAuthTokenRecord
	require.NoError(t, db.Where("user_id = ?", "u1").First(&rec).Error)
	assert.True(t, rec.IsValid, "transient failures must not invalidate the connection")
	assert.NotEmpty(t, rec.LastRefreshError)
	require.NotNil(t, rec.LastRefreshAttempt)
}

func TestRefreshInvalidGrantRevokes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	defer srv.Close()
	m, db := testManager(t, srv.URL+"/token")
	seedToken(t, m, db, "u1", "access-old", "refresh-old", time.Now().Add(time.Minute))

	require.Error(t, m.Refresh(context.Background(), "u1", "tradier"))

	var rec models.OAuthTokenRecord
	require.NoError(t, db.Where("user_id = ?", "u1").First(&rec).Error)
	assert.False(t, rec.IsValid, "invalid_grant means the provider revoked the grant")

	// Further refreshes fail fast without touching the provider.
	err := m.Refresh(context.Background(), "u1", "tradier")
	var aErr *broker.AuthenticationError
	require.True(t, errors.As(err, &aErr))
	assert.Contains(t, aErr.Reason, "revoked")
}

func TestTokenSourceRefreshesExpiredBeforeUse(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, "access-fresh", 3600, &calls)
	defer srv.Close()
	m, db := testManager(t, srv.URL+"/token")
	seedToken(t, m, db, "u1", "access-stale", "refresh-old", time.Now().Add(-time.Minute))

	ts := m.TokenSource("u1", "tradier")
	tok, err := ts.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-fresh", tok)
	assert.Equal(t, int32(1), calls.Load())

	// A fresh token is served from storage without another grant.
	tok, err = ts.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-fresh", tok)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTokenSourceNotConnected(t *testing.T) {
	m, _ := testManager(t, "https://token.example.com/token")

	_, err := m.TokenSource("ghost", "tradier").AccessToken(context.Background())
	var aErr *broker.AuthenticationError
	require.True(t, errors.As(err, &aErr))
	assert.Contains(t, aErr.Reason, "not connected")
}

func TestStatusTransitions(t *testing.T) {
	m, db := testManager(t, "https://token.example.com/token")

	state, err := m.Status("u1", "tradier")
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, state)

	seedToken(t, m, db, "u1", "a", "r", time.Now().Add(24*time.Hour))
	state, _ = m.Status("u1", "tradier")
	assert.Equal(t, StateConnected, state)

	db.Model(&models.OAuthTokenRecord{}).Where("user_id = ?", "u1").
		Update("expires_at", time.Now().Add(30*time.Minute))
	state, _ = m.Status("u1", "tradier")
	assert.Equal(t, StateExpiring, state)

	db.Model(&models.OAuthTokenRecord{}).Where("user_id = ?", "u1").
		Update("expires_at", time.Now().Add(-time.Minute))
	state, _ = m.Status("u1", "tradier")
	assert.Equal(t, StateExpired, state)

	db.Model(&models.OAuthTokenRecord{}).Where("user_id = ?", "u1").
		Update("is_valid", false)
	state, _ = m.Status("u1", "tradier")
	assert.Equal(t, StateRevoked, state)
}

func TestSweepHonorsLeadWindow(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, "access-swept", 7200, &calls)
	defer srv.Close()
	m, db := testManager(t, srv.URL+"/token")
	p := m.providers["tradier"]
	p.RefreshLeadMinutes = 90
	m.providers["tradier"] = p

	// Inside the lead window: refreshed.
	seedToken(t, m, db, "u1", "a1", "r1", time.Now().Add(time.Hour))
	// Outside: untouched.
	encAccess, _ := m.enc.Encrypt("u2", "a2")
	encRefresh, _ := m.enc.Encrypt("u2", "r2")
	farExpiry := time.Now().Add(6 * time.Hour)
	require.NoError(t, db.Create(&models.OAuthTokenRecord{
		UserID: "u2", BrokerKey: "tradier",
		EncryptedAccessToken: encAccess, EncryptedRefreshToken: encRefresh,
		ExpiresAt: farExpiry, IsValid: true, ConnectedAt: time.Now(),
	}).Error)

	m.Sweep(context.Background())

	assert.Equal(t, int32(1), calls.Load(), "only the token inside the lead window is refreshed")

	var rec models.OAuthTokenRecord
	require.NoError(t, db.Where("user_id = ?", "u2").First(&rec).Error)
	assert.WithinDuration(t, farExpiry, rec.ExpiresAt, time.Second)
}

func TestDisconnectDeletesRecord(t *testing.T) {
	m, db := testManager(t, "https://token.example.com/token")
	seedToken(t, m, db, "u1", "a", "r", time.Now().Add(time.Hour))

	require.NoError(t, m.Disconnect("u1", "tradier"))

	state, err := m.Status("u1", "tradier")
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, state)
}

func TestRevokeKeepsRecord(t *testing.T) {
	m, db := testManager(t, "https://token.example.com/token")
	seedToken(t, m, db, "u1", "a", "r", time.Now().Add(time.Hour))

	require.NoError(t, m.Revoke("u1", "tradier"))

	var rec models.OAuthTokenRecord
	require.NoError(t, db.Where("user_id = ?", "u1").First(&rec).Error)
	assert.False(t, rec.IsValid)

	assert.Error(t, m.Revoke("ghost", "tradier"))
}

func TestStateStoreExpiresNonces(t *testing.T) {
	s := newStateStore()
	base := time.Now()
	s.now = func() time.Time { return base }

	state := s.Issue("u1", "tradier")

	s.now = func() time.Time { return base.Add(stateTTL + time.Second) }
	_, _, ok := s.Consume(state)
	assert.False(t, ok, "nonces older than the TTL are rejected")
}
